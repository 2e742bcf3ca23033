package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/agentsh/warden/internal/audit"
)

// ResumeFunc reports where the on-disk chain for class left off.
type ResumeFunc func(class string) (audit.ChainState, error)

// IntegrityLog wraps a RecordLog and chains each class with its own HMAC chain.
type IntegrityLog struct {
	inner     RecordLog
	key       []byte
	algorithm string
	resume    ResumeFunc

	mu     sync.Mutex
	chains map[string]*audit.IntegrityChain
}

// NewIntegrityLog validates key and algorithm up front. resume may be nil,
// in which case every class starts a fresh chain.
func NewIntegrityLog(inner RecordLog, key []byte, algorithm string, resume ResumeFunc) (*IntegrityLog, error) {
	if _, err := audit.NewIntegrityChain(key, algorithm); err != nil {
		return nil, err
	}
	return &IntegrityLog{
		inner:     inner,
		key:       key,
		algorithm: algorithm,
		resume:    resume,
		chains:    make(map[string]*audit.IntegrityChain),
	}, nil
}

// Append wraps record with the next chain block for class. A failed write
// rolls the chain back so the file never skips a sequence number.
func (l *IntegrityLog) Append(ctx context.Context, class string, record any) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	chain, err := l.chainLocked(class)
	if err != nil {
		return err
	}
	prev := chain.State()
	wrapped, err := chain.Wrap(record)
	if err != nil {
		return err
	}
	if err := l.inner.Append(ctx, class, wrapped); err != nil {
		chain.Restore(prev)
		return err
	}
	return nil
}

// State returns the chain position for class, zero if nothing was written yet.
func (l *IntegrityLog) State(class string) audit.ChainState {
	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok := l.chains[class]; ok {
		return c.State()
	}
	return audit.ChainState{}
}

func (l *IntegrityLog) Close() error { return l.inner.Close() }

func (l *IntegrityLog) chainLocked(class string) (*audit.IntegrityChain, error) {
	if c, ok := l.chains[class]; ok {
		return c, nil
	}
	c, err := audit.NewIntegrityChain(l.key, l.algorithm)
	if err != nil {
		return nil, err
	}
	if l.resume != nil {
		st, err := l.resume(class)
		if err != nil {
			return nil, fmt.Errorf("resume %s chain: %w", class, err)
		}
		c.Restore(st)
	}
	l.chains[class] = c
	return c, nil
}
