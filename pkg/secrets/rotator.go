// Package secrets rotates named credentials held in external secret stores.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	// ErrRotatorNotFound is returned when no rotator is registered under a name.
	ErrRotatorNotFound = errors.New("secrets: rotator not found")
	// ErrAuthFailed is returned when a backend rejects our credentials.
	ErrAuthFailed = errors.New("secrets: authentication failed")
)

// Rotator rotates one named credential.
type Rotator interface {
	// Name is the identifier fix descriptors refer to.
	Name() string

	// Rotate replaces the credential and reports the new version.
	Rotate(ctx context.Context) (*Rotation, error)
}

// Rotation describes a completed rotation. The secret value is never carried.
type Rotation struct {
	Name      string            `json:"name"`
	Provider  string            `json:"provider"`
	Version   string            `json:"version,omitempty"`
	RotatedAt time.Time         `json:"rotated_at"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Registry holds rotators by name.
type Registry struct {
	mu       sync.RWMutex
	rotators map[string]Rotator
}

func NewRegistry() *Registry {
	return &Registry{rotators: make(map[string]Rotator)}
}

// Register adds r. Names must be unique.
func (r *Registry) Register(rot Rotator) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.rotators[rot.Name()]; exists {
		return fmt.Errorf("secrets: rotator %q already registered", rot.Name())
	}
	r.rotators[rot.Name()] = rot
	return nil
}

// Get returns the rotator registered under name.
func (r *Registry) Get(name string) (Rotator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rot, ok := r.rotators[name]
	return rot, ok
}

// Names lists registered rotators in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.rotators))
	for n := range r.rotators {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Rotate runs the named rotator.
func (r *Registry) Rotate(ctx context.Context, name string) (*Rotation, error) {
	rot, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrRotatorNotFound, name)
	}
	return rot.Rotate(ctx)
}
