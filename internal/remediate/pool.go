package remediate

import (
	"context"
	"errors"
	"sync"
)

// ErrPoolFull is returned by Submit when every worker is busy and the
// backlog is at capacity.
var ErrPoolFull = errors.New("remediation pool full")

// ErrPoolClosed is returned by Submit after Close.
var ErrPoolClosed = errors.New("remediation pool closed")

// Runner executes one job. *Executor satisfies it.
type Runner interface {
	Execute(ctx context.Context, job Job) ActionResult
}

// Outcome pairs a job with its result.
type Outcome struct {
	Job    Job
	Result ActionResult
}

// Pool runs jobs on a fixed set of workers so blocking subprocesses never
// stall the dispatcher. Results arrive on Results in completion order.
type Pool struct {
	runner  Runner
	workers int

	mu      sync.RWMutex
	closed  bool
	jobs    chan Job
	results chan Outcome
	wg      sync.WaitGroup
	once    sync.Once
}

// NewPool creates a pool with the given worker count and backlog size.
func NewPool(runner Runner, workers, backlog int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if backlog < 0 {
		backlog = 0
	}
	return &Pool{
		runner:  runner,
		workers: workers,
		jobs:    make(chan Job, backlog),
		results: make(chan Outcome, workers+backlog),
	}
}

// Start launches the workers. Jobs run under a context detached from ctx's
// cancellation, so shutdown lets an in-flight fix finish.
func (p *Pool) Start(ctx context.Context) {
	p.once.Do(func() {
		runCtx := context.WithoutCancel(ctx)
		for i := 0; i < p.workers; i++ {
			p.wg.Add(1)
			go func() {
				defer p.wg.Done()
				for job := range p.jobs {
					res := p.runner.Execute(runCtx, job)
					p.results <- Outcome{Job: job, Result: res}
				}
			}()
		}
	})
}

// Submit enqueues job without blocking.
func (p *Pool) Submit(job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.jobs <- job:
		return nil
	default:
		return ErrPoolFull
	}
}

// Results delivers outcomes. It is closed after Close once every accepted
// job has finished.
func (p *Pool) Results() <-chan Outcome { return p.results }

// Close stops accepting jobs, waits for queued and in-flight jobs, then
// closes Results. The caller must keep draining Results until then.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()

	// A later Start must not launch workers.
	p.once.Do(func() {})
	p.wg.Wait()
	close(p.results)
}
