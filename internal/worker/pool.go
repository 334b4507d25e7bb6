package worker

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"podcast-pipeline/internal/telemetry"
)

var (
	ErrBacklogFull = errors.New("worker backlog is full")
	ErrPoolClosed  = errors.New("worker pool is shut down")
)

// Pool runs jobs in-process on a fixed number of goroutines fed by a bounded backlog.
type Pool struct {
	runner  Runner
	workers int
	jobs    chan string
	wg      sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func NewPool(runner Runner, workers, backlog int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if backlog < 0 {
		backlog = 0
	}
	return &Pool{runner: runner, workers: workers, jobs: make(chan string, backlog)}
}

// Start launches the workers. Jobs run under ctx; once it is cancelled, queued jobs are
// still drained so each one reaches a terminal state.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for id := range p.jobs {
				telemetry.QueueDepthGauge.Set(float64(len(p.jobs)))
				if err := p.runner.RunByID(ctx, id); err != nil {
					log.Debug().Err(err).Str("job_id", id).Msg("job ended with error")
				}
			}
		}()
	}
}

// Dispatch queues jobID without blocking. A full backlog is ErrBacklogFull.
func (p *Pool) Dispatch(_ context.Context, jobID string) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.jobs <- jobID:
		telemetry.QueueDepthGauge.Set(float64(len(p.jobs)))
		return nil
	default:
		return ErrBacklogFull
	}
}

// Shutdown stops accepting jobs and waits for the workers to finish or ctx to end.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.jobs)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
