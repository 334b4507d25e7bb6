package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type blockingRunner struct {
	mu      sync.Mutex
	ran     []string
	started chan string
	release chan struct{}
}

func (r *blockingRunner) RunByID(ctx context.Context, id string) error {
	r.started <- id
	<-r.release
	r.mu.Lock()
	r.ran = append(r.ran, id)
	r.mu.Unlock()
	return nil
}

func TestPoolRejectsWhenBacklogFull(t *testing.T) {
	runner := &blockingRunner{started: make(chan string, 4), release: make(chan struct{})}
	pool := NewPool(runner, 1, 1)
	pool.Start(context.Background())

	if err := pool.Dispatch(context.Background(), "a"); err != nil {
		t.Fatalf("dispatch a: %v", err)
	}
	select {
	case <-runner.started:
	case <-time.After(2 * time.Second):
		t.Fatal("worker never picked up the first job")
	}
	if err := pool.Dispatch(context.Background(), "b"); err != nil {
		t.Fatalf("dispatch b: %v", err)
	}
	if err := pool.Dispatch(context.Background(), "c"); !errors.Is(err, ErrBacklogFull) {
		t.Fatalf("expected ErrBacklogFull, got %v", err)
	}

	close(runner.release)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := pool.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if len(runner.ran) != 2 || runner.ran[0] != "a" || runner.ran[1] != "b" {
		t.Fatalf("unexpected runs %v", runner.ran)
	}
	if err := pool.Dispatch(context.Background(), "d"); !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("expected ErrPoolClosed, got %v", err)
	}
}

func TestPoolShutdownHonorsDeadline(t *testing.T) {
	runner := &blockingRunner{started: make(chan string, 1), release: make(chan struct{})}
	defer close(runner.release)
	pool := NewPool(runner, 1, 0)
	pool.Start(context.Background())

	// an unbuffered backlog only accepts a job once a worker is waiting
	deadline := time.Now().Add(2 * time.Second)
	for pool.Dispatch(context.Background(), "slow") != nil {
		if time.Now().After(deadline) {
			t.Fatal("worker never became ready")
		}
		time.Sleep(5 * time.Millisecond)
	}
	<-runner.started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := pool.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}
