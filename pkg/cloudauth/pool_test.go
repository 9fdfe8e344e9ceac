package cloudauth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestSubmitRunsTaskAndReturnsItsError(t *testing.T) {
	pool := NewPool(4, 2)
	pool.Start()
	defer pool.Stop()

	if err := pool.Submit(context.Background(), "get_certificate", func(ctx context.Context) error {
		return nil
	}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	wantErr := errors.New("boom")
	err := pool.Submit(context.Background(), "get_certificate", func(ctx context.Context) error {
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want %v", err, wantErr)
	}
}

func TestSubmitRejectsWhenQueueFull(t *testing.T) {
	pool := NewPool(1, 1)
	// The first task blocks the single worker until the test ends, so
	// with a one-slot queue some of the later Submits must observe it full.
	block := make(chan struct{})
	done := make(chan struct{})

	go func() {
		_ = pool.Submit(context.Background(), "slow_op", func(ctx context.Context) error {
			<-block
			return nil
		})
		close(done)
	}()

	pool.Start()
	defer func() {
		close(block)
		<-done
		pool.Stop()
	}()

	// Give the first task a moment to be picked up by the single worker.
	time.Sleep(20 * time.Millisecond)

	var wg sync.WaitGroup
	rejected := 0
	var mu sync.Mutex
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := pool.Submit(context.Background(), "slow_op", func(ctx context.Context) error { return nil })
			if err != nil {
				mu.Lock()
				rejected++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if rejected == 0 {
		t.Fatal("expected at least one Submit to be rejected while the single worker is blocked")
	}
}

func TestSubmitRespectsContextCancellation(t *testing.T) {
	pool := NewPool(4, 1)
	pool.Start()
	defer pool.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	started := make(chan struct{})
	err := pool.Submit(ctx, "op", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	if err == nil {
		t.Fatal("expected an error for a pre-cancelled context")
	}
}
