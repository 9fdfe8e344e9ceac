package cloudauth

import (
	"context"
	"fmt"
	"sync"

	"github.com/cuemby/cda/pkg/cdaerrors"
	"github.com/cuemby/cda/pkg/metrics"
)

// Task is one unit of cloud-call work submitted to a Pool.
type Task func(ctx context.Context) error

type job struct {
	ctx       context.Context
	operation string
	task      Task
	done      chan error
}

// Pool is the dedicated cloud-call worker pool: a bounded queue serviced
// by a configurable number of workers, rejecting submissions once the queue
// is full rather than blocking the caller indefinitely.
type Pool struct {
	queue   chan job
	workers int

	wg     sync.WaitGroup
	stopCh chan struct{}
}

// NewPool builds a Pool with the given bounded queue size
// (performance.cloudRequestQueueSize, default 100) and worker count
// (performance.maxConcurrentCloudRequests, default 1).
func NewPool(queueSize, workers int) *Pool {
	if queueSize < 1 {
		queueSize = 1
	}
	if workers < 1 {
		workers = 1
	}
	return &Pool{
		queue:   make(chan job, queueSize),
		workers: workers,
		stopCh:  make(chan struct{}),
	}
}

// Start launches the pool's worker goroutines.
func (p *Pool) Start() {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.run()
	}
}

// Stop signals every worker to drain its current task and exit, then waits
// for them.
func (p *Pool) Stop() {
	close(p.stopCh)
	p.wg.Wait()
}

func (p *Pool) run() {
	defer p.wg.Done()
	for {
		select {
		case j := <-p.queue:
			j.done <- p.execute(j)
		case <-p.stopCh:
			return
		}
	}
}

func (p *Pool) execute(j job) error {
	timer := metrics.NewTimer()
	err := j.task(j.ctx)
	timer.ObserveDurationVec(metrics.CloudCallDuration, j.operation)

	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	metrics.CloudCallsTotal.WithLabelValues(j.operation, outcome).Inc()
	return err
}

// Submit enqueues task and blocks until it runs and completes, or ctx is
// cancelled. It returns an error immediately (without running task) if the
// queue is full.
func (p *Pool) Submit(ctx context.Context, operation string, task Task) error {
	j := job{ctx: ctx, operation: operation, task: task, done: make(chan error, 1)}

	metrics.CloudCallQueueDepth.Set(float64(len(p.queue)))

	select {
	case p.queue <- j:
	default:
		return cdaerrors.CloudServiceInteraction("cloudauth.pool_full", fmt.Errorf("cloud-call queue full (operation=%s)", operation))
	}

	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-p.stopCh:
		return cdaerrors.CloudServiceInteraction("cloudauth.pool_stopped", ErrPoolStopped)
	}
}
