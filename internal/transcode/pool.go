package transcode

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/aym-n/pixl/internal/queue"
)

type PoolConfig struct {
	Queue   Subscriber
	Handler Handler
	Workers int
	// RetryDelay spaces out redelivery of interrupted jobs.
	RetryDelay time.Duration
	Logger     *slog.Logger
	// NewWorkerID names each worker slot. Defaults to a random uuid.
	NewWorkerID func() string
}

// PoolStats counts processed deliveries by outcome.
type PoolStats struct {
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Skipped   int64 `json:"skipped"`
	Dropped   int64 `json:"dropped"`
	Retried   int64 `json:"retried"`
}

// Pool runs a fixed number of workers. Each worker owns one queue
// subscription and claims the next delivery only after finishing the
// current one.
type Pool struct {
	queue       Subscriber
	handler     Handler
	workers     int
	retryDelay  time.Duration
	logger      *slog.Logger
	newWorkerID func() string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	started   bool
	workerIDs []string

	completed atomic.Int64
	failed    atomic.Int64
	skipped   atomic.Int64
	dropped   atomic.Int64
	retried   atomic.Int64
}

const (
	defaultWorkers    = 2
	defaultRetryDelay = time.Second
)

func NewPool(cfg PoolConfig) *Pool {
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	newWorkerID := cfg.NewWorkerID
	if newWorkerID == nil {
		newWorkerID = uuid.NewString
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		queue:       cfg.Queue,
		handler:     cfg.Handler,
		workers:     workers,
		retryDelay:  retryDelay,
		logger:      logger,
		newWorkerID: newWorkerID,
		ctx:         ctx,
		cancel:      cancel,
	}
}

func (p *Pool) Start() {
	if p == nil {
		return
	}
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	for i := 0; i < p.workers; i++ {
		id := p.newWorkerID()
		p.workerIDs = append(p.workerIDs, id)
		sub := p.queue.Subscribe(id)
		p.wg.Add(1)
		go p.worker(id, sub)
	}
	p.mu.Unlock()
	p.logger.Info("transcode workers started", "workers", p.workers)
}

// Shutdown stops taking deliveries and waits for in-flight jobs to return.
// Interrupted jobs are left for redelivery.
func (p *Pool) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	p.cancel()
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

// WorkerIDs returns the identities of the started worker slots.
func (p *Pool) WorkerIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.workerIDs...)
}

func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Skipped:   p.skipped.Load(),
		Dropped:   p.dropped.Load(),
		Retried:   p.retried.Load(),
	}
}

func (p *Pool) worker(id string, sub queue.Subscription) {
	defer p.wg.Done()
	defer sub.Close()
	logger := p.logger.With("worker_id", id)
	for {
		// Claim work only when free.
		delivery, err := sub.Next(p.ctx)
		if err != nil {
			if p.ctx.Err() == nil && !errors.Is(err, queue.ErrClosed) {
				logger.Error("receive failed", "error", err)
			}
			return
		}
		p.process(logger, id, delivery)
	}
}

func (p *Pool) process(logger *slog.Logger, id string, delivery *queue.Delivery) {
	outcome := p.handler.Handle(p.ctx, id, delivery.Message)
	p.count(outcome)

	// Settled even while shutting down so acks are not lost.
	ctx := context.WithoutCancel(p.ctx)
	if outcome.Acknowledge() {
		if err := delivery.Ack(ctx); err != nil {
			logger.Error("ack failed", "delivery_id", delivery.ID, "job_id", delivery.Message.JobID, "error", err)
		}
		return
	}
	timer := time.NewTimer(p.retryDelay)
	select {
	case <-timer.C:
	case <-p.ctx.Done():
		timer.Stop()
	}
	if err := delivery.Nack(ctx); err != nil {
		logger.Error("nack failed", "delivery_id", delivery.ID, "job_id", delivery.Message.JobID, "error", err)
	}
}

func (p *Pool) count(outcome Outcome) {
	switch outcome {
	case OutcomeCompleted:
		p.completed.Add(1)
	case OutcomeFailed:
		p.failed.Add(1)
	case OutcomeSkipped:
		p.skipped.Add(1)
	case OutcomeDropped:
		p.dropped.Add(1)
	case OutcomeRetry:
		p.retried.Add(1)
	}
}
