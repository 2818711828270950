// Package worker runs a concurrency-bounded pool of goroutines draining the
// job queue, with periodic stuck-job recovery and graceful shutdown.
package worker

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/rizom-ai/brains-sub001/internal/queue"
)

// ProgressReporter lets a handler report milestone progress (e.g. 0/2, 1/2,
// 2/2) back to the pool. The embedding handler is the first caller of it.
type ProgressReporter func(done, total int)

// Handler processes one job's payload. progress may be called zero or more
// times before the handler returns.
type Handler interface {
	Process(ctx context.Context, jobID string, data []byte, progress ProgressReporter) (any, error)
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(ctx context.Context, jobID string, data []byte, progress ProgressReporter) (any, error)

func (f HandlerFunc) Process(ctx context.Context, jobID string, data []byte, progress ProgressReporter) (any, error) {
	return f(ctx, jobID, data, progress)
}

// Config controls pool sizing and timing.
type Config struct {
	Concurrency        int
	PollInterval       time.Duration
	HandlerTimeout     time.Duration
	StuckJobThreshold  time.Duration
	StuckSweepInterval time.Duration
	Logf               func(format string, args ...any)
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = 2 * time.Minute
	}
	if c.StuckJobThreshold <= 0 {
		c.StuckJobThreshold = time.Duration(queue.DefaultMaxProcessingMs) * time.Millisecond
	}
	if c.StuckSweepInterval <= 0 {
		c.StuckSweepInterval = time.Minute
	}
	if c.Logf == nil {
		c.Logf = log.Printf
	}
	return c
}

// Stats holds the pool's running counters, per spec §4.6.
type Stats struct {
	Processed int64
	Failed    int64
	Active    int64
}

// Pool dequeues jobs registered by type and dispatches them to handlers.
type Pool struct {
	q        *queue.Queue
	cfg      Config
	handlers map[string]Handler

	sem       *semaphore.Weighted
	wg        sync.WaitGroup
	done      chan struct{}
	stopOnce  sync.Once
	startOnce sync.Once
	started   bool

	processed int64
	failed    int64
	active    int64
	startedAt time.Time
}

// New builds a pool draining q. Handlers must be registered with
// RegisterHandler before Start.
func New(q *queue.Queue, cfg Config) *Pool {
	cfg = cfg.withDefaults()
	return &Pool{
		q:        q,
		cfg:      cfg,
		handlers: make(map[string]Handler),
		sem:      semaphore.NewWeighted(int64(cfg.Concurrency)),
		done:     make(chan struct{}),
	}
}

// RegisterHandler maps a job type to the Handler that processes it. A
// dequeued job of an unregistered type is neither completed nor failed: it
// stays in processing until the stuck-job sweep returns it to pending, and
// stays visible via getStatus throughout.
func (p *Pool) RegisterHandler(jobType string, h Handler) {
	p.handlers[jobType] = h
}

// Start launches the worker goroutines and the stuck-job sweep. A second
// call to Start is a no-op.
func (p *Pool) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		p.started = true
		p.startedAt = time.Now()

		if _, err := p.q.ResetStuckJobs(p.cfg.StuckJobThreshold.Milliseconds()); err != nil {
			p.cfg.Logf("worker: startup stuck-job sweep failed: %v", err)
		}

		for i := 0; i < p.cfg.Concurrency; i++ {
			p.wg.Add(1)
			go p.loop(ctx)
		}

		p.wg.Add(1)
		go p.sweepLoop(ctx)
	})
}

// Stop ceases polling and awaits every in-flight handler before returning.
// Safe to call more than once.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		if !p.started {
			return
		}
		close(p.done)
	})
	p.wg.Wait()
}

// Stats returns a snapshot of the pool's counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Processed: atomic.LoadInt64(&p.processed),
		Failed:    atomic.LoadInt64(&p.failed),
		Active:    atomic.LoadInt64(&p.active),
	}
}

// Uptime reports how long the pool has been running.
func (p *Pool) Uptime() time.Duration {
	if p.startedAt.IsZero() {
		return 0
	}
	return time.Since(p.startedAt)
}

func (p *Pool) loop(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-p.done:
			return
		case <-ctx.Done():
			return
		default:
		}

		job, err := p.q.Dequeue()
		if err != nil {
			p.cfg.Logf("worker: dequeue failed: %v", err)
			if !p.sleep(ctx) {
				return
			}
			continue
		}
		if job == nil {
			if !p.sleep(ctx) {
				return
			}
			continue
		}

		if err := p.sem.Acquire(ctx, 1); err != nil {
			return
		}
		atomic.AddInt64(&p.active, 1)
		p.process(ctx, job)
		atomic.AddInt64(&p.active, -1)
		p.sem.Release(1)
	}
}

func (p *Pool) process(ctx context.Context, job *queue.Job) {
	handler, ok := p.handlers[job.Type]
	if !ok {
		p.cfg.Logf("worker: no handler registered for job type %q, leaving job %s for the stuck-job sweep", job.Type, job.ID)
		return
	}

	handlerCtx, cancel := context.WithTimeout(ctx, p.cfg.HandlerTimeout)
	defer cancel()

	reported := func(done, total int) {
		p.cfg.Logf("worker: job %s progress %d/%d", job.ID, done, total)
	}

	result, err := handler.Process(handlerCtx, job.ID, job.Data, reported)
	if err != nil {
		atomic.AddInt64(&p.failed, 1)
		if failErr := p.q.Fail(job.ID, err); failErr != nil {
			p.cfg.Logf("worker: failed to record job %s failure: %v", job.ID, failErr)
		}
		return
	}

	atomic.AddInt64(&p.processed, 1)
	if err := p.q.Complete(job.ID, result); err != nil {
		p.cfg.Logf("worker: failed to record job %s completion: %v", job.ID, err)
	}
}

func (p *Pool) sleep(ctx context.Context) bool {
	select {
	case <-time.After(p.cfg.PollInterval):
		return true
	case <-p.done:
		return false
	case <-ctx.Done():
		return false
	}
}

func (p *Pool) sweepLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.StuckSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n, err := p.q.ResetStuckJobs(p.cfg.StuckJobThreshold.Milliseconds()); err != nil {
				p.cfg.Logf("worker: stuck-job sweep failed: %v", err)
			} else if n > 0 {
				p.cfg.Logf("worker: reset %d stuck job(s)", n)
			}
		case <-p.done:
			return
		case <-ctx.Done():
			return
		}
	}
}
