package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/simreg/regq/internal/log"
	"github.com/simreg/regq/internal/registrations/domain"
)

// Worker repeatedly claims the oldest PENDING record and executes it.
type Worker struct {
	id       string
	selector *Selector
	executor *Executor
	poll     time.Duration
	opts     options
}

// NewWorker creates a worker. poll is the idle wait when nothing is pending.
func NewWorker(selector *Selector, executor *Executor, poll time.Duration, opts ...Option) *Worker {
	if poll <= 0 {
		poll = time.Second
	}
	return &Worker{
		id:       uuid.NewString()[:8],
		selector: selector,
		executor: executor,
		poll:     poll,
		opts:     buildOptions(opts),
	}
}

// ID identifies the worker in logs.
func (w *Worker) ID() string { return w.id }

// ProcessNext claims and executes one record. It reports whether a record
// was claimed. The returned error is a store failure; step failures are
// recorded on the record.
func (w *Worker) ProcessNext(ctx context.Context) (bool, error) {
	rec, err := w.selector.NextEligible(ctx)
	if err != nil {
		return false, err
	}
	if rec == nil {
		return false, nil
	}

	res, err := w.executor.Execute(ctx, rec)
	log.Debug(log.CatQueue, "Processed record", "worker", w.id, "id", rec.ID(), "outcome", res.Outcome)
	return true, err
}

// pause waits out the dispatch interval between two records.
func (w *Worker) pause(ctx context.Context) error {
	if w.opts.dispatchInterval <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(w.opts.dispatchInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run loops until ctx is cancelled and then returns ctx.Err(). Store
// failures are logged and the loop continues after the poll interval.
func (w *Worker) Run(ctx context.Context) error {
	var wake <-chan RecordEvent
	if w.opts.feed != nil {
		wake = w.opts.feed.SubscribeStatus(ctx, domain.StatusPending)
	}

	log.Info(log.CatQueue, "Worker started", "worker", w.id)
	defer log.Info(log.CatQueue, "Worker stopped", "worker", w.id)

	idle := time.NewTimer(w.poll)
	defer idle.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		claimed, err := w.ProcessNext(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.ErrorErr(log.CatQueue, "Worker iteration failed", err, "worker", w.id)
			claimed = false
		}
		if claimed {
			if err := w.pause(ctx); err != nil {
				return err
			}
			continue
		}

		// Reset discards any stale tick (go1.23 timer semantics).
		idle.Reset(w.poll)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-idle.C:
		case _, ok := <-wake:
			if !ok {
				wake = nil
			}
		}
	}
}

// Drain processes records until none is pending and returns how many were
// claimed. It stops at the first store failure.
func (w *Worker) Drain(ctx context.Context) (int, error) {
	n := 0
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		claimed, err := w.ProcessNext(ctx)
		if claimed {
			n++
		}
		if err != nil {
			return n, err
		}
		if !claimed {
			return n, nil
		}
		if err := w.pause(ctx); err != nil {
			return n, err
		}
	}
}

// RunOnce drains the queue with a single worker.
func RunOnce(ctx context.Context, selector *Selector, executor *Executor) (int, error) {
	return NewWorker(selector, executor, time.Second).Drain(ctx)
}

// Pool runs several workers over the same selector and executor.
type Pool struct {
	workers []*Worker
}

// NewPool creates n workers.
func NewPool(n int, selector *Selector, executor *Executor, poll time.Duration, opts ...Option) *Pool {
	if n < 1 {
		n = 1
	}
	p := &Pool{workers: make([]*Worker, n)}
	for i := range p.workers {
		p.workers[i] = NewWorker(selector, executor, poll, opts...)
	}
	return p
}

// Size is the number of workers.
func (p *Pool) Size() int { return len(p.workers) }

// Run blocks until ctx is cancelled. Cancellation is a clean stop and
// returns nil.
func (p *Pool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, w := range p.workers {
		g.Go(func() error { return w.Run(gctx) })
	}
	err := g.Wait()
	if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return nil
	}
	return err
}

// Drain runs every worker until the queue is empty and returns the total
// number of records claimed.
func (p *Pool) Drain(ctx context.Context) (int, error) {
	var total atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	for _, w := range p.workers {
		g.Go(func() error {
			n, err := w.Drain(gctx)
			total.Add(int64(n))
			return err
		})
	}
	err := g.Wait()
	return int(total.Load()), err
}
