package actuator

import (
	"context"
	"errors"
	"runtime/debug"
	"sync/atomic"
	"time"

	logx "pulsekeeper/pkg/logx"
)

// ErrWorkerFull is returned by Do when the queue cannot take another job.
var ErrWorkerFull = errors.New("actuator: worker queue full")

type job struct {
	name string
	run  func(ctx context.Context) error
	done func(err error)
}

// Worker executes hardware calls one at a time on a dedicated goroutine so a
// blocking lock wait never stalls lifecycle or command handling.
type Worker struct {
	name    string
	log     logx.Logger
	timeout time.Duration
	queue   chan job

	dropped atomic.Uint64
}

func NewWorker(name string, size int, timeout time.Duration, log logx.Logger) *Worker {
	if size <= 0 {
		size = 16
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Worker{
		name:    name,
		log:     log,
		timeout: timeout,
		queue:   make(chan job, size),
	}
}

// Go enqueues fn without blocking and returns a channel that receives its
// result. It reports false when the queue is full. If the worker stops first,
// the channel receives the stop reason instead.
func (w *Worker) Go(name string, fn func(ctx context.Context) error) (<-chan error, bool) {
	res := make(chan error, 1)
	if !w.enqueue(job{name: name, run: fn, done: func(err error) { res <- err }}) {
		return nil, false
	}
	return res, true
}

// Submit enqueues fn without blocking. It reports false when the queue is full.
func (w *Worker) Submit(name string, fn func(ctx context.Context) error) bool {
	return w.enqueue(job{name: name, run: fn})
}

// Do enqueues fn and waits for its result.
func (w *Worker) Do(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	res, ok := w.Go(name, fn)
	if !ok {
		return ErrWorkerFull
	}
	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dropped returns how many jobs were rejected because the queue was full.
func (w *Worker) Dropped() uint64 { return w.dropped.Load() }

func (w *Worker) enqueue(j job) bool {
	select {
	case w.queue <- j:
		return true
	default:
		w.dropped.Add(1)
		w.log.Warn("worker queue full; dropping job", logx.String("job", j.name), logx.Int("queue_cap", cap(w.queue)))
		return false
	}
}

// Run executes queued jobs until ctx is done. Jobs still queued at exit are
// completed with ctx.Err() so waiters never hang.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Debug("worker started", logx.String("worker", w.name))
	defer w.log.Debug("worker stopped", logx.String("worker", w.name))
	for {
		// A cancelled context wins over queued work.
		select {
		case <-ctx.Done():
			w.drain(ctx.Err())
			return nil
		default:
		}

		select {
		case <-ctx.Done():
			w.drain(ctx.Err())
			return nil
		case j := <-w.queue:
			w.execOne(ctx, j)
		}
	}
}

func (w *Worker) drain(err error) {
	for {
		select {
		case j := <-w.queue:
			if j.done != nil {
				j.done(err)
			}
		default:
			return
		}
	}
}

func (w *Worker) execOne(ctx context.Context, j job) {
	start := time.Now()
	runCtx := ctx
	var cancel context.CancelFunc
	if w.timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, w.timeout)
	}

	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				w.log.Error("panic in actuator job", logx.String("job", j.name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
				err = errors.New("actuator job panicked")
			}
		}()
		err = j.run(runCtx)
	}()
	if cancel != nil {
		cancel()
	}

	dur := time.Since(start)
	switch {
	case err == nil, errors.Is(err, ErrSessionRevoked):
		w.log.Trace("job done", logx.String("job", j.name), logx.Duration("dur", dur))
	default:
		w.log.Warn("job failed", logx.String("job", j.name), logx.Duration("dur", dur), logx.Err(err))
	}
	if j.done != nil {
		j.done(err)
	}
}
