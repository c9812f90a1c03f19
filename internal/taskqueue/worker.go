package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/eugenenazirov/dashconf/internal/config"
)

var (
	// ErrUnknownTask is recorded for messages naming a task with no handler.
	ErrUnknownTask = errors.New("unknown task")
	// ErrTimeLimitExceeded is recorded when a handler outlives its hard time
	// limit. The message is acknowledged and the handler's context cancelled,
	// but the handler goroutine is not stopped: side effects it performs after
	// the limit, such as a mail delivery already in progress, still happen.
	ErrTimeLimitExceeded = errors.New("task time limit exceeded")
)

// go-redis rounds blocking timeouts below one second up to one second.
const minPollTimeout = time.Second

const defaultPollTimeout = minPollTimeout

// Handler executes one task. The context expires at the task's soft time limit.
type Handler func(ctx context.Context, payload json.RawMessage) error

// WorkerOption configures Worker behaviour.
type WorkerOption func(*Worker)

// WithResultStore records task outcomes in store.
func WithResultStore(store *ResultStore) WorkerOption {
	return func(w *Worker) {
		w.results = store
	}
}

// WithPollTimeout overrides how long a single reservation blocks. Values
// below one second are raised to one second.
func WithPollTimeout(d time.Duration) WorkerOption {
	return func(w *Worker) {
		w.pollTimeout = max(d, minPollTimeout)
	}
}

// Worker consumes tasks from a Broker.
type Worker struct {
	broker      *Broker
	results     *ResultStore
	logger      *zap.Logger
	handlers    map[string]Handler
	annotations map[string]config.TaskAnnotation
	limiters    map[string]*rate.Limiter
	concurrency int
	prefetch    int
	acksLate    bool
	pollTimeout time.Duration
	clock       func() time.Time
}

// NewWorker builds a worker from the task queue configuration.
func NewWorker(cfg config.TaskQueueConfig, broker *Broker, logger *zap.Logger, opts ...WorkerOption) (*Worker, error) {
	w := &Worker{
		broker:      broker,
		logger:      logger,
		handlers:    make(map[string]Handler),
		annotations: make(map[string]config.TaskAnnotation, len(cfg.Annotations)),
		limiters:    make(map[string]*rate.Limiter, len(cfg.Annotations)),
		concurrency: max(cfg.WorkerConcurrency, 1),
		prefetch:    max(cfg.PrefetchMultiplier, 1),
		acksLate:    cfg.AcksLate,
		pollTimeout: defaultPollTimeout,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}

	for task, annotation := range cfg.Annotations {
		limiter, err := newTaskLimiter(annotation)
		if err != nil {
			return nil, fmt.Errorf("task %s: %w", task, err)
		}
		w.annotations[task] = annotation
		if limiter != nil {
			w.limiters[task] = limiter
		}
	}

	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Register binds a handler to a task name. It must be called before Run.
func (w *Worker) Register(task string, h Handler) {
	w.handlers[task] = h
}

// Run consumes tasks until ctx is cancelled. Up to concurrency × prefetch
// multiplier messages are reserved ahead of execution.
func (w *Worker) Run(ctx context.Context) error {
	deliveries := make(chan *Delivery, w.concurrency*w.prefetch)

	var wg sync.WaitGroup
	for i := 0; i < w.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range deliveries {
				w.process(ctx, d)
			}
		}()
	}

	w.logger.Info("worker started",
		zap.Int("concurrency", w.concurrency),
		zap.Int("prefetch", w.concurrency*w.prefetch),
		zap.Bool("acks_late", w.acksLate),
	)

	w.fetch(ctx, deliveries)
	close(deliveries)
	wg.Wait()

	w.logger.Info("worker stopped")
	return nil
}

func (w *Worker) fetch(ctx context.Context, deliveries chan<- *Delivery) {
	for ctx.Err() == nil {
		d, err := w.broker.Reserve(ctx, w.pollTimeout)
		if errors.Is(err, ErrNoMessage) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("reserve failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		select {
		case deliveries <- d:
		case <-ctx.Done():
			return
		}
	}
}

// process leaves deliveries that were prefetched but not started in the
// in-flight list when shutting down, so Requeue can recover them. A task that
// has started runs to completion under its own time limits; cancelling ctx
// does not interrupt it.
func (w *Worker) process(ctx context.Context, d *Delivery) {
	if ctx.Err() != nil {
		return
	}

	if limiter := w.limiters[d.Task]; limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			w.logger.Info("task left for requeue",
				zap.String("task", d.Task),
				zap.String("task_id", d.ID),
				zap.Error(err),
			)
			return
		}
	}

	runCtx := context.WithoutCancel(ctx)
	if !w.acksLate {
		w.ack(runCtx, d)
	}

	start := w.clock()
	err := w.execute(runCtx, d)
	if w.acksLate {
		w.ack(runCtx, d)
	}

	fields := []zap.Field{
		zap.String("task", d.Task),
		zap.String("task_id", d.ID),
		zap.Duration("duration", w.clock().Sub(start)),
	}
	if err != nil {
		w.logger.Error("task failed", append(fields, zap.Error(err))...)
	} else {
		w.logger.Info("task succeeded", fields...)
	}

	w.record(runCtx, d, err)
}

func (w *Worker) execute(ctx context.Context, d *Delivery) error {
	h, ok := w.handlers[d.Task]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, d.Task)
	}

	annotation := w.annotations[d.Task]
	var (
		taskCtx context.Context
		cancel  context.CancelFunc
	)
	if annotation.SoftTimeLimit > 0 {
		taskCtx, cancel = context.WithTimeout(ctx, annotation.SoftTimeLimit)
	} else {
		taskCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	if annotation.TimeLimit <= 0 {
		return invoke(taskCtx, h, d.Payload)
	}

	done := make(chan error, 1)
	go func() {
		done <- invoke(taskCtx, h, d.Payload)
	}()

	timer := time.NewTimer(annotation.TimeLimit)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		return fmt.Errorf("%w: %s after %s", ErrTimeLimitExceeded, d.Task, annotation.TimeLimit)
	}
}

func invoke(ctx context.Context, h Handler, payload json.RawMessage) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("task panicked: %v", rec)
		}
	}()
	return h(ctx, payload)
}

func (w *Worker) ack(ctx context.Context, d *Delivery) {
	if err := w.broker.Ack(ctx, d); err != nil {
		w.logger.Error("ack failed", zap.String("task_id", d.ID), zap.Error(err))
	}
}

func (w *Worker) record(ctx context.Context, d *Delivery, taskErr error) {
	if w.results == nil || w.annotations[d.Task].IgnoreResult {
		return
	}

	result := Result{
		TaskID:     d.ID,
		Task:       d.Task,
		Status:     StatusSuccess,
		FinishedAt: w.clock(),
	}
	if taskErr != nil {
		result.Status = StatusFailure
		result.Error = taskErr.Error()
	}

	if err := w.results.Store(ctx, result); err != nil {
		w.logger.Error("store result failed", zap.String("task_id", d.ID), zap.Error(err))
	}
}
