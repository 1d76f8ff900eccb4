// Package runtime runs the task workers. A fixed-size pool leases
// tasks from the tier queues (pro before free on every cycle),
// dispatches on task kind, and settles each delivery exactly once:
// ack on success, delayed retry while the error is retryable and
// attempts remain, dead letter otherwise. Task records in the
// relational store mirror every transition so the status seam can
// answer after the broker has forgotten the task.
package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/engramlabs/engram/pkg/broker"
	"github.com/engramlabs/engram/pkg/store/recordstore"
	"github.com/engramlabs/engram/pkg/taskerr"
)

const (
	defaultConcurrency = 2
	defaultMaxRetries  = 3
	defaultBaseDelay   = 10 * time.Second
	defaultSoftLimit   = 240 * time.Second

	// dequeueWait bounds each queue poll so a worker alternates
	// between pro and free instead of parking on one.
	dequeueWait = 250 * time.Millisecond

	// maxRetryDelay caps the exponential backoff.
	maxRetryDelay = 5 * time.Minute

	// settleTimeout bounds the bookkeeping writes after a task
	// finishes, independent of the task's own deadline.
	settleTimeout = 10 * time.Second
)

// HandlerFunc executes one task. The returned payload lands in the
// task record as its result.
type HandlerFunc func(ctx context.Context, task *broker.Task, attempt int) (json.RawMessage, error)

type Dependencies struct {
	Logger      *log.Logger
	Broker      broker.Broker
	Records     recordstore.Store
	Concurrency int
	MaxRetries  int
	BaseDelay   time.Duration
	SoftLimit   time.Duration
}

// Runtime is the worker pool.
type Runtime struct {
	logger      *log.Logger
	broker      broker.Broker
	records     recordstore.Store
	concurrency int
	maxRetries  int
	baseDelay   time.Duration
	softLimit   time.Duration

	mu       sync.Mutex
	handlers map[string]HandlerFunc

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(deps Dependencies) (*Runtime, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if deps.Broker == nil {
		return nil, fmt.Errorf("broker cannot be nil")
	}
	if deps.Records == nil {
		return nil, fmt.Errorf("record store cannot be nil")
	}
	if deps.Concurrency <= 0 {
		deps.Concurrency = defaultConcurrency
	}
	if deps.MaxRetries < 0 {
		deps.MaxRetries = defaultMaxRetries
	}
	if deps.BaseDelay <= 0 {
		deps.BaseDelay = defaultBaseDelay
	}
	if deps.SoftLimit <= 0 {
		deps.SoftLimit = defaultSoftLimit
	}
	return &Runtime{
		logger:      deps.Logger,
		broker:      deps.Broker,
		records:     deps.Records,
		concurrency: deps.Concurrency,
		maxRetries:  deps.MaxRetries,
		baseDelay:   deps.BaseDelay,
		softLimit:   deps.SoftLimit,
		handlers:    make(map[string]HandlerFunc),
	}, nil
}

// Register binds a task kind to its handler. Must be called before
// Start.
func (r *Runtime) Register(kind string, handler HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = handler
}

// Start launches the worker pool. Workers run until Shutdown.
func (r *Runtime) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	for i := 0; i < r.concurrency; i++ {
		r.wg.Add(1)
		go r.worker(ctx, i)
	}
	r.logger.Info("task runtime started", "workers", r.concurrency, "max_retries", r.maxRetries, "soft_limit", r.softLimit)
}

// Shutdown stops dequeuing and waits for in-flight tasks, up to the
// context deadline. Unfinished leases redeliver after the visibility
// window.
func (r *Runtime) Shutdown(ctx context.Context) error {
	if r.cancel != nil {
		r.cancel()
	}
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		r.logger.Info("task runtime stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// worker alternates between the pro and free queues, pro first, so a
// free-tier backlog never starves paying owners.
func (r *Runtime) worker(ctx context.Context, id int) {
	defer r.wg.Done()
	queues := []string{broker.QueuePro, broker.QueueFree}
	for {
		if ctx.Err() != nil {
			return
		}
		for _, queue := range queues {
			delivery, err := r.broker.Dequeue(ctx, queue, dequeueWait)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				r.logger.Error("dequeue failed", "worker", id, "queue", queue, "error", err)
				continue
			}
			if delivery == nil {
				continue
			}
			r.process(ctx, delivery)
			break
		}
	}
}

// process runs one leased task through its handler and settles the
// delivery. Panics are contained here: a poisoned task must not take
// the worker down with it.
func (r *Runtime) process(ctx context.Context, delivery broker.Delivery) {
	task := delivery.Task()
	attempt := delivery.Attempt()
	name := logName(task.Kind)
	start := time.Now()

	if err := r.records.MarkTaskStarted(ctx, task.ID, attempt); err != nil {
		r.logger.Warn("task record update failed", "task_id", task.ID, "error", err)
	}
	r.logger.Infof("[%s] START | task_id=%s | user_id=%s | queue=%s | attempt=%d",
		name, task.ID, task.OwnerID, task.Queue, attempt)

	handler := r.handlerFor(task.Kind)
	if handler == nil {
		r.logger.Errorf("[%s] ERROR | task_id=%s | user_id=%s | error=no handler registered for kind %q",
			name, task.ID, task.OwnerID, task.Kind)
		r.finish(task, recordstore.TaskFailure, nil, fmt.Sprintf("no handler registered for kind %q", task.Kind))
		r.settle(task, delivery.Bury, "bury")
		return
	}

	result, err := r.runHandler(ctx, handler, task, attempt)
	duration := time.Since(start).Milliseconds()

	if err == nil {
		r.finish(task, recordstore.TaskSuccess, result, "")
		r.settle(task, delivery.Ack, "ack")
		r.logger.Infof("[%s] SUCCESS | task_id=%s | user_id=%s | duration=%dms", name, task.ID, task.OwnerID, duration)
		return
	}

	if taskerr.Retryable(err) && attempt <= r.maxRetries {
		delay := r.backoff(attempt)
		markCtx, cancel := context.WithTimeout(context.Background(), settleTimeout)
		if recErr := r.records.MarkTaskRetry(markCtx, task.ID, err.Error()); recErr != nil {
			r.logger.Warn("task record update failed", "task_id", task.ID, "error", recErr)
		}
		cancel()
		r.logger.Warnf("[%s] FAILED | task_id=%s | user_id=%s | attempt=%d/%d | retry_in=%s | duration=%dms | error=%v",
			name, task.ID, task.OwnerID, attempt, r.maxRetries+1, delay, duration, err)
		r.settle(task, func() error { return delivery.Retry(delay) }, "retry")
		return
	}

	r.logger.Errorf("[%s] ERROR | task_id=%s | user_id=%s | attempt=%d | kind=%s | duration=%dms | error=%v",
		name, task.ID, task.OwnerID, attempt, taskerr.KindOf(err), duration, err)
	r.finish(task, recordstore.TaskFailure, nil, err.Error())
	r.settle(task, delivery.Bury, "bury")
}

// runHandler applies the soft limit and converts panics into fatal
// errors.
func (r *Runtime) runHandler(ctx context.Context, handler HandlerFunc, task *broker.Task, attempt int) (result json.RawMessage, err error) {
	ctx, cancel := context.WithTimeout(ctx, r.softLimit)
	defer cancel()
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Errorf("[%s] PANIC | task_id=%s | panic=%v\n%s", logName(task.Kind), task.ID, rec, debug.Stack())
			err = taskerr.New(taskerr.Fatal, "handler panic: %v", rec)
		}
	}()
	return handler(ctx, task, attempt)
}

func (r *Runtime) handlerFor(kind string) HandlerFunc {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handlers[kind]
}

// finish settles the task record with its own deadline so bookkeeping
// survives an expired task context.
func (r *Runtime) finish(task *broker.Task, status string, result json.RawMessage, errMsg string) {
	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()
	if err := r.records.MarkTaskFinished(ctx, task.ID, status, result, errMsg); err != nil {
		r.logger.Warn("task record update failed", "task_id", task.ID, "status", status, "error", err)
	}
}

func (r *Runtime) settle(task *broker.Task, settle func() error, verb string) {
	if err := settle(); err != nil {
		r.logger.Error("delivery settlement failed", "task_id", task.ID, "verb", verb, "error", err)
	}
}

// backoff doubles the base delay per attempt: 10s, 20s, 40s with the
// defaults, capped.
func (r *Runtime) backoff(attempt int) time.Duration {
	delay := r.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxRetryDelay {
			return maxRetryDelay
		}
	}
	return delay
}

// logName renders a task kind as the log line tag: memory.add becomes
// MEMORY_ADD.
func logName(kind string) string {
	return strings.ToUpper(strings.NewReplacer(".", "_", "-", "_").Replace(kind))
}
