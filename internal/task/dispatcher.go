package task

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/clipcraft/taskpilot/internal/platform/logger"
)

// WorkFunc is the caller-supplied logic executed for one task. It is
// expected to call StartTask, zero or more UpdateTaskProgress calls and
// exactly one of CompleteTask/FailTask before returning. The context it
// receives is cancelled when the dispatcher shuts down; honoring it is
// cooperative and optional.
type WorkFunc func(ctx context.Context, taskID string) error

// Dispatcher runs one goroutine per dispatched task so the caller that
// created the task is never blocked on the work itself. It keeps a
// handle per in-flight task strictly for best-effort join during
// shutdown; it never cancels or interrupts running work.
type Dispatcher struct {
	manager *Manager
	logger  *slog.Logger

	baseCtx context.Context
	cancel  context.CancelFunc

	mu      sync.Mutex
	handles map[string]chan struct{}
	wg      sync.WaitGroup
}

// NewDispatcher creates a dispatcher driving the given manager.
func NewDispatcher(manager *Manager, log *slog.Logger) *Dispatcher {
	if manager == nil {
		panic("manager cannot be nil")
	}
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		manager: manager,
		logger:  log.With(slog.String("component", "dispatcher")),
		baseCtx: ctx,
		cancel:  cancel,
		handles: make(map[string]chan struct{}),
	}
}

// Dispatch spawns an independent goroutine running the work function
// for the task. A panic inside the work function, or a non-nil error it
// returns, is converted into a FailTask call at this boundary: a task
// never silently disappears because its work function blew up.
func (d *Dispatcher) Dispatch(taskID string, work WorkFunc) {
	done := make(chan struct{})

	d.mu.Lock()
	d.handles[taskID] = done
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			d.mu.Lock()
			delete(d.handles, taskID)
			d.mu.Unlock()
			close(done)
		}()

		log := d.logger.With(slog.String("task_id", taskID))
		ctx := logger.WithLogger(d.baseCtx, log)

		defer func() {
			if r := recover(); r != nil {
				log.Error("work function panicked",
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())))
				d.manager.FailTask(ctx, taskID,
					fmt.Sprintf("work function panicked: %v", r), false)
			}
		}()

		log.Info("dispatching task")
		if err := work(ctx, taskID); err != nil {
			log.Error("work function returned error",
				slog.String("error", err.Error()))
			// No-op if the work function already reported a terminal
			// outcome itself.
			d.manager.FailTask(ctx, taskID, err.Error(), false)
		}
	}()
}

// Running reports how many dispatched tasks are still in flight.
func (d *Dispatcher) Running() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.handles)
}

// Wait blocks until the given task's goroutine finishes or the timeout
// elapses. Returns false when the task is unknown (already finished) or
// the wait timed out.
func (d *Dispatcher) Wait(taskID string, timeout time.Duration) bool {
	d.mu.Lock()
	done, ok := d.handles[taskID]
	d.mu.Unlock()
	if !ok {
		return false
	}

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Shutdown signals cooperative cancellation to in-flight work functions
// and waits for them up to the timeout. A timeout is logged but does
// not block process shutdown indefinitely.
func (d *Dispatcher) Shutdown(timeout time.Duration) bool {
	d.cancel()

	finished := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		d.logger.Info("all dispatched tasks finished")
		return true
	case <-time.After(timeout):
		d.logger.Warn("shutdown timed out waiting for in-flight tasks",
			slog.Int("still_running", d.Running()),
			slog.Duration("timeout", timeout))
		return false
	}
}
