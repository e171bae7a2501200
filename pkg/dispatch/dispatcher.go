// Package dispatch accepts task requests and drives them through the
// record store under the concurrency gate.
//
// Submit never blocks waiting for a free slot: the caller always receives
// the created task immediately, and tasks that cannot be admitted stay
// pending in a FIFO queue until a slot frees. Execution failures are
// recorded on the task, never propagated to the submitter and never
// retried automatically.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/freqops/freqops/pkg/gate"
	"github.com/freqops/freqops/pkg/task"
)

// Backend runs the actual work for one task. Run must abort promptly when
// ctx is cancelled; the dispatcher maps cancellation and deadline expiry
// to the stopped/failed states itself.
type Backend interface {
	Run(ctx context.Context, t task.Task) (json.RawMessage, error)
}

// StrategyCatalog validates submitted strategy names. Optional.
type StrategyCatalog interface {
	Has(name string) bool
}

// Validation failures surfaced synchronously by Submit.
var (
	ErrValidation = errors.New("validation error")
	ErrClosed     = errors.New("dispatcher is shut down")
)

// DefaultTimeout bounds a single execution when no timeout is configured.
const DefaultTimeout = 10 * time.Minute

// Options tune dispatcher behavior.
type Options struct {
	// Timeout is the hard per-task execution limit. Exceeding it forces
	// cancellation and records a TIMEOUT failure. Zero means DefaultTimeout.
	Timeout time.Duration

	// Strategies, when set, rejects submissions naming unknown strategies
	// before any record is created.
	Strategies StrategyCatalog

	// OnTerminal is invoked with the final record after every task reaches
	// a terminal state through this dispatcher. Called from the execution
	// goroutine; implementations must not block for long.
	OnTerminal func(task.Task)

	Logger *zap.Logger
}

// Dispatcher owns task admission, execution handles, and lifecycle
// transitions. All store mutation flows through here.
type Dispatcher struct {
	store   task.Store
	gate    *gate.Gate
	backend Backend

	timeout    time.Duration
	strategies StrategyCatalog
	onTerminal func(task.Task)
	log        *zap.Logger

	mu      sync.Mutex
	queue   []string
	running map[string]context.CancelFunc
	closed  bool

	wg sync.WaitGroup
}

// New wires a dispatcher. store, g, and backend are required.
func New(store task.Store, g *gate.Gate, backend Backend, opts Options) *Dispatcher {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		store:      store,
		gate:       g,
		backend:    backend,
		timeout:    timeout,
		strategies: opts.Strategies,
		onTerminal: opts.OnTerminal,
		log:        log,
		running:    make(map[string]context.CancelFunc),
	}
}

// Submit validates the request, records a pending task, and admits it for
// execution if the gate has capacity. The returned task reflects the state
// at creation; callers poll the store for the outcome.
func (d *Dispatcher) Submit(ctx context.Context, kind task.Kind, payload task.Payload) (task.Task, error) {
	if !kind.Valid() {
		return task.Task{}, fmt.Errorf("%w: unknown task kind %q", ErrValidation, string(kind))
	}
	if payload.Strategy == "" {
		return task.Task{}, fmt.Errorf("%w: strategy is required", ErrValidation)
	}
	if d.strategies != nil && !d.strategies.Has(payload.Strategy) {
		return task.Task{}, fmt.Errorf("%w: unknown strategy %q", ErrValidation, payload.Strategy)
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return task.Task{}, ErrClosed
	}
	d.mu.Unlock()

	t, err := d.store.Create(ctx, kind, payload)
	if err != nil {
		return task.Task{}, err
	}

	d.log.Info("task submitted",
		zap.String("task_id", t.ID),
		zap.String("kind", string(kind)),
		zap.String("strategy", payload.Strategy))

	if !d.admit(t.ID) {
		// Shutdown began between the record write and admission.
		if _, serr := d.store.Transition(ctx, t.ID, task.StatusStopped, nil, nil); serr != nil {
			d.log.Error("stop unadmitted task", zap.String("task_id", t.ID), zap.Error(serr))
		}
		return task.Task{}, ErrClosed
	}
	return t, nil
}

// admit starts execution if a slot is free, otherwise queues the id.
// Returns false once shutdown has begun.
func (d *Dispatcher) admit(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}
	if d.gate.TryAcquire() {
		d.launch(id)
		return true
	}
	d.queue = append(d.queue, id)
	d.log.Debug("task queued at capacity", zap.String("task_id", id))
	return true
}

// launch runs one task in its own goroutine. The caller must hold d.mu
// with closed false, so the wg.Add is ordered before Shutdown's Wait,
// and must hold a gate permit; launch guarantees release on every exit
// path.
func (d *Dispatcher) launch(id string) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			d.gate.Release()
			d.admitNext()
		}()
		d.execute(id)
	}()
}

// admitNext promotes the oldest queued task after a slot frees.
func (d *Dispatcher) admitNext() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed || len(d.queue) == 0 {
		return
	}
	if !d.gate.TryAcquire() {
		return
	}
	id := d.queue[0]
	d.queue = d.queue[1:]
	d.launch(id)
}

// execute transitions the task to running, invokes the backend, and
// records the outcome. Backend errors never escape.
func (d *Dispatcher) execute(id string) {
	ctx := context.Background()

	// The cancel handle is registered before the running transition so a
	// concurrent Stop always finds it; a Stop landing in between cancels
	// runCtx and the backend never does real work.
	runCtx, cancel := context.WithTimeout(ctx, d.timeout)
	d.mu.Lock()
	d.running[id] = cancel
	d.mu.Unlock()

	t, err := d.store.Transition(ctx, id, task.StatusRunning, nil, nil)
	if err != nil {
		// Stopped while queued, or deleted. Nothing to run.
		d.mu.Lock()
		delete(d.running, id)
		d.mu.Unlock()
		cancel()
		d.log.Debug("task not runnable", zap.String("task_id", id), zap.Error(err))
		return
	}

	result, runErr := d.backend.Run(runCtx, t)

	d.mu.Lock()
	delete(d.running, id)
	d.mu.Unlock()
	cancel()

	final := d.settle(ctx, t, runCtx.Err(), result, runErr)
	if d.onTerminal != nil && final.Status.Terminal() {
		d.onTerminal(final)
	}
}

// settle maps the execution outcome to the terminal transition.
func (d *Dispatcher) settle(ctx context.Context, t task.Task, ctxErr error, result json.RawMessage, runErr error) task.Task {
	switch {
	case errors.Is(ctxErr, context.DeadlineExceeded):
		failure := &task.Failure{
			Code:    task.FailureTimeout,
			Message: fmt.Sprintf("execution exceeded %s", d.timeout),
		}
		final, err := d.store.Transition(ctx, t.ID, task.StatusFailed, nil, failure)
		if err != nil {
			d.log.Error("record timeout", zap.String("task_id", t.ID), zap.Error(err))
			return t
		}
		d.log.Warn("task timed out", zap.String("task_id", t.ID), zap.Duration("timeout", d.timeout))
		return final

	case errors.Is(ctxErr, context.Canceled):
		final, err := d.store.Transition(ctx, t.ID, task.StatusStopped, nil, nil)
		if err != nil {
			d.log.Error("record stop", zap.String("task_id", t.ID), zap.Error(err))
			return t
		}
		d.log.Info("task stopped", zap.String("task_id", t.ID))
		return final

	case runErr != nil:
		failure := &task.Failure{Code: task.FailureExecution, Message: runErr.Error()}
		final, err := d.store.Transition(ctx, t.ID, task.StatusFailed, nil, failure)
		if err != nil {
			d.log.Error("record failure", zap.String("task_id", t.ID), zap.Error(err))
			return t
		}
		d.log.Warn("task failed", zap.String("task_id", t.ID), zap.Error(runErr))
		return final

	default:
		final, err := d.store.Transition(ctx, t.ID, task.StatusCompleted, result, nil)
		if err != nil {
			d.log.Error("record completion", zap.String("task_id", t.ID), zap.Error(err))
			return t
		}
		d.log.Info("task completed", zap.String("task_id", t.ID))
		return final
	}
}

// Stop cancels a running task or withdraws a queued pending one. Unknown
// ids return task.ErrNotFound; tasks already terminal return
// task.ErrInvalidTransition via the store.
func (d *Dispatcher) Stop(ctx context.Context, id string) error {
	d.mu.Lock()
	if cancel, ok := d.running[id]; ok {
		d.mu.Unlock()
		cancel()
		return nil
	}
	for i, queued := range d.queue {
		if queued == id {
			d.queue = append(d.queue[:i], d.queue[i+1:]...)
			break
		}
	}
	d.mu.Unlock()

	t, err := d.store.Transition(ctx, id, task.StatusStopped, nil, nil)
	if err != nil {
		return err
	}
	if d.onTerminal != nil {
		d.onTerminal(t)
	}
	return nil
}

// Active returns ids of tasks currently holding an execution handle.
func (d *Dispatcher) Active() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.running))
	for id := range d.running {
		out = append(out, id)
	}
	return out
}

// Shutdown cancels all executions and waits for them to settle, bounded by
// ctx. New submissions are rejected once shutdown begins.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	cancels := make([]context.CancelFunc, 0, len(d.running))
	for _, cancel := range d.running {
		cancels = append(cancels, cancel)
	}
	d.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
