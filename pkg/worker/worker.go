// Package worker runs the detached execution side of the platform: it
// consumes task commands from the command stream, executes them through
// a local dispatcher, and reports results back on the result stream.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/freqops/freqops/pkg/dispatch"
	"github.com/freqops/freqops/pkg/emergency"
	"github.com/freqops/freqops/pkg/eventbus"
	"github.com/freqops/freqops/pkg/gate"
	"github.com/freqops/freqops/pkg/task"
)

// Bridge is the slice of the event bus a worker consumes through.
// *eventbus.Bus satisfies it; tests script it.
type Bridge interface {
	EnsureGroup(ctx context.Context, stream, group, start string) error
	Consume(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]eventbus.Delivery, error)
	ClaimStale(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int64) ([]eventbus.Delivery, error)
	Ack(ctx context.Context, stream, group, id string) error
}

// ResultPublisher reports outcomes back to the management side.
// *eventbus.Publisher satisfies it.
type ResultPublisher interface {
	PublishResult(ctx context.Context, msgType string, res eventbus.TaskResult) (string, error)
	PublishStatus(ctx context.Context, taskID, status string) (string, error)
}

const (
	consumeCount  = 16
	consumeBlock  = 5 * time.Second
	staleMinIdle  = time.Minute
	staleBatch    = 64
	publishWithin = 5 * time.Second
)

// Options configure a Worker. Bridge, Results, Store, Gate and Backend
// are required.
type Options struct {
	Bridge   Bridge
	Results  ResultPublisher
	Store    task.Store
	Gate     *gate.Gate
	Backend  dispatch.Backend
	Timeout  time.Duration
	Consumer string
	Logger   *zap.Logger
}

// Worker consumes RUN_TASK commands in the shared workers consumer group
// and STOP_TASK / EMERGENCY_STOP_ALL on the control stream through its
// own group, so control commands reach every worker rather than whichever
// one the group balancer picks. Delivery is at-least-once, so command
// handling is idempotent on the management-side task id.
type Worker struct {
	bridge     Bridge
	results    ResultPublisher
	dispatcher *dispatch.Dispatcher
	stopAll    *emergency.Coordinator
	consumer   string
	log        *zap.Logger

	mu       sync.Mutex
	byRemote map[string]string // management task id -> local task id
	byLocal  map[string]string
}

// New builds a worker and the dispatcher it executes through.
func New(opts Options) *Worker {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	w := &Worker{
		bridge:   opts.Bridge,
		results:  opts.Results,
		consumer: opts.Consumer,
		log:      log,
		byRemote: make(map[string]string),
		byLocal:  make(map[string]string),
	}
	w.dispatcher = dispatch.New(opts.Store, opts.Gate, opts.Backend, dispatch.Options{
		Timeout:    opts.Timeout,
		OnTerminal: w.onTerminal,
		Logger:     log.Named("dispatch"),
	})
	w.stopAll = emergency.New(opts.Store, w.dispatcher, emergency.Options{
		Logger: log.Named("emergency"),
	})
	return w
}

// controlGroup names this worker's private group on the control stream.
// One group per worker makes the stream a broadcast.
func (w *Worker) controlGroup() string {
	return "ctl-" + w.consumer
}

// Run consumes commands until ctx is cancelled, then drains in-flight
// executions. Stale command deliveries left by dead consumers are claimed
// first. The control stream is read from its tail: control commands from
// before this worker existed target tasks it cannot own.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.bridge.EnsureGroup(ctx, eventbus.StreamCommands, eventbus.GroupWorkers, eventbus.StartOldest); err != nil {
		return err
	}
	if err := w.bridge.EnsureGroup(ctx, eventbus.StreamControl, w.controlGroup(), eventbus.StartNewest); err != nil {
		return err
	}

	claimed, err := w.bridge.ClaimStale(ctx, eventbus.StreamCommands, eventbus.GroupWorkers,
		w.consumer, staleMinIdle, staleBatch)
	if err != nil {
		w.log.Warn("claim stale commands", zap.Error(err))
	}
	for _, d := range claimed {
		w.handle(ctx, eventbus.StreamCommands, eventbus.GroupWorkers, d)
	}

	var loops sync.WaitGroup
	loops.Add(2)
	go func() {
		defer loops.Done()
		w.consumeLoop(ctx, eventbus.StreamCommands, eventbus.GroupWorkers)
	}()
	go func() {
		defer loops.Done()
		w.consumeLoop(ctx, eventbus.StreamControl, w.controlGroup())
	}()
	loops.Wait()

	drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return w.dispatcher.Shutdown(drainCtx)
}

// consumeLoop reads one stream until ctx is cancelled.
func (w *Worker) consumeLoop(ctx context.Context, stream, group string) {
	for {
		deliveries, err := w.bridge.Consume(ctx, stream, group, w.consumer, consumeCount, consumeBlock)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			w.log.Warn("consume commands", zap.String("stream", stream), zap.Error(err))
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
			}
			continue
		}
		if ctx.Err() != nil {
			return
		}
		for _, d := range deliveries {
			w.handle(ctx, stream, group, d)
		}
	}
}

// handle processes one delivery and acks it on the group it arrived
// through. Commands that cannot be parsed are acked and dropped;
// redelivering them would fail the same way. Acking a stop for a task
// this worker does not own is safe: every worker receives its own copy
// on the control stream.
func (w *Worker) handle(ctx context.Context, stream, group string, d eventbus.Delivery) {
	switch d.Message.Type {
	case eventbus.TypeRunTask:
		w.handleRun(ctx, d.Message)
	case eventbus.TypeStopTask:
		w.handleStop(ctx, d.Message)
	case eventbus.TypeStopAll:
		report := w.stopAll.StopAll(ctx)
		w.log.Info("emergency stop handled", zap.String("report", report.String()))
	default:
		w.log.Warn("unexpected command type", zap.String("type", d.Message.Type))
	}

	if err := w.bridge.Ack(ctx, stream, group, d.ID); err != nil {
		w.log.Warn("ack command", zap.String("message_id", d.ID), zap.Error(err))
	}
}

func (w *Worker) handleRun(ctx context.Context, m eventbus.Message) {
	cmd, err := eventbus.DecodeCommand(m)
	if err != nil {
		w.log.Warn("malformed run command", zap.Error(err))
		return
	}
	if cmd.TaskID == "" {
		w.log.Warn("run command without task id")
		return
	}

	w.mu.Lock()
	_, seen := w.byRemote[cmd.TaskID]
	w.mu.Unlock()
	if seen {
		w.log.Debug("duplicate run command", zap.String("task_id", cmd.TaskID))
		return
	}

	var payload task.Payload
	if len(cmd.Payload) > 0 {
		if err := json.Unmarshal(cmd.Payload, &payload); err != nil {
			w.reportRejected(cmd.TaskID, "malformed payload: "+err.Error())
			return
		}
	}

	created, err := w.dispatcher.Submit(ctx, task.Kind(cmd.Kind), payload)
	if err != nil {
		w.reportRejected(cmd.TaskID, err.Error())
		return
	}

	w.mu.Lock()
	w.byRemote[cmd.TaskID] = created.ID
	w.byLocal[created.ID] = cmd.TaskID
	w.mu.Unlock()

	pctx, cancel := context.WithTimeout(context.Background(), publishWithin)
	defer cancel()
	if _, err := w.results.PublishStatus(pctx, cmd.TaskID, string(created.Status)); err != nil {
		w.log.Warn("publish status", zap.String("task_id", cmd.TaskID), zap.Error(err))
	}
}

func (w *Worker) handleStop(ctx context.Context, m eventbus.Message) {
	cmd, err := eventbus.DecodeCommand(m)
	if err != nil {
		w.log.Warn("malformed stop command", zap.Error(err))
		return
	}

	w.mu.Lock()
	local, ok := w.byRemote[cmd.TaskID]
	w.mu.Unlock()
	if !ok {
		// Another worker owns it, or it never reached us.
		w.log.Debug("stop for unknown task", zap.String("task_id", cmd.TaskID))
		return
	}
	if err := w.dispatcher.Stop(ctx, local); err != nil && !errors.Is(err, task.ErrNotFound) {
		w.log.Warn("stop task", zap.String("task_id", cmd.TaskID), zap.Error(err))
	}
}

// reportRejected publishes a failed result for a command the dispatcher
// refused, so the management side does not wait on it forever.
func (w *Worker) reportRejected(remoteID, msg string) {
	ctx, cancel := context.WithTimeout(context.Background(), publishWithin)
	defer cancel()
	_, err := w.results.PublishResult(ctx, eventbus.TypeTaskFailed, eventbus.TaskResult{
		TaskID:    remoteID,
		Status:    string(task.StatusFailed),
		ErrorCode: task.FailureExecution,
		ErrorMsg:  msg,
	})
	if err != nil {
		w.log.Warn("publish rejection", zap.String("task_id", remoteID), zap.Error(err))
	}
}

// onTerminal translates a finished local task back to its management id
// and publishes the matching result event.
func (w *Worker) onTerminal(t task.Task) {
	w.mu.Lock()
	remote, ok := w.byLocal[t.ID]
	if ok {
		delete(w.byLocal, t.ID)
	}
	w.mu.Unlock()
	if !ok {
		return
	}

	var msgType string
	switch t.Status {
	case task.StatusCompleted:
		msgType = eventbus.TypeTaskCompleted
	case task.StatusFailed:
		msgType = eventbus.TypeTaskFailed
	case task.StatusStopped:
		msgType = eventbus.TypeTaskStopped
	default:
		return
	}

	res := eventbus.TaskResult{
		TaskID: remote,
		Status: string(t.Status),
		Result: t.Result,
	}
	if t.Error != nil {
		res.ErrorCode = t.Error.Code
		res.ErrorMsg = t.Error.Message
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishWithin)
	defer cancel()
	if _, err := w.results.PublishResult(ctx, msgType, res); err != nil {
		w.log.Error("publish result", zap.String("task_id", remote), zap.Error(err))
	}
	if _, err := w.results.PublishStatus(ctx, remote, string(t.Status)); err != nil {
		w.log.Warn("publish status", zap.String("task_id", remote), zap.Error(err))
	}
}
