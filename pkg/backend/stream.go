package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/freqops/freqops/pkg/eventbus"
	"github.com/freqops/freqops/pkg/task"
)

// ResultRouter matches result events consumed from the result stream to
// the executions waiting for them. Safe for concurrent use.
type ResultRouter struct {
	mu      sync.Mutex
	waiters map[string]chan eventbus.TaskResult
}

// NewResultRouter returns an empty router.
func NewResultRouter() *ResultRouter {
	return &ResultRouter{waiters: make(map[string]chan eventbus.TaskResult)}
}

// Register creates a waiter for one task id. Cancel must be called when
// the waiter is abandoned.
func (r *ResultRouter) Register(taskID string) <-chan eventbus.TaskResult {
	ch := make(chan eventbus.TaskResult, 1)
	r.mu.Lock()
	r.waiters[taskID] = ch
	r.mu.Unlock()
	return ch
}

// Cancel discards the waiter for a task id.
func (r *ResultRouter) Cancel(taskID string) {
	r.mu.Lock()
	delete(r.waiters, taskID)
	r.mu.Unlock()
}

// Deliver hands a result to its waiter. Returns false when no waiter is
// registered, which is how duplicate deliveries are ignored.
func (r *ResultRouter) Deliver(res eventbus.TaskResult) bool {
	r.mu.Lock()
	ch, ok := r.waiters[res.TaskID]
	if ok {
		delete(r.waiters, res.TaskID)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	ch <- res
	return true
}

// CommandPublisher is the slice of the event bus the stream backend
// needs. *eventbus.Publisher satisfies it.
type CommandPublisher interface {
	PublishRunTask(ctx context.Context, cmd eventbus.TaskCommand) (string, error)
	PublishStopTask(ctx context.Context, taskID string) (string, error)
}

// Stream delegates execution to detached workers over the command stream
// and waits for the matching result event. The wait happens inside the
// dispatcher's execution goroutine; submitters are never blocked.
type Stream struct {
	pub    CommandPublisher
	router *ResultRouter
	log    *zap.Logger
}

// NewStream wires a stream backend.
func NewStream(pub CommandPublisher, router *ResultRouter, log *zap.Logger) *Stream {
	if log == nil {
		log = zap.NewNop()
	}
	return &Stream{pub: pub, router: router, log: log}
}

func (s *Stream) Run(ctx context.Context, t task.Task) (json.RawMessage, error) {
	payload, err := json.Marshal(t.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	ch := s.router.Register(t.ID)
	defer s.router.Cancel(t.ID)

	_, err = s.pub.PublishRunTask(ctx, eventbus.TaskCommand{
		TaskID:  t.ID,
		Kind:    string(t.Kind),
		Payload: payload,
	})
	if err != nil {
		return nil, err
	}

	select {
	case res := <-ch:
		switch res.Status {
		case string(task.StatusCompleted):
			return res.Result, nil
		default:
			return nil, fmt.Errorf("worker reported %s: %s", res.Status, res.ErrorMsg)
		}
	case <-ctx.Done():
		// Best-effort remote cancellation; the local deadline already
		// decides this task's fate.
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, perr := s.pub.PublishStopTask(stopCtx, t.ID); perr != nil {
			s.log.Warn("publish remote stop", zap.String("task_id", t.ID), zap.Error(perr))
		}
		return nil, ctx.Err()
	}
}

// ResultListener consumes the result stream on the management side and
// routes each event to its waiting execution.
type ResultListener struct {
	bus      *eventbus.Bus
	router   *ResultRouter
	group    string
	consumer string
	log      *zap.Logger
}

// NewResultListener wires a listener for the given consumer group member.
func NewResultListener(bus *eventbus.Bus, router *ResultRouter, group, consumer string, log *zap.Logger) *ResultListener {
	if log == nil {
		log = zap.NewNop()
	}
	return &ResultListener{bus: bus, router: router, group: group, consumer: consumer, log: log}
}

// Run consumes result events until ctx is cancelled. Every handled event
// is acked exactly once; events with no waiter (duplicates, results for a
// restarted process) are acked and dropped.
func (l *ResultListener) Run(ctx context.Context) error {
	if err := l.bus.EnsureGroup(ctx, eventbus.StreamResults, l.group, eventbus.StartOldest); err != nil {
		return err
	}

	for {
		deliveries, err := l.bus.Consume(ctx, eventbus.StreamResults, l.group, l.consumer, 16, 5*time.Second)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil
			}
			l.log.Warn("consume results", zap.Error(err))
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return nil
			}
			continue
		}

		for _, d := range deliveries {
			res, derr := eventbus.DecodeResult(d.Message)
			if derr != nil {
				l.log.Warn("malformed result event", zap.String("message_id", d.ID), zap.Error(derr))
			} else if !l.router.Deliver(res) {
				l.log.Debug("result had no waiter", zap.String("task_id", res.TaskID))
			}
			if aerr := l.bus.Ack(ctx, eventbus.StreamResults, l.group, d.ID); aerr != nil {
				l.log.Warn("ack result", zap.String("message_id", d.ID), zap.Error(aerr))
			}
		}
	}
}
