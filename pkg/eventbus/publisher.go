package eventbus

import (
	"context"
	"fmt"
)

// Publisher stamps a source onto outgoing messages and knows which stream
// each message type belongs on.
type Publisher struct {
	bus    *Bus
	source string
}

// NewPublisher wraps a bus for one originating service.
func NewPublisher(bus *Bus, source string) *Publisher {
	return &Publisher{bus: bus, source: source}
}

// PublishRunTask puts a RUN_TASK command on the command stream.
func (p *Publisher) PublishRunTask(ctx context.Context, cmd TaskCommand) (string, error) {
	return p.publish(ctx, StreamCommands, TypeRunTask, cmd)
}

// PublishStopTask puts a STOP_TASK command on the control stream. Only
// the worker owning the task acts on it, but the stream is a broadcast:
// command routing to one worker in a shared group would deliver the stop
// to an arbitrary worker and lose it.
func (p *Publisher) PublishStopTask(ctx context.Context, taskID string) (string, error) {
	return p.publish(ctx, StreamControl, TypeStopTask, TaskCommand{TaskID: taskID})
}

// BroadcastStopAll puts the EMERGENCY_STOP_ALL command on the control
// stream for every worker to act on.
func (p *Publisher) BroadcastStopAll(ctx context.Context) error {
	_, err := p.publish(ctx, StreamControl, TypeStopAll, TaskCommand{})
	return err
}

// PublishResult reports a terminal task outcome on the result stream.
func (p *Publisher) PublishResult(ctx context.Context, msgType string, res TaskResult) (string, error) {
	return p.publish(ctx, StreamResults, msgType, res)
}

// PublishStatus reports a status move on the status stream, typed to
// match the status it carries.
func (p *Publisher) PublishStatus(ctx context.Context, taskID, status string) (string, error) {
	return p.publish(ctx, StreamStatus, statusEventType(status), TaskResult{TaskID: taskID, Status: status})
}

// statusEventType selects the envelope type for a status event. Statuses
// are wire strings here so the codec stays independent of the task model.
func statusEventType(status string) string {
	switch status {
	case "completed":
		return TypeTaskCompleted
	case "failed":
		return TypeTaskFailed
	case "stopped":
		return TypeTaskStopped
	default:
		return TypeTaskStarted
	}
}

func (p *Publisher) publish(ctx context.Context, stream, msgType string, data any) (string, error) {
	m, err := NewMessage(msgType, p.source, data)
	if err != nil {
		return "", err
	}
	id, err := p.bus.Publish(ctx, stream, m)
	if err != nil {
		return "", fmt.Errorf("publish %s: %w", msgType, err)
	}
	return id, nil
}
