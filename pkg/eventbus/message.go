package eventbus

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message types carried on the command and result streams.
//
// NOTE: These values and the field layout below are the stable wire
// contract between the management process and workers.
const (
	TypeRunTask       = "RUN_TASK"
	TypeStopTask      = "STOP_TASK"
	TypeStopAll       = "EMERGENCY_STOP_ALL"
	TypeTaskStarted   = "TASK_STARTED"
	TypeTaskCompleted = "TASK_COMPLETED"
	TypeTaskFailed    = "TASK_FAILED"
	TypeTaskStopped   = "TASK_STOPPED"
)

// Message is the envelope for every event on the bus.
type Message struct {
	Type      string          `json:"type"`
	Source    string          `json:"source"`
	Timestamp float64         `json:"timestamp"`
	Version   int             `json:"version"`
	Data      json.RawMessage `json:"data"`
}

// NewMessage stamps an envelope around data, which must marshal to JSON.
func NewMessage(msgType, source string, data any) (Message, error) {
	body, err := json.Marshal(data)
	if err != nil {
		return Message{}, fmt.Errorf("eventbus: marshal message data: %w", err)
	}
	return Message{
		Type:      msgType,
		Source:    source,
		Timestamp: float64(time.Now().UnixNano()) / float64(time.Second),
		Version:   1,
		Data:      body,
	}, nil
}

// fields flattens the envelope into stream fields. Every value is JSON
// encoded, matching the wire layout consumers on other runtimes expect.
func (m Message) fields() (map[string]any, error) {
	out := make(map[string]any, 5)
	for key, value := range map[string]any{
		"type":      m.Type,
		"source":    m.Source,
		"timestamp": m.Timestamp,
		"version":   m.Version,
		"data":      m.Data,
	} {
		b, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("eventbus: encode field %s: %w", key, err)
		}
		out[key] = string(b)
	}
	return out, nil
}

// parseMessage rebuilds an envelope from raw stream fields.
func parseMessage(values map[string]any) (Message, error) {
	var m Message
	get := func(key string, dst any) error {
		raw, ok := values[key]
		if !ok {
			return fmt.Errorf("eventbus: message missing field %s", key)
		}
		s, ok := raw.(string)
		if !ok {
			return fmt.Errorf("eventbus: field %s is not a string", key)
		}
		return json.Unmarshal([]byte(s), dst)
	}
	if err := get("type", &m.Type); err != nil {
		return Message{}, err
	}
	if err := get("source", &m.Source); err != nil {
		return Message{}, err
	}
	if err := get("timestamp", &m.Timestamp); err != nil {
		return Message{}, err
	}
	if err := get("version", &m.Version); err != nil {
		return Message{}, err
	}
	if err := get("data", &m.Data); err != nil {
		return Message{}, err
	}
	return m, nil
}

// TaskCommand is the data body of RUN_TASK and STOP_TASK messages.
type TaskCommand struct {
	TaskID    string          `json:"task_id"`
	Kind      string          `json:"kind,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
}

// TaskResult is the data body of TASK_COMPLETED / TASK_FAILED /
// TASK_STOPPED messages.
type TaskResult struct {
	TaskID    string          `json:"task_id"`
	Status    string          `json:"status"`
	Result    json.RawMessage `json:"result,omitempty"`
	ErrorCode string          `json:"error_code,omitempty"`
	ErrorMsg  string          `json:"error_message,omitempty"`
}

// DecodeCommand parses a message data body as a TaskCommand.
func DecodeCommand(m Message) (TaskCommand, error) {
	var cmd TaskCommand
	if err := json.Unmarshal(m.Data, &cmd); err != nil {
		return TaskCommand{}, fmt.Errorf("eventbus: parse %s command: %w", m.Type, err)
	}
	return cmd, nil
}

// DecodeResult parses a message data body as a TaskResult.
func DecodeResult(m Message) (TaskResult, error) {
	var res TaskResult
	if err := json.Unmarshal(m.Data, &res); err != nil {
		return TaskResult{}, fmt.Errorf("eventbus: parse %s result: %w", m.Type, err)
	}
	return res, nil
}
