// Package task defines the tracked unit of asynchronous work and the
// record store that owns its lifecycle.
//
// A task moves forward-only through its states:
//
//	pending -> running -> completed | failed
//	pending -> stopped (cancelled before admission)
//	running -> stopped
//
// No task revisits pending or running after reaching a terminal state, and
// result/error are written exactly once, on the transition into
// completed/failed.
package task

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Kind identifies the type of work a task performs.
//
// NOTE: These values travel over the command stream and are part of the
// stable wire contract.
type Kind string

const (
	KindBacktest Kind = "backtest"
	KindTraining Kind = "training"
	KindHyperopt Kind = "hyperopt"
	KindLiveBot  Kind = "live-bot"
)

// Kinds lists every registered task kind.
func Kinds() []Kind {
	return []Kind{KindBacktest, KindTraining, KindHyperopt, KindLiveBot}
}

// Valid reports whether k is a registered kind.
func (k Kind) Valid() bool {
	switch k {
	case KindBacktest, KindTraining, KindHyperopt, KindLiveBot:
		return true
	}
	return false
}

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusStopped   Status = "stopped"
)

// Terminal reports whether s admits no further transition.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusStopped:
		return true
	}
	return false
}

// CanTransition reports whether the move from s to next is legal.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusRunning || next == StatusStopped
	case StatusRunning:
		return next == StatusCompleted || next == StatusFailed || next == StatusStopped
	}
	return false
}

// Failure records why a task ended in the failed state.
type Failure struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Failure codes stored on failed tasks.
const (
	FailureExecution = "EXECUTION_ERROR"
	FailureTimeout   = "TIMEOUT"
)

// Payload is the caller-supplied configuration for a task.
//
// Config is passed through opaquely to the execution backend; the
// orchestration core only inspects Strategy for validation.
type Payload struct {
	Strategy    string          `json:"strategy"`
	Config      json.RawMessage `json:"config,omitempty"`
	Timerange   string          `json:"timerange,omitempty"`
	FreqAIModel string          `json:"freqai_model,omitempty"`
}

// Task is one tracked unit of asynchronous work.
type Task struct {
	ID        string          `json:"id"`
	Kind      Kind            `json:"kind"`
	Status    Status          `json:"status"`
	Payload   Payload         `json:"payload"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *Failure        `json:"error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	StartedAt *time.Time      `json:"started_at,omitempty"`
	EndedAt   *time.Time      `json:"ended_at,omitempty"`
}

var (
	ErrNotFound          = errors.New("task not found")
	ErrInvalidTransition = errors.New("invalid task transition")
	ErrNotTerminal       = errors.New("task is not in a terminal state")
)

// InvalidTransitionError wraps ErrInvalidTransition with the attempted move.
func InvalidTransitionError(from, to Status) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}
