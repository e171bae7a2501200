// Package bots tracks long-lived trading bot processes for lifecycle and
// emergency-stop purposes.
//
// The registry is the read surface the orchestration core needs: enumerate
// bots, find the running ones, and record status moves. Actual process
// control is delegated through the Stopper capability.
package bots

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// Status is the lifecycle state of a bot.
type Status string

const (
	StatusCreated  Status = "created"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusStopped  Status = "stopped"
	StatusError    Status = "error"
)

// Terminal reports whether the bot needs no stop attempt.
func (s Status) Terminal() bool {
	return s == StatusStopped || s == StatusError
}

// Bot is one tracked trading process.
type Bot struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Strategy  string    `json:"strategy"`
	Status    Status    `json:"status"`
	TaskID    string    `json:"task_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

var ErrNotFound = errors.New("bot not found")

// Stopper issues a stop command for one bot. Implementations are expected
// to be safe for concurrent use; the emergency coordinator fans out over
// many bots at once.
type Stopper interface {
	StopBot(ctx context.Context, bot Bot) error
}

// StopperFunc adapts a function to the Stopper interface.
type StopperFunc func(ctx context.Context, bot Bot) error

func (f StopperFunc) StopBot(ctx context.Context, bot Bot) error { return f(ctx, bot) }

// Registry keeps bot state in memory, guarded by a mutex.
type Registry struct {
	mu   sync.RWMutex
	bots map[string]Bot

	timeFunc func() time.Time
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		bots:     make(map[string]Bot),
		timeFunc: func() time.Time { return time.Now().UTC() },
	}
}

// WithNow injects deterministic time for tests.
func (r *Registry) WithNow(now func() time.Time) *Registry {
	r.timeFunc = now
	return r
}

// Save inserts or replaces a bot, stamping timestamps.
func (r *Registry) Save(bot Bot) Bot {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.timeFunc()
	if existing, ok := r.bots[bot.ID]; ok {
		bot.CreatedAt = existing.CreatedAt
	} else {
		bot.CreatedAt = now
	}
	bot.UpdatedAt = now
	if bot.Status == "" {
		bot.Status = StatusCreated
	}
	r.bots[bot.ID] = bot
	return bot
}

// Get returns a bot or ErrNotFound.
func (r *Registry) Get(id string) (Bot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if bot, ok := r.bots[id]; ok {
		return bot, nil
	}
	return Bot{}, ErrNotFound
}

// SetStatus records a status move and links the task driving it.
func (r *Registry) SetStatus(id string, status Status, taskID string) (Bot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	bot, ok := r.bots[id]
	if !ok {
		return Bot{}, ErrNotFound
	}
	bot.Status = status
	bot.UpdatedAt = r.timeFunc()
	if taskID != "" {
		bot.TaskID = taskID
	}
	r.bots[id] = bot
	return bot, nil
}

// List returns all bots ordered by name.
func (r *Registry) List() []Bot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Bot, 0, len(r.bots))
	for _, bot := range r.bots {
		out = append(out, bot)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Running returns every bot in a non-terminal state.
func (r *Registry) Running() []Bot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Bot, 0, len(r.bots))
	for _, bot := range r.bots {
		if !bot.Status.Terminal() && bot.Status != StatusCreated {
			out = append(out, bot)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
