// Package emergency fans a stop signal out to every running entity and
// aggregates per-entity outcomes into a single report.
package emergency

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/freqops/freqops/pkg/bots"
	"github.com/freqops/freqops/pkg/task"
)

// TaskStopper cancels one tracked task. Satisfied by dispatch.Dispatcher.
type TaskStopper interface {
	Stop(ctx context.Context, id string) error
}

// Broadcaster publishes the stop-all command for detached workers.
// Satisfied by the stream bridge; nil disables broadcasting.
type Broadcaster interface {
	BroadcastStopAll(ctx context.Context) error
}

// Failure records one entity whose stop attempt failed.
type Failure struct {
	Entity string `json:"entity"` // "task" or "bot"
	ID     string `json:"id"`
	Error  string `json:"error"`
}

// Report aggregates the outcome of one stop-all invocation.
type Report struct {
	Targeted  int       `json:"targeted"`
	Succeeded int       `json:"succeeded"`
	Failed    int       `json:"failed"`
	Failures  []Failure `json:"failures,omitempty"`
}

// DefaultStopTimeout bounds how long the coordinator waits for outcomes.
const DefaultStopTimeout = 30 * time.Second

// Coordinator enumerates running entities and stops them concurrently.
type Coordinator struct {
	store    task.Store
	tasks    TaskStopper
	registry *bots.Registry
	stopper  bots.Stopper
	bus      Broadcaster

	timeout time.Duration
	log     *zap.Logger
}

// Options tune coordinator behavior. Registry/Stopper and Bus are optional;
// a coordinator over tasks alone is valid (worker processes have no bots).
type Options struct {
	Registry *bots.Registry
	Stopper  bots.Stopper
	Bus      Broadcaster
	Timeout  time.Duration
	Logger   *zap.Logger
}

// New wires a coordinator over the task store and dispatcher.
func New(store task.Store, tasks TaskStopper, opts Options) *Coordinator {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultStopTimeout
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Coordinator{
		store:    store,
		tasks:    tasks,
		registry: opts.Registry,
		stopper:  opts.Stopper,
		bus:      opts.Bus,
		timeout:  timeout,
		log:      log,
	}
}

type outcome struct {
	failure *Failure
}

// StopAll stops every non-terminal task and bot. All stop requests are
// issued before any outcome is awaited; one entity's failure never blocks
// the others. Invoked with nothing running it returns a zero-count
// success.
func (c *Coordinator) StopAll(ctx context.Context) Report {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	c.log.Warn("emergency stop-all requested")

	targets := c.collectTargets(ctx)

	results := make(chan outcome, len(targets))
	var wg sync.WaitGroup
	for _, stop := range targets {
		wg.Add(1)
		go func(stop func(context.Context) *Failure) {
			defer wg.Done()
			results <- outcome{failure: stop(ctx)}
		}(stop)
	}

	// Broadcast to detached workers in parallel with local stops. Failure
	// to broadcast is reported but does not count against entity totals.
	if c.bus != nil {
		if err := c.bus.BroadcastStopAll(ctx); err != nil {
			c.log.Error("broadcast stop-all", zap.Error(err))
		}
	}

	wg.Wait()
	close(results)

	report := Report{Targeted: len(targets)}
	for res := range results {
		if res.failure != nil {
			report.Failed++
			report.Failures = append(report.Failures, *res.failure)
		} else {
			report.Succeeded++
		}
	}

	c.log.Warn("emergency stop-all finished",
		zap.Int("targeted", report.Targeted),
		zap.Int("succeeded", report.Succeeded),
		zap.Int("failed", report.Failed))
	return report
}

// collectTargets snapshots every non-terminal entity as a stop closure.
func (c *Coordinator) collectTargets(ctx context.Context) []func(context.Context) *Failure {
	var targets []func(context.Context) *Failure

	tasks, err := c.store.List(ctx, task.Filter{})
	if err != nil {
		c.log.Error("enumerate tasks for stop-all", zap.Error(err))
	}
	for _, t := range tasks {
		if t.Status.Terminal() {
			continue
		}
		id := t.ID
		targets = append(targets, func(ctx context.Context) *Failure {
			if err := c.tasks.Stop(ctx, id); err != nil {
				return &Failure{Entity: "task", ID: id, Error: err.Error()}
			}
			return nil
		})
	}

	if c.registry == nil || c.stopper == nil {
		return targets
	}
	for _, b := range c.registry.Running() {
		bot := b
		targets = append(targets, func(ctx context.Context) *Failure {
			c.registry.SetStatus(bot.ID, bots.StatusStopping, "")
			if err := c.stopper.StopBot(ctx, bot); err != nil {
				c.registry.SetStatus(bot.ID, bots.StatusError, "")
				return &Failure{Entity: "bot", ID: bot.ID, Error: err.Error()}
			}
			c.registry.SetStatus(bot.ID, bots.StatusStopped, "")
			return nil
		})
	}
	return targets
}

var _ fmt.Stringer = Report{}

// String renders the report for log lines and CLI output.
func (r Report) String() string {
	return fmt.Sprintf("targeted=%d succeeded=%d failed=%d", r.Targeted, r.Succeeded, r.Failed)
}
