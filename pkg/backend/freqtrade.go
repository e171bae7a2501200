// Package backend provides the execution collaborators the dispatcher
// runs tasks through: a local freqtrade CLI backend and a stream-bridged
// backend that delegates to detached workers.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/freqops/freqops/pkg/task"
)

// outputTailLines bounds how much process output is kept on the result.
const outputTailLines = 50

// Freqtrade runs tasks by invoking the freqtrade CLI with a generated
// JSON config. Cancellation kills the child process.
type Freqtrade struct {
	// Binary is the freqtrade executable. Default "freqtrade".
	Binary string

	// UserDataDir is freqtrade's user_data directory (strategies, data).
	UserDataDir string

	// TempDir receives generated per-task config files. Default os.TempDir.
	TempDir string

	Logger *zap.Logger
}

func (f *Freqtrade) logger() *zap.Logger {
	if f.Logger == nil {
		return zap.NewNop()
	}
	return f.Logger
}

func (f *Freqtrade) binary() string {
	if f.Binary != "" {
		return f.Binary
	}
	return "freqtrade"
}

// Run builds the config, executes the freqtrade subcommand for the task
// kind, and returns a result with the tail of the process output.
func (f *Freqtrade) Run(ctx context.Context, t task.Task) (json.RawMessage, error) {
	configPath, err := f.writeConfig(t)
	if err != nil {
		return nil, err
	}
	defer func() { _ = os.Remove(configPath) }()

	args, err := BuildArgs(t, configPath)
	if err != nil {
		return nil, err
	}

	f.logger().Info("running freqtrade",
		zap.String("task_id", t.ID),
		zap.Strings("args", args))

	cmd := exec.CommandContext(ctx, f.binary(), args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if ctx.Err() != nil {
		// Dispatcher maps cancellation/timeout itself.
		return nil, ctx.Err()
	}
	if runErr != nil {
		tail := lastLines(stderr.String(), outputTailLines)
		if tail == "" {
			tail = lastLines(stdout.String(), outputTailLines)
		}
		return nil, fmt.Errorf("freqtrade %s: %w: %s", args[0], runErr, tail)
	}

	result := map[string]any{
		"exit_code": 0,
		"output":    lastLines(stdout.String(), outputTailLines),
	}
	body, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return body, nil
}

// BuildArgs maps a task to its freqtrade argv. The switch over kinds is
// exhaustive; an unregistered kind is a programming error upstream and is
// rejected here as well.
func BuildArgs(t task.Task, configPath string) ([]string, error) {
	base := []string{}
	switch t.Kind {
	case task.KindBacktest:
		base = append(base, "backtesting", "--config", configPath, "--strategy", t.Payload.Strategy)
	case task.KindTraining:
		model := t.Payload.FreqAIModel
		if model == "" {
			return nil, fmt.Errorf("training task requires a freqai model")
		}
		base = append(base, "backtesting", "--config", configPath, "--strategy", t.Payload.Strategy,
			"--freqaimodel", model)
	case task.KindHyperopt:
		base = append(base, "hyperopt", "--config", configPath, "--strategy", t.Payload.Strategy)
	case task.KindLiveBot:
		base = append(base, "trade", "--config", configPath, "--strategy", t.Payload.Strategy)
	default:
		return nil, fmt.Errorf("unsupported task kind %q", string(t.Kind))
	}

	if t.Payload.Timerange != "" && t.Kind != task.KindLiveBot {
		base = append(base, "--timerange", t.Payload.Timerange)
	}
	if t.Payload.FreqAIModel != "" && t.Kind == task.KindBacktest {
		base = append(base, "--freqaimodel", t.Payload.FreqAIModel)
	}
	return base, nil
}

// writeConfig merges the base config with the caller-supplied blob and
// writes it to a per-task temp file.
func (f *Freqtrade) writeConfig(t task.Task) (string, error) {
	cfg := map[string]any{
		"max_open_trades":       3,
		"stake_currency":        "USDT",
		"stake_amount":          "unlimited",
		"fiat_display_currency": "USD",
		"timeframe":             "5m",
		"dry_run":               true,
		"strategy":              t.Payload.Strategy,
	}
	if f.UserDataDir != "" {
		cfg["user_data_dir"] = f.UserDataDir
		cfg["datadir"] = filepath.Join(f.UserDataDir, "data")
	}

	if len(t.Payload.Config) > 0 {
		var overrides map[string]any
		if err := json.Unmarshal(t.Payload.Config, &overrides); err != nil {
			return "", fmt.Errorf("parse task config: %w", err)
		}
		for k, v := range overrides {
			cfg[k] = v
		}
	}

	body, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode config: %w", err)
	}

	dir := f.TempDir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create config dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("config_%s.json", uuid.New().String()))
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write config: %w", err)
	}
	return path, nil
}

func lastLines(s string, n int) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
