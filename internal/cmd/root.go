// Package cmd wires the freqops binary: the serve process (management
// API and orchestration), the worker process (stream-driven execution),
// and version.
package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/freqops/freqops/internal/config"
	"github.com/freqops/freqops/internal/server/handlers"
)

var (
	cfgFile  string
	logLevel string
)

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "HEAD",
	BuildDate: "unknown",
}

// SetVersionInfo records the build identity, called from main with
// ldflags values.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
	handlers.SetVersionInfo(version, commit, buildDate)
}

var rootCmd = &cobra.Command{
	Use:           "freqops",
	Short:         "Task orchestration control plane for freqtrade bot fleets",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default freqops.yaml in . or /etc/freqops)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging.level")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(versionCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func loadConfig(ctx context.Context) (*config.Config, error) {
	opts := []config.Option{config.WithFile(cfgFile)}
	if logLevel != "" {
		opts = append(opts, config.WithOverrides(map[string]any{"logging.level": logLevel}))
	}
	return config.Load(ctx, opts...)
}
