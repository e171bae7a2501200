package cmd

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetVersionInfo(t *testing.T) {
	origVersion := versionInfo.Version
	origCommit := versionInfo.Commit
	origBuildDate := versionInfo.BuildDate
	defer func() {
		versionInfo.Version = origVersion
		versionInfo.Commit = origCommit
		versionInfo.BuildDate = origBuildDate
	}()

	tests := []struct {
		name      string
		version   string
		commit    string
		buildDate string
	}{
		{
			name:      "set all values",
			version:   "1.0.0",
			commit:    "abc123",
			buildDate: "2026-01-15",
		},
		{
			name:      "set dev version",
			version:   "dev",
			commit:    "HEAD",
			buildDate: "unknown",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			SetVersionInfo(tt.version, tt.commit, tt.buildDate)

			assert.Equal(t, tt.version, versionInfo.Version)
			assert.Equal(t, tt.commit, versionInfo.Commit)
			assert.Equal(t, tt.buildDate, versionInfo.BuildDate)
		})
	}
}

func TestVersionCommandOutput(t *testing.T) {
	SetVersionInfo("9.9.9", "cafe12", "2026-02-01")
	defer SetVersionInfo("dev", "HEAD", "unknown")

	var out bytes.Buffer
	versionCmd.SetOut(&out)
	versionCmd.Run(versionCmd, nil)

	assert.Contains(t, out.String(), "9.9.9")
	assert.Contains(t, out.String(), "cafe12")
}

func TestLoadConfig_LogLevelOverride(t *testing.T) {
	origLevel := logLevel
	defer func() { logLevel = origLevel }()
	logLevel = "debug"

	cfg, err := loadConfig(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)

	// Everything else stays at defaults.
	assert.Equal(t, 3, cfg.Orchestrator.MaxConcurrentTasks)
	assert.Equal(t, 10*time.Minute, cfg.Orchestrator.TaskTimeout)
}

func TestRootCommandHasSubcommands(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["serve"])
	assert.True(t, names["worker"])
	assert.True(t, names["version"])
}
