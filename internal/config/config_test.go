package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg, err := Default()
	require.NoError(t, err)

	assert.False(t, cfg.Strict)
	assert.False(t, cfg.AllowNonExecutableSteps)
	assert.Equal(t, 10000, cfg.MaxUpdates)
	assert.Empty(t, cfg.Database)
	assert.Equal(t, "info", cfg.LogLevel)

	level, err := cfg.Level()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelInfo, level)
}

func TestLoadFile(t *testing.T) {
	cfg, err := Load(filepath.Join("testdata", "strict.cue"))
	require.NoError(t, err)

	assert.True(t, cfg.Strict)
	assert.Equal(t, 50, cfg.MaxUpdates)
	assert.Equal(t, "/var/lib/policyengine/events.db", cfg.Database)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, cfg.ValidateOptions().Strict)
	assert.Len(t, cfg.TrackerOptions(), 2)
}

func TestLoadRejectsUnknownField(t *testing.T) {
	_, err := Load(filepath.Join("testdata", "unknown.cue"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "verbose")
}

func TestLoadRejectsOutOfRange(t *testing.T) {
	_, err := Load(filepath.Join("testdata", "badtype.cue"))
	require.Error(t, err)
}

func TestLoadRejectsBadLogLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "level.cue")
	require.NoError(t, os.WriteFile(path, []byte(`log_level: "loud"`), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.cue"))
	require.Error(t, err)
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("POLICYENGINE_STRICT", "false")
	t.Setenv("POLICYENGINE_ALLOW_NON_EXECUTABLE_STEPS", "true")
	t.Setenv("POLICYENGINE_MAX_UPDATES", "7")
	t.Setenv("POLICYENGINE_DATABASE", "env.db")
	t.Setenv("POLICYENGINE_LOG_LEVEL", "warn")

	cfg, err := Load(filepath.Join("testdata", "strict.cue"))
	require.NoError(t, err)

	assert.False(t, cfg.Strict)
	assert.True(t, cfg.AllowNonExecutableSteps)
	assert.Equal(t, 7, cfg.MaxUpdates)
	assert.Equal(t, "env.db", cfg.Database)
	assert.Equal(t, "warn", cfg.LogLevel)
}

func TestEnvInvalid(t *testing.T) {
	t.Setenv("POLICYENGINE_MAX_UPDATES", "-3")
	_, err := Load("")
	require.Error(t, err)

	t.Setenv("POLICYENGINE_MAX_UPDATES", "lots")
	_, err = Load("")
	require.Error(t, err)
}
