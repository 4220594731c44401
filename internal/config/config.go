// Package config loads engine configuration.
//
// Resolution order, lowest to highest precedence:
//  1. defaults in the embedded CUE schema;
//  2. an optional user .cue file, unified with the schema;
//  3. POLICYENGINE_* environment variables.
//
// Command-line flags are applied on top by the CLI.
package config

import (
	_ "embed"
	"fmt"
	"log/slog"
	"os"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/caarlos0/env/v11"

	"github.com/roach88/policyengine/internal/tracker"
	"github.com/roach88/policyengine/internal/validate"
)

//go:embed schema.cue
var schemaCUE string

// Config is the resolved engine configuration.
type Config struct {
	Strict                  bool   `json:"strict" env:"POLICYENGINE_STRICT"`
	AllowNonExecutableSteps bool   `json:"allow_non_executable_steps" env:"POLICYENGINE_ALLOW_NON_EXECUTABLE_STEPS"`
	MaxUpdates              int    `json:"max_updates" env:"POLICYENGINE_MAX_UPDATES"`
	Database                string `json:"database" env:"POLICYENGINE_DATABASE"`
	LogLevel                string `json:"log_level" env:"POLICYENGINE_LOG_LEVEL"`
}

// Default returns the schema defaults.
func Default() (*Config, error) {
	return Load("")
}

// Load resolves the configuration. path names an optional .cue file; an
// empty path uses defaults and the environment only.
func Load(path string) (*Config, error) {
	ctx := cuecontext.New()

	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("compile config schema: %w", err)
	}
	v := schema.LookupPath(cue.ParsePath("#Config"))

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		user := ctx.CompileBytes(data, cue.Filename(path))
		if err := user.Err(); err != nil {
			return nil, fmt.Errorf("compile config %s: %w", path, err)
		}
		v = v.Unify(user)
	}

	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	var cfg Config
	if err := v.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("config environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that can arrive from the environment without
// passing through the schema.
func (c *Config) Validate() error {
	if c.MaxUpdates < 0 {
		return fmt.Errorf("invalid config: max_updates must be >= 0, got %d", c.MaxUpdates)
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// Level returns the slog level named by LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid config: log_level %q", c.LogLevel)
	}
	return level, nil
}

// ValidateOptions returns the admission policy.
func (c *Config) ValidateOptions() validate.Options {
	return validate.Options{
		Strict:                  c.Strict,
		AllowNonExecutableSteps: c.AllowNonExecutableSteps,
	}
}

// TrackerOptions returns the tracker settings the configuration controls.
func (c *Config) TrackerOptions() []tracker.Option {
	return []tracker.Option{
		tracker.WithValidateOptions(c.ValidateOptions()),
		tracker.WithMaxUpdates(c.MaxUpdates),
	}
}
