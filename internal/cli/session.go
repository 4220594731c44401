package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/roach88/policyengine/internal/engine"
	"github.com/roach88/policyengine/internal/metrics"
	"github.com/roach88/policyengine/internal/schema"
	"github.com/roach88/policyengine/internal/store"
	"github.com/roach88/policyengine/internal/tracker"
)

// maxConflictAttempts bounds how often a command reloads an evaluation
// after another process took the seq it tried to write.
const maxConflictAttempts = 5

// session is an engine opened for one command invocation.
type session struct {
	engine      *engine.Engine
	store       *store.Store
	trackerOpts []tracker.Option
	metrics     *metrics.Metrics
	registry    *prometheus.Registry
	metricsFile string
}

// openSession builds an engine from the resolved configuration. dbPath
// overrides the configured database; an empty result is in-memory only
// unless requireDB is set.
func openSession(opts *RootOptions, dbPath string, requireDB bool) (*session, error) {
	cfg, err := opts.resolveConfig()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if dbPath == "" {
		dbPath = cfg.Database
	}
	if dbPath == "" && requireDB {
		return nil, NewExitError(ExitCommandError, "a database is required: pass --db or set database in config")
	}

	reg := prometheus.NewRegistry()
	s := &session{
		trackerOpts: append(cfg.TrackerOptions(), tracker.WithIDGenerator(opts.idGenerator())),
		metrics:     metrics.New(reg),
		registry:    reg,
		metricsFile: opts.MetricsFile,
	}
	if dbPath != "" {
		slog.Debug("opening database", "path", dbPath)
		st, err := store.Open(dbPath)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to open database", err)
		}
		s.store = st
	}
	s.engine = s.newEngine()
	return s, nil
}

// newEngine returns an empty engine over the session's store and metrics.
func (s *session) newEngine() *engine.Engine {
	opts := []engine.Option{
		engine.WithTracker(tracker.New(s.trackerOpts...)),
		engine.WithMetrics(s.metrics),
	}
	if s.store != nil {
		opts = append(opts, engine.WithStore(s.store))
	}
	return engine.New(opts...)
}

// load restores one stored evaluation into the session's engine.
func (s *session) load(ctx context.Context, f *OutputFormatter, id string) error {
	if err := s.engine.Load(ctx, id); err != nil {
		if errors.Is(err, tracker.ErrNotFound) {
			return fail(f, ExitCommandError, ErrCodeNotFound, fmt.Sprintf("evaluation %s not found", id), err, nil)
		}
		return fail(f, ExitCommandError, ErrCodeDatabase, "failed to load evaluation", err, nil)
	}
	return nil
}

// withEvaluation loads id and runs write against the session's engine.
// When another process wrote to the evaluation after the load, the write
// loses its seq; the evaluation is then reloaded into a fresh engine and
// write runs again.
func (s *session) withEvaluation(ctx context.Context, f *OutputFormatter, id string, write func(*engine.Engine) error) error {
	for attempt := 1; ; attempt++ {
		if attempt > 1 {
			s.engine = s.newEngine()
		}
		if err := s.load(ctx, f, id); err != nil {
			return err
		}
		err := write(s.engine)
		if !engine.IsConflict(err) || attempt == maxConflictAttempts {
			return err
		}
		slog.Debug("seq taken by another writer, reloading", "evaluation_id", id, "attempt", attempt, "error", err)
	}
}

// Close writes the metrics file, if one was requested, and closes the store.
func (s *session) Close() {
	if s.metricsFile != "" {
		if err := prometheus.WriteToTextfile(s.metricsFile, s.registry); err != nil {
			slog.Error("error writing metrics file", "path", s.metricsFile, "error", err)
		}
	}
	if s.store == nil {
		return
	}
	if err := s.store.Close(); err != nil {
		slog.Error("error closing database", "error", err)
	}
}

// idGenerator returns the generator for new evaluation ids.
func (o *RootOptions) idGenerator() tracker.IDGenerator {
	if o.IDGenerator != nil {
		return o.IDGenerator
	}
	return tracker.UUIDv7Generator{}
}

// loadRequest reads and decodes a YAML or JSON request document.
func loadRequest(f *OutputFormatter, path string) (*schema.PolicyRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fail(f, ExitCommandError, ErrCodeRead, fmt.Sprintf("cannot read %s", path), err, nil)
	}
	req, err := schema.DecodeRequest(data)
	if err != nil {
		return nil, failValidation(f, "request is invalid", err)
	}
	return req, nil
}

// fail prints an error response and returns the matching ExitError.
func fail(f *OutputFormatter, exit int, code, message string, err error, details any) error {
	msg := message
	if err != nil {
		msg = fmt.Sprintf("%s: %v", message, err)
	}
	if outErr := f.Error(code, msg, details); outErr != nil {
		return WrapExitError(ExitCommandError, "failed to write output", outErr)
	}
	return WrapExitError(exit, fmt.Sprintf("%s [%s]", message, code), err)
}

// failValidation reports validation errors as {msg, loc, type} documents.
func failValidation(f *OutputFormatter, message string, err error) error {
	errs := schema.AsValidationErrors(err)
	if len(errs) == 0 {
		return fail(f, ExitFailure, ErrCodeInvalid, message, err, nil)
	}
	details := make([]map[string]any, len(errs))
	for i, ve := range errs {
		details[i] = ve.Detail()
	}
	if f.Format != "json" {
		var b strings.Builder
		fmt.Fprintf(&b, "%s:", message)
		for _, ve := range errs {
			fmt.Fprintf(&b, "\n  %s", ve.Error())
		}
		fmt.Fprintln(f.Writer, b.String())
		return WrapExitError(ExitFailure, fmt.Sprintf("%s [%s]", message, ErrCodeInvalid), err)
	}
	return fail(f, ExitFailure, ErrCodeInvalid, message, nil, details)
}

// statusDocument renders a status response.
func statusDocument(ps schema.PolicyStatus) map[string]any {
	return map[string]any{
		"id":     ps.ID,
		"status": ps.Status.String(),
		"detail": ps.Detail,
	}
}

// statusText renders a status response for humans.
func statusText(ps schema.PolicyStatus) string {
	detail, err := schema.MarshalCanonical(ps.Detail)
	if err != nil {
		detail = []byte(fmt.Sprintf("%v", ps.Detail))
	}
	return fmt.Sprintf("id:     %s\nstatus: %s\ndetail: %s", ps.ID, ps.Status, detail)
}

// outputStatus prints a status response.
func outputStatus(f *OutputFormatter, ps schema.PolicyStatus) error {
	if f.Format == "json" {
		return f.Success(statusDocument(ps))
	}
	return f.Success(statusText(ps))
}

// commandContext returns the command's context, or Background when the
// command is executed without one.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
