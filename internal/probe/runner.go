// Package probe checks read-after-write consistency between two nodes of
// a replicated database: every iteration writes a derived key/value pair
// on the primary and immediately reads the key back on the secondary.
package probe

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/bit2swaz/syncprobe/internal/connmgr"
	"github.com/bit2swaz/syncprobe/internal/metrics"
	"github.com/bit2swaz/syncprobe/internal/store"
)

// Recorder receives every iteration's record, in iteration order.
type Recorder interface {
	Record(Record)
}

type Options struct {
	Table string
	// Iterations bounds Run; 0 runs until the context is cancelled.
	Iterations uint64
	// Truncate empties the table in Prepare.
	Truncate             bool
	ReadDelay            time.Duration
	ReadRetries          int
	ReadRetryBackoff     time.Duration
	WriteConflictRetries int
	StatementTimeout     time.Duration
}

type Runner struct {
	mgr       *connmgr.Manager
	primary   string
	secondary string
	opts      Options
	rec       Recorder
	clock     clock.Clock
	logger    *slog.Logger
	runID     string
}

func New(mgr *connmgr.Manager, primary, secondary string, opts Options, rec Recorder) *Runner {
	if opts.StatementTimeout <= 0 {
		opts.StatementTimeout = 5 * time.Second
	}
	runID := uuid.NewString()
	return &Runner{
		mgr:       mgr,
		primary:   primary,
		secondary: secondary,
		opts:      opts,
		rec:       rec,
		clock:     clock.New(),
		logger:    slog.Default().With("run_id", runID),
		runID:     runID,
	}
}

func (r *Runner) WithClock(c clock.Clock) *Runner {
	r.clock = c
	return r
}

func (r *Runner) WithLogger(l *slog.Logger) *Runner {
	r.logger = l.With("run_id", r.runID)
	return r
}

func (r *Runner) RunID() string {
	return r.runID
}

// statementContext detaches ctx from cancellation so a stop request never
// interrupts a statement in flight. The statement timeout still applies.
func (r *Runner) statementContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), r.opts.StatementTimeout)
}

// Prepare creates the probe table through the primary and, when
// configured, empties it.
func (r *Runner) Prepare(ctx context.Context) error {
	sctx, cancel := r.statementContext(ctx)
	defer cancel()

	conn, err := r.mgr.EnsureAlive(sctx, r.primary)
	if err != nil {
		return err
	}
	if err := conn.Prepare(sctx, r.opts.Table); err != nil {
		return fmt.Errorf("failed to create table %s: %w", r.opts.Table, err)
	}
	if r.opts.Truncate {
		n, err := conn.DeleteAll(sctx, r.opts.Table)
		if err != nil {
			return fmt.Errorf("failed to truncate %s: %w", r.opts.Table, err)
		}
		r.logger.Info("Truncated probe table", "table", r.opts.Table, "rows", n)
	}
	return nil
}

// Run executes iterations from 1 until the bound is reached or ctx is
// cancelled and returns how many were recorded. Cancellation is only
// observed between iterations.
func (r *Runner) Run(ctx context.Context) uint64 {
	r.logger.Info("Starting probe", "primary", r.primary, "secondary", r.secondary,
		"table", r.opts.Table, "iterations", r.opts.Iterations)

	var i uint64
	for {
		if r.opts.Iterations > 0 && i >= r.opts.Iterations {
			break
		}
		if ctx.Err() != nil {
			r.logger.Info("Probe cancelled", "completed", i)
			break
		}

		i++
		rec := r.Step(ctx, i)
		metrics.ObserveProbe(i, rec.Result.String(), rec.WriteLatency, rec.ReadLatency)
		if r.rec != nil {
			r.rec.Record(rec)
		}
	}
	return i
}

// Step runs one full iteration for index i. It never fails: every outcome,
// including connection and statement errors, becomes part of the record.
func (r *Runner) Step(ctx context.Context, i uint64) Record {
	rec := Record{Iteration: i, Key: KeyFor(i), Value: ValueFor(i)}

	start := r.clock.Now()
	err := r.write(ctx, rec.Key, rec.Value)
	rec.WriteLatency = r.clock.Since(start)
	if err != nil {
		rec.Result = WriteError
		rec.Err = err.Error()
		r.logger.Error("Write failed", "iteration", i, "node", r.primary, "error", err)
		return rec
	}

	observed, found, latency, err := r.read(ctx, rec.Key)
	rec.ReadLatency = latency
	if err != nil {
		rec.Result = ReadError
		rec.Err = err.Error()
		r.logger.Error("Read failed", "iteration", i, "node", r.secondary, "error", err)
		return rec
	}

	rec.Observed = observed
	rec.Result = Compare(rec.Value, observed, found)
	if rec.Result.IsViolation() {
		r.logger.Warn("Consistency violation", "iteration", i, "key", rec.Key,
			"result", rec.Result, "expected", rec.Value, "observed", observed)
	}
	return rec
}

func (r *Runner) write(ctx context.Context, key, value string) error {
	for attempt := 0; ; attempt++ {
		sctx, cancel := r.statementContext(ctx)
		err := r.upsert(sctx, key, value)
		cancel()

		if err == nil || attempt >= r.opts.WriteConflictRetries || !store.IsRetryable(err) {
			return err
		}
		r.logger.Debug("Retrying write after conflict", "key", key, "attempt", attempt+1, "error", err)
	}
}

func (r *Runner) upsert(ctx context.Context, key, value string) error {
	conn, err := r.mgr.EnsureAlive(ctx, r.primary)
	if err != nil {
		return err
	}
	_, err = conn.Upsert(ctx, r.opts.Table, key, value)
	return err
}

// read verifies the secondary connection, waits the configured delay and
// reads key. NotFound results are re-read with exponential backoff while
// retries remain. The returned latency covers the reads and backoffs.
func (r *Runner) read(ctx context.Context, key string) (string, bool, time.Duration, error) {
	sctx, cancel := r.statementContext(ctx)
	conn, err := r.mgr.EnsureAlive(sctx, r.secondary)
	cancel()
	if err != nil {
		return "", false, 0, err
	}

	if r.opts.ReadDelay > 0 {
		r.clock.Sleep(r.opts.ReadDelay)
	}

	start := r.clock.Now()
	backoff := r.opts.ReadRetryBackoff
	for attempt := 0; ; attempt++ {
		sctx, cancel := r.statementContext(ctx)
		observed, found, err := conn.Get(sctx, r.opts.Table, key)
		cancel()

		if err != nil || found || attempt >= r.opts.ReadRetries {
			return observed, found, r.clock.Since(start), err
		}
		r.clock.Sleep(backoff)
		backoff *= 2
	}
}
