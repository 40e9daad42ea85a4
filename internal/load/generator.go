// Package load drives a node with small random upserts and occasional
// full-table deletes, timing and logging every statement.
package load

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/bit2swaz/syncprobe/internal/connmgr"
	"github.com/bit2swaz/syncprobe/internal/metrics"
)

const (
	OpUpsert = "upsert"
	OpDelete = "delete"
)

type Options struct {
	Table             string
	KeyLength         int
	ValueLength       int
	Alphabet          string
	DeleteProbability float64
	// MaxOps bounds Run; 0 runs until the context is cancelled.
	MaxOps uint64
	// Seed makes the generated sequence reproducible; 0 picks one at random.
	Seed             uint64
	StatementTimeout time.Duration
}

// Op is one executed statement.
type Op struct {
	Seq     uint64
	Kind    string
	Key     string
	Value   string
	Rows    int64
	Latency time.Duration
	Err     error
}

type Stats struct {
	Ops      uint64
	Upserts  uint64
	Deletes  uint64
	Failures uint64
}

type Generator struct {
	mgr    *connmgr.Manager
	node   string
	opts   Options
	rng    *rand.Rand
	clock  clock.Clock
	logger *slog.Logger
	stats  Stats
}

func New(mgr *connmgr.Manager, node string, opts Options) *Generator {
	if opts.StatementTimeout <= 0 {
		opts.StatementTimeout = 5 * time.Second
	}
	seed := opts.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	return &Generator{
		mgr:    mgr,
		node:   node,
		opts:   opts,
		rng:    rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		clock:  clock.New(),
		logger: slog.Default().With("run_id", uuid.NewString(), "node", node),
	}
}

func (g *Generator) WithClock(c clock.Clock) *Generator {
	g.clock = c
	return g
}

func (g *Generator) WithLogger(l *slog.Logger) *Generator {
	g.logger = l.With("node", g.node)
	return g
}

func (g *Generator) Stats() Stats {
	return g.stats
}

// shuffled returns the first n characters of a random permutation of the
// alphabet, so characters never repeat within one string.
func (g *Generator) shuffled(n int) string {
	chars := []rune(g.opts.Alphabet)
	g.rng.Shuffle(len(chars), func(i, j int) { chars[i], chars[j] = chars[j], chars[i] })
	if n > len(chars) {
		n = len(chars)
	}
	return string(chars[:n])
}

// Next draws the key and value of the next upsert and whether a delete of
// the whole table follows it.
func (g *Generator) Next() (key, value string, deleteAfter bool) {
	key = g.shuffled(g.opts.KeyLength)
	value = g.shuffled(g.opts.ValueLength)
	deleteAfter = g.rng.Float64() < g.opts.DeleteProbability
	return key, value, deleteAfter
}

func (g *Generator) Prepare(ctx context.Context) error {
	sctx, cancel := context.WithTimeout(ctx, g.opts.StatementTimeout)
	defer cancel()

	conn, err := g.mgr.EnsureAlive(sctx, g.node)
	if err != nil {
		return err
	}
	return conn.Prepare(sctx, g.opts.Table)
}

// Run executes ops until MaxOps is reached or ctx is cancelled. Failed
// statements are logged and counted; they never stop the loop.
func (g *Generator) Run(ctx context.Context) Stats {
	g.logger.Info("Starting load", "table", g.opts.Table, "max_ops", g.opts.MaxOps,
		"delete_probability", g.opts.DeleteProbability)

	var seq uint64
	for {
		if g.opts.MaxOps > 0 && seq >= g.opts.MaxOps {
			break
		}
		if ctx.Err() != nil {
			break
		}
		seq++
		g.Step(ctx, seq)
	}

	g.logger.Info("Load finished", "ops", g.stats.Ops, "upserts", g.stats.Upserts,
		"deletes", g.stats.Deletes, "failures", g.stats.Failures)
	return g.stats
}

// Step performs op seq: one upsert and possibly one delete.
func (g *Generator) Step(ctx context.Context, seq uint64) []Op {
	key, value, deleteAfter := g.Next()

	ops := []Op{g.exec(ctx, Op{Seq: seq, Kind: OpUpsert, Key: key, Value: value})}
	if deleteAfter {
		ops = append(ops, g.exec(ctx, Op{Seq: seq, Kind: OpDelete}))
	}
	g.stats.Ops++
	return ops
}

func (g *Generator) exec(ctx context.Context, op Op) Op {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.opts.StatementTimeout)
	defer cancel()

	start := g.clock.Now()
	conn, err := g.mgr.EnsureAlive(sctx, g.node)
	if err == nil {
		switch op.Kind {
		case OpUpsert:
			op.Rows, err = conn.Upsert(sctx, g.opts.Table, op.Key, op.Value)
		case OpDelete:
			op.Rows, err = conn.DeleteAll(sctx, g.opts.Table)
		}
	}
	op.Latency = g.clock.Since(start)
	op.Err = err

	switch op.Kind {
	case OpUpsert:
		g.stats.Upserts++
	case OpDelete:
		g.stats.Deletes++
	}

	if err != nil {
		g.stats.Failures++
		metrics.IncLoadOp(op.Kind, "error")
		g.logger.Error("Statement failed", "seq", op.Seq, "op", op.Kind, "key", op.Key, "error", err)
		return op
	}

	metrics.IncLoadOp(op.Kind, "ok")
	g.logger.Info("Statement executed", "seq", op.Seq, "op", op.Kind, "key", op.Key,
		"value", op.Value, "rows", op.Rows, "latency", op.Latency)
	return op
}
