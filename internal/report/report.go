// Package report aggregates probe records into running summaries.
package report

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/bit2swaz/syncprobe/internal/probe"
)

// ReconnectSource exposes per-node reconnect counts, as kept by
// connmgr.Manager.
type ReconnectSource interface {
	Nodes() []string
	Reconnects(node string) int
}

type LatencyStats struct {
	P50  time.Duration
	Mean time.Duration
	Max  time.Duration
}

// Summary is a snapshot derived from the records seen so far.
type Summary struct {
	Total      uint64
	Counts     map[probe.Result]uint64
	Errors     uint64
	Violations uint64
	Write      LatencyStats
	Read       LatencyStats
	Elapsed    time.Duration
	Reconnects map[string]int
}

// Attrs flattens the summary into slog key/value pairs.
func (s Summary) Attrs() []any {
	attrs := []any{"total", s.Total, "errors", s.Errors, "violations", s.Violations}
	for _, r := range probe.Results {
		attrs = append(attrs, r.String(), s.Counts[r])
	}
	attrs = append(attrs,
		"write_p50", s.Write.P50, "write_mean", s.Write.Mean, "write_max", s.Write.Max,
		"read_p50", s.Read.P50, "read_mean", s.Read.Mean, "read_max", s.Read.Max,
		"elapsed", s.Elapsed,
	)
	nodes := make([]string, 0, len(s.Reconnects))
	for node := range s.Reconnects {
		nodes = append(nodes, node)
	}
	sort.Strings(nodes)
	for _, node := range nodes {
		attrs = append(attrs, "reconnects_"+node, s.Reconnects[node])
	}
	return attrs
}

type Milestone struct {
	Count   uint64
	Elapsed time.Duration
	Summary Summary
}

type Reporter struct {
	mu         sync.Mutex
	clock      clock.Clock
	start      time.Time
	last       time.Time
	records    []probe.Record
	counts     map[probe.Result]uint64
	reconnects ReconnectSource

	everyN    uint64
	milestone func(Milestone)
}

// New starts the elapsed-time clock; Start restarts it. src may be nil.
func New(clk clock.Clock, src ReconnectSource) *Reporter {
	if clk == nil {
		clk = clock.New()
	}
	now := clk.Now()
	return &Reporter{
		clock:      clk,
		start:      now,
		last:       now,
		counts:     make(map[probe.Result]uint64),
		reconnects: src,
	}
}

// OnMilestone registers fn to run after every n-th record.
func (r *Reporter) OnMilestone(n uint64, fn func(Milestone)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.everyN = n
	r.milestone = fn
}

// Start restarts the elapsed-time clock, so setup work done between New
// and the first iteration is not counted.
func (r *Reporter) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock.Now()
	r.start = now
	r.last = now
}

func (r *Reporter) Record(rec probe.Record) {
	r.mu.Lock()
	r.records = append(r.records, rec)
	r.counts[rec.Result]++
	r.last = r.clock.Now()

	count := uint64(len(r.records))
	fn := r.milestone
	fire := fn != nil && r.everyN > 0 && count%r.everyN == 0
	var m Milestone
	if fire {
		s := r.summaryLocked()
		m = Milestone{Count: count, Elapsed: s.Elapsed, Summary: s}
	}
	r.mu.Unlock()

	if fire {
		fn(m)
	}
}

// Records returns a copy of the ordered record sequence.
func (r *Reporter) Records() []probe.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]probe.Record, len(r.records))
	copy(out, r.records)
	return out
}

func (r *Reporter) Summary() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.summaryLocked()
}

func (r *Reporter) summaryLocked() Summary {
	s := Summary{
		Total:   uint64(len(r.records)),
		Counts:  make(map[probe.Result]uint64, len(r.counts)),
		Elapsed: r.last.Sub(r.start),
	}
	for res, n := range r.counts {
		s.Counts[res] = n
		switch {
		case res.IsError():
			s.Errors += n
		case res.IsViolation():
			s.Violations += n
		}
	}

	writes := make([]time.Duration, 0, len(r.records))
	reads := make([]time.Duration, 0, len(r.records))
	for _, rec := range r.records {
		if rec.Result == probe.WriteError {
			continue
		}
		writes = append(writes, rec.WriteLatency)
		if rec.Result != probe.ReadError {
			reads = append(reads, rec.ReadLatency)
		}
	}
	s.Write = latencyStats(writes)
	s.Read = latencyStats(reads)

	if r.reconnects != nil {
		s.Reconnects = make(map[string]int)
		for _, node := range r.reconnects.Nodes() {
			s.Reconnects[node] = r.reconnects.Reconnects(node)
		}
	}
	return s
}

func latencyStats(values []time.Duration) LatencyStats {
	if len(values) == 0 {
		return LatencyStats{}
	}
	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })

	var sum time.Duration
	for _, v := range values {
		sum += v
	}
	return LatencyStats{
		P50:  percentile(values, 0.50),
		Mean: sum / time.Duration(len(values)),
		Max:  values[len(values)-1],
	}
}

// percentile uses the nearest-rank method on sorted values.
func percentile(values []time.Duration, p float64) time.Duration {
	if len(values) == 0 {
		return 0
	}
	if p <= 0 {
		return values[0]
	}
	if p >= 1 {
		return values[len(values)-1]
	}
	idx := int(math.Ceil(p*float64(len(values)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(values) {
		idx = len(values) - 1
	}
	return values[idx]
}
