package report

import (
	"bytes"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bit2swaz/syncprobe/internal/probe"
)

type fixedReconnects map[string]int

func (f fixedReconnects) Nodes() []string {
	return []string{"primary", "secondary"}
}

func (f fixedReconnects) Reconnects(node string) int {
	return f[node]
}

func rec(i uint64, res probe.Result, write, read time.Duration) probe.Record {
	return probe.Record{
		Iteration:    i,
		Key:          probe.KeyFor(i),
		Value:        probe.ValueFor(i),
		Result:       res,
		WriteLatency: write,
		ReadLatency:  read,
	}
}

func TestSummaryCounts(t *testing.T) {
	mock := clock.NewMock()
	r := New(mock, fixedReconnects{"secondary": 2})

	r.Record(rec(1, probe.FoundMatching, 2*time.Millisecond, time.Millisecond))
	mock.Add(time.Second)
	r.Record(rec(2, probe.NotFound, 4*time.Millisecond, 3*time.Millisecond))
	r.Record(rec(3, probe.FoundMismatching, 6*time.Millisecond, 5*time.Millisecond))
	r.Record(rec(4, probe.WriteError, 100*time.Millisecond, 0))
	mock.Add(time.Second)
	r.Record(rec(5, probe.ReadError, 8*time.Millisecond, 0))

	s := r.Summary()
	assert.Equal(t, uint64(5), s.Total)
	assert.Equal(t, uint64(1), s.Counts[probe.FoundMatching])
	assert.Equal(t, uint64(1), s.Counts[probe.NotFound])
	assert.Equal(t, uint64(2), s.Errors)
	assert.Equal(t, uint64(2), s.Violations)
	assert.Equal(t, 2*time.Second, s.Elapsed)
	assert.Equal(t, map[string]int{"primary": 0, "secondary": 2}, s.Reconnects)

	// The failed write is excluded from write latency; both failures are
	// excluded from read latency.
	assert.Equal(t, 4*time.Millisecond, s.Write.P50)
	assert.Equal(t, 5*time.Millisecond, s.Write.Mean)
	assert.Equal(t, 8*time.Millisecond, s.Write.Max)
	assert.Equal(t, 3*time.Millisecond, s.Read.P50)
	assert.Equal(t, 3*time.Millisecond, s.Read.Mean)
	assert.Equal(t, 5*time.Millisecond, s.Read.Max)
}

func TestSummaryEmpty(t *testing.T) {
	s := New(nil, nil).Summary()
	assert.Zero(t, s.Total)
	assert.Zero(t, s.Write)
	assert.Nil(t, s.Reconnects)
	assert.NotEmpty(t, s.Attrs())
}

func TestPercentileNearestRank(t *testing.T) {
	values := []time.Duration{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	assert.Equal(t, time.Duration(5), percentile(values, 0.5))
	assert.Equal(t, time.Duration(10), percentile(values, 0.95))
	assert.Equal(t, time.Duration(1), percentile(values, 0))
	assert.Equal(t, time.Duration(10), percentile(values, 1))
	assert.Zero(t, percentile(nil, 0.5))
}

func TestMilestones(t *testing.T) {
	mock := clock.NewMock()
	r := New(mock, nil)

	var got []Milestone
	r.OnMilestone(100, func(m Milestone) { got = append(got, m) })

	for i := uint64(1); i <= 250; i++ {
		mock.Add(10 * time.Millisecond)
		res := probe.FoundMatching
		if i%50 == 0 {
			res = probe.NotFound
		}
		r.Record(rec(i, res, time.Millisecond, time.Millisecond))
	}

	require.Len(t, got, 2)
	assert.Equal(t, uint64(100), got[0].Count)
	assert.Equal(t, time.Second, got[0].Elapsed)
	assert.Equal(t, uint64(2), got[0].Summary.Violations)
	assert.Equal(t, uint64(200), got[1].Count)
	assert.Equal(t, 2*time.Second, got[1].Elapsed)
	assert.Equal(t, uint64(4), got[1].Summary.Violations)
}

func TestStartExcludesSetupTime(t *testing.T) {
	mock := clock.NewMock()
	r := New(mock, nil)

	var got []Milestone
	r.OnMilestone(1, func(m Milestone) { got = append(got, m) })

	// Time spent truncating the table before the first iteration.
	mock.Add(5 * time.Second)
	r.Start()
	assert.Zero(t, r.Summary().Elapsed)

	mock.Add(time.Second)
	r.Record(rec(1, probe.FoundMatching, time.Millisecond, time.Millisecond))

	assert.Equal(t, time.Second, r.Summary().Elapsed)
	require.Len(t, got, 1)
	assert.Equal(t, time.Second, got[0].Elapsed)
}

func TestAttrsReconnectsSorted(t *testing.T) {
	s := Summary{Reconnects: map[string]int{"node3": 3, "node1": 1, "secondary": 0, "node2": 2}}
	want := []any{
		"reconnects_node1", 1,
		"reconnects_node2", 2,
		"reconnects_node3", 3,
		"reconnects_secondary", 0,
	}

	for i := 0; i < 20; i++ {
		attrs := s.Attrs()
		require.GreaterOrEqual(t, len(attrs), len(want))
		assert.Equal(t, want, attrs[len(attrs)-len(want):])
	}
}

func TestRecordsReturnsCopy(t *testing.T) {
	r := New(nil, nil)
	r.Record(rec(1, probe.FoundMatching, 0, 0))

	out := r.Records()
	out[0].Result = probe.ReadError

	assert.Equal(t, probe.FoundMatching, r.Records()[0].Result)
}

func TestWriteCSV(t *testing.T) {
	records := []probe.Record{
		rec(1, probe.FoundMatching, 1500*time.Microsecond, 250*time.Microsecond),
		{Iteration: 2, Key: "2", Value: probe.ValueFor(2), Result: probe.WriteError, Err: "begin failed: boom"},
	}
	records[0].Observed = records[0].Value

	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, records))

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "iteration", rows[0][0])
	assert.Equal(t, []string{"1", "1", probe.ValueFor(1), probe.ValueFor(1), "found_matching", "1.500", "0.250", ""}, rows[1])
	assert.Equal(t, "write_error", rows[2][4])
	assert.Equal(t, "begin failed: boom", rows[2][7])
}

func TestSaveCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "records.csv")
	require.NoError(t, SaveCSV(path, []probe.Record{rec(1, probe.NotFound, 0, 0)}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "not_found")
}
