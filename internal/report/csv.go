package report

import (
	"encoding/csv"
	"io"
	"os"
	"strconv"

	"github.com/bit2swaz/syncprobe/internal/probe"
)

// WriteCSV writes records to CSV with a fixed column order. Latencies are
// in milliseconds.
func WriteCSV(w io.Writer, records []probe.Record) error {
	writer := csv.NewWriter(w)
	defer writer.Flush()

	header := []string{
		"iteration",
		"key",
		"value",
		"observed",
		"result",
		"write_ms",
		"read_ms",
		"error",
	}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, r := range records {
		record := []string{
			strconv.FormatUint(r.Iteration, 10),
			r.Key,
			r.Value,
			r.Observed,
			r.Result.String(),
			strconv.FormatFloat(float64(r.WriteLatency.Microseconds())/1000, 'f', 3, 64),
			strconv.FormatFloat(float64(r.ReadLatency.Microseconds())/1000, 'f', 3, 64),
			r.Err,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

// SaveCSV writes records to path, replacing any existing file.
func SaveCSV(path string, records []probe.Record) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteCSV(f, records); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
