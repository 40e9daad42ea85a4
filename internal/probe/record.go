package probe

import "time"

type Result int

const (
	FoundMatching Result = iota
	FoundMismatching
	NotFound
	WriteError
	ReadError
)

// Results lists every result in declaration order.
var Results = []Result{FoundMatching, FoundMismatching, NotFound, WriteError, ReadError}

func (r Result) String() string {
	switch r {
	case FoundMatching:
		return "found_matching"
	case FoundMismatching:
		return "found_mismatching"
	case NotFound:
		return "not_found"
	case WriteError:
		return "write_error"
	case ReadError:
		return "read_error"
	default:
		return "unknown"
	}
}

// IsViolation reports whether the result is a consistency finding rather
// than an operational failure.
func (r Result) IsViolation() bool {
	return r == FoundMismatching || r == NotFound
}

func (r Result) IsError() bool {
	return r == WriteError || r == ReadError
}

// Record is the outcome of one probe iteration.
type Record struct {
	Iteration    uint64
	Key          string
	Value        string
	Observed     string
	WriteLatency time.Duration
	ReadLatency  time.Duration
	Result       Result
	Err          string
}
