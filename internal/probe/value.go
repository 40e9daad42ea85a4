package probe

import (
	"crypto/sha1"
	"encoding/hex"
	"strconv"
)

const valueLength = 32

func KeyFor(i uint64) string {
	return strconv.FormatUint(i, 10)
}

// ValueFor derives the value written for iteration i: the first 32 hex
// characters of the SHA-1 of its decimal form.
func ValueFor(i uint64) string {
	sum := sha1.Sum([]byte(KeyFor(i)))
	return hex.EncodeToString(sum[:])[:valueLength]
}

// Compare classifies what the secondary returned for a written value.
func Compare(value, observed string, found bool) Result {
	switch {
	case !found:
		return NotFound
	case observed != value:
		return FoundMismatching
	default:
		return FoundMatching
	}
}
