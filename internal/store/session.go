package store

import (
	"strings"
)

// ParseSet extracts the variable name and value from a SET statement such
// as "SET SESSION wsrep_sync_wait = 1" or "SET synchronous_commit TO
// remote_apply". The name is lower-cased; quotes around the value are
// dropped.
func ParseSet(stmt string) (name, value string, ok bool) {
	s := strings.TrimSpace(stmt)
	s = strings.TrimSuffix(s, ";")

	fields := strings.Fields(s)
	if len(fields) < 2 || !strings.EqualFold(fields[0], "SET") {
		return "", "", false
	}
	rest := strings.Join(fields[1:], " ")

	for _, scope := range []string{"SESSION ", "LOCAL ", "GLOBAL "} {
		if len(rest) > len(scope) && strings.EqualFold(rest[:len(scope)], scope) {
			rest = rest[len(scope):]
			break
		}
	}
	rest = strings.TrimPrefix(rest, "@@")

	if i := strings.Index(rest, "="); i >= 0 {
		name, value = rest[:i], rest[i+1:]
	} else {
		parts := strings.Fields(rest)
		if len(parts) != 3 || !strings.EqualFold(parts[1], "TO") {
			return "", "", false
		}
		name, value = parts[0], parts[2]
	}

	name = strings.ToLower(strings.TrimSpace(name))
	value = strings.Trim(strings.TrimSpace(value), `'"`)
	if name == "" {
		return "", "", false
	}
	return name, value, true
}
