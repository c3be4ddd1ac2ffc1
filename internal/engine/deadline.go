package engine

import (
	"fmt"
	"strings"
	"time"
)

// normalizeDeadline accepts RFC3339 or a bare YYYY-MM-DD (midnight UTC) and
// returns RFC3339 in UTC, the form the reminder sweep matches by date prefix.
// An empty input stays empty.
func normalizeDeadline(v string) (string, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return "", nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC().Format(time.RFC3339), nil
	}
	if t, err := time.Parse(time.DateOnly, v); err == nil {
		return t.UTC().Format(time.RFC3339), nil
	}
	return "", fmt.Errorf("invalid deadline %q: want RFC3339 or YYYY-MM-DD", v)
}
