package repo

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
)

// NextSequence draws the next value of a per-code counter. Values start at 1
// and never repeat within a code.
func (r Repo) NextSequence(ctx context.Context, tx *sql.Tx, code string) (int64, error) {
	if strings.TrimSpace(code) == "" {
		return 0, fmt.Errorf("sequence code required")
	}
	var seq int64
	err := tx.QueryRowContext(ctx, `INSERT INTO sequences(code, last_value) VALUES (?, 1)
ON CONFLICT(code) DO UPDATE SET last_value = sequences.last_value + 1
RETURNING last_value`, code).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("next sequence %s: %w", code, err)
	}
	return seq, nil
}

var seqToken = regexp.MustCompile(`\{seq(?::(\d+))?\}`)

// FormatSequence renders a reference such as "NC{seq:03}" or "NC-{year}-{seq}".
func FormatSequence(format string, year int, seq int64) string {
	if strings.TrimSpace(format) == "" {
		format = "{seq}"
	}
	out := strings.ReplaceAll(format, "{year}", fmt.Sprintf("%d", year))
	return seqToken.ReplaceAllStringFunc(out, func(token string) string {
		m := seqToken.FindStringSubmatch(token)
		if len(m) == 2 && m[1] != "" {
			width := 0
			_, _ = fmt.Sscanf(m[1], "%d", &width)
			if width > 0 {
				return fmt.Sprintf("%0*d", width, seq)
			}
		}
		return fmt.Sprintf("%d", seq)
	})
}
