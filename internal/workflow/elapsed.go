package workflow

import (
	"time"

	"mgmtsystem/internal/domain"
)

const day = 24 * time.Hour

// ElapsedDays returns the whole days between two RFC3339 timestamps, floored.
// A missing or unparsable endpoint yields 0.
func ElapsedDays(from, to string) int {
	if from == "" || to == "" {
		return 0
	}
	t1, err := time.Parse(time.RFC3339, from)
	if err != nil {
		return 0
	}
	t2, err := time.Parse(time.RFC3339, to)
	if err != nil {
		return 0
	}
	d := t2.Sub(t1)
	days := int(d / day)
	if d < 0 && d%day != 0 {
		days--
	}
	return days
}

func recomputeCounters(nc *domain.Nonconformity) {
	nc.DaysSinceUpdated = ElapsedDays(nc.CreateDate, nc.WriteDate)
	nc.NumberOfDaysToClose = 0
	if nc.ClosingDate != nil {
		nc.NumberOfDaysToClose = ElapsedDays(nc.CreateDate, *nc.ClosingDate)
	}
}
