package events

import (
	"context"
	"database/sql"

	"mgmtsystem/internal/domain"
)

const (
	TypeTracked = "nonconformity.tracked"

	SubtypeAnalysis = "analysis"
	SubtypePending  = "pending"
)

// TrackedFields are the nonconformity fields whose changes land in the activity log.
var TrackedFields = map[string]bool{
	"stage_id":       true,
	"kanban_state":   true,
	"user_id":        true,
	"author_user_id": true,
}

// Subtype tags a tracked change with a follow-up notification category when
// Predicate holds for the record after the change.
type Subtype struct {
	Name      string
	Field     string
	Predicate func(nc domain.Nonconformity) bool
}

func DefaultSubtypes() []Subtype {
	return []Subtype{
		{
			Name:      SubtypeAnalysis,
			Field:     "stage_id",
			Predicate: func(nc domain.Nonconformity) bool { return nc.State == domain.StateAnalysis },
		},
		{
			Name:      SubtypePending,
			Field:     "stage_id",
			Predicate: func(nc domain.Nonconformity) bool { return nc.State == domain.StatePending },
		},
	}
}

type Tracker struct {
	Writer   Writer
	Subtypes []Subtype
}

func NewTracker(w Writer) Tracker {
	return Tracker{Writer: w, Subtypes: DefaultSubtypes()}
}

// RecordChange logs a change of a tracked field and one event per matching
// subtype. It reports whether any subtype matched. Untracked fields and
// unchanged values are ignored.
func (t Tracker) RecordChange(ctx context.Context, tx *sql.Tx, nc domain.Nonconformity, actorID, field, oldValue, newValue string) (bool, error) {
	if !TrackedFields[field] || oldValue == newValue {
		return false, nil
	}
	err := t.Writer.Append(ctx, tx, TypeTracked, domain.ScopeNonconformity, nc.ID, actorID, Payload{
		"ref":   nc.Ref,
		"field": field,
		"old":   oldValue,
		"new":   newValue,
	})
	if err != nil {
		return false, err
	}
	matched := false
	for _, st := range t.Subtypes {
		if st.Field != field || st.Predicate == nil || !st.Predicate(nc) {
			continue
		}
		matched = true
		if err := t.Writer.Append(ctx, tx, "nonconformity."+st.Name, domain.ScopeNonconformity, nc.ID, actorID, Payload{
			"ref":      nc.Ref,
			"stage_id": nc.StageID,
			"state":    string(nc.State),
		}); err != nil {
			return matched, err
		}
	}
	return matched, nil
}
