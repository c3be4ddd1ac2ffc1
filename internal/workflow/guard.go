// Package workflow holds the nonconformity stage rules: the transition guard,
// the two-phase update planner and the derived day counters. Everything here is
// pure; persistence and side effects belong to the engine.
package workflow

import (
	"strings"

	"mgmtsystem/internal/domain"
)

const (
	RuleOpenRequiresActionComments  = "open_requires_action_comments"
	RuleDoneRequiresEvaluation      = "done_requires_evaluation_comments"
	RuleDoneRequiresActionsFinished = "done_requires_actions_finished"
)

const (
	msgOpenRequiresActionComments  = "Action plan comments are required in order to put a nonconformity In Progress."
	msgDoneRequiresEvaluation      = "Evaluation Comments are required in order to close a Nonconformity."
	msgDoneRequiresActionsFinished = "All actions must be done before closing a Nonconformity."
)

// ValidationError is returned when a record would be committed in a state its
// content does not allow. The whole write is abandoned.
type ValidationError struct {
	Rule     string
	Message  string
	RecordID string
}

func (e *ValidationError) Error() string { return e.Message }

// Stages indexes stages by id.
type Stages map[string]domain.Stage

func NewStages(items []domain.Stage) Stages {
	s := make(Stages, len(items))
	for _, st := range items {
		s[st.ID] = st
	}
	return s
}

// Starting returns the first starting stage of a scope by sequence.
func (s Stages) Starting(scope string) (domain.Stage, bool) {
	var (
		best  domain.Stage
		found bool
	)
	for _, st := range s {
		if st.Scope != scope || !st.IsStarting {
			continue
		}
		if !found || st.Sequence < best.Sequence || (st.Sequence == best.Sequence && st.ID < best.ID) {
			best = st
			found = true
		}
	}
	return best, found
}

// Check evaluates the stage constraints against the record as it would be
// committed. actions must contain every linked action.
func Check(nc domain.Nonconformity, actions map[string]domain.Action, stages Stages) error {
	switch nc.State {
	case domain.StateOpen:
		if blank(nc.ActionComments) {
			return &ValidationError{Rule: RuleOpenRequiresActionComments, Message: msgOpenRequiresActionComments, RecordID: nc.ID}
		}
	case domain.StateDone:
		if blank(nc.EvaluationComments) {
			return &ValidationError{Rule: RuleDoneRequiresEvaluation, Message: msgDoneRequiresEvaluation, RecordID: nc.ID}
		}
		for _, id := range nc.LinkedActionIDs() {
			a, ok := actions[id]
			if !ok || !stages[a.StageID].IsEnding {
				return &ValidationError{Rule: RuleDoneRequiresActionsFinished, Message: msgDoneRequiresActionsFinished, RecordID: nc.ID}
			}
		}
	}
	return nil
}

func blank(s string) bool {
	return strings.TrimSpace(s) == ""
}
