package workflow

import (
	"errors"
	"fmt"
	"time"

	"mgmtsystem/internal/domain"
)

var ErrUnknownStage = errors.New("unknown stage")

// Change lists the fields a write sets. Nil means untouched; for optional
// references an empty string clears the value.
type Change struct {
	Name               *string
	Description        *string
	Reference          *string
	PartnerID          *string
	SystemID           *string
	SeverityID         *string
	DateDeadline       *string
	StageID            *string
	KanbanState        *domain.KanbanState
	Priority           *domain.Priority
	Analysis           *string
	ActionComments     *string
	EvaluationComments *string
	CompanyID          *string
	ResponsibleUserID  *string
	ManagerUserID      *string
	UserID             *string
	AuthorUserID       *string
	ImmediateActionID  *string
	CorrectiveActionID *string
	PreventiveActionID *string
	ActionIDs          *[]string
	AddActionIDs       []string
	RemoveActionIDs    []string
	CauseIDs           *[]string
	OriginIDs          *[]string
	ProcedureIDs       *[]string
}

// TouchesStage reports whether the write names the stage, even when the value
// is the current one.
func (c Change) TouchesStage() bool { return c.StageID != nil }

type EffectKind string

const (
	EffectOpenAction   EffectKind = "open_action"
	EffectSendTemplate EffectKind = "send_template"
)

// Effect is work the caller performs after the planned record is accepted.
type Effect struct {
	Kind     EffectKind
	ActionID string
	Template string
}

// Plan is the outcome of applying a change to one record.
type Plan struct {
	Before       domain.Nonconformity
	Record       domain.Nonconformity
	StageTouched bool
	WasNotOpen   bool
	Effects      []Effect
}

// StageChanged reports whether the record ends up in a different stage.
func (p Plan) StageChanged() bool { return p.Before.StageID != p.Record.StageID }

// Apply computes the record that results from writing ch onto before, together
// with the follow-up effects. actions must hold every action linked after the
// change; stages must hold the record's stages and the linked actions' stages.
func Apply(before domain.Nonconformity, ch Change, stages Stages, actions map[string]domain.Action, now time.Time) (Plan, error) {
	after := before
	copySlices(&after)
	assign(&after, ch)

	plan := Plan{Before: before, StageTouched: ch.TouchesStage()}
	if plan.StageTouched {
		plan.WasNotOpen = before.State.NotOpen()
		if before.KanbanState != domain.KanbanNormal {
			after.KanbanState = domain.KanbanNormal
		}
	}
	stage, ok := stages[after.StageID]
	if !ok || stage.Scope != domain.ScopeNonconformity {
		return Plan{}, fmt.Errorf("%w: %s", ErrUnknownStage, after.StageID)
	}
	after.State = stage.State
	after.WriteDate = now.UTC().Format(time.RFC3339)

	if plan.StageTouched {
		settleDates(&after, now)
		if after.State == domain.StateOpen && plan.WasNotOpen {
			for _, id := range after.LinkedActionIDs() {
				a, ok := actions[id]
				if !ok {
					return Plan{}, fmt.Errorf("linked action %s not loaded", id)
				}
				if stages[a.StageID].IsStarting {
					plan.Effects = append(plan.Effects, Effect{Kind: EffectOpenAction, ActionID: id})
				}
			}
		}
		if after.StageID != before.StageID && stage.MailTemplate != "" {
			plan.Effects = append(plan.Effects, Effect{Kind: EffectSendTemplate, Template: stage.MailTemplate})
		}
	}
	recomputeCounters(&after)
	plan.Record = after
	return plan, nil
}

// Prepare fills the derived fields of a record about to be inserted.
func Prepare(nc domain.Nonconformity, stages Stages, now time.Time) (domain.Nonconformity, error) {
	stage, ok := stages[nc.StageID]
	if !ok || stage.Scope != domain.ScopeNonconformity {
		return nc, fmt.Errorf("%w: %s", ErrUnknownStage, nc.StageID)
	}
	nc.State = stage.State
	settleDates(&nc, now)
	recomputeCounters(&nc)
	return nc, nil
}

// settleDates stamps the closing and cancel dates on entry to done and cancel
// and clears them on exit.
func settleDates(nc *domain.Nonconformity, now time.Time) {
	ts := now.UTC().Format(time.RFC3339)
	switch {
	case nc.State == domain.StateDone && nc.ClosingDate == nil:
		nc.ClosingDate = &ts
	case nc.State != domain.StateDone && nc.ClosingDate != nil:
		nc.ClosingDate = nil
	}
	switch {
	case nc.State == domain.StateCancel && nc.CancelDate == nil:
		nc.CancelDate = &ts
	case nc.State != domain.StateCancel && nc.CancelDate != nil:
		nc.CancelDate = nil
	}
}

func assign(nc *domain.Nonconformity, ch Change) {
	setString(&nc.Name, ch.Name)
	setString(&nc.Description, ch.Description)
	setString(&nc.Reference, ch.Reference)
	setOptional(&nc.PartnerID, ch.PartnerID)
	setOptional(&nc.SystemID, ch.SystemID)
	setOptional(&nc.SeverityID, ch.SeverityID)
	setOptional(&nc.DateDeadline, ch.DateDeadline)
	setString(&nc.StageID, ch.StageID)
	if ch.KanbanState != nil {
		nc.KanbanState = *ch.KanbanState
	}
	if ch.Priority != nil {
		nc.Priority = *ch.Priority
	}
	setString(&nc.Analysis, ch.Analysis)
	setString(&nc.ActionComments, ch.ActionComments)
	setString(&nc.EvaluationComments, ch.EvaluationComments)
	setString(&nc.CompanyID, ch.CompanyID)
	setString(&nc.ResponsibleUserID, ch.ResponsibleUserID)
	setString(&nc.ManagerUserID, ch.ManagerUserID)
	setString(&nc.UserID, ch.UserID)
	setString(&nc.AuthorUserID, ch.AuthorUserID)
	setOptional(&nc.ImmediateActionID, ch.ImmediateActionID)
	setOptional(&nc.CorrectiveActionID, ch.CorrectiveActionID)
	setOptional(&nc.PreventiveActionID, ch.PreventiveActionID)
	if ch.ActionIDs != nil {
		nc.ActionIDs = dedupe(*ch.ActionIDs)
	}
	if len(ch.AddActionIDs) > 0 {
		nc.ActionIDs = dedupe(append(nc.ActionIDs, ch.AddActionIDs...))
	}
	if len(ch.RemoveActionIDs) > 0 {
		nc.ActionIDs = without(nc.ActionIDs, ch.RemoveActionIDs)
	}
	if ch.CauseIDs != nil {
		nc.CauseIDs = dedupe(*ch.CauseIDs)
	}
	if ch.OriginIDs != nil {
		nc.OriginIDs = dedupe(*ch.OriginIDs)
	}
	if ch.ProcedureIDs != nil {
		nc.ProcedureIDs = dedupe(*ch.ProcedureIDs)
	}
}

func copySlices(nc *domain.Nonconformity) {
	nc.ActionIDs = append([]string(nil), nc.ActionIDs...)
	nc.CauseIDs = append([]string(nil), nc.CauseIDs...)
	nc.OriginIDs = append([]string(nil), nc.OriginIDs...)
	nc.ProcedureIDs = append([]string(nil), nc.ProcedureIDs...)
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setOptional(dst **string, v *string) {
	if v == nil {
		return
	}
	if *v == "" {
		*dst = nil
		return
	}
	s := *v
	*dst = &s
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	var out []string
	for _, v := range in {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func without(in, drop []string) []string {
	skip := make(map[string]struct{}, len(drop))
	for _, v := range drop {
		skip[v] = struct{}{}
	}
	var out []string
	for _, v := range in {
		if _, ok := skip[v]; !ok {
			out = append(out, v)
		}
	}
	return out
}
