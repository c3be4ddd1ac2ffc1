package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"mgmtsystem/internal/domain"
	"mgmtsystem/internal/events"
	"mgmtsystem/internal/notify"
	"mgmtsystem/internal/repo"
	"mgmtsystem/internal/workflow"
)

// NonconformityCreateOptions are parameters for creating a nonconformity. Ref
// is accepted for symmetry with stored records but always replaced by the
// next sequence value.
type NonconformityCreateOptions struct {
	ID                 string
	Ref                string
	Name               string
	Description        string
	Reference          string
	PartnerID          string
	SystemID           string
	DateDeadline       string
	StageID            string
	Priority           domain.Priority
	SeverityID         string
	CauseIDs           []string
	OriginIDs          []string
	ProcedureIDs       []string
	ImmediateActionID  string
	CorrectiveActionID string
	PreventiveActionID string
	ActionIDs          []string
	Analysis           string
	ActionComments     string
	EvaluationComments string
	CompanyID          string
	ResponsibleUserID  string
	ManagerUserID      string
	UserID             string
	AuthorUserID       string
	ActorID            string
}

func (e *Engine) CreateNonconformity(ctx context.Context, opts NonconformityCreateOptions) (domain.Nonconformity, error) {
	if strings.TrimSpace(opts.Description) == "" {
		return domain.Nonconformity{}, errors.New("description is required")
	}
	if len(opts.OriginIDs) == 0 {
		return domain.Nonconformity{}, errors.New("at least one origin is required")
	}
	if opts.ResponsibleUserID == "" || opts.ManagerUserID == "" {
		return domain.Nonconformity{}, errors.New("responsible and manager users are required")
	}
	if opts.ActorID == "" {
		return domain.Nonconformity{}, errors.New("actor is required")
	}
	if opts.Priority == "" {
		opts.Priority = domain.PriorityLow
	}
	if !opts.Priority.Valid() {
		return domain.Nonconformity{}, fmt.Errorf("invalid priority %q", opts.Priority)
	}
	deadline, err := normalizeDeadline(opts.DateDeadline)
	if err != nil {
		return domain.Nonconformity{}, err
	}
	opts.DateDeadline = deadline

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Nonconformity{}, err
	}
	defer tx.Rollback()

	stages, err := e.stages(ctx, tx)
	if err != nil {
		return domain.Nonconformity{}, err
	}
	stageID, err := e.initialStage(stages, opts.StageID)
	if err != nil {
		return domain.Nonconformity{}, err
	}
	now := e.now()
	ts := now.UTC().Format(time.RFC3339)
	seq, err := e.Repo.NextSequence(ctx, tx, e.Config.Sequence.Code)
	if err != nil {
		return domain.Nonconformity{}, err
	}

	nc := domain.Nonconformity{
		ID:                      opts.ID,
		Ref:                     repo.FormatSequence(e.Config.Sequence.Format, now.UTC().Year(), seq),
		Name:                    opts.Name,
		Description:             opts.Description,
		Reference:               opts.Reference,
		PartnerID:               optionalString(opts.PartnerID),
		SystemID:                optionalString(opts.SystemID),
		CreateDate:              ts,
		WriteDate:               ts,
		DateDeadline:            optionalString(opts.DateDeadline),
		StageID:                 stageID,
		KanbanState:             domain.KanbanNormal,
		Priority:                opts.Priority,
		SeverityID:              optionalString(opts.SeverityID),
		CauseIDs:                dedupe(opts.CauseIDs),
		OriginIDs:               dedupe(opts.OriginIDs),
		ProcedureIDs:            dedupe(opts.ProcedureIDs),
		ImmediateActionID:       optionalString(opts.ImmediateActionID),
		CorrectiveActionID:      optionalString(opts.CorrectiveActionID),
		PreventiveActionID:      optionalString(opts.PreventiveActionID),
		ActionIDs:               dedupe(opts.ActionIDs),
		Analysis:                opts.Analysis,
		ActionComments:          opts.ActionComments,
		EvaluationComments:      opts.EvaluationComments,
		CompanyID:               opts.CompanyID,
		ResponsibleUserID:       opts.ResponsibleUserID,
		ManagerUserID:           opts.ManagerUserID,
		UserID:                  opts.UserID,
		AuthorUserID:            opts.AuthorUserID,
		NumberOfNonconformities: 1,
	}
	if nc.ID == "" {
		nc.ID = uuid.NewString()
	}
	if nc.DateDeadline == nil {
		nc.DateDeadline = &ts
	}
	if nc.CompanyID == "" {
		nc.CompanyID = e.Config.Instance.CompanyID
	}
	if nc.UserID == "" {
		nc.UserID = opts.ActorID
	}
	if nc.AuthorUserID == "" {
		nc.AuthorUserID = opts.ActorID
	}
	nc, err = workflow.Prepare(nc, stages, now)
	if err != nil {
		return domain.Nonconformity{}, err
	}
	actions, err := e.linkedActions(ctx, tx, nc.LinkedActionIDs())
	if err != nil {
		return domain.Nonconformity{}, err
	}
	if err := e.check(nc, actions, stages); err != nil {
		return domain.Nonconformity{}, err
	}
	if err := e.Repo.EnsureUser(ctx, tx, opts.ActorID, ts); err != nil {
		return domain.Nonconformity{}, err
	}
	if err := e.Repo.InsertNonconformity(ctx, tx, nc); err != nil {
		return domain.Nonconformity{}, fmt.Errorf("insert nonconformity: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "nonconformity.created", entityNonconformity, nc.ID, opts.ActorID, events.Payload{
		"ref":      nc.Ref,
		"stage_id": nc.StageID,
		"state":    string(nc.State),
	}); err != nil {
		return domain.Nonconformity{}, err
	}
	if _, err := e.Tracker.RecordChange(ctx, tx, nc, opts.ActorID, "stage_id", "", nc.StageID); err != nil {
		return domain.Nonconformity{}, err
	}
	if tpl := stages[nc.StageID].MailTemplate; tpl != "" {
		if err := e.queueTemplate(ctx, tx, tpl, nc); err != nil {
			return domain.Nonconformity{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Nonconformity{}, err
	}
	e.Logger.InfoContext(ctx, "nonconformity created", "id", nc.ID, "ref", nc.Ref, "stage", nc.StageID)
	return nc, nil
}

func (e *Engine) initialStage(stages workflow.Stages, requested string) (string, error) {
	if requested != "" {
		return requested, nil
	}
	if id := e.Config.Defaults.Stage; id != "" {
		if _, ok := stages[id]; ok {
			return id, nil
		}
	}
	st, ok := stages.Starting(domain.ScopeNonconformity)
	if !ok {
		return "", fmt.Errorf("%w: no starting stage configured", workflow.ErrUnknownStage)
	}
	return st.ID, nil
}

// UpdateNonconformity writes ch onto a single record.
func (e *Engine) UpdateNonconformity(ctx context.Context, id string, ch workflow.Change, actorID string) (domain.Nonconformity, error) {
	res, err := e.UpdateNonconformities(ctx, []string{id}, ch, actorID)
	if err != nil {
		return domain.Nonconformity{}, err
	}
	return res[0], nil
}

// SetStage moves a record to another stage.
func (e *Engine) SetStage(ctx context.Context, id, stageID, actorID string) (domain.Nonconformity, error) {
	return e.UpdateNonconformity(ctx, id, workflow.Change{StageID: &stageID}, actorID)
}

// UpdateNonconformities applies the same change to every record in one
// transaction. A guard failure on any record leaves all of them untouched.
func (e *Engine) UpdateNonconformities(ctx context.Context, ids []string, ch workflow.Change, actorID string) ([]domain.Nonconformity, error) {
	if len(ids) == 0 {
		return nil, errors.New("no records to update")
	}
	if actorID == "" {
		return nil, errors.New("actor is required")
	}
	if ch.KanbanState != nil && !ch.KanbanState.Valid() {
		return nil, fmt.Errorf("invalid kanban state %q", *ch.KanbanState)
	}
	if ch.Priority != nil && !ch.Priority.Valid() {
		return nil, fmt.Errorf("invalid priority %q", *ch.Priority)
	}
	if ch.OriginIDs != nil && len(*ch.OriginIDs) == 0 {
		return nil, errors.New("at least one origin is required")
	}
	if ch.Description != nil && strings.TrimSpace(*ch.Description) == "" {
		return nil, errors.New("description is required")
	}
	if ch.DateDeadline != nil {
		deadline, err := normalizeDeadline(*ch.DateDeadline)
		if err != nil {
			return nil, err
		}
		ch.DateDeadline = &deadline
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	stages, err := e.stages(ctx, tx)
	if err != nil {
		return nil, err
	}
	now := e.now()
	if err := e.Repo.EnsureUser(ctx, tx, actorID, now.UTC().Format(time.RFC3339)); err != nil {
		return nil, err
	}
	var (
		out   []domain.Nonconformity
		plans []workflow.Plan
	)
	for _, id := range ids {
		plan, err := e.applyTx(ctx, tx, id, ch, stages, actorID, now)
		if err != nil {
			return nil, err
		}
		plans = append(plans, plan)
		out = append(out, plan.Record)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	for _, plan := range plans {
		if plan.StageChanged() {
			e.Metrics.IncTransition(string(plan.Before.State), string(plan.Record.State))
			e.Logger.InfoContext(ctx, "nonconformity stage changed",
				"id", plan.Record.ID, "ref", plan.Record.Ref,
				"from", plan.Before.StageID, "to", plan.Record.StageID)
		}
	}
	return out, nil
}

func (e *Engine) applyTx(ctx context.Context, tx *sql.Tx, id string, ch workflow.Change, stages workflow.Stages, actorID string, now time.Time) (workflow.Plan, error) {
	before, err := e.Repo.GetNonconformity(ctx, tx, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return workflow.Plan{}, fmt.Errorf("nonconformity %s: %w", id, err)
		}
		return workflow.Plan{}, err
	}
	actions, err := e.linkedActions(ctx, tx, candidateActionIDs(before, ch))
	if err != nil {
		return workflow.Plan{}, err
	}
	plan, err := workflow.Apply(before, ch, stages, actions, now)
	if err != nil {
		return workflow.Plan{}, err
	}
	after := plan.Record
	if plan.StageTouched {
		if err := e.check(after, actions, stages); err != nil {
			return workflow.Plan{}, err
		}
	}
	if err := e.Repo.UpdateNonconformity(ctx, tx, after); err != nil {
		return workflow.Plan{}, fmt.Errorf("update nonconformity %s: %w", id, err)
	}
	for _, eff := range plan.Effects {
		switch eff.Kind {
		case workflow.EffectOpenAction:
			if _, err := e.openActionTx(ctx, tx, actions[eff.ActionID], actorID); err != nil {
				return workflow.Plan{}, err
			}
		case workflow.EffectSendTemplate:
			if err := e.queueTemplate(ctx, tx, eff.Template, after); err != nil {
				return workflow.Plan{}, err
			}
		}
	}
	if err := e.Events.Append(ctx, tx, "nonconformity.updated", entityNonconformity, after.ID, actorID, events.Payload{
		"ref":      after.Ref,
		"stage_id": after.StageID,
		"state":    string(after.State),
	}); err != nil {
		return workflow.Plan{}, err
	}
	tracked := []struct{ field, old, new string }{
		{"stage_id", before.StageID, after.StageID},
		{"kanban_state", string(before.KanbanState), string(after.KanbanState)},
		{"user_id", before.UserID, after.UserID},
		{"author_user_id", before.AuthorUserID, after.AuthorUserID},
	}
	for _, t := range tracked {
		if _, err := e.Tracker.RecordChange(ctx, tx, after, actorID, t.field, t.old, t.new); err != nil {
			return workflow.Plan{}, err
		}
	}
	return plan, nil
}

func (e *Engine) check(nc domain.Nonconformity, actions map[string]domain.Action, stages workflow.Stages) error {
	err := workflow.Check(nc, actions, stages)
	var verr *workflow.ValidationError
	if errors.As(err, &verr) {
		e.Metrics.IncValidationFailure(verr.Rule)
	}
	return err
}

// linkedActions loads the given actions and fails when one does not exist.
func (e *Engine) linkedActions(ctx context.Context, q repo.Querier, ids []string) (map[string]domain.Action, error) {
	actions, err := e.Repo.GetActions(ctx, q, ids)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		if _, ok := actions[id]; !ok {
			return nil, fmt.Errorf("action %s: %w", id, repo.ErrNotFound)
		}
	}
	return actions, nil
}

// candidateActionIDs lists every action that may be linked once ch is applied.
func candidateActionIDs(before domain.Nonconformity, ch workflow.Change) []string {
	ids := before.LinkedActionIDs()
	if ch.ActionIDs != nil {
		ids = append(ids, *ch.ActionIDs...)
	}
	ids = append(ids, ch.AddActionIDs...)
	for _, p := range []*string{ch.ImmediateActionID, ch.CorrectiveActionID, ch.PreventiveActionID} {
		if p != nil && *p != "" {
			ids = append(ids, *p)
		}
	}
	return dedupe(ids)
}

func (e *Engine) queueTemplate(ctx context.Context, tx *sql.Tx, name string, nc domain.Nonconformity) error {
	msg, err := e.render(ctx, tx, name, nc)
	if err != nil {
		return err
	}
	if _, err := e.Mailer.Enqueue(ctx, tx, msg); err != nil {
		return fmt.Errorf("queue %s: %w", name, err)
	}
	return nil
}

func (e *Engine) render(ctx context.Context, q repo.Querier, name string, nc domain.Nonconformity) (domain.MailMessage, error) {
	recipient, err := e.Repo.GetUser(ctx, q, nc.ResponsibleUserID)
	if errors.Is(err, repo.ErrNotFound) {
		recipient = domain.User{ID: nc.ResponsibleUserID, Name: nc.ResponsibleUserID}
	} else if err != nil {
		return domain.MailMessage{}, err
	}
	deadline := ""
	if nc.DateDeadline != nil {
		deadline = dateOnly(*nc.DateDeadline)
	}
	return e.Templates.Render(name, notify.TemplateData{
		Record:    nc,
		Recipient: recipient,
		URL:       e.NonconformityURL(nc.ID),
		Deadline:  deadline,
	})
}

func (e *Engine) GetNonconformity(ctx context.Context, id string) (domain.Nonconformity, error) {
	return e.Repo.GetNonconformity(ctx, e.DB, id)
}

func (e *Engine) ListNonconformities(ctx context.Context, f repo.NonconformityFilters) ([]domain.Nonconformity, error) {
	return e.Repo.ListNonconformities(ctx, f)
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func dateOnly(ts string) string {
	if len(ts) >= 10 {
		return ts[:10]
	}
	return ts
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	var out []string
	for _, v := range in {
		v = strings.TrimSpace(v)
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
