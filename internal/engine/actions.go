package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"mgmtsystem/internal/domain"
	"mgmtsystem/internal/events"
	"mgmtsystem/internal/repo"
	"mgmtsystem/internal/workflow"
)

var validActionTypes = map[string]bool{
	"immediate":   true,
	"corrective":  true,
	"preventive":  true,
	"improvement": true,
}

type ActionCreateOptions struct {
	ID                string
	Name              string
	Type              string
	StageID           string
	ResponsibleUserID string
	DateDeadline      string
	ActorID           string
}

func (e *Engine) CreateAction(ctx context.Context, opts ActionCreateOptions) (domain.Action, error) {
	if strings.TrimSpace(opts.Name) == "" {
		return domain.Action{}, errors.New("name is required")
	}
	if opts.Type == "" {
		opts.Type = "corrective"
	}
	if !validActionTypes[opts.Type] {
		return domain.Action{}, fmt.Errorf("invalid action type %q", opts.Type)
	}
	if opts.ActorID == "" {
		return domain.Action{}, errors.New("actor is required")
	}
	deadline, err := normalizeDeadline(opts.DateDeadline)
	if err != nil {
		return domain.Action{}, err
	}
	opts.DateDeadline = deadline
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Action{}, err
	}
	defer tx.Rollback()

	stages, err := e.stages(ctx, tx)
	if err != nil {
		return domain.Action{}, err
	}
	stageID := opts.StageID
	if stageID == "" {
		st, ok := stages.Starting(domain.ScopeAction)
		if !ok {
			return domain.Action{}, fmt.Errorf("%w: no starting action stage configured", workflow.ErrUnknownStage)
		}
		stageID = st.ID
	}
	if st, ok := stages[stageID]; !ok || st.Scope != domain.ScopeAction {
		return domain.Action{}, fmt.Errorf("%w: %s", workflow.ErrUnknownStage, stageID)
	}
	a := domain.Action{
		ID:                opts.ID,
		Name:              opts.Name,
		Type:              opts.Type,
		StageID:           stageID,
		ResponsibleUserID: optionalString(opts.ResponsibleUserID),
		DateDeadline:      optionalString(opts.DateDeadline),
		CreateDate:        e.stamp(),
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if err := e.Repo.InsertAction(ctx, tx, a); err != nil {
		return domain.Action{}, fmt.Errorf("insert action: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "action.created", entityAction, a.ID, opts.ActorID, events.Payload{
		"type":     a.Type,
		"stage_id": a.StageID,
	}); err != nil {
		return domain.Action{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Action{}, err
	}
	return a, nil
}

// OpenAction moves an action to the configured open stage and stamps date_open.
func (e *Engine) OpenAction(ctx context.Context, id, actorID string) (domain.Action, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Action{}, err
	}
	defer tx.Rollback()
	a, err := e.Repo.GetAction(ctx, tx, id)
	if err != nil {
		return domain.Action{}, fmt.Errorf("action %s: %w", id, err)
	}
	a, err = e.openActionTx(ctx, tx, a, actorID)
	if err != nil {
		return domain.Action{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Action{}, err
	}
	return a, nil
}

func (e *Engine) openActionTx(ctx context.Context, tx *sql.Tx, a domain.Action, actorID string) (domain.Action, error) {
	from := a.StageID
	a.StageID = e.Config.Defaults.ActionOpenStage
	ts := e.stamp()
	a.DateOpen = &ts
	if err := e.Repo.UpdateAction(ctx, tx, a); err != nil {
		return domain.Action{}, fmt.Errorf("open action %s: %w", a.ID, err)
	}
	if err := e.Events.Append(ctx, tx, "action.opened", entityAction, a.ID, actorID, events.Payload{
		"from": from,
		"to":   a.StageID,
	}); err != nil {
		return domain.Action{}, err
	}
	e.Metrics.IncActionOpened()
	return a, nil
}

// SetActionStage moves an action to any action stage. Entering an ending stage
// stamps date_closed; leaving one clears it.
func (e *Engine) SetActionStage(ctx context.Context, id, stageID, actorID string) (domain.Action, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Action{}, err
	}
	defer tx.Rollback()
	stages, err := e.stages(ctx, tx)
	if err != nil {
		return domain.Action{}, err
	}
	st, ok := stages[stageID]
	if !ok || st.Scope != domain.ScopeAction {
		return domain.Action{}, fmt.Errorf("%w: %s", workflow.ErrUnknownStage, stageID)
	}
	a, err := e.Repo.GetAction(ctx, tx, id)
	if err != nil {
		return domain.Action{}, fmt.Errorf("action %s: %w", id, err)
	}
	from := a.StageID
	a.StageID = stageID
	ts := e.stamp()
	switch {
	case st.IsEnding && a.DateClosed == nil:
		a.DateClosed = &ts
	case !st.IsEnding:
		a.DateClosed = nil
	}
	if st.State == domain.StateOpen && a.DateOpen == nil {
		a.DateOpen = &ts
	}
	if err := e.Repo.UpdateAction(ctx, tx, a); err != nil {
		return domain.Action{}, err
	}
	if err := e.Events.Append(ctx, tx, "action.stage_changed", entityAction, a.ID, actorID, events.Payload{
		"from": from,
		"to":   stageID,
	}); err != nil {
		return domain.Action{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Action{}, err
	}
	return a, nil
}

func (e *Engine) GetAction(ctx context.Context, id string) (domain.Action, error) {
	return e.Repo.GetAction(ctx, e.DB, id)
}

func (e *Engine) ListActions(ctx context.Context, f repo.ActionFilters) ([]domain.Action, error) {
	return e.Repo.ListActions(ctx, f)
}
