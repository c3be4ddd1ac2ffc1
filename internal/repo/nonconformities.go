package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"mgmtsystem/internal/domain"
)

const ncColumns = `id,ref,name,description,reference,partner_id,system_id,create_date,write_date,date_deadline,closing_date,cancel_date,
stage_id,state,kanban_state,priority,severity_id,immediate_action_id,corrective_action_id,preventive_action_id,
analysis,action_comments,evaluation_comments,company_id,responsible_user_id,manager_user_id,user_id,author_user_id,
number_of_nonconformities,days_since_updated,number_of_days_to_close`

func (r Repo) InsertNonconformity(ctx context.Context, tx *sql.Tx, nc domain.Nonconformity) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO nonconformities(`+ncColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		nc.ID, nc.Ref, nullable(nc.Name), nc.Description, nullable(nc.Reference),
		nullableStringPtr(nc.PartnerID), nullableStringPtr(nc.SystemID), nc.CreateDate, nc.WriteDate,
		nullableStringPtr(nc.DateDeadline), nullableStringPtr(nc.ClosingDate), nullableStringPtr(nc.CancelDate),
		nc.StageID, string(nc.State), string(nc.KanbanState), string(nc.Priority), nullableStringPtr(nc.SeverityID),
		nullableStringPtr(nc.ImmediateActionID), nullableStringPtr(nc.CorrectiveActionID), nullableStringPtr(nc.PreventiveActionID),
		nullable(nc.Analysis), nullable(nc.ActionComments), nullable(nc.EvaluationComments), nullable(nc.CompanyID),
		nc.ResponsibleUserID, nc.ManagerUserID, nc.UserID, nc.AuthorUserID,
		nc.NumberOfNonconformities, nc.DaysSinceUpdated, nc.NumberOfDaysToClose)
	if err != nil {
		return err
	}
	return r.replaceLinks(ctx, tx, nc)
}

func (r Repo) UpdateNonconformity(ctx context.Context, tx *sql.Tx, nc domain.Nonconformity) error {
	res, err := tx.ExecContext(ctx, `UPDATE nonconformities SET name=?, description=?, reference=?, partner_id=?, system_id=?,
write_date=?, date_deadline=?, closing_date=?, cancel_date=?, stage_id=?, state=?, kanban_state=?, priority=?, severity_id=?,
immediate_action_id=?, corrective_action_id=?, preventive_action_id=?, analysis=?, action_comments=?, evaluation_comments=?,
company_id=?, responsible_user_id=?, manager_user_id=?, user_id=?, author_user_id=?,
days_since_updated=?, number_of_days_to_close=? WHERE id=?`,
		nullable(nc.Name), nc.Description, nullable(nc.Reference), nullableStringPtr(nc.PartnerID), nullableStringPtr(nc.SystemID),
		nc.WriteDate, nullableStringPtr(nc.DateDeadline), nullableStringPtr(nc.ClosingDate), nullableStringPtr(nc.CancelDate),
		nc.StageID, string(nc.State), string(nc.KanbanState), string(nc.Priority), nullableStringPtr(nc.SeverityID),
		nullableStringPtr(nc.ImmediateActionID), nullableStringPtr(nc.CorrectiveActionID), nullableStringPtr(nc.PreventiveActionID),
		nullable(nc.Analysis), nullable(nc.ActionComments), nullable(nc.EvaluationComments), nullable(nc.CompanyID),
		nc.ResponsibleUserID, nc.ManagerUserID, nc.UserID, nc.AuthorUserID,
		nc.DaysSinceUpdated, nc.NumberOfDaysToClose, nc.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return r.replaceLinks(ctx, tx, nc)
}

func (r Repo) replaceLinks(ctx context.Context, tx *sql.Tx, nc domain.Nonconformity) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM nonconformity_actions WHERE nonconformity_id=?`, nc.ID); err != nil {
		return err
	}
	for i, id := range nc.ActionIDs {
		if _, err := tx.ExecContext(ctx, `INSERT INTO nonconformity_actions(nonconformity_id, action_id, position) VALUES (?,?,?)`, nc.ID, id, i); err != nil {
			return fmt.Errorf("link action %s: %w", id, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM nonconformity_refs WHERE nonconformity_id=?`, nc.ID); err != nil {
		return err
	}
	refs := []struct {
		kind string
		ids  []string
	}{
		{"cause", nc.CauseIDs},
		{"origin", nc.OriginIDs},
		{"procedure", nc.ProcedureIDs},
	}
	for _, set := range refs {
		for i, id := range set.ids {
			if _, err := tx.ExecContext(ctx, `INSERT INTO nonconformity_refs(nonconformity_id, kind, ref_id, position) VALUES (?,?,?,?)`, nc.ID, set.kind, id, i); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r Repo) GetNonconformity(ctx context.Context, q Querier, id string) (domain.Nonconformity, error) {
	row := q.QueryRowContext(ctx, `SELECT `+ncColumns+` FROM nonconformities WHERE id=?`, id)
	nc, err := scanNonconformity(row)
	if err == sql.ErrNoRows {
		return nc, ErrNotFound
	}
	if err != nil {
		return nc, err
	}
	if err := r.loadLinks(ctx, q, &nc); err != nil {
		return nc, err
	}
	return nc, nil
}

func (r Repo) loadLinks(ctx context.Context, q Querier, nc *domain.Nonconformity) error {
	rows, err := q.QueryContext(ctx, `SELECT action_id FROM nonconformity_actions WHERE nonconformity_id=? ORDER BY position, action_id`, nc.ID)
	if err != nil {
		return err
	}
	nc.ActionIDs = nil
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		nc.ActionIDs = append(nc.ActionIDs, id)
	}
	if err := rows.Close(); err != nil {
		return err
	}
	rows, err = q.QueryContext(ctx, `SELECT kind, ref_id FROM nonconformity_refs WHERE nonconformity_id=? ORDER BY kind, position`, nc.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	nc.CauseIDs, nc.OriginIDs, nc.ProcedureIDs = nil, nil, nil
	for rows.Next() {
		var kind, id string
		if err := rows.Scan(&kind, &id); err != nil {
			return err
		}
		switch kind {
		case "cause":
			nc.CauseIDs = append(nc.CauseIDs, id)
		case "origin":
			nc.OriginIDs = append(nc.OriginIDs, id)
		case "procedure":
			nc.ProcedureIDs = append(nc.ProcedureIDs, id)
		}
	}
	return rows.Err()
}

type NonconformityFilters struct {
	StageID           string
	State             string
	ResponsibleUserID string
	Limit             int
}

func (r Repo) ListNonconformities(ctx context.Context, f NonconformityFilters) ([]domain.Nonconformity, error) {
	query := `SELECT ` + ncColumns + ` FROM nonconformities`
	var clauses []string
	var args []any
	if f.StageID != "" {
		clauses = append(clauses, "stage_id=?")
		args = append(args, f.StageID)
	}
	if f.State != "" {
		clauses = append(clauses, "state=?")
		args = append(args, f.State)
	}
	if f.ResponsibleUserID != "" {
		clauses = append(clauses, "responsible_user_id=?")
		args = append(args, f.ResponsibleUserID)
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY create_date ASC, ref ASC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	return r.queryNonconformities(ctx, r.DB, query, args...)
}

// ReminderCandidates selects nonconformities outside closeStage whose deadline
// falls on day (YYYY-MM-DD) and which have at least one linked action outside
// actionCloseStage, or no linked actions at all.
func (r Repo) ReminderCandidates(ctx context.Context, q Querier, day, closeStage, actionCloseStage string) ([]domain.Nonconformity, error) {
	query := `WITH linked AS (
  SELECT nonconformity_id AS nc_id, action_id FROM nonconformity_actions
  UNION SELECT id, immediate_action_id FROM nonconformities WHERE immediate_action_id IS NOT NULL
  UNION SELECT id, corrective_action_id FROM nonconformities WHERE corrective_action_id IS NOT NULL
  UNION SELECT id, preventive_action_id FROM nonconformities WHERE preventive_action_id IS NOT NULL
)
SELECT ` + ncColumns + ` FROM nonconformities n
WHERE n.stage_id <> ?
  AND n.date_deadline IS NOT NULL
  AND substr(n.date_deadline, 1, 10) = ?
  AND (
    NOT EXISTS (SELECT 1 FROM linked l WHERE l.nc_id = n.id)
    OR EXISTS (SELECT 1 FROM linked l JOIN actions a ON a.id = l.action_id WHERE l.nc_id = n.id AND a.stage_id <> ?)
  )
ORDER BY n.ref ASC`
	return r.queryNonconformities(ctx, q, query, closeStage, day, actionCloseStage)
}

func (r Repo) queryNonconformities(ctx context.Context, q Querier, query string, args ...any) ([]domain.Nonconformity, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var res []domain.Nonconformity
	for rows.Next() {
		nc, err := scanNonconformity(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		res = append(res, nc)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		if err := r.loadLinks(ctx, q, &res[i]); err != nil {
			return nil, err
		}
	}
	return res, nil
}

func scanNonconformity(s scanner) (domain.Nonconformity, error) {
	var nc domain.Nonconformity
	var name, reference, partner, system, deadline, closing, cancel, severity sql.NullString
	var immediate, corrective, preventive, analysis, actionComments, evaluation, company sql.NullString
	var state, kanban, priority string
	err := s.Scan(&nc.ID, &nc.Ref, &name, &nc.Description, &reference, &partner, &system, &nc.CreateDate, &nc.WriteDate,
		&deadline, &closing, &cancel, &nc.StageID, &state, &kanban, &priority, &severity,
		&immediate, &corrective, &preventive, &analysis, &actionComments, &evaluation, &company,
		&nc.ResponsibleUserID, &nc.ManagerUserID, &nc.UserID, &nc.AuthorUserID,
		&nc.NumberOfNonconformities, &nc.DaysSinceUpdated, &nc.NumberOfDaysToClose)
	if err != nil {
		return nc, err
	}
	nc.Name = name.String
	nc.Reference = reference.String
	nc.PartnerID = stringPtr(partner)
	nc.SystemID = stringPtr(system)
	nc.DateDeadline = stringPtr(deadline)
	nc.ClosingDate = stringPtr(closing)
	nc.CancelDate = stringPtr(cancel)
	nc.State = domain.State(state)
	nc.KanbanState = domain.KanbanState(kanban)
	nc.Priority = domain.Priority(priority)
	nc.SeverityID = stringPtr(severity)
	nc.ImmediateActionID = stringPtr(immediate)
	nc.CorrectiveActionID = stringPtr(corrective)
	nc.PreventiveActionID = stringPtr(preventive)
	nc.Analysis = analysis.String
	nc.ActionComments = actionComments.String
	nc.EvaluationComments = evaluation.String
	nc.CompanyID = company.String
	return nc, nil
}
