package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"mgmtsystem/internal/domain"
)

const actionColumns = `id,name,type,stage_id,responsible_user_id,date_deadline,date_open,date_closed,create_date`

func (r Repo) InsertAction(ctx context.Context, tx *sql.Tx, a domain.Action) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO actions(`+actionColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		a.ID, a.Name, a.Type, a.StageID, nullableStringPtr(a.ResponsibleUserID), nullableStringPtr(a.DateDeadline),
		nullableStringPtr(a.DateOpen), nullableStringPtr(a.DateClosed), a.CreateDate)
	return err
}

func (r Repo) UpdateAction(ctx context.Context, tx *sql.Tx, a domain.Action) error {
	res, err := tx.ExecContext(ctx, `UPDATE actions SET name=?, type=?, stage_id=?, responsible_user_id=?, date_deadline=?, date_open=?, date_closed=? WHERE id=?`,
		a.Name, a.Type, a.StageID, nullableStringPtr(a.ResponsibleUserID), nullableStringPtr(a.DateDeadline),
		nullableStringPtr(a.DateOpen), nullableStringPtr(a.DateClosed), a.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetAction(ctx context.Context, q Querier, id string) (domain.Action, error) {
	row := q.QueryRowContext(ctx, `SELECT `+actionColumns+` FROM actions WHERE id=?`, id)
	a, err := scanAction(row)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

// GetActions loads the given actions keyed by id. Unknown ids are absent from the map.
func (r Repo) GetActions(ctx context.Context, q Querier, ids []string) (map[string]domain.Action, error) {
	res := map[string]domain.Action{}
	if len(ids) == 0 {
		return res, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids))
	for _, id := range ids {
		args = append(args, id)
	}
	rows, err := q.QueryContext(ctx, `SELECT `+actionColumns+` FROM actions WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		res[a.ID] = a
	}
	return res, rows.Err()
}

type ActionFilters struct {
	StageID string
	Type    string
	Limit   int
}

func (r Repo) ListActions(ctx context.Context, f ActionFilters) ([]domain.Action, error) {
	query := `SELECT ` + actionColumns + ` FROM actions`
	var clauses []string
	var args []any
	if f.StageID != "" {
		clauses = append(clauses, "stage_id=?")
		args = append(args, f.StageID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY create_date ASC, id ASC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Action
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func scanAction(s scanner) (domain.Action, error) {
	var a domain.Action
	var resp, deadline, open, closed sql.NullString
	if err := s.Scan(&a.ID, &a.Name, &a.Type, &a.StageID, &resp, &deadline, &open, &closed, &a.CreateDate); err != nil {
		return a, err
	}
	a.ResponsibleUserID = stringPtr(resp)
	a.DateDeadline = stringPtr(deadline)
	a.DateOpen = stringPtr(open)
	a.DateClosed = stringPtr(closed)
	return a, nil
}
