package repo

import (
	"context"
	"database/sql"

	"mgmtsystem/internal/domain"
)

// UpsertStages writes the configured stages, replacing existing definitions.
func (r Repo) UpsertStages(ctx context.Context, tx *sql.Tx, stages []domain.Stage) error {
	for _, st := range stages {
		_, err := tx.ExecContext(ctx, `INSERT INTO stages(id,name,scope,sequence,state,is_starting,is_ending,mail_template) VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, scope=excluded.scope, sequence=excluded.sequence, state=excluded.state,
is_starting=excluded.is_starting, is_ending=excluded.is_ending, mail_template=excluded.mail_template`,
			st.ID, st.Name, st.Scope, st.Sequence, string(st.State), boolInt(st.IsStarting), boolInt(st.IsEnding), nullable(st.MailTemplate))
		if err != nil {
			return err
		}
	}
	return nil
}

// ListStages returns stages ordered by scope and sequence; an empty scope lists all.
func (r Repo) ListStages(ctx context.Context, q Querier, scope string) ([]domain.Stage, error) {
	query := `SELECT id,name,scope,sequence,state,is_starting,is_ending,mail_template FROM stages`
	var args []any
	if scope != "" {
		query += ` WHERE scope=?`
		args = append(args, scope)
	}
	query += ` ORDER BY scope DESC, sequence ASC, id ASC`
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Stage
	for rows.Next() {
		var st domain.Stage
		var state string
		var starting, ending int
		var tpl sql.NullString
		if err := rows.Scan(&st.ID, &st.Name, &st.Scope, &st.Sequence, &state, &starting, &ending, &tpl); err != nil {
			return nil, err
		}
		st.State = domain.State(state)
		st.IsStarting = starting == 1
		st.IsEnding = ending == 1
		st.MailTemplate = tpl.String
		res = append(res, st)
	}
	return res, rows.Err()
}
