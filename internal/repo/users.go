package repo

import (
	"context"
	"database/sql"
	"errors"

	"mgmtsystem/internal/domain"
)

// EnsureUser records an acting user id without overwriting a known profile.
func (r Repo) EnsureUser(ctx context.Context, tx *sql.Tx, id, now string) error {
	if id == "" {
		return errors.New("user id required")
	}
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO users(id, name, created_at) VALUES (?,?,?)`, id, id, now)
	return err
}

func (r Repo) UpsertUser(ctx context.Context, u domain.User, now string) error {
	if u.ID == "" {
		return errors.New("user id required")
	}
	if u.Name == "" {
		u.Name = u.ID
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO users(id, name, email, created_at) VALUES (?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, email=excluded.email`, u.ID, u.Name, nullable(u.Email), now)
	return err
}

func (r Repo) GetUser(ctx context.Context, q Querier, id string) (domain.User, error) {
	var u domain.User
	var email sql.NullString
	err := q.QueryRowContext(ctx, `SELECT id,name,email FROM users WHERE id=?`, id).Scan(&u.ID, &u.Name, &email)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	u.Email = email.String
	return u, err
}

func (r Repo) ListUsers(ctx context.Context) ([]domain.User, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,email FROM users ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		var u domain.User
		var email sql.NullString
		if err := rows.Scan(&u.ID, &u.Name, &email); err != nil {
			return nil, err
		}
		u.Email = email.String
		res = append(res, u)
	}
	return res, rows.Err()
}
