package repo

import (
	"context"
	"database/sql"

	"mgmtsystem/internal/domain"
)

const (
	MailQueued  = "queued"
	MailSending = "sending"
	MailSent    = "sent"
	MailFailed  = "failed"
)

// EnqueueMail stores a rendered message and returns its id. The status
// defaults to queued; a message inserted as sending is invisible to flushes.
func (r Repo) EnqueueMail(ctx context.Context, q Querier, m domain.MailMessage) (int64, error) {
	status := m.Status
	if status == "" {
		status = MailQueued
	}
	res, err := q.ExecContext(ctx, `INSERT INTO mail_queue(template,entity_kind,entity_id,recipient,subject,body,status,attempts,created_at) VALUES (?,?,?,?,?,?,?,0,?)`,
		m.Template, m.EntityKind, m.EntityID, m.Recipient, m.Subject, m.Body, status, m.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListMail returns messages with the given status, oldest first; an empty status lists all.
func (r Repo) ListMail(ctx context.Context, status string, limit int) ([]domain.MailMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id,template,entity_kind,entity_id,recipient,subject,body,status,attempts,last_error,created_at,sent_at FROM mail_queue`
	var args []any
	if status != "" {
		query += ` WHERE status=?`
		args = append(args, status)
	}
	query += ` ORDER BY id ASC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.MailMessage
	for rows.Next() {
		var m domain.MailMessage
		var lastErr, sentAt sql.NullString
		if err := rows.Scan(&m.ID, &m.Template, &m.EntityKind, &m.EntityID, &m.Recipient, &m.Subject, &m.Body,
			&m.Status, &m.Attempts, &lastErr, &m.CreatedAt, &sentAt); err != nil {
			return nil, err
		}
		m.LastError = lastErr.String
		m.SentAt = sentAt.String
		res = append(res, m)
	}
	return res, rows.Err()
}

// ClaimMail moves a queued message to sending. It reports false when another
// flush or a forced send already holds the row.
func (r Repo) ClaimMail(ctx context.Context, id int64) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE mail_queue SET status=? WHERE id=? AND status=?`, MailSending, id, MailQueued)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r Repo) MarkMailSent(ctx context.Context, id int64, now string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE mail_queue SET status=?, attempts=attempts+1, last_error=NULL, sent_at=? WHERE id=?`, MailSent, now, id)
	return err
}

// MarkMailFailed records a failed attempt. The message goes back to queued
// until maxAttempts is reached.
func (r Repo) MarkMailFailed(ctx context.Context, id int64, reason string, maxAttempts int) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE mail_queue SET attempts=attempts+1, last_error=?,
status=CASE WHEN attempts+1 >= ? THEN ? ELSE ? END WHERE id=?`, reason, maxAttempts, MailFailed, MailQueued, id)
	return err
}
