package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"mgmtsystem/internal/domain"
	"mgmtsystem/internal/metrics"
	"mgmtsystem/internal/repo"
)

const defaultMaxAttempts = 5

// Mailer sends rendered messages either immediately or through the mail queue.
type Mailer struct {
	Repo        repo.Repo
	Transport   Transport
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
	Now         func() time.Time
	MaxAttempts int
}

func (m *Mailer) now() string {
	now := m.Now
	if now == nil {
		now = time.Now
	}
	return now().UTC().Format(time.RFC3339)
}

func (m *Mailer) logger() *slog.Logger {
	if m.Logger == nil {
		return slog.Default()
	}
	return m.Logger
}

func (m *Mailer) maxAttempts() int {
	if m.MaxAttempts <= 0 {
		return defaultMaxAttempts
	}
	return m.MaxAttempts
}

// Enqueue stores msg for the next queue flush using q, which may be an open
// transaction so the message only exists if the write that produced it commits.
func (m *Mailer) Enqueue(ctx context.Context, q repo.Querier, msg domain.MailMessage) (int64, error) {
	msg.CreatedAt = m.now()
	return m.Repo.EnqueueMail(ctx, q, msg)
}

// Send delivers msg. With force it is stored as sending, so no flush picks it
// up, and handed to the transport right away; a failed attempt goes back to
// the queue for retry. Otherwise it waits for FlushQueue.
func (m *Mailer) Send(ctx context.Context, msg domain.MailMessage, force bool) error {
	if force {
		msg.Status = repo.MailSending
	}
	id, err := m.Enqueue(ctx, m.Repo.DB, msg)
	if err != nil {
		return fmt.Errorf("enqueue mail: %w", err)
	}
	if !force {
		return nil
	}
	msg.ID = id
	return m.deliver(ctx, msg)
}

func (m *Mailer) deliver(ctx context.Context, msg domain.MailMessage) error {
	transport := m.Transport
	if transport == nil {
		transport = LogTransport{Logger: m.logger()}
	}
	if err := transport.Deliver(ctx, msg); err != nil {
		m.Metrics.IncMailDelivery(transport.Name(), "failed")
		if markErr := m.Repo.MarkMailFailed(ctx, msg.ID, err.Error(), m.maxAttempts()); markErr != nil {
			m.logger().ErrorContext(ctx, "mark mail failed", "id", msg.ID, "error", markErr)
		}
		return fmt.Errorf("deliver %s to %s: %w", msg.Template, msg.Recipient, err)
	}
	m.Metrics.IncMailDelivery(transport.Name(), "sent")
	return m.Repo.MarkMailSent(ctx, msg.ID, m.now())
}

// FlushQueue attempts delivery of every queued message once. Rows are claimed
// one at a time so concurrent flushes never deliver the same message twice.
func (m *Mailer) FlushQueue(ctx context.Context) (sent, failed int, err error) {
	queued, err := m.Repo.ListMail(ctx, repo.MailQueued, 0)
	if err != nil {
		return 0, 0, err
	}
	for _, msg := range queued {
		if ctx.Err() != nil {
			return sent, failed, ctx.Err()
		}
		claimed, err := m.Repo.ClaimMail(ctx, msg.ID)
		if err != nil {
			return sent, failed, fmt.Errorf("claim mail %d: %w", msg.ID, err)
		}
		if !claimed {
			continue
		}
		if err := m.deliver(ctx, msg); err != nil {
			failed++
			m.logger().WarnContext(ctx, "queued mail delivery failed", "id", msg.ID, "attempts", msg.Attempts+1, "error", err)
			continue
		}
		sent++
	}
	return sent, failed, nil
}
