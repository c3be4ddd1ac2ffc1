package engine

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"mgmtsystem/internal/events"
)

// ReminderResult summarises one deadline sweep.
type ReminderResult struct {
	Date    string `json:"date"`
	Matched int    `json:"matched"`
	Sent    int    `json:"sent"`
	Skipped int    `json:"skipped"`
	Failed  int    `json:"failed"`
}

// ProcessReminderQueue notifies the responsible user of every open
// nonconformity whose deadline is exactly days from today. A negative days
// uses the configured lookahead. A record already reminded for the same
// deadline date is skipped, so repeated sweeps on one day send once.
// Delivery failures are logged and counted; only store errors are returned.
func (e *Engine) ProcessReminderQueue(ctx context.Context, days int) (ReminderResult, error) {
	start := time.Now()
	defer func() { e.Metrics.ObserveSweep(time.Since(start)) }()

	if days < 0 {
		days = e.Config.Reminders.LookaheadDays
	}
	target := e.now().UTC().AddDate(0, 0, days).Format("2006-01-02")
	res := ReminderResult{Date: target}
	candidates, err := e.Repo.ReminderCandidates(ctx, e.DB, target, e.Config.Reminders.CloseStage, e.Config.Reminders.ActionCloseStage)
	if err != nil {
		return res, fmt.Errorf("select reminder candidates: %w", err)
	}
	res.Matched = len(candidates)
	logger := e.Logger.With("sweep_date", target)
	for _, nc := range candidates {
		reminded, err := e.Repo.ReminderSent(ctx, e.DB, nc.ID, target)
		if err != nil {
			return res, fmt.Errorf("check reminder history: %w", err)
		}
		if reminded {
			res.Skipped++
			continue
		}
		msg, err := e.render(ctx, e.DB, e.Config.Reminders.Template, nc)
		if err == nil {
			err = e.Mailer.Send(ctx, msg, true)
		}
		if err != nil {
			res.Failed++
			e.Metrics.IncReminder("failed")
			logger.WarnContext(ctx, "reminder not delivered", "id", nc.ID, "ref", nc.Ref, "error", err)
			continue
		}
		res.Sent++
		e.Metrics.IncReminder("sent")
		if err := e.Repo.WithTx(ctx, func(tx *sql.Tx) error {
			return e.Events.Append(ctx, tx, "nonconformity.reminder_sent", entityNonconformity, nc.ID, "system", events.Payload{
				"ref":       nc.Ref,
				"recipient": msg.Recipient,
				"deadline":  target,
			})
		}); err != nil {
			logger.WarnContext(ctx, "record reminder event failed", "id", nc.ID, "error", err)
		}
	}
	logger.InfoContext(ctx, "reminder sweep finished", "matched", res.Matched, "sent", res.Sent, "skipped", res.Skipped, "failed", res.Failed)
	return res, nil
}

// FlushMail delivers queued notifications.
func (e *Engine) FlushMail(ctx context.Context) (sent, failed int, err error) {
	return e.Mailer.FlushQueue(ctx)
}
