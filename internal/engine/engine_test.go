package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mgmtsystem/internal/config"
	"mgmtsystem/internal/db"
	"mgmtsystem/internal/domain"
	"mgmtsystem/internal/engine"
	"mgmtsystem/internal/metrics"
	"mgmtsystem/internal/migrate"
	"mgmtsystem/internal/repo"
	"mgmtsystem/internal/workflow"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type outbox struct {
	mu   sync.Mutex
	msgs []domain.MailMessage
	fail bool
}

func (o *outbox) Name() string { return "outbox" }

func (o *outbox) Deliver(_ context.Context, msg domain.MailMessage) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.fail {
		return errors.New("relay unavailable")
	}
	o.msgs = append(o.msgs, msg)
	return nil
}

func (o *outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.msgs)
}

type testEnv struct {
	Engine  *engine.Engine
	Ctx     context.Context
	Clock   *clock
	Outbox  *outbox
	Metrics *metrics.Metrics
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	_, err = migrate.Migrate(ctx, conn)
	require.NoError(t, err)

	clk := &clock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	box := &outbox{}
	m := metrics.New()
	eng, err := engine.New(conn, config.Default(),
		engine.WithClock(clk.Now),
		engine.WithTransport(box),
		engine.WithMetrics(m),
	)
	require.NoError(t, err)
	require.NoError(t, eng.SeedStages(ctx))
	require.NoError(t, eng.Repo.UpsertUser(ctx, domain.User{ID: "alice", Name: "Alice", Email: "alice@example.com"}, clk.Now().Format(time.RFC3339)))
	return testEnv{Engine: eng, Ctx: ctx, Clock: clk, Outbox: box, Metrics: m}
}

func (env testEnv) create(t *testing.T, mutate func(*engine.NonconformityCreateOptions)) domain.Nonconformity {
	t.Helper()
	opts := engine.NonconformityCreateOptions{
		Description:       "Label missing on batch 42",
		OriginIDs:         []string{"internal-audit"},
		ResponsibleUserID: "alice",
		ManagerUserID:     "bob",
		ActorID:           "carol",
	}
	if mutate != nil {
		mutate(&opts)
	}
	nc, err := env.Engine.CreateNonconformity(env.Ctx, opts)
	require.NoError(t, err)
	return nc
}

func (env testEnv) action(t *testing.T, stage string) domain.Action {
	t.Helper()
	a, err := env.Engine.CreateAction(env.Ctx, engine.ActionCreateOptions{Name: "fix " + stage, StageID: stage, ActorID: "carol"})
	require.NoError(t, err)
	return a
}

func (env testEnv) eventTypes(t *testing.T, entityID string) []string {
	t.Helper()
	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, repo.EventFilters{EntityID: entityID, Limit: 100})
	require.NoError(t, err)
	var out []string
	for i := len(evts) - 1; i >= 0; i-- {
		out = append(out, evts[i].Type)
	}
	return out
}

func str(s string) *string { return &s }

func requireValidation(t *testing.T, err error, rule string) *workflow.ValidationError {
	t.Helper()
	var verr *workflow.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, rule, verr.Rule)
	return verr
}

func TestCreateAppliesDefaultsAndSequence(t *testing.T) {
	env := newTestEnv(t)
	first := env.create(t, func(o *engine.NonconformityCreateOptions) { o.Ref = "CALLER-REF" })
	second := env.create(t, nil)

	assert.Equal(t, "NC001", first.Ref)
	assert.Equal(t, "NC002", second.Ref)
	assert.Equal(t, "draft", first.StageID)
	assert.Equal(t, domain.StateDraft, first.State)
	assert.Equal(t, domain.KanbanNormal, first.KanbanState)
	assert.Equal(t, domain.PriorityLow, first.Priority)
	assert.Equal(t, "carol", first.UserID)
	assert.Equal(t, "carol", first.AuthorUserID)
	assert.Equal(t, "main", first.CompanyID)
	assert.Equal(t, 1, first.NumberOfNonconformities)
	require.NotNil(t, first.DateDeadline)
	assert.Equal(t, "2024-03-01T09:00:00Z", *first.DateDeadline)
	assert.Nil(t, first.ClosingDate)

	stored, err := env.Engine.GetNonconformity(env.Ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, first.Ref, stored.Ref)
	assert.Equal(t, []string{"nonconformity.created", "nonconformity.tracked"}, env.eventTypes(t, first.ID))
}

func TestCreateValidatesInput(t *testing.T) {
	env := newTestEnv(t)
	base := engine.NonconformityCreateOptions{Description: "d", OriginIDs: []string{"o"}, ResponsibleUserID: "a", ManagerUserID: "b", ActorID: "c"}

	noOrigin := base
	noOrigin.OriginIDs = nil
	_, err := env.Engine.CreateNonconformity(env.Ctx, noOrigin)
	require.Error(t, err)

	noDesc := base
	noDesc.Description = "  "
	_, err = env.Engine.CreateNonconformity(env.Ctx, noDesc)
	require.Error(t, err)

	openNoComments := base
	openNoComments.StageID = "open"
	_, err = env.Engine.CreateNonconformity(env.Ctx, openNoComments)
	requireValidation(t, err, workflow.RuleOpenRequiresActionComments)

	missingAction := base
	missingAction.ActionIDs = []string{"nope"}
	_, err = env.Engine.CreateNonconformity(env.Ctx, missingAction)
	require.ErrorIs(t, err, repo.ErrNotFound)

	badStage := base
	badStage.StageID = "action-open"
	_, err = env.Engine.CreateNonconformity(env.Ctx, badStage)
	require.ErrorIs(t, err, workflow.ErrUnknownStage)
}

func TestStateFollowsStage(t *testing.T) {
	env := newTestEnv(t)
	nc := env.create(t, nil)
	for _, step := range []struct {
		stage string
		state domain.State
	}{
		{"analysis", domain.StateAnalysis},
		{"pending", domain.StatePending},
		{"cancel", domain.StateCancel},
		{"draft", domain.StateDraft},
	} {
		got, err := env.Engine.SetStage(env.Ctx, nc.ID, step.stage, "carol")
		require.NoError(t, err)
		assert.Equal(t, step.state, got.State)
		stored, err := env.Engine.GetNonconformity(env.Ctx, nc.ID)
		require.NoError(t, err)
		assert.Equal(t, step.state, stored.State)
	}
}

func TestOpenRequiresActionComments(t *testing.T) {
	env := newTestEnv(t)
	nc := env.create(t, nil)

	_, err := env.Engine.SetStage(env.Ctx, nc.ID, "open", "carol")
	verr := requireValidation(t, err, workflow.RuleOpenRequiresActionComments)
	assert.Equal(t, "Action plan comments are required in order to put a nonconformity In Progress.", verr.Error())
	assert.Equal(t, 1.0, testutil.ToFloat64(env.Metrics.ValidationFailures.WithLabelValues(workflow.RuleOpenRequiresActionComments)))

	stored, err := env.Engine.GetNonconformity(env.Ctx, nc.ID)
	require.NoError(t, err)
	assert.Equal(t, "draft", stored.StageID)

	got, err := env.Engine.UpdateNonconformity(env.Ctx, nc.ID, workflow.Change{
		StageID:        str("open"),
		ActionComments: str("Replace the label printer"),
	}, "carol")
	require.NoError(t, err)
	assert.Equal(t, domain.StateOpen, got.State)
}

func TestDoneRequiresEvaluationAndFinishedActions(t *testing.T) {
	env := newTestEnv(t)
	a := env.action(t, "action-open")
	nc := env.create(t, func(o *engine.NonconformityCreateOptions) {
		o.StageID = "open"
		o.ActionComments = "plan"
		o.CorrectiveActionID = a.ID
	})

	_, err := env.Engine.SetStage(env.Ctx, nc.ID, "done", "carol")
	verr := requireValidation(t, err, workflow.RuleDoneRequiresEvaluation)
	assert.Equal(t, "Evaluation Comments are required in order to close a Nonconformity.", verr.Message)

	_, err = env.Engine.UpdateNonconformity(env.Ctx, nc.ID, workflow.Change{StageID: str("done"), EvaluationComments: str("effective")}, "carol")
	verr = requireValidation(t, err, workflow.RuleDoneRequiresActionsFinished)
	assert.Equal(t, "All actions must be done before closing a Nonconformity.", verr.Message)

	closed, err := env.Engine.SetActionStage(env.Ctx, a.ID, "action-close", "carol")
	require.NoError(t, err)
	require.NotNil(t, closed.DateClosed)

	got, err := env.Engine.UpdateNonconformity(env.Ctx, nc.ID, workflow.Change{StageID: str("done"), EvaluationComments: str("effective")}, "carol")
	require.NoError(t, err)
	assert.Equal(t, domain.StateDone, got.State)
}

func TestClosingDateLifecycle(t *testing.T) {
	env := newTestEnv(t)
	nc := env.create(t, func(o *engine.NonconformityCreateOptions) {
		o.StageID = "open"
		o.ActionComments = "plan"
		o.EvaluationComments = "effective"
	})

	env.Clock.Advance(5*24*time.Hour + 2*time.Hour)
	done, err := env.Engine.SetStage(env.Ctx, nc.ID, "done", "carol")
	require.NoError(t, err)
	require.NotNil(t, done.ClosingDate)
	assert.Equal(t, env.Clock.Now().Format(time.RFC3339), *done.ClosingDate)
	assert.Equal(t, 5, done.NumberOfDaysToClose)

	reopened, err := env.Engine.SetStage(env.Ctx, nc.ID, "open", "carol")
	require.NoError(t, err)
	assert.Nil(t, reopened.ClosingDate)
	assert.Equal(t, 0, reopened.NumberOfDaysToClose)

	stored, err := env.Engine.GetNonconformity(env.Ctx, nc.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.ClosingDate)
}

func TestCancelDateLifecycle(t *testing.T) {
	env := newTestEnv(t)
	nc := env.create(t, nil)
	cancelled, err := env.Engine.SetStage(env.Ctx, nc.ID, "cancel", "carol")
	require.NoError(t, err)
	require.NotNil(t, cancelled.CancelDate)
	back, err := env.Engine.SetStage(env.Ctx, nc.ID, "draft", "carol")
	require.NoError(t, err)
	assert.Nil(t, back.CancelDate)
}

func TestStageWriteResetsKanban(t *testing.T) {
	env := newTestEnv(t)
	nc := env.create(t, nil)
	blocked := domain.KanbanBlocked
	got, err := env.Engine.UpdateNonconformity(env.Ctx, nc.ID, workflow.Change{KanbanState: &blocked}, "carol")
	require.NoError(t, err)
	require.Equal(t, domain.KanbanBlocked, got.KanbanState)

	got, err = env.Engine.SetStage(env.Ctx, nc.ID, "draft", "carol")
	require.NoError(t, err)
	assert.Equal(t, domain.KanbanNormal, got.KanbanState)
}

func TestEnteringOpenOpensStartingActions(t *testing.T) {
	env := newTestEnv(t)
	fresh := env.action(t, "action-draft")
	finished := env.action(t, "action-close")
	nc := env.create(t, func(o *engine.NonconformityCreateOptions) {
		o.StageID = "pending"
		o.ActionComments = "plan"
		o.ActionIDs = []string{fresh.ID}
		o.PreventiveActionID = finished.ID
	})

	_, err := env.Engine.SetStage(env.Ctx, nc.ID, "open", "carol")
	require.NoError(t, err)

	opened, err := env.Engine.GetAction(env.Ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, "action-open", opened.StageID)
	require.NotNil(t, opened.DateOpen)

	untouched, err := env.Engine.GetAction(env.Ctx, finished.ID)
	require.NoError(t, err)
	assert.Equal(t, "action-close", untouched.StageID)
	assert.Nil(t, untouched.DateOpen)
	assert.Equal(t, 1.0, testutil.ToFloat64(env.Metrics.ActionsOpened))
}

func TestMultiRecordUpdateIsAtomic(t *testing.T) {
	env := newTestEnv(t)
	ready := env.create(t, func(o *engine.NonconformityCreateOptions) { o.ActionComments = "plan" })
	notReady := env.create(t, nil)

	_, err := env.Engine.UpdateNonconformities(env.Ctx, []string{ready.ID, notReady.ID}, workflow.Change{StageID: str("open")}, "carol")
	requireValidation(t, err, workflow.RuleOpenRequiresActionComments)

	for _, id := range []string{ready.ID, notReady.ID} {
		stored, err := env.Engine.GetNonconformity(env.Ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "draft", stored.StageID)
	}
}

func TestStageTemplateIsQueued(t *testing.T) {
	env := newTestEnv(t)
	nc := env.create(t, nil)
	_, err := env.Engine.SetStage(env.Ctx, nc.ID, "pending", "carol")
	require.NoError(t, err)

	queued, err := env.Engine.Repo.ListMail(env.Ctx, repo.MailQueued, 0)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, "nonconformity.pending", queued[0].Template)
	assert.Equal(t, "alice@example.com", queued[0].Recipient)
	assert.Equal(t, 0, env.Outbox.Len())

	sent, failed, err := env.Engine.FlushMail(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	assert.Equal(t, 0, failed)
	assert.Equal(t, 1, env.Outbox.Len())
}

func TestTrackingSubtypeOnAnalysis(t *testing.T) {
	env := newTestEnv(t)
	nc := env.create(t, nil)
	_, err := env.Engine.SetStage(env.Ctx, nc.ID, "analysis", "carol")
	require.NoError(t, err)
	assert.Contains(t, env.eventTypes(t, nc.ID), "nonconformity.analysis")
	assert.Equal(t, 1.0, testutil.ToFloat64(env.Metrics.Transitions.WithLabelValues("draft", "analysis")))
}

func TestDaysSinceUpdated(t *testing.T) {
	env := newTestEnv(t)
	nc := env.create(t, nil)
	env.Clock.Advance(3*24*time.Hour + 4*time.Hour)
	got, err := env.Engine.UpdateNonconformity(env.Ctx, nc.ID, workflow.Change{Analysis: str("root cause found")}, "carol")
	require.NoError(t, err)
	assert.Equal(t, 3, got.DaysSinceUpdated)
}

func TestReminderSweep(t *testing.T) {
	env := newTestEnv(t)
	in10 := env.Clock.Now().AddDate(0, 0, 10).Format(time.RFC3339)
	in11 := env.Clock.Now().AddDate(0, 0, 11).Format(time.RFC3339)

	due := env.create(t, func(o *engine.NonconformityCreateOptions) { o.DateDeadline = in10 })
	env.create(t, func(o *engine.NonconformityCreateOptions) { o.DateDeadline = in11 })
	env.create(t, func(o *engine.NonconformityCreateOptions) {
		o.DateDeadline = in10
		o.StageID = "done"
		o.EvaluationComments = "effective"
	})

	res, err := env.Engine.ProcessReminderQueue(env.Ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, "2024-03-11", res.Date)
	assert.Equal(t, 1, res.Matched)
	assert.Equal(t, 1, res.Sent)
	require.Equal(t, 1, env.Outbox.Len())
	assert.Equal(t, due.ID, env.Outbox.msgs[0].EntityID)
	assert.Contains(t, env.Outbox.msgs[0].Subject, due.Ref)
	assert.Contains(t, env.eventTypes(t, due.ID), "nonconformity.reminder_sent")
}

func TestReminderSweepSkipsFinishedActions(t *testing.T) {
	env := newTestEnv(t)
	in10 := env.Clock.Now().AddDate(0, 0, 10).Format(time.RFC3339)
	closed := env.action(t, "action-close")
	env.create(t, func(o *engine.NonconformityCreateOptions) {
		o.DateDeadline = in10
		o.ActionIDs = []string{closed.ID}
	})

	res, err := env.Engine.ProcessReminderQueue(env.Ctx, -1)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Matched)
}

func TestReminderSweepCountsFailures(t *testing.T) {
	env := newTestEnv(t)
	env.Outbox.fail = true
	in10 := env.Clock.Now().AddDate(0, 0, 10).Format(time.RFC3339)
	env.create(t, func(o *engine.NonconformityCreateOptions) { o.DateDeadline = in10 })

	res, err := env.Engine.ProcessReminderQueue(env.Ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 0, res.Sent)
	assert.Equal(t, 1.0, testutil.ToFloat64(env.Metrics.Reminders.WithLabelValues("failed")))

	// A failed reminder is not recorded, so the next sweep retries it.
	env.Outbox.mu.Lock()
	env.Outbox.fail = false
	env.Outbox.mu.Unlock()
	res, err = env.Engine.ProcessReminderQueue(env.Ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
	assert.Equal(t, 0, res.Skipped)
}

func TestReminderSweepSendsOncePerDeadline(t *testing.T) {
	env := newTestEnv(t)
	in10 := env.Clock.Now().AddDate(0, 0, 10).Format(time.RFC3339)
	env.create(t, func(o *engine.NonconformityCreateOptions) { o.DateDeadline = in10 })

	first, err := env.Engine.ProcessReminderQueue(env.Ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Sent)

	env.Clock.Advance(3 * time.Hour)
	again, err := env.Engine.ProcessReminderQueue(env.Ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, again.Matched)
	assert.Equal(t, 0, again.Sent)
	assert.Equal(t, 1, again.Skipped)
	assert.Equal(t, 1, env.Outbox.Len())
}

func TestNonconformityURL(t *testing.T) {
	env := newTestEnv(t)
	assert.Equal(t,
		"http://localhost:8069/web#db=mgmtsystem&id=abc&model=mgmtsystem.nonconformity",
		env.Engine.NonconformityURL("abc"))
}

func TestUpdateUnknownRecord(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.SetStage(env.Ctx, "missing", "analysis", "carol")
	require.ErrorIs(t, err, repo.ErrNotFound)

	nc := env.create(t, nil)
	_, err = env.Engine.SetStage(env.Ctx, nc.ID, "nowhere", "carol")
	require.ErrorIs(t, err, workflow.ErrUnknownStage)
}

func TestDeadlineIsStoredInUTC(t *testing.T) {
	env := newTestEnv(t)
	nc := env.create(t, func(o *engine.NonconformityCreateOptions) { o.DateDeadline = "2024-03-20" })
	require.NotNil(t, nc.DateDeadline)
	assert.Equal(t, "2024-03-20T00:00:00Z", *nc.DateDeadline)

	// 01:00 at +05:00 on the 12th is the 11th in UTC, ten days out.
	updated, err := env.Engine.UpdateNonconformity(env.Ctx, nc.ID, workflow.Change{DateDeadline: str("2024-03-12T01:00:00+05:00")}, "carol")
	require.NoError(t, err)
	require.NotNil(t, updated.DateDeadline)
	assert.Equal(t, "2024-03-11T20:00:00Z", *updated.DateDeadline)

	res, err := env.Engine.ProcessReminderQueue(env.Ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, "2024-03-11", res.Date)
	assert.Equal(t, 1, res.Matched)
}

func TestInvalidDeadlineIsRejected(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateNonconformity(env.Ctx, engine.NonconformityCreateOptions{
		Description:       "Label missing",
		OriginIDs:         []string{"internal-audit"},
		ResponsibleUserID: "alice",
		ManagerUserID:     "bob",
		ActorID:           "carol",
		DateDeadline:      "next tuesday-ish",
	})
	require.ErrorContains(t, err, "invalid deadline")

	nc := env.create(t, nil)
	_, err = env.Engine.UpdateNonconformity(env.Ctx, nc.ID, workflow.Change{DateDeadline: str("next tuesday-ish")}, "carol")
	require.ErrorContains(t, err, "invalid deadline")
	got, err := env.Engine.GetNonconformity(env.Ctx, nc.ID)
	require.NoError(t, err)
	assert.Equal(t, nc.DateDeadline, got.DateDeadline)

	cleared, err := env.Engine.UpdateNonconformity(env.Ctx, nc.ID, workflow.Change{DateDeadline: str("")}, "carol")
	require.NoError(t, err)
	assert.Nil(t, cleared.DateDeadline)

	_, err = env.Engine.CreateAction(env.Ctx, engine.ActionCreateOptions{Name: "fix", ActorID: "carol", DateDeadline: "soon"})
	require.ErrorContains(t, err, "invalid deadline")
	a, err := env.Engine.CreateAction(env.Ctx, engine.ActionCreateOptions{Name: "fix", ActorID: "carol", DateDeadline: "2024-03-05T10:00:00-02:00"})
	require.NoError(t, err)
	require.NotNil(t, a.DateDeadline)
	assert.Equal(t, "2024-03-05T12:00:00Z", *a.DateDeadline)
}
