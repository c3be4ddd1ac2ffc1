package notify_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mgmtsystem/internal/config"
	"mgmtsystem/internal/db"
	"mgmtsystem/internal/domain"
	"mgmtsystem/internal/events"
	"mgmtsystem/internal/metrics"
	"mgmtsystem/internal/migrate"
	"mgmtsystem/internal/notify"
	"mgmtsystem/internal/repo"
)

func newRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(context.Background(), conn)
	require.NoError(t, err)
	return repo.Repo{DB: conn}
}

type recordingTransport struct {
	mu   sync.Mutex
	msgs []domain.MailMessage
	err  error
}

func (r *recordingTransport) Name() string { return "recording" }

func (r *recordingTransport) Deliver(_ context.Context, msg domain.MailMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.msgs = append(r.msgs, msg)
	return nil
}

func TestRenderReminderTemplate(t *testing.T) {
	tpls, err := notify.ParseTemplates(config.Default().Templates)
	require.NoError(t, err)

	msg, err := tpls.Render("nonconformity.reminder", notify.TemplateData{
		Record:    domain.Nonconformity{ID: "nc1", Ref: "NC004", Description: "Broken seal"},
		Recipient: domain.User{ID: "alice", Name: "Alice", Email: "alice@example.com"},
		URL:       "http://localhost:8069/web#db=mgmtsystem&id=nc1&model=mgmtsystem.nonconformity",
		Deadline:  "2024-03-11",
	})
	require.NoError(t, err)
	assert.Equal(t, "Reminder: nonconformity NC004 is due on 2024-03-11", msg.Subject)
	assert.Contains(t, msg.Body, "Hello Alice,")
	assert.Contains(t, msg.Body, "Broken seal")
	assert.Contains(t, msg.Body, "id=nc1&model=mgmtsystem.nonconformity")
	assert.Equal(t, "alice@example.com", msg.Recipient)
	assert.Equal(t, "nc1", msg.EntityID)

	_, err = tpls.Render("missing", notify.TemplateData{})
	var unknown notify.ErrUnknownTemplate
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "missing", unknown.Name)
}

func TestRecipientFallsBackToUserID(t *testing.T) {
	assert.Equal(t, "bob", notify.RecipientAddress(domain.User{ID: "bob"}))
}

func TestWebhookTransportRetriesServerErrors(t *testing.T) {
	var calls int32
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		assert.Equal(t, "s3cret", r.Header.Get("X-Mgmtsystem-Secret"))
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	tr := notify.NewWebhookTransport(srv.URL, "s3cret", time.Second, 5*time.Second)
	err := tr.Deliver(context.Background(), domain.MailMessage{Template: "t", Recipient: "alice", Subject: "hi"})
	require.NoError(t, err)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
	assert.Equal(t, "hi", got["subject"])
}

func TestWebhookTransportClientErrorIsPermanent(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "bad payload", http.StatusBadRequest)
	}))
	defer srv.Close()

	tr := notify.NewWebhookTransport(srv.URL, "", time.Second, 5*time.Second)
	err := tr.Deliver(context.Background(), domain.MailMessage{Template: "t"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad payload")
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestMailerForceDeliversImmediately(t *testing.T) {
	r := newRepo(t)
	tr := &recordingTransport{}
	m := &notify.Mailer{Repo: r, Transport: tr, Metrics: metrics.New()}

	require.NoError(t, m.Send(context.Background(), domain.MailMessage{Template: "t", EntityKind: "nonconformity", EntityID: "nc1", Recipient: "alice"}, true))
	require.Len(t, tr.msgs, 1)

	sent, err := r.ListMail(context.Background(), repo.MailSent, 0)
	require.NoError(t, err)
	assert.Len(t, sent, 1)
}

func TestMailerQueuesUntilFlush(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	tr := &recordingTransport{}
	m := &notify.Mailer{Repo: r, Transport: tr}

	require.NoError(t, m.Send(ctx, domain.MailMessage{Template: "t", EntityKind: "nonconformity", EntityID: "nc1", Recipient: "alice"}, false))
	assert.Empty(t, tr.msgs)

	sent, failed, err := m.FlushQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	assert.Equal(t, 0, failed)
	assert.Len(t, tr.msgs, 1)

	sent, _, err = m.FlushQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, sent)
}

func TestMailerFailureKeepsMessageQueued(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	tr := &recordingTransport{err: errors.New("smtp down")}
	m := &notify.Mailer{Repo: r, Transport: tr, MaxAttempts: 3}

	err := m.Send(ctx, domain.MailMessage{Template: "t", EntityKind: "nonconformity", EntityID: "nc1", Recipient: "alice"}, true)
	require.Error(t, err)

	queued, err := r.ListMail(ctx, repo.MailQueued, 0)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, "smtp down", queued[0].LastError)
}

type gatedTransport struct {
	entered chan struct{}
	release chan struct{}
	count   atomic.Int32
}

func (g *gatedTransport) Name() string { return "gated" }

func (g *gatedTransport) Deliver(context.Context, domain.MailMessage) error {
	if g.count.Add(1) == 1 {
		close(g.entered)
		<-g.release
	}
	return nil
}

func TestForcedSendIsNotFlushedConcurrently(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	tr := &gatedTransport{entered: make(chan struct{}), release: make(chan struct{})}
	m := &notify.Mailer{Repo: r, Transport: tr}

	done := make(chan error, 1)
	go func() {
		done <- m.Send(ctx, domain.MailMessage{Template: "t", EntityKind: "nonconformity", EntityID: "nc1", Recipient: "alice"}, true)
	}()
	<-tr.entered

	sent, failed, err := m.FlushQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, sent)
	assert.Equal(t, 0, failed)

	close(tr.release)
	require.NoError(t, <-done)
	assert.Equal(t, int32(1), tr.count.Load())

	delivered, err := r.ListMail(ctx, repo.MailSent, 0)
	require.NoError(t, err)
	assert.Len(t, delivered, 1)
}

func TestFlushSkipsRowsClaimedElsewhere(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	tr := &recordingTransport{}
	m := &notify.Mailer{Repo: r, Transport: tr}

	require.NoError(t, m.Send(ctx, domain.MailMessage{Template: "t", EntityKind: "nonconformity", EntityID: "nc1", Recipient: "alice"}, false))
	queued, err := r.ListMail(ctx, repo.MailQueued, 0)
	require.NoError(t, err)
	require.Len(t, queued, 1)

	ok, err := r.ClaimMail(ctx, queued[0].ID)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = r.ClaimMail(ctx, queued[0].ID)
	require.NoError(t, err)
	assert.False(t, ok)

	sent, _, err := m.FlushQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, sent)
	assert.Empty(t, tr.msgs)
}

func TestDispatcherDeliversFilteredEvents(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()

	var mu sync.Mutex
	var delivered []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		mu.Lock()
		delivered = append(delivered, req.Header.Get("X-Mgmtsystem-Event"))
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := notify.NewDispatcher(r, []config.WebhookConfig{{URL: srv.URL, Events: []string{"nonconformity.pending", "action.*"}}}, nil, nil)
	// The first pass pins the cursor at the current end of the log.
	d.DispatchOnce(ctx)

	w := events.Writer{}
	require.NoError(t, r.WithTx(ctx, func(tx *sql.Tx) error {
		for _, typ := range []string{"nonconformity.tracked", "nonconformity.pending", "action.open"} {
			if err := w.Append(ctx, tx, typ, "nonconformity", "nc1", "u1", nil); err != nil {
				return err
			}
		}
		return nil
	}))

	d.DispatchOnce(ctx)
	mu.Lock()
	assert.Equal(t, []string{"nonconformity.pending", "action.open"}, delivered)
	mu.Unlock()
	cur, ok := d.Cursor(0)
	require.True(t, ok)
	assert.EqualValues(t, 3, cur)
}
