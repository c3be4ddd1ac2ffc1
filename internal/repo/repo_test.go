package repo_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/suite"

	"mgmtsystem/internal/config"
	"mgmtsystem/internal/db"
	"mgmtsystem/internal/domain"
	"mgmtsystem/internal/migrate"
	"mgmtsystem/internal/repo"
)

const now = "2024-03-01T10:00:00Z"

type RepoSuite struct {
	suite.Suite
	ctx  context.Context
	conn *sql.DB
	repo repo.Repo
}

func TestRepoSuite(t *testing.T) {
	suite.Run(t, new(RepoSuite))
}

func (s *RepoSuite) SetupTest() {
	s.ctx = context.Background()
	conn, err := db.Open(db.Config{Workspace: s.T().TempDir()})
	s.Require().NoError(err)
	_, err = migrate.Migrate(s.ctx, conn)
	s.Require().NoError(err)
	s.conn = conn
	s.repo = repo.Repo{DB: conn}
	s.Require().NoError(s.repo.WithTx(s.ctx, func(tx *sql.Tx) error {
		return s.repo.UpsertStages(s.ctx, tx, config.Default().DomainStages())
	}))
}

func (s *RepoSuite) TearDownTest() {
	s.conn.Close()
}

func (s *RepoSuite) insertAction(id, stage string) {
	s.Require().NoError(s.repo.WithTx(s.ctx, func(tx *sql.Tx) error {
		return s.repo.InsertAction(s.ctx, tx, domain.Action{ID: id, Name: id, Type: "corrective", StageID: stage, CreateDate: now})
	}))
}

func (s *RepoSuite) insertNC(nc domain.Nonconformity) {
	if nc.StageID == "" {
		nc.StageID = "draft"
		nc.State = domain.StateDraft
	}
	nc.Description = "desc " + nc.ID
	nc.CreateDate, nc.WriteDate = now, now
	nc.KanbanState = domain.KanbanNormal
	nc.Priority = domain.PriorityLow
	nc.ResponsibleUserID, nc.ManagerUserID, nc.UserID, nc.AuthorUserID = "u1", "u1", "u1", "u1"
	nc.NumberOfNonconformities = 1
	if nc.Ref == "" {
		nc.Ref = nc.ID
	}
	s.Require().NoError(s.repo.WithTx(s.ctx, func(tx *sql.Tx) error {
		return s.repo.InsertNonconformity(s.ctx, tx, nc)
	}))
}

func ptr(v string) *string { return &v }

func (s *RepoSuite) TestStagesOrderedBySequence() {
	stages, err := s.repo.ListStages(s.ctx, s.conn, domain.ScopeNonconformity)
	s.Require().NoError(err)
	s.Require().NotEmpty(stages)
	s.Equal("draft", stages[0].ID)
	s.True(stages[0].IsStarting)
	for i := 1; i < len(stages); i++ {
		s.LessOrEqual(stages[i-1].Sequence, stages[i].Sequence)
	}
}

func (s *RepoSuite) TestSequenceIsMonotonic() {
	var got []int64
	for i := 0; i < 3; i++ {
		s.Require().NoError(s.repo.WithTx(s.ctx, func(tx *sql.Tx) error {
			v, err := s.repo.NextSequence(s.ctx, tx, "mgmtsystem.nonconformity")
			got = append(got, v)
			return err
		}))
	}
	s.Equal([]int64{1, 2, 3}, got)
	s.Equal("NC007", repo.FormatSequence("NC{seq:03}", 2024, 7))
	s.Equal("NC-2024-12", repo.FormatSequence("NC-{year}-{seq}", 2024, 12))
	s.Equal("5", repo.FormatSequence("", 2024, 5))
}

func (s *RepoSuite) TestNonconformityRoundTripWithLinks() {
	s.insertAction("a1", "action-draft")
	s.insertAction("a2", "action-draft")
	s.insertNC(domain.Nonconformity{
		ID:                 "nc1",
		ActionIDs:          []string{"a2", "a1"},
		CorrectiveActionID: ptr("a1"),
		OriginIDs:          []string{"audit"},
		CauseIDs:           []string{"c2", "c1"},
		DateDeadline:       ptr("2024-03-11T00:00:00Z"),
	})
	nc, err := s.repo.GetNonconformity(s.ctx, s.conn, "nc1")
	s.Require().NoError(err)
	s.Equal([]string{"a2", "a1"}, nc.ActionIDs)
	s.Equal([]string{"c2", "c1"}, nc.CauseIDs)
	s.Equal([]string{"audit"}, nc.OriginIDs)
	s.Nil(nc.ProcedureIDs)
	s.Require().NotNil(nc.CorrectiveActionID)
	s.Equal("a1", *nc.CorrectiveActionID)
	s.Nil(nc.ClosingDate)

	nc.ActionIDs = []string{"a1"}
	nc.EvaluationComments = "ok"
	s.Require().NoError(s.repo.WithTx(s.ctx, func(tx *sql.Tx) error {
		return s.repo.UpdateNonconformity(s.ctx, tx, nc)
	}))
	nc, err = s.repo.GetNonconformity(s.ctx, s.conn, "nc1")
	s.Require().NoError(err)
	s.Equal([]string{"a1"}, nc.ActionIDs)
	s.Equal("ok", nc.EvaluationComments)

	_, err = s.repo.GetNonconformity(s.ctx, s.conn, "missing")
	s.ErrorIs(err, repo.ErrNotFound)
}

func (s *RepoSuite) TestReminderCandidates() {
	day := "2024-03-11"
	deadline := ptr(day + "T09:00:00Z")
	s.insertAction("open-1", "action-open")
	s.insertAction("closed-1", "action-close")
	s.insertAction("closed-2", "action-close")

	s.insertNC(domain.Nonconformity{ID: "no-actions", Ref: "NC001", DateDeadline: deadline})
	s.insertNC(domain.Nonconformity{ID: "one-open", Ref: "NC002", DateDeadline: deadline, ActionIDs: []string{"closed-1"}, ImmediateActionID: ptr("open-1")})
	s.insertNC(domain.Nonconformity{ID: "all-closed", Ref: "NC003", DateDeadline: deadline, ActionIDs: []string{"closed-1", "closed-2"}})
	s.insertNC(domain.Nonconformity{ID: "done", Ref: "NC004", DateDeadline: deadline, StageID: "done", State: domain.StateDone})
	s.insertNC(domain.Nonconformity{ID: "other-day", Ref: "NC005", DateDeadline: ptr("2024-03-12T09:00:00Z")})
	s.insertNC(domain.Nonconformity{ID: "no-deadline", Ref: "NC006"})

	got, err := s.repo.ReminderCandidates(s.ctx, s.conn, day, "done", "action-close")
	s.Require().NoError(err)
	var ids []string
	for _, nc := range got {
		ids = append(ids, nc.ID)
	}
	s.Equal([]string{"no-actions", "one-open"}, ids)
}

func (s *RepoSuite) TestEventsCursor() {
	s.Require().NoError(s.repo.WithTx(s.ctx, func(tx *sql.Tx) error {
		for _, typ := range []string{"nonconformity.create", "nonconformity.update", "action.open"} {
			if _, err := tx.ExecContext(s.ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
				now, typ, "nonconformity", "nc1", "u1", "{}"); err != nil {
				return err
			}
		}
		return nil
	}))
	latest, err := s.repo.LatestEventID(s.ctx)
	s.Require().NoError(err)
	s.EqualValues(3, latest)

	after, err := s.repo.EventsAfter(s.ctx, 10, 1)
	s.Require().NoError(err)
	s.Len(after, 2)
	s.Equal("nonconformity.update", after[0].Type)

	recent, err := s.repo.LatestEvents(s.ctx, repo.EventFilters{Type: "action.open"})
	s.Require().NoError(err)
	s.Len(recent, 1)
}

func (s *RepoSuite) TestMailQueueLifecycle() {
	id, err := s.repo.EnqueueMail(s.ctx, s.conn, domain.MailMessage{
		Template: "nonconformity.reminder", EntityKind: "nonconformity", EntityID: "nc1",
		Recipient: "u1", Subject: "s", Body: "b", CreatedAt: now,
	})
	s.Require().NoError(err)

	s.Require().NoError(s.repo.MarkMailFailed(s.ctx, id, "boom", 2))
	queued, err := s.repo.ListMail(s.ctx, repo.MailQueued, 0)
	s.Require().NoError(err)
	s.Require().Len(queued, 1)
	s.Equal(1, queued[0].Attempts)
	s.Equal("boom", queued[0].LastError)

	s.Require().NoError(s.repo.MarkMailFailed(s.ctx, id, "boom again", 2))
	failed, err := s.repo.ListMail(s.ctx, repo.MailFailed, 0)
	s.Require().NoError(err)
	s.Len(failed, 1)

	id2, err := s.repo.EnqueueMail(s.ctx, s.conn, domain.MailMessage{Template: "t", EntityKind: "nonconformity", EntityID: "nc2", Recipient: "u1", CreatedAt: now})
	s.Require().NoError(err)
	s.Require().NoError(s.repo.MarkMailSent(s.ctx, id2, now))
	sent, err := s.repo.ListMail(s.ctx, repo.MailSent, 0)
	s.Require().NoError(err)
	s.Require().Len(sent, 1)
	s.Equal(now, sent[0].SentAt)
}
