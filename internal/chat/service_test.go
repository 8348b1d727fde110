package chat

import (
	"context"
	"errors"
	"fmt"
	"testing"

	gormsqlite "github.com/glebarez/sqlite"
	"github.com/qinjingliuan/berryllm-studio/internal/ai"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	if err := NewRepo(db).AutoMigrate(); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func newTestService(t *testing.T, db *gorm.DB, maxHistory int) *Service {
	t.Helper()
	repo := NewRepo(db)
	store := NewStore(maxHistory, WithPersister(repo))
	return NewService(repo, store, ai.NewRegistry(ai.DefaultDescriptors()...))
}

func TestCreateSession_DefaultsModelAndPersists(t *testing.T) {
	db := openTestDB(t)
	svc := newTestService(t, db, 10)

	snap, err := svc.CreateSession(context.Background(), "alice", "DeepSeek", "", "")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if snap.Provider != "deepseek" || snap.Model != "deepseek-chat" {
		t.Fatalf("unexpected binding: %s/%s", snap.Provider, snap.Model)
	}
	if len(snap.SessionID) != 26 {
		t.Fatalf("expected ULID session id, got %q", snap.SessionID)
	}

	row, err := svc.Repo().GetSessionBySessionID(context.Background(), snap.SessionID)
	if err != nil {
		t.Fatalf("load row: %v", err)
	}
	if row.Owner != "alice" || row.Name != snap.Name {
		t.Fatalf("unexpected row: %+v", row)
	}

	if _, err := svc.CreateSession(context.Background(), "alice", "nope", "", ""); !errors.Is(err, ai.ErrUnknownProvider) {
		t.Fatalf("expected ErrUnknownProvider, got %v", err)
	}
}

func TestSessionOwnership(t *testing.T) {
	db := openTestDB(t)
	svc := newTestService(t, db, 10)

	snap, err := svc.CreateSession(context.Background(), "alice", "openai", "gpt-4", "work")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if _, err := svc.GetSession("bob", snap.SessionID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound for other owner, got %v", err)
	}
	if got := svc.ListSessions("bob"); len(got) != 0 {
		t.Fatalf("bob should see no sessions, got %d", len(got))
	}
	if got := svc.ListSessions("alice"); len(got) != 1 || got[0].Name != "work" {
		t.Fatalf("unexpected sessions for alice: %+v", got)
	}
}

func TestLoad_RehydratesMostRecentTurns(t *testing.T) {
	db := openTestDB(t)
	svc := newTestService(t, db, 2) // cap = 4 turns

	snap, err := svc.CreateSession(context.Background(), "", "openai", "", "")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	for i := 0; i < 6; i++ {
		role := ai.RoleUser
		if i%2 == 1 {
			role = ai.RoleAssistant
		}
		svc.Store().AppendTurn(snap.SessionID, role, fmt.Sprintf("t%d", i))
	}

	// the archive keeps every turn
	var count int64
	if err := db.Model(&Message{}).Where("session_id = ?", snap.SessionID).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 6 {
		t.Fatalf("expected 6 archived messages, got %d", count)
	}

	fresh := newTestService(t, db, 2)
	if err := fresh.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	got, err := fresh.GetSession("", snap.SessionID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.History) != 4 {
		t.Fatalf("expected 4 turns, got %d", len(got.History))
	}
	if got.History[0].Content != "t2" || got.History[3].Content != "t5" {
		t.Fatalf("unexpected history order: %+v", got.History)
	}
}

func TestCopyRenameRemove(t *testing.T) {
	db := openTestDB(t)
	svc := newTestService(t, db, 10)
	ctx := context.Background()

	src, err := svc.CreateSession(ctx, "", "anthropic", "", "notes")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	svc.Store().AppendTurn(src.SessionID, ai.RoleUser, "hi")
	svc.Store().AppendTurn(src.SessionID, ai.RoleAssistant, "hello")

	cp, err := svc.CopySession(ctx, "", src.SessionID)
	if err != nil {
		t.Fatalf("copy: %v", err)
	}
	if cp.SessionID == src.SessionID || cp.Name != "notes (copy)" || len(cp.History) != 2 {
		t.Fatalf("unexpected copy: %+v", cp)
	}

	// the copy diverges from the source
	svc.Store().AppendTurn(cp.SessionID, ai.RoleUser, "more")
	if s, _ := svc.GetSession("", src.SessionID); len(s.History) != 2 {
		t.Fatalf("source changed by copy append: %+v", s.History)
	}

	if err := svc.RenameSession(ctx, "", cp.SessionID, "renamed"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	if s, _ := svc.GetSession("", cp.SessionID); s.Name != "renamed" {
		t.Fatalf("rename not applied: %q", s.Name)
	}

	if err := svc.RemoveSession(ctx, "", cp.SessionID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := svc.GetSession("", cp.SessionID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected removed session to be gone, got %v", err)
	}
	var count int64
	db.Model(&Message{}).Where("session_id = ?", cp.SessionID).Count(&count)
	if count != 0 {
		t.Fatalf("expected messages of removed session to be deleted, got %d", count)
	}
}

func TestCreateJobOrGetExisting_Idempotent(t *testing.T) {
	db := openTestDB(t)
	svc := newTestService(t, db, 10)
	ctx := context.Background()

	key := "k-1"
	first := &Job{ID: "01JOB00000000000000000000A", Owner: "alice", SessionID: "s", Prompt: "p", IdempotencyKey: &key, Status: JobQueued}
	job, created, err := svc.CreateJobOrGetExisting(ctx, first)
	if err != nil || !created {
		t.Fatalf("first create: created=%v err=%v", created, err)
	}

	second := &Job{ID: "01JOB00000000000000000000B", Owner: "alice", SessionID: "s", Prompt: "p", IdempotencyKey: &key, Status: JobQueued}
	again, created, err := svc.CreateJobOrGetExisting(ctx, second)
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if created || again.ID != job.ID {
		t.Fatalf("expected existing job %s, got %s (created=%v)", job.ID, again.ID, created)
	}

	claimed, err := svc.Repo().UpdateJobStatusRunning(ctx, job.ID)
	if err != nil || !claimed {
		t.Fatalf("claim: claimed=%v err=%v", claimed, err)
	}
	if claimed, _ := svc.Repo().UpdateJobStatusRunning(ctx, job.ID); claimed {
		t.Fatalf("a running job must not be claimed twice")
	}
	if err := svc.Repo().MarkJobSucceeded(ctx, job.ID, "reply"); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}
	got, err := svc.GetJob(ctx, "alice", job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if !got.Done() || got.Reply == nil || *got.Reply != "reply" {
		t.Fatalf("unexpected job: %+v", got)
	}
	if _, err := svc.GetJob(ctx, "bob", job.ID); err == nil {
		t.Fatalf("bob must not see alice's job")
	}
}
