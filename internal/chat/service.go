package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/qinjingliuan/berryllm-studio/internal/ai"
	"gorm.io/gorm"
)

// Service is the session manager: it owns session identity (create, copy,
// rename, remove) and keeps the Store and the database in step.
type Service struct {
	repo     *Repo
	store    *Store
	registry *ai.Registry
}

func NewService(repo *Repo, store *Store, registry *ai.Registry) *Service {
	return &Service{repo: repo, store: store, registry: registry}
}

func (s *Service) Store() *Store { return s.store }

// Refresh reloads one session from the database, picking up turns written by
// another process (the job worker).
func (s *Service) Refresh(ctx context.Context, sessionID string) (Snapshot, error) {
	sess, err := s.repo.GetSessionBySessionID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			s.store.Remove(sessionID)
		}
		return Snapshot{}, err
	}
	history, err := s.recentHistory(ctx, sessionID)
	if err != nil {
		return Snapshot{}, err
	}
	snap := snapshotOf(sess, history)
	s.store.Put(snap)
	return snap, nil
}

func (s *Service) recentHistory(ctx context.Context, sessionID string) ([]ai.Message, error) {
	recentDesc, err := s.repo.ListRecentMessagesDesc(ctx, sessionID, s.store.Limit())
	if err != nil {
		return nil, err
	}
	// reverse to ASC (oldest -> newest)
	history := make([]ai.Message, 0, len(recentDesc))
	for i := len(recentDesc) - 1; i >= 0; i-- {
		history = append(history, ai.Message{Role: recentDesc[i].Role, Content: recentDesc[i].Content})
	}
	return history, nil
}

// Load rehydrates the store from the database, keeping the newest Limit()
// turns of every session.
func (s *Service) Load(ctx context.Context) error {
	sessions, err := s.repo.ListSessions(ctx)
	if err != nil {
		return err
	}
	for _, sess := range sessions {
		history, err := s.recentHistory(ctx, sess.SessionID)
		if err != nil {
			return err
		}
		err = s.store.Create(snapshotOf(&sess, history))
		if err != nil && !errors.Is(err, ErrSessionExists) {
			return err
		}
	}
	log.Printf("[chat] loaded %d sessions", len(sessions))
	return nil
}

func snapshotOf(sess *Session, history []ai.Message) Snapshot {
	return Snapshot{
		SessionID: sess.SessionID,
		Owner:     sess.Owner,
		Name:      sess.Name,
		Provider:  sess.Provider,
		Model:     sess.Model,
		History:   history,
		CreatedAt: sess.CreatedAt,
	}
}

// CreateSession binds a new session to provider/model. An empty model selects
// the provider's default; an empty name is derived from the id.
func (s *Service) CreateSession(ctx context.Context, owner, provider, model, name string) (Snapshot, error) {
	desc, err := s.registry.Get(provider)
	if err != nil {
		return Snapshot{}, err
	}
	model = strings.TrimSpace(model)
	if model == "" {
		model = desc.DefaultModel()
	}

	sid, err := NewSessionID()
	if err != nil {
		return Snapshot{}, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = "Chat " + sid[len(sid)-6:]
	}

	sess := &Session{
		SessionID: sid,
		Owner:     owner,
		Name:      name,
		Provider:  desc.ID,
		Model:     model,
	}
	if err := s.repo.CreateSession(ctx, sess); err != nil {
		return Snapshot{}, err
	}
	snap := snapshotOf(sess, nil)
	if err := s.store.Create(snap); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// GetSession returns the session if owner may see it.
func (s *Service) GetSession(owner, sessionID string) (Snapshot, error) {
	snap, err := s.store.Get(sessionID)
	if err != nil {
		return Snapshot{}, err
	}
	if snap.Owner != owner {
		return Snapshot{}, ErrSessionNotFound
	}
	return snap, nil
}

func (s *Service) ValidateSessionOwner(owner, sessionID string) error {
	_, err := s.GetSession(owner, sessionID)
	return err
}

func (s *Service) ListSessions(owner string) []Snapshot {
	all := s.store.List()
	out := make([]Snapshot, 0, len(all))
	for _, snap := range all {
		if snap.Owner == owner {
			out = append(out, snap)
		}
	}
	return out
}

// CopySession clones a session with its current history under "<name> (copy)".
func (s *Service) CopySession(ctx context.Context, owner, sessionID string) (Snapshot, error) {
	src, err := s.GetSession(owner, sessionID)
	if err != nil {
		return Snapshot{}, err
	}
	sid, err := NewSessionID()
	if err != nil {
		return Snapshot{}, err
	}

	sess := &Session{
		SessionID: sid,
		Owner:     owner,
		Name:      src.Name + " (copy)",
		Provider:  src.Provider,
		Model:     src.Model,
	}
	msgs := make([]Message, 0, len(src.History))
	for _, m := range src.History {
		msgs = append(msgs, Message{SessionID: sid, Role: m.Role, Content: m.Content})
	}
	err = s.repo.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txRepo := NewRepo(tx)
		if err := txRepo.CreateSession(ctx, sess); err != nil {
			return err
		}
		return txRepo.InsertMessages(ctx, msgs)
	})
	if err != nil {
		return Snapshot{}, err
	}

	snap := snapshotOf(sess, src.History)
	if err := s.store.Create(snap); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

func (s *Service) RenameSession(ctx context.Context, owner, sessionID, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("rename session %s: empty name", sessionID)
	}
	if err := s.ValidateSessionOwner(owner, sessionID); err != nil {
		return err
	}
	if err := s.repo.RenameSession(ctx, sessionID, name); err != nil {
		return err
	}
	return s.store.Rename(sessionID, name)
}

// RemoveSession deletes the session. Callers cancel any in-flight request first.
func (s *Service) RemoveSession(ctx context.Context, owner, sessionID string) error {
	if err := s.ValidateSessionOwner(owner, sessionID); err != nil {
		return err
	}
	if err := s.repo.DeleteSession(ctx, sessionID); err != nil {
		return err
	}
	s.store.Remove(sessionID)
	return nil
}

func (s *Service) ClearHistory(owner, sessionID string) error {
	if err := s.ValidateSessionOwner(owner, sessionID); err != nil {
		return err
	}
	return s.store.Clear(sessionID)
}

// ListMessages pages through the archived transcript, newest first.
func (s *Service) ListMessages(ctx context.Context, owner, sessionID string, limit int, beforeID uint64) ([]Message, error) {
	if err := s.ValidateSessionOwner(owner, sessionID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.repo.ListMessages(ctx, sessionID, limit, beforeID)
}

func (s *Service) CreateJobOrGetExisting(ctx context.Context, job *Job) (*Job, bool, error) {
	return s.repo.CreateJobOrGetExisting(ctx, job)
}

// GetJob returns the job if owner may see it.
func (s *Service) GetJob(ctx context.Context, owner, jobID string) (*Job, error) {
	job, err := s.repo.GetJobByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Owner != owner {
		return nil, gorm.ErrRecordNotFound
	}
	return job, nil
}

func (s *Service) Repo() *Repo { return s.repo }
