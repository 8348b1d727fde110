package chat

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/qinjingliuan/berryllm-studio/internal/ai"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExists   = errors.New("session already exists")
)

const DefaultMaxHistoryMessages = 10

// Snapshot is a copy of one session's state. Mutating it never affects the store.
type Snapshot struct {
	SessionID string       `json:"session_id"`
	Owner     string       `json:"-"`
	Name      string       `json:"name"`
	Provider  string       `json:"provider"`
	Model     string       `json:"model"`
	History   []ai.Message `json:"history"`
	CreatedAt time.Time    `json:"created_at"`
}

// Persister mirrors history mutations into durable storage.
type Persister interface {
	AppendMessage(ctx context.Context, sessionID, role, content string) error
	ClearMessages(ctx context.Context, sessionID string) error
}

type StoreOption func(*Store)

func WithPersister(p Persister) StoreOption {
	return func(s *Store) { s.persist = p }
}

// Store keeps the rolling history of every live session. The map lock only
// guards lookup; each session is mutated under its own lock, so concurrent
// requests on different sessions never contend.
type Store struct {
	limit   int
	persist Persister

	mu       sync.RWMutex
	sessions map[string]*entry
}

type entry struct {
	mu   sync.Mutex
	snap Snapshot
}

// NewStore caps every history at 2*maxHistoryMessages turns.
func NewStore(maxHistoryMessages int, opts ...StoreOption) *Store {
	if maxHistoryMessages <= 0 {
		maxHistoryMessages = DefaultMaxHistoryMessages
	}
	s := &Store{
		limit:    2 * maxHistoryMessages,
		sessions: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Limit is the maximum number of turns kept per session.
func (s *Store) Limit() int { return s.limit }

func (s *Store) lookup(id string) (*entry, bool) {
	s.mu.RLock()
	e, ok := s.sessions[id]
	s.mu.RUnlock()
	return e, ok
}

func (s *Store) Create(snap Snapshot) error {
	snap.History = capTail(cloneHistory(snap.History), s.limit)
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[snap.SessionID]; ok {
		return ErrSessionExists
	}
	s.sessions[snap.SessionID] = &entry{snap: snap}
	return nil
}

// Put creates the session or replaces its state wholesale.
func (s *Store) Put(snap Snapshot) {
	snap.History = capTail(cloneHistory(snap.History), s.limit)

	s.mu.Lock()
	e, ok := s.sessions[snap.SessionID]
	if !ok {
		s.sessions[snap.SessionID] = &entry{snap: snap}
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	e.mu.Lock()
	e.snap = snap
	e.mu.Unlock()
}

func (s *Store) Get(id string) (Snapshot, error) {
	e, ok := s.lookup(id)
	if !ok {
		return Snapshot{}, ErrSessionNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	snap := e.snap
	snap.History = cloneHistory(e.snap.History)
	return snap, nil
}

// AppendTurn adds one turn and evicts the oldest ones beyond the cap. Unknown
// ids are ignored: a late reply may arrive after its session was removed.
func (s *Store) AppendTurn(id, role, content string) {
	e, ok := s.lookup(id)
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	e.snap.History = capTail(append(e.snap.History, ai.Message{Role: role, Content: content}), s.limit)
	if s.persist != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.persist.AppendMessage(ctx, id, role, content); err != nil {
			log.Printf("[chat] persist turn session=%s role=%s err=%v", id, role, err)
		}
	}
}

// Truncate reapplies the cap.
func (s *Store) Truncate(id string) {
	e, ok := s.lookup(id)
	if !ok {
		return
	}
	e.mu.Lock()
	e.snap.History = capTail(e.snap.History, s.limit)
	e.mu.Unlock()
}

func (s *Store) Clear(id string) error {
	e, ok := s.lookup(id)
	if !ok {
		return ErrSessionNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	e.snap.History = nil
	if s.persist != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.persist.ClearMessages(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Rename(id, name string) error {
	e, ok := s.lookup(id)
	if !ok {
		return ErrSessionNotFound
	}
	e.mu.Lock()
	e.snap.Name = name
	e.mu.Unlock()
	return nil
}

func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return false
	}
	delete(s.sessions, id)
	return true
}

// List returns snapshots without history, oldest session first.
func (s *Store) List() []Snapshot {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.sessions))
	for _, e := range s.sessions {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	out := make([]Snapshot, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		snap := e.snap
		snap.History = nil
		e.mu.Unlock()
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func cloneHistory(h []ai.Message) []ai.Message {
	if len(h) == 0 {
		return nil
	}
	return append([]ai.Message(nil), h...)
}

// capTail keeps the newest limit turns.
func capTail(h []ai.Message, limit int) []ai.Message {
	if len(h) <= limit {
		return h
	}
	drop := len(h) - limit
	n := copy(h, h[drop:])
	clear(h[n:])
	return h[:n]
}
