package mux

import (
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/qinjingliuan/berryllm-studio/internal/ai"
	"github.com/qinjingliuan/berryllm-studio/internal/chat"
)

var (
	// ErrCancelled is the outcome of a request that was superseded or cancelled.
	ErrCancelled = errors.New("request cancelled")
	ErrClosed    = errors.New("multiplexer closed")
)

const (
	DefaultProbeTimeout = 10 * time.Second
	readBufferSize      = 4096
)

// SessionStore is the part of chat.Store the multiplexer needs.
type SessionStore interface {
	Get(id string) (chat.Snapshot, error)
	AppendTurn(id, role, content string)
}

type Option func(*Multiplexer)

// WithParams sets the generation parameters of every request.
func WithParams(p ai.Params) Option {
	return func(m *Multiplexer) { m.params = p }
}

// WithSink adds a sink that receives every event besides the built-in hub.
func WithSink(s Sink) Option {
	return func(m *Multiplexer) { m.sinks = append(m.sinks, s) }
}

func WithProbeTimeout(d time.Duration) Option {
	return func(m *Multiplexer) {
		if d > 0 {
			m.probeTimeout = d
		}
	}
}

// Multiplexer runs at most one provider request per session and reports each
// request's lifecycle as events. Requests of different sessions run
// concurrently and never observe each other.
type Multiplexer struct {
	builder      *ai.Builder
	transport    ai.Transport
	store        SessionStore
	params       ai.Params
	hub          *Hub
	sinks        []Sink
	probeTimeout time.Duration

	slots sync.Map // session id -> *slot

	idleMu   sync.Mutex
	inFlight int

	wg         sync.WaitGroup
	closed     atomic.Bool
	baseCtx    context.Context
	baseCancel context.CancelFunc
}

type slot struct {
	mu  sync.Mutex
	cur *attempt
}

type attempt struct {
	id        string
	sessionID string
	cancel    context.CancelFunc
	done      chan struct{}
	once      sync.Once
	reply     string
	err       error
}

func (a *attempt) finish(reply string, err error) {
	a.once.Do(func() {
		a.reply, a.err = reply, err
		close(a.done)
	})
}

func New(builder *ai.Builder, transport ai.Transport, store SessionStore, opts ...Option) *Multiplexer {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Multiplexer{
		builder:      builder,
		transport:    transport,
		store:        store,
		params:       ai.Params{Stream: true},
		hub:          NewHub(),
		probeTimeout: DefaultProbeTimeout,
		baseCtx:      ctx,
		baseCancel:   cancel,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Subscribe follows the events of one session, or of all sessions when
// sessionID is empty.
func (m *Multiplexer) Subscribe(sessionID string, buffer int) (<-chan Event, func()) {
	return m.hub.Subscribe(sessionID, buffer)
}

// InFlight is the number of sessions with a running request.
func (m *Multiplexer) InFlight() int {
	m.idleMu.Lock()
	defer m.idleMu.Unlock()
	return m.inFlight
}

// Active reports whether sessionID has a running request.
func (m *Multiplexer) Active(sessionID string) bool {
	v, ok := m.slots.Load(sessionID)
	if !ok {
		return false
	}
	sl := v.(*slot)
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.cur != nil
}

// Send starts a request for message on sessionID and returns its attempt id.
// A request still running for the session is cancelled first. The user turn is
// appended to the history before Send returns; the assistant turn is appended
// once the reply completes.
//
// Validation failures are returned and also published as an error event; no
// network call is made for them.
func (m *Multiplexer) Send(ctx context.Context, sessionID, message string) (string, error) {
	a, err := m.send(ctx, sessionID, message)
	if err != nil {
		return "", err
	}
	return a.id, nil
}

// Do sends message and waits for the reply. It returns ErrCancelled when the
// request is superseded or cancelled, and cancels the request when ctx ends.
func (m *Multiplexer) Do(ctx context.Context, sessionID, message string) (string, error) {
	a, err := m.send(ctx, sessionID, message)
	if err != nil {
		return "", err
	}
	select {
	case <-a.done:
		return a.reply, a.err
	case <-ctx.Done():
		m.cancelAttempt(sessionID, a)
		return "", ctx.Err()
	}
}

// Handle follows one request started with Start.
type Handle struct {
	a *attempt
}

func (h Handle) ID() string { return h.a.id }

// Done is closed once the request finished, failed or was cancelled.
func (h Handle) Done() <-chan struct{} { return h.a.done }

// Result is valid after Done is closed.
func (h Handle) Result() (string, error) { return h.a.reply, h.a.err }

// Start is Send for callers that also need to learn how the request ended.
func (m *Multiplexer) Start(ctx context.Context, sessionID, message string) (Handle, error) {
	a, err := m.send(ctx, sessionID, message)
	if err != nil {
		return Handle{}, err
	}
	return Handle{a: a}, nil
}

// Cancel stops the running request of sessionID, if any. No terminal event is
// published for it. Cancelling an idle session is a no-op.
func (m *Multiplexer) Cancel(sessionID string) {
	v, ok := m.slots.Load(sessionID)
	if !ok {
		return
	}
	sl := v.(*slot)
	sl.mu.Lock()
	m.cancelLocked(sl)
	sl.mu.Unlock()
}

// CancelAttempt cancels sessionID only while attemptID is its running request.
func (m *Multiplexer) CancelAttempt(sessionID, attemptID string) {
	v, ok := m.slots.Load(sessionID)
	if !ok {
		return
	}
	sl := v.(*slot)
	sl.mu.Lock()
	if sl.cur != nil && sl.cur.id == attemptID {
		m.cancelLocked(sl)
	}
	sl.mu.Unlock()
}

// Hub is the in-process event fan-out. Publishing on it directly bypasses the
// extra sinks, which is how events relayed from other processes are injected.
func (m *Multiplexer) Hub() *Hub { return m.hub }

// Forget cancels sessionID and drops its bookkeeping; used when a session is removed.
func (m *Multiplexer) Forget(sessionID string) {
	m.Cancel(sessionID)
	m.slots.Delete(sessionID)
}

// TestConnection probes the provider endpoint with its auth headers. Expiry of
// the probe timeout is reported as ai.KindTimeout.
func (m *Multiplexer) TestConnection(ctx context.Context, providerID string) error {
	req, err := m.builder.Build(ai.Conversation{ProviderID: providerID}, "", ai.Params{})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()

	start := time.Now()
	err = m.transport.Probe(ctx, req)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = &ai.TransportError{Provider: req.Provider, Kind: ai.KindTimeout, Err: err}
	}
	log.Printf("[mux] probe provider=%s took=%s err=%v", req.Provider, time.Since(start), err)
	return err
}

// Shutdown cancels every running request and waits for their tasks to exit.
func (m *Multiplexer) Shutdown(ctx context.Context) error {
	m.closed.Store(true)
	m.slots.Range(func(_, v any) bool {
		sl := v.(*slot)
		sl.mu.Lock()
		m.cancelLocked(sl)
		sl.mu.Unlock()
		return true
	})
	m.baseCancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Multiplexer) slot(sessionID string) *slot {
	v, _ := m.slots.LoadOrStore(sessionID, &slot{})
	return v.(*slot)
}

func (m *Multiplexer) send(ctx context.Context, sessionID, message string) (*attempt, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sl := m.slot(sessionID)
	sl.mu.Lock()
	defer sl.mu.Unlock()

	snap, err := m.store.Get(sessionID)
	if err != nil {
		m.reject(sl, sessionID, err)
		return nil, err
	}
	req, err := m.builder.Build(ai.Conversation{
		ProviderID: snap.Provider,
		ModelID:    snap.Model,
		History:    snap.History,
	}, message, m.params)
	if err != nil {
		m.reject(sl, sessionID, err)
		return nil, err
	}

	attemptCtx, cancel := context.WithCancel(m.baseCtx)
	a := &attempt{
		id:        uuid.NewString(),
		sessionID: sessionID,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	// acquire before releasing the superseded attempt so the count never
	// touches zero in between
	m.acquire()
	m.cancelLocked(sl)
	m.store.AppendTurn(sessionID, ai.RoleUser, message)
	sl.cur = a

	log.Printf("[mux] send session=%s attempt=%s provider=%s model=%s stream=%v",
		sessionID, a.id, req.Provider, req.Model, req.Stream)

	m.wg.Add(1)
	go m.run(attemptCtx, sl, a, req)
	return a, nil
}

func (m *Multiplexer) reject(sl *slot, sessionID string, err error) {
	m.cancelLocked(sl)
	m.publish(Event{Type: EventError, SessionID: sessionID, Error: err.Error(), Kind: errorKind(err)})
	log.Printf("[mux] rejected session=%s err=%v", sessionID, err)
}

func (m *Multiplexer) cancelAttempt(sessionID string, a *attempt) {
	v, ok := m.slots.Load(sessionID)
	if !ok {
		return
	}
	sl := v.(*slot)
	sl.mu.Lock()
	if sl.cur == a {
		m.cancelLocked(sl)
	}
	sl.mu.Unlock()
}

// cancelLocked must be called with sl.mu held.
func (m *Multiplexer) cancelLocked(sl *slot) {
	a := sl.cur
	if a == nil {
		return
	}
	sl.cur = nil
	a.cancel()
	a.finish("", ErrCancelled)
	log.Printf("[mux] cancelled session=%s attempt=%s", a.sessionID, a.id)
	m.release()
}

func (m *Multiplexer) run(ctx context.Context, sl *slot, a *attempt, req *ai.Request) {
	defer m.wg.Done()
	defer a.cancel()

	start := time.Now()
	body, err := m.transport.Open(ctx, req)
	if err != nil {
		m.fail(sl, a, err)
		return
	}
	defer body.Close()

	if !m.emitIfCurrent(sl, a, Event{Type: EventStarted}) {
		return
	}

	var text strings.Builder
	if req.Stream {
		err = m.stream(ctx, sl, a, req, body, &text)
	} else {
		err = m.whole(sl, a, req, body, &text)
	}
	if err != nil {
		m.fail(sl, a, err)
		return
	}
	m.complete(sl, a, text.String(), time.Since(start))
}

func (m *Multiplexer) stream(ctx context.Context, sl *slot, a *attempt, req *ai.Request, body io.Reader, text *strings.Builder) error {
	dec := ai.NewDecoder(req.Dialect, ai.WithDecodeErrorHook(func(e *ai.DecodeError) {
		log.Printf("[mux] skip line session=%s attempt=%s: %v", a.sessionID, a.id, e)
	}))

	buf := make([]byte, readBufferSize)
	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			deltas, err := dec.Feed(buf[:n])
			if !m.chunks(sl, a, deltas, text) {
				return ErrCancelled
			}
			if err != nil {
				return withProvider(err, req.Provider)
			}
		}
		if errors.Is(rerr, io.EOF) {
			deltas, err := dec.Flush()
			if !m.chunks(sl, a, deltas, text) {
				return ErrCancelled
			}
			if err != nil {
				return withProvider(err, req.Provider)
			}
			return nil
		}
		if rerr != nil {
			if ctx.Err() != nil {
				return ErrCancelled
			}
			return rerr
		}
	}
}

// whole handles a provider that answered without streaming.
func (m *Multiplexer) whole(sl *slot, a *attempt, req *ai.Request, body io.Reader, text *strings.Builder) error {
	raw, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	reply, err := ai.ParseComplete(req.Dialect, raw)
	if err != nil {
		if _, ok := ai.AsTransportError(err); ok {
			return withProvider(err, req.Provider)
		}
		return &ai.DecodeError{Line: string(raw), Err: err}
	}
	if !m.chunks(sl, a, []string{reply}, text) {
		return ErrCancelled
	}
	return nil
}

func withProvider(err error, provider string) error {
	if te, ok := ai.AsTransportError(err); ok && te.Provider == "" {
		te.Provider = provider
	}
	return err
}

// chunks publishes deltas while a is still the session's request. It reports
// false once a was superseded.
func (m *Multiplexer) chunks(sl *slot, a *attempt, deltas []string, text *strings.Builder) bool {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.cur != a {
		return false
	}
	for _, d := range deltas {
		if d == "" {
			continue
		}
		text.WriteString(d)
		m.publish(Event{Type: EventChunk, SessionID: a.sessionID, Attempt: a.id, Delta: d})
	}
	return true
}

func (m *Multiplexer) emitIfCurrent(sl *slot, a *attempt, ev Event) bool {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.cur != a {
		return false
	}
	ev.SessionID, ev.Attempt = a.sessionID, a.id
	m.publish(ev)
	return true
}

func (m *Multiplexer) complete(sl *slot, a *attempt, reply string, took time.Duration) {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.cur != a {
		return
	}
	sl.cur = nil
	m.store.AppendTurn(a.sessionID, ai.RoleAssistant, reply)
	m.publish(Event{Type: EventFinished, SessionID: a.sessionID, Attempt: a.id, Text: reply})
	a.finish(reply, nil)
	log.Printf("[mux] finished session=%s attempt=%s chars=%d took=%s", a.sessionID, a.id, len(reply), took)
	m.release()
}

// fail reports err unless a was cancelled or superseded, which stay silent.
func (m *Multiplexer) fail(sl *slot, a *attempt, err error) {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.cur != a {
		return
	}
	if errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled) {
		m.cancelLocked(sl)
		return
	}
	sl.cur = nil
	m.publish(Event{Type: EventError, SessionID: a.sessionID, Attempt: a.id, Error: err.Error(), Kind: errorKind(err)})
	a.finish("", err)
	log.Printf("[mux] failed session=%s attempt=%s err=%v", a.sessionID, a.id, err)
	m.release()
}

func (m *Multiplexer) acquire() {
	m.idleMu.Lock()
	m.inFlight++
	m.idleMu.Unlock()
}

func (m *Multiplexer) release() {
	m.idleMu.Lock()
	defer m.idleMu.Unlock()
	m.inFlight--
	if m.inFlight == 0 {
		m.publish(Event{Type: EventAllIdle})
	}
}

func (m *Multiplexer) publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	m.hub.Publish(ev)
	for _, s := range m.sinks {
		s.Publish(ev)
	}
}

func errorKind(err error) string {
	var (
		ce *ai.ConfigurationError
		de *ai.DecodeError
	)
	switch {
	case errors.As(err, &ce):
		return "configuration"
	case errors.As(err, &de):
		return "decode"
	case errors.Is(err, chat.ErrSessionNotFound):
		return "session_not_found"
	}
	if te, ok := ai.AsTransportError(err); ok {
		return string(te.Kind)
	}
	return "internal"
}
