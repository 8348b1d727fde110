package redisstore

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/qinjingliuan/berryllm-studio/internal/mux"
	"github.com/redis/go-redis/v9"
)

const (
	channelPrefix = "chat:events:"
	// AllChannel carries every event of every process.
	AllChannel = channelPrefix + "all"
)

func SessionChannel(sessionID string) string { return channelPrefix + sessionID }

// envelope tags an event with the process that produced it, so a relay can
// skip its own events.
type envelope struct {
	Origin string    `json:"origin"`
	Event  mux.Event `json:"event"`
}

// Store publishes multiplexer events on redis pub/sub and relays events of
// other processes back into a local hub.
type Store struct {
	rdb    *redis.Client
	origin string

	mu     sync.RWMutex
	closed bool
	queue  chan mux.Event
	done   chan struct{}
}

func New(addr, password string, db int) *Store {
	return NewWithClient(redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	}))
}

func NewWithClient(rdb *redis.Client) *Store {
	s := &Store{
		rdb:    rdb,
		origin: uuid.NewString(),
		queue:  make(chan mux.Event, 1024),
		done:   make(chan struct{}),
	}
	go s.loop()
	return s
}

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Publish enqueues ev; it never blocks the caller. Events are sent in order.
func (s *Store) Publish(ev mux.Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.queue <- ev:
	default:
		log.Printf("[redis] publish queue full, dropped %s event session=%s", ev.Type, ev.SessionID)
	}
}

func (s *Store) loop() {
	defer close(s.done)
	for ev := range s.queue {
		payload, err := json.Marshal(envelope{Origin: s.origin, Event: ev})
		if err != nil {
			log.Printf("[redis] marshal event: %v", err)
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if ev.SessionID != "" {
			if err := s.rdb.Publish(ctx, SessionChannel(ev.SessionID), payload).Err(); err != nil {
				log.Printf("[redis] publish session=%s err=%v", ev.SessionID, err)
			}
		}
		if err := s.rdb.Publish(ctx, AllChannel, payload).Err(); err != nil {
			log.Printf("[redis] publish all err=%v", err)
		}
		cancel()
	}
}

// Relay forwards events published by other processes into sink until ctx ends.
func (s *Store) Relay(ctx context.Context, sink mux.Sink) error {
	sub := s.rdb.Subscribe(ctx, AllChannel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				log.Printf("[redis] bad event payload: %v", err)
				continue
			}
			if !s.relayable(env) {
				continue
			}
			sink.Publish(env.Event)
		}
	}
}

// relayable reports whether env belongs in the local hub. all_idle describes
// the process that emitted it, so only local ones are delivered.
func (s *Store) relayable(env envelope) bool {
	return env.Origin != s.origin && env.Event.Type != mux.EventAllIdle
}

// Close drains pending events and closes the client.
func (s *Store) Close() error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()
	<-s.done
	return s.rdb.Close()
}
