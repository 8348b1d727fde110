package redisstore

import (
	"encoding/json"
	"testing"

	"github.com/qinjingliuan/berryllm-studio/internal/mux"
)

func TestSessionChannel(t *testing.T) {
	if got := SessionChannel("01ABC"); got != "chat:events:01ABC" {
		t.Fatalf("unexpected channel %q", got)
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	b, err := json.Marshal(envelope{Origin: "p1", Event: mux.Event{Type: mux.EventChunk, SessionID: "s", Delta: "hi"}})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Origin != "p1" || env.Event.Type != mux.EventChunk || env.Event.Delta != "hi" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
}

func TestPublishAfterCloseIsDropped(t *testing.T) {
	// nothing listens on port 1; publishes fail and are logged
	s := New("127.0.0.1:1", "", 0)
	s.Publish(mux.Event{Type: mux.EventStarted, SessionID: "s"})
	_ = s.Close()
	s.Publish(mux.Event{Type: mux.EventFinished, SessionID: "s"})
}

func TestRelayable_SkipsOwnAndIdleEvents(t *testing.T) {
	s := &Store{origin: "self"}
	cases := []struct {
		env  envelope
		want bool
	}{
		{envelope{Origin: "self", Event: mux.Event{Type: mux.EventChunk, SessionID: "s"}}, false},
		{envelope{Origin: "other", Event: mux.Event{Type: mux.EventAllIdle}}, false},
		{envelope{Origin: "other", Event: mux.Event{Type: mux.EventChunk, SessionID: "s"}}, true},
		{envelope{Origin: "other", Event: mux.Event{Type: mux.EventFinished, SessionID: "s"}}, true},
	}
	for _, c := range cases {
		if got := s.relayable(c.env); got != c.want {
			t.Fatalf("relayable(%s from %s) = %v, want %v", c.env.Event.Type, c.env.Origin, got, c.want)
		}
	}
}
