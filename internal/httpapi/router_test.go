package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/qinjingliuan/berryllm-studio/internal/ai"
	"github.com/qinjingliuan/berryllm-studio/internal/app"
	"github.com/qinjingliuan/berryllm-studio/internal/config"
	"github.com/qinjingliuan/berryllm-studio/internal/httpapi/handlers"
	"github.com/qinjingliuan/berryllm-studio/internal/httpapi/middleware"
)

const testKey = "sk-secret-value"

// upstream answers every chat completion with "Hello" in two deltas.
func upstream(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+testKey {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.Method == http.MethodHead {
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, d := range []string{"Hel", "lo"} {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", d)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestRouter(t *testing.T, jwtSecret string) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	srv := upstream(t)

	cfg := config.Config{
		DBDSN:     fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()),
		JWTSecret: jwtSecret,
		Providers: []ai.Descriptor{{
			ID:      "openai",
			Name:    "OpenAI",
			APIURL:  srv.URL,
			APIKey:  testKey,
			Dialect: ai.DialectOpenAI,
			Models:  []ai.Model{{ID: "gpt-4", SupportsStream: true}},
		}},
		Generation: config.Generation{
			MaxTokens:          100,
			Temperature:        0.7,
			TopP:               1,
			MaxHistoryMessages: 10,
			Stream:             true,
		},
		ProbeTimeout: 2 * time.Second,
	}
	a, err := app.New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("app: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.Close(ctx)
	})

	h := handlers.NewHandler(cfg, a.ChatSvc, a.Mux, a.Registry, nil)
	return NewRouter(h, cfg)
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func do(t *testing.T, r http.Handler, method, path, token string, body any) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var env envelope
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
			t.Fatalf("decode %s %s: %v body=%s", method, path, err, w.Body.String())
		}
	}
	return w, env
}

func createSession(t *testing.T, r http.Handler, token string) string {
	t.Helper()
	w, env := do(t, r, http.MethodPost, "/chat/sessions", token, gin.H{"provider": "openai"})
	if w.Code != http.StatusOK || env.Code != 0 {
		t.Fatalf("create session: status=%d body=%s", w.Code, w.Body.String())
	}
	var snap struct {
		SessionID string `json:"session_id"`
		Model     string `json:"model"`
	}
	if err := json.Unmarshal(env.Data, &snap); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	if snap.Model != "gpt-4" {
		t.Fatalf("expected default model gpt-4, got %q", snap.Model)
	}
	return snap.SessionID
}

func TestSessionLifecycleAndSyncSend(t *testing.T) {
	r := newTestRouter(t, "")
	sid := createSession(t, r, "")

	w, env := do(t, r, http.MethodPost, "/chat/messages", "", gin.H{"session_id": sid, "message": "hi"})
	if w.Code != http.StatusOK {
		t.Fatalf("send: status=%d body=%s", w.Code, w.Body.String())
	}
	var sent struct {
		Reply string `json:"reply"`
	}
	_ = json.Unmarshal(env.Data, &sent)
	if sent.Reply != "Hello" {
		t.Fatalf("expected reply Hello, got %q", sent.Reply)
	}

	_, env = do(t, r, http.MethodGet, "/chat/sessions/"+sid+"/messages", "", nil)
	var page struct {
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	_ = json.Unmarshal(env.Data, &page)
	// newest first
	if len(page.Messages) != 2 || page.Messages[0].Role != "assistant" || page.Messages[1].Content != "hi" {
		t.Fatalf("unexpected archive: %+v", page.Messages)
	}

	if w, _ := do(t, r, http.MethodPatch, "/chat/sessions/"+sid, "", gin.H{"name": "Renamed"}); w.Code != http.StatusOK {
		t.Fatalf("rename: status=%d", w.Code)
	}
	w, env = do(t, r, http.MethodPost, "/chat/sessions/"+sid+"/copy", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("copy: status=%d", w.Code)
	}
	var cp struct {
		Name    string `json:"name"`
		History []struct {
			Content string `json:"content"`
		} `json:"history"`
	}
	_ = json.Unmarshal(env.Data, &cp)
	if cp.Name != "Renamed (copy)" || len(cp.History) != 2 {
		t.Fatalf("unexpected copy: %+v", cp)
	}

	_, env = do(t, r, http.MethodGet, "/chat/sessions", "", nil)
	var list struct {
		Sessions []struct {
			SessionID string `json:"session_id"`
		} `json:"sessions"`
	}
	_ = json.Unmarshal(env.Data, &list)
	if len(list.Sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(list.Sessions))
	}

	if w, _ := do(t, r, http.MethodDelete, "/chat/sessions/"+sid, "", nil); w.Code != http.StatusOK {
		t.Fatalf("delete: status=%d", w.Code)
	}
	if w, env := do(t, r, http.MethodGet, "/chat/sessions/"+sid, "", nil); w.Code != http.StatusNotFound || env.Code != 40401 {
		t.Fatalf("expected 40401 after delete, got status=%d code=%d", w.Code, env.Code)
	}
}

func TestStreamSend_WritesEventsInOrder(t *testing.T) {
	r := newTestRouter(t, "")
	sid := createSession(t, r, "")

	w, _ := do(t, r, http.MethodPost, "/chat/messages/stream", "", gin.H{"session_id": sid, "message": "hi"})
	if w.Code != http.StatusOK {
		t.Fatalf("stream: status=%d body=%s", w.Code, w.Body.String())
	}
	body := w.Body.String()
	started := strings.Index(body, "event: started")
	chunk := strings.Index(body, "event: chunk")
	finished := strings.Index(body, "event: finished")
	if started < 0 || chunk < started || finished < chunk {
		t.Fatalf("unexpected event order:\n%s", body)
	}
	if !strings.Contains(body, `"text":"Hello"`) {
		t.Fatalf("finished event lacks the full reply:\n%s", body)
	}
}

func TestSend_Validation(t *testing.T) {
	r := newTestRouter(t, "")

	if w, env := do(t, r, http.MethodPost, "/chat/messages", "", gin.H{"session_id": "missing", "message": "hi"}); w.Code != http.StatusNotFound || env.Code != 40401 {
		t.Fatalf("expected 40401, got status=%d code=%d", w.Code, env.Code)
	}
	if w, _ := do(t, r, http.MethodPost, "/chat/messages", "", gin.H{"session_id": "x"}); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing message, got %d", w.Code)
	}
	if w, env := do(t, r, http.MethodPost, "/chat/sessions", "", gin.H{"provider": "nope"}); w.Code != http.StatusBadRequest || env.Code != 40002 {
		t.Fatalf("expected 40002, got status=%d code=%d", w.Code, env.Code)
	}
	sid := createSession(t, r, "")
	if w, env := do(t, r, http.MethodPost, "/chat/messages/async", "", gin.H{"session_id": sid, "message": "hi"}); w.Code != http.StatusServiceUnavailable || env.Code != 50301 {
		t.Fatalf("expected async disabled, got status=%d code=%d", w.Code, env.Code)
	}
	if w, env := do(t, r, http.MethodGet, "/nowhere", "", nil); w.Code != http.StatusNotFound || env.Code != 40400 {
		t.Fatalf("expected 40400, got status=%d code=%d", w.Code, env.Code)
	}
}

func TestProviders_HideKeysAndTestConnection(t *testing.T) {
	r := newTestRouter(t, "")

	w, env := do(t, r, http.MethodGet, "/providers", "", nil)
	if w.Code != http.StatusOK || strings.Contains(w.Body.String(), testKey) {
		t.Fatalf("provider listing leaked the key or failed: %s", w.Body.String())
	}
	var list struct {
		Providers []struct {
			ID         string `json:"id"`
			Configured bool   `json:"configured"`
		} `json:"providers"`
	}
	_ = json.Unmarshal(env.Data, &list)
	if len(list.Providers) != 1 || !list.Providers[0].Configured {
		t.Fatalf("unexpected providers: %+v", list.Providers)
	}

	if w, _ := do(t, r, http.MethodPost, "/providers/openai/test", "", nil); w.Code != http.StatusOK {
		t.Fatalf("test connection: status=%d body=%s", w.Code, w.Body.String())
	}
	if w, env := do(t, r, http.MethodPost, "/providers/nope/test", "", nil); w.Code != http.StatusBadRequest || env.Code != 40003 {
		t.Fatalf("expected configuration error, got status=%d code=%d", w.Code, env.Code)
	}
}

func TestAuth_ScopesSessionsToOwner(t *testing.T) {
	const secret = "test-secret"
	r := newTestRouter(t, secret)

	if w, env := do(t, r, http.MethodGet, "/chat/sessions", "", nil); w.Code != http.StatusUnauthorized || env.Code != 40101 {
		t.Fatalf("expected 40101, got status=%d code=%d", w.Code, env.Code)
	}

	alice, err := middleware.IssueToken(secret, "alice", time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	bob, err := middleware.IssueToken(secret, "bob", time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	sid := createSession(t, r, alice)
	if w, _ := do(t, r, http.MethodGet, "/chat/sessions/"+sid, alice, nil); w.Code != http.StatusOK {
		t.Fatalf("owner lookup: status=%d", w.Code)
	}
	if w, env := do(t, r, http.MethodGet, "/chat/sessions/"+sid, bob, nil); w.Code != http.StatusNotFound || env.Code != 40401 {
		t.Fatalf("expected other owner to get 40401, got status=%d code=%d", w.Code, env.Code)
	}
	if w, _ := do(t, r, http.MethodDelete, "/chat/sessions/"+sid, bob, nil); w.Code != http.StatusNotFound {
		t.Fatalf("other owner deleted the session: status=%d", w.Code)
	}
}
