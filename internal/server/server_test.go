package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/54b3r/stevie-go/internal/conversation"
	"github.com/54b3r/stevie-go/internal/rag"
)

// do sends a request through the full handler chain and returns the recorder.
func do(t *testing.T, h http.Handler, method, path, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode %s: %v", w.Body.String(), err)
	}
	return v
}

func TestNew_NilFactory(t *testing.T) {
	t.Parallel()
	if _, err := New(nil, nil); !errors.Is(err, rag.ErrConfiguration) {
		t.Errorf("New(nil) error = %v, want ErrConfiguration", err)
	}
}

func TestHandleAsk_Validation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		body     string
		wantKind string
	}{
		{"invalid json", `not-json`, "bad_request"},
		{"missing question", `{"session_id":""}`, "configuration"},
		{"blank question", `{"question":"   "}`, "configuration"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			s, _ := newTestServer(t, engineFactory(t, &fakeChatModel{}))
			w := do(t, s.Handler(), http.MethodPost, "/api/ask", tc.body)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", w.Code)
			}
			if got := decode[errorResponse](t, w); got.Kind != tc.wantKind {
				t.Errorf("kind = %q, want %q", got.Kind, tc.wantKind)
			}
		})
	}
}

func TestHandleAsk_NewSession(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, engineFactory(t, &fakeChatModel{}))
	w := do(t, s.Handler(), http.MethodPost, "/api/ask", `{"question":"What is your name?"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID header")
	}

	resp := decode[askResponse](t, w)
	if resp.SessionID == "" {
		t.Error("expected a new session_id")
	}
	if !strings.Contains(resp.Answer, "Stevie") {
		t.Errorf("answer = %q, want it to contain Stevie", resp.Answer)
	}
	want := []conversation.Turn{
		{Role: conversation.RoleUser, Content: "What is your name?"},
		{Role: conversation.RoleAssistant, Content: resp.Answer},
	}
	if len(resp.History) != 2 || resp.History[0] != want[0] || resp.History[1] != want[1] {
		t.Errorf("history = %+v, want %+v", resp.History, want)
	}
	if len(resp.Sources) != 1 || resp.Sources[0].Content != "My name is Stevie" {
		t.Errorf("sources = %+v", resp.Sources)
	}
	if s.sessions.len() != 1 {
		t.Errorf("sessions = %d, want 1", s.sessions.len())
	}
}

func TestHandleAsk_FollowUpReplaysHistory(t *testing.T) {
	t.Parallel()

	chat := &fakeChatModel{}
	s, _ := newTestServer(t, engineFactory(t, chat))
	h := s.Handler()

	first := decode[askResponse](t, do(t, h, http.MethodPost, "/api/ask", `{"question":"What is your name?"}`))
	body := fmt.Sprintf(`{"session_id":%q,"question":"How do you lead?"}`, first.SessionID)
	w := do(t, h, http.MethodPost, "/api/ask", body)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	second := decode[askResponse](t, w)
	if second.SessionID != first.SessionID {
		t.Errorf("session_id = %q, want %q", second.SessionID, first.SessionID)
	}
	if len(second.History) != 4 {
		t.Fatalf("history len = %d, want 4", len(second.History))
	}

	// system, prior question, prior answer, new question
	prompt := chat.lastPrompt()
	if len(prompt) != 4 {
		t.Fatalf("prompt len = %d, want 4", len(prompt))
	}
	if prompt[1].Role != schema.User || prompt[1].Content != "What is your name?" {
		t.Errorf("prompt[1] = %+v", prompt[1])
	}
	if prompt[2].Role != schema.Assistant || prompt[3].Content != "How do you lead?" {
		t.Errorf("prompt = %+v", prompt)
	}
}

func TestHandleAsk_UnknownSession(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, engineFactory(t, &fakeChatModel{}))
	w := do(t, s.Handler(), http.MethodPost, "/api/ask", `{"session_id":"nope","question":"hi"}`)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	if got := decode[errorResponse](t, w); got.Kind != "not_found" {
		t.Errorf("kind = %q", got.Kind)
	}
}

func TestHandleAsk_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantKind   string
	}{
		{"chat provider", fmt.Errorf("generate: %w: 503", rag.ErrChatProvider), http.StatusBadGateway, "chat_provider"},
		{"embedding provider", fmt.Errorf("embed: %w: 401", rag.ErrEmbeddingProvider), http.StatusBadGateway, "embedding_provider"},
		{"configuration", fmt.Errorf("%w: bad prompt", rag.ErrConfiguration), http.StatusBadRequest, "configuration"},
		{"unclassified", errors.New("boom"), http.StatusInternalServerError, "internal"},
		{"timeout", fmt.Errorf("%w: %w", rag.ErrChatProvider, context.DeadlineExceeded), http.StatusGatewayTimeout, "timeout"},
		{"canceled", fmt.Errorf("retrieve: %w", context.Canceled), statusClientClosedRequest, "canceled"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			s, _ := newTestServer(t, failingFactory(tc.err))
			w := do(t, s.Handler(), http.MethodPost, "/api/ask", `{"question":"What is your name?"}`)
			if w.Code != tc.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tc.wantStatus)
			}
			if got := decode[errorResponse](t, w); got.Kind != tc.wantKind || got.Error == "" {
				t.Errorf("body = %+v, want kind %q", got, tc.wantKind)
			}
		})
	}
}

func TestHandleAsk_ErrorBodyHidesCause(t *testing.T) {
	t.Parallel()

	cause := fmt.Errorf("generate: %w: POST https://llm.internal.example/v1/chat: 401 key sk-live-123 rejected", rag.ErrChatProvider)
	s, _ := newTestServer(t, failingFactory(cause))
	w := do(t, s.Handler(), http.MethodPost, "/api/ask", `{"question":"What is your name?"}`)

	for _, leak := range []string{"llm.internal.example", "sk-live-123", "401"} {
		if strings.Contains(w.Body.String(), leak) {
			t.Errorf("response body leaks %q: %s", leak, w.Body.String())
		}
	}
	if got := decode[errorResponse](t, w); got.Error != askErrorMessages["chat_provider"] {
		t.Errorf("error = %q, want %q", got.Error, askErrorMessages["chat_provider"])
	}
}

func TestHandleAsk_FailedFirstAskDropsNewSession(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, failingFactory(fmt.Errorf("%w: 503", rag.ErrChatProvider)))
	w := do(t, s.Handler(), http.MethodPost, "/api/ask", `{"question":"What is your name?"}`)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", w.Code)
	}
	if n := s.sessions.len(); n != 0 {
		t.Errorf("live sessions = %d, want 0", n)
	}
	if got := testutil.ToFloat64(s.metrics.sessionsActive); got != 0 {
		t.Errorf("sessions_active = %v, want 0", got)
	}
}

func TestHandleAsk_FailureKeepsExistingSession(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, failingFactory(fmt.Errorf("%w: 503", rag.ErrChatProvider)))
	h := s.Handler()
	id := decode[sessionResponse](t, do(t, h, http.MethodPost, "/api/sessions", "")).SessionID

	body := fmt.Sprintf(`{"session_id":%q,"question":"What is your name?"}`, id)
	if w := do(t, h, http.MethodPost, "/api/ask", body); w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", w.Code)
	}
	if _, ok := s.sessions.get(id); !ok {
		t.Error("explicitly created session was dropped after a failed ask")
	}
}

func TestHandleAsk_FailureKeepsHistory(t *testing.T) {
	t.Parallel()

	chat := &fakeChatModel{}
	s, _ := newTestServer(t, engineFactory(t, chat))
	h := s.Handler()

	first := decode[askResponse](t, do(t, h, http.MethodPost, "/api/ask", `{"question":"What is your name?"}`))

	chat.mu.Lock()
	chat.err = errors.New("upstream 500")
	chat.mu.Unlock()

	body := fmt.Sprintf(`{"session_id":%q,"question":"And your job?"}`, first.SessionID)
	if w := do(t, h, http.MethodPost, "/api/ask", body); w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", w.Code)
	}

	w := do(t, h, http.MethodGet, "/api/sessions/"+first.SessionID+"/history", "")
	if got := decode[historyResponse](t, w); len(got.History) != 2 {
		t.Errorf("history len = %d, want 2 after a failed ask", len(got.History))
	}
}

func TestSessionLifecycle(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, engineFactory(t, &fakeChatModel{}))
	h := s.Handler()

	w := do(t, h, http.MethodPost, "/api/sessions", "")
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d", w.Code)
	}
	id := decode[sessionResponse](t, w).SessionID
	if id == "" {
		t.Fatal("empty session_id")
	}

	w = do(t, h, http.MethodGet, "/api/sessions/"+id+"/history", "")
	if w.Code != http.StatusOK {
		t.Fatalf("history status = %d", w.Code)
	}
	if got := decode[historyResponse](t, w); got.SessionID != id || len(got.History) != 0 {
		t.Errorf("history = %+v, want empty", got)
	}

	if w = do(t, h, http.MethodDelete, "/api/sessions/"+id, ""); w.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", w.Code)
	}
	if w = do(t, h, http.MethodDelete, "/api/sessions/"+id, ""); w.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", w.Code)
	}
	if w = do(t, h, http.MethodGet, "/api/sessions/"+id+"/history", ""); w.Code != http.StatusNotFound {
		t.Errorf("history after delete status = %d, want 404", w.Code)
	}
}

func TestSessionsAreIsolated(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, engineFactory(t, &fakeChatModel{}))
	h := s.Handler()

	a := decode[askResponse](t, do(t, h, http.MethodPost, "/api/ask", `{"question":"What is your name?"}`))
	b := decode[askResponse](t, do(t, h, http.MethodPost, "/api/ask", `{"question":"How do you lead?"}`))
	if a.SessionID == b.SessionID {
		t.Fatal("two new asks shared a session")
	}
	if len(a.History) != 2 || len(b.History) != 2 {
		t.Errorf("history lens = %d, %d, want 2 each", len(a.History), len(b.History))
	}
}

func TestAuth_ProtectsSessionRoutesOnly(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, engineFactory(t, &fakeChatModel{}), func(c *Config) { c.APIKey = "secret" })
	h := s.Handler()

	if w := do(t, h, http.MethodPost, "/api/ask", `{"question":"hi"}`); w.Code != http.StatusUnauthorized {
		t.Errorf("ask without token = %d, want 401", w.Code)
	}
	if w := do(t, h, http.MethodPost, "/api/sessions", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("create session without token = %d, want 401", w.Code)
	}
	if w := do(t, h, http.MethodPost, "/api/sessions", "", "Authorization", "Bearer secret"); w.Code != http.StatusCreated {
		t.Errorf("create session with token = %d, want 201", w.Code)
	}
	if w := do(t, h, http.MethodGet, "/api/health", ""); w.Code != http.StatusOK {
		t.Errorf("health without token = %d, want 200", w.Code)
	}
}

func TestHandleAsk_RateLimited(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, engineFactory(t, &fakeChatModel{}), func(c *Config) {
		c.RateLimit = 0.001
		c.RateBurst = 1
	})
	h := s.Handler()

	if w := do(t, h, http.MethodPost, "/api/ask", `{"question":"What is your name?"}`); w.Code != http.StatusOK {
		t.Fatalf("first ask = %d, want 200", w.Code)
	}
	w := do(t, h, http.MethodPost, "/api/ask", `{"question":"What is your name?"}`)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second ask = %d, want 429", w.Code)
	}
	if got := decode[errorResponse](t, w); got.Kind != "rate_limited" {
		t.Errorf("kind = %q", got.Kind)
	}
}

func TestSessionManager_Evict(t *testing.T) {
	t.Parallel()

	var counts []int
	m, stop := newSessionManager(failingFactory(nil), time.Minute, slog.New(slog.DiscardHandler),
		func(n int) { counts = append(counts, n) })
	defer stop()

	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	stale, _, err := m.create(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	now = now.Add(45 * time.Second)
	fresh, _, err := m.create(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	now = now.Add(30 * time.Second)
	if n := m.evict(); n != 1 {
		t.Fatalf("evicted %d, want 1", n)
	}
	if _, ok := m.get(stale); ok {
		t.Error("stale session survived eviction")
	}
	if _, ok := m.get(fresh); !ok {
		t.Error("fresh session was evicted")
	}
	if got := fmt.Sprint(counts); got != "[1 2 1]" {
		t.Errorf("session counts = %s, want [1 2 1]", got)
	}
}

func TestSessionManager_FactoryError(t *testing.T) {
	t.Parallel()

	boom := fmt.Errorf("%w: no model", rag.ErrConfiguration)
	m, stop := newSessionManager(func(context.Context, *conversation.State) (Asker, error) { return nil, boom },
		time.Minute, slog.New(slog.DiscardHandler), nil)
	defer stop()

	if _, _, err := m.create(context.Background()); !errors.Is(err, rag.ErrConfiguration) {
		t.Errorf("create error = %v, want ErrConfiguration", err)
	}
	if m.len() != 0 {
		t.Errorf("len = %d, want 0", m.len())
	}
}
