// Package server implements the HTTP JSON API that lets visitors chat with
// Stevie. Each session owns one conversation; the resume index and chat
// model are shared by all sessions. The server is started by the
// `stevie serve` CLI command.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/54b3r/stevie-go/internal/logging"
	"github.com/54b3r/stevie-go/internal/rag"
)

// maxBodyBytes caps request bodies on the JSON routes.
const maxBodyBytes = 64 << 10

// New constructs a Server that binds conversations with factory.
// It starts the rate limiter and session eviction goroutines; Start stops
// them on shutdown, and Close stops them for servers that were never started.
func New(factory EngineFactory, cfg *Config) (*Server, error) {
	if factory == nil {
		return nil, fmt.Errorf("server: %w: engine factory must not be nil", rag.ErrConfiguration)
	}
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.AskTimeout == 0 {
		cfg.AskTimeout = 2 * time.Minute
	}
	if cfg.WriteTimeout == 0 {
		// Must outlast the slowest answer.
		cfg.WriteTimeout = cfg.AskTimeout + 10*time.Second
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.SessionTTL == 0 {
		cfg.SessionTTL = defaultSessionTTL
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = defaultRateLimit
	}
	if cfg.RateBurst == 0 {
		cfg.RateBurst = defaultRateBurst
	}
	if cfg.MetricsRegistry == nil {
		cfg.MetricsRegistry = prometheus.DefaultRegisterer
	}
	if cfg.MetricsGatherer == nil {
		cfg.MetricsGatherer = prometheus.DefaultGatherer
	}
	log := cfg.Logger
	if log == nil {
		log = logging.New()
	}

	s := &Server{
		cfg:     cfg,
		log:     log,
		pingers: cfg.Pingers,
		metrics: newServerMetrics(cfg.MetricsRegistry),
	}
	s.metrics.indexChunks.Set(float64(cfg.IndexChunks))

	var stopSessions func()
	s.sessions, stopSessions = newSessionManager(factory, cfg.SessionTTL, log,
		func(n int) { s.metrics.sessionsActive.Set(float64(n)) })
	rl, stopRL := newRateLimiter(cfg.RateLimit, cfg.RateBurst, log)
	s.stop = sync.OnceFunc(func() {
		stopRL()
		stopSessions()
	})

	if cfg.APIKey == "" {
		log.Warn("server: STEVIE_API_KEY is not set, API authentication is disabled")
	}
	protect := func(name string, h http.Handler) http.Handler {
		return s.instrument(name, authMiddleware(cfg.APIKey, h))
	}

	mux := http.NewServeMux()
	mux.Handle("POST /api/sessions", protect("create_session", http.HandlerFunc(s.handleCreateSession)))
	mux.Handle("GET /api/sessions/{id}/history", protect("history", http.HandlerFunc(s.handleHistory)))
	mux.Handle("DELETE /api/sessions/{id}", protect("delete_session", http.HandlerFunc(s.handleDeleteSession)))
	mux.Handle("POST /api/ask", protect("ask", rl.middleware(http.HandlerFunc(s.handleAsk))))
	mux.Handle("GET /api/health", s.instrument("health", http.HandlerFunc(s.handleHealth)))
	mux.Handle("GET /api/ready", s.instrument("ready", http.HandlerFunc(s.handleReady)))
	mux.Handle("GET /metrics", promhttp.HandlerFor(cfg.MetricsGatherer, promhttp.HandlerOpts{}))

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      requestLogger(log, mux),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s, nil
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Close stops the background goroutines of a server that was never started.
func (s *Server) Close() { s.stop() }

// Start begins listening and serving HTTP requests. It blocks until the
// context is cancelled, then performs a graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	defer s.stop()

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("server: listening", slog.String("addr", "http://"+s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server: listen error: %w", err)
	case <-ctx.Done():
		s.log.Info("server: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server: graceful shutdown failed: %w", err)
		}
		return nil
	}
}

// handleCreateSession handles POST /api/sessions.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	id, _, err := s.sessions.create(r.Context())
	if err != nil {
		_ = s.writeAskError(w, r, err)
		return
	}
	logging.FromContext(r.Context()).Info("session created", slog.String("session_id", id))
	writeJSON(w, r, http.StatusCreated, sessionResponse{SessionID: id})
}

// handleAsk handles POST /api/ask. A request without a session_id starts a
// new session, whose ID is returned in the response.
func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	outcome := "ok"
	defer func() {
		s.metrics.askRequestsTotal.WithLabelValues(outcome).Inc()
		s.metrics.askDurationSeconds.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	}()

	var req askRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		outcome = "bad_request"
		writeError(w, r, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		outcome = "configuration"
		writeError(w, r, http.StatusBadRequest, "configuration", "question is required")
		return
	}

	var (
		sess *session
		err  error
	)
	id := req.SessionID
	created := id == ""
	if created {
		id, sess, err = s.sessions.create(r.Context())
		if err != nil {
			outcome = s.writeAskError(w, r, err)
			return
		}
	} else {
		var ok bool
		if sess, ok = s.sessions.get(id); !ok {
			outcome = "not_found"
			writeError(w, r, http.StatusNotFound, "not_found", "unknown session "+id)
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.AskTimeout)
	defer cancel()
	ctx = logging.WithLogger(ctx, logging.FromContext(ctx).With(slog.String("session_id", id)))

	sess.mu.Lock()
	res, err := sess.asker.Ask(ctx, req.Question)
	sess.mu.Unlock()
	if err != nil {
		// The client never learns the ID of a session created here, so it
		// must not outlive the failed request.
		if created {
			s.sessions.remove(id)
		}
		outcome = s.writeAskError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, askResponse{
		SessionID:          id,
		Answer:             res.Answer,
		History:            res.History,
		Sources:            res.Sources,
		StandaloneQuestion: res.StandaloneQuestion,
	})
}

// handleHistory handles GET /api/sessions/{id}/history.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, ok := s.sessions.get(id)
	if !ok {
		writeError(w, r, http.StatusNotFound, "not_found", "unknown session "+id)
		return
	}
	writeJSON(w, r, http.StatusOK, historyResponse{
		SessionID: id,
		History:   sess.asker.State().History(),
	})
}

// handleDeleteSession handles DELETE /api/sessions/{id}.
func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.sessions.remove(id) {
		writeError(w, r, http.StatusNotFound, "not_found", "unknown session "+id)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// statusClientClosedRequest reports a request abandoned by the client.
const statusClientClosedRequest = 499

// askErrorMessages are the client-facing messages per error kind. The full
// error, which may carry provider URLs or file paths, is only logged.
var askErrorMessages = map[string]string{
	"configuration":      "invalid configuration or request",
	"document_read":      "the knowledge base could not be read",
	"embedding_provider": "the embedding provider failed",
	"chat_provider":      "the chat provider failed",
	"timeout":            "the question timed out",
	"canceled":           "the request was canceled",
	"internal":           "internal error",
}

// writeAskError maps a pipeline error to its HTTP status and returns the
// kind it reported: configuration errors are the caller's fault, provider
// errors are upstream failures.
func (s *Server) writeAskError(w http.ResponseWriter, r *http.Request, err error) string {
	kind := rag.Kind(err)
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind, status = "timeout", http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		kind, status = "canceled", statusClientClosedRequest
	case kind == "configuration":
		status = http.StatusBadRequest
	case kind == "embedding_provider", kind == "chat_provider":
		status = http.StatusBadGateway
	}
	logging.FromContext(r.Context()).Error("ask failed",
		slog.String("kind", kind),
		slog.Any("error", err),
	)
	msg, ok := askErrorMessages[kind]
	if !ok {
		msg = askErrorMessages["internal"]
	}
	writeError(w, r, status, kind, msg)
	return kind
}

// writeJSON encodes v as the response body with the given status.
func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.FromContext(r.Context()).Error("response encode error", slog.Any("error", err))
	}
}

// writeError writes an errorResponse.
func writeError(w http.ResponseWriter, r *http.Request, status int, kind, msg string) {
	writeJSON(w, r, status, errorResponse{Error: msg, Kind: kind})
}
