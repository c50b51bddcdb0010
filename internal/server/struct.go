package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/54b3r/stevie-go/internal/conversation"
	"github.com/54b3r/stevie-go/internal/rag"
)

// Config holds the HTTP server configuration.
type Config struct {
	// Host is the address to bind to (default: 127.0.0.1).
	Host string
	// Port is the TCP port to listen on (default: 8080).
	Port int
	// ReadTimeout is the maximum duration for reading the request.
	ReadTimeout time.Duration
	// WriteTimeout is the maximum duration for writing the response.
	WriteTimeout time.Duration
	// ShutdownTimeout is the maximum duration for a graceful shutdown.
	ShutdownTimeout time.Duration
	// AskTimeout bounds a single POST /api/ask, retrieval and generation
	// included. Defaults to 2 minutes.
	AskTimeout time.Duration
	// SessionTTL is how long an idle session is kept. Defaults to 30 minutes.
	SessionTTL time.Duration
	// Logger is the structured logger used by the server and its handlers.
	// If nil, [logging.New] is used.
	Logger *slog.Logger
	// Pingers is the ordered list of dependency probes run by GET /api/ready.
	// If empty, /api/ready returns 200 with no checks (liveness-only mode).
	Pingers []Pinger
	// RateLimit is the sustained request rate allowed per IP on
	// POST /api/ask (requests/second). Defaults to 10 if zero.
	RateLimit float64
	// RateBurst is the maximum instantaneous burst per IP. Defaults to 20 if zero.
	RateBurst int
	// APIKey is the Bearer token required on all /api/sessions and /api/ask
	// routes. If empty, authentication is disabled (development mode).
	APIKey string
	// IndexChunks is the number of chunks in the shared index, exported as
	// a gauge.
	IndexChunks int
	// MetricsRegistry receives the server metrics. Defaults to
	// prometheus.DefaultRegisterer.
	MetricsRegistry prometheus.Registerer
	// MetricsGatherer serves GET /metrics. Defaults to
	// prometheus.DefaultGatherer.
	MetricsGatherer prometheus.Gatherer
}

// Asker answers questions for one conversation.
// *conversation.Engine satisfies it; tests inject a fake.
type Asker interface {
	// Ask answers question and extends the conversation history.
	Ask(ctx context.Context, question string) (*conversation.Result, error)
	// State returns the conversation being extended.
	State() *conversation.State
}

// EngineFactory binds a new Asker to state. The server calls it once per
// session; implementations share the index and chat model across calls.
type EngineFactory func(ctx context.Context, state *conversation.State) (Asker, error)

// Server is the HTTP server that exposes Stevie's question answering.
type Server struct {
	// sessions holds the live conversations.
	sessions *sessionManager
	// cfg holds the resolved server configuration.
	cfg *Config
	// httpServer is the underlying net/http server.
	httpServer *http.Server
	// log is the structured logger for this server instance.
	log *slog.Logger
	// pingers is the ordered list of dependency probes for GET /api/ready.
	pingers []Pinger
	// metrics holds the Prometheus collectors owned by this server.
	metrics *serverMetrics
	// stop halts the rate limiter and session eviction goroutines.
	stop func()
}

// askRequest is the JSON body for POST /api/ask.
type askRequest struct {
	// SessionID selects the conversation. Empty starts a new one.
	SessionID string `json:"session_id,omitempty"`
	// Question is the visitor's question.
	Question string `json:"question"`
}

// askResponse is the JSON response for POST /api/ask.
type askResponse struct {
	SessionID          string              `json:"session_id"`
	Answer             string              `json:"answer"`
	History            []conversation.Turn `json:"history"`
	Sources            []rag.Document      `json:"sources"`
	StandaloneQuestion string              `json:"standalone_question,omitempty"`
}

// sessionResponse is the JSON response for POST /api/sessions.
type sessionResponse struct {
	SessionID string `json:"session_id"`
}

// historyResponse is the JSON response for GET /api/sessions/{id}/history.
type historyResponse struct {
	SessionID string              `json:"session_id"`
	History   []conversation.Turn `json:"history"`
}

// errorResponse is the JSON error body for the /api/sessions and /api/ask
// routes. Kind is one of the rag.Kind labels, or "not_found".
type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}
