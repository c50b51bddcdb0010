// Package conversation implements Stevie's retrieval-augmented question
// answering. An Engine binds a chat model, a retriever over the resume index
// and one conversation State; each Ask retrieves the relevant chunks, builds
// the prompt from the system framing, the retrieved context, the prior
// history and the new question, and records the exchange once the model has
// answered.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"github.com/54b3r/stevie-go/internal/budget"
	"github.com/54b3r/stevie-go/internal/logging"
	"github.com/54b3r/stevie-go/internal/rag"
)

// DefaultSystemPrompt frames the assistant. It is an FString template: the
// {context} placeholder receives the retrieved chunks, and literal braces
// must be doubled.
const DefaultSystemPrompt = `You are Stevie, a friendly assistant that answers questions about the
person whose resume and personal leadership brand you have been given.
Answer in the first person on their behalf, using only the context below.
If the context does not contain the answer, say that you don't know rather
than making something up. Keep answers short and specific.

Context:
{context}`

const condenseSystemPrompt = `Given the conversation so far and a follow-up question, rewrite the
follow-up as a standalone question that can be understood without the
conversation. Reply with the question only.`

// Template variable names.
const (
	varContext = "context"
	varHistory = "chat_history"
	varQuery   = "question"
)

// Transcript records completed exchanges outside the in-memory history.
type Transcript interface {
	AppendExchange(ctx context.Context, sessionID, question, answer string) error
}

// Config holds the dependencies of an Engine.
type Config struct {
	// ChatModel is the LLM backend built by the provider factory. Required.
	ChatModel model.BaseChatModel

	// Retriever serves the resume chunks. Required.
	Retriever rag.Retriever

	// State is the conversation to extend. Nil starts a new one.
	State *State

	// TopK is the number of chunks retrieved per question. Zero lets the
	// retriever use its own default.
	TopK int

	// SystemPrompt overrides DefaultSystemPrompt. It must contain {context}.
	SystemPrompt string

	// CondenseQuestion rewrites follow-up questions into standalone ones
	// before retrieval, using one extra model call when history exists.
	CondenseQuestion bool

	// MaxContextTokens bounds the estimated prompt size. Prior turns beyond
	// the budget are left out of the prompt, oldest first; the State keeps
	// them. Zero selects budget.DefaultMaxContextTokens.
	MaxContextTokens int

	// Transcript, when set, receives every completed exchange. Failures are
	// logged and never fail the call.
	Transcript Transcript
}

// Result is the outcome of a successful Ask.
type Result struct {
	// Answer is the model's reply.
	Answer string `json:"answer"`
	// History is the conversation after the exchange, oldest first.
	History []Turn `json:"history"`
	// Sources are the chunks the answer was grounded on.
	Sources []rag.Document `json:"sources"`
	// StandaloneQuestion is the rewritten question used for retrieval when
	// question condensing is on and history existed.
	StandaloneQuestion string `json:"standalone_question,omitempty"`
}

// Engine answers questions for one conversation. Calls to Ask must not
// overlap on the same Engine; the retriever and chat model may be shared by
// many engines.
type Engine struct {
	template  prompt.ChatTemplate
	answer    compose.Runnable[map[string]any, *schema.Message]
	condense  compose.Runnable[map[string]any, *schema.Message]
	retriever rag.Retriever
	state     *State
	topK      int
	maxTokens int
	sink      Transcript
}

// New compiles the answer chain (and the condense chain when enabled) and
// returns a ready Engine.
func New(ctx context.Context, cfg *Config) (*Engine, error) {
	if cfg.ChatModel == nil {
		return nil, fmt.Errorf("conversation: %w: ChatModel must not be nil", rag.ErrConfiguration)
	}
	if cfg.Retriever == nil {
		return nil, fmt.Errorf("conversation: %w: Retriever must not be nil", rag.ErrConfiguration)
	}

	system := cfg.SystemPrompt
	if system == "" {
		system = DefaultSystemPrompt
	}
	if !strings.Contains(system, "{"+varContext+"}") {
		return nil, fmt.Errorf("conversation: %w: system prompt must contain {%s}", rag.ErrConfiguration, varContext)
	}

	tmpl := prompt.FromMessages(schema.FString,
		schema.SystemMessage(system),
		schema.MessagesPlaceholder(varHistory, true),
		schema.UserMessage("{"+varQuery+"}"),
	)
	// Any placeholder other than {context} fails here rather than on every Ask.
	if _, err := tmpl.Format(ctx, map[string]any{varContext: "", varQuery: ""}); err != nil {
		return nil, fmt.Errorf("conversation: %w: system prompt: %w (literal braces must be doubled)", rag.ErrConfiguration, err)
	}
	answer, err := compose.NewChain[map[string]any, *schema.Message]().
		AppendChatTemplate(tmpl).
		AppendChatModel(cfg.ChatModel).
		Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("conversation: compile answer chain: %w", err)
	}

	e := &Engine{
		template:  tmpl,
		answer:    answer,
		retriever: cfg.Retriever,
		state:     cfg.State,
		topK:      cfg.TopK,
		maxTokens: cfg.MaxContextTokens,
		sink:      cfg.Transcript,
	}
	if e.state == nil {
		e.state = NewState()
	}
	if e.maxTokens <= 0 {
		e.maxTokens = budget.DefaultMaxContextTokens
	}

	if cfg.CondenseQuestion {
		condenseTmpl := prompt.FromMessages(schema.FString,
			schema.SystemMessage(condenseSystemPrompt),
			schema.MessagesPlaceholder(varHistory, false),
			schema.UserMessage("Follow-up question: {"+varQuery+"}"),
		)
		e.condense, err = compose.NewChain[map[string]any, *schema.Message]().
			AppendChatTemplate(condenseTmpl).
			AppendChatModel(cfg.ChatModel).
			Compile(ctx)
		if err != nil {
			return nil, fmt.Errorf("conversation: compile condense chain: %w", err)
		}
	}
	return e, nil
}

// State returns the conversation this Engine extends.
func (e *Engine) State() *State { return e.state }

// Ask answers question from the retrieved resume context and the prior
// history, then appends the question and answer to the history. On any
// error the history is left unchanged.
func (e *Engine) Ask(ctx context.Context, question string) (*Result, error) {
	if strings.TrimSpace(question) == "" {
		return nil, fmt.Errorf("conversation: %w: question must not be empty", rag.ErrConfiguration)
	}
	log := logging.FromContext(ctx).With(slog.String("session_id", e.state.ID()))

	history := messages(e.state.History())

	query := question
	var standalone string
	if e.condense != nil && len(history) > 0 {
		msg, err := e.condense.Invoke(ctx, map[string]any{
			varHistory: history,
			varQuery:   question,
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("conversation: condense question: %w", ctx.Err())
			}
			return nil, fmt.Errorf("conversation: condense question: %w: %w", rag.ErrChatProvider, err)
		}
		if s := strings.TrimSpace(msg.Content); s != "" {
			standalone = s
			query = s
		}
		log.Debug("conversation: condensed question", slog.String("standalone", standalone))
	}

	docs, err := e.retriever.Retrieve(ctx, query, e.topK)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("conversation: retrieve: %w", ctx.Err())
		}
		if errors.Is(err, rag.ErrEmbeddingProvider) {
			return nil, fmt.Errorf("conversation: retrieve: %w", err)
		}
		return nil, fmt.Errorf("conversation: retrieve: %w: %w", rag.ErrEmbeddingProvider, err)
	}
	log.Debug("conversation: retrieved context", slog.Int("chunks", len(docs)))

	vars := map[string]any{
		varContext: joinContext(docs),
		varQuery:   question,
	}

	// The history is the only part of the prompt that can be shortened.
	fixed, err := e.template.Format(ctx, vars)
	if err != nil {
		return nil, fmt.Errorf("conversation: format prompt: %w", err)
	}
	trimmed := budget.TrimHistory(fixed, history, e.maxTokens)
	if dropped := len(history) - len(trimmed); dropped > 0 {
		log.Warn("budget: left older turns out of the prompt",
			slog.Int("dropped", dropped),
			slog.Int("retained", len(trimmed)),
			slog.Int("max_tokens", e.maxTokens),
		)
	}
	vars[varHistory] = trimmed

	msg, err := e.answer.Invoke(ctx, vars)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("conversation: generate answer: %w", ctx.Err())
		}
		return nil, fmt.Errorf("conversation: generate answer: %w: %w", rag.ErrChatProvider, err)
	}
	answer := strings.TrimSpace(msg.Content)

	turns := e.state.appendExchange(question, answer)

	if e.sink != nil {
		if err := e.sink.AppendExchange(ctx, e.state.ID(), question, answer); err != nil {
			log.Warn("history: failed to persist exchange", slog.Any("error", err))
		}
	}

	return &Result{
		Answer:             answer,
		History:            turns,
		Sources:            docs,
		StandaloneQuestion: standalone,
	}, nil
}

// joinContext concatenates the retrieved chunks, separated by blank lines.
func joinContext(docs []rag.Document) string {
	parts := make([]string, 0, len(docs))
	for _, d := range docs {
		parts = append(parts, d.Content)
	}
	return strings.Join(parts, "\n\n")
}
