package conversation

import (
	"fmt"
	"sync"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"
)

// Role identifies the author of a conversation turn.
type Role string

const (
	// RoleUser marks a question asked by the visitor.
	RoleUser Role = "user"
	// RoleAssistant marks an answer produced by Stevie.
	RoleAssistant Role = "assistant"
)

// Turn is one message of the conversation history.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// State owns the history of one conversation. It is created explicitly by
// the caller (once per CLI run or per HTTP session) and grows only through
// completed exchanges, two turns at a time.
type State struct {
	id        string
	createdAt time.Time

	mu    sync.RWMutex
	turns []Turn
}

// NewState returns an empty State with a random session ID.
func NewState() *State {
	return NewStateWithID(uuid.NewString())
}

// NewStateWithID returns an empty State with the given session ID.
func NewStateWithID(id string) *State {
	return &State{id: id, createdAt: time.Now()}
}

// RestoreState rebuilds a State from a previously recorded history. The
// history must consist of complete user/assistant exchanges.
func RestoreState(id string, turns []Turn) (*State, error) {
	if len(turns)%2 != 0 {
		return nil, fmt.Errorf("conversation: restore %s: odd number of turns (%d)", id, len(turns))
	}
	for i, t := range turns {
		want := RoleUser
		if i%2 == 1 {
			want = RoleAssistant
		}
		if t.Role != want {
			return nil, fmt.Errorf("conversation: restore %s: turn %d has role %q, want %q", id, i, t.Role, want)
		}
	}
	s := NewStateWithID(id)
	s.turns = append([]Turn(nil), turns...)
	return s, nil
}

// ID returns the session ID.
func (s *State) ID() string { return s.id }

// CreatedAt returns when the State was created.
func (s *State) CreatedAt() time.Time { return s.createdAt }

// History returns a copy of the conversation history, oldest first.
func (s *State) History() []Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Turn(nil), s.turns...)
}

// Len returns the number of turns in the history.
func (s *State) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.turns)
}

// appendExchange records a completed question and answer, in that order.
func (s *State) appendExchange(question, answer string) []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = append(s.turns,
		Turn{Role: RoleUser, Content: question},
		Turn{Role: RoleAssistant, Content: answer},
	)
	return append([]Turn(nil), s.turns...)
}

// messages converts turns into chat messages for the prompt.
func messages(turns []Turn) []*schema.Message {
	out := make([]*schema.Message, 0, len(turns))
	for _, t := range turns {
		switch t.Role {
		case RoleUser:
			out = append(out, schema.UserMessage(t.Content))
		case RoleAssistant:
			out = append(out, schema.AssistantMessage(t.Content, nil))
		}
	}
	return out
}
