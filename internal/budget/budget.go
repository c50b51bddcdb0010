// Package budget estimates prompt size and trims prior conversation turns so
// the retrieved context, the system framing and the new question always fit
// the chat model's context window. Stevie can run against several backends
// with different tokenizers, so estimation uses a character heuristic:
// 1 token ≈ 4 characters.
package budget

import (
	"github.com/cloudwego/eino/schema"
)

const (
	charsPerToken = 4

	// perMessageOverhead approximates the role and framing tokens every
	// chat API adds to a message.
	perMessageOverhead = 4

	// DefaultMaxContextTokens is the default input budget. It fits the 4k
	// window of gpt-3.5-turbo with room left for the answer.
	DefaultMaxContextTokens = 3000
)

// Estimate returns a rough token count for s.
func Estimate(s string) int {
	n := len(s) / charsPerToken
	if n == 0 && len(s) > 0 {
		return 1
	}
	return n
}

// EstimateMessages returns the estimated token count of msgs.
func EstimateMessages(msgs []*schema.Message) int {
	total := 0
	for _, m := range msgs {
		total += perMessageOverhead
		total += Estimate(string(m.Role))
		total += Estimate(m.Content)
	}
	return total
}

// TrimHistory drops the oldest question/answer exchanges from history until
// fixed + history fits within maxTokens. history is expected to alternate
// user and assistant messages; exchanges are removed two messages at a time
// so the remaining history never starts with an orphaned answer.
//
// fixed holds the messages that are always sent (system framing with the
// retrieved context, the new question). If fixed alone exceeds the budget
// the result is empty; the caller decides whether to warn.
func TrimHistory(fixed, history []*schema.Message, maxTokens int) []*schema.Message {
	if len(history) == 0 {
		return history
	}

	fixedTokens := EstimateMessages(fixed)
	for len(history) > 0 && fixedTokens+EstimateMessages(history) > maxTokens {
		step := 2
		if len(history) < 2 || history[0].Role != schema.User || history[1].Role != schema.Assistant {
			step = 1
		}
		history = history[step:]
	}
	return history
}
