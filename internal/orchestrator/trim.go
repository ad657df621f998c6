package orchestrator

import "github.com/ashureev/conductor/internal/domain"

// perMessageOverhead approximates role and framing tokens of one message.
const perMessageOverhead = 3

// EstimateTokens approximates the token count of a message at four
// characters per token.
func EstimateTokens(m domain.Message) int {
	chars := len(m.Content)
	for _, c := range m.ToolCalls {
		chars += len(c.Name) + len(c.Args)
	}
	return (chars+3)/4 + perMessageOverhead
}

// TrimHistory keeps the most recent messages whose estimated size fits
// maxTokens. Whole messages are dropped from the oldest end, and the kept
// window always starts on a user message so no tool result is separated from
// the call that produced it. When even the newest user message and what
// follows exceed the budget, that suffix is kept anyway so the decision step
// always sees the request it answers.
func TrimHistory(msgs []domain.Message, maxTokens int) []domain.Message {
	if len(msgs) == 0 {
		return nil
	}

	start := len(msgs)
	total := 0
	for i := len(msgs) - 1; i >= 0; i-- {
		total += EstimateTokens(msgs[i])
		if maxTokens > 0 && total > maxTokens {
			break
		}
		start = i
	}

	for start < len(msgs) && msgs[start].Role != domain.RoleUser {
		start++
	}
	if start == len(msgs) {
		start = lastUserIndex(msgs)
		if start < 0 {
			return nil
		}
	}

	out := make([]domain.Message, len(msgs)-start)
	copy(out, msgs[start:])
	return out
}

func lastUserIndex(msgs []domain.Message) int {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == domain.RoleUser {
			return i
		}
	}
	return -1
}
