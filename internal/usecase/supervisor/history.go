package supervisor

import "switchboard/internal/domain"

// FilterHistory keeps the conversational turns of a stored history: user and
// assistant messages that are not event markers. Order is preserved.
func FilterHistory(msgs []domain.Message) []domain.Message {
	out := make([]domain.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role != domain.RoleUser && m.Role != domain.RoleAssistant {
			continue
		}
		if domain.IsEventMarker(m.Metadata.MessageType) {
			continue
		}
		out = append(out, m)
	}
	return out
}

const perMessageTokens = 4

// EstimateTokens approximates the model token count of s at four bytes per
// token.
func EstimateTokens(s string) int { return (len(s) + 3) / 4 }

// TrimHistory keeps the most recent turns whose estimated size fits in
// budget tokens. A trimmed history never opens with an assistant turn.
func TrimHistory(msgs []domain.Message, budget int) []domain.Message {
	start := len(msgs)
	used := 0
	for i := len(msgs) - 1; i >= 0; i-- {
		cost := EstimateTokens(msgs[i].Content) + perMessageTokens
		if used+cost > budget {
			break
		}
		used += cost
		start = i
	}
	if start > 0 {
		for start < len(msgs) && msgs[start].Role == domain.RoleAssistant {
			start++
		}
	}
	return msgs[start:]
}
