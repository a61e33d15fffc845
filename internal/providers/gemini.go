package providers

// Gemini's OpenAI facade requires every replayed tool_call to carry the
// thought_signature it originally emitted; cycles recorded before a
// signature was captured (or from models that never emit one) come back as
// HTTP 400. dropSiglessToolCycles removes those cycles from the replayed
// stream — the assistant's visible text survives, the tool_call and its
// paired tool result do not.
func dropSiglessToolCycles(msgs []Message) []Message {
	doomed := siglessCallIDs(msgs)
	if len(doomed) == 0 {
		return msgs
	}

	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		switch {
		case m.Role == "assistant" && hasDoomedCall(m, doomed):
			if m.Content != "" {
				out = append(out, Message{Role: "assistant", Content: m.Content})
			}
		case m.Role == "tool" && doomed[m.ToolCallID]:
			// paired result of a dropped call
		default:
			out = append(out, m)
		}
	}
	return out
}

// siglessCallIDs collects the ids of every tool call in an assistant turn
// where at least one call lacks a signature. The whole turn's calls are
// doomed together: Gemini validates the turn as a unit.
func siglessCallIDs(msgs []Message) map[string]bool {
	doomed := make(map[string]bool)
	for _, m := range msgs {
		if m.Role != "assistant" || len(m.ToolCalls) == 0 {
			continue
		}
		for _, tc := range m.ToolCalls {
			if tc.Metadata["thought_signature"] == "" {
				for _, sibling := range m.ToolCalls {
					doomed[sibling.ID] = true
				}
				break
			}
		}
	}
	return doomed
}

func hasDoomedCall(m Message, doomed map[string]bool) bool {
	for _, tc := range m.ToolCalls {
		if doomed[tc.ID] {
			return true
		}
	}
	return false
}
