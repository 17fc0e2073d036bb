package llm

import (
	"encoding/json"
	"strings"
)

// ParseStructuredReply extracts {"reply", "affection_delta"} from model
// output. Providers use it to turn raw completions into a ChatResult;
// content that is not the expected JSON object is returned as plain text
// with no delta, and the pipeline falls back to its own scoring.
func ParseStructuredReply(content string) *ChatResult {
	trimmed := strings.TrimSpace(content)
	// Models sometimes wrap JSON in a code fence.
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	trimmed = strings.TrimSpace(trimmed)

	var parsed struct {
		Reply          string `json:"reply"`
		AffectionDelta *int   `json:"affection_delta"`
	}
	if strings.HasPrefix(trimmed, "{") && json.Unmarshal([]byte(trimmed), &parsed) == nil && parsed.Reply != "" {
		result := &ChatResult{Text: parsed.Reply}
		if parsed.AffectionDelta != nil {
			result.AffectionDelta = *parsed.AffectionDelta
			result.HasDelta = true
		}
		return result
	}
	return &ChatResult{Text: content}
}
