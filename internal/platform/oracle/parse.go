package oracle

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/chartflow/chartflow/internal/domain/consolidation"
)

// ParseChanges decodes a proposed-change array out of raw model output.
// Models wrap JSON in code fences or prose despite instructions, so the
// array is located structurally rather than trusting the reply to be bare
// JSON. Unparseable output wraps ErrMalformedOutput; an empty array is a
// valid reply meaning the text said nothing about the section.
func ParseChanges(raw string) ([]consolidation.ProposedChange, error) {
	payload := extractJSONArray(raw)
	if payload == "" {
		return nil, fmt.Errorf("%w: no JSON array in response", ErrMalformedOutput)
	}

	var changes []consolidation.ProposedChange
	if err := json.Unmarshal([]byte(payload), &changes); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	return changes, nil
}

// extractJSONArray strips code fences and surrounding prose, returning the
// outermost bracketed array, or "" when none is present.
func extractJSONArray(raw string) string {
	s := strings.TrimSpace(raw)

	if strings.HasPrefix(s, "```") {
		if idx := strings.Index(s, "\n"); idx >= 0 {
			s = s[idx+1:]
		}
		if idx := strings.LastIndex(s, "```"); idx >= 0 {
			s = s[:idx]
		}
		s = strings.TrimSpace(s)
	}

	start := strings.Index(s, "[")
	end := strings.LastIndex(s, "]")
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}
