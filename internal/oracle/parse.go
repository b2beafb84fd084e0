package oracle

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// parseDecision extracts the JSON object from a model reply, tolerating
// markdown fences and surrounding prose, and validates it.
func parseDecision(raw string) (*Decision, error) {
	jsonText := extractJSON(raw)
	if jsonText == "" {
		return nil, errors.New("no JSON object in oracle reply")
	}

	var d Decision
	if err := json.Unmarshal([]byte(jsonText), &d); err != nil {
		return nil, fmt.Errorf("decode oracle reply: %w", err)
	}
	if err := d.Validate(); err != nil {
		return nil, fmt.Errorf("invalid oracle decision: %w", err)
	}
	return &d, nil
}

// extractJSON returns the first balanced top-level object in s. Braces
// inside JSON strings do not affect the balance.
func extractJSON(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}
