package planner

import (
	"encoding/json"
	"errors"
	"strings"
)

// ErrToolCallParse indicates no tool calls could be recovered from a model
// turn. Callers treat this as zero tool calls, not a hard failure.
var ErrToolCallParse = errors.New("no tool calls parsed from model output")

// ToolCall is one structured request from the model to invoke a tool.
type ToolCall struct {
	ID    string                 `json:"id"`
	Name  string                 `json:"name"`
	Input map[string]interface{} `json:"input"`
}

// ExtractToolCalls recovers a tool-call list from loosely structured model
// output. The payload may be a bare JSON array, a single object, a fenced
// code block, or JSON embedded in prose. On parse failure a one-shot
// structural repair pass runs before giving up.
func ExtractToolCalls(raw string) ([]ToolCall, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, ErrToolCallParse
	}

	candidates := []string{trimmed}
	if fenced := stripCodeFence(trimmed); fenced != "" && fenced != trimmed {
		// Prefer fenced content over the raw text.
		candidates = []string{fenced, trimmed}
	}

	for _, candidate := range candidates {
		if calls, ok := parseToolCalls(candidate); ok {
			return calls, nil
		}
		if balanced, ok := findBalancedValue(candidate); ok {
			if calls, ok := parseToolCalls(balanced); ok {
				return calls, nil
			}
		}
	}

	// Structural repair: find the first syntactically balanced JSON value,
	// discard everything after it, strip trailing commas, retry exactly once.
	// This is a best-effort compatibility shim for imperfect model output,
	// not a general JSON parser.
	for _, candidate := range candidates {
		repaired, ok := repairJSON(candidate)
		if !ok {
			continue
		}
		if calls, ok := parseToolCalls(repaired); ok {
			return calls, nil
		}
	}

	return nil, ErrToolCallParse
}

// parseToolCalls tries the candidate as an array of calls, then as a single
// call object.
func parseToolCalls(candidate string) ([]ToolCall, bool) {
	var calls []ToolCall
	if err := json.Unmarshal([]byte(candidate), &calls); err == nil {
		return validCalls(calls)
	}

	var single ToolCall
	if err := json.Unmarshal([]byte(candidate), &single); err == nil && single.Name != "" {
		return []ToolCall{single}, true
	}
	return nil, false
}

func validCalls(calls []ToolCall) ([]ToolCall, bool) {
	if len(calls) == 0 {
		return nil, false
	}
	for _, c := range calls {
		if c.Name == "" {
			return nil, false
		}
	}
	return calls, true
}

// stripCodeFence returns the body of the first fenced code block, with any
// language tag on the opening line removed. Empty when no fence is present.
func stripCodeFence(s string) string {
	start := strings.Index(s, "```")
	if start == -1 {
		return ""
	}
	rest := s[start+3:]
	end := strings.Index(rest, "```")
	if end == -1 {
		return ""
	}
	content := rest[:end]
	if idx := strings.Index(content, "\n"); idx != -1 {
		content = content[idx+1:]
	}
	return strings.TrimSpace(content)
}

// findBalancedValue scans for the first syntactically balanced JSON array or
// object, tracking quoted-string and escape state so braces inside strings
// do not count. Behavior for strings containing unescaped structural
// characters beyond that is best effort.
func findBalancedValue(input string) (string, bool) {
	start := -1
	depth := 0
	inString := false
	escaped := false

	for i := 0; i < len(input); i++ {
		ch := input[i]
		if escaped {
			escaped = false
			continue
		}
		if ch == '\\' && inString {
			escaped = true
			continue
		}
		if ch == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}
		switch ch {
		case '{', '[':
			if depth == 0 {
				start = i
			}
			depth++
		case '}', ']':
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 && start >= 0 {
				return input[start : i+1], true
			}
		}
	}
	return "", false
}

// repairJSON extracts the first balanced value and strips trailing commas
// immediately before closing braces/brackets.
func repairJSON(candidate string) (string, bool) {
	balanced, ok := findBalancedValue(candidate)
	if !ok {
		return "", false
	}
	return stripTrailingCommas(balanced), true
}

// stripTrailingCommas removes commas whose next non-whitespace character is
// '}' or ']', outside of strings.
func stripTrailingCommas(input string) string {
	var out strings.Builder
	out.Grow(len(input))

	inString := false
	escaped := false
	for i := 0; i < len(input); i++ {
		ch := input[i]
		if escaped {
			escaped = false
			out.WriteByte(ch)
			continue
		}
		if ch == '\\' && inString {
			escaped = true
			out.WriteByte(ch)
			continue
		}
		if ch == '"' {
			inString = !inString
			out.WriteByte(ch)
			continue
		}
		if !inString && ch == ',' {
			j := i + 1
			for j < len(input) && (input[j] == ' ' || input[j] == '\t' || input[j] == '\n' || input[j] == '\r') {
				j++
			}
			if j < len(input) && (input[j] == '}' || input[j] == ']') {
				continue // drop the comma
			}
		}
		out.WriteByte(ch)
	}
	return out.String()
}
