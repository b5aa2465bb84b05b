package agent

import (
	"encoding/json"
	"fmt"
	"strings"
)

// DecodeJSON decodes the first JSON object found in an agent reply into v.
// Fenced ```json blocks are preferred over bare objects. Failures wrap
// ErrUnverifiable.
func DecodeJSON(text string, v any) error {
	candidate := extractFenced(text)
	if candidate == "" {
		candidate = extractObject(text)
	}
	if candidate == "" {
		return fmt.Errorf("%w: no JSON object in reply", ErrUnverifiable)
	}
	if err := json.Unmarshal([]byte(candidate), v); err != nil {
		return fmt.Errorf("%w: %v", ErrUnverifiable, err)
	}
	return nil
}

// extractFenced returns the object opened by a ```json fence. The closing
// fence is not searched for, since string values may contain fences.
func extractFenced(text string) string {
	start := strings.Index(text, "```json")
	if start < 0 {
		return ""
	}
	return extractObject(text[start+len("```json"):])
}

// extractObject returns the first balanced {...} span, honoring strings.
func extractObject(text string) string {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
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
				return text[start : i+1]
			}
		}
	}
	return ""
}
