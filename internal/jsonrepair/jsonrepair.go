// Package jsonrepair makes a best effort at turning LLM output into parseable
// JSON. Parsing is attempted once against the repaired text; callers decide
// what a second failure means.
package jsonrepair

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Repair normalizes common LLM JSON defects: surrounding prose, markdown code
// fences, unbalanced brackets, and an unterminated trailing string.
func Repair(s string) string {
	s = stripFences(s)
	s = extractOutermost(s)
	s = closeOpenStructures(s)
	return strings.TrimSpace(s)
}

// Parse repairs the text and unmarshals it into v.
func Parse(s string, v interface{}) error {
	repaired := Repair(s)
	if repaired == "" {
		return fmt.Errorf("no JSON found in response")
	}
	if err := json.Unmarshal([]byte(repaired), v); err != nil {
		return fmt.Errorf("parse repaired JSON: %w", err)
	}
	return nil
}

// stripFences removes markdown code fences, with or without a language tag.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		// Drop the language tag line ("json", "JSON", ...).
		first := strings.TrimSpace(s[:i])
		if len(first) <= 8 && !strings.ContainsAny(first, "{[") {
			s = s[i+1:]
		}
	}
	if i := strings.LastIndex(s, "```"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

// extractOutermost cuts from the first opening brace or bracket to the end of
// the text, dropping any leading prose.
func extractOutermost(s string) string {
	brace := strings.IndexByte(s, '{')
	bracket := strings.IndexByte(s, '[')
	start := brace
	if start < 0 || (bracket >= 0 && bracket < start) {
		start = bracket
	}
	if start < 0 {
		return ""
	}
	return s[start:]
}

// closeOpenStructures walks the text tracking string state and bracket depth,
// truncates anything past the outermost close, and appends the closers a
// truncated response never produced.
func closeOpenStructures(s string) string {
	var stack []byte
	inString := false
	escaped := false
	end := -1

	for i := 0; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{', '[':
			stack = append(stack, ch)
		case '}', ']':
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
			if len(stack) == 0 {
				end = i
			}
		}
		if end >= 0 {
			break
		}
	}

	if end >= 0 {
		return s[:end+1]
	}

	var b strings.Builder
	b.WriteString(s)
	if inString {
		if escaped {
			b.WriteByte('\\')
		}
		b.WriteByte('"')
	}
	// A dangling comma before the closers breaks strict parsers.
	trimmed := strings.TrimRight(b.String(), " \t\n\r")
	trimmed = strings.TrimSuffix(trimmed, ",")
	b.Reset()
	b.WriteString(trimmed)
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == '{' {
			b.WriteByte('}')
		} else {
			b.WriteByte(']')
		}
	}
	return b.String()
}
