package helpers

import (
	"errors"
	"strings"
)

// ExtractJSON returns the first JSON object found in s. LLM completions often
// wrap JSON in Markdown code fences or prose, so the extraction is tolerant:
// fences (with an optional language tag) are stripped first, then the content
// is scanned for a balanced {...} segment, ignoring braces inside strings.
func ExtractJSON(s string) (string, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "\uFEFF")
	if s == "" {
		return "", errors.New("empty input")
	}

	if inner, ok := stripCodeFence(s); ok {
		s = strings.TrimSpace(inner)
	}

	for i := 0; i < len(s); i++ {
		if s[i] == '{' {
			if out, ok := balancedObjectFrom(s, i); ok {
				return out, nil
			}
		}
	}
	return "", errors.New("no balanced JSON object found")
}

// stripCodeFence removes the first ``` or ~~~ fenced block if s starts with one.
func stripCodeFence(s string) (string, bool) {
	fence := ""
	switch {
	case strings.HasPrefix(s, "```"):
		fence = "```"
	case strings.HasPrefix(s, "~~~"):
		fence = "~~~"
	default:
		return "", false
	}
	rest := s[len(fence):]
	// Skip the optional language tag up to the first newline.
	nl := strings.IndexByte(rest, '\n')
	if nl == -1 {
		return "", false
	}
	rest = rest[nl+1:]
	if end := strings.Index(rest, fence); end != -1 {
		return rest[:end], true
	}
	return "", false
}

// balancedObjectFrom extracts a balanced JSON object starting at startIdx,
// handling strings and escape sequences.
func balancedObjectFrom(s string, startIdx int) (string, bool) {
	if startIdx >= len(s) || s[startIdx] != '{' {
		return "", false
	}
	depth := 1
	inString := false
	escape := false
	for i := startIdx + 1; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escape:
				escape = false
			case c == '\\':
				escape = true
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
				return s[startIdx : i+1], true
			}
		}
	}
	return "", false
}
