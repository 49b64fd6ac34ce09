// Package llmjson decodes loosely structured JSON out of language-model
// output: it strips markdown fences, locates the first brace- or
// bracket-delimited block inside surrounding prose, and repairs almost-JSON
// before giving up.
package llmjson

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// StripFences removes a surrounding markdown code fence, if any.
func StripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	// drop a language tag like "json" on the fence line
	if idx := strings.Index(s, "\n"); idx != -1 {
		first := strings.TrimSpace(s[:idx])
		if len(first) <= 10 && !strings.ContainsAny(first, "{}[]") {
			s = s[idx+1:]
		}
	}
	if idx := strings.LastIndex(s, "```"); idx != -1 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}

// FirstObject returns the first balanced top-level {...} block in s.
func FirstObject(s string) (string, bool) {
	return firstBlock(s, '{', '}')
}

// FirstArray returns the first balanced top-level [...] block in s.
func FirstArray(s string) (string, bool) {
	return firstBlock(s, '[', ']')
}

// firstBlock scans for a balanced delimiter pair, ignoring delimiters inside
// JSON string literals.
func firstBlock(s string, open, close byte) (string, bool) {
	start := strings.IndexByte(s, open)
	if start == -1 {
		return "", false
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
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

// DecodeObject extracts and unmarshals the first JSON object in raw into v.
func DecodeObject(raw string, v any) error {
	return decode(raw, v, FirstObject, "object")
}

// DecodeArray extracts and unmarshals the first JSON array in raw into v.
func DecodeArray(raw string, v any) error {
	return decode(raw, v, FirstArray, "array")
}

func decode(raw string, v any, locate func(string) (string, bool), kind string) error {
	cleaned := StripFences(raw)
	block, ok := locate(cleaned)
	if !ok {
		return fmt.Errorf("no JSON %s found in response", kind)
	}

	if err := json.Unmarshal([]byte(block), v); err == nil {
		return nil
	}

	repaired, err := jsonrepair.JSONRepair(block)
	if err != nil {
		return fmt.Errorf("repair JSON %s: %w", kind, err)
	}
	if err := json.Unmarshal([]byte(repaired), v); err != nil {
		return fmt.Errorf("unmarshal repaired %s: %w", kind, err)
	}
	return nil
}

// Clip truncates s to at most max characters.
func Clip(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max]
}
