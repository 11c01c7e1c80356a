package core

import (
	"encoding/json"
	"regexp"
	"strings"
)

var fencedJSONPattern = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

// ExtractJSON pulls a JSON object out of model output. Extraction order:
// a fenced code block, then the first top-level object whose text contains
// the marker key, then the whole string. The marker may be empty.
func ExtractJSON(text, markerKey string) ([]byte, bool) {
	if m := fencedJSONPattern.FindStringSubmatch(text); m != nil {
		candidate := []byte(m[1])
		if json.Valid(candidate) {
			return candidate, true
		}
	}

	if markerKey != "" {
		if candidate, ok := extractObjectContaining(text, markerKey); ok {
			return candidate, true
		}
	}

	trimmed := strings.TrimSpace(text)
	if json.Valid([]byte(trimmed)) {
		return []byte(trimmed), true
	}
	return nil, false
}

// extractObjectContaining scans for a balanced top-level object that
// mentions the marker key, tolerating surrounding prose.
func extractObjectContaining(text, markerKey string) ([]byte, bool) {
	quoted := `"` + markerKey + `"`
	for start := 0; ; {
		open := strings.Index(text[start:], "{")
		if open < 0 {
			return nil, false
		}
		open += start

		depth := 0
		inString := false
		escaped := false
		for i := open; i < len(text); i++ {
			ch := text[i]
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
			case '{':
				depth++
			case '}':
				depth--
				if depth == 0 {
					candidate := text[open : i+1]
					if strings.Contains(candidate, quoted) && json.Valid([]byte(candidate)) {
						return []byte(candidate), true
					}
					break
				}
			}
			if depth == 0 && ch == '}' {
				break
			}
		}
		start = open + 1
	}
}
