package agents

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidResponse wraps every model output that fails shape validation.
var ErrInvalidResponse = errors.New("agents: invalid model response")

func stripCodeFence(text string) string {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```JSON")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	return strings.TrimSpace(text)
}

func extractJSONObject(text string) string {
	if strings.HasPrefix(text, "{") {
		return text
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		return text[start : end+1]
	}
	return text
}

func sanitizeJSON(raw string) string {
	return strings.TrimSpace(extractJSONObject(stripCodeFence(raw)))
}

// decodeObject parses the single JSON object in raw into out. Trailing data
// after the object is rejected.
func decodeObject(raw string, out any) error {
	text := sanitizeJSON(raw)
	if text == "" {
		return fmt.Errorf("%w: empty", ErrInvalidResponse)
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(text)))
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if dec.More() {
		return fmt.Errorf("%w: trailing data", ErrInvalidResponse)
	}
	return nil
}

// cleanList trims entries, drops blanks and duplicates, and caps the length.
func cleanList(in []string, max int) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, item := range in {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		key := strings.ToLower(item)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, item)
		if max > 0 && len(out) == max {
			break
		}
	}
	return out
}
