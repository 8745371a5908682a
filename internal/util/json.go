package util

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// ErrNoJSON is returned when model output carries no JSON object.
var ErrNoJSON = errors.New("no JSON object in model output")

// ExtractJSON returns the JSON object embedded in model output. Code fences
// and surrounding prose are stripped; malformed JSON is repaired.
func ExtractJSON(raw string) (string, error) {
	s := stripFences(strings.TrimSpace(raw))

	start := strings.Index(s, "{")
	if start < 0 {
		return "", ErrNoJSON
	}
	s = s[start:]
	if end := strings.LastIndex(s, "}"); end >= 0 && json.Valid([]byte(s[:end+1])) {
		return s[:end+1], nil
	}

	repaired, err := jsonrepair.JSONRepair(s)
	if err != nil {
		return "", err
	}
	if !json.Valid([]byte(repaired)) {
		return "", ErrNoJSON
	}
	return repaired, nil
}

// DecodeObject extracts, repairs and decodes a JSON object into a generic map.
func DecodeObject(raw string) (map[string]any, error) {
	s, err := ExtractJSON(raw)
	if err != nil {
		return nil, err
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(s), &obj); err != nil {
		return nil, err
	}
	return obj, nil
}

func stripFences(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.Index(s, "\n"); nl >= 0 {
		s = s[nl+1:] // language tag
	}
	return strings.TrimSuffix(strings.TrimSpace(s), "```")
}
