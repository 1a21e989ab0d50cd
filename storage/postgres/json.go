package postgres

import (
	"encoding/json"

	"github.com/shipitai/mechanic/storage"
)

// usageToJSON converts token usage to a JSON value for storage; nil stays SQL NULL.
func usageToJSON(usage *storage.TokenUsage) any {
	if usage == nil {
		return nil
	}
	b, _ := json.Marshal(usage)
	return string(b)
}

// usageFromJSON parses a JSON string into token usage.
func usageFromJSON(s string) *storage.TokenUsage {
	if s == "" || s == "null" {
		return nil
	}
	var usage storage.TokenUsage
	if err := json.Unmarshal([]byte(s), &usage); err != nil {
		return nil
	}
	return &usage
}
