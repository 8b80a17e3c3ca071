// Package metrics aggregates token-economics reports over stored
// observations. The read-token heuristic cannot be expressed in SQLite, so
// queries stream filtered rows from the read-only pool and aggregate in
// memory; results are served through a TTL cache.
package metrics

import (
	"encoding/json"
	"unicode/utf8"

	"github.com/jmoiron/sqlx/types"

	"github.com/recallhq/recall/internal/store"
)

// CalculateReadTokens estimates the cost of injecting an observation's
// compressed body back into a model context: ceil(chars/4) over the title,
// subtitle, narrative and the concatenated elements of the array fields.
// Array elements are joined without separators; brackets and quotes are not
// counted. A field that fails to parse as a JSON array contributes its raw
// string length.
func CalculateReadTokens(obs *store.Observation) int64 {
	chars := utf8.RuneCountInString(obs.Title) +
		utf8.RuneCountInString(obs.Subtitle) +
		utf8.RuneCountInString(obs.Narrative) +
		jsonArrayCharLen(obs.Facts) +
		jsonArrayCharLen(obs.Concepts) +
		jsonArrayCharLen(obs.FilesRead) +
		jsonArrayCharLen(obs.FilesModified)
	return int64((chars + 3) / 4)
}

func jsonArrayCharLen(raw types.JSONText) int {
	if len(raw) == 0 {
		return 0
	}
	var elements []string
	if err := json.Unmarshal(raw, &elements); err != nil {
		return utf8.RuneCountInString(string(raw))
	}
	total := 0
	for _, el := range elements {
		total += utf8.RuneCountInString(el)
	}
	return total
}
