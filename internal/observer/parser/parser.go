// Package parser converts analyzer reply text into typed observation and
// summary records.
package parser

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/recallhq/recall/internal/store"
)

var (
	observationRe = regexp.MustCompile(`(?s)<observation>(.*?)</observation>`)
	summaryRe     = regexp.MustCompile(`(?s)<summary>(.*?)</summary>`)
)

// Parse extracts observation records and an optional session summary from
// an analyzer reply. The function is total: input without recognizable
// envelope blocks yields (nil, nil), and malformed JSON inside a recognized
// block is skipped silently.
func Parse(text string) ([]store.ObservationPayload, *store.SummaryPayload) {
	var observations []store.ObservationPayload

	for _, match := range observationRe.FindAllStringSubmatch(text, -1) {
		body := strings.TrimSpace(match[1])
		var obs store.ObservationPayload
		if err := json.Unmarshal([]byte(body), &obs); err != nil {
			continue
		}
		normalize(&obs)
		observations = append(observations, obs)
	}

	var summary *store.SummaryPayload
	if match := summaryRe.FindStringSubmatch(text); match != nil {
		body := strings.TrimSpace(match[1])
		var sum store.SummaryPayload
		if err := json.Unmarshal([]byte(body), &sum); err == nil {
			summary = &sum
		}
	}

	return observations, summary
}

// normalize ensures array fields round-trip as [] rather than null.
func normalize(obs *store.ObservationPayload) {
	if obs.Facts == nil {
		obs.Facts = []string{}
	}
	if obs.Concepts == nil {
		obs.Concepts = []string{}
	}
	if obs.FilesRead == nil {
		obs.FilesRead = []string{}
	}
	if obs.FilesModified == nil {
		obs.FilesModified = []string{}
	}
}
