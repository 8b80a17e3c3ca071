// Package live fans observation activity out to viewer WebSocket
// subscribers. Typed events travel over the internal event bus on live.*
// subjects; the Hub bridges them onto WebSocket connections with lossy
// per-subscriber buffers.
package live

import (
	"github.com/recallhq/recall/internal/events"
	"github.com/recallhq/recall/internal/store"
)

// ObservationEvent is broadcast after an observation is persisted.
type ObservationEvent struct {
	Type        string             `json:"type"`
	Observation *store.Observation `json:"observation"`
}

// SummaryEvent is broadcast after a session summary is persisted.
type SummaryEvent struct {
	Type    string         `json:"type"`
	Summary *store.Summary `json:"summary"`
}

// PromptEvent is broadcast when a user prompt is recorded.
type PromptEvent struct {
	Type   string            `json:"type"`
	Prompt *store.UserPrompt `json:"prompt"`
}

// ProcessingStatusEvent reflects the active-work state of the observer.
type ProcessingStatusEvent struct {
	Type         string `json:"type"`
	IsProcessing bool   `json:"isProcessing"`
	QueueDepth   int    `json:"queueDepth"`
}

// TokenUpdateEvent carries the throttled token-economics quick summary.
// Tokens is the metrics engine's summary record, forwarded verbatim.
type TokenUpdateEvent struct {
	Type      string `json:"type"`
	Tokens    any    `json:"tokens"`
	Timestamp int64  `json:"timestamp"`
}

// InitialLoadEvent is the snapshot sent to a subscriber on join.
type InitialLoadEvent struct {
	Type         string              `json:"type"`
	Observations []store.Observation `json:"observations"`
	Summaries    []store.Summary     `json:"summaries"`
	Prompts      []store.UserPrompt  `json:"prompts"`
}

// NewObservationEvent builds the typed payload for events.NewObservation.
func NewObservationEvent(obs *store.Observation) ObservationEvent {
	return ObservationEvent{Type: events.NewObservation, Observation: obs}
}

// NewSummaryEvent builds the typed payload for events.NewSummary.
func NewSummaryEvent(summary *store.Summary) SummaryEvent {
	return SummaryEvent{Type: events.NewSummary, Summary: summary}
}

// NewPromptEvent builds the typed payload for events.NewPrompt.
func NewPromptEvent(prompt *store.UserPrompt) PromptEvent {
	return PromptEvent{Type: events.NewPrompt, Prompt: prompt}
}
