// Package events provides event types and subject helpers for the Recall
// event system.
package events

// Event types streamed to live viewers
const (
	InitialLoad      = "initial_load"
	NewObservation   = "new_observation"
	NewSummary       = "new_summary"
	NewPrompt        = "new_prompt"
	ProcessingStatus = "processing_status"
	TokenUpdate      = "token_update"
)

// LiveSubjectPrefix is the subject namespace carrying viewer-facing events.
const LiveSubjectPrefix = "live"

// BuildLiveSubject creates the subject an event type is published on.
func BuildLiveSubject(eventType string) string {
	return LiveSubjectPrefix + "." + eventType
}

// BuildLiveWildcardSubject creates a wildcard subscription covering all
// viewer-facing events.
func BuildLiveWildcardSubject() string {
	return LiveSubjectPrefix + ".>"
}
