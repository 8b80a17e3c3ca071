package store

import (
	"github.com/jmoiron/sqlx/types"
)

// Session states
const (
	SessionActive    = "active"
	SessionCompleted = "completed"
)

// Pending message kinds
const (
	KindObservation = "observation"
	KindSummarize   = "summarize"
)

// Pending message states
const (
	StatePending   = "pending"
	StateProcessed = "processed"
)

// Session is one unit of analyzer work for an assistant conversation.
// The assistant session id is shared across continuations; the analyzer
// session id is assigned by the analyzer subprocess once it starts.
type Session struct {
	ID                 int64  `db:"id" json:"id"`
	AnalyzerSessionID  string `db:"analyzer_session_id" json:"analyzerSessionId"`
	AssistantSessionID string `db:"assistant_session_id" json:"assistantSessionId"`
	Project            string `db:"project" json:"project"`
	UserPrompt         string `db:"user_prompt" json:"userPrompt"`
	LastPromptNumber   int    `db:"last_prompt_number" json:"lastPromptNumber"`
	InputTokens        int64  `db:"input_tokens" json:"inputTokens"`
	OutputTokens       int64  `db:"output_tokens" json:"outputTokens"`
	Status             string `db:"status" json:"status"`
	StartedAt          int64  `db:"started_at" json:"startedAt"`
}

// PendingMessage is one deferred analyzer input. The tool blobs are opaque
// JSON; the orchestrator forwards them without inspecting their schema.
type PendingMessage struct {
	ID                   int64          `db:"id" json:"id"`
	SessionID            int64          `db:"session_id" json:"sessionId"`
	Kind                 string         `db:"kind" json:"kind"`
	ToolName             string         `db:"tool_name" json:"toolName"`
	ToolInput            types.JSONText `db:"tool_input" json:"toolInput"`
	ToolResponse         types.JSONText `db:"tool_response" json:"toolResponse"`
	CWD                  string         `db:"cwd" json:"cwd"`
	PromptNumber         int            `db:"prompt_number" json:"promptNumber"`
	LastUserMessage      string         `db:"last_user_message" json:"lastUserMessage,omitempty"`
	LastAssistantMessage string         `db:"last_assistant_message" json:"lastAssistantMessage,omitempty"`
	State                string         `db:"state" json:"state"`
	CreatedAt            int64          `db:"created_at" json:"createdAt"`
}

// Observation is one distilled finding. Immutable after insert. The array
// fields are stored as JSON text and passed through to API responses as-is.
type Observation struct {
	ID                 int64          `db:"id" json:"id"`
	AssistantSessionID string         `db:"assistant_session_id" json:"sessionId"`
	Project            string         `db:"project" json:"project"`
	Type               string         `db:"type" json:"type"`
	Title              string         `db:"title" json:"title"`
	Subtitle           string         `db:"subtitle" json:"subtitle"`
	Narrative          string         `db:"narrative" json:"narrative"`
	Text               string         `db:"text" json:"text"`
	Facts              types.JSONText `db:"facts" json:"facts"`
	Concepts           types.JSONText `db:"concepts" json:"concepts"`
	FilesRead          types.JSONText `db:"files_read" json:"filesRead"`
	FilesModified      types.JSONText `db:"files_modified" json:"filesModified"`
	PromptNumber       int            `db:"prompt_number" json:"promptNumber"`
	DiscoveryTokens    int64          `db:"discovery_tokens" json:"discoveryTokens"`
	CreatedAt          int64          `db:"created_at" json:"createdAt"`
}

// Summary is one end-of-session roll-up. Immutable after insert.
type Summary struct {
	ID                 int64  `db:"id" json:"id"`
	AssistantSessionID string `db:"assistant_session_id" json:"sessionId"`
	Project            string `db:"project" json:"project"`
	Request            string `db:"request" json:"request"`
	Investigated       string `db:"investigated" json:"investigated"`
	Learned            string `db:"learned" json:"learned"`
	Completed          string `db:"completed" json:"completed"`
	NextSteps          string `db:"next_steps" json:"nextSteps"`
	Notes              string `db:"notes" json:"notes"`
	CreatedAt          int64  `db:"created_at" json:"createdAt"`
}

// UserPrompt is a recorded user utterance.
type UserPrompt struct {
	ID                 int64  `db:"id" json:"id"`
	AssistantSessionID string `db:"assistant_session_id" json:"sessionId"`
	Project            string `db:"project" json:"project"`
	PromptNumber       int    `db:"prompt_number" json:"promptNumber"`
	PromptText         string `db:"prompt_text" json:"promptText"`
	CreatedAt          int64  `db:"created_at" json:"createdAt"`
}

// ObservationPayload is the parser's output shape for a single observation
// record, before storage assigns id and timestamp.
type ObservationPayload struct {
	Type          string   `json:"type"`
	Title         string   `json:"title"`
	Subtitle      string   `json:"subtitle"`
	Narrative     string   `json:"narrative"`
	Text          string   `json:"text"`
	Facts         []string `json:"facts"`
	Concepts      []string `json:"concepts"`
	FilesRead     []string `json:"files_read"`
	FilesModified []string `json:"files_modified"`
}

// SummaryPayload is the parser's output shape for a session summary.
type SummaryPayload struct {
	Request      string `json:"request"`
	Investigated string `json:"investigated"`
	Learned      string `json:"learned"`
	Completed    string `json:"completed"`
	NextSteps    string `json:"next_steps"`
	Notes        string `json:"notes"`
}

// RangeQuery selects a newest-first page. BeforeID == 0 starts from the
// newest row; Project == "" means all projects.
type RangeQuery struct {
	Project  string
	BeforeID int64
	Limit    int
}
