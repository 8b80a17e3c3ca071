// Package analyzer provides the stream-json protocol client for the
// analyzer subprocess. The analyzer consumes tagged input frames on stdin
// and emits newline-delimited JSON messages on stdout.
package analyzer

import "encoding/json"

// Message types emitted by the analyzer
const (
	// MessageTypeSystem is the initial system message with session info
	MessageTypeSystem = "system"
	// MessageTypeAssistant contains the analyzer's structured text reply
	MessageTypeAssistant = "assistant"
	// MessageTypeResult is a final result/status message
	MessageTypeResult = "result"
	// MessageTypeUser is an input message (frame) sent to the analyzer
	MessageTypeUser = "user"
)

// CLIMessage represents messages from the analyzer's stdout.
// The message type determines which fields are populated.
type CLIMessage struct {
	// Type is the message type (system, assistant, result)
	Type string `json:"type"`

	// For system messages
	SessionID     string `json:"session_id,omitempty"`
	SessionStatus string `json:"session_status,omitempty"`

	// For assistant messages
	Message *AssistantMessage `json:"message,omitempty"`

	// For result messages. Result can be either a string or an object.
	Result        json.RawMessage `json:"result,omitempty"`
	Subtype       string          `json:"subtype,omitempty"`
	DurationMS    int64           `json:"duration_ms,omitempty"`
	IsError       bool            `json:"is_error,omitempty"`
	NumTurns      int             `json:"num_turns,omitempty"`

	// Raw line for advanced parsing if needed
	RawContent json.RawMessage `json:"-"`
}

// AssistantMessage contains the analyzer's reply content.
type AssistantMessage struct {
	Role       string         `json:"role"`
	Content    []ContentBlock `json:"content,omitempty"`
	Model      string         `json:"model,omitempty"`
	StopReason string         `json:"stop_reason,omitempty"`
	Usage      *Usage         `json:"usage,omitempty"`
}

// ContentBlock represents a block of content in an assistant message.
type ContentBlock struct {
	Type string `json:"type"`

	// For text blocks
	Text string `json:"text,omitempty"`

	// For thinking blocks
	Thinking string `json:"thinking,omitempty"`
}

// Usage contains token usage information for one assistant reply.
type Usage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens,omitempty"`
}

// Text concatenates the reply's text blocks.
func (m *AssistantMessage) Text() string {
	var out string
	for _, block := range m.Content {
		if block.Type == "text" {
			out += block.Text
		}
	}
	return out
}

// UserMessage is sent to provide an input frame to the analyzer.
type UserMessage struct {
	Type    string          `json:"type"` // "user"
	Message UserMessageBody `json:"message"`
}

// UserMessageBody contains the input frame content.
type UserMessageBody struct {
	Role    string `json:"role"` // "user"
	Content string `json:"content"`
}

// Reply is one usage-bearing assistant reply surfaced to the consumer.
type Reply struct {
	Text  string
	Usage *Usage
}
