package analyzer

import (
	"encoding/json"
	"fmt"
)

// Frame kinds sent to the analyzer, in protocol order: exactly one Init or
// Continuation first, then any number of Observation/Summarize frames.
const (
	FrameInit         = "init"
	FrameContinuation = "continuation"
	FrameObservation  = "observation"
	FrameSummarize    = "summarize"
)

// Frame is one tagged input to the analyzer. The tool blobs are forwarded
// opaquely; the analyzer owns their interpretation.
type Frame struct {
	Kind string `json:"kind"`

	// Init / Continuation
	Project      string `json:"project,omitempty"`
	SessionID    string `json:"session_id,omitempty"`
	UserPrompt   string `json:"user_prompt,omitempty"`
	Mode         string `json:"mode,omitempty"`
	PromptNumber int    `json:"prompt_number,omitempty"`

	// Observation
	ToolName     string          `json:"tool_name,omitempty"`
	ToolInput    json.RawMessage `json:"tool_input,omitempty"`
	ToolResponse json.RawMessage `json:"tool_response,omitempty"`
	CWD          string          `json:"cwd,omitempty"`

	// Summarize
	LastUserMessage      string `json:"last_user_message,omitempty"`
	LastAssistantMessage string `json:"last_assistant_message,omitempty"`
}

// InitFrame builds the session-opening frame.
func InitFrame(project, sessionID, userPrompt, mode string) Frame {
	return Frame{
		Kind:       FrameInit,
		Project:    project,
		SessionID:  sessionID,
		UserPrompt: userPrompt,
		Mode:       mode,
	}
}

// ContinuationFrame builds the opening frame for a resumed session.
func ContinuationFrame(project, sessionID, userPrompt, mode string, promptNumber int) Frame {
	return Frame{
		Kind:         FrameContinuation,
		Project:      project,
		SessionID:    sessionID,
		UserPrompt:   userPrompt,
		Mode:         mode,
		PromptNumber: promptNumber,
	}
}

// Render serializes the frame for transmission as a user message.
func (f Frame) Render() (string, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return "", fmt.Errorf("failed to render %s frame: %w", f.Kind, err)
	}
	return string(data), nil
}
