// Package extract defines the collaborator that turns raw tool executions
// and end-of-turn messages into observations and summaries.
//
// The core never decides what makes a good observation. It hands each
// queued message to an Extractor and persists whatever comes back.
package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/HendryAvila/recall/internal/memory"
)

// ErrBadResponse is returned when an extractor backend answers with
// something that cannot be decoded.
var ErrBadResponse = errors.New("extract: malformed response")

// SessionContext identifies the session a message belongs to.
type SessionContext struct {
	SessionID    int64  `json:"session_id"`
	ExternalID   string `json:"external_id"`
	Project      string `json:"project"`
	UserPrompt   string `json:"user_prompt,omitempty"`
	PromptNumber int    `json:"prompt_number"`
}

// ToolExecution is one tool call observed in the agent's work.
type ToolExecution struct {
	ToolName     string          `json:"tool_name"`
	ToolInput    json.RawMessage `json:"tool_input,omitempty"`
	ToolOutput   json.RawMessage `json:"tool_output,omitempty"`
	CWD          string          `json:"cwd,omitempty"`
	PromptNumber int             `json:"prompt_number,omitempty"`
}

// FinalizeRequest carries the closing messages of a prompt turn.
type FinalizeRequest struct {
	LastUserMessage      string `json:"last_user_message,omitempty"`
	LastAssistantMessage string `json:"last_assistant_message,omitempty"`
	PromptNumber         int    `json:"prompt_number,omitempty"`
}

// Extractor is implemented by extraction backends. Implementations must be
// safe for concurrent use across sessions. Returning no observations, or a
// nil summary, means there was nothing worth keeping.
type Extractor interface {
	ExtractObservations(ctx context.Context, sc SessionContext, exec ToolExecution) ([]memory.ObservationInput, error)
	ExtractSummary(ctx context.Context, sc SessionContext, req FinalizeRequest) (*memory.SummaryInput, error)
}

// RawText renders a raw JSON value as plain text: strings are unquoted,
// anything else is compacted.
func RawText(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return strings.TrimSpace(string(raw))
	}
	return buf.String()
}

// inputFields decodes a tool input object. Non-object inputs yield nil.
func inputFields(raw json.RawMessage) map[string]any {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}

func stringField(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
