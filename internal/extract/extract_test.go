package extract

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ctx = context.Background()

func TestRawText(t *testing.T) {
	assert.Equal(t, "", RawText(nil))
	assert.Equal(t, "", RawText(json.RawMessage("null")))
	assert.Equal(t, "hello\nworld", RawText(json.RawMessage(`"hello\nworld"`)))
	assert.Equal(t, `{"a":1,"b":[true]}`, RawText(json.RawMessage("{ \"a\": 1,\n \"b\": [ true ] }")))
}

func TestPassthrough_EditIsChange(t *testing.T) {
	p := NewPassthrough(nil)
	obs, err := p.ExtractObservations(ctx, SessionContext{Project: "p"}, ToolExecution{
		ToolName:   "Edit",
		ToolInput:  json.RawMessage(`{"file_path": "/src/auth.go", "old_string": "a", "new_string": "b"}`),
		ToolOutput: json.RawMessage(`"The file /src/auth.go has been updated."`),
		CWD:        "/src",
	})
	require.NoError(t, err)
	require.Len(t, obs, 1)
	assert.Equal(t, "change", obs[0].Type)
	assert.Equal(t, "Edit: /src/auth.go", obs[0].Title)
	assert.Equal(t, "/src", obs[0].Subtitle)
	assert.Equal(t, []string{"/src/auth.go"}, obs[0].FilesModified)
	assert.Empty(t, obs[0].FilesRead)
	assert.Equal(t, "The file /src/auth.go has been updated.", obs[0].Narrative)
}

func TestPassthrough_ReadIsDiscovery(t *testing.T) {
	obs, err := NewPassthrough(nil).ExtractObservations(ctx, SessionContext{}, ToolExecution{
		ToolName:  "Read",
		ToolInput: json.RawMessage(`{"file_path": "/src/main.go"}`),
	})
	require.NoError(t, err)
	require.Len(t, obs, 1)
	assert.Equal(t, "discovery", obs[0].Type)
	assert.Equal(t, []string{"/src/main.go"}, obs[0].FilesRead)
}

func TestPassthrough_CommandTitleUsesFirstLine(t *testing.T) {
	obs, err := NewPassthrough(nil).ExtractObservations(ctx, SessionContext{}, ToolExecution{
		ToolName:  "Bash",
		ToolInput: json.RawMessage(`{"command": "go test ./...\necho done"}`),
	})
	require.NoError(t, err)
	require.Len(t, obs, 1)
	assert.Equal(t, "Bash: go test ./...", obs[0].Title)
}

func TestPassthrough_SkipsBookkeepingTools(t *testing.T) {
	p := NewPassthrough(nil)
	obs, err := p.ExtractObservations(ctx, SessionContext{}, ToolExecution{ToolName: "TodoWrite"})
	require.NoError(t, err)
	assert.Empty(t, obs)

	obs, err = NewPassthrough([]string{"Read"}).ExtractObservations(ctx, SessionContext{}, ToolExecution{ToolName: "Read"})
	require.NoError(t, err)
	assert.Empty(t, obs)
}

func TestPassthrough_Summary(t *testing.T) {
	p := NewPassthrough(nil)

	sum, err := p.ExtractSummary(ctx, SessionContext{}, FinalizeRequest{})
	require.NoError(t, err)
	assert.Nil(t, sum)

	sum, err = p.ExtractSummary(ctx, SessionContext{UserPrompt: "fix login"}, FinalizeRequest{LastAssistantMessage: "Fixed the cookie expiry."})
	require.NoError(t, err)
	require.NotNil(t, sum)
	assert.Equal(t, "fix login", sum.Request)
	assert.Equal(t, "Fixed the cookie expiry.", sum.Completed)
}

func TestPassthrough_HonoursCancellation(t *testing.T) {
	cctx, cancel := context.WithCancel(ctx)
	cancel()
	_, err := NewPassthrough(nil).ExtractObservations(cctx, SessionContext{}, ToolExecution{ToolName: "Read"})
	assert.ErrorIs(t, err, context.Canceled)
}

// ─── OpenAI ─────────────────────────────────────────────────────────────────

func chatServer(t *testing.T, content string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gpt-4o-mini", req["model"])

		body, _ := json.Marshal(map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 1,
			"model":   "gpt-4o-mini",
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": content},
			}},
		})
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOpenAI_ExtractObservations(t *testing.T) {
	srv := chatServer(t, `{"observations": [
		{"type": "decision", "title": "Use WAL", "facts": ["readers never block"]},
		{"type": "discovery"}
	]}`)
	x := NewOpenAI(OpenAIConfig{BaseURL: srv.URL + "/v1/", APIKey: "test"})

	obs, err := x.ExtractObservations(ctx, SessionContext{Project: "p"}, ToolExecution{ToolName: "Read"})
	require.NoError(t, err)
	require.Len(t, obs, 1, "empty observations are dropped")
	assert.Equal(t, "decision", obs[0].Type)
	assert.Equal(t, "Use WAL", obs[0].Title)
	assert.Equal(t, []string{"readers never block"}, obs[0].Facts)
}

func TestOpenAI_ExtractSummary(t *testing.T) {
	srv := chatServer(t, `{"request": "speed up search", "learned": "bm25 is enough"}`)
	x := NewOpenAI(OpenAIConfig{BaseURL: srv.URL + "/v1/", APIKey: "test"})

	sum, err := x.ExtractSummary(ctx, SessionContext{}, FinalizeRequest{LastUserMessage: "thanks"})
	require.NoError(t, err)
	require.NotNil(t, sum)
	assert.Equal(t, "speed up search", sum.Request)
	assert.Equal(t, "bm25 is enough", sum.Learned)
}

func TestOpenAI_EmptySummaryIsNil(t *testing.T) {
	srv := chatServer(t, `{}`)
	x := NewOpenAI(OpenAIConfig{BaseURL: srv.URL + "/v1/", APIKey: "test"})

	sum, err := x.ExtractSummary(ctx, SessionContext{}, FinalizeRequest{})
	require.NoError(t, err)
	assert.Nil(t, sum)
}

func TestOpenAI_MalformedContent(t *testing.T) {
	srv := chatServer(t, `not json`)
	x := NewOpenAI(OpenAIConfig{BaseURL: srv.URL + "/v1/", APIKey: "test"})

	_, err := x.ExtractObservations(ctx, SessionContext{}, ToolExecution{ToolName: "Read"})
	assert.True(t, errors.Is(err, ErrBadResponse), "got %v", err)
}
