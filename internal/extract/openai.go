package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/HendryAvila/recall/internal/memory"
)

const observationPrompt = `You record durable knowledge from a coding agent's tool calls.
Given one tool execution, answer with a JSON object:
{"observations": [{"type": "...", "title": "...", "subtitle": "...", "narrative": "...",
  "facts": ["..."], "concepts": ["..."], "files_read": ["..."], "files_modified": ["..."]}]}
type is one of: discovery, change, decision, bugfix, feature, refactor.
Return {"observations": []} when the call teaches nothing worth remembering.`

const summaryPrompt = `You summarize one prompt turn of a coding agent's session.
Answer with a JSON object:
{"request": "...", "investigated": "...", "learned": "...", "completed": "...",
 "next_steps": "...", "notes": "...", "files_read": ["..."], "files_edited": ["..."]}
Return {} when the turn contains nothing worth summarizing.`

// OpenAIConfig configures an OpenAI-compatible chat completions endpoint.
type OpenAIConfig struct {
	Model   string
	BaseURL string
	APIKey  string

	// MaxToolOutput bounds the tool output forwarded to the model, in runes.
	MaxToolOutput int
}

// OpenAI extracts observations and summaries with a chat model in JSON mode.
type OpenAI struct {
	client    openai.Client
	model     string
	maxOutput int
}

// NewOpenAI creates a model-backed extractor. An empty APIKey falls back to
// the OPENAI_API_KEY environment variable.
func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	var opts []option.RequestOption
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	model := cfg.Model
	if model == "" {
		model = string(shared.ChatModelGPT4oMini)
	}
	maxOutput := cfg.MaxToolOutput
	if maxOutput <= 0 {
		maxOutput = 8000
	}
	return &OpenAI{client: openai.NewClient(opts...), model: model, maxOutput: maxOutput}
}

type observationsEnvelope struct {
	Observations []memory.ObservationInput `json:"observations"`
}

// ExtractObservations implements Extractor.
func (o *OpenAI) ExtractObservations(ctx context.Context, sc SessionContext, exec ToolExecution) ([]memory.ObservationInput, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Project: %s\n", sc.Project)
	if sc.UserPrompt != "" {
		fmt.Fprintf(&b, "User request: %s\n", sc.UserPrompt)
	}
	if exec.CWD != "" {
		fmt.Fprintf(&b, "Working directory: %s\n", exec.CWD)
	}
	fmt.Fprintf(&b, "Tool: %s\n", exec.ToolName)
	fmt.Fprintf(&b, "Input: %s\n", RawText(exec.ToolInput))
	fmt.Fprintf(&b, "Output: %s\n", memory.Truncate(RawText(exec.ToolOutput), o.maxOutput))

	var env observationsEnvelope
	if err := o.complete(ctx, observationPrompt, b.String(), &env); err != nil {
		return nil, err
	}

	out := env.Observations[:0]
	for _, obs := range env.Observations {
		if strings.TrimSpace(obs.Title) == "" && strings.TrimSpace(obs.Narrative) == "" && len(obs.Facts) == 0 {
			continue
		}
		out = append(out, obs)
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

// ExtractSummary implements Extractor.
func (o *OpenAI) ExtractSummary(ctx context.Context, sc SessionContext, req FinalizeRequest) (*memory.SummaryInput, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Project: %s\n", sc.Project)
	if sc.UserPrompt != "" {
		fmt.Fprintf(&b, "Original request: %s\n", sc.UserPrompt)
	}
	fmt.Fprintf(&b, "Last user message: %s\n", req.LastUserMessage)
	fmt.Fprintf(&b, "Last assistant message: %s\n", memory.Truncate(req.LastAssistantMessage, o.maxOutput))

	var sum memory.SummaryInput
	if err := o.complete(ctx, summaryPrompt, b.String(), &sum); err != nil {
		return nil, err
	}
	if sum.Request == "" && sum.Investigated == "" && sum.Learned == "" &&
		sum.Completed == "" && sum.NextSteps == "" && sum.Notes == "" {
		return nil, nil
	}
	return &sum, nil
}

func (o *OpenAI) complete(ctx context.Context, system, user string, out any) error {
	resp, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: shared.ChatModel(o.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(user),
		},
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		},
		Temperature: openai.Float(0),
	})
	if err != nil {
		return fmt.Errorf("extract: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return fmt.Errorf("%w: no choices", ErrBadResponse)
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if err := json.Unmarshal([]byte(content), out); err != nil {
		return fmt.Errorf("%w: %w", ErrBadResponse, err)
	}
	return nil
}
