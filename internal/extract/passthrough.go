package extract

import (
	"context"
	"strings"

	"github.com/HendryAvila/recall/internal/memory"
)

const (
	maxTitleLen     = 120
	maxNarrativeLen = 2000
)

// defaultSkipTools are bookkeeping tools whose calls carry no knowledge.
var defaultSkipTools = []string{"TodoWrite", "AskUserQuestion", "ListMcpResourcesTool", "SlashCommand"}

// Passthrough records every tool execution as a single observation without
// any model in the loop. It is the offline default and the deterministic
// extractor used in tests.
type Passthrough struct {
	skip map[string]bool
}

// NewPassthrough creates a passthrough extractor. skipTools replaces the
// default skip list when non-nil.
func NewPassthrough(skipTools []string) *Passthrough {
	if skipTools == nil {
		skipTools = defaultSkipTools
	}
	skip := make(map[string]bool, len(skipTools))
	for _, t := range skipTools {
		skip[t] = true
	}
	return &Passthrough{skip: skip}
}

// ExtractObservations implements Extractor.
func (p *Passthrough) ExtractObservations(ctx context.Context, sc SessionContext, exec ToolExecution) ([]memory.ObservationInput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	name := strings.TrimSpace(exec.ToolName)
	if name == "" || p.skip[name] {
		return nil, nil
	}

	fields := inputFields(exec.ToolInput)
	target := stringField(fields, "file_path", "path", "notebook_path", "command", "pattern", "url", "query")

	obs := memory.ObservationInput{Type: "discovery"}
	obs.Title = name
	if target != "" {
		obs.Title = memory.Truncate(name+": "+firstLine(target), maxTitleLen)
	}
	if exec.CWD != "" {
		obs.Subtitle = exec.CWD
	}
	obs.Narrative = memory.Truncate(strings.TrimSpace(RawText(exec.ToolOutput)), maxNarrativeLen)

	if path := stringField(fields, "file_path", "path", "notebook_path"); path != "" {
		if isFileModifyingTool(name) {
			obs.Type = "change"
			obs.FilesModified = []string{path}
		} else {
			obs.FilesRead = []string{path}
		}
	}
	return []memory.ObservationInput{obs}, nil
}

// ExtractSummary implements Extractor. A turn with no messages yields nil.
func (p *Passthrough) ExtractSummary(ctx context.Context, sc SessionContext, req FinalizeRequest) (*memory.SummaryInput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	user := strings.TrimSpace(req.LastUserMessage)
	assistant := strings.TrimSpace(req.LastAssistantMessage)
	if user == "" && assistant == "" {
		return nil, nil
	}
	if user == "" {
		user = sc.UserPrompt
	}
	return &memory.SummaryInput{
		Request:   memory.Truncate(user, maxNarrativeLen),
		Completed: memory.Truncate(assistant, maxNarrativeLen),
	}, nil
}

func isFileModifyingTool(name string) bool {
	switch name {
	case "Edit", "MultiEdit", "Write", "NotebookEdit":
		return true
	default:
		return false
	}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
