package memtools

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/HendryAvila/recall/internal/memory"
	"github.com/HendryAvila/recall/internal/search"
)

// TimelineTool handles the mem_timeline MCP tool.
type TimelineTool struct {
	store *memory.Store
}

// NewTimelineTool creates a TimelineTool.
func NewTimelineTool(store *memory.Store) *TimelineTool {
	return &TimelineTool{store: store}
}

// Definition returns the MCP tool definition for mem_timeline.
func (t *TimelineTool) Definition() mcp.Tool {
	return mcp.NewTool("mem_timeline",
		mcp.WithDescription(
			"Show chronological context around a specific record. Use after mem_search "+
				"to drill into the events surrounding a result. This is the progressive "+
				"disclosure pattern: search first, then timeline to understand context.",
		),
		mcp.WithNumber("id",
			mcp.Required(),
			mcp.Description("The record ID to center the timeline on (from mem_search results)"),
		),
		mcp.WithString("kind",
			mcp.Description("Record kind: 'observation' (default) or 'summary'"),
			mcp.Enum(string(memory.KindObservation), string(memory.KindSummary)),
		),
		mcp.WithNumber("before",
			mcp.Description("Number of records to show before the focus (default: 5)"),
		),
		mcp.WithNumber("after",
			mcp.Description("Number of records to show after the focus (default: 5)"),
		),
		mcp.WithString("detail",
			mcp.Description(
				"Level of detail: 'index' (default, titles and timestamps only) or "+
					"'full' (complete content for every entry).",
			),
			mcp.Enum(memory.DetailLevelValues()...),
		),
	)
}

// Handle processes the mem_timeline tool call.
func (t *TimelineTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := intArg(req, "id", 0)
	if id <= 0 {
		return mcp.NewToolResultError("'id' is required"), nil
	}
	kind, ok := kindArg(req)
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("unknown kind %q", kind)), nil
	}
	before := intArg(req, "before", 5)
	after := intArg(req, "after", 5)
	if before < 0 || after < 0 || before > search.MaxDepth || after > search.MaxDepth {
		return mcp.NewToolResultError(fmt.Sprintf("before and after must be within 0..%d", search.MaxDepth)), nil
	}
	full := memory.ParseDetailLevel(req.GetString("detail", "")) == memory.DetailFull

	result, err := t.store.Timeline(ctx, memory.RecordRef{Kind: kind, ID: int64(id)}, before, after, "")
	if errors.Is(err, memory.ErrNotFound) {
		return mcp.NewToolResultError(fmt.Sprintf("%s #%d not found", kind, id)), nil
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("timeline failed: %v", err)), nil
	}

	var b strings.Builder
	if len(result.Before) > 0 {
		b.WriteString("--- Before ---\n")
		for _, r := range result.Before {
			writeTimelineEntry(&b, r, full)
		}
		b.WriteString("\n")
	}

	b.WriteString(">>> ")
	b.WriteString(search.FormatRecord(&result.Anchor))
	b.WriteString("\n")

	if len(result.After) > 0 {
		b.WriteString("--- After ---\n")
		for _, r := range result.After {
			writeTimelineEntry(&b, r, full)
		}
	}

	if !full {
		b.WriteString(memory.IndexFooter)
	}
	return mcp.NewToolResultText(b.String()), nil
}

func writeTimelineEntry(b *strings.Builder, r memory.Record, full bool) {
	if full {
		b.WriteString(search.FormatRecord(&r))
		return
	}
	fmt.Fprintf(b, "%s #%d [%s] %s | %s\n", r.Kind, r.ID, r.Type(), r.Title(), search.FormatEpoch(r.Epoch))
}

// ─── GetObservationTool ─────────────────────────────────────────────────────

// GetObservationTool handles the mem_get_observation MCP tool.
type GetObservationTool struct {
	store *memory.Store
}

// NewGetObservationTool creates a GetObservationTool.
func NewGetObservationTool(store *memory.Store) *GetObservationTool {
	return &GetObservationTool{store: store}
}

// Definition returns the MCP tool definition for mem_get_observation.
func (t *GetObservationTool) Definition() mcp.Tool {
	return mcp.NewTool("mem_get_observation",
		mcp.WithDescription(
			"Get the full content of a specific record by ID. Use when you need the "+
				"complete content of a record found via mem_search or mem_timeline.",
		),
		mcp.WithNumber("id",
			mcp.Required(),
			mcp.Description("The record ID to retrieve"),
		),
		mcp.WithString("kind",
			mcp.Description("Record kind: 'observation' (default) or 'summary'"),
			mcp.Enum(string(memory.KindObservation), string(memory.KindSummary)),
		),
	)
}

// Handle processes the mem_get_observation tool call.
func (t *GetObservationTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := intArg(req, "id", 0)
	if id <= 0 {
		return mcp.NewToolResultError("'id' is required"), nil
	}
	kind, ok := kindArg(req)
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("unknown kind %q", kind)), nil
	}

	rec, err := t.store.GetRecord(ctx, memory.RecordRef{Kind: kind, ID: int64(id)})
	if errors.Is(err, memory.ErrNotFound) {
		return mcp.NewToolResultError(fmt.Sprintf("%s #%d not found", kind, id)), nil
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("lookup failed: %v", err)), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# %s #%d\n\n", strings.ToUpper(string(kind[:1]))+string(kind[1:]), rec.ID)
	b.WriteString(search.FormatRecord(rec))
	if rec.Observation != nil && rec.Observation.DiscoveryTokens > 0 {
		fmt.Fprintf(&b, "discovery tokens: %d\n", rec.Observation.DiscoveryTokens)
	}
	if rec.Summary != nil && rec.Summary.DiscoveryTokens > 0 {
		fmt.Fprintf(&b, "discovery tokens: %d\n", rec.Summary.DiscoveryTokens)
	}
	return mcp.NewToolResultText(b.String()), nil
}
