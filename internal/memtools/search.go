package memtools

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/HendryAvila/recall/internal/memory"
	"github.com/HendryAvila/recall/internal/search"
)

// SearchTool handles the mem_search MCP tool.
type SearchTool struct {
	engine      *search.Engine
	recencyDays int
}

// NewSearchTool creates a SearchTool. recencyDays is the default window
// applied to semantic hits; zero disables it.
func NewSearchTool(engine *search.Engine, recencyDays int) *SearchTool {
	return &SearchTool{engine: engine, recencyDays: recencyDays}
}

// Definition returns the MCP tool definition for mem_search.
func (t *SearchTool) Definition() mcp.Tool {
	return mcp.NewTool("mem_search",
		mcp.WithDescription(
			"Search your persistent memory across all sessions. Finds the most recent record "+
				"related to the query and shows what happened before and after it. Use this to "+
				"recover past decisions, bugs fixed, or files changed in earlier sessions.",
		),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("Search query (natural language or keywords)"),
		),
		mcp.WithString("project",
			mcp.Description("Filter by project name"),
		),
		mcp.WithNumber("depth_before",
			mcp.Description("Records to show before the match (default: 5, max: 50)"),
		),
		mcp.WithNumber("depth_after",
			mcp.Description("Records to show after the match (default: 5, max: 50)"),
		),
		mcp.WithNumber("recency_days",
			mcp.Description("Ignore semantic matches older than this many days (0 = no limit)"),
		),
		mcp.WithString("detail",
			mcp.Description("'index' (default, titles only) or 'full' (complete records)"),
			mcp.Enum(memory.DetailLevelValues()...),
		),
	)
}

// Handle processes the mem_search tool call.
func (t *SearchTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query := req.GetString("query", "")
	if query == "" {
		return mcp.NewToolResultError("'query' is required"), nil
	}

	res, err := t.engine.Query(ctx, search.Request{
		Text:        query,
		Project:     req.GetString("project", ""),
		Recency:     time.Duration(intArg(req, "recency_days", t.recencyDays)) * 24 * time.Hour,
		DepthBefore: intArg(req, "depth_before", 5),
		DepthAfter:  intArg(req, "depth_after", 5),
		Detail:      req.GetString("detail", ""),
	})
	if errors.Is(err, search.ErrInvalidQuery) {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("search failed: %v", err)), nil
	}
	return mcp.NewToolResultText(search.FormatText(res)), nil
}
