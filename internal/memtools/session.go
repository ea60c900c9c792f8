package memtools

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/HendryAvila/recall/internal/memory"
	"github.com/HendryAvila/recall/internal/search"
)

// SessionsTool handles the mem_sessions MCP tool.
type SessionsTool struct {
	store *memory.Store
}

// NewSessionsTool creates a SessionsTool.
func NewSessionsTool(store *memory.Store) *SessionsTool {
	return &SessionsTool{store: store}
}

// Definition returns the MCP tool definition for mem_sessions.
func (t *SessionsTool) Definition() mcp.Tool {
	return mcp.NewTool("mem_sessions",
		mcp.WithDescription(
			"List recent sessions with their status and how many observations and summaries each produced.",
		),
		mcp.WithString("project",
			mcp.Description("Filter by project (omit for all projects)"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Number of sessions to list (default: 10, max: 50)"),
		),
	)
}

// Handle processes the mem_sessions tool call.
func (t *SessionsTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := min(intArg(req, "limit", 10), 50)
	project := req.GetString("project", "")
	sessions, err := t.store.RecentSessions(ctx, project, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list sessions: %v", err)), nil
	}
	if len(sessions) == 0 {
		return mcp.NewToolResultText("No sessions recorded yet."), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "## Recent Sessions (%d)\n\n", len(sessions))
	for _, s := range sessions {
		fmt.Fprintf(&b, "- #%d **%s** [%s] %s | prompts: %d | observations: %d | summaries: %d\n",
			s.ID, s.Project, s.Status, search.FormatEpoch(s.StartedAtEpoch),
			s.PromptCounter, s.ObservationCount, s.SummaryCount)
		if s.UserPrompt != "" {
			fmt.Fprintf(&b, "  %s\n", memory.Truncate(s.UserPrompt, 120))
		}
	}
	if project == "" && len(sessions) == limit {
		if stats, err := t.store.Stats(ctx); err == nil {
			b.WriteString(memory.NavigationHint(len(sessions), stats.TotalSessions, "Raise limit to see more."))
		}
	}
	return mcp.NewToolResultText(b.String()), nil
}

// ─── PromptSearchTool ───────────────────────────────────────────────────────

// PromptSearchTool handles the mem_search_prompts MCP tool.
type PromptSearchTool struct {
	store *memory.Store
}

// NewPromptSearchTool creates a PromptSearchTool.
func NewPromptSearchTool(store *memory.Store) *PromptSearchTool {
	return &PromptSearchTool{store: store}
}

// Definition returns the MCP tool definition for mem_search_prompts.
func (t *PromptSearchTool) Definition() mcp.Tool {
	return mcp.NewTool("mem_search_prompts",
		mcp.WithDescription(
			"Search the prompts users gave in earlier sessions. Useful to find when a request was first made.",
		),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("Keywords to look for"),
		),
		mcp.WithString("project",
			mcp.Description("Filter by project name"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Max results (default: 10)"),
		),
	)
}

// Handle processes the mem_search_prompts tool call.
func (t *PromptSearchTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query := req.GetString("query", "")
	if query == "" {
		return mcp.NewToolResultError("'query' is required"), nil
	}
	prompts, err := t.store.SearchPrompts(ctx, query, req.GetString("project", ""), intArg(req, "limit", 10))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("search failed: %v", err)), nil
	}
	if len(prompts) == 0 {
		return mcp.NewToolResultText("No prompts found matching your query."), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d prompts:\n\n", len(prompts))
	for i, p := range prompts {
		fmt.Fprintf(&b, "[%d] session #%d prompt %d | %s | %s\n    %s\n\n",
			i+1, p.SessionID, p.PromptNumber, p.Project, search.FormatEpoch(p.CreatedAtEpoch),
			memory.Truncate(p.Text, 300))
	}
	return mcp.NewToolResultText(b.String()), nil
}
