package memtools

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/HendryAvila/recall/internal/memory"
	"github.com/HendryAvila/recall/internal/search"
)

// ContextTool handles the mem_context MCP tool.
type ContextTool struct {
	store *memory.Store
}

// NewContextTool creates a ContextTool.
func NewContextTool(store *memory.Store) *ContextTool {
	return &ContextTool{store: store}
}

// Definition returns the MCP tool definition for mem_context.
func (t *ContextTool) Definition() mcp.Tool {
	return mcp.NewTool("mem_context",
		mcp.WithDescription(
			"Get recent memory context for a project. Shows the newest observations and "+
				"summaries to understand what was done before.",
		),
		mcp.WithString("project",
			mcp.Required(),
			mcp.Description("Project name"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Number of records to retrieve (default: 20)"),
		),
	)
}

// Handle processes the mem_context tool call.
func (t *ContextTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	project := req.GetString("project", "")
	if project == "" {
		return mcp.NewToolResultError("'project' is required"), nil
	}
	limit := intArg(req, "limit", 20)

	records, err := t.store.QueryByProject(ctx, project, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to load context: %v", err)), nil
	}
	if len(records) == 0 {
		return mcp.NewToolResultText(fmt.Sprintf("No memory context available for %q yet.", project)), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "## Recent context for %s\n\n", project)
	for _, r := range records {
		fmt.Fprintf(&b, "- %s #%d [%s] %s | %s\n", r.Kind, r.ID, r.Type(), r.Title(), search.FormatEpoch(r.Epoch))
		if r.Summary != nil && r.Summary.NextSteps != "" {
			fmt.Fprintf(&b, "  next: %s\n", memory.Truncate(r.Summary.NextSteps, 200))
		}
	}
	if len(records) == limit {
		fmt.Fprintf(&b, "\n📊 Showing the newest %d. Raise limit, or use mem_search for older records.\n", limit)
	}
	return mcp.NewToolResultText(b.String()), nil
}
