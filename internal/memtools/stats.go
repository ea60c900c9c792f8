package memtools

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/HendryAvila/recall/internal/memory"
)

// StatsTool handles the mem_stats MCP tool.
type StatsTool struct {
	store *memory.Store
}

// NewStatsTool creates a StatsTool with the given memory store.
func NewStatsTool(store *memory.Store) *StatsTool {
	return &StatsTool{store: store}
}

// Definition returns the MCP tool definition for mem_stats.
func (t *StatsTool) Definition() mcp.Tool {
	return mcp.NewTool("mem_stats",
		mcp.WithDescription(
			"Show memory system statistics: sessions, observations, summaries, index sync progress and projects tracked.",
		),
	)
}

// Handle processes the mem_stats tool call.
func (t *StatsTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	stats, err := t.store.Stats(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to get stats: %v", err)), nil
	}

	var sb strings.Builder
	sb.WriteString("## Memory Statistics\n\n")
	sb.WriteString(fmt.Sprintf("- **Sessions**: %d (%d active)\n", stats.TotalSessions, stats.ActiveSessions))
	sb.WriteString(fmt.Sprintf("- **Observations**: %d\n", stats.TotalObservations))
	sb.WriteString(fmt.Sprintf("- **Summaries**: %d\n", stats.TotalSummaries))
	sb.WriteString(fmt.Sprintf("- **User Prompts**: %d\n", stats.TotalPrompts))
	sb.WriteString(fmt.Sprintf("- **Semantic index**: %d synced, %d pending\n", stats.SyncedRecords, stats.PendingSync))

	if len(stats.Projects) > 0 {
		sb.WriteString(fmt.Sprintf("- **Projects** (%d): %s\n", len(stats.Projects), strings.Join(stats.Projects, ", ")))
	} else {
		sb.WriteString("- **Projects**: none\n")
	}

	return mcp.NewToolResultText(sb.String()), nil
}
