package server

import (
	"github.com/mark3labs/mcp-go/server"

	"github.com/HendryAvila/recall/internal/memtools"
)

// MCPServer creates the MCP server exposing the retrieval tools over the
// service's store and engine. It never writes records: ingestion belongs to
// the HTTP service.
func (s *Service) MCPServer() *server.MCPServer {
	ms := server.NewMCPServer(
		"recall",
		Version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
		server.WithInstructions(serverInstructions()),
	)
	registerMemoryTools(ms, s)
	return ms
}

// registerMemoryTools registers the read-only memory tools.
func registerMemoryTools(ms *server.MCPServer, s *Service) {
	// --- Query & retrieval ---
	searchTool := memtools.NewSearchTool(s.search, s.cfg.Search.RecencyDays)
	ms.AddTool(searchTool.Definition(), searchTool.Handle)

	timelineTool := memtools.NewTimelineTool(s.store)
	ms.AddTool(timelineTool.Definition(), timelineTool.Handle)

	getObs := memtools.NewGetObservationTool(s.store)
	ms.AddTool(getObs.Definition(), getObs.Handle)

	memContext := memtools.NewContextTool(s.store)
	ms.AddTool(memContext.Definition(), memContext.Handle)

	// --- Sessions & prompts ---
	sessions := memtools.NewSessionsTool(s.store)
	ms.AddTool(sessions.Definition(), sessions.Handle)

	prompts := memtools.NewPromptSearchTool(s.store)
	ms.AddTool(prompts.Definition(), prompts.Handle)

	// --- Statistics ---
	statsTool := memtools.NewStatsTool(s.store)
	ms.AddTool(statsTool.Definition(), statsTool.Handle)
}

// serverInstructions tells the agent how to use recall's tools.
func serverInstructions() string {
	return `You have access to recall, a persistent memory of past coding sessions.

Every tool call made in earlier sessions was distilled into observations
(discoveries, changes, decisions, bugfixes) and every finished turn into a
summary. Use these tools to recover that history instead of re-reading the
codebase from scratch.

## WHEN TO USE recall

- At the start of a task: call mem_context with the project name.
- When the user refers to earlier work ("like we did last week", "that bug
  again"): call mem_search with a short description.
- When a search result looks relevant but thin: call mem_timeline on its id,
  or mem_get_observation for the complete record.

## HOW RESULTS ARE SHAPED

mem_search returns the most recent record related to the query (the anchor,
marked with ▶) together with the records immediately before and after it in
time. The neighbours are not matches; they show what happened around the
anchor. Results default to titles only; pass detail="full" when you need
narratives and facts.

Keep queries short and specific. Filter by project whenever you know it.`
}
