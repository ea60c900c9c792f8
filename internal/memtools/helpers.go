// Package memtools provides the MCP tool handlers for reading recall's memory.
//
// Each tool handler follows the same pattern:
//   - A struct with its dependencies injected via constructor
//   - Definition() returns the mcp.Tool schema
//   - Handle() processes the request and returns a result
//
// The tools are read-only. Records are written by the ingestion pipeline,
// never by the agent through MCP.
package memtools

import (
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/HendryAvila/recall/internal/memory"
)

// intArg extracts an integer argument from a tool request, returning
// defaultVal if the key is missing or not a number (JSON numbers are float64).
func intArg(req mcp.CallToolRequest, key string, defaultVal int) int {
	v, ok := req.GetArguments()[key].(float64)
	if !ok {
		return defaultVal
	}
	return int(v)
}

// kindArg reads the record kind, defaulting to observation.
func kindArg(req mcp.CallToolRequest) (memory.RecordKind, bool) {
	kind := memory.RecordKind(req.GetString("kind", string(memory.KindObservation)))
	return kind, kind.Valid()
}
