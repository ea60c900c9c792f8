// recall: persistent session memory for AI coding agents.
//
// Agent hooks post tool executions and turn summaries to the HTTP service;
// agents query the resulting history through MCP or the search command.
//
// Usage:
//
//	recall serve             # Start the ingestion and retrieval HTTP service
//	recall mcp               # Start the MCP server (stdio transport)
//	recall search <query>    # Print the timeline around the best match
//	recall backfill          # Project unsynced records into the semantic index
//	recall version           # Print the version
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
