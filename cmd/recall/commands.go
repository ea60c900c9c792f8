package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/HendryAvila/recall/internal/memory"
	"github.com/HendryAvila/recall/internal/search"
)

func newServeCmd(open openFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the ingestion and retrieval HTTP service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, _, closer, err := open()
			if err != nil {
				return err
			}
			defer closer.Close()
			return svc.ListenAndServe(cmd.Context())
		},
	}
}

func newMCPCmd(open openFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Start the MCP server (stdio transport)",
		Long: `Serves the read-only memory tools over stdio. Add to your agent's MCP config:

  {
    "mcpServers": {
      "recall": {
        "command": "recall",
        "args": ["mcp"]
      }
    }
  }`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, _, closer, err := open()
			if err != nil {
				return err
			}
			defer closer.Close()
			// stdout carries the protocol; logs already go to stderr.
			return mcpserver.ServeStdio(svc.MCPServer())
		},
	}
}

func newSearchCmd(open openFunc) *cobra.Command {
	var (
		project     string
		before      int
		after       int
		recencyDays int
		full        bool
		keyword     bool
		asJSON      bool
	)
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Print the timeline around the most recent match",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _, closer, err := open()
			if err != nil {
				return err
			}
			defer closer.Close()

			req := search.Request{
				Text:        strings.Join(args, " "),
				Project:     project,
				Recency:     time.Duration(recencyDays) * 24 * time.Hour,
				DepthBefore: before,
				DepthAfter:  after,
			}
			if full {
				req.Detail = memory.DetailFull
			}

			var res *search.Result
			if keyword {
				res, err = svc.Search().KeywordQuery(cmd.Context(), req)
			} else {
				res, err = svc.Search().Query(cmd.Context(), req)
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(res)
			}
			_, err = fmt.Fprintln(out, search.FormatText(res))
			return err
		},
	}
	f := cmd.Flags()
	f.StringVarP(&project, "project", "p", "", "only consider records of this project")
	f.IntVarP(&before, "before", "b", 5, "records to show before the match")
	f.IntVarP(&after, "after", "a", 5, "records to show after the match")
	f.IntVar(&recencyDays, "recency-days", 90, "ignore semantic matches older than this many days (0 = no limit)")
	f.BoolVar(&full, "full", false, "print complete records instead of titles")
	f.BoolVar(&keyword, "keyword", false, "skip the semantic index and use full-text search only")
	f.BoolVar(&asJSON, "json", false, "print the result as JSON")
	return cmd
}

func newBackfillCmd(open openFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "backfill",
		Short: "Project every unsynced record into the semantic index",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, log, closer, err := open()
			if err != nil {
				return err
			}
			defer closer.Close()

			start := time.Now()
			synced, failed, err := svc.Backfill(cmd.Context())
			if err != nil {
				return err
			}
			log.Info().Int("synced", synced).Int("failed", failed).Dur("took", time.Since(start)).Msg("backfill finished")
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "synced %d records, %d failed\n", synced, failed)
			return err
		},
	}
}
