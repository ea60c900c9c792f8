package search

import (
	"fmt"
	"strings"
	"time"

	"github.com/HendryAvila/recall/internal/memory"
)

// FormatText renders a result as plain text for MCP tools and the CLI.
func FormatText(r *Result) string {
	if len(r.Entries) == 0 {
		return fmt.Sprintf("No memories found for %q.", r.Query)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Timeline for %q (%s search, %d records):\n\n", r.Query, r.Mode, len(r.Entries))
	for _, e := range r.Entries {
		marker := "  "
		if e.Position == PositionAnchor {
			marker = "▶ "
		}
		fmt.Fprintf(&b, "%s[%s] %s #%d (%s) %s | %s | %s\n",
			marker, e.Position, e.Kind, e.ID, e.Type, e.Title, e.Project, FormatEpoch(e.Epoch))
		if e.Record != nil {
			writeRecord(&b, e.Record, "      ")
		}
	}
	if r.Detail == memory.DetailIndex {
		b.WriteString(memory.IndexFooter)
	}
	b.WriteString(memory.TokenFooter(memory.EstimateTokens(b.String())))
	return b.String()
}

// FormatRecord renders one full record.
func FormatRecord(r *memory.Record) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s #%d (%s) %s\n", r.Kind, r.ID, r.Type(), r.Title())
	fmt.Fprintf(&b, "project: %s | session: %d | %s\n", r.Project, r.SessionID, FormatEpoch(r.Epoch))
	writeRecord(&b, r, "")
	return b.String()
}

// FormatEpoch renders a unix millisecond timestamp in UTC.
func FormatEpoch(ms int64) string {
	return time.UnixMilli(ms).UTC().Format("2006-01-02 15:04:05")
}

func writeRecord(b *strings.Builder, r *memory.Record, indent string) {
	field := func(name, value string) {
		if value != "" {
			fmt.Fprintf(b, "%s%s: %s\n", indent, name, value)
		}
	}
	list := func(name string, items []string) {
		if len(items) > 0 {
			field(name, strings.Join(items, ", "))
		}
	}

	switch {
	case r.Observation != nil:
		o := r.Observation
		field("subtitle", o.Subtitle)
		field("narrative", o.Narrative)
		for _, f := range o.Facts {
			fmt.Fprintf(b, "%s- %s\n", indent, f)
		}
		list("concepts", o.Concepts)
		list("files read", o.FilesRead)
		list("files modified", o.FilesModified)
	case r.Summary != nil:
		s := r.Summary
		field("request", s.Request)
		field("investigated", s.Investigated)
		field("learned", s.Learned)
		field("completed", s.Completed)
		field("next steps", s.NextSteps)
		field("notes", s.Notes)
		list("files read", s.FilesRead)
		list("files edited", s.FilesEdited)
	}
}
