package memory

import (
	"context"
	"fmt"
)

// Search runs an FTS5 keyword query across observations and summaries.
// Hits are ordered by rank, then newest first, then id.
func (s *Store) Search(ctx context.Context, query string, opts SearchOptions) ([]SearchHit, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 10
	}
	if limit > s.cfg.MaxSearchResults {
		limit = s.cfg.MaxSearchResults
	}

	ftsQuery := sanitizeFTS(query)
	if ftsQuery == "" {
		return nil, nil
	}

	projectFilter := ""
	args := []any{ftsQuery}
	if opts.Project != "" {
		projectFilter = " AND o.project = ?"
		args = append(args, opts.Project)
	}
	sumFilter := ""
	args = append(args, ftsQuery)
	if opts.Project != "" {
		sumFilter = " AND sm.project = ?"
		args = append(args, opts.Project)
	}

	sqlStr := `
		SELECT 'observation' AS kind, o.id AS id, o.created_at_epoch AS epoch, bm25(observations_fts) AS score
		FROM observations_fts
		JOIN observations o ON o.id = observations_fts.rowid
		WHERE observations_fts MATCH ?` + projectFilter + `
		UNION ALL
		SELECT 'summary', sm.id, sm.created_at_epoch, bm25(summaries_fts)
		FROM summaries_fts
		JOIN summaries sm ON sm.id = summaries_fts.rowid
		WHERE summaries_fts MATCH ?` + sumFilter + `
		ORDER BY score ASC, epoch DESC, id ASC
		LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("memory: search: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var hits []SearchHit
	for rows.Next() {
		var h SearchHit
		if err := rows.Scan(&h.Kind, &h.ID, &h.Epoch, &h.Rank); err != nil {
			return nil, fmt.Errorf("memory: scan search hit: %w", err)
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// ─── Stats ───────────────────────────────────────────────────────────────────

// Stats returns aggregate memory statistics.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	counts := []struct {
		query string
		dest  *int
	}{
		{"SELECT COUNT(*) FROM sessions", &stats.TotalSessions},
		{"SELECT COUNT(*) FROM sessions WHERE status IN ('active', 'initializing')", &stats.ActiveSessions},
		{"SELECT COUNT(*) FROM observations", &stats.TotalObservations},
		{"SELECT COUNT(*) FROM summaries", &stats.TotalSummaries},
		{"SELECT COUNT(*) FROM user_prompts", &stats.TotalPrompts},
		{"SELECT COUNT(*) FROM sync_state WHERE synced_at_epoch IS NOT NULL", &stats.SyncedRecords},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, c.query).Scan(c.dest); err != nil {
			return nil, fmt.Errorf("memory: stats: %w", err)
		}
	}
	stats.PendingSync = stats.TotalObservations + stats.TotalSummaries - stats.SyncedRecords

	rows, err := s.db.QueryContext(ctx,
		"SELECT project FROM timeline_records GROUP BY project ORDER BY MAX(epoch) DESC",
	)
	if err != nil {
		return nil, fmt.Errorf("memory: stats: projects: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("memory: stats: scan project: %w", err)
		}
		stats.Projects = append(stats.Projects, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("memory: stats: projects: %w", err)
	}

	return stats, nil
}
