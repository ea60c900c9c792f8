package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

const defaultObservationType = "discovery"

const observationColumns = `id, session_id, project, prompt_number, type, title, subtitle, narrative,
	facts, concepts, files_read, files_modified, discovery_tokens, created_at_epoch`

const summaryColumns = `id, session_id, project, prompt_number, request, investigated, learned,
	completed, next_steps, notes, files_read, files_edited, discovery_tokens, created_at_epoch`

func scanObservation(row rowScanner) (*Observation, error) {
	var (
		o                                 Observation
		title, subtitle, narrative        sql.NullString
		facts, concepts, filesRd, filesMd string
	)
	if err := row.Scan(
		&o.ID, &o.SessionID, &o.Project, &o.PromptNumber, &o.Type, &title, &subtitle, &narrative,
		&facts, &concepts, &filesRd, &filesMd, &o.DiscoveryTokens, &o.CreatedAtEpoch,
	); err != nil {
		return nil, err
	}
	o.Title = derefString(title)
	o.Subtitle = derefString(subtitle)
	o.Narrative = derefString(narrative)
	o.Facts = decodeList(facts)
	o.Concepts = decodeList(concepts)
	o.FilesRead = decodeList(filesRd)
	o.FilesModified = decodeList(filesMd)
	return &o, nil
}

func scanSummary(row rowScanner) (*Summary, error) {
	var (
		sm                             Summary
		request, investigated, learned sql.NullString
		completed, nextSteps, notes    sql.NullString
		filesRd, filesEd               string
	)
	if err := row.Scan(
		&sm.ID, &sm.SessionID, &sm.Project, &sm.PromptNumber, &request, &investigated, &learned,
		&completed, &nextSteps, &notes, &filesRd, &filesEd, &sm.DiscoveryTokens, &sm.CreatedAtEpoch,
	); err != nil {
		return nil, err
	}
	sm.Request = derefString(request)
	sm.Investigated = derefString(investigated)
	sm.Learned = derefString(learned)
	sm.Completed = derefString(completed)
	sm.NextSteps = derefString(nextSteps)
	sm.Notes = derefString(notes)
	sm.FilesRead = decodeList(filesRd)
	sm.FilesEdited = decodeList(filesEd)
	return &sm, nil
}

// ─── Observations ────────────────────────────────────────────────────────────

// AppendObservation persists one observation and its FTS row in a single
// write. It returns the new id and the creation epoch (unix ms).
func (s *Store) AppendObservation(ctx context.Context, p AppendObservationParams) (int64, int64, error) {
	typ := strings.TrimSpace(p.Type)
	if typ == "" {
		typ = defaultObservationType
	}
	narrative := stripPrivateTags(p.Narrative)
	if r := []rune(narrative); len(r) > s.cfg.MaxObservationLength {
		narrative = string(r[:s.cfg.MaxObservationLength]) + "... [truncated]"
	}
	epoch := s.nowEpoch()

	res, err := s.execHook(ctx, s.db,
		`INSERT INTO observations
			(session_id, project, prompt_number, type, title, subtitle, narrative,
			 facts, concepts, files_read, files_modified, discovery_tokens, created_at_epoch)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.SessionID, p.Project, p.PromptNumber, typ,
		nullableString(stripPrivateTags(p.Title)),
		nullableString(stripPrivateTags(p.Subtitle)),
		nullableString(narrative),
		encodeList(stripPrivateList(p.Facts)),
		encodeList(p.Concepts),
		encodeList(p.FilesRead),
		encodeList(p.FilesModified),
		p.DiscoveryTokens, epoch,
	)
	if err != nil {
		return 0, 0, writeErr("append observation", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, 0, writeErr("append observation: id", err)
	}
	if err := s.touch(ctx, p.SessionID, epoch); err != nil {
		return 0, 0, err
	}
	return id, epoch, nil
}

// GetObservation retrieves an observation by id.
func (s *Store) GetObservation(ctx context.Context, id int64) (*Observation, error) {
	o, err := scanObservation(s.db.QueryRowContext(ctx,
		`SELECT `+observationColumns+` FROM observations WHERE id = ?`, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("observation %d: %w", id, ErrNotFound)
	}
	return o, err
}

// RecentObservations returns the newest observations, optionally for one project.
func (s *Store) RecentObservations(ctx context.Context, project string, limit int) ([]Observation, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT ` + observationColumns + ` FROM observations WHERE 1=1`
	args := []any{}
	if project != "" {
		query += " AND project = ?"
		args = append(args, project)
	}
	query += " ORDER BY created_at_epoch DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("memory: recent observations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Observation
	for rows.Next() {
		o, err := scanObservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

// ─── Summaries ───────────────────────────────────────────────────────────────

// AppendSummary persists one summary. A second summary for the same session
// and prompt number fails with ErrDuplicateSummary.
func (s *Store) AppendSummary(ctx context.Context, p AppendSummaryParams) (int64, int64, error) {
	epoch := s.nowEpoch()

	res, err := s.execHook(ctx, s.db,
		`INSERT INTO summaries
			(session_id, project, prompt_number, request, investigated, learned,
			 completed, next_steps, notes, files_read, files_edited, discovery_tokens, created_at_epoch)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.SessionID, p.Project, p.PromptNumber,
		nullableString(stripPrivateTags(p.Request)),
		nullableString(stripPrivateTags(p.Investigated)),
		nullableString(stripPrivateTags(p.Learned)),
		nullableString(stripPrivateTags(p.Completed)),
		nullableString(stripPrivateTags(p.NextSteps)),
		nullableString(stripPrivateTags(p.Notes)),
		encodeList(p.FilesRead),
		encodeList(p.FilesEdited),
		p.DiscoveryTokens, epoch,
	)
	if isUniqueViolation(err) {
		return 0, 0, fmt.Errorf("session %d prompt %d: %w", p.SessionID, p.PromptNumber, ErrDuplicateSummary)
	}
	if err != nil {
		return 0, 0, writeErr("append summary", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, 0, writeErr("append summary: id", err)
	}
	if err := s.touch(ctx, p.SessionID, epoch); err != nil {
		return 0, 0, err
	}
	return id, epoch, nil
}

// GetSummary retrieves a summary by id.
func (s *Store) GetSummary(ctx context.Context, id int64) (*Summary, error) {
	sm, err := scanSummary(s.db.QueryRowContext(ctx,
		`SELECT `+summaryColumns+` FROM summaries WHERE id = ?`, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("summary %d: %w", id, ErrNotFound)
	}
	return sm, err
}

// ─── Records ─────────────────────────────────────────────────────────────────

// GetRecord retrieves an observation or summary by timeline reference.
func (s *Store) GetRecord(ctx context.Context, ref RecordRef) (*Record, error) {
	switch ref.Kind {
	case KindObservation:
		o, err := s.GetObservation(ctx, ref.ID)
		if err != nil {
			return nil, err
		}
		r := observationRecord(o)
		return &r, nil
	case KindSummary:
		sm, err := s.GetSummary(ctx, ref.ID)
		if err != nil {
			return nil, err
		}
		r := summaryRecord(sm)
		return &r, nil
	default:
		return nil, fmt.Errorf("record kind %q: %w", ref.Kind, ErrNotFound)
	}
}

// QueryByProject returns the newest records of a project across both kinds.
func (s *Store) QueryByProject(ctx context.Context, project string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.queryTimeline(ctx,
		`SELECT kind, id FROM timeline_records WHERE project = ?
		 ORDER BY epoch DESC, id ASC, kind ASC LIMIT ?`,
		project, limit,
	)
}

// queryTimeline runs a query yielding (kind, id) pairs and hydrates them into
// records, preserving the query's order.
func (s *Store) queryTimeline(ctx context.Context, query string, args ...any) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("memory: timeline query: %w", err)
	}
	var refs []RecordRef
	for rows.Next() {
		var ref RecordRef
		if err := rows.Scan(&ref.Kind, &ref.ID); err != nil {
			_ = rows.Close()
			return nil, err
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	// The single connection must be released before hydration queries run.
	_ = rows.Close()

	return s.loadRecords(ctx, refs)
}

// loadRecords fetches the rows behind refs, keeping ref order. Refs whose
// row no longer exists are skipped.
func (s *Store) loadRecords(ctx context.Context, refs []RecordRef) ([]Record, error) {
	if len(refs) == 0 {
		return nil, nil
	}

	var obsIDs, sumIDs []int64
	for _, ref := range refs {
		switch ref.Kind {
		case KindObservation:
			obsIDs = append(obsIDs, ref.ID)
		case KindSummary:
			sumIDs = append(sumIDs, ref.ID)
		}
	}

	byRef := make(map[RecordRef]Record, len(refs))
	if len(obsIDs) > 0 {
		rows, err := s.db.QueryContext(ctx,
			`SELECT `+observationColumns+` FROM observations WHERE id IN (`+placeholders(len(obsIDs))+`)`,
			int64Args(obsIDs)...,
		)
		if err != nil {
			return nil, fmt.Errorf("memory: load observations: %w", err)
		}
		for rows.Next() {
			o, err := scanObservation(rows)
			if err != nil {
				_ = rows.Close()
				return nil, err
			}
			r := observationRecord(o)
			byRef[r.Ref()] = r
		}
		err = rows.Err()
		_ = rows.Close()
		if err != nil {
			return nil, err
		}
	}
	if len(sumIDs) > 0 {
		rows, err := s.db.QueryContext(ctx,
			`SELECT `+summaryColumns+` FROM summaries WHERE id IN (`+placeholders(len(sumIDs))+`)`,
			int64Args(sumIDs)...,
		)
		if err != nil {
			return nil, fmt.Errorf("memory: load summaries: %w", err)
		}
		for rows.Next() {
			sm, err := scanSummary(rows)
			if err != nil {
				_ = rows.Close()
				return nil, err
			}
			r := summaryRecord(sm)
			byRef[r.Ref()] = r
		}
		err = rows.Err()
		_ = rows.Close()
		if err != nil {
			return nil, err
		}
	}

	out := make([]Record, 0, len(refs))
	for _, ref := range refs {
		if r, ok := byRef[ref]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func int64Args(ids []int64) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}
