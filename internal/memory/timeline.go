package memory

import (
	"context"
	"fmt"
	"slices"
)

// TimelineResult is the window of records around an anchor, chronological.
type TimelineResult struct {
	Anchor Record   `json:"anchor"`
	Before []Record `json:"before"`
	After  []Record `json:"after"`
}

// QueryByRefs hydrates the given refs in the requested order. Refs whose
// record no longer exists are skipped. A limit <= 0 means no limit.
func (s *Store) QueryByRefs(ctx context.Context, refs []RecordRef, order Order, limit int) ([]Record, error) {
	var obsIDs, sumIDs []any
	for _, ref := range refs {
		switch ref.Kind {
		case KindObservation:
			obsIDs = append(obsIDs, ref.ID)
		case KindSummary:
			sumIDs = append(sumIDs, ref.ID)
		}
	}
	if len(obsIDs) == 0 && len(sumIDs) == 0 {
		return nil, nil
	}

	query := `SELECT kind, id FROM timeline_records WHERE (kind = 'observation' AND id IN (` +
		placeholders(len(obsIDs)) + `)) OR (kind = 'summary' AND id IN (` + placeholders(len(sumIDs)) + `))`
	args := append(obsIDs, sumIDs...)

	switch order {
	case OrderOldest:
		query += " ORDER BY epoch ASC, id ASC, kind ASC"
	default:
		query += " ORDER BY epoch DESC, id ASC, kind ASC"
	}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return s.queryTimeline(ctx, query, args...)
}

// QueryBeforeTimestamp returns up to n records strictly before the anchor in
// the (epoch, id, kind) total order, oldest first. An empty project matches
// every project.
func (s *Store) QueryBeforeTimestamp(ctx context.Context, anchor Anchor, n int, project string) ([]Record, error) {
	if n <= 0 {
		return nil, nil
	}
	query := `SELECT kind, id FROM timeline_records
		WHERE (epoch < ? OR (epoch = ? AND (id < ? OR (id = ? AND kind < ?))))`
	args := []any{anchor.Epoch, anchor.Epoch, anchor.ID, anchor.ID, anchor.Kind}
	if project != "" {
		query += " AND project = ?"
		args = append(args, project)
	}
	query += " ORDER BY epoch DESC, id DESC, kind DESC LIMIT ?"
	args = append(args, n)

	records, err := s.queryTimeline(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("memory: query before: %w", err)
	}
	slices.Reverse(records)
	return records, nil
}

// QueryAfterTimestamp returns up to n records strictly after the anchor in
// the (epoch, id, kind) total order, oldest first.
func (s *Store) QueryAfterTimestamp(ctx context.Context, anchor Anchor, n int, project string) ([]Record, error) {
	if n <= 0 {
		return nil, nil
	}
	query := `SELECT kind, id FROM timeline_records
		WHERE (epoch > ? OR (epoch = ? AND (id > ? OR (id = ? AND kind > ?))))`
	args := []any{anchor.Epoch, anchor.Epoch, anchor.ID, anchor.ID, anchor.Kind}
	if project != "" {
		query += " AND project = ?"
		args = append(args, project)
	}
	query += " ORDER BY epoch ASC, id ASC, kind ASC LIMIT ?"
	args = append(args, n)

	records, err := s.queryTimeline(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("memory: query after: %w", err)
	}
	return records, nil
}

// Timeline returns the records surrounding a known record.
func (s *Store) Timeline(ctx context.Context, ref RecordRef, before, after int, project string) (*TimelineResult, error) {
	anchor, err := s.GetRecord(ctx, ref)
	if err != nil {
		return nil, err
	}
	pos := AnchorOf(*anchor)

	b, err := s.QueryBeforeTimestamp(ctx, pos, before, project)
	if err != nil {
		return nil, err
	}
	a, err := s.QueryAfterTimestamp(ctx, pos, after, project)
	if err != nil {
		return nil, err
	}
	return &TimelineResult{Anchor: *anchor, Before: b, After: a}, nil
}
