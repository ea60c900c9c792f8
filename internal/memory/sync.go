package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// SyncState is the index bookkeeping row of one record.
type SyncState struct {
	RecordRef
	SyncedAtEpoch *int64 `json:"synced_at_epoch,omitempty"`
	Attempts      int    `json:"attempts"`
	LastError     string `json:"last_error,omitempty"`
}

// UnsyncedRecords lists records not yet projected into the semantic index,
// fewest failed attempts first and then oldest first, so records that keep
// failing cannot hold back the rest.
func (s *Store) UnsyncedRecords(ctx context.Context, limit int) ([]RecordRef, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT tr.kind, tr.id
		FROM timeline_records tr
		LEFT JOIN sync_state ss ON ss.kind = tr.kind AND ss.record_id = tr.id
		WHERE ss.synced_at_epoch IS NULL
		ORDER BY COALESCE(ss.attempts, 0) ASC, tr.epoch ASC, tr.id ASC, tr.kind ASC
		LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("memory: unsynced records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var refs []RecordRef
	for rows.Next() {
		var ref RecordRef
		if err := rows.Scan(&ref.Kind, &ref.ID); err != nil {
			return nil, fmt.Errorf("memory: scan unsynced record: %w", err)
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// MarkSynced records a successful index projection of ref.
func (s *Store) MarkSynced(ctx context.Context, ref RecordRef) error {
	if _, err := s.execHook(ctx, s.db, `
		INSERT INTO sync_state (kind, record_id, synced_at_epoch, attempts, last_error)
		VALUES (?, ?, ?, 1, NULL)
		ON CONFLICT (kind, record_id) DO UPDATE SET
			synced_at_epoch = excluded.synced_at_epoch,
			attempts = sync_state.attempts + 1,
			last_error = NULL`,
		ref.Kind, ref.ID, s.nowEpoch(),
	); err != nil {
		return writeErr("mark synced", err)
	}
	return nil
}

// MarkSyncFailed records a failed projection attempt; the record stays pending.
func (s *Store) MarkSyncFailed(ctx context.Context, ref RecordRef, cause error) error {
	msg := ""
	if cause != nil {
		msg = Truncate(cause.Error(), 500)
	}
	if _, err := s.execHook(ctx, s.db, `
		INSERT INTO sync_state (kind, record_id, synced_at_epoch, attempts, last_error)
		VALUES (?, ?, NULL, 1, ?)
		ON CONFLICT (kind, record_id) DO UPDATE SET
			synced_at_epoch = NULL,
			attempts = sync_state.attempts + 1,
			last_error = excluded.last_error`,
		ref.Kind, ref.ID, nullableString(msg),
	); err != nil {
		return writeErr("mark sync failed", err)
	}
	return nil
}

// GetSyncState returns the bookkeeping row of ref, or ErrNotFound.
func (s *Store) GetSyncState(ctx context.Context, ref RecordRef) (*SyncState, error) {
	var (
		st      SyncState
		synced  *int64
		lastErr *string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT synced_at_epoch, attempts, last_error FROM sync_state WHERE kind = ? AND record_id = ?`,
		ref.Kind, ref.ID,
	).Scan(&synced, &st.Attempts, &lastErr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sync state %s/%d: %w", ref.Kind, ref.ID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("memory: sync state: %w", err)
	}
	st.RecordRef = ref
	st.SyncedAtEpoch = synced
	if lastErr != nil {
		st.LastError = *lastErr
	}
	return &st, nil
}
