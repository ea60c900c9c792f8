package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const sessionColumns = `id, external_id, project, user_prompt, prompt_counter, status,
	started_at_epoch, updated_at_epoch, completed_at_epoch`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var (
		sess      Session
		prompt    sql.NullString
		completed sql.NullInt64
	)
	if err := row.Scan(
		&sess.ID, &sess.ExternalID, &sess.Project, &prompt, &sess.PromptCounter, &sess.Status,
		&sess.StartedAtEpoch, &sess.UpdatedAtEpoch, &completed,
	); err != nil {
		return nil, err
	}
	sess.UserPrompt = derefString(prompt)
	if completed.Valid {
		v := completed.Int64
		sess.CompletedAtEpoch = &v
	}
	return &sess, nil
}

// ─── Sessions ────────────────────────────────────────────────────────────────

// CreateSession registers a session under its external id. When the id is
// already known the stored session is returned unchanged with created=false.
// A new session starts at prompt 1; a non-empty prompt is recorded as that turn.
func (s *Store) CreateSession(ctx context.Context, externalID, project, prompt string) (*Session, bool, error) {
	prompt = stripPrivateTags(prompt)
	now := s.nowEpoch()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, writeErr("create session: begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := s.execHook(ctx, tx,
		`INSERT OR IGNORE INTO sessions
			(external_id, project, user_prompt, prompt_counter, status, started_at_epoch, updated_at_epoch)
		 VALUES (?, ?, ?, 1, ?, ?, ?)`,
		externalID, project, nullableString(prompt), StatusInitializing, now, now,
	)
	if err != nil {
		return nil, false, writeErr("create session", err)
	}
	n, _ := res.RowsAffected()
	created := n == 1

	sess, err := scanSession(tx.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE external_id = ?`, externalID,
	))
	if err != nil {
		return nil, false, fmt.Errorf("memory: create session: read back: %w", err)
	}

	if created && prompt != "" {
		if _, err := s.execHook(ctx, tx,
			`INSERT INTO user_prompts (session_id, project, prompt_number, prompt_text, created_at_epoch)
			 VALUES (?, ?, 1, ?, ?)`,
			sess.ID, project, prompt, now,
		); err != nil {
			return nil, false, writeErr("create session: prompt", err)
		}
	}

	if err := s.commitHook(tx); err != nil {
		return nil, false, writeErr("create session: commit", err)
	}
	return sess, created, nil
}

// GetSession retrieves a session by internal id.
func (s *Store) GetSession(ctx context.Context, id int64) (*Session, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %d: %w", id, ErrNotFound)
	}
	return sess, err
}

// GetSessionByExternalID retrieves a session by the caller's id.
func (s *Store) GetSessionByExternalID(ctx context.Context, externalID string) (*Session, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE external_id = ?`, externalID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %q: %w", externalID, ErrNotFound)
	}
	return sess, err
}

// SetSessionStatus records a lifecycle transition. Terminal statuses also
// stamp the completion epoch.
func (s *Store) SetSessionStatus(ctx context.Context, id int64, status Status) error {
	now := s.nowEpoch()
	var completed *int64
	if status.Terminal() {
		completed = &now
	}
	res, err := s.execHook(ctx, s.db,
		`UPDATE sessions
		 SET status = ?, updated_at_epoch = ?, completed_at_epoch = COALESCE(?, completed_at_epoch)
		 WHERE id = ?`,
		status, now, completed, id,
	)
	if err != nil {
		return writeErr("set session status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %d: %w", id, ErrNotFound)
	}
	return nil
}

// IncrementPromptCounter advances the session to its next prompt turn and
// records the prompt text. It returns the new prompt number.
func (s *Store) IncrementPromptCounter(ctx context.Context, id int64, text string) (int, error) {
	text = stripPrivateTags(text)
	now := s.nowEpoch()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, writeErr("increment prompt: begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := s.execHook(ctx, tx,
		`UPDATE sessions SET prompt_counter = prompt_counter + 1, updated_at_epoch = ? WHERE id = ?`,
		now, id,
	)
	if err != nil {
		return 0, writeErr("increment prompt", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, fmt.Errorf("session %d: %w", id, ErrNotFound)
	}

	var (
		counter int
		project string
	)
	if err := tx.QueryRowContext(ctx,
		`SELECT prompt_counter, project FROM sessions WHERE id = ?`, id,
	).Scan(&counter, &project); err != nil {
		return 0, fmt.Errorf("memory: increment prompt: read back: %w", err)
	}

	if text != "" {
		if _, err := s.execHook(ctx, tx,
			`INSERT INTO user_prompts (session_id, project, prompt_number, prompt_text, created_at_epoch)
			 VALUES (?, ?, ?, ?, ?)`,
			id, project, counter, text, now,
		); err != nil {
			return 0, writeErr("increment prompt: prompt", err)
		}
	}

	if err := s.commitHook(tx); err != nil {
		return 0, writeErr("increment prompt: commit", err)
	}
	return counter, nil
}

// touch bumps the session's last-activity epoch so RecentSessions follows
// record writes.
func (s *Store) touch(ctx context.Context, id int64, epoch int64) error {
	if _, err := s.execHook(ctx, s.db,
		`UPDATE sessions SET updated_at_epoch = ? WHERE id = ?`, epoch, id,
	); err != nil {
		return writeErr("touch session", err)
	}
	return nil
}

// CleanupOrphanedSessions marks every session left active or initializing by
// a previous process as failed. It must run before any consumer starts and
// returns the number of sessions recovered.
func (s *Store) CleanupOrphanedSessions(ctx context.Context) (int64, error) {
	now := s.nowEpoch()
	res, err := s.execHook(ctx, s.db,
		`UPDATE sessions
		 SET status = ?, updated_at_epoch = ?, completed_at_epoch = ?
		 WHERE status IN (?, ?)`,
		StatusFailed, now, now, StatusActive, StatusInitializing,
	)
	if err != nil {
		return 0, writeErr("cleanup orphaned sessions", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// RecentSessions returns recent sessions with record counts, newest first.
func (s *Store) RecentSessions(ctx context.Context, project string, limit int) ([]SessionOverview, error) {
	if limit <= 0 {
		limit = 5
	}

	query := `
		SELECT ` + sessionColumns + `,
		       (SELECT COUNT(*) FROM observations o WHERE o.session_id = sessions.id),
		       (SELECT COUNT(*) FROM summaries sm WHERE sm.session_id = sessions.id)
		FROM sessions
		WHERE 1=1
	`
	args := []any{}
	if project != "" {
		query += " AND project = ?"
		args = append(args, project)
	}
	query += " ORDER BY updated_at_epoch DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("memory: recent sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var results []SessionOverview
	for rows.Next() {
		var (
			ov        SessionOverview
			prompt    sql.NullString
			completed sql.NullInt64
		)
		if err := rows.Scan(
			&ov.ID, &ov.ExternalID, &ov.Project, &prompt, &ov.PromptCounter, &ov.Status,
			&ov.StartedAtEpoch, &ov.UpdatedAtEpoch, &completed,
			&ov.ObservationCount, &ov.SummaryCount,
		); err != nil {
			return nil, err
		}
		ov.UserPrompt = derefString(prompt)
		if completed.Valid {
			v := completed.Int64
			ov.CompletedAtEpoch = &v
		}
		results = append(results, ov)
	}
	return results, rows.Err()
}

// ─── Prompts ─────────────────────────────────────────────────────────────────

// SearchPrompts runs a keyword search over recorded user prompts.
func (s *Store) SearchPrompts(ctx context.Context, query, project string, limit int) ([]UserPrompt, error) {
	if limit <= 0 {
		limit = 10
	}
	ftsQuery := sanitizeFTS(query)
	if ftsQuery == "" {
		return nil, nil
	}

	sqlStr := `
		SELECT p.id, p.session_id, p.project, p.prompt_number, p.prompt_text, p.created_at_epoch
		FROM prompts_fts fts
		JOIN user_prompts p ON p.id = fts.rowid
		WHERE prompts_fts MATCH ?
	`
	args := []any{ftsQuery}
	if project != "" {
		sqlStr += " AND p.project = ?"
		args = append(args, project)
	}
	sqlStr += " ORDER BY fts.rank, p.created_at_epoch DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("memory: search prompts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var prompts []UserPrompt
	for rows.Next() {
		var p UserPrompt
		if err := rows.Scan(&p.ID, &p.SessionID, &p.Project, &p.PromptNumber, &p.Text, &p.CreatedAtEpoch); err != nil {
			return nil, err
		}
		prompts = append(prompts, p)
	}
	return prompts, rows.Err()
}
