// Package memory implements the durable store for recall.
//
// It uses SQLite with FTS5 full-text search to persist sessions, the
// observations and summaries extracted from them, user prompts, and the
// bookkeeping that tracks which records have been projected into the
// semantic index. A single long-lived connection serializes all access.
package memory

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// openDB is a package-level var to allow test injection.
var openDB = sql.Open

// ─── Config ──────────────────────────────────────────────────────────────────

// Config holds memory store configuration.
type Config struct {
	DataDir              string
	MaxObservationLength int
	MaxSearchResults     int

	// Clock returns the current time. Nil means time.Now.
	Clock func() time.Time
}

// DefaultConfig returns the default configuration for the memory store.
func DefaultConfig() Config {
	home, _ := os.UserHomeDir()
	return Config{
		DataDir:              filepath.Join(home, ".recall"),
		MaxObservationLength: 4000,
		MaxSearchResults:     50,
	}
}

// ─── Store ───────────────────────────────────────────────────────────────────

// Store is the durable memory store backed by SQLite + FTS5.
type Store struct {
	db    *sql.DB
	cfg   Config
	hooks storeHooks
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type storeHooks struct {
	exec   func(ctx context.Context, db execer, query string, args ...any) (sql.Result, error)
	commit func(tx *sql.Tx) error
}

func defaultStoreHooks() storeHooks {
	return storeHooks{
		exec: func(ctx context.Context, db execer, query string, args ...any) (sql.Result, error) {
			return db.ExecContext(ctx, query, args...)
		},
		commit: func(tx *sql.Tx) error {
			return tx.Commit()
		},
	}
}

func (s *Store) execHook(ctx context.Context, db execer, query string, args ...any) (sql.Result, error) {
	if s.hooks.exec != nil {
		return s.hooks.exec(ctx, db, query, args...)
	}
	return db.ExecContext(ctx, query, args...)
}

func (s *Store) commitHook(tx *sql.Tx) error {
	if s.hooks.commit != nil {
		return s.hooks.commit(tx)
	}
	return tx.Commit()
}

// New creates a new Store with the given configuration.
// It creates the data directory if needed, opens SQLite with WAL mode on a
// single connection, and runs migrations.
func New(cfg Config) (*Store, error) {
	if cfg.MaxObservationLength <= 0 {
		cfg.MaxObservationLength = DefaultConfig().MaxObservationLength
	}
	if cfg.MaxSearchResults <= 0 {
		cfg.MaxSearchResults = DefaultConfig().MaxSearchResults
	}
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("memory: create data dir: %w", err)
	}

	dbPath := filepath.Join(cfg.DataDir, "memory.db")
	db, err := openDB("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("memory: open database: %w", err)
	}
	// One long-lived connection: every read and write is serialized through it.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("memory: pragma %q: %w", p, err)
		}
	}

	s := &Store{db: db, cfg: cfg, hooks: defaultStoreHooks()}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("memory: migration: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the connection is usable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) now() time.Time {
	if s.cfg.Clock != nil {
		return s.cfg.Clock()
	}
	return time.Now()
}

func (s *Store) nowEpoch() int64 {
	return s.now().UnixMilli()
}

// ─── Migrations ──────────────────────────────────────────────────────────────

func (s *Store) migrate(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			id                 INTEGER PRIMARY KEY AUTOINCREMENT,
			external_id        TEXT    NOT NULL UNIQUE,
			project            TEXT    NOT NULL,
			user_prompt        TEXT,
			prompt_counter     INTEGER NOT NULL DEFAULT 0,
			status             TEXT    NOT NULL DEFAULT 'initializing',
			started_at_epoch   INTEGER NOT NULL,
			updated_at_epoch   INTEGER NOT NULL,
			completed_at_epoch INTEGER
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_project ON sessions(project);
		CREATE INDEX IF NOT EXISTS idx_sessions_status  ON sessions(status);

		CREATE TABLE IF NOT EXISTS observations (
			id               INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id       INTEGER NOT NULL,
			project          TEXT    NOT NULL,
			prompt_number    INTEGER NOT NULL DEFAULT 0,
			type             TEXT    NOT NULL,
			title            TEXT,
			subtitle         TEXT,
			narrative        TEXT,
			facts            TEXT    NOT NULL DEFAULT '[]',
			concepts         TEXT    NOT NULL DEFAULT '[]',
			files_read       TEXT    NOT NULL DEFAULT '[]',
			files_modified   TEXT    NOT NULL DEFAULT '[]',
			discovery_tokens INTEGER NOT NULL DEFAULT 0,
			created_at_epoch INTEGER NOT NULL,
			FOREIGN KEY (session_id) REFERENCES sessions(id)
		);

		CREATE INDEX IF NOT EXISTS idx_obs_session ON observations(session_id);
		CREATE INDEX IF NOT EXISTS idx_obs_project ON observations(project);
		CREATE INDEX IF NOT EXISTS idx_obs_created ON observations(created_at_epoch DESC, id);

		CREATE VIRTUAL TABLE IF NOT EXISTS observations_fts USING fts5(
			title,
			subtitle,
			narrative,
			facts,
			concepts,
			content='observations',
			content_rowid='id'
		);

		CREATE TABLE IF NOT EXISTS summaries (
			id               INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id       INTEGER NOT NULL,
			project          TEXT    NOT NULL,
			prompt_number    INTEGER NOT NULL DEFAULT 0,
			request          TEXT,
			investigated     TEXT,
			learned          TEXT,
			completed        TEXT,
			next_steps       TEXT,
			notes            TEXT,
			files_read       TEXT    NOT NULL DEFAULT '[]',
			files_edited     TEXT    NOT NULL DEFAULT '[]',
			discovery_tokens INTEGER NOT NULL DEFAULT 0,
			created_at_epoch INTEGER NOT NULL,
			FOREIGN KEY (session_id) REFERENCES sessions(id),
			UNIQUE (session_id, prompt_number)
		);

		CREATE INDEX IF NOT EXISTS idx_sum_project ON summaries(project);
		CREATE INDEX IF NOT EXISTS idx_sum_created ON summaries(created_at_epoch DESC, id);

		CREATE VIRTUAL TABLE IF NOT EXISTS summaries_fts USING fts5(
			request,
			investigated,
			learned,
			completed,
			next_steps,
			notes,
			content='summaries',
			content_rowid='id'
		);

		CREATE TABLE IF NOT EXISTS user_prompts (
			id               INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id       INTEGER NOT NULL,
			project          TEXT    NOT NULL,
			prompt_number    INTEGER NOT NULL,
			prompt_text      TEXT    NOT NULL,
			created_at_epoch INTEGER NOT NULL,
			FOREIGN KEY (session_id) REFERENCES sessions(id),
			UNIQUE (session_id, prompt_number)
		);

		CREATE INDEX IF NOT EXISTS idx_prompts_project ON user_prompts(project);

		CREATE VIRTUAL TABLE IF NOT EXISTS prompts_fts USING fts5(
			prompt_text,
			content='user_prompts',
			content_rowid='id'
		);

		CREATE TABLE IF NOT EXISTS sync_state (
			kind            TEXT    NOT NULL,
			record_id       INTEGER NOT NULL,
			synced_at_epoch INTEGER,
			attempts        INTEGER NOT NULL DEFAULT 0,
			last_error      TEXT,
			PRIMARY KEY (kind, record_id)
		);

		CREATE VIEW IF NOT EXISTS timeline_records AS
			SELECT 'observation' AS kind, id, session_id, project, created_at_epoch AS epoch FROM observations
			UNION ALL
			SELECT 'summary' AS kind, id, session_id, project, created_at_epoch AS epoch FROM summaries;
	`
	if _, err := s.execHook(ctx, s.db, schema); err != nil {
		return err
	}

	// FTS triggers keep every virtual table consistent inside the same write.
	triggers := []struct {
		name string
		ddl  string
	}{
		{"obs_fts_insert", `
			CREATE TRIGGER obs_fts_insert AFTER INSERT ON observations BEGIN
				INSERT INTO observations_fts(rowid, title, subtitle, narrative, facts, concepts)
				VALUES (new.id, new.title, new.subtitle, new.narrative, new.facts, new.concepts);
			END;

			CREATE TRIGGER obs_fts_delete AFTER DELETE ON observations BEGIN
				INSERT INTO observations_fts(observations_fts, rowid, title, subtitle, narrative, facts, concepts)
				VALUES ('delete', old.id, old.title, old.subtitle, old.narrative, old.facts, old.concepts);
			END;
		`},
		{"sum_fts_insert", `
			CREATE TRIGGER sum_fts_insert AFTER INSERT ON summaries BEGIN
				INSERT INTO summaries_fts(rowid, request, investigated, learned, completed, next_steps, notes)
				VALUES (new.id, new.request, new.investigated, new.learned, new.completed, new.next_steps, new.notes);
			END;

			CREATE TRIGGER sum_fts_delete AFTER DELETE ON summaries BEGIN
				INSERT INTO summaries_fts(summaries_fts, rowid, request, investigated, learned, completed, next_steps, notes)
				VALUES ('delete', old.id, old.request, old.investigated, old.learned, old.completed, old.next_steps, old.notes);
			END;
		`},
		{"prompt_fts_insert", `
			CREATE TRIGGER prompt_fts_insert AFTER INSERT ON user_prompts BEGIN
				INSERT INTO prompts_fts(rowid, prompt_text) VALUES (new.id, new.prompt_text);
			END;

			CREATE TRIGGER prompt_fts_delete AFTER DELETE ON user_prompts BEGIN
				INSERT INTO prompts_fts(prompts_fts, rowid, prompt_text) VALUES ('delete', old.id, old.prompt_text);
			END;
		`},
	}
	for _, tr := range triggers {
		var name string
		err := s.db.QueryRowContext(ctx,
			"SELECT name FROM sqlite_master WHERE type='trigger' AND name=?", tr.name,
		).Scan(&name)
		if err == sql.ErrNoRows {
			if _, err := s.execHook(ctx, s.db, tr.ddl); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return err
		}
	}

	return nil
}
