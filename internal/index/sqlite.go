package index

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/HendryAvila/recall/internal/memory"

	_ "modernc.org/sqlite"
)

// SQLiteIndex keeps facet vectors in their own SQLite database next to the
// durable store and answers queries with an exact cosine scan.
type SQLiteIndex struct {
	db   *sql.DB
	dims int
}

// OpenSQLiteIndex opens (or creates) vectors.db inside dir. dims fixes the
// vector width; entries of any other width are rejected.
func OpenSQLiteIndex(dir string, dims int) (*SQLiteIndex, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("index: create data dir: %w", err)
	}
	db, err := sql.Open("sqlite", filepath.Join(dir, "vectors.db"))
	if err != nil {
		return nil, fmt.Errorf("index: open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("index: pragma %q: %w", p, err)
		}
	}

	idx := &SQLiteIndex{db: db, dims: dims}
	if err := idx.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return idx, nil
}

func (x *SQLiteIndex) migrate() error {
	_, err := x.db.Exec(`
		CREATE TABLE IF NOT EXISTS vectors (
			doc_id     TEXT PRIMARY KEY,
			kind       TEXT    NOT NULL,
			record_id  INTEGER NOT NULL,
			facet      TEXT    NOT NULL,
			project    TEXT    NOT NULL,
			epoch      INTEGER NOT NULL,
			text       TEXT    NOT NULL,
			dims       INTEGER NOT NULL,
			embedding  BLOB    NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_vectors_project ON vectors(project);
		CREATE INDEX IF NOT EXISTS idx_vectors_record ON vectors(kind, record_id);
		CREATE INDEX IF NOT EXISTS idx_vectors_epoch ON vectors(epoch);
	`)
	if err != nil {
		return fmt.Errorf("index: migrate: %w", err)
	}
	return nil
}

// Upsert stores entries, replacing any previous vector with the same doc id.
func (x *SQLiteIndex) Upsert(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	for _, e := range entries {
		if x.dims > 0 && len(e.Vector) != x.dims {
			return fmt.Errorf("index: %s: vector has %d dims, want %d", e.ID, len(e.Vector), x.dims)
		}
	}

	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("index: begin upsert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO vectors (doc_id, kind, record_id, facet, project, epoch, text, dims, embedding)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(doc_id) DO UPDATE SET
			project   = excluded.project,
			epoch     = excluded.epoch,
			text      = excluded.text,
			dims      = excluded.dims,
			embedding = excluded.embedding`)
	if err != nil {
		return fmt.Errorf("index: prepare upsert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx,
			e.ID, string(e.Kind), e.RecordID, e.Facet, e.Project, e.Epoch, e.Text,
			len(e.Vector), encodeVector(e.Vector),
		); err != nil {
			return fmt.Errorf("index: upsert %s: %w", e.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("index: commit upsert: %w", err)
	}
	return nil
}

// Query returns the TopK facet documents most similar to vector, best first.
// Project and Since are applied before ranking; documents at or below
// MinScore are dropped. Ties keep the newer record first.
func (x *SQLiteIndex) Query(ctx context.Context, vector []float32, opts QueryOptions) ([]Hit, error) {
	if opts.TopK <= 0 || len(vector) == 0 {
		return nil, nil
	}
	floor := max(opts.MinScore, 0)

	query := `SELECT doc_id, kind, record_id, project, epoch, embedding FROM vectors`
	var (
		where []string
		args  []any
	)
	if opts.Project != "" {
		where = append(where, "project = ?")
		args = append(args, opts.Project)
	}
	if opts.Since > 0 {
		where = append(where, "epoch >= ?")
		args = append(args, opts.Since)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	rows, err := x.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("index: query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var hits []Hit
	for rows.Next() {
		var (
			h    Hit
			kind string
			blob []byte
		)
		if err := rows.Scan(&h.DocID, &kind, &h.RecordID, &h.Project, &h.Epoch, &blob); err != nil {
			return nil, fmt.Errorf("index: scan vector: %w", err)
		}
		h.Kind = memory.RecordKind(kind)
		h.Score = cosineSimilarity(vector, decodeVector(blob))
		if h.Score <= floor {
			continue
		}
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("index: iterate vectors: %w", err)
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		if hits[i].Epoch != hits[j].Epoch {
			return hits[i].Epoch > hits[j].Epoch
		}
		return strings.Compare(hits[i].DocID, hits[j].DocID) < 0
	})
	if len(hits) > opts.TopK {
		hits = hits[:opts.TopK]
	}
	return hits, nil
}

// Count returns the number of stored facet documents.
func (x *SQLiteIndex) Count(ctx context.Context) (int, error) {
	var n int
	if err := x.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM vectors`).Scan(&n); err != nil {
		return 0, fmt.Errorf("index: count: %w", err)
	}
	return n, nil
}

// Close closes the database.
func (x *SQLiteIndex) Close() error {
	return x.db.Close()
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
