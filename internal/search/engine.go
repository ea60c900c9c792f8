// Package search answers hybrid retrieval queries. A query is resolved in
// three stages: semantic candidates from the vector index, a temporal anchor
// chosen by the durable store, then a timeline window around that anchor.
// When the index has nothing usable the same window is built around the top
// full-text hit instead.
package search

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/HendryAvila/recall/internal/config"
	"github.com/HendryAvila/recall/internal/index"
	"github.com/HendryAvila/recall/internal/memory"
)

// MaxDepth is the largest window a query may request on either side.
const MaxDepth = config.MaxDepth

// DefaultTopK is the number of index hits fetched in Stage A.
const DefaultTopK = 100

// ErrInvalidQuery marks a request rejected before any lookup.
var ErrInvalidQuery = errors.New("search: invalid query")

// Mode reports which path produced a result.
type Mode string

const (
	ModeHybrid  Mode = "hybrid"
	ModeKeyword Mode = "keyword"
)

// Position tags an entry relative to the anchor.
type Position string

const (
	PositionBefore Position = "before"
	PositionAnchor Position = "anchor"
	PositionAfter  Position = "after"
)

// Store is the read side of the durable store used by the engine.
type Store interface {
	QueryByRefs(ctx context.Context, refs []memory.RecordRef, order memory.Order, limit int) ([]memory.Record, error)
	QueryBeforeTimestamp(ctx context.Context, anchor memory.Anchor, n int, project string) ([]memory.Record, error)
	QueryAfterTimestamp(ctx context.Context, anchor memory.Anchor, n int, project string) ([]memory.Record, error)
	Search(ctx context.Context, query string, opts memory.SearchOptions) ([]memory.SearchHit, error)
	GetRecord(ctx context.Context, ref memory.RecordRef) (*memory.Record, error)
}

// Request is one retrieval query.
type Request struct {
	Text    string
	Project string
	// Recency drops index hits older than now-Recency. Zero disables it.
	Recency     time.Duration
	DepthBefore int
	DepthAfter  int
	TopK        int
	Detail      string
}

// Entry is one record of the result window.
type Entry struct {
	Position  Position          `json:"position"`
	Kind      memory.RecordKind `json:"kind"`
	ID        int64             `json:"id"`
	SessionID int64             `json:"session_id"`
	Project   string            `json:"project"`
	Type      string            `json:"type"`
	Title     string            `json:"title"`
	Epoch     int64             `json:"created_at_epoch"`
	Record    *memory.Record    `json:"record,omitempty"`
}

// Result is the window around the anchor, chronological. Entries is empty
// when nothing matched.
type Result struct {
	Query   string  `json:"query"`
	Mode    Mode    `json:"mode"`
	Detail  string  `json:"detail"`
	Entries []Entry `json:"entries"`
}

// Anchor returns the anchor entry, or nil for an empty result.
func (r *Result) Anchor() *Entry {
	for i := range r.Entries {
		if r.Entries[i].Position == PositionAnchor {
			return &r.Entries[i]
		}
	}
	return nil
}

// Config tunes the engine.
type Config struct {
	TopK      int
	CacheSize int
	// MinScore is the similarity an index hit must exceed to count as a
	// candidate. Hits at or below zero never count.
	MinScore float64
	// Clock returns the current time. Nil means time.Now.
	Clock func() time.Time
}

// Engine runs hybrid queries. The index and embedder are optional; without
// them every query takes the keyword path.
type Engine struct {
	store Store
	index index.VectorIndex
	embed index.Embedder
	cache *lru.Cache[string, []float32]
	cfg   Config
	log   zerolog.Logger
}

// New creates an engine.
func New(store Store, idx index.VectorIndex, emb index.Embedder, cfg Config, log zerolog.Logger) (*Engine, error) {
	if cfg.TopK <= 0 {
		cfg.TopK = DefaultTopK
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 256
	}
	cache, err := lru.New[string, []float32](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("search: embedding cache: %w", err)
	}
	return &Engine{store: store, index: idx, embed: emb, cache: cache, cfg: cfg, log: log}, nil
}

func (e *Engine) now() time.Time {
	if e.cfg.Clock != nil {
		return e.cfg.Clock()
	}
	return time.Now()
}

func (e *Engine) validate(req Request) (Request, error) {
	req.Text = strings.TrimSpace(req.Text)
	if req.Text == "" {
		return req, fmt.Errorf("%w: query text is empty", ErrInvalidQuery)
	}
	if req.DepthBefore < 0 || req.DepthBefore > MaxDepth || req.DepthAfter < 0 || req.DepthAfter > MaxDepth {
		return req, fmt.Errorf("%w: depths must be within 0..%d", ErrInvalidQuery, MaxDepth)
	}
	if req.Recency < 0 {
		return req, fmt.Errorf("%w: recency must not be negative", ErrInvalidQuery)
	}
	if req.TopK <= 0 {
		req.TopK = e.cfg.TopK
	}
	req.Detail = memory.ParseDetailLevel(req.Detail)
	return req, nil
}

// Query runs the hybrid pipeline, falling back to KeywordQuery when the
// index yields no usable candidate.
func (e *Engine) Query(ctx context.Context, req Request) (*Result, error) {
	req, err := e.validate(req)
	if err != nil {
		return nil, err
	}
	log := e.log.With().Str("query", memory.Truncate(req.Text, 60)).Logger()

	refs, err := e.candidates(ctx, req)
	if err != nil {
		log.Warn().Err(err).Msg("semantic index unavailable, using keyword search")
		return e.keyword(ctx, req)
	}
	if len(refs) == 0 {
		log.Debug().Msg("no semantic candidates, using keyword search")
		return e.keyword(ctx, req)
	}

	// Stage B: the newest surviving candidate is the anchor.
	records, err := e.store.QueryByRefs(ctx, refs, memory.OrderNewest, 1)
	if err != nil {
		return nil, fmt.Errorf("search: anchor: %w", err)
	}
	if len(records) == 0 {
		log.Debug().Int("candidates", len(refs)).Msg("no candidate survives in the store, using keyword search")
		return e.keyword(ctx, req)
	}
	return e.expand(ctx, req, ModeHybrid, records[0])
}

// KeywordQuery builds the result window around the top full-text hit.
func (e *Engine) KeywordQuery(ctx context.Context, req Request) (*Result, error) {
	req, err := e.validate(req)
	if err != nil {
		return nil, err
	}
	return e.keyword(ctx, req)
}

// candidates is Stage A: index hits inside the recency window and above the
// similarity floor, resolved to record refs in rank order.
func (e *Engine) candidates(ctx context.Context, req Request) ([]memory.RecordRef, error) {
	if e.index == nil || e.embed == nil {
		return nil, nil
	}
	vec, err := e.queryVector(ctx, req.Text)
	if err != nil {
		return nil, err
	}
	opts := index.QueryOptions{TopK: req.TopK, Project: req.Project, MinScore: e.cfg.MinScore}
	if req.Recency > 0 {
		opts.Since = e.now().Add(-req.Recency).UnixMilli()
	}
	hits, err := e.index.Query(ctx, vec, opts)
	if err != nil {
		return nil, err
	}

	hits = index.CollapseHits(hits)
	refs := make([]memory.RecordRef, len(hits))
	for i, h := range hits {
		refs[i] = h.Ref()
	}
	return refs, nil
}

func (e *Engine) queryVector(ctx context.Context, text string) ([]float32, error) {
	key := e.embed.Name() + "\x00" + text
	if v, ok := e.cache.Get(key); ok {
		return v, nil
	}
	vecs, err := e.embed.Embed(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("embed query: got %d vectors", len(vecs))
	}
	e.cache.Add(key, vecs[0])
	return vecs[0], nil
}

func (e *Engine) keyword(ctx context.Context, req Request) (*Result, error) {
	hits, err := e.store.Search(ctx, req.Text, memory.SearchOptions{Project: req.Project, Limit: req.TopK})
	if err != nil {
		return nil, fmt.Errorf("search: keyword: %w", err)
	}
	for _, h := range hits {
		rec, err := e.store.GetRecord(ctx, h.RecordRef)
		if errors.Is(err, memory.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("search: keyword anchor: %w", err)
		}
		return e.expand(ctx, req, ModeKeyword, *rec)
	}
	return &Result{Query: req.Text, Mode: ModeKeyword, Detail: req.Detail, Entries: []Entry{}}, nil
}

// expand is Stage C.
func (e *Engine) expand(ctx context.Context, req Request, mode Mode, anchor memory.Record) (*Result, error) {
	pos := memory.AnchorOf(anchor)
	before, err := e.store.QueryBeforeTimestamp(ctx, pos, req.DepthBefore, req.Project)
	if err != nil {
		return nil, fmt.Errorf("search: expand: %w", err)
	}
	after, err := e.store.QueryAfterTimestamp(ctx, pos, req.DepthAfter, req.Project)
	if err != nil {
		return nil, fmt.Errorf("search: expand: %w", err)
	}

	full := req.Detail == memory.DetailFull
	entries := make([]Entry, 0, len(before)+1+len(after))
	for _, r := range before {
		entries = append(entries, newEntry(PositionBefore, r, full))
	}
	entries = append(entries, newEntry(PositionAnchor, anchor, full))
	for _, r := range after {
		entries = append(entries, newEntry(PositionAfter, r, full))
	}
	return &Result{Query: req.Text, Mode: mode, Detail: req.Detail, Entries: entries}, nil
}

func newEntry(p Position, r memory.Record, full bool) Entry {
	e := Entry{
		Position:  p,
		Kind:      r.Kind,
		ID:        r.ID,
		SessionID: r.SessionID,
		Project:   r.Project,
		Type:      r.Type(),
		Title:     r.Title(),
		Epoch:     r.Epoch,
	}
	if full {
		rec := r
		e.Record = &rec
	}
	return e
}
