package search

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HendryAvila/recall/internal/index"
	"github.com/HendryAvila/recall/internal/memory"
)

var ctx = context.Background()

const dims = 512

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	store  *memory.Store
	idx    *index.SQLiteIndex
	emb    *countingEmbedder
	syncer *index.Syncer
	clock  *fakeClock
	sess   map[string]int64
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	store, err := memory.New(memory.Config{DataDir: t.TempDir(), MaxSearchResults: 50, Clock: clock.Now})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	idx, err := index.OpenSQLiteIndex(t.TempDir(), dims)
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })

	emb := &countingEmbedder{Embedder: index.NewHashEmbedder(dims)}
	return &harness{
		store:  store,
		idx:    idx,
		emb:    emb,
		syncer: index.NewSyncer(store, idx, emb, index.SyncConfig{}, zerolog.Nop()),
		clock:  clock,
		sess:   make(map[string]int64),
	}
}

func (h *harness) engine(t *testing.T, idx index.VectorIndex) *Engine {
	t.Helper()
	e, err := New(h.store, idx, h.emb, Config{Clock: h.clock.Now}, zerolog.Nop())
	require.NoError(t, err)
	return e
}

// add appends an observation one minute after the previous record and
// projects it into the index when indexed is true.
func (h *harness) add(t *testing.T, project, title, narrative string, indexed bool) int64 {
	t.Helper()
	h.clock.Advance(time.Minute)
	sid, ok := h.sess[project]
	if !ok {
		sess, _, err := h.store.CreateSession(ctx, "ext-"+project, project, "")
		require.NoError(t, err)
		sid = sess.ID
		h.sess[project] = sid
	}
	id, _, err := h.store.AppendObservation(ctx, memory.AppendObservationParams{
		SessionID: sid, Project: project, PromptNumber: 1,
		ObservationInput: memory.ObservationInput{Type: "discovery", Title: title, Narrative: narrative},
	})
	require.NoError(t, err)
	if indexed {
		require.NoError(t, h.syncer.SyncObservation(ctx, id))
	}
	return id
}

type countingEmbedder struct {
	index.Embedder
	calls atomic.Int32
}

func (c *countingEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	c.calls.Add(1)
	return c.Embedder.Embed(ctx, texts)
}

type brokenIndex struct{ index.VectorIndex }

func (brokenIndex) Query(context.Context, []float32, index.QueryOptions) ([]index.Hit, error) {
	return nil, errors.New("connection refused")
}

func ids(r *Result) []int64 {
	out := make([]int64, len(r.Entries))
	for i, e := range r.Entries {
		out[i] = e.ID
	}
	return out
}

func positions(r *Result) []Position {
	out := make([]Position, len(r.Entries))
	for i, e := range r.Entries {
		out[i] = e.Position
	}
	return out
}

// ─── Validation ─────────────────────────────────────────────────────────────

func TestQuery_Validation(t *testing.T) {
	h := newHarness(t)
	e := h.engine(t, h.idx)

	cases := []struct {
		name string
		req  Request
	}{
		{"empty text", Request{Text: ""}},
		{"blank text", Request{Text: "   \n"}},
		{"negative depth", Request{Text: "x", DepthBefore: -1}},
		{"depth above max", Request{Text: "x", DepthAfter: MaxDepth + 1}},
		{"negative recency", Request{Text: "x", Recency: -time.Hour}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := e.Query(ctx, tc.req)
			assert.ErrorIs(t, err, ErrInvalidQuery)
			_, err = e.KeywordQuery(ctx, tc.req)
			assert.ErrorIs(t, err, ErrInvalidQuery)
		})
	}
}

// ─── Hybrid path ────────────────────────────────────────────────────────────

func TestQuery_AnchorIsNewestCandidate(t *testing.T) {
	h := newHarness(t)
	first := h.add(t, "api", "database migration started", "ran the database migration", true)
	h.add(t, "api", "database migration failed", "database migration failed on column rename", true)
	last := h.add(t, "api", "database migration fixed", "database migration now passes", true)

	res, err := h.engine(t, h.idx).Query(ctx, Request{Text: "database migration", DepthBefore: 5, DepthAfter: 5})
	require.NoError(t, err)
	assert.Equal(t, ModeHybrid, res.Mode)
	require.NotNil(t, res.Anchor())
	assert.Equal(t, last, res.Anchor().ID)
	assert.Equal(t, first, res.Entries[0].ID)
	assert.Equal(t, []Position{PositionBefore, PositionBefore, PositionAnchor}, positions(res))
}

func TestQuery_TimelineWindowIgnoresMatch(t *testing.T) {
	h := newHarness(t)
	var all []int64
	for i, title := range []string{"setup repo", "write handler", "oauth token refresh", "add tests", "update docs", "cut release"} {
		// Only the third record is in the index.
		all = append(all, h.add(t, "api", title, "step", i == 2))
	}

	res, err := h.engine(t, h.idx).Query(ctx, Request{Text: "oauth token refresh", DepthBefore: 2, DepthAfter: 2})
	require.NoError(t, err)
	assert.Equal(t, ModeHybrid, res.Mode)
	assert.Equal(t, all[0:5], ids(res))
	assert.Equal(t, []Position{PositionBefore, PositionBefore, PositionAnchor, PositionAfter, PositionAfter}, positions(res))
}

func TestQuery_DepthBeyondHistory(t *testing.T) {
	h := newHarness(t)
	a := h.add(t, "api", "alpha", "first", false)
	b := h.add(t, "api", "beta", "second", false)
	c := h.add(t, "api", "gamma ray burst", "third", true)
	d := h.add(t, "api", "delta", "fourth", false)

	res, err := h.engine(t, h.idx).Query(ctx, Request{Text: "gamma ray burst", DepthBefore: 3, DepthAfter: 1})
	require.NoError(t, err)
	assert.Equal(t, []int64{a, b, c, d}, ids(res), "only two records precede the anchor")

	res, err = h.engine(t, h.idx).Query(ctx, Request{Text: "gamma ray burst", DepthBefore: 0, DepthAfter: 0})
	require.NoError(t, err)
	assert.Equal(t, []int64{c}, ids(res))
}

func TestQuery_ProjectFilter(t *testing.T) {
	h := newHarness(t)
	web := h.add(t, "web", "cache invalidation bug", "cache invalidation on deploy", true)
	h.add(t, "api", "cache invalidation bug", "cache invalidation on deploy", true)

	res, err := h.engine(t, h.idx).Query(ctx, Request{Text: "cache invalidation", Project: "web", DepthBefore: 5, DepthAfter: 5})
	require.NoError(t, err)
	assert.Equal(t, []int64{web}, ids(res))
	assert.Equal(t, "web", res.Entries[0].Project)
}

func TestQuery_SkipsHitsMissingFromStore(t *testing.T) {
	h := newHarness(t)
	kept := h.add(t, "api", "retry budget", "retry budget exhausted", true)

	// A newer index entry whose record was removed outside the core.
	h.clock.Advance(time.Minute)
	vecs, err := h.emb.Embed(ctx, []string{"retry budget exhausted"})
	require.NoError(t, err)
	require.NoError(t, h.idx.Upsert(ctx, []index.Entry{{
		Document: index.Document{
			ID: index.DocID(memory.KindObservation, 999, "title"), Kind: memory.KindObservation,
			RecordID: 999, Facet: "title", Project: "api", Epoch: h.clock.Now().UnixMilli(), Text: "retry budget exhausted",
		},
		Vector: vecs[0],
	}}))

	res, err := h.engine(t, h.idx).Query(ctx, Request{Text: "retry budget"})
	require.NoError(t, err)
	assert.Equal(t, ModeHybrid, res.Mode)
	assert.Equal(t, []int64{kept}, ids(res))
}

func TestQuery_FullDetail(t *testing.T) {
	h := newHarness(t)
	id := h.add(t, "api", "rate limiter", "token bucket per client", true)
	e := h.engine(t, h.idx)

	res, err := e.Query(ctx, Request{Text: "rate limiter"})
	require.NoError(t, err)
	assert.Equal(t, memory.DetailIndex, res.Detail)
	assert.Nil(t, res.Entries[0].Record)

	res, err = e.Query(ctx, Request{Text: "rate limiter", Detail: memory.DetailFull})
	require.NoError(t, err)
	require.NotNil(t, res.Entries[0].Record)
	assert.Equal(t, id, res.Entries[0].Record.ID)
	assert.Equal(t, "token bucket per client", res.Entries[0].Record.Observation.Narrative)
}

func TestQuery_CachesQueryEmbedding(t *testing.T) {
	h := newHarness(t)
	h.add(t, "api", "flaky test", "flaky test in ci", true)
	before := h.emb.calls.Load()

	e := h.engine(t, h.idx)
	for range 3 {
		_, err := e.Query(ctx, Request{Text: "flaky test"})
		require.NoError(t, err)
	}
	assert.Equal(t, before+1, h.emb.calls.Load())
}

// ─── Keyword fallback ───────────────────────────────────────────────────────

func TestQuery_FallbackEquivalence(t *testing.T) {
	h := newHarness(t)
	h.add(t, "api", "session cookie", "cookie expiry was too short", false)
	h.add(t, "api", "login flow", "login redirects twice", false)
	h.add(t, "api", "cookie jar", "cookie jar cleared on logout", false)
	h.add(t, "api", "docs", "readme updated", false)

	req := Request{Text: "cookie", DepthBefore: 1, DepthAfter: 1, Detail: memory.DetailFull}

	keyword, err := h.engine(t, h.idx).KeywordQuery(ctx, req)
	require.NoError(t, err)
	require.NotEmpty(t, keyword.Entries)
	assert.Equal(t, ModeKeyword, keyword.Mode)

	variants := map[string]index.VectorIndex{
		"empty index":       h.idx,
		"no index":          nil,
		"index unavailable": brokenIndex{},
	}
	for name, idx := range variants {
		t.Run(name, func(t *testing.T) {
			hybrid, err := h.engine(t, idx).Query(ctx, req)
			require.NoError(t, err)
			assert.Equal(t, keyword, hybrid)
		})
	}
}

func TestQuery_AllHitsMissingFallsBack(t *testing.T) {
	h := newHarness(t)
	id := h.add(t, "api", "orphaned vector", "orphaned vector", false)

	vecs, err := h.emb.Embed(ctx, []string{"orphaned vector"})
	require.NoError(t, err)
	require.NoError(t, h.idx.Upsert(ctx, []index.Entry{{
		Document: index.Document{
			ID: index.DocID(memory.KindSummary, 42, "request"), Kind: memory.KindSummary,
			RecordID: 42, Facet: "request", Project: "api", Epoch: h.clock.Now().UnixMilli(), Text: "orphaned vector",
		},
		Vector: vecs[0],
	}}))

	res, err := h.engine(t, h.idx).Query(ctx, Request{Text: "orphaned vector"})
	require.NoError(t, err)
	assert.Equal(t, ModeKeyword, res.Mode)
	assert.Equal(t, []int64{id}, ids(res))
}

func TestQuery_RecencyWindow(t *testing.T) {
	h := newHarness(t)
	old := h.add(t, "api", "deadlock in scheduler", "deadlock in scheduler loop", true)
	h.clock.Advance(100 * 24 * time.Hour)
	recent := h.add(t, "api", "scheduler deadlock again", "deadlock in scheduler returned", false)

	e := h.engine(t, h.idx)

	// The only indexed hit is 100 days old, outside a 90 day window.
	res, err := e.Query(ctx, Request{Text: "deadlock scheduler", Recency: 90 * 24 * time.Hour})
	require.NoError(t, err)
	assert.Equal(t, ModeKeyword, res.Mode)
	require.NotNil(t, res.Anchor())
	assert.Contains(t, []int64{old, recent}, res.Anchor().ID)

	// Without a window the old hit anchors the hybrid result.
	res, err = e.Query(ctx, Request{Text: "deadlock scheduler"})
	require.NoError(t, err)
	assert.Equal(t, ModeHybrid, res.Mode)
	assert.Equal(t, old, res.Anchor().ID)

	// Inside a wider window it still counts.
	res, err = e.Query(ctx, Request{Text: "deadlock scheduler", Recency: 120 * 24 * time.Hour})
	require.NoError(t, err)
	assert.Equal(t, ModeHybrid, res.Mode)
}

func TestQuery_RecentUnrelatedRecordDoesNotAnchor(t *testing.T) {
	h := newHarness(t)
	auth := h.add(t, "api", "authentication token refresh", "authentication token refresh", true)
	h.clock.Advance(120 * 24 * time.Hour)
	h.add(t, "api", "css grid layout", "css grid layout", true)

	e := h.engine(t, h.idx)

	// The only semantic match is 120 days old; the indexed recent record
	// shares nothing with the query and must not become the anchor.
	res, err := e.Query(ctx, Request{Text: "authentication", Recency: 90 * 24 * time.Hour})
	require.NoError(t, err)
	assert.Equal(t, ModeKeyword, res.Mode)
	require.NotNil(t, res.Anchor())
	assert.Equal(t, auth, res.Anchor().ID)

	res, err = e.Query(ctx, Request{Text: "authentication"})
	require.NoError(t, err)
	assert.Equal(t, ModeHybrid, res.Mode)
	require.NotNil(t, res.Anchor())
	assert.Equal(t, auth, res.Anchor().ID)
}

func TestQuery_RecencyWindowAppliesBeforeTopK(t *testing.T) {
	h := newHarness(t)
	for range 5 {
		h.add(t, "api", "flaky integration test", "flaky integration test", true)
	}
	h.clock.Advance(100 * 24 * time.Hour)
	recent := h.add(t, "api", "flaky integration test retried", "flaky integration test retried twice", true)

	// Ten older facets outrank the recent record; only a window applied
	// before the cut keeps it.
	res, err := h.engine(t, h.idx).Query(ctx, Request{Text: "flaky integration test", TopK: 3, Recency: 90 * 24 * time.Hour})
	require.NoError(t, err)
	assert.Equal(t, ModeHybrid, res.Mode)
	require.NotNil(t, res.Anchor())
	assert.Equal(t, recent, res.Anchor().ID)
}

func TestKeywordQuery_NoMatch(t *testing.T) {
	h := newHarness(t)
	h.add(t, "api", "something", "else", false)

	res, err := h.engine(t, nil).Query(ctx, Request{Text: "nonexistent"})
	require.NoError(t, err)
	assert.Equal(t, ModeKeyword, res.Mode)
	assert.Empty(t, res.Entries)
	assert.Nil(t, res.Anchor())
	assert.Contains(t, FormatText(res), "No memories found")
}

func TestFormatText(t *testing.T) {
	h := newHarness(t)
	h.add(t, "api", "first step", "alpha", false)
	h.add(t, "api", "websocket reconnect", "backoff added", true)

	res, err := h.engine(t, h.idx).Query(ctx, Request{Text: "websocket reconnect", DepthBefore: 1, Detail: memory.DetailFull})
	require.NoError(t, err)
	out := FormatText(res)
	assert.Contains(t, out, "hybrid search")
	assert.Contains(t, out, "▶ [anchor] observation")
	assert.Contains(t, out, "[before] observation")
	assert.Contains(t, out, "narrative: backoff added")
	assert.Contains(t, out, "2026-03-01 09:02:00")
	assert.NotContains(t, out, "detail: full")
}
