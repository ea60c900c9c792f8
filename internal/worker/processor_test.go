package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HendryAvila/recall/internal/broadcast"
	"github.com/HendryAvila/recall/internal/extract"
	"github.com/HendryAvila/recall/internal/memory"
	"github.com/HendryAvila/recall/internal/session"
	"github.com/HendryAvila/recall/internal/tokens"
)

var ctx = context.Background()

// ─── Fakes ──────────────────────────────────────────────────────────────────

type fakeExtractor struct {
	delay   time.Duration
	err     error
	obs     []memory.ObservationInput
	summary *memory.SummaryInput
}

func (f *fakeExtractor) ExtractObservations(_ context.Context, _ extract.SessionContext, exec extract.ToolExecution) ([]memory.ObservationInput, error) {
	if f.delay > 0 {
		time.Sleep(f.delay) // ignores ctx on purpose
	}
	if f.err != nil {
		return nil, f.err
	}
	if f.obs != nil {
		return f.obs, nil
	}
	return []memory.ObservationInput{{Type: "discovery", Title: exec.ToolName, Narrative: "ran " + exec.ToolName}}, nil
}

func (f *fakeExtractor) ExtractSummary(context.Context, extract.SessionContext, extract.FinalizeRequest) (*memory.SummaryInput, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.summary, nil
}

type recorder struct {
	mu     sync.Mutex
	events []broadcast.Event
	refs   []memory.RecordRef
}

func (r *recorder) Publish(t broadcast.EventType, data any) {
	r.mu.Lock()
	r.events = append(r.events, broadcast.NewEvent(t, data))
	r.mu.Unlock()
}

func (r *recorder) Schedule(ref memory.RecordRef) bool {
	r.mu.Lock()
	r.refs = append(r.refs, ref)
	r.mu.Unlock()
	return true
}

func (r *recorder) types() []broadcast.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]broadcast.EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

type brokenStore struct{}

func (brokenStore) AppendObservation(context.Context, memory.AppendObservationParams) (int64, int64, error) {
	return 0, 0, fmt.Errorf("memory: append observation: %w: disk I/O error", memory.ErrStoreWrite)
}

func (brokenStore) AppendSummary(context.Context, memory.AppendSummaryParams) (int64, int64, error) {
	return 0, 0, fmt.Errorf("memory: append summary: %w: disk I/O error", memory.ErrStoreWrite)
}

func newStore(t *testing.T) *memory.Store {
	t.Helper()
	s, err := memory.New(memory.Config{DataDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newSession(t *testing.T, s *memory.Store) session.Info {
	t.Helper()
	sess, _, err := s.CreateSession(ctx, "ext", "proj", "do it")
	require.NoError(t, err)
	return session.Info{ID: sess.ID, ExternalID: sess.ExternalID, Project: sess.Project, PromptCounter: sess.PromptCounter, Status: memory.StatusActive}
}

func toolMsg(name string) session.Message {
	return session.ObservationMessage(extract.ToolExecution{ToolName: name, ToolInput: json.RawMessage(`{}`)})
}

// ─── Observations ───────────────────────────────────────────────────────────

func TestHandle_ObservationStoredScheduledPublished(t *testing.T) {
	store := newStore(t)
	rec := &recorder{}
	p := New(Deps{Store: store, Extractor: &fakeExtractor{}, Tokens: tokens.Estimate(), Index: rec, Events: rec}, Config{}, zerolog.Nop())
	sess := newSession(t, store)

	p.Handle(ctx, sess, toolMsg("Read"))

	obs, err := store.RecentObservations(ctx, "proj", 10)
	require.NoError(t, err)
	require.Len(t, obs, 1)
	assert.Equal(t, "Read", obs[0].Title)
	assert.Equal(t, 1, obs[0].PromptNumber)
	assert.Positive(t, obs[0].DiscoveryTokens)

	assert.Equal(t, []memory.RecordRef{{Kind: memory.KindObservation, ID: obs[0].ID}}, rec.refs)
	require.Equal(t, []broadcast.EventType{broadcast.EventNewObservation}, rec.types())
	payload := rec.events[0].Data.(ObservationEvent)
	assert.Equal(t, obs[0].ID, payload.ID)
	assert.Equal(t, obs[0].CreatedAtEpoch, payload.CreatedAtEpoch)
}

func TestHandle_ExplicitPromptNumberWins(t *testing.T) {
	store := newStore(t)
	p := New(Deps{Store: store, Extractor: &fakeExtractor{}}, Config{}, zerolog.Nop())
	sess := newSession(t, store)

	msg := toolMsg("Edit")
	msg.Tool.PromptNumber = 4
	p.Handle(ctx, sess, msg)

	obs, err := store.RecentObservations(ctx, "proj", 10)
	require.NoError(t, err)
	require.Len(t, obs, 1)
	assert.Equal(t, 4, obs[0].PromptNumber)
}

func TestHandle_ExtractionTimeoutDropsMessage(t *testing.T) {
	store := newStore(t)
	p := New(Deps{Store: store, Extractor: &fakeExtractor{delay: 500 * time.Millisecond}},
		Config{ExtractionTimeout: 20 * time.Millisecond}, zerolog.Nop())
	sess := newSession(t, store)

	start := time.Now()
	p.Handle(ctx, sess, toolMsg("Slow"))
	assert.Less(t, time.Since(start), 400*time.Millisecond, "consumer must not wait for a stuck extractor")

	obs, err := store.RecentObservations(ctx, "proj", 10)
	require.NoError(t, err)
	assert.Empty(t, obs)
}

func TestRunExtraction_TimeoutError(t *testing.T) {
	_, err := runExtraction(ctx, 10*time.Millisecond, func(xctx context.Context) (int, error) {
		<-xctx.Done()
		return 0, xctx.Err()
	})
	assert.ErrorIs(t, err, ErrExtractionTimeout)

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	_, err = runExtraction(cctx, time.Second, func(xctx context.Context) (int, error) {
		<-xctx.Done()
		return 0, xctx.Err()
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, errors.Is(err, ErrExtractionTimeout))
}

func TestHandle_ExtractionErrorDropsMessage(t *testing.T) {
	store := newStore(t)
	rec := &recorder{}
	p := New(Deps{Store: store, Extractor: &fakeExtractor{err: errors.New("model unavailable")}, Events: rec}, Config{}, zerolog.Nop())
	p.Handle(ctx, newSession(t, store), toolMsg("Read"))

	obs, err := store.RecentObservations(ctx, "proj", 10)
	require.NoError(t, err)
	assert.Empty(t, obs)
	assert.Empty(t, rec.types())
}

func TestHandle_StoreWriteFailureIsFatal(t *testing.T) {
	var fatal error
	p := New(Deps{Store: brokenStore{}, Extractor: &fakeExtractor{}, OnFatal: func(err error) { fatal = err }}, Config{}, zerolog.Nop())
	p.Handle(ctx, session.Info{ID: 1, Project: "p"}, toolMsg("Read"))
	require.Error(t, fatal)
	assert.ErrorIs(t, fatal, memory.ErrStoreWrite)
}

// ─── Summaries ──────────────────────────────────────────────────────────────

func TestHandle_FinalizeStoresSummaryOnce(t *testing.T) {
	store := newStore(t)
	rec := &recorder{}
	var fatal error
	p := New(Deps{
		Store:     store,
		Extractor: &fakeExtractor{summary: &memory.SummaryInput{Request: "fix login", Learned: "cookie expiry"}},
		Index:     rec,
		Events:    rec,
		OnFatal:   func(err error) { fatal = err },
	}, Config{}, zerolog.Nop())
	sess := newSession(t, store)

	fin := session.FinalizeMessage(extract.FinalizeRequest{LastUserMessage: "thanks"})
	p.Handle(ctx, sess, fin)
	p.Handle(ctx, sess, fin)

	assert.NoError(t, fatal, "a duplicate summary is not a store failure")
	assert.Equal(t, []broadcast.EventType{broadcast.EventNewSummary}, rec.types())
	require.Len(t, rec.refs, 1)
	assert.Equal(t, memory.KindSummary, rec.refs[0].Kind)

	sum, err := store.GetSummary(ctx, rec.refs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "cookie expiry", sum.Learned)
	assert.Positive(t, sum.DiscoveryTokens)
}

func TestHandle_EmptySummarySkipped(t *testing.T) {
	store := newStore(t)
	rec := &recorder{}
	p := New(Deps{Store: store, Extractor: &fakeExtractor{}, Events: rec}, Config{}, zerolog.Nop())
	p.Handle(ctx, newSession(t, store), session.FinalizeMessage(extract.FinalizeRequest{}))
	assert.Empty(t, rec.types())
}

// ─── End to end ─────────────────────────────────────────────────────────────

func TestRegistryDrivesProcessorInOrder(t *testing.T) {
	store := newStore(t)
	p := New(Deps{Store: store, Extractor: extract.NewPassthrough(nil)}, Config{}, zerolog.Nop())
	reg := session.NewRegistry(store, p, session.Config{}, zerolog.Nop())
	t.Cleanup(reg.Close)

	info, _, err := reg.InitializeSession(ctx, "e2e", "proj", "start")
	require.NoError(t, err)
	for _, name := range []string{"Read", "Grep", "Edit"} {
		require.NoError(t, reg.Enqueue(info.ID, session.ObservationMessage(extract.ToolExecution{
			ToolName:  name,
			ToolInput: json.RawMessage(`{"file_path": "/a.go"}`),
		})))
	}
	require.NoError(t, reg.CompleteSession(ctx, info.ID))

	var obs []memory.Observation
	require.Eventually(t, func() bool {
		obs, err = store.RecentObservations(ctx, "proj", 10)
		return err == nil && len(obs) == 3
	}, 2*time.Second, 10*time.Millisecond)

	// RecentObservations is newest first.
	assert.Equal(t, "Edit: /a.go", obs[0].Title)
	assert.Equal(t, "Grep: /a.go", obs[1].Title)
	assert.Equal(t, "Read: /a.go", obs[2].Title)
}

// ─── Status notifier ────────────────────────────────────────────────────────

type staticQueues struct {
	processing bool
	depth      int
}

func (s staticQueues) IsProcessing() bool { return s.processing }
func (s staticQueues) QueueDepth() int    { return s.depth }

func TestStatusNotifier(t *testing.T) {
	rec := &recorder{}
	n := NewStatusNotifier(rec, staticQueues{processing: true, depth: 2})

	st := session.State{Info: session.Info{ID: 1, Status: memory.StatusActive}}
	n.OnChange(st)
	n.OnChange(st)
	st.Status = memory.StatusCompleted
	n.OnChange(st)

	assert.Equal(t, []broadcast.EventType{
		broadcast.EventSessionInitialized, broadcast.EventProcessingStatus,
		broadcast.EventProcessingStatus,
		broadcast.EventSessionStatus, broadcast.EventProcessingStatus,
	}, rec.types())
	assert.Equal(t, ProcessingStatus{IsProcessing: true, QueueDepth: 2}, rec.events[1].Data)
}

func TestStatusNotifier_ForgetsEndedSessions(t *testing.T) {
	rec := &recorder{}
	n := NewStatusNotifier(rec, staticQueues{})

	for id := int64(1); id <= 50; id++ {
		st := session.State{Info: session.Info{ID: id, Status: memory.StatusActive}}
		n.OnChange(st)
		st.Status = memory.StatusCompleted
		n.OnChange(st)
		// Drain notifications after completion publish no new status.
		n.OnChange(st)
	}

	n.mu.Lock()
	assert.Empty(t, n.last)
	n.mu.Unlock()

	var statuses int
	for _, typ := range rec.types() {
		if typ == broadcast.EventSessionStatus {
			statuses++
		}
	}
	assert.Equal(t, 50, statuses)
}
