package index

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/HendryAvila/recall/internal/memory"
)

// Source is the slice of the durable store the syncer reads and annotates.
type Source interface {
	GetObservation(ctx context.Context, id int64) (*memory.Observation, error)
	GetSummary(ctx context.Context, id int64) (*memory.Summary, error)
	UnsyncedRecords(ctx context.Context, limit int) ([]memory.RecordRef, error)
	MarkSynced(ctx context.Context, ref memory.RecordRef) error
	MarkSyncFailed(ctx context.Context, ref memory.RecordRef, cause error) error
}

// SyncConfig tunes the background loop.
type SyncConfig struct {
	BatchSize        int
	BackfillInterval time.Duration
	LiveBuffer       int
}

func (c *SyncConfig) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.BackfillInterval <= 0 {
		c.BackfillInterval = 5 * time.Minute
	}
	if c.LiveBuffer <= 0 {
		c.LiveBuffer = 1024
	}
}

// Syncer projects records from the durable store into the vector index.
//
// Freshly written records arrive through Schedule on a high-priority
// channel; Backfill feeds a low-priority channel with whatever the index is
// still missing. Run drains both, preferring live work.
type Syncer struct {
	src      Source
	idx      VectorIndex
	emb      Embedder
	cfg      SyncConfig
	log      zerolog.Logger
	live     chan memory.RecordRef
	backfill chan memory.RecordRef
}

// NewSyncer wires a syncer. It does nothing until Run is called, except for
// the synchronous Sync* and BackfillNow methods.
func NewSyncer(src Source, idx VectorIndex, emb Embedder, cfg SyncConfig, log zerolog.Logger) *Syncer {
	cfg.applyDefaults()
	return &Syncer{
		src:      src,
		idx:      idx,
		emb:      emb,
		cfg:      cfg,
		log:      log,
		live:     make(chan memory.RecordRef, cfg.LiveBuffer),
		backfill: make(chan memory.RecordRef, cfg.BatchSize),
	}
}

// Schedule queues ref for projection without blocking. It reports false
// when the live buffer is full; the record is then left to backfill.
func (s *Syncer) Schedule(ref memory.RecordRef) bool {
	select {
	case s.live <- ref:
		return true
	default:
		s.log.Debug().Str("kind", string(ref.Kind)).Int64("id", ref.ID).Msg("live sync buffer full, deferring to backfill")
		return false
	}
}

// SyncObservation projects one observation into the index.
func (s *Syncer) SyncObservation(ctx context.Context, id int64) error {
	return s.Sync(ctx, memory.RecordRef{Kind: memory.KindObservation, ID: id})
}

// SyncSummary projects one summary into the index.
func (s *Syncer) SyncSummary(ctx context.Context, id int64) error {
	return s.Sync(ctx, memory.RecordRef{Kind: memory.KindSummary, ID: id})
}

// Sync projects the record's facets into the index and records the outcome
// in the store's sync bookkeeping. Re-syncing a record is harmless.
func (s *Syncer) Sync(ctx context.Context, ref memory.RecordRef) error {
	if err := s.project(ctx, ref); err != nil {
		if markErr := s.src.MarkSyncFailed(ctx, ref, err); markErr != nil {
			s.log.Warn().Err(markErr).Str("kind", string(ref.Kind)).Int64("id", ref.ID).Msg("recording sync failure")
		}
		return fmt.Errorf("%w: %s %d: %w", ErrSyncFailed, ref.Kind, ref.ID, err)
	}
	if err := s.src.MarkSynced(ctx, ref); err != nil {
		// The vectors are in place; the next backfill re-projects the record.
		s.log.Warn().Err(err).Str("kind", string(ref.Kind)).Int64("id", ref.ID).Msg("recording sync success")
	}
	return nil
}

func (s *Syncer) project(ctx context.Context, ref memory.RecordRef) error {
	var docs []Document
	switch ref.Kind {
	case memory.KindObservation:
		o, err := s.src.GetObservation(ctx, ref.ID)
		if err != nil {
			return err
		}
		docs = ObservationDocuments(o)
	case memory.KindSummary:
		sm, err := s.src.GetSummary(ctx, ref.ID)
		if err != nil {
			return err
		}
		docs = SummaryDocuments(sm)
	default:
		return fmt.Errorf("unknown record kind %q", ref.Kind)
	}
	if len(docs) == 0 {
		return nil
	}

	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.Text
	}
	vectors, err := s.emb.Embed(ctx, texts)
	if err != nil {
		return err
	}
	if len(vectors) != len(docs) {
		return fmt.Errorf("embedder returned %d vectors for %d documents", len(vectors), len(docs))
	}

	entries := make([]Entry, len(docs))
	for i, d := range docs {
		entries[i] = Entry{Document: d, Vector: vectors[i]}
	}
	return s.idx.Upsert(ctx, entries)
}

// Backfill queues up to one batch of unsynced records on the low-priority
// channel. Records that do not fit wait for the next pass.
func (s *Syncer) Backfill(ctx context.Context) (int, error) {
	queued, err := s.queueBatch(ctx)
	return len(queued), err
}

func (s *Syncer) queueBatch(ctx context.Context) ([]memory.RecordRef, error) {
	refs, err := s.src.UnsyncedRecords(ctx, s.cfg.BatchSize)
	if err != nil {
		return nil, err
	}
	for i, ref := range refs {
		select {
		case s.backfill <- ref:
		default:
			return refs[:i], nil
		}
	}
	return refs, nil
}

// BackfillNow synchronously projects every unsynced record, batch by batch,
// trying each record at most once. It stops when a batch holds nothing it
// has not already tried.
func (s *Syncer) BackfillNow(ctx context.Context) (synced, failed int, err error) {
	tried := make(map[memory.RecordRef]bool)
	for {
		refs, err := s.src.UnsyncedRecords(ctx, s.cfg.BatchSize)
		if err != nil {
			return synced, failed, err
		}
		fresh := 0
		for _, ref := range refs {
			if tried[ref] {
				continue
			}
			if err := ctx.Err(); err != nil {
				return synced, failed, err
			}
			tried[ref] = true
			fresh++
			if err := s.Sync(ctx, ref); err != nil {
				failed++
				s.log.Warn().Err(err).Msg("backfill")
				continue
			}
			synced++
		}
		if fresh == 0 {
			return synced, failed, nil
		}
	}
}

// Run drains scheduled and backfilled records until ctx is cancelled. It
// runs a backfill pass at start and then every BackfillInterval. A full
// pass is followed by the next one as soon as its batch drains, for as long
// as each pass brings records not yet tried since the interval fired, so a
// large backlog is not paced by the interval.
func (s *Syncer) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.BackfillInterval)
	defer ticker.Stop()

	pass := backfillPass{tried: make(map[memory.RecordRef]bool)}
	s.startPass(ctx, &pass)
	for {
		// Drain live work first.
		select {
		case ref := <-s.live:
			s.handle(ctx, ref)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			return nil
		case ref := <-s.live:
			s.handle(ctx, ref)
		case ref := <-s.backfill:
			s.handle(ctx, ref)
			if pass.done() {
				s.startPass(ctx, &pass)
			}
		case <-ticker.C:
			if pass.pending == 0 {
				clear(pass.tried)
				s.startPass(ctx, &pass)
			}
		}
	}
}

// backfillPass tracks the records one pass put on the low-priority channel.
type backfillPass struct {
	pending int
	full    bool
	fresh   bool
	tried   map[memory.RecordRef]bool
}

// done records one handled record and reports whether the next pass should
// start right away.
func (p *backfillPass) done() bool {
	if p.pending == 0 {
		return false
	}
	p.pending--
	return p.pending == 0 && p.full && p.fresh
}

func (s *Syncer) startPass(ctx context.Context, p *backfillPass) {
	queued, err := s.queueBatch(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn().Err(err).Msg("listing unsynced records")
	}
	p.pending = len(queued)
	p.full = len(queued) >= s.cfg.BatchSize
	p.fresh = false
	for _, ref := range queued {
		if !p.tried[ref] {
			p.tried[ref] = true
			p.fresh = true
		}
	}
	if len(queued) > 0 {
		s.log.Debug().Int("queued", len(queued)).Msg("backfill pass")
	}
}

func (s *Syncer) handle(ctx context.Context, ref memory.RecordRef) {
	if err := s.Sync(ctx, ref); err != nil {
		s.log.Warn().Err(err).Msg("semantic index sync")
	}
}
