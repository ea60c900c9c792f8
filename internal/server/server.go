// Package server wires recall's components together.
//
// This is the composition root: it creates concrete implementations and
// injects them into the components that depend on abstractions. No
// business logic lives here, only wiring and process lifecycle.
package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/HendryAvila/recall/internal/config"
	"github.com/HendryAvila/recall/internal/extract"
	"github.com/HendryAvila/recall/internal/index"
	"github.com/HendryAvila/recall/internal/logging"
	"github.com/HendryAvila/recall/internal/memory"
	"github.com/HendryAvila/recall/internal/search"
	"github.com/HendryAvila/recall/internal/tokens"
)

// Version is set at build time via ldflags.
var Version = "dev"

// Service holds the long-lived components shared by every entry point.
// The ingestion pipeline (registry, consumers, hub) is built by Serve.
type Service struct {
	cfg *config.Config
	log zerolog.Logger

	store     *memory.Store
	index     *index.SQLiteIndex // nil when the semantic index is disabled
	embedder  index.Embedder
	syncer    *index.Syncer
	search    *search.Engine
	extractor extract.Extractor
	tokens    *tokens.Counter
}

// New opens the durable store and the semantic index and builds the
// retrieval engine. Close releases both databases.
func New(cfg *config.Config, log zerolog.Logger) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	store, err := memory.New(memory.Config{
		DataDir:              cfg.DataDir,
		MaxObservationLength: memory.DefaultConfig().MaxObservationLength,
		MaxSearchResults:     memory.DefaultConfig().MaxSearchResults,
	})
	if err != nil {
		return nil, fmt.Errorf("opening memory store: %w", err)
	}

	s := &Service{cfg: cfg, log: log, store: store}

	if cfg.Index.Enabled {
		s.embedder = newEmbedder(cfg.Index)
		s.index, err = index.OpenSQLiteIndex(cfg.DataDir, s.embedder.Dimensions())
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("opening semantic index: %w", err)
		}
		s.syncer = index.NewSyncer(store, s.index, s.embedder, index.SyncConfig{
			BatchSize:        cfg.Index.BatchSize,
			BackfillInterval: cfg.Index.BackfillInterval,
			LiveBuffer:       cfg.Index.LiveBuffer,
		}, logging.Component(log, "index"))
	}

	// A nil *SQLiteIndex must not reach the engine as a non-nil interface.
	var idx index.VectorIndex
	if s.index != nil {
		idx = s.index
	}
	s.search, err = search.New(store, idx, s.embedder, search.Config{
		TopK:      cfg.Search.TopK,
		CacheSize: cfg.Search.CacheSize,
		MinScore:  cfg.Search.MinScore,
	}, logging.Component(log, "search"))
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	counter, err := tokens.NewOrEstimate()
	if err != nil {
		log.Warn().Err(err).Msg("token encoding unavailable, estimating discovery tokens")
	}
	s.tokens = counter
	s.extractor = newExtractor(cfg.Extraction)
	return s, nil
}

func newEmbedder(cfg config.IndexConfig) index.Embedder {
	if cfg.Embedder == "openai" {
		return index.NewOpenAIEmbedder(index.OpenAIConfig{
			Model:      cfg.Model,
			Dimensions: cfg.Dimensions,
			BaseURL:    cfg.BaseURL,
			APIKey:     cfg.APIKey,
			MaxRetries: 2,
		})
	}
	return index.NewHashEmbedder(cfg.Dimensions)
}

func newExtractor(cfg config.ExtractionConfig) extract.Extractor {
	if cfg.Provider == "openai" {
		return extract.NewOpenAI(extract.OpenAIConfig{
			Model:   cfg.Model,
			BaseURL: cfg.BaseURL,
			APIKey:  cfg.APIKey,
		})
	}
	return extract.NewPassthrough(nil)
}

// Store returns the durable store.
func (s *Service) Store() *memory.Store { return s.store }

// Search returns the hybrid retrieval engine.
func (s *Service) Search() *search.Engine { return s.search }

// Backfill runs one synchronous pass projecting every unsynced record into
// the semantic index.
func (s *Service) Backfill(ctx context.Context) (synced, failed int, err error) {
	if s.syncer == nil {
		return 0, 0, ErrIndexDisabled
	}
	return s.syncer.BackfillNow(ctx)
}

// ErrIndexDisabled is returned by operations that need the semantic index
// when index.enabled is false.
var ErrIndexDisabled = errors.New("server: semantic index is disabled")

// Close releases the index and the store.
func (s *Service) Close() error {
	var errs []error
	if s.index != nil {
		errs = append(errs, s.index.Close())
	}
	errs = append(errs, s.store.Close())
	return errors.Join(errs...)
}
