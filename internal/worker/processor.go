// Package worker is the body of every session consumer: it runs the
// extraction collaborator on each dequeued message, appends the results to
// the durable store and fans out the follow-up work.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/HendryAvila/recall/internal/broadcast"
	"github.com/HendryAvila/recall/internal/extract"
	"github.com/HendryAvila/recall/internal/memory"
	"github.com/HendryAvila/recall/internal/session"
	"github.com/HendryAvila/recall/internal/tokens"
)

// ErrExtractionTimeout marks a message dropped because the extractor did not
// answer within the deadline.
var ErrExtractionTimeout = errors.New("worker: extraction timed out")

// Store is the write side of the durable store.
type Store interface {
	AppendObservation(ctx context.Context, p memory.AppendObservationParams) (int64, int64, error)
	AppendSummary(ctx context.Context, p memory.AppendSummaryParams) (int64, int64, error)
}

// Scheduler queues a stored record for semantic indexing without blocking.
type Scheduler interface {
	Schedule(ref memory.RecordRef) bool
}

// Publisher fans an event out to live observers.
type Publisher interface {
	Publish(t broadcast.EventType, data any)
}

// Config tunes the processor.
type Config struct {
	ExtractionTimeout time.Duration
}

// Deps are the collaborators of a Processor. Index and Events are optional.
type Deps struct {
	Store     Store
	Extractor extract.Extractor
	Tokens    *tokens.Counter
	Index     Scheduler
	Events    Publisher

	// OnFatal is called when the store rejects a write. The process is
	// expected to stop serving.
	OnFatal func(error)
}

// Processor implements session.Handler.
type Processor struct {
	deps Deps
	cfg  Config
	log  zerolog.Logger
}

// New creates a processor.
func New(deps Deps, cfg Config, log zerolog.Logger) *Processor {
	if cfg.ExtractionTimeout <= 0 {
		cfg.ExtractionTimeout = 90 * time.Second
	}
	if deps.Tokens == nil {
		deps.Tokens = tokens.Estimate()
	}
	return &Processor{deps: deps, cfg: cfg, log: log}
}

// ObservationEvent is the payload of new_observation events.
type ObservationEvent struct {
	ID             int64  `json:"id"`
	SessionID      int64  `json:"session_id"`
	Project        string `json:"project"`
	Type           string `json:"type"`
	Title          string `json:"title,omitempty"`
	PromptNumber   int    `json:"prompt_number"`
	CreatedAtEpoch int64  `json:"created_at_epoch"`
}

// SummaryEvent is the payload of new_summary events.
type SummaryEvent struct {
	ID             int64  `json:"id"`
	SessionID      int64  `json:"session_id"`
	Project        string `json:"project"`
	Request        string `json:"request,omitempty"`
	PromptNumber   int    `json:"prompt_number"`
	CreatedAtEpoch int64  `json:"created_at_epoch"`
}

// Handle implements session.Handler.
func (p *Processor) Handle(ctx context.Context, sess session.Info, msg session.Message) {
	log := p.log.With().Int64("session", sess.ID).Str("kind", string(msg.Kind)).Logger()
	switch msg.Kind {
	case session.KindObservation:
		p.handleObservation(ctx, log, sess, msg.Tool)
	case session.KindFinalize:
		p.handleFinalize(ctx, log, sess, msg.Finalize)
	default:
		log.Warn().Msg("unknown message kind, dropped")
	}
}

func (p *Processor) handleObservation(ctx context.Context, log zerolog.Logger, sess session.Info, exec *extract.ToolExecution) {
	promptNumber := exec.PromptNumber
	if promptNumber <= 0 {
		promptNumber = sess.PromptCounter
	}
	sc := sessionContext(sess, promptNumber)

	inputs, err := runExtraction(ctx, p.cfg.ExtractionTimeout, func(xctx context.Context) ([]memory.ObservationInput, error) {
		return p.deps.Extractor.ExtractObservations(xctx, sc, *exec)
	})
	if err != nil {
		p.logExtractionError(ctx, log.With().Str("tool", exec.ToolName).Logger(), err)
		return
	}

	for _, in := range inputs {
		if in.DiscoveryTokens <= 0 {
			in.DiscoveryTokens = p.deps.Tokens.Observation(in)
		}
		id, epoch, err := p.deps.Store.AppendObservation(ctx, memory.AppendObservationParams{
			SessionID:        sess.ID,
			Project:          sess.Project,
			PromptNumber:     promptNumber,
			ObservationInput: in,
		})
		if err != nil {
			p.storeFailure(log, "append observation", err)
			return
		}

		log.Debug().Int64("observation", id).Str("tool", exec.ToolName).Msg("observation stored")
		p.schedule(memory.RecordRef{Kind: memory.KindObservation, ID: id})
		p.publish(broadcast.EventNewObservation, ObservationEvent{
			ID:             id,
			SessionID:      sess.ID,
			Project:        sess.Project,
			Type:           in.Type,
			Title:          in.Title,
			PromptNumber:   promptNumber,
			CreatedAtEpoch: epoch,
		})
	}
}

func (p *Processor) handleFinalize(ctx context.Context, log zerolog.Logger, sess session.Info, req *extract.FinalizeRequest) {
	promptNumber := req.PromptNumber
	if promptNumber <= 0 {
		promptNumber = sess.PromptCounter
	}
	sc := sessionContext(sess, promptNumber)

	sum, err := runExtraction(ctx, p.cfg.ExtractionTimeout, func(xctx context.Context) (*memory.SummaryInput, error) {
		return p.deps.Extractor.ExtractSummary(xctx, sc, *req)
	})
	if err != nil {
		p.logExtractionError(ctx, log, err)
		return
	}
	if sum == nil {
		log.Debug().Msg("nothing to summarize")
		return
	}

	in := *sum
	if in.DiscoveryTokens <= 0 {
		in.DiscoveryTokens = p.deps.Tokens.Summary(in)
	}
	id, epoch, err := p.deps.Store.AppendSummary(ctx, memory.AppendSummaryParams{
		SessionID:    sess.ID,
		Project:      sess.Project,
		PromptNumber: promptNumber,
		SummaryInput: in,
	})
	if errors.Is(err, memory.ErrDuplicateSummary) {
		log.Info().Int("prompt_number", promptNumber).Msg("summary already recorded for this prompt, skipped")
		return
	}
	if err != nil {
		p.storeFailure(log, "append summary", err)
		return
	}

	log.Debug().Int64("summary", id).Msg("summary stored")
	p.schedule(memory.RecordRef{Kind: memory.KindSummary, ID: id})
	p.publish(broadcast.EventNewSummary, SummaryEvent{
		ID:             id,
		SessionID:      sess.ID,
		Project:        sess.Project,
		Request:        in.Request,
		PromptNumber:   promptNumber,
		CreatedAtEpoch: epoch,
	})
}

// runExtraction calls fn with a deadline. A collaborator that ignores its
// context is abandoned at the deadline; its late result is discarded.
func runExtraction[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	xctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn(xctx)
		ch <- result{v, err}
	}()

	var zero T
	select {
	case r := <-ch:
		if r.err != nil && errors.Is(xctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return zero, fmt.Errorf("%w after %s: %w", ErrExtractionTimeout, timeout, r.err)
		}
		return r.v, r.err
	case <-xctx.Done():
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		return zero, fmt.Errorf("%w after %s", ErrExtractionTimeout, timeout)
	}
}

func (p *Processor) logExtractionError(ctx context.Context, log zerolog.Logger, err error) {
	switch {
	case errors.Is(err, ErrExtractionTimeout):
		log.Warn().Err(err).Msg("extraction timed out, message dropped")
	case ctx.Err() != nil:
		log.Debug().Err(err).Msg("extraction cancelled")
	default:
		log.Warn().Err(err).Msg("extraction failed, message dropped")
	}
}

func (p *Processor) storeFailure(log zerolog.Logger, op string, err error) {
	log.Error().Err(err).Str("op", op).Msg("durable store write failed")
	if p.deps.OnFatal != nil && errors.Is(err, memory.ErrStoreWrite) {
		p.deps.OnFatal(fmt.Errorf("worker: %s: %w", op, err))
	}
}

func (p *Processor) schedule(ref memory.RecordRef) {
	if p.deps.Index != nil {
		p.deps.Index.Schedule(ref)
	}
}

func (p *Processor) publish(t broadcast.EventType, data any) {
	if p.deps.Events != nil {
		p.deps.Events.Publish(t, data)
	}
}

func sessionContext(sess session.Info, promptNumber int) extract.SessionContext {
	return extract.SessionContext{
		SessionID:    sess.ID,
		ExternalID:   sess.ExternalID,
		Project:      sess.Project,
		UserPrompt:   sess.UserPrompt,
		PromptNumber: promptNumber,
	}
}
