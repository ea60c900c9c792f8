// Package session tracks live sessions and their in-memory work queues.
//
// Each active session owns a FIFO queue and exactly one consumer goroutine.
// Producers enqueue without blocking; the consumer sleeps on a wake channel
// while the queue is empty and hands each message to a Handler in order.
package session

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/HendryAvila/recall/internal/memory"
)

// Store is the slice of the durable store the registry needs.
type Store interface {
	CreateSession(ctx context.Context, externalID, project, prompt string) (*memory.Session, bool, error)
	GetSession(ctx context.Context, id int64) (*memory.Session, error)
	GetSessionByExternalID(ctx context.Context, externalID string) (*memory.Session, error)
	SetSessionStatus(ctx context.Context, id int64, status memory.Status) error
	IncrementPromptCounter(ctx context.Context, id int64, text string) (int, error)
}

// Handler processes one dequeued message. It runs on the session's consumer
// goroutine, so calls for one session never overlap.
type Handler interface {
	Handle(ctx context.Context, sess Info, msg Message)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, sess Info, msg Message)

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, sess Info, msg Message) { f(ctx, sess, msg) }

// Config tunes the registry.
type Config struct {
	// InactivityTimeout moves idle active sessions to interrupted.
	InactivityTimeout time.Duration

	// SweepInterval is how often the janitor looks for idle sessions.
	SweepInterval time.Duration

	// Clock returns the current time. Nil means time.Now.
	Clock func() time.Time
}

// Registry owns every session queue in the process.
type Registry struct {
	store   Store
	handler Handler
	cfg     Config
	log     zerolog.Logger

	// initMu serializes lifecycle transitions that touch the store so that
	// concurrent initializes of one external id start a single consumer.
	initMu sync.Mutex

	mu         sync.RWMutex
	queues     map[int64]*queue
	byExternal map[string]int64
	onChange   func(State)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRegistry creates a registry. A nil handler starts no consumers: the
// caller then drains queues through Consume.
func NewRegistry(store Store, handler Handler, cfg Config, log zerolog.Logger) *Registry {
	if cfg.InactivityTimeout <= 0 {
		cfg.InactivityTimeout = 15 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		store:      store,
		handler:    handler,
		cfg:        cfg,
		log:        log,
		queues:     make(map[int64]*queue),
		byExternal: make(map[string]int64),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// OnChange registers fn to be called after every enqueue, message
// completion and state transition. fn must be safe for concurrent use.
func (r *Registry) OnChange(fn func(State)) {
	r.mu.Lock()
	r.onChange = fn
	r.mu.Unlock()
}

// Close stops every consumer and waits for them to return.
func (r *Registry) Close() {
	r.cancel()
	r.wg.Wait()
}

func (r *Registry) now() time.Time {
	if r.cfg.Clock != nil {
		return r.cfg.Clock()
	}
	return time.Now()
}

func (r *Registry) notify(q *queue) {
	r.mu.RLock()
	fn := r.onChange
	r.mu.RUnlock()
	if fn != nil {
		fn(q.state())
	}
}

func (r *Registry) get(id int64) *queue {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.queues[id]
}

func (r *Registry) register(q *queue) {
	r.mu.Lock()
	r.queues[q.info.ID] = q
	r.byExternal[q.info.ExternalID] = q.info.ID
	r.mu.Unlock()
}

// ─── Lifecycle ───────────────────────────────────────────────────────────────

// InitializeSession returns the session for externalID, creating it when
// unknown. Only the call that creates the row reports created=true. An
// interrupted session is resumed with a fresh consumer; any other existing
// session is returned unchanged.
func (r *Registry) InitializeSession(ctx context.Context, externalID, project, prompt string) (Info, bool, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return Info{}, false, ErrInvalidSession
	}

	r.initMu.Lock()
	defer r.initMu.Unlock()

	r.mu.RLock()
	id, known := r.byExternal[externalID]
	q := r.queues[id]
	r.mu.RUnlock()

	if known && q != nil {
		info := q.snapshot()
		if info.Status != memory.StatusInterrupted {
			return info, false, nil
		}
		info, err := r.activate(ctx, q)
		return info, false, err
	}

	sess, created, err := r.store.CreateSession(ctx, externalID, project, prompt)
	if err != nil {
		return Info{}, false, err
	}
	info := infoFrom(sess)

	if !created && sess.Status.Terminal() {
		r.register(newStoppedQueue(info, r.now()))
		return info, false, nil
	}

	q = newStoppedQueue(info, r.now())
	r.register(q)
	info, err = r.activate(ctx, q)
	if err != nil {
		return Info{}, false, err
	}
	if created {
		r.log.Info().Int64("session", info.ID).Str("external_id", externalID).Str("project", info.Project).Msg("session initialized")
	}
	return info, created, nil
}

// activate persists the active status and starts a consumer on q.
// Callers hold initMu.
func (r *Registry) activate(ctx context.Context, q *queue) (Info, error) {
	info := q.snapshot()
	if err := r.store.SetSessionStatus(ctx, info.ID, memory.StatusActive); err != nil {
		return Info{}, err
	}

	q.mu.Lock()
	q.restart(r.now())
	q.info.Status = memory.StatusActive
	done := q.done
	info = q.info
	driven := r.handler != nil
	q.driven = driven
	q.mu.Unlock()

	if driven {
		r.wg.Add(1)
		go r.consume(q, done)
	}
	r.notify(q)
	return info, nil
}

func (r *Registry) consume(q *queue, done <-chan struct{}) {
	defer r.wg.Done()
	for msg := range q.messages(r.ctx, done, r.now, func() { r.notify(q) }) {
		r.handler.Handle(r.ctx, q.snapshot(), msg)
	}
	r.log.Debug().Int64("session", q.snapshot().ID).Msg("consumer stopped")
}

// RecordPrompt advances the session to its next prompt turn and stores the
// prompt text. It returns the new prompt number. Only active sessions take
// prompts; others report ErrSessionNotActive.
func (r *Registry) RecordPrompt(ctx context.Context, id int64, text string) (int, error) {
	r.initMu.Lock()
	defer r.initMu.Unlock()

	var status memory.Status
	if q := r.get(id); q != nil {
		q.mu.Lock()
		accepting, st := q.accepting(), q.info.Status
		q.mu.Unlock()
		if !accepting {
			return 0, fmt.Errorf("session %d is %s: %w", id, st, ErrSessionNotActive)
		}
		status = st
	} else {
		sess, err := r.store.GetSession(ctx, id)
		if errors.Is(err, memory.ErrNotFound) {
			return 0, fmt.Errorf("session %d: %w", id, ErrSessionNotFound)
		}
		if err != nil {
			return 0, err
		}
		status = sess.Status
	}
	if status != memory.StatusActive {
		return 0, fmt.Errorf("session %d is %s: %w", id, status, ErrSessionNotActive)
	}

	n, err := r.store.IncrementPromptCounter(ctx, id, text)
	if errors.Is(err, memory.ErrNotFound) {
		return 0, fmt.Errorf("session %d: %w", id, ErrSessionNotFound)
	}
	if err != nil {
		return 0, err
	}
	if q := r.get(id); q != nil {
		q.mu.Lock()
		q.info.PromptCounter = n
		q.lastActivity = r.now()
		q.mu.Unlock()
	}
	return n, nil
}

// CompleteSession marks the session completed. Messages already queued are
// still processed; new ones are rejected. Completing a terminal session is
// a no-op.
func (r *Registry) CompleteSession(ctx context.Context, id int64) error {
	return r.terminate(ctx, id, memory.StatusCompleted, true)
}

// FailSession marks the session failed in memory and stops its consumer at
// once, dropping queued messages. The status is not persisted: it is meant
// for a broken store, which crash recovery resolves on the next start.
func (r *Registry) FailSession(ctx context.Context, id int64) error {
	return r.terminate(ctx, id, memory.StatusFailed, false)
}

// AbortSession stops the consumer at once and persists the failed status.
func (r *Registry) AbortSession(ctx context.Context, id int64) error {
	return r.terminate(ctx, id, memory.StatusFailed, true)
}

func (r *Registry) terminate(ctx context.Context, id int64, status memory.Status, persist bool) error {
	r.initMu.Lock()
	defer r.initMu.Unlock()

	q := r.get(id)
	if q == nil {
		return fmt.Errorf("session %d: %w", id, ErrSessionNotFound)
	}

	q.mu.Lock()
	if q.info.Status.Terminal() {
		q.mu.Unlock()
		return nil
	}
	q.info.Status = status
	if status == memory.StatusCompleted {
		q.draining = true
	} else {
		q.stop()
	}
	q.mu.Unlock()
	q.signal()

	if persist {
		if err := r.store.SetSessionStatus(ctx, id, status); err != nil {
			return err
		}
	}
	r.log.Info().Int64("session", id).Str("status", string(status)).Msg("session terminated")
	r.notify(q)
	return nil
}

// ─── Queue ───────────────────────────────────────────────────────────────────

// Enqueue appends msg to the session's queue and wakes its consumer. It
// never blocks on I/O.
func (r *Registry) Enqueue(id int64, msg Message) error {
	if err := msg.validate(); err != nil {
		return err
	}
	q := r.get(id)
	if q == nil {
		return fmt.Errorf("session %d: %w", id, ErrSessionNotFound)
	}

	q.mu.Lock()
	if !q.accepting() {
		status := q.info.Status
		q.mu.Unlock()
		return fmt.Errorf("session %d is %s: %w", id, status, ErrSessionNotActive)
	}
	now := r.now()
	msg.EnqueuedAt = now
	q.items = append(q.items, msg)
	q.lastActivity = now
	q.mu.Unlock()

	q.signal()
	r.notify(q)
	return nil
}

// Consume returns the session's messages in FIFO order. The sequence
// suspends while the queue is empty and ends when the session is stopped,
// a completed session has been drained, or ctx ends. It is only available
// when the registry runs without a Handler.
func (r *Registry) Consume(ctx context.Context, id int64) (iter.Seq[Message], error) {
	q := r.get(id)
	if q == nil {
		return nil, fmt.Errorf("session %d: %w", id, ErrSessionNotFound)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.driven {
		return nil, ErrConsumerRunning
	}
	if q.stopped {
		return nil, fmt.Errorf("session %d is %s: %w", id, q.info.Status, ErrSessionNotActive)
	}
	return q.messages(ctx, q.done, r.now, func() { r.notify(q) }), nil
}

// ─── Queries ─────────────────────────────────────────────────────────────────

// Get returns the live state of a session known to this registry.
func (r *Registry) Get(id int64) (State, error) {
	q := r.get(id)
	if q == nil {
		return State{}, fmt.Errorf("session %d: %w", id, ErrSessionNotFound)
	}
	return q.state(), nil
}

// Lookup resolves a session by external id or, when no session carries key
// as its external id, by internal id (decimal). A session found only in the
// store is registered without a consumer, so enqueues to it report
// ErrSessionNotActive.
func (r *Registry) Lookup(ctx context.Context, key string) (Info, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return Info{}, fmt.Errorf("empty id: %w", ErrSessionNotFound)
	}

	r.mu.RLock()
	var q *queue
	if id, ok := r.byExternal[key]; ok {
		q = r.queues[id]
	}
	r.mu.RUnlock()
	if q != nil {
		return q.snapshot(), nil
	}

	r.initMu.Lock()
	defer r.initMu.Unlock()

	// An external id always wins over an internal id with the same digits.
	sess, err := r.store.GetSessionByExternalID(ctx, key)
	if errors.Is(err, memory.ErrNotFound) {
		if id, perr := strconv.ParseInt(key, 10, 64); perr == nil {
			if q := r.get(id); q != nil {
				return q.snapshot(), nil
			}
			sess, err = r.store.GetSession(ctx, id)
		}
	}
	if errors.Is(err, memory.ErrNotFound) {
		return Info{}, fmt.Errorf("session %q: %w", key, ErrSessionNotFound)
	}
	if err != nil {
		return Info{}, err
	}

	// Another goroutine may have registered it meanwhile.
	if q := r.get(sess.ID); q != nil {
		return q.snapshot(), nil
	}
	info := infoFrom(sess)
	r.register(newStoppedQueue(info, r.now()))
	return info, nil
}

// States returns every known session, newest id first.
func (r *Registry) States() []State {
	r.mu.RLock()
	qs := make([]*queue, 0, len(r.queues))
	for _, q := range r.queues {
		qs = append(qs, q)
	}
	r.mu.RUnlock()

	out := make([]State, 0, len(qs))
	for _, q := range qs {
		out = append(out, q.state())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out
}

// IsProcessing reports whether any session has queued or in-flight work.
func (r *Registry) IsProcessing() bool {
	for _, st := range r.States() {
		if st.IsProcessing {
			return true
		}
	}
	return false
}

// QueueDepth returns the number of queued messages across all sessions.
func (r *Registry) QueueDepth() int {
	n := 0
	for _, st := range r.States() {
		n += st.QueueDepth
	}
	return n
}
