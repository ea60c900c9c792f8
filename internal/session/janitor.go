package session

import (
	"context"
	"errors"
	"time"

	"github.com/HendryAvila/recall/internal/memory"
)

// RunJanitor interrupts idle sessions every SweepInterval until ctx ends.
// It returns early only when the store fails to persist a transition.
func (r *Registry) RunJanitor(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := r.Sweep(ctx)
			if err != nil {
				if errors.Is(err, memory.ErrStoreWrite) {
					return err
				}
				r.log.Warn().Err(err).Msg("inactivity sweep")
				continue
			}
			if n > 0 {
				r.log.Info().Int("interrupted", n).Msg("inactivity sweep")
			}
		}
	}
}

// Sweep moves every active session that has been idle longer than
// InactivityTimeout to interrupted and stops its consumer. Sessions with
// queued or in-flight work are never idle.
func (r *Registry) Sweep(ctx context.Context) (int, error) {
	r.initMu.Lock()
	defer r.initMu.Unlock()

	cutoff := r.now().Add(-r.cfg.InactivityTimeout)

	r.mu.RLock()
	qs := make([]*queue, 0, len(r.queues))
	for _, q := range r.queues {
		qs = append(qs, q)
	}
	r.mu.RUnlock()

	interrupted := 0
	for _, q := range qs {
		q.mu.Lock()
		idle := q.accepting() && !q.inFlight && len(q.items) == 0 && q.lastActivity.Before(cutoff)
		if idle {
			q.info.Status = memory.StatusInterrupted
			q.stop()
		}
		id := q.info.ID
		q.mu.Unlock()
		if !idle {
			continue
		}

		interrupted++
		r.log.Debug().Int64("session", id).Msg("session interrupted after inactivity")
		r.notify(q)
		if err := r.store.SetSessionStatus(ctx, id, memory.StatusInterrupted); err != nil {
			return interrupted, err
		}
	}
	return interrupted, nil
}
