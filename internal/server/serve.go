package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/HendryAvila/recall/internal/api"
	"github.com/HendryAvila/recall/internal/broadcast"
	"github.com/HendryAvila/recall/internal/index"
	"github.com/HendryAvila/recall/internal/logging"
	"github.com/HendryAvila/recall/internal/session"
	"github.com/HendryAvila/recall/internal/worker"
)

const shutdownTimeout = 10 * time.Second

// ListenAndServe listens on the configured address and calls Serve.
func (s *Service) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.HTTP.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.HTTP.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve recovers sessions orphaned by a previous crash, builds the
// ingestion pipeline and serves the HTTP API on ln until ctx is cancelled.
//
// A durable write failure anywhere in the pipeline cancels every goroutine
// and is returned, so the caller can exit non-zero.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	n, err := s.store.CleanupOrphanedSessions(ctx)
	if err != nil {
		_ = ln.Close()
		return fmt.Errorf("recovering orphaned sessions: %w", err)
	}
	if n > 0 {
		s.log.Info().Int64("sessions", n).Msg("marked orphaned sessions failed")
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	onFatal := func(err error) {
		s.log.Error().Err(err).Msg("durable write failed, shutting down")
		cancel(err)
	}

	hub := broadcast.NewHub(logging.Component(s.log, "broadcast"))
	deps := worker.Deps{
		Store:     s.store,
		Extractor: s.extractor,
		Tokens:    s.tokens,
		Events:    hub,
		OnFatal:   onFatal,
	}
	if s.syncer != nil {
		deps.Index = s.syncer
	}
	proc := worker.New(deps, worker.Config{
		ExtractionTimeout: s.cfg.Queue.ExtractionTimeout,
	}, logging.Component(s.log, "worker"))

	registry := session.NewRegistry(s.store, proc, session.Config{
		InactivityTimeout: s.cfg.Queue.InactivityTimeout,
		SweepInterval:     s.cfg.Queue.SweepInterval,
	}, logging.Component(s.log, "session"))
	defer registry.Close()
	registry.OnChange(worker.NewStatusNotifier(hub, registry).OnChange)

	var idx index.VectorIndex
	if s.index != nil {
		idx = s.index
	}
	handler := api.New(api.Deps{
		Store:    s.store,
		Sessions: registry,
		Search:   s.search,
		Hub:      hub,
		Index:    idx,
		OnFatal:  onFatal,
		Version:  Version,
	}, api.Config{
		RequestTimeout: s.cfg.HTTP.RequestTimeout,
		DepthBefore:    s.cfg.Search.DepthBefore,
		DepthAfter:     s.cfg.Search.DepthAfter,
		RecencyDays:    s.cfg.Search.RecencyDays,
	}, logging.Component(s.log, "api")).Handler()

	g, gctx := errgroup.WithContext(ctx)

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		// Streaming requests end when the service stops.
		BaseContext: func(net.Listener) context.Context { return gctx },
	}

	g.Go(func() error {
		s.log.Info().Str("addr", ln.Addr().String()).Str("version", Version).Msg("http server listening")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer scancel()
		return srv.Shutdown(sctx)
	})
	g.Go(func() error {
		if err := registry.RunJanitor(gctx); err != nil {
			onFatal(err)
			return err
		}
		return nil
	})
	if s.syncer != nil {
		g.Go(func() error { return s.syncer.Run(gctx) })
	}

	err = g.Wait()
	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		return cause
	}
	s.log.Info().Msg("http server stopped")
	return err
}
