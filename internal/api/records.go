package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"github.com/HendryAvila/recall/internal/memory"
	"github.com/HendryAvila/recall/internal/search"
	"github.com/HendryAvila/recall/internal/session"
	"github.com/HendryAvila/recall/internal/worker"
)

const (
	defaultDepth         = 5
	snapshotSessions     = 10
	snapshotObservations = 20
)

func (s *Server) depthDefaults() (before, after int) {
	before, after = s.cfg.DepthBefore, s.cfg.DepthAfter
	if before <= 0 {
		before = defaultDepth
	}
	if after <= 0 {
		after = defaultDepth
	}
	return before, after
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	defBefore, defAfter := s.depthDefaults()

	before, err := queryInt(r, "depth_before", defBefore)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	after, err := queryInt(r, "depth_after", defAfter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	days, err := queryInt(r, "recency_days", s.cfg.RecencyDays)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	topK, err := queryInt(r, "top_k", 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	req := search.Request{
		Text:        q.Get("q"),
		Project:     q.Get("project"),
		Recency:     time.Duration(days) * 24 * time.Hour,
		DepthBefore: before,
		DepthAfter:  after,
		TopK:        topK,
		Detail:      q.Get("detail"),
	}

	var res *search.Result
	if q.Get("mode") == string(search.ModeKeyword) {
		res, err = s.deps.Search.KeywordQuery(r.Context(), req)
	} else {
		res, err = s.deps.Search.Query(r.Context(), req)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	kind := memory.RecordKind(strings.ToLower(q.Get("kind")))
	if kind == "" {
		kind = memory.KindObservation
	}
	if !kind.Valid() {
		s.writeError(w, r, fmt.Errorf("%w: unknown kind %q", errBadRequest, kind))
		return
	}
	id, err := parseID(q.Get("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defBefore, defAfter := s.depthDefaults()
	before, err := queryInt(r, "depth_before", defBefore)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	after, err := queryInt(r, "depth_after", defAfter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if before > search.MaxDepth || after > search.MaxDepth {
		s.writeError(w, r, fmt.Errorf("%w: depths must be within 0..%d", errBadRequest, search.MaxDepth))
		return
	}

	res, err := s.deps.Store.Timeline(r.Context(), memory.RecordRef{Kind: kind, ID: id}, before, after, q.Get("project"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetObservation(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	obs, err := s.deps.Store.GetObservation(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, obs)
}

func (s *Server) handleGetSummary(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sum, err := s.deps.Store.GetSummary(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// Snapshot is the state a stream subscriber loads before applying events.
type Snapshot struct {
	Processing         worker.ProcessingStatus  `json:"processing"`
	LiveSessions       []session.State          `json:"live_sessions"`
	RecentSessions     []memory.SessionOverview `json:"recent_sessions"`
	RecentObservations []memory.Observation     `json:"recent_observations"`
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	project := r.URL.Query().Get("project")
	snap := Snapshot{
		Processing: worker.ProcessingStatus{
			IsProcessing: s.deps.Sessions.IsProcessing(),
			QueueDepth:   s.deps.Sessions.QueueDepth(),
		},
		LiveSessions: s.deps.Sessions.States(),
	}

	g, ctx := errgroup.WithContext(r.Context())
	g.Go(func() error {
		var err error
		snap.RecentSessions, err = s.deps.Store.RecentSessions(ctx, project, snapshotSessions)
		return err
	})
	g.Go(func() error {
		var err error
		snap.RecentObservations, err = s.deps.Store.RecentObservations(ctx, project, snapshotObservations)
		return err
	})
	if err := g.Wait(); err != nil {
		s.writeError(w, r, err)
		return
	}

	if snap.RecentSessions == nil {
		snap.RecentSessions = []memory.SessionOverview{}
	}
	if snap.RecentObservations == nil {
		snap.RecentObservations = []memory.Observation{}
	}
	writeJSON(w, http.StatusOK, snap)
}

type statsResponse struct {
	*memory.Stats
	IndexedDocuments int   `json:"indexed_documents"`
	LiveSessions     int   `json:"live_sessions"`
	QueueDepth       int   `json:"queue_depth"`
	Subscribers      int   `json:"subscribers"`
	UptimeSeconds    int64 `json:"uptime_seconds"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Store.Stats(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := statsResponse{
		Stats:         stats,
		LiveSessions:  len(s.deps.Sessions.States()),
		QueueDepth:    s.deps.Sessions.QueueDepth(),
		Subscribers:   s.deps.Hub.Len(),
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
	}
	if s.deps.Index != nil {
		if n, err := s.deps.Index.Count(r.Context()); err == nil {
			resp.IndexedDocuments = n
		} else {
			s.log.Warn().Err(err).Msg("index count")
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": s.deps.Version})
}
