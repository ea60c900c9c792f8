package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/HendryAvila/recall/internal/extract"
	"github.com/HendryAvila/recall/internal/memory"
	"github.com/HendryAvila/recall/internal/session"
)

type initRequest struct {
	SessionID string `json:"session_id"`
	Project   string `json:"project"`
	Prompt    string `json:"prompt"`
}

type initResponse struct {
	ID            int64         `json:"id"`
	SessionID     string        `json:"session_id"`
	PromptCounter int           `json:"prompt_counter"`
	Status        memory.Status `json:"status"`
	Created       bool          `json:"created"`
}

type promptRequest struct {
	Prompt string `json:"prompt"`
}

type promptResponse struct {
	ID           int64 `json:"id"`
	PromptNumber int   `json:"prompt_number"`
}

type queuedResponse struct {
	ID         int64 `json:"id"`
	Queued     bool  `json:"queued"`
	QueueDepth int   `json:"queue_depth"`
}

type statusResponse struct {
	ID     int64         `json:"id"`
	Status memory.Status `json:"status"`
}

func (s *Server) handleSessionInit(w http.ResponseWriter, r *http.Request) {
	var req initRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	project := strings.TrimSpace(req.Project)
	if project == "" {
		s.writeError(w, r, fmt.Errorf("%w: project is required", errBadRequest))
		return
	}

	info, created, err := s.deps.Sessions.InitializeSession(r.Context(), req.SessionID, project, req.Prompt)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, initResponse{
		ID:            info.ID,
		SessionID:     info.ExternalID,
		PromptCounter: info.PromptCounter,
		Status:        info.Status,
		Created:       created,
	})
}

// session resolves the {sessionID} path parameter, which may be the
// external id or the internal numeric id.
func (s *Server) session(w http.ResponseWriter, r *http.Request) (session.Info, bool) {
	info, err := s.deps.Sessions.Lookup(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		s.writeError(w, r, err)
		return session.Info{}, false
	}
	return info, true
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	info, ok := s.session(w, r)
	if !ok {
		return
	}
	st, err := s.deps.Sessions.Get(info.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handlePrompt(w http.ResponseWriter, r *http.Request) {
	info, ok := s.session(w, r)
	if !ok {
		return
	}
	var req promptRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	n, err := s.deps.Sessions.RecordPrompt(r.Context(), info.ID, req.Prompt)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, promptResponse{ID: info.ID, PromptNumber: n})
}

func (s *Server) handleObservation(w http.ResponseWriter, r *http.Request) {
	info, ok := s.session(w, r)
	if !ok {
		return
	}
	var exec extract.ToolExecution
	if err := decodeJSON(r, &exec); err != nil {
		s.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(exec.ToolName) == "" {
		s.writeError(w, r, fmt.Errorf("%w: tool_name is required", errBadRequest))
		return
	}
	s.enqueue(w, r, info.ID, session.ObservationMessage(exec))
}

func (s *Server) handleSummarize(w http.ResponseWriter, r *http.Request) {
	info, ok := s.session(w, r)
	if !ok {
		return
	}
	var req extract.FinalizeRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.enqueue(w, r, info.ID, session.FinalizeMessage(req))
}

func (s *Server) enqueue(w http.ResponseWriter, r *http.Request, id int64, msg session.Message) {
	if err := s.deps.Sessions.Enqueue(id, msg); err != nil {
		s.writeError(w, r, err)
		return
	}
	depth := 0
	if st, err := s.deps.Sessions.Get(id); err == nil {
		depth = st.QueueDepth
	}
	writeJSON(w, http.StatusAccepted, queuedResponse{ID: id, Queued: true, QueueDepth: depth})
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	info, ok := s.session(w, r)
	if !ok {
		return
	}
	if err := s.deps.Sessions.CompleteSession(r.Context(), info.ID); err != nil {
		s.writeError(w, r, err)
		return
	}
	st, err := s.deps.Sessions.Get(info.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{ID: st.ID, Status: st.Status})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 20)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sessions, err := s.deps.Store.RecentSessions(r.Context(), r.URL.Query().Get("project"), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if sessions == nil {
		sessions = []memory.SessionOverview{}
	}
	writeJSON(w, http.StatusOK, sessions)
}
