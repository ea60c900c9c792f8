package memory

// ─── Sessions ────────────────────────────────────────────────────────────────

// Status is the lifecycle state of a session.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusActive       Status = "active"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusInterrupted  Status = "interrupted"
)

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Session is one unit of agent work, keyed by the caller's external id.
type Session struct {
	ID               int64  `json:"id"`
	ExternalID       string `json:"session_id"`
	Project          string `json:"project"`
	UserPrompt       string `json:"user_prompt,omitempty"`
	PromptCounter    int    `json:"prompt_counter"`
	Status           Status `json:"status"`
	StartedAtEpoch   int64  `json:"started_at_epoch"`
	UpdatedAtEpoch   int64  `json:"updated_at_epoch"`
	CompletedAtEpoch *int64 `json:"completed_at_epoch,omitempty"`
}

// SessionOverview is a compact view of a session with record counts.
type SessionOverview struct {
	Session
	ObservationCount int `json:"observation_count"`
	SummaryCount     int `json:"summary_count"`
}

// UserPrompt is one prompt turn recorded for a session.
type UserPrompt struct {
	ID             int64  `json:"id"`
	SessionID      int64  `json:"session_id"`
	Project        string `json:"project"`
	PromptNumber   int    `json:"prompt_number"`
	Text           string `json:"prompt_text"`
	CreatedAtEpoch int64  `json:"created_at_epoch"`
}

// ─── Records ─────────────────────────────────────────────────────────────────

// RecordKind distinguishes the two record types sharing the timeline.
type RecordKind string

const (
	KindObservation RecordKind = "observation"
	KindSummary     RecordKind = "summary"
)

// Valid reports whether k names a known record kind.
func (k RecordKind) Valid() bool {
	return k == KindObservation || k == KindSummary
}

// RecordRef identifies a record on the unified timeline.
type RecordRef struct {
	Kind RecordKind `json:"kind"`
	ID   int64      `json:"id"`
}

// ObservationInput is the extracted content of one observation.
type ObservationInput struct {
	Type            string   `json:"type"`
	Title           string   `json:"title,omitempty"`
	Subtitle        string   `json:"subtitle,omitempty"`
	Narrative       string   `json:"narrative,omitempty"`
	Facts           []string `json:"facts,omitempty"`
	Concepts        []string `json:"concepts,omitempty"`
	FilesRead       []string `json:"files_read,omitempty"`
	FilesModified   []string `json:"files_modified,omitempty"`
	DiscoveryTokens int      `json:"discovery_tokens,omitempty"`
}

// AppendObservationParams holds the input for persisting an observation.
type AppendObservationParams struct {
	SessionID    int64  `json:"session_id"`
	Project      string `json:"project"`
	PromptNumber int    `json:"prompt_number"`
	ObservationInput
}

// Observation is an append-only unit of extracted knowledge.
type Observation struct {
	ID             int64  `json:"id"`
	SessionID      int64  `json:"session_id"`
	Project        string `json:"project"`
	PromptNumber   int    `json:"prompt_number"`
	CreatedAtEpoch int64  `json:"created_at_epoch"`
	ObservationInput
}

// SummaryInput is the extracted content of one end-of-turn summary.
type SummaryInput struct {
	Request         string   `json:"request,omitempty"`
	Investigated    string   `json:"investigated,omitempty"`
	Learned         string   `json:"learned,omitempty"`
	Completed       string   `json:"completed,omitempty"`
	NextSteps       string   `json:"next_steps,omitempty"`
	Notes           string   `json:"notes,omitempty"`
	FilesRead       []string `json:"files_read,omitempty"`
	FilesEdited     []string `json:"files_edited,omitempty"`
	DiscoveryTokens int      `json:"discovery_tokens,omitempty"`
}

// AppendSummaryParams holds the input for persisting a summary.
type AppendSummaryParams struct {
	SessionID    int64  `json:"session_id"`
	Project      string `json:"project"`
	PromptNumber int    `json:"prompt_number"`
	SummaryInput
}

// Summary is an append-only condensed account of one prompt turn.
type Summary struct {
	ID             int64  `json:"id"`
	SessionID      int64  `json:"session_id"`
	Project        string `json:"project"`
	PromptNumber   int    `json:"prompt_number"`
	CreatedAtEpoch int64  `json:"created_at_epoch"`
	SummaryInput
}

// Record is an observation or a summary placed on the unified timeline.
// Exactly one of Observation and Summary is set.
type Record struct {
	Kind        RecordKind   `json:"kind"`
	ID          int64        `json:"id"`
	SessionID   int64        `json:"session_id"`
	Project     string       `json:"project"`
	Epoch       int64        `json:"created_at_epoch"`
	Observation *Observation `json:"observation,omitempty"`
	Summary     *Summary     `json:"summary,omitempty"`
}

// Ref returns the timeline reference of r.
func (r Record) Ref() RecordRef {
	return RecordRef{Kind: r.Kind, ID: r.ID}
}

// Title returns a one-line label for the record.
func (r Record) Title() string {
	switch {
	case r.Observation != nil:
		if r.Observation.Title != "" {
			return r.Observation.Title
		}
		return Truncate(r.Observation.Narrative, 80)
	case r.Summary != nil:
		return Truncate(r.Summary.Request, 80)
	}
	return ""
}

// Type returns the observation type tag, or "summary".
func (r Record) Type() string {
	if r.Observation != nil {
		return r.Observation.Type
	}
	return string(KindSummary)
}

func observationRecord(o *Observation) Record {
	return Record{
		Kind: KindObservation, ID: o.ID, SessionID: o.SessionID,
		Project: o.Project, Epoch: o.CreatedAtEpoch, Observation: o,
	}
}

func summaryRecord(sm *Summary) Record {
	return Record{
		Kind: KindSummary, ID: sm.ID, SessionID: sm.SessionID,
		Project: sm.Project, Epoch: sm.CreatedAtEpoch, Summary: sm,
	}
}

// ─── Queries ─────────────────────────────────────────────────────────────────

// Order selects how QueryByRefs sorts its result.
type Order int

const (
	// OrderNewest sorts by epoch descending, id ascending.
	OrderNewest Order = iota
	// OrderOldest sorts by epoch ascending, id ascending.
	OrderOldest
)

// Anchor is a position on the unified timeline.
type Anchor struct {
	Epoch int64
	ID    int64
	Kind  RecordKind
}

// AnchorOf returns the timeline position of r.
func AnchorOf(r Record) Anchor {
	return Anchor{Epoch: r.Epoch, ID: r.ID, Kind: r.Kind}
}

// SearchOptions holds filters for FTS5 search queries.
type SearchOptions struct {
	Project string `json:"project,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}

// SearchHit is one keyword match with its FTS5 rank (lower is better).
type SearchHit struct {
	RecordRef
	Epoch int64   `json:"created_at_epoch"`
	Rank  float64 `json:"rank"`
}

// Stats holds aggregate memory statistics.
type Stats struct {
	TotalSessions     int      `json:"total_sessions"`
	ActiveSessions    int      `json:"active_sessions"`
	TotalObservations int      `json:"total_observations"`
	TotalSummaries    int      `json:"total_summaries"`
	TotalPrompts      int      `json:"total_prompts"`
	SyncedRecords     int      `json:"synced_records"`
	PendingSync       int      `json:"pending_sync"`
	Projects          []string `json:"projects"`
}
