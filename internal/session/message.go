package session

import (
	"errors"
	"time"

	"github.com/HendryAvila/recall/internal/extract"
	"github.com/HendryAvila/recall/internal/memory"
)

var (
	// ErrSessionNotFound is returned for ids the registry has never seen.
	ErrSessionNotFound = errors.New("session: not found")

	// ErrSessionNotActive is returned when enqueueing to a session that is
	// terminal, interrupted, finalizing, or not running in this process.
	ErrSessionNotActive = errors.New("session: not active")

	// ErrInvalidMessage is returned for messages without a matching payload.
	ErrInvalidMessage = errors.New("session: invalid message")

	// ErrInvalidSession is returned when initializing without an external id.
	ErrInvalidSession = errors.New("session: external id required")

	// ErrConsumerRunning is returned by Consume when the registry already
	// drives the session's queue itself.
	ErrConsumerRunning = errors.New("session: consumer already running")
)

// Kind tags a queued message.
type Kind string

const (
	KindObservation Kind = "observation-request"
	KindFinalize    Kind = "finalize-request"
)

// Message is one unit of queued work. It lives only in memory.
type Message struct {
	Kind       Kind                     `json:"kind"`
	Tool       *extract.ToolExecution   `json:"tool,omitempty"`
	Finalize   *extract.FinalizeRequest `json:"finalize,omitempty"`
	EnqueuedAt time.Time                `json:"enqueued_at"`
}

// ObservationMessage wraps a tool execution.
func ObservationMessage(exec extract.ToolExecution) Message {
	return Message{Kind: KindObservation, Tool: &exec}
}

// FinalizeMessage wraps an end-of-turn request.
func FinalizeMessage(req extract.FinalizeRequest) Message {
	return Message{Kind: KindFinalize, Finalize: &req}
}

func (m Message) validate() error {
	switch m.Kind {
	case KindObservation:
		if m.Tool == nil {
			return ErrInvalidMessage
		}
	case KindFinalize:
		if m.Finalize == nil {
			return ErrInvalidMessage
		}
	default:
		return ErrInvalidMessage
	}
	return nil
}

// Info is the registry's view of a session.
type Info struct {
	ID            int64         `json:"id"`
	ExternalID    string        `json:"session_id"`
	Project       string        `json:"project"`
	UserPrompt    string        `json:"user_prompt,omitempty"`
	PromptCounter int           `json:"prompt_counter"`
	Status        memory.Status `json:"status"`
}

func infoFrom(s *memory.Session) Info {
	return Info{
		ID:            s.ID,
		ExternalID:    s.ExternalID,
		Project:       s.Project,
		UserPrompt:    s.UserPrompt,
		PromptCounter: s.PromptCounter,
		Status:        s.Status,
	}
}

// State is a point-in-time view of a session and its queue.
type State struct {
	Info
	QueueDepth   int  `json:"queue_depth"`
	IsProcessing bool `json:"is_processing"`
}
