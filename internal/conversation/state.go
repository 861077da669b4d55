package conversation

import (
	"github.com/course-advisor/backend/internal/grounding"
)

type State int

const (
	StateEmpty State = iota
	StateAwaitingRetrieval
	StateGrounded
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateAwaitingRetrieval:
		return "awaiting_retrieval"
	case StateGrounded:
		return "grounded"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// phase is the session's tagged state. Only the types below implement it.
type phase interface {
	state() State
}

type emptyPhase struct{}

type awaitingPhase struct{}

// groundedPhase holds the frozen retrieval. Its instruction is sent verbatim
// with every later turn.
type groundedPhase struct {
	result      grounding.Result
	filters     string
	instruction string
}

func (emptyPhase) state() State    { return StateEmpty }
func (awaitingPhase) state() State { return StateAwaitingRetrieval }
func (groundedPhase) state() State { return StateGrounded }
