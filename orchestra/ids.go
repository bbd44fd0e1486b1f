package orchestra

import (
	"time"

	"github.com/google/uuid"
)

// Clock supplies the current time. The orchestrator threads a single Clock
// through the mutator, the stores, and the broadcaster so tests can pin it.
type Clock func() time.Time

// NewSessionID returns a fresh session identifier.
func NewSessionID() string {
	return "sess-" + uuid.NewString()
}

// NewTraceID returns a fresh per-turn trace identifier.
func NewTraceID() string {
	return "trace-" + uuid.NewString()
}

// NewResumeToken returns an unguessable token for resuming a paused turn.
func NewResumeToken() string {
	return "resume-" + uuid.NewString()
}
