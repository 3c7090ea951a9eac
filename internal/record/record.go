package record

import (
	"time"

	"github.com/google/uuid"
)

// Record is the observability artifact emitted for one model invocation.
// FunctionID and Metadata must always equal the values supplied when the
// invocation began, never those of another concurrently running invocation.
type Record struct {
	ID           string
	InvocationID string
	FunctionID   string
	Provider     string
	Model        string
	Prompt       string
	Completion   string
	InputTokens  int
	OutputTokens int
	TotalTokens  int
	StartedAt    time.Time
	CompletedAt  time.Time
	LatencyMS    int64
	ParentID     string
	Error        string
	Metadata     string
	CreatedAt    time.Time
}

// Duration returns the elapsed wall-clock time of the invocation.
func (r *Record) Duration() time.Duration {
	if r == nil || r.StartedAt.IsZero() || r.CompletedAt.IsZero() {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}

// NewID returns a new record identifier.
func NewID() string {
	return uuid.NewString()
}
