// Package binder associates each concurrently executing model invocation
// with its own isolated execution context, so the trace record emitted for
// an invocation always carries that invocation's identity, metadata, and
// timing regardless of how invocations interleave.
package binder

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/invoketrace/invoketrace/internal/record"
)

// Invocation is the caller-supplied identity for one unit of work.
type Invocation struct {
	FunctionID string
	Metadata   map[string]any
	ParentID   string
}

// Outcome carries the results of an invocation into its finalized record.
type Outcome struct {
	Provider     string
	Model        string
	Prompt       string
	Completion   string
	InputTokens  int
	OutputTokens int
	TotalTokens  int
	Err          error
}

// Binder resolves which execution context a piece of running work belongs
// to. Begin allocates a fresh context for an invocation; Current reads the
// context back, including after asynchronous suspension; End finalizes the
// resolved context and emits its trace record.
type Binder interface {
	Begin(ctx context.Context, inv Invocation) (context.Context, *Execution)
	Current(ctx context.Context) (*Execution, bool)
	End(ctx context.Context, outcome Outcome) *record.Record
}

// Execution is the per-invocation carrier of tracing metadata. Its identity
// fields are snapshotted at Begin and never shared with other executions.
type Execution struct {
	id         string
	functionID string
	parentID   string
	metadata   map[string]any
	startedAt  time.Time

	mu         sync.Mutex
	attributes map[string]any
	ended      bool
}

// ID returns the unique invocation identifier allocated at Begin.
func (e *Execution) ID() string {
	if e == nil {
		return ""
	}
	return e.id
}

// FunctionID returns the caller-supplied identifier captured at Begin.
func (e *Execution) FunctionID() string {
	if e == nil {
		return ""
	}
	return e.functionID
}

// StartedAt returns the wall-clock time the execution began.
func (e *Execution) StartedAt() time.Time {
	if e == nil {
		return time.Time{}
	}
	return e.startedAt
}

// SetAttribute records an additional metadata value on the execution.
// Attributes set after the execution has ended are dropped.
func (e *Execution) SetAttribute(key string, value any) {
	if e == nil || key == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ended {
		return
	}
	if e.attributes == nil {
		e.attributes = make(map[string]any)
	}
	e.attributes[key] = value
}

// finalize marks the execution ended and builds its record. It is
// idempotent: only the first call produces a record.
func (e *Execution) finalize(outcome Outcome, now time.Time) *record.Record {
	if e == nil {
		return nil
	}
	e.mu.Lock()
	if e.ended {
		e.mu.Unlock()
		return nil
	}
	e.ended = true
	e.mu.Unlock()

	return e.buildRecord(outcome, now)
}

// buildRecord renders the execution's identity and timing into a record.
// It does not mark the execution ended, so repeated calls emit repeated
// records.
func (e *Execution) buildRecord(outcome Outcome, now time.Time) *record.Record {
	e.mu.Lock()
	merged := make(map[string]any, len(e.metadata)+len(e.attributes))
	for key, value := range e.metadata {
		merged[key] = value
	}
	for key, value := range e.attributes {
		merged[key] = value
	}
	e.mu.Unlock()

	rec := &record.Record{
		ID:           record.NewID(),
		InvocationID: e.id,
		FunctionID:   e.functionID,
		ParentID:     e.parentID,
		Provider:     outcome.Provider,
		Model:        outcome.Model,
		Prompt:       outcome.Prompt,
		Completion:   outcome.Completion,
		InputTokens:  outcome.InputTokens,
		OutputTokens: outcome.OutputTokens,
		TotalTokens:  outcome.TotalTokens,
		StartedAt:    e.startedAt,
		CompletedAt:  now,
		LatencyMS:    now.Sub(e.startedAt).Milliseconds(),
		Metadata:     record.EncodeMetadata(merged),
		CreatedAt:    now,
	}
	if outcome.Err != nil {
		rec.Error = outcome.Err.Error()
	}
	return rec
}

type executionContextKey struct{}

var executionKey executionContextKey

// WithExecution stores an execution in context.
func WithExecution(ctx context.Context, exec *Execution) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if exec == nil {
		return ctx
	}
	return context.WithValue(ctx, executionKey, exec)
}

// FromContext extracts the execution bound to ctx, if any.
func FromContext(ctx context.Context) (*Execution, bool) {
	if ctx == nil {
		return nil, false
	}
	exec, ok := ctx.Value(executionKey).(*Execution)
	if !ok || exec == nil {
		return nil, false
	}
	return exec, true
}

// SetAttribute records a metadata value on the execution bound to ctx.
// It is a no-op when ctx carries no execution.
func SetAttribute(ctx context.Context, key string, value any) {
	if exec, ok := FromContext(ctx); ok {
		exec.SetAttribute(key, value)
	}
}

// Option configures a binder.
type Option func(*options)

type options struct {
	now  func() time.Time
	sink Sink
}

// WithNow replaces the clock used for start and completion timestamps.
func WithNow(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithSink sets the sink that receives finalized records.
func WithSink(sink Sink) Option {
	return func(o *options) {
		if sink != nil {
			o.sink = sink
		}
	}
}

func resolveOptions(opts []Option) options {
	resolved := options{
		now:  func() time.Time { return time.Now().UTC() },
		sink: NopSink{},
	}
	for _, opt := range opts {
		opt(&resolved)
	}
	return resolved
}

// ContextBinder carries each execution in the invocation's own
// context.Context, derived at Begin. Concurrent invocations never share
// state: tracing calls made after a suspension point read back whatever
// execution their own context carries.
type ContextBinder struct {
	opts options
}

// NewContextBinder returns a binder with per-invocation context isolation.
func NewContextBinder(opts ...Option) *ContextBinder {
	return &ContextBinder{opts: resolveOptions(opts)}
}

func (b *ContextBinder) Begin(ctx context.Context, inv Invocation) (context.Context, *Execution) {
	exec := newExecution(inv, b.opts.now())
	return WithExecution(ctx, exec), exec
}

func (b *ContextBinder) Current(ctx context.Context) (*Execution, bool) {
	return FromContext(ctx)
}

func (b *ContextBinder) End(ctx context.Context, outcome Outcome) *record.Record {
	exec, ok := FromContext(ctx)
	if !ok {
		return nil
	}
	rec := exec.finalize(outcome, b.opts.now())
	if rec == nil {
		return nil
	}
	b.opts.sink.Emit(ctx, rec)
	return rec
}

func newExecution(inv Invocation, startedAt time.Time) *Execution {
	metadata := make(map[string]any, len(inv.Metadata))
	for key, value := range inv.Metadata {
		metadata[key] = value
	}
	return &Execution{
		id:         uuid.NewString(),
		functionID: inv.FunctionID,
		parentID:   inv.ParentID,
		metadata:   metadata,
		startedAt:  startedAt,
	}
}
