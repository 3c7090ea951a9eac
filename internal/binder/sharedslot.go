package binder

import (
	"context"
	"sync"

	"github.com/invoketrace/invoketrace/internal/record"
)

// SharedSlotBinder resolves the "current" execution from a single
// process-wide mutable slot that every Begin overwrites. When invocations
// overlap, an earlier invocation that resumes after a later Begin reads the
// later invocation's identity and start time at End, so its trace record
// reports the wrong function and a timing window that is not its own.
//
// This implementation exists to reproduce that defect under test and from
// the repro command. It must never be used outside of those paths.
type SharedSlotBinder struct {
	opts options

	mu      sync.Mutex
	current *Execution
}

// NewSharedSlotBinder returns a binder with the shared mutable slot defect.
func NewSharedSlotBinder(opts ...Option) *SharedSlotBinder {
	return &SharedSlotBinder{opts: resolveOptions(opts)}
}

func (b *SharedSlotBinder) Begin(ctx context.Context, inv Invocation) (context.Context, *Execution) {
	exec := newExecution(inv, b.opts.now())

	// The defect: one slot for the whole process, overwritten in place.
	// The returned context is not derived, so resumption points have no
	// way back to the execution that actually started this invocation.
	b.mu.Lock()
	b.current = exec
	b.mu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}
	return ctx, exec
}

func (b *SharedSlotBinder) Current(_ context.Context) (*Execution, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current == nil {
		return nil, false
	}
	return b.current, true
}

func (b *SharedSlotBinder) End(ctx context.Context, outcome Outcome) *record.Record {
	exec, ok := b.Current(ctx)
	if !ok {
		return nil
	}
	// No completion tracking on the slot: every End re-reads whatever
	// execution is current and emits from it, which is how N overlapping
	// invocations collapse onto one identity.
	rec := exec.buildRecord(outcome, b.opts.now())
	b.opts.sink.Emit(ctx, rec)
	return rec
}
