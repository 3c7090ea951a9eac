package binder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/invoketrace/invoketrace/internal/record"
)

const (
	fruitFunction  = "fruit-generation"
	colorFunction  = "color-generation"
	animalFunction = "animal-generation"
)

// runConcurrent runs one invocation per function id against the binder,
// holding every invocation at a simulated suspension point until all have
// begun, so their lifetimes are guaranteed to overlap. Per-invocation delays
// stretch the suspension for selected functions.
func runConcurrent(t *testing.T, b Binder, functionIDs []string, delays map[string]time.Duration) {
	t.Helper()

	release := make(chan struct{})
	begun := make(chan struct{}, len(functionIDs))
	var wg sync.WaitGroup

	for _, functionID := range functionIDs {
		wg.Add(1)
		go func(functionID string) {
			defer wg.Done()

			ctx, _ := b.Begin(context.Background(), Invocation{
				FunctionID: functionID,
				Metadata:   map[string]any{"test_case": functionID},
			})
			begun <- struct{}{}

			// Suspension point: other invocations begin, suspend, and
			// resume while this one waits.
			<-release
			if delay := delays[functionID]; delay > 0 {
				time.Sleep(delay)
			}

			SetAttribute(ctx, "resumed", true)
			b.End(ctx, Outcome{Model: "test-model"})
		}(functionID)
	}

	for range functionIDs {
		select {
		case <-begun:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for invocations to begin")
		}
	}
	close(release)
	wg.Wait()
}

func recordsByFunction(records []*record.Record) map[string][]*record.Record {
	grouped := make(map[string][]*record.Record)
	for _, rec := range records {
		grouped[rec.FunctionID] = append(grouped[rec.FunctionID], rec)
	}
	return grouped
}

func TestContextBinderIsolatesConcurrentInvocations(t *testing.T) {
	t.Parallel()

	sink := &CollectSink{}
	b := NewContextBinder(WithSink(sink))
	functionIDs := []string{fruitFunction, colorFunction, animalFunction}

	runConcurrent(t, b, functionIDs, nil)

	records := sink.Records()
	if len(records) != len(functionIDs) {
		t.Fatalf("emitted records=%d, want %d", len(records), len(functionIDs))
	}

	grouped := recordsByFunction(records)
	for _, functionID := range functionIDs {
		if len(grouped[functionID]) != 1 {
			t.Fatalf("function %q has %d records, want exactly 1", functionID, len(grouped[functionID]))
		}
	}

	seen := make(map[string]bool, len(records))
	for _, rec := range records {
		if rec.InvocationID == "" {
			t.Fatalf("record %q has empty invocation id", rec.ID)
		}
		if seen[rec.InvocationID] {
			t.Fatalf("invocation id %q appears on more than one record", rec.InvocationID)
		}
		seen[rec.InvocationID] = true

		metadata := record.DecodeMetadataMap(rec.Metadata)
		if got := record.MetadataString(metadata, "test_case"); got != rec.FunctionID {
			t.Fatalf("record %q metadata test_case=%q, want %q", rec.ID, got, rec.FunctionID)
		}
	}
}

func TestContextBinderManyConcurrentInvocations(t *testing.T) {
	t.Parallel()

	sink := &CollectSink{}
	b := NewContextBinder(WithSink(sink))

	functionIDs := make([]string, 0, 32)
	for i := 0; i < 32; i++ {
		functionIDs = append(functionIDs, fmt.Sprintf("generation-%02d", i))
	}

	runConcurrent(t, b, functionIDs, nil)

	grouped := recordsByFunction(sink.Records())
	if len(grouped) != len(functionIDs) {
		t.Fatalf("distinct function ids on records=%d, want %d", len(grouped), len(functionIDs))
	}
	for _, functionID := range functionIDs {
		if len(grouped[functionID]) != 1 {
			t.Fatalf("function %q has %d records, want exactly 1", functionID, len(grouped[functionID]))
		}
	}
}

func TestContextBinderDelayedInvocationKeepsOwnIdentityAndTiming(t *testing.T) {
	t.Parallel()

	sink := &CollectSink{}
	b := NewContextBinder(WithSink(sink))
	delay := 150 * time.Millisecond

	runConcurrent(t, b, []string{fruitFunction, colorFunction, animalFunction},
		map[string]time.Duration{colorFunction: delay})

	grouped := recordsByFunction(sink.Records())
	delayed := grouped[colorFunction]
	if len(delayed) != 1 {
		t.Fatalf("delayed function has %d records, want 1", len(delayed))
	}
	delayedDuration := delayed[0].Duration()
	if delayedDuration < delay {
		t.Fatalf("delayed record duration=%s, want >= %s", delayedDuration, delay)
	}

	// Fast records are judged against the delayed record's measured
	// duration, not a fixed wall-clock bound.
	for _, functionID := range []string{fruitFunction, animalFunction} {
		recs := grouped[functionID]
		if len(recs) != 1 {
			t.Fatalf("function %q has %d records, want 1", functionID, len(recs))
		}
		if got := recs[0].Duration(); got >= delayedDuration {
			t.Fatalf("fast record %q duration=%s, want under the delayed record's %s", functionID, got, delayedDuration)
		}
	}
}

func TestContextBinderOrderIndependence(t *testing.T) {
	t.Parallel()

	permutations := [][]string{
		{fruitFunction, colorFunction, animalFunction},
		{animalFunction, fruitFunction, colorFunction},
		{colorFunction, animalFunction, fruitFunction},
	}
	completionDelays := []map[string]time.Duration{
		nil,
		{fruitFunction: 40 * time.Millisecond},
		{animalFunction: 40 * time.Millisecond, colorFunction: 20 * time.Millisecond},
	}

	for i, order := range permutations {
		for j, delays := range completionDelays {
			order, delays := order, delays
			t.Run(fmt.Sprintf("order_%d_delays_%d", i, j), func(t *testing.T) {
				t.Parallel()

				sink := &CollectSink{}
				b := NewContextBinder(WithSink(sink))
				runConcurrent(t, b, order, delays)

				grouped := recordsByFunction(sink.Records())
				for _, functionID := range order {
					recs := grouped[functionID]
					if len(recs) != 1 {
						t.Fatalf("function %q has %d records, want 1", functionID, len(recs))
					}
					metadata := record.DecodeMetadataMap(recs[0].Metadata)
					if got := record.MetadataString(metadata, "test_case"); got != functionID {
						t.Fatalf("function %q carries metadata for %q", functionID, got)
					}
				}
			})
		}
	}
}

func TestContextBinderRecordTimingWithinOwnWindow(t *testing.T) {
	t.Parallel()

	sink := &CollectSink{}
	b := NewContextBinder(WithSink(sink))

	before := time.Now().UTC()
	ctx, _ := b.Begin(context.Background(), Invocation{FunctionID: fruitFunction})
	time.Sleep(20 * time.Millisecond)
	rec := b.End(ctx, Outcome{})
	after := time.Now().UTC()

	if rec == nil {
		t.Fatal("End() returned nil record")
	}
	if rec.StartedAt.Before(before) || rec.CompletedAt.After(after) {
		t.Fatalf("record window [%s, %s] outside invocation window [%s, %s]",
			rec.StartedAt, rec.CompletedAt, before, after)
	}
	if rec.CompletedAt.Before(rec.StartedAt) {
		t.Fatalf("record completed at %s before it started at %s", rec.CompletedAt, rec.StartedAt)
	}
	if rec.LatencyMS < 20 {
		t.Fatalf("record latency=%dms, want >= 20ms", rec.LatencyMS)
	}
}

func TestContextBinderEndIsIdempotent(t *testing.T) {
	t.Parallel()

	sink := &CollectSink{}
	b := NewContextBinder(WithSink(sink))

	ctx, _ := b.Begin(context.Background(), Invocation{FunctionID: fruitFunction})
	first := b.End(ctx, Outcome{})
	second := b.End(ctx, Outcome{})

	if first == nil {
		t.Fatal("first End() returned nil record")
	}
	if second != nil {
		t.Fatalf("second End() returned record %q, want nil", second.ID)
	}
	if got := len(sink.Records()); got != 1 {
		t.Fatalf("emitted records=%d, want 1", got)
	}
}

func TestContextBinderEndWithoutBeginReturnsNil(t *testing.T) {
	t.Parallel()

	b := NewContextBinder()
	if rec := b.End(context.Background(), Outcome{}); rec != nil {
		t.Fatalf("End() without Begin returned record %q, want nil", rec.ID)
	}
}

func TestContextBinderErrorOutcomeLandsOnRecord(t *testing.T) {
	t.Parallel()

	b := NewContextBinder()
	ctx, _ := b.Begin(context.Background(), Invocation{FunctionID: fruitFunction})
	rec := b.End(ctx, Outcome{Err: errors.New("upstream unavailable")})

	if rec == nil {
		t.Fatal("End() returned nil record")
	}
	if rec.Error != "upstream unavailable" {
		t.Fatalf("record error=%q, want %q", rec.Error, "upstream unavailable")
	}
}

func TestSetAttributeAfterEndIsDropped(t *testing.T) {
	t.Parallel()

	b := NewContextBinder()
	ctx, exec := b.Begin(context.Background(), Invocation{FunctionID: fruitFunction})
	rec := b.End(ctx, Outcome{})
	exec.SetAttribute("late", "value")

	metadata := record.DecodeMetadataMap(rec.Metadata)
	if _, ok := metadata["late"]; ok {
		t.Fatal("attribute set after End() leaked into the record")
	}
}

func TestSharedSlotBinderCollapsesOverlappingInvocations(t *testing.T) {
	t.Parallel()

	sink := &CollectSink{}
	b := NewSharedSlotBinder(WithSink(sink))

	// Deterministic interleaving: all three invocations begin before any of
	// them resumes, so the slot holds the last-begun identity by the time
	// the earlier invocations reach End.
	functionIDs := []string{fruitFunction, colorFunction, animalFunction}
	contexts := make([]context.Context, 0, len(functionIDs))
	for _, functionID := range functionIDs {
		ctx, _ := b.Begin(context.Background(), Invocation{FunctionID: functionID})
		contexts = append(contexts, ctx)
	}

	for _, ctx := range contexts {
		if rec := b.End(ctx, Outcome{}); rec == nil {
			t.Fatal("End() returned nil record")
		}
	}

	records := sink.Records()
	if len(records) != len(functionIDs) {
		t.Fatalf("emitted records=%d, want %d", len(records), len(functionIDs))
	}
	for _, rec := range records {
		if rec.FunctionID != animalFunction {
			t.Fatalf("record function=%q, want every record collapsed to %q", rec.FunctionID, animalFunction)
		}
	}
}

func TestSharedSlotBinderReportsWrongTimingForEarlierInvocations(t *testing.T) {
	t.Parallel()

	sink := &CollectSink{}
	b := NewSharedSlotBinder(WithSink(sink))

	firstCtx, first := b.Begin(context.Background(), Invocation{FunctionID: fruitFunction})
	time.Sleep(30 * time.Millisecond)
	_, _ = b.Begin(context.Background(), Invocation{FunctionID: colorFunction})

	rec := b.End(firstCtx, Outcome{})
	if rec == nil {
		t.Fatal("End() returned nil record")
	}
	if rec.FunctionID != colorFunction {
		t.Fatalf("record function=%q, want the slot's later identity %q", rec.FunctionID, colorFunction)
	}
	if !rec.StartedAt.After(first.StartedAt()) {
		t.Fatalf("record start %s should postdate the real invocation start %s", rec.StartedAt, first.StartedAt())
	}
}

func TestMultiSinkFansOutToEveryChild(t *testing.T) {
	t.Parallel()

	first := &CollectSink{}
	second := &CollectSink{}
	sink := MultiSink(first, nil, second)

	sink.Emit(context.Background(), &record.Record{ID: "rec-1"})

	if got := len(first.Records()); got != 1 {
		t.Fatalf("first sink records=%d, want 1", got)
	}
	if got := len(second.Records()); got != 1 {
		t.Fatalf("second sink records=%d, want 1", got)
	}
}

func TestWithExecutionRoundTrip(t *testing.T) {
	t.Parallel()

	exec := newExecution(Invocation{FunctionID: fruitFunction}, time.Now().UTC())
	ctx := WithExecution(context.Background(), exec)

	got, ok := FromContext(ctx)
	if !ok {
		t.Fatal("FromContext() found no execution")
	}
	if got != exec {
		t.Fatal("FromContext() returned a different execution")
	}

	if _, ok := FromContext(context.Background()); ok {
		t.Fatal("FromContext() on empty context should find nothing")
	}
}
