package binder

import (
	"context"
	"log/slog"
	"sync"

	"github.com/invoketrace/invoketrace/internal/record"
)

// Sink receives finalized trace records. Implementations must be safe for
// concurrent emitters; each emitted record belongs to exactly one
// invocation.
type Sink interface {
	Emit(ctx context.Context, rec *record.Record)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, rec *record.Record)

func (f SinkFunc) Emit(ctx context.Context, rec *record.Record) {
	f(ctx, rec)
}

// NopSink discards all records.
type NopSink struct{}

func (NopSink) Emit(context.Context, *record.Record) {}

// MultiSink fans a record out to every child sink in order.
func MultiSink(sinks ...Sink) Sink {
	filtered := make([]Sink, 0, len(sinks))
	for _, sink := range sinks {
		if sink != nil {
			filtered = append(filtered, sink)
		}
	}
	return multiSink(filtered)
}

type multiSink []Sink

func (m multiSink) Emit(ctx context.Context, rec *record.Record) {
	for _, sink := range m {
		sink.Emit(ctx, rec)
	}
}

// LogSink writes one structured log line per finalized record.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Emit(ctx context.Context, rec *record.Record) {
	if s.Logger == nil || rec == nil {
		return
	}
	s.Logger.LogAttrs(ctx, slog.LevelInfo, "invocation trace",
		slog.String("record_id", rec.ID),
		slog.String("invocation_id", rec.InvocationID),
		slog.String("function_id", rec.FunctionID),
		slog.String("provider", rec.Provider),
		slog.String("model", rec.Model),
		slog.Int("total_tokens", rec.TotalTokens),
		slog.Int64("latency_ms", rec.LatencyMS),
		slog.String("error", rec.Error),
	)
}

// RecordEnqueuer is the slice of the async record writer the sink needs.
type RecordEnqueuer interface {
	Enqueue(rec *record.Record) bool
}

// WriterSink hands finalized records to the async storage writer. Drops are
// logged, never propagated: emission must not fail an invocation.
type WriterSink struct {
	Writer RecordEnqueuer
	Logger *slog.Logger
	// OnDrop, when set, observes the function id of each dropped record.
	OnDrop func(functionID string)
}

func (s WriterSink) Emit(ctx context.Context, rec *record.Record) {
	if s.Writer == nil || rec == nil {
		return
	}
	if s.Writer.Enqueue(rec) {
		return
	}
	if s.OnDrop != nil {
		s.OnDrop(rec.FunctionID)
	}
	if s.Logger != nil {
		s.Logger.WarnContext(ctx, "record queue is full; dropping record",
			"record_id", rec.ID,
			"function_id", rec.FunctionID,
		)
	}
}

// CollectSink accumulates records in memory for inspection. Used by the
// repro harness and tests to compare expected versus actual labels.
type CollectSink struct {
	mu      sync.Mutex
	records []*record.Record
}

func (s *CollectSink) Emit(_ context.Context, rec *record.Record) {
	if rec == nil {
		return
	}
	s.mu.Lock()
	s.records = append(s.records, rec)
	s.mu.Unlock()
}

// Records returns a copy of everything emitted so far.
func (s *CollectSink) Records() []*record.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*record.Record, len(s.records))
	copy(out, s.records)
	return out
}
