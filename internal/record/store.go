package record

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("record store entry not found")
var ErrInvalidCursor = errors.New("record cursor is invalid")

// RecordStore persists and queries completed invocation records.
type RecordStore interface {
	WriteRecord(ctx context.Context, record *Record) error
	WriteBatch(ctx context.Context, records []*Record) error
	GetRecord(ctx context.Context, id string) (*Record, error)
	QueryRecords(ctx context.Context, filter RecordFilter) (*RecordResult, error)
	CountByFunction(ctx context.Context, filter RecordFilter) ([]FunctionStats, error)
}

type RecordFilter struct {
	FunctionID   string
	InvocationID string
	Provider     string
	Model        string
	From         time.Time
	To           time.Time
	Limit        int
	Cursor       string
}

type RecordResult struct {
	Items      []*Record
	NextCursor string
}

type FunctionStats struct {
	FunctionID   string
	RecordCount  int64
	AvgLatencyMS float64
	TotalTokens  int64
}
