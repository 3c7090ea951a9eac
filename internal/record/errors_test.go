package record

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"
)

func TestClassifyWriteError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "nil error", err: nil, want: WriteErrorClassUnknown},
		{name: "deadline exceeded", err: context.DeadlineExceeded, want: WriteErrorClassTimeout},
		{name: "canceled", err: context.Canceled, want: WriteErrorClassTimeout},
		{name: "wrapped deadline", err: fmt.Errorf("write batch: %w", context.DeadlineExceeded), want: WriteErrorClassTimeout},
		{name: "net op error", err: &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}, want: WriteErrorClassConnection},
		{name: "connection refused text", err: errors.New("dial tcp 127.0.0.1:5432: connection refused"), want: WriteErrorClassConnection},
		{name: "sqlite busy", err: errors.New("SQLITE_BUSY: database is locked"), want: WriteErrorClassContention},
		{name: "unique constraint", err: errors.New("ERROR: duplicate key value violates unique constraint"), want: WriteErrorClassConstraint},
		{name: "unclassified", err: errors.New("something exploded"), want: WriteErrorClassUnknown},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := ClassifyWriteError(tt.err); got != tt.want {
				t.Fatalf("ClassifyWriteError(%v)=%q, want %q", tt.err, got, tt.want)
			}
		})
	}
}
