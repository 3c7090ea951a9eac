package record

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/invoketrace/invoketrace/migrations"

	_ "modernc.org/sqlite"
)

const (
	sqliteBusyMaxRetries     = 5
	sqliteBusyInitialBackoff = 5 * time.Millisecond
	sqliteBusyMaxBackoff     = 100 * time.Millisecond
)

type SQLiteStore struct {
	Path string
	db   *sql.DB
	// SQLite allows only one writer at a time; serialize writes to avoid
	// SQLITE_BUSY contention when callers invoke WriteRecord/WriteBatch
	// concurrently.
	writeMu sync.Mutex
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path cannot be empty")
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory %q: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database %q: %w", path, err)
	}

	store := &SQLiteStore{
		Path: path,
		db:   db,
	}

	if err := store.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := migrations.Apply(context.Background(), db, migrations.DriverSQLite); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply sqlite migrations: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) configure() error {
	if _, err := s.db.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		return fmt.Errorf("enable sqlite WAL mode: %w", err)
	}
	if _, err := s.db.Exec(`PRAGMA synchronous = NORMAL;`); err != nil {
		return fmt.Errorf("set sqlite synchronous mode: %w", err)
	}
	if _, err := s.db.Exec(`PRAGMA busy_timeout = 5000;`); err != nil {
		return fmt.Errorf("set sqlite busy timeout: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const recordColumns = `
    id,
    invocation_id,
    function_id,
    provider,
    model,
    prompt,
    completion,
    input_tokens,
    output_tokens,
    total_tokens,
    started_at,
    completed_at,
    latency_ms,
    parent_id,
    error,
    metadata,
    created_at`

func (s *SQLiteStore) WriteRecord(ctx context.Context, record *Record) error {
	if record == nil {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	row := normalizeRecord(record)
	err := retrySQLiteBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO records (`+recordColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			recordArgs(row)...,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("write record %q: %w", row.ID, err)
	}
	return nil
}

func (s *SQLiteStore) WriteBatch(ctx context.Context, records []*Record) error {
	if len(records) == 0 {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return retrySQLiteBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin batch transaction: %w", err)
		}

		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO records (`+recordColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("prepare batch insert: %w", err)
		}
		defer stmt.Close()

		for _, item := range records {
			if item == nil {
				continue
			}
			row := normalizeRecord(item)
			if _, err := stmt.ExecContext(ctx, recordArgs(row)...); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("insert record %q: %w", row.ID, err)
			}
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit batch transaction: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStore) GetRecord(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM records WHERE id = ?`, id)
	item, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get record %q: %w", id, err)
	}
	return item, nil
}

func (s *SQLiteStore) QueryRecords(ctx context.Context, filter RecordFilter) (*RecordResult, error) {
	limit := clampLimit(filter.Limit)

	whereSQL, args, err := buildRecordWhere(filter, sqlitePlaceholder)
	if err != nil {
		return nil, err
	}
	args = append(args, limit+1)

	query := `SELECT ` + recordColumns + ` FROM records WHERE ` + whereSQL +
		` ORDER BY created_at DESC, id DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	items, err := collectRecords(rows, limit)
	if err != nil {
		return nil, err
	}

	return paginate(items, limit), nil
}

func (s *SQLiteStore) CountByFunction(ctx context.Context, filter RecordFilter) ([]FunctionStats, error) {
	whereSQL, args, err := buildRecordWhere(filter, sqlitePlaceholder)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT function_id, COUNT(*), AVG(latency_ms), COALESCE(SUM(total_tokens), 0)
FROM records
WHERE `+whereSQL+`
GROUP BY function_id
ORDER BY function_id`, args...)
	if err != nil {
		return nil, fmt.Errorf("count records by function: %w", err)
	}
	defer rows.Close()

	return collectFunctionStats(rows)
}

// retrySQLiteBusy retries transient lock contention so queued records are not
// dropped during concurrent writes.
func retrySQLiteBusy(ctx context.Context, fn func() error) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var (
		err   error
		timer *time.Timer
	)
	stopTimer := func() {
		if timer == nil {
			return
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}
	defer stopTimer()

	for retries := 0; ; retries++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !isSQLiteBusyError(err) || retries >= sqliteBusyMaxRetries {
			return err
		}

		wait := sqliteBusyInitialBackoff << retries
		if wait > sqliteBusyMaxBackoff {
			wait = sqliteBusyMaxBackoff
		}

		if timer == nil {
			timer = time.NewTimer(wait)
		} else {
			stopTimer()
			timer.Reset(wait)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func isSQLiteBusyError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "sqlite_busy") || strings.Contains(msg, "database is locked")
}

func sqlitePlaceholder(int) string { return "?" }

func normalizeRecord(record *Record) *Record {
	row := *record
	if row.ID == "" {
		row.ID = NewID()
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	if row.Metadata == "" {
		row.Metadata = "{}"
	}
	if row.LatencyMS == 0 && !row.StartedAt.IsZero() && !row.CompletedAt.IsZero() {
		row.LatencyMS = row.CompletedAt.Sub(row.StartedAt).Milliseconds()
	}
	row.StartedAt = row.StartedAt.UTC()
	row.CompletedAt = row.CompletedAt.UTC()
	row.CreatedAt = row.CreatedAt.UTC()
	return &row
}

func recordArgs(row *Record) []any {
	return []any{
		row.ID,
		row.InvocationID,
		row.FunctionID,
		row.Provider,
		row.Model,
		row.Prompt,
		row.Completion,
		row.InputTokens,
		row.OutputTokens,
		row.TotalTokens,
		row.StartedAt,
		row.CompletedAt,
		row.LatencyMS,
		row.ParentID,
		row.Error,
		row.Metadata,
		row.CreatedAt,
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(scanner rowScanner) (*Record, error) {
	var item Record
	err := scanner.Scan(
		&item.ID,
		&item.InvocationID,
		&item.FunctionID,
		&item.Provider,
		&item.Model,
		&item.Prompt,
		&item.Completion,
		&item.InputTokens,
		&item.OutputTokens,
		&item.TotalTokens,
		&item.StartedAt,
		&item.CompletedAt,
		&item.LatencyMS,
		&item.ParentID,
		&item.Error,
		&item.Metadata,
		&item.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	item.StartedAt = item.StartedAt.UTC()
	item.CompletedAt = item.CompletedAt.UTC()
	item.CreatedAt = item.CreatedAt.UTC()
	return &item, nil
}

func collectRecords(rows *sql.Rows, limit int) ([]*Record, error) {
	items := make([]*Record, 0, limit+1)
	for rows.Next() {
		item, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record row: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate record rows: %w", err)
	}
	return items, nil
}

func collectFunctionStats(rows *sql.Rows) ([]FunctionStats, error) {
	stats := make([]FunctionStats, 0, 8)
	for rows.Next() {
		var item FunctionStats
		var avgLatency sql.NullFloat64
		if err := rows.Scan(&item.FunctionID, &item.RecordCount, &avgLatency, &item.TotalTokens); err != nil {
			return nil, fmt.Errorf("scan function stats row: %w", err)
		}
		item.AvgLatencyMS = avgLatency.Float64
		stats = append(stats, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate function stats rows: %w", err)
	}
	return stats, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 200 {
		return 200
	}
	return limit
}

func paginate(items []*Record, limit int) *RecordResult {
	nextCursor := ""
	if len(items) > limit {
		items = items[:limit]
		last := items[len(items)-1]
		nextCursor = encodeRecordCursor(last.CreatedAt, last.ID)
	}
	return &RecordResult{
		Items:      items,
		NextCursor: nextCursor,
	}
}

// buildRecordWhere renders filter conditions using the driver's placeholder
// style so sqlite and postgres can share filter semantics.
func buildRecordWhere(filter RecordFilter, placeholder func(int) string) (string, []any, error) {
	conditions := make([]string, 0, 8)
	args := make([]any, 0, 8)
	next := func() string {
		return placeholder(len(args))
	}

	if filter.FunctionID != "" {
		args = append(args, filter.FunctionID)
		conditions = append(conditions, "function_id = "+next())
	}
	if filter.InvocationID != "" {
		args = append(args, filter.InvocationID)
		conditions = append(conditions, "invocation_id = "+next())
	}
	if filter.Provider != "" {
		args = append(args, filter.Provider)
		conditions = append(conditions, "provider = "+next())
	}
	if filter.Model != "" {
		args = append(args, filter.Model)
		conditions = append(conditions, "model = "+next())
	}
	if !filter.From.IsZero() {
		args = append(args, filter.From.UTC())
		conditions = append(conditions, "created_at >= "+next())
	}
	if !filter.To.IsZero() {
		args = append(args, filter.To.UTC())
		conditions = append(conditions, "created_at <= "+next())
	}
	if filter.Cursor != "" {
		createdAt, id, err := decodeRecordCursor(filter.Cursor)
		if err != nil {
			return "", nil, err
		}
		args = append(args, createdAt)
		first := next()
		args = append(args, createdAt)
		second := next()
		args = append(args, id)
		third := next()
		conditions = append(conditions,
			"(created_at < "+first+" OR (created_at = "+second+" AND id < "+third+"))")
	}

	if len(conditions) == 0 {
		return "1 = 1", args, nil
	}
	return strings.Join(conditions, " AND "), args, nil
}

func encodeRecordCursor(createdAt time.Time, id string) string {
	if createdAt.IsZero() || id == "" {
		return ""
	}
	raw := createdAt.UTC().Format(time.RFC3339Nano) + "|" + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeRecordCursor(cursor string) (time.Time, string, error) {
	payload, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("%w: decode base64 cursor", ErrInvalidCursor)
	}
	parts := strings.SplitN(string(payload), "|", 2)
	if len(parts) != 2 || strings.TrimSpace(parts[1]) == "" {
		return time.Time{}, "", fmt.Errorf("%w: missing id", ErrInvalidCursor)
	}
	createdAt, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(parts[0]))
	if err != nil {
		return time.Time{}, "", fmt.Errorf("%w: parse created_at", ErrInvalidCursor)
	}
	return createdAt.UTC(), strings.TrimSpace(parts[1]), nil
}
