package record

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/invoketrace/invoketrace/migrations"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

type PostgresStore struct {
	DSN string
	db  *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres dsn cannot be empty")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres database: %w", err)
	}

	store := &PostgresStore{
		DSN: dsn,
		db:  db,
	}
	if err := store.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := migrations.Apply(context.Background(), db, migrations.DriverPostgres); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply postgres migrations: %w", err)
	}

	return store, nil
}

func (s *PostgresStore) configure() error {
	s.db.SetMaxOpenConns(8)
	s.db.SetMaxIdleConns(4)
	s.db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping postgres database: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func postgresPlaceholder(n int) string { return "$" + strconv.Itoa(n) }

func postgresInsertSQL() string {
	placeholders := make([]string, 0, 17)
	for i := 1; i <= 17; i++ {
		placeholders = append(placeholders, postgresPlaceholder(i))
	}
	return `INSERT INTO records (` + recordColumns + `) VALUES (` + strings.Join(placeholders, ", ") + `)`
}

func (s *PostgresStore) WriteRecord(ctx context.Context, record *Record) error {
	if record == nil {
		return nil
	}

	row := normalizeRecord(record)
	if _, err := s.db.ExecContext(ctx, postgresInsertSQL(), recordArgs(row)...); err != nil {
		if isPostgresDuplicateKey(err) {
			// Re-emission of an already persisted record is not an error.
			return nil
		}
		return fmt.Errorf("write record %q: %w", row.ID, err)
	}
	return nil
}

func (s *PostgresStore) WriteBatch(ctx context.Context, records []*Record) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin batch transaction: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, postgresInsertSQL())
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
}

func (s *PostgresStore) GetRecord(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM records WHERE id = $1`, id)
	item, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get record %q: %w", id, err)
	}
	return item, nil
}

func (s *PostgresStore) QueryRecords(ctx context.Context, filter RecordFilter) (*RecordResult, error) {
	limit := clampLimit(filter.Limit)

	whereSQL, args, err := buildRecordWhere(filter, postgresPlaceholder)
	if err != nil {
		return nil, err
	}
	args = append(args, limit+1)
	limitPlaceholder := postgresPlaceholder(len(args))

	query := `SELECT ` + recordColumns + ` FROM records WHERE ` + whereSQL +
		` ORDER BY created_at DESC, id DESC LIMIT ` + limitPlaceholder
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

func (s *PostgresStore) CountByFunction(ctx context.Context, filter RecordFilter) ([]FunctionStats, error) {
	whereSQL, args, err := buildRecordWhere(filter, postgresPlaceholder)
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

func isPostgresDuplicateKey(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
