// Package postgres implements the warehouse on PostgreSQL via pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bobmcallan/kabuka/internal/common"
	"github.com/bobmcallan/kabuka/internal/interfaces"
	"github.com/bobmcallan/kabuka/internal/models"
	"github.com/bobmcallan/kabuka/internal/retry"
	"github.com/bobmcallan/kabuka/internal/storage/schema"
)

// Store is a WarehouseStore backed by a pgx connection pool.
type Store struct {
	pool   *pgxpool.Pool
	table  string
	logger *common.Logger
	policy retry.Policy
	now    func() time.Time
}

// Option configures the store.
type Option func(*Store)

// WithClock sets the time source for created_at/updated_at.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithRetryPolicy overrides the retry policy.
func WithRetryPolicy(p retry.Policy) Option {
	return func(s *Store) { s.policy = p }
}

// Open connects a pool to dsn.
func Open(ctx context.Context, dsn, table string, maxConns int32, logger *common.Logger, opts ...Option) (*Store, error) {
	if err := schema.ValidateIdentifier(table); err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}
	if maxConns > 0 {
		poolConfig.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	s := &Store{pool: pool, table: table, logger: logger, policy: retry.Default, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}

	logger.Info().Str("host", poolConfig.ConnConfig.Host).Str("table", table).Msg("Postgres warehouse connected")
	return s, nil
}

// isRetryable extends the shared classifier with Postgres connection and
// serialization failures.
func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"), // connection exception
			pgErr.Code == "40001", // serialization_failure
			pgErr.Code == "40P01", // deadlock_detected
			pgErr.Code == "57P03": // cannot_connect_now
			return true
		}
		return false
	}
	return retry.IsRetryable(err)
}

// alreadyExists reports the races CREATE ... IF NOT EXISTS can still lose.
func alreadyExists(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && (pgErr.Code == "23505" || pgErr.Code == "42P07")
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			date           DATE NOT NULL,
			security_code  TEXT NOT NULL,
			security_name  TEXT,
			market_code    TEXT,
			open_price     DOUBLE PRECISION,
			high_price     DOUBLE PRECISION,
			low_price      DOUBLE PRECISION,
			close_price    DOUBLE PRECISION,
			volume         BIGINT CHECK (volume >= 0),
			turnover_value DOUBLE PRECISION CHECK (turnover_value >= 0),
			created_at     TIMESTAMPTZ NOT NULL,
			updated_at     TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (date, security_code)
		)`, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_security_code ON %s (security_code)`, s.table, s.table),
	}

	err := retry.Do(ctx, s.policy, isRetryable, func(ctx context.Context) error {
		for _, stmt := range stmts {
			if _, err := s.pool.Exec(ctx, stmt); err != nil && !alreadyExists(err) {
				return err
			}
		}
		return nil
	})
	return common.NewStoreError("ensure schema", err)
}

func (s *Store) ExistsForDate(ctx context.Context, date civil.Date) (bool, error) {
	count, err := retry.DoValue(ctx, s.policy, isRetryable, func(ctx context.Context) (int64, error) {
		var n int64
		err := s.pool.QueryRow(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE date = $1", s.table), dateValue(date)).Scan(&n)
		return n, err
	})
	if err != nil {
		return false, common.NewStoreError("exists for date", err)
	}
	return count > 0, nil
}

func (s *Store) MergeUpsert(ctx context.Context, records []models.PriceRecord, date civil.Date) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	if err := schema.CheckDates(records, date); err != nil {
		return 0, common.NewStoreError("merge", err)
	}

	rows := schema.Rows(records, s.now())
	err := retry.Do(ctx, s.policy, isRetryable, func(ctx context.Context) error {
		return s.merge(ctx, rows, date)
	})
	if err != nil {
		return 0, common.NewStoreError("merge", err)
	}

	s.logger.Info().Str("date", date.String()).Int("count", len(rows)).Msg("Merged daily quotes")
	return len(rows), nil
}

// merge stages rows in a transaction-scoped temp table and upserts them in
// one statement. The temp table is dropped at commit and discarded on rollback.
func (s *Store) merge(ctx context.Context, rows []models.WarehouseRow, date civil.Date) error {
	staging := schema.StagingName(s.table, date)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err := tx.Rollback(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			s.logger.Warn().Err(err).Str("staging", staging).Msg("Failed to roll back staging transaction")
		}
	}()

	create := fmt.Sprintf("CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP", staging, s.table)
	if _, err := tx.Exec(ctx, create); err != nil {
		return fmt.Errorf("create staging: %w", err)
	}

	copied, err := tx.CopyFrom(ctx,
		pgx.Identifier{staging},
		schema.Columns,
		pgx.CopyFromSlice(len(rows), func(i int) ([]any, error) {
			r := rows[i]
			return []any{
				dateValue(r.Date), r.SecurityCode, r.SecurityName, r.MarketCode,
				r.OpenPrice, r.HighPrice, r.LowPrice, r.ClosePrice,
				r.Volume, r.TurnoverValue, r.CreatedAt, r.UpdatedAt,
			}, nil
		}),
	)
	if err != nil {
		return fmt.Errorf("copy to staging: %w", err)
	}
	if int(copied) != len(rows) {
		return fmt.Errorf("copy to staging: wrote %d of %d rows", copied, len(rows))
	}

	if _, err := tx.Exec(ctx, upsertSQL(s.table, staging)); err != nil {
		return fmt.Errorf("upsert: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func upsertSQL(table, staging string) string {
	cols := strings.Join(schema.Columns, ", ")
	sets := make([]string, 0, len(schema.ValueColumns)+1)
	for _, c := range schema.ValueColumns {
		sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", c, c))
	}
	sets = append(sets, "updated_at = EXCLUDED.updated_at")

	return fmt.Sprintf(`INSERT INTO %s (%s)
		SELECT %s FROM %s
		ON CONFLICT (date, security_code) DO UPDATE SET %s`,
		table, cols, cols, staging, strings.Join(sets, ", "))
}

func (s *Store) ExistingDates(ctx context.Context, limit int) ([]civil.Date, error) {
	if limit <= 0 {
		limit = 30
	}
	dates, err := retry.DoValue(ctx, s.policy, isRetryable, func(ctx context.Context) ([]civil.Date, error) {
		rows, err := s.pool.Query(ctx, fmt.Sprintf("SELECT DISTINCT date FROM %s ORDER BY date DESC LIMIT $1", s.table), limit)
		if err != nil {
			return nil, err
		}
		times, err := pgx.CollectRows(rows, pgx.RowTo[time.Time])
		if err != nil {
			return nil, err
		}
		out := make([]civil.Date, len(times))
		for i, t := range times {
			out[i] = civil.DateOf(t)
		}
		return out, nil
	})
	if err != nil {
		return nil, common.NewStoreError("existing dates", err)
	}
	return dates, nil
}

// dateValue converts to the time.Time pgx encodes as DATE.
func dateValue(d civil.Date) time.Time {
	return d.In(time.UTC)
}

// Pool exposes the pool for inspection in tests and tooling.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Table returns the destination table name.
func (s *Store) Table() string { return s.table }

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

var _ interfaces.WarehouseStore = (*Store)(nil)
