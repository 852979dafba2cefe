// Package sqlite implements the warehouse on a local SQLite file, for
// development and tests.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	_ "modernc.org/sqlite"

	"github.com/bobmcallan/kabuka/internal/common"
	"github.com/bobmcallan/kabuka/internal/interfaces"
	"github.com/bobmcallan/kabuka/internal/models"
	"github.com/bobmcallan/kabuka/internal/retry"
	"github.com/bobmcallan/kabuka/internal/storage/schema"
)

const timeLayout = time.RFC3339Nano

// Store is a WarehouseStore backed by SQLite.
type Store struct {
	db     *sql.DB
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

// Open opens (or creates) the database at path. Use ":memory:" for a
// throwaway database.
func Open(path, table string, logger *common.Logger, opts ...Option) (*Store, error) {
	if err := schema.ValidateIdentifier(table); err != nil {
		return nil, fmt.Errorf("sqlite: %w", err)
	}

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create data path: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection keeps temp tables and :memory: databases visible
	// to every statement.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA busy_timeout=5000", "PRAGMA journal_mode=WAL"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite %s: %w", pragma, err)
		}
	}

	s := &Store{db: db, table: table, logger: logger, policy: retry.Default, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}

	logger.Info().Str("path", path).Str("table", table).Msg("SQLite warehouse opened")
	return s, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			date           TEXT NOT NULL,
			security_code  TEXT NOT NULL,
			security_name  TEXT,
			market_code    TEXT,
			open_price     REAL,
			high_price     REAL,
			low_price      REAL,
			close_price    REAL,
			volume         INTEGER,
			turnover_value REAL,
			created_at     TEXT NOT NULL,
			updated_at     TEXT NOT NULL,
			PRIMARY KEY (date, security_code)
		)`, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_security_code ON %s(security_code)`, s.table, s.table),
	}

	err := retry.Do(ctx, s.policy, retry.IsRetryable, func(ctx context.Context) error {
		for _, stmt := range stmts {
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				return err
			}
		}
		return nil
	})
	return common.NewStoreError("ensure schema", err)
}

func (s *Store) ExistsForDate(ctx context.Context, date civil.Date) (bool, error) {
	count, err := retry.DoValue(ctx, s.policy, retry.IsRetryable, func(ctx context.Context) (int64, error) {
		var n int64
		err := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE date = ?", s.table), date.String()).Scan(&n)
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
	err := retry.Do(ctx, s.policy, retry.IsRetryable, func(ctx context.Context) error {
		return s.merge(ctx, rows, date)
	})
	if err != nil {
		return 0, common.NewStoreError("merge", err)
	}

	s.logger.Info().Str("date", date.String()).Int("count", len(rows)).Msg("Merged daily quotes")
	return len(rows), nil
}

func (s *Store) merge(ctx context.Context, rows []models.WarehouseRow, date civil.Date) (err error) {
	staging := schema.StagingName(s.table, date)
	cols := strings.Join(schema.Columns, ", ")

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
		if _, dropErr := s.db.ExecContext(context.WithoutCancel(ctx), "DROP TABLE IF EXISTS temp."+staging); dropErr != nil {
			s.logger.Warn().Err(dropErr).Str("staging", staging).Msg("Failed to drop staging table")
		}
	}()

	create := fmt.Sprintf(`CREATE TEMP TABLE %s (
		date TEXT, security_code TEXT, security_name TEXT, market_code TEXT,
		open_price REAL, high_price REAL, low_price REAL, close_price REAL,
		volume INTEGER, turnover_value REAL, created_at TEXT, updated_at TEXT
	)`, staging)
	if _, err = tx.ExecContext(ctx, create); err != nil {
		return fmt.Errorf("create staging: %w", err)
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(schema.Columns)), ", ")
	insert, err := tx.PrepareContext(ctx, fmt.Sprintf("INSERT INTO temp.%s (%s) VALUES (%s)", staging, cols, placeholders))
	if err != nil {
		return fmt.Errorf("prepare staging insert: %w", err)
	}
	defer insert.Close()

	for _, r := range rows {
		if _, err = insert.ExecContext(ctx,
			r.Date.String(), r.SecurityCode, r.SecurityName, r.MarketCode,
			r.OpenPrice, r.HighPrice, r.LowPrice, r.ClosePrice,
			r.Volume, r.TurnoverValue,
			r.CreatedAt.Format(timeLayout), r.UpdatedAt.Format(timeLayout),
		); err != nil {
			return fmt.Errorf("stage %s: %w", r.SecurityCode, err)
		}
	}

	if _, err = tx.ExecContext(ctx, upsertSQL(s.table, "temp."+staging)); err != nil {
		return fmt.Errorf("upsert: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// upsertSQL merges staging into table on the natural key. created_at is only
// written for new rows.
func upsertSQL(table, staging string) string {
	cols := strings.Join(schema.Columns, ", ")
	sets := make([]string, 0, len(schema.ValueColumns)+1)
	for _, c := range schema.ValueColumns {
		sets = append(sets, fmt.Sprintf("%s = excluded.%s", c, c))
	}
	sets = append(sets, "updated_at = excluded.updated_at")

	// WHERE true disambiguates ON CONFLICT from a join constraint.
	return fmt.Sprintf(`INSERT INTO %s (%s)
		SELECT %s FROM %s WHERE true
		ON CONFLICT(date, security_code) DO UPDATE SET %s`,
		table, cols, cols, staging, strings.Join(sets, ", "))
}

func (s *Store) ExistingDates(ctx context.Context, limit int) ([]civil.Date, error) {
	if limit <= 0 {
		limit = 30
	}
	dates, err := retry.DoValue(ctx, s.policy, retry.IsRetryable, func(ctx context.Context) ([]civil.Date, error) {
		rows, err := s.db.QueryContext(ctx, fmt.Sprintf("SELECT DISTINCT date FROM %s ORDER BY date DESC LIMIT ?", s.table), limit)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var out []civil.Date
		for rows.Next() {
			var raw string
			if err := rows.Scan(&raw); err != nil {
				return nil, err
			}
			d, err := civil.ParseDate(raw)
			if err != nil {
				return nil, fmt.Errorf("stored date %q: %w", raw, err)
			}
			out = append(out, d)
		}
		return out, rows.Err()
	})
	if err != nil {
		return nil, common.NewStoreError("existing dates", err)
	}
	return dates, nil
}

// DB exposes the connection for inspection in tests and tooling.
func (s *Store) DB() *sql.DB { return s.db }

// Table returns the destination table name.
func (s *Store) Table() string { return s.table }

func (s *Store) Close() error {
	return s.db.Close()
}

var _ interfaces.WarehouseStore = (*Store)(nil)
