package surrealdb

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/civil"
	"github.com/surrealdb/surrealdb.go"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"

	"github.com/bobmcallan/kabuka/internal/common"
	"github.com/bobmcallan/kabuka/internal/interfaces"
	"github.com/bobmcallan/kabuka/internal/models"
	"github.com/bobmcallan/kabuka/internal/retry"
	"github.com/bobmcallan/kabuka/internal/storage/schema"
)

// Store implements interfaces.WarehouseStore on SurrealDB. Rows are keyed by
// the record ID [date, security_code] so upserts address the natural key.
type Store struct {
	db     *surrealdb.DB
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

// NewStore connects, signs in and selects the namespace and database.
func NewStore(ctx context.Context, config common.SurrealConfig, table string, logger *common.Logger, opts ...Option) (*Store, error) {
	if err := schema.ValidateIdentifier(table); err != nil {
		return nil, fmt.Errorf("surrealdb: %w", err)
	}

	db, err := surrealdb.New(config.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SurrealDB: %w", err)
	}

	if _, err := db.SignIn(ctx, map[string]interface{}{
		"user": config.Username,
		"pass": config.Password,
	}); err != nil {
		db.Close(ctx)
		return nil, fmt.Errorf("failed to sign in to SurrealDB: %w", err)
	}

	if err := db.Use(ctx, config.Namespace, config.Database); err != nil {
		db.Close(ctx)
		return nil, fmt.Errorf("failed to select namespace/database: %w", err)
	}

	s := NewStoreWithDB(db, table, logger, opts...)

	logger.Info().
		Str("address", config.Address).
		Str("namespace", config.Namespace).
		Str("database", config.Database).
		Str("table", table).
		Msg("SurrealDB warehouse connected")

	return s, nil
}

// NewStoreWithDB wraps an already connected handle.
func NewStoreWithDB(db *surrealdb.DB, table string, logger *common.Logger, opts ...Option) *Store {
	s := &Store{db: db, table: table, logger: logger, policy: retry.Default, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// quoteRow is the stored document. Target is the record the staged row is
// merged into.
type quoteRow struct {
	Target        *surrealmodels.RecordID `json:"target,omitempty"`
	Date          string                  `json:"date"`
	SecurityCode  string                  `json:"security_code"`
	SecurityName  *string                 `json:"security_name"`
	MarketCode    *string                 `json:"market_code"`
	OpenPrice     *float64                `json:"open_price"`
	HighPrice     *float64                `json:"high_price"`
	LowPrice      *float64                `json:"low_price"`
	ClosePrice    *float64                `json:"close_price"`
	Volume        *int64                  `json:"volume"`
	TurnoverValue *float64                `json:"turnover_value"`
	CreatedAt     time.Time               `json:"created_at"`
	UpdatedAt     time.Time               `json:"updated_at"`
}

func (s *Store) recordID(date civil.Date, code string) surrealmodels.RecordID {
	return surrealmodels.NewRecordID(s.table, []any{date.String(), code})
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf("DEFINE TABLE IF NOT EXISTS %s SCHEMALESS", s.table),
		fmt.Sprintf("DEFINE INDEX IF NOT EXISTS %s_date ON %s FIELDS date", s.table, s.table),
		fmt.Sprintf("DEFINE INDEX IF NOT EXISTS %s_security_code ON %s FIELDS security_code", s.table, s.table),
	}
	err := retry.Do(ctx, s.policy, retry.IsRetryable, func(ctx context.Context) error {
		for _, sql := range stmts {
			if _, err := surrealdb.Query[any](ctx, s.db, sql, nil); err != nil {
				return err
			}
		}
		return nil
	})
	return common.NewStoreError("ensure schema", err)
}

func (s *Store) ExistsForDate(ctx context.Context, date civil.Date) (bool, error) {
	count, err := retry.DoValue(ctx, s.policy, retry.IsRetryable, func(ctx context.Context) (int, error) {
		return s.count(ctx, date)
	})
	if err != nil {
		return false, common.NewStoreError("exists for date", err)
	}
	return count > 0, nil
}

func (s *Store) count(ctx context.Context, date civil.Date) (int, error) {
	type countResult struct {
		Count int `json:"count"`
	}
	sql := fmt.Sprintf("SELECT count() AS count FROM %s WHERE date = $date GROUP ALL", s.table)
	results, err := surrealdb.Query[[]countResult](ctx, s.db, sql, map[string]any{"date": date.String()})
	if err != nil {
		return 0, err
	}
	if results != nil && len(*results) > 0 && len((*results)[0].Result) > 0 {
		return (*results)[0].Result[0].Count, nil
	}
	return 0, nil
}

func (s *Store) MergeUpsert(ctx context.Context, records []models.PriceRecord, date civil.Date) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	if err := schema.CheckDates(records, date); err != nil {
		return 0, common.NewStoreError("merge", err)
	}

	rows := schema.Rows(records, s.now())
	docs := make([]quoteRow, len(rows))
	for i, r := range rows {
		target := s.recordID(r.Date, r.SecurityCode)
		docs[i] = quoteRow{
			Target:        &target,
			Date:          r.Date.String(),
			SecurityCode:  r.SecurityCode,
			SecurityName:  r.SecurityName,
			MarketCode:    r.MarketCode,
			OpenPrice:     r.OpenPrice,
			HighPrice:     r.HighPrice,
			LowPrice:      r.LowPrice,
			ClosePrice:    r.ClosePrice,
			Volume:        r.Volume,
			TurnoverValue: r.TurnoverValue,
			CreatedAt:     r.CreatedAt,
			UpdatedAt:     r.UpdatedAt,
		}
	}

	err := retry.Do(ctx, s.policy, retry.IsRetryable, func(ctx context.Context) error {
		return s.merge(ctx, docs, date)
	})
	if err != nil {
		return 0, common.NewStoreError("merge", err)
	}

	s.logger.Info().Str("date", date.String()).Int("count", len(docs)).Msg("Merged daily quotes")
	return len(docs), nil
}

// merge stages docs in a per-call table and folds them into the target in
// one transaction. The staging table is removed whatever the outcome.
func (s *Store) merge(ctx context.Context, docs []quoteRow, date civil.Date) error {
	staging := schema.StagingName(s.table, date)
	defer func() {
		cleanup := fmt.Sprintf("REMOVE TABLE IF EXISTS %s", staging)
		if _, err := surrealdb.Query[any](context.WithoutCancel(ctx), s.db, cleanup, nil); err != nil {
			s.logger.Warn().Err(err).Str("staging", staging).Msg("Failed to remove staging table")
		}
	}()

	_, err := surrealdb.Query[any](ctx, s.db, mergeSQL(staging), map[string]any{"rows": docs})
	return err
}

func mergeSQL(staging string) string {
	return fmt.Sprintf(`BEGIN TRANSACTION;
DEFINE TABLE %[1]s SCHEMALESS;
INSERT INTO %[1]s $rows;
FOR $r IN (SELECT * FROM %[1]s) {
	UPSERT $r.target SET
		date = $r.date,
		security_code = $r.security_code,
		security_name = $r.security_name,
		market_code = $r.market_code,
		open_price = $r.open_price,
		high_price = $r.high_price,
		low_price = $r.low_price,
		close_price = $r.close_price,
		volume = $r.volume,
		turnover_value = $r.turnover_value,
		created_at = created_at ?? $r.created_at,
		updated_at = $r.updated_at;
};
REMOVE TABLE %[1]s;
COMMIT TRANSACTION;`, staging)
}

func (s *Store) ExistingDates(ctx context.Context, limit int) ([]civil.Date, error) {
	if limit <= 0 {
		limit = 30
	}
	type dateResult struct {
		Date string `json:"date"`
	}
	sql := fmt.Sprintf("SELECT date FROM %s GROUP BY date ORDER BY date DESC LIMIT $limit", s.table)

	dates, err := retry.DoValue(ctx, s.policy, retry.IsRetryable, func(ctx context.Context) ([]civil.Date, error) {
		results, err := surrealdb.Query[[]dateResult](ctx, s.db, sql, map[string]any{"limit": limit})
		if err != nil {
			return nil, err
		}
		var out []civil.Date
		if results != nil && len(*results) > 0 {
			for _, r := range (*results)[0].Result {
				d, err := civil.ParseDate(r.Date)
				if err != nil {
					return nil, fmt.Errorf("stored date %q: %w", r.Date, err)
				}
				out = append(out, d)
			}
		}
		return out, nil
	})
	if err != nil {
		return nil, common.NewStoreError("existing dates", err)
	}
	return dates, nil
}

// DB returns the underlying handle.
func (s *Store) DB() *surrealdb.DB { return s.db }

// Table returns the destination table name.
func (s *Store) Table() string { return s.table }

func (s *Store) Close() error {
	return s.db.Close(context.Background())
}

var _ interfaces.WarehouseStore = (*Store)(nil)
