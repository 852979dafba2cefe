// Package bigquery implements the warehouse on Google BigQuery.
package bigquery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/bobmcallan/kabuka/internal/common"
	"github.com/bobmcallan/kabuka/internal/interfaces"
	"github.com/bobmcallan/kabuka/internal/models"
	"github.com/bobmcallan/kabuka/internal/retry"
	"github.com/bobmcallan/kabuka/internal/storage/schema"
)

const stagingTTL = time.Hour

var labels = map[string]string{"app": "kabuka", "data": "jquants-daily-quotes"}

// Store is a WarehouseStore on a date-partitioned BigQuery table.
type Store struct {
	client  *bigquery.Client
	project string
	dataset string
	table   string
	logger  *common.Logger
	policy  retry.Policy
	now     func() time.Time
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

// NewStore opens a client for the configured project and location.
func NewStore(ctx context.Context, config *common.Config, logger *common.Logger, opts ...Option) (*Store, error) {
	for _, id := range []string{config.Warehouse.Dataset, config.Warehouse.Table} {
		if err := schema.ValidateIdentifier(id); err != nil {
			return nil, fmt.Errorf("bigquery: %w", err)
		}
	}

	var clientOpts []option.ClientOption
	if config.GCP.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(config.GCP.CredentialsFile))
	}

	client, err := bigquery.NewClient(ctx, config.GCP.ProjectID, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create bigquery client: %w", err)
	}
	client.Location = config.Warehouse.Location

	s := &Store{
		client:  client,
		project: config.GCP.ProjectID,
		dataset: config.Warehouse.Dataset,
		table:   config.Warehouse.Table,
		logger:  logger,
		policy:  retry.Default,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	logger.Info().Str("table", s.ref(s.table)).Str("location", client.Location).Msg("BigQuery warehouse connected")
	return s, nil
}

func (s *Store) ref(table string) string {
	return fmt.Sprintf("`%s.%s.%s`", s.project, s.dataset, table)
}

// tableSchema is the persisted layout. Prices are FLOAT64; the decimal
// values are narrowed at the row boundary.
func tableSchema() bigquery.Schema {
	return bigquery.Schema{
		{Name: "date", Type: bigquery.DateFieldType, Required: true, Description: "Trading date (JST)"},
		{Name: "security_code", Type: bigquery.StringFieldType, Required: true, Description: "Exchange security code"},
		{Name: "security_name", Type: bigquery.StringFieldType},
		{Name: "market_code", Type: bigquery.StringFieldType},
		{Name: "open_price", Type: bigquery.FloatFieldType},
		{Name: "high_price", Type: bigquery.FloatFieldType},
		{Name: "low_price", Type: bigquery.FloatFieldType},
		{Name: "close_price", Type: bigquery.FloatFieldType},
		{Name: "volume", Type: bigquery.IntegerFieldType},
		{Name: "turnover_value", Type: bigquery.FloatFieldType},
		{Name: "created_at", Type: bigquery.TimestampFieldType, Required: true},
		{Name: "updated_at", Type: bigquery.TimestampFieldType, Required: true},
	}
}

func tableMetadata() *bigquery.TableMetadata {
	return &bigquery.TableMetadata{
		Description: "J-Quants daily equity quotes",
		Schema:      tableSchema(),
		TimePartitioning: &bigquery.TimePartitioning{
			Type:  bigquery.DayPartitioningType,
			Field: "date",
		},
		Clustering: &bigquery.Clustering{Fields: []string{"security_code"}},
		Labels:     labels,
	}
}

func hasStatus(err error, code int) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == code
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	err := retry.Do(ctx, s.policy, retry.IsRetryable, func(ctx context.Context) error {
		ds := s.client.Dataset(s.dataset)
		if err := ds.Create(ctx, &bigquery.DatasetMetadata{Location: s.client.Location, Labels: labels}); err != nil && !hasStatus(err, http.StatusConflict) {
			return fmt.Errorf("create dataset: %w", err)
		}
		if err := ds.Table(s.table).Create(ctx, tableMetadata()); err != nil && !hasStatus(err, http.StatusConflict) {
			return fmt.Errorf("create table: %w", err)
		}
		return nil
	})
	return common.NewStoreError("ensure schema", err)
}

func (s *Store) ExistsForDate(ctx context.Context, date civil.Date) (bool, error) {
	count, err := retry.DoValue(ctx, s.policy, retry.IsRetryable, func(ctx context.Context) (int64, error) {
		q := s.client.Query(fmt.Sprintf("SELECT COUNT(*) AS n FROM %s WHERE date = @target_date", s.ref(s.table)))
		q.Parameters = []bigquery.QueryParameter{{Name: "target_date", Value: date}}

		it, err := q.Read(ctx)
		if err != nil {
			return 0, err
		}
		var row struct {
			N int64 `bigquery:"n"`
		}
		if err := it.Next(&row); err != nil {
			return 0, err
		}
		return row.N, nil
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
	var payload bytes.Buffer
	if err := writeNDJSON(&payload, rows); err != nil {
		return 0, common.NewStoreError("merge", err)
	}

	err := retry.Do(ctx, s.policy, retry.IsRetryable, func(ctx context.Context) error {
		return s.merge(ctx, payload.Bytes(), date)
	})
	if err != nil {
		return 0, common.NewStoreError("merge", err)
	}

	s.logger.Info().Str("date", date.String()).Int("count", len(rows)).Msg("Merged daily quotes")
	return len(rows), nil
}

// merge loads the payload into an expiring staging table, runs one MERGE
// into the target and drops the staging table.
func (s *Store) merge(ctx context.Context, payload []byte, date civil.Date) error {
	staging := schema.StagingName(s.table, date)
	stagingTable := s.client.Dataset(s.dataset).Table(staging)

	if err := stagingTable.Create(ctx, &bigquery.TableMetadata{
		Schema:         tableSchema(),
		ExpirationTime: s.now().Add(stagingTTL),
		Labels:         labels,
	}); err != nil {
		return fmt.Errorf("create staging: %w", err)
	}
	defer func() {
		if err := stagingTable.Delete(context.WithoutCancel(ctx)); err != nil && !hasStatus(err, http.StatusNotFound) {
			s.logger.Warn().Err(err).Str("staging", staging).Msg("Failed to delete staging table")
		}
	}()

	src := bigquery.NewReaderSource(bytes.NewReader(payload))
	src.SourceFormat = bigquery.JSON
	src.Schema = tableSchema()
	loader := stagingTable.LoaderFrom(src)
	loader.WriteDisposition = bigquery.WriteTruncate
	loader.Labels = labels

	if err := runJob(ctx, loader.Run); err != nil {
		return fmt.Errorf("load staging: %w", err)
	}

	q := s.client.Query(mergeSQL(s.ref(s.table), s.ref(staging)))
	q.Parameters = []bigquery.QueryParameter{{Name: "target_date", Value: date}}
	q.Labels = labels
	if err := runJob(ctx, q.Run); err != nil {
		return fmt.Errorf("merge: %w", err)
	}
	return nil
}

func runJob(ctx context.Context, run func(context.Context) (*bigquery.Job, error)) error {
	job, err := run(ctx)
	if err != nil {
		return err
	}
	status, err := job.Wait(ctx)
	if err != nil {
		return err
	}
	return status.Err()
}

// mergeSQL upserts staged rows on (date, security_code). The target_date
// predicate lets BigQuery prune to one partition.
func mergeSQL(target, staging string) string {
	sets := make([]string, 0, len(schema.ValueColumns)+1)
	for _, c := range schema.ValueColumns {
		sets = append(sets, fmt.Sprintf("%s = S.%s", c, c))
	}
	sets = append(sets, "updated_at = S.updated_at")

	values := make([]string, len(schema.Columns))
	for i, c := range schema.Columns {
		values[i] = "S." + c
	}

	return fmt.Sprintf(`MERGE %s T
USING %s S
ON T.date = S.date AND T.security_code = S.security_code AND T.date = @target_date
WHEN MATCHED THEN
  UPDATE SET %s
WHEN NOT MATCHED THEN
  INSERT (%s) VALUES (%s)`,
		target, staging,
		strings.Join(sets, ", "),
		strings.Join(schema.Columns, ", "), strings.Join(values, ", "))
}

// writeNDJSON emits one JSON object per row, the load-job input format.
func writeNDJSON(w io.Writer, rows []models.WarehouseRow) error {
	enc := json.NewEncoder(w)
	for i := range rows {
		if err := enc.Encode(&rows[i]); err != nil {
			return fmt.Errorf("encode row %s: %w", rows[i].SecurityCode, err)
		}
	}
	return nil
}

func (s *Store) ExistingDates(ctx context.Context, limit int) ([]civil.Date, error) {
	if limit <= 0 {
		limit = 30
	}
	dates, err := retry.DoValue(ctx, s.policy, retry.IsRetryable, func(ctx context.Context) ([]civil.Date, error) {
		q := s.client.Query(fmt.Sprintf("SELECT DISTINCT date FROM %s ORDER BY date DESC LIMIT @limit", s.ref(s.table)))
		q.Parameters = []bigquery.QueryParameter{{Name: "limit", Value: limit}}

		it, err := q.Read(ctx)
		if err != nil {
			return nil, err
		}
		var out []civil.Date
		for {
			var row struct {
				Date civil.Date `bigquery:"date"`
			}
			err := it.Next(&row)
			if errors.Is(err, iterator.Done) {
				break
			}
			if err != nil {
				return nil, err
			}
			out = append(out, row.Date)
		}
		return out, nil
	})
	if err != nil {
		return nil, common.NewStoreError("existing dates", err)
	}
	return dates, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

var _ interfaces.WarehouseStore = (*Store)(nil)
