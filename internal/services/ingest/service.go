// Package ingest runs the daily quote ingestion pipeline.
package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/bobmcallan/kabuka/internal/common"
	"github.com/bobmcallan/kabuka/internal/interfaces"
	"github.com/bobmcallan/kabuka/internal/metrics"
	"github.com/bobmcallan/kabuka/internal/models"
)

// DefaultBackfillConcurrency bounds parallel dates in a backfill.
const DefaultBackfillConcurrency = 4

// StoreOpener opens a warehouse handle for one run.
type StoreOpener func(ctx context.Context) (interfaces.WarehouseStore, error)

// ClientFactory builds a market data client for one run.
type ClientFactory func() (interfaces.MarketDataClient, error)

// Service implements IngestService
type Service struct {
	calendar  interfaces.Calendar
	resolver  interfaces.CredentialResolver
	openStore StoreOpener
	newClient ClientFactory
	recorder  metrics.Recorder
	logger    *common.Logger
	now       func() time.Time
}

// NewService creates a new ingest service. A nil recorder records nothing.
func NewService(
	calendar interfaces.Calendar,
	resolver interfaces.CredentialResolver,
	openStore StoreOpener,
	newClient ClientFactory,
	recorder metrics.Recorder,
	logger *common.Logger,
) *Service {
	if recorder == nil {
		recorder = metrics.Noop{}
	}
	return &Service{
		calendar:  calendar,
		resolver:  resolver,
		openStore: openStore,
		newClient: newClient,
		recorder:  recorder,
		logger:    logger,
		now:       time.Now,
	}
}

// Run ingests one date. Every outcome is reported as a result; Run never
// returns an error.
func (s *Service) Run(ctx context.Context, date civil.Date, force bool) models.IngestionResult {
	start := s.now()
	runID := uuid.NewString()
	logger := s.logger.WithFields("run_id", runID, "date", date.String())
	ctx = common.WithLogger(ctx, logger)
	ctx = metrics.WithRecorder(ctx, s.recorder)

	logger.Info().Bool("force", force).Msg("Processing stock data")

	result := s.run(ctx, logger, date, force)
	result.RunID = runID
	result.Duration = s.now().Sub(start)

	s.recorder.RunCompleted(string(result.Status), result.Duration)
	if result.Status == models.StatusSuccess && result.Count != nil {
		s.recorder.RecordsWritten(*result.Count)
	}

	event := logger.Info()
	if result.Status == models.StatusError {
		event = logger.Error()
	}
	event.Str("status", string(result.Status)).
		Dur("duration", result.Duration).
		Msg(result.Message)

	return result
}

func (s *Service) run(ctx context.Context, logger *common.Logger, date civil.Date, force bool) models.IngestionResult {
	// Init
	if err := ctx.Err(); err != nil {
		return cancelled(date, err)
	}
	store, err := s.openStore(ctx)
	if err != nil {
		return failed(date, "failed to initialize clients", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn().Err(err).Msg("Failed to close warehouse")
		}
	}()

	// Business day gate
	if err := ctx.Err(); err != nil {
		return cancelled(date, err)
	}
	if !force && !s.calendar.IsBusinessDay(date) {
		return models.NewResult(models.StatusSkipped, date, fmt.Sprintf("%s is not a business day", date))
	}

	if err := ctx.Err(); err != nil {
		return cancelled(date, err)
	}
	if err := store.EnsureSchema(ctx); err != nil {
		return failed(date, "failed to initialize clients", err)
	}

	// Existence gate
	if !force {
		if err := ctx.Err(); err != nil {
			return cancelled(date, err)
		}
		exists, err := store.ExistsForDate(ctx, date)
		switch {
		case err != nil:
			logger.Warn().Err(err).Msg("Failed to check existing data")
		case exists:
			return models.NewResult(models.StatusSkipped, date, fmt.Sprintf("data for %s already exists", date))
		}
	}

	// Authenticate and fetch
	if err := ctx.Err(); err != nil {
		return cancelled(date, err)
	}
	records, result, ok := s.fetch(ctx, logger, date)
	if !ok {
		return result
	}

	// Persist
	if err := ctx.Err(); err != nil {
		return cancelled(date, err)
	}
	count, err := store.MergeUpsert(ctx, records, date)
	if err != nil {
		return failed(date, "failed to store data", err)
	}

	return models.NewCountedResult(models.StatusSuccess, date,
		fmt.Sprintf("successfully processed %d stock prices", count), count)
}

// fetch authenticates a fresh client and fetches date. The client is closed
// before fetch returns on every path. ok is false when result is terminal.
func (s *Service) fetch(ctx context.Context, logger *common.Logger, date civil.Date) (records []models.PriceRecord, result models.IngestionResult, ok bool) {
	client, err := s.newClient()
	if err != nil {
		return nil, failed(date, "failed to initialize clients", err), false
	}
	defer func() {
		if err := client.Close(); err != nil {
			logger.Warn().Err(err).Msg("Failed to release market data client")
		}
	}()

	cred, err := s.resolver.Resolve(ctx)
	if err != nil {
		return nil, failed(date, "authentication failed", err), false
	}
	logger.Debug().Str("source", cred.Source).Msg("Credential resolved")

	if err := ctx.Err(); err != nil {
		return nil, cancelled(date, err), false
	}
	if err := client.Authenticate(ctx, cred); err != nil {
		return nil, failed(date, "authentication failed", err), false
	}

	if err := ctx.Err(); err != nil {
		return nil, cancelled(date, err), false
	}
	records, err = client.FetchDailyQuotes(ctx, date)
	if err != nil {
		return nil, failed(date, "failed to fetch data", err), false
	}
	if len(records) == 0 {
		return nil, models.NewCountedResult(models.StatusNoData, date,
			fmt.Sprintf("no stock data available for %s", date), 0), false
	}

	logger.Info().Int("count", len(records)).Msg("Fetched stock prices")
	return records, models.IngestionResult{}, true
}

func failed(date civil.Date, what string, err error) models.IngestionResult {
	return models.NewResult(models.StatusError, date, fmt.Sprintf("%s: %v", what, err))
}

func cancelled(date civil.Date, err error) models.IngestionResult {
	return models.NewResult(models.StatusError, date, fmt.Sprintf("run cancelled: %v", err))
}

// Backfill runs every business day in [start, end]. Dates run in parallel,
// at most concurrency at a time; results come back in date order. The
// error is non-nil only for an invalid range or a cancelled context.
func (s *Service) Backfill(ctx context.Context, start, end civil.Date, force bool, concurrency int) ([]models.IngestionResult, error) {
	if end.Before(start) {
		return nil, fmt.Errorf("backfill range end %s is before start %s", end, start)
	}
	if concurrency <= 0 {
		concurrency = DefaultBackfillConcurrency
	}

	dates := s.calendar.BusinessDaysInRange(start, end)
	s.logger.Info().
		Str("start", start.String()).
		Str("end", end.String()).
		Int("dates", len(dates)).
		Int("concurrency", concurrency).
		Msg("Starting backfill")

	results := make([]models.IngestionResult, len(dates))
	var mu sync.Mutex
	summary := map[models.Status]int{}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i, date := range dates {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				results[i] = cancelled(date, err)
				return err
			}
			results[i] = s.Run(gctx, date, force)
			mu.Lock()
			summary[results[i].Status]++
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()

	s.logger.Info().
		Int("success", summary[models.StatusSuccess]).
		Int("skipped", summary[models.StatusSkipped]).
		Int("no_data", summary[models.StatusNoData]).
		Int("error", summary[models.StatusError]).
		Msg("Backfill finished")

	return results, err
}

// ExistingDates lists ingested dates, newest first.
func (s *Service) ExistingDates(ctx context.Context, limit int) ([]civil.Date, error) {
	store, err := s.openStore(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := store.Close(); err != nil {
			common.LoggerFromOr(ctx, s.logger).Warn().Err(err).Msg("Failed to close warehouse")
		}
	}()

	if err := store.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	return store.ExistingDates(ctx, limit)
}

var _ interfaces.IngestService = (*Service)(nil)
