package interfaces

import (
	"context"
	"time"

	"cloud.google.com/go/civil"

	"github.com/bobmcallan/kabuka/internal/models"
)

// Calendar decides which dates the exchange is open.
type Calendar interface {
	IsBusinessDay(d civil.Date) bool
	LatestBusinessDay(ref civil.Date) (civil.Date, error)
	BusinessDaysInRange(start, end civil.Date) []civil.Date
	Today(now time.Time) civil.Date
}

// CredentialResolver produces a provider credential from its configured sources.
type CredentialResolver interface {
	Resolve(ctx context.Context) (models.Credential, error)
}

// IngestService runs the ingestion pipeline.
type IngestService interface {
	// Run ingests one date. Every outcome, failures included, is reported
	// in the result.
	Run(ctx context.Context, date civil.Date, force bool) models.IngestionResult

	// Backfill runs every business day in [start, end], results in date order.
	Backfill(ctx context.Context, start, end civil.Date, force bool, concurrency int) ([]models.IngestionResult, error)

	// ExistingDates lists ingested dates, newest first.
	ExistingDates(ctx context.Context, limit int) ([]civil.Date, error)
}

// TriggerProcessor turns a trigger payload into a pipeline run. The error is
// reserved for triggers that could not be run at all: a malformed date
// (*common.DateParseError) or an internal failure choosing the date.
type TriggerProcessor interface {
	Process(ctx context.Context, trigger models.Trigger) (models.IngestionResult, error)
}
