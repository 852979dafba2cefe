package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/civil"

	"github.com/bobmcallan/kabuka/internal/calendar"
	"github.com/bobmcallan/kabuka/internal/common"
	"github.com/bobmcallan/kabuka/internal/interfaces"
	"github.com/bobmcallan/kabuka/internal/models"
)

// Dispatcher resolves the target date of a trigger and runs the pipeline.
type Dispatcher struct {
	calendar interfaces.Calendar
	ingest   interfaces.IngestService
	logger   *common.Logger
	now      func() time.Time
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(cal interfaces.Calendar, ingest interfaces.IngestService, logger *common.Logger) *Dispatcher {
	return &Dispatcher{calendar: cal, ingest: ingest, logger: logger, now: time.Now}
}

// TargetDate parses the trigger date, or picks the latest business day in
// Tokyo when it is absent.
func (d *Dispatcher) TargetDate(raw *string) (civil.Date, error) {
	if raw != nil && strings.TrimSpace(*raw) != "" {
		return calendar.ParseDate(*raw)
	}
	date, err := d.calendar.LatestBusinessDay(d.calendar.Today(d.now()))
	if err != nil {
		return civil.Date{}, fmt.Errorf("failed to determine target date: %w", err)
	}
	return date, nil
}

// Process runs the pipeline for trigger.
func (d *Dispatcher) Process(ctx context.Context, trigger models.Trigger) (models.IngestionResult, error) {
	date, err := d.TargetDate(trigger.Date)
	if err != nil {
		return models.IngestionResult{}, err
	}

	d.logger.Info().
		Str("trigger_type", trigger.TriggerType).
		Str("date", date.String()).
		Bool("force", trigger.Force).
		Msg("Received trigger")

	return d.ingest.Run(ctx, date, trigger.Force), nil
}

var _ interfaces.TriggerProcessor = (*Dispatcher)(nil)
