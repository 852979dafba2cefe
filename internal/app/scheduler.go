package app

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/bobmcallan/kabuka/internal/calendar"
	"github.com/bobmcallan/kabuka/internal/common"
	"github.com/bobmcallan/kabuka/internal/interfaces"
	"github.com/bobmcallan/kabuka/internal/models"
)

// scheduledRunTimeout bounds one scheduled run.
const scheduledRunTimeout = 30 * time.Minute

// Scheduler fires a scheduled trigger on the configured cron spec. A tick
// that arrives while the previous run is still going is skipped.
type Scheduler struct {
	cron      *cron.Cron
	spec      string
	processor interfaces.TriggerProcessor
	logger    *common.Logger
}

// NewScheduler parses the cron spec in the configured timezone.
func NewScheduler(cfg common.SchedulerConfig, processor interfaces.TriggerProcessor, logger *common.Logger) (*Scheduler, error) {
	loc := calendar.Tokyo()
	if cfg.Timezone != "" {
		l, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("scheduler timezone %q: %w", cfg.Timezone, err)
		}
		loc = l
	}

	cl := cronLogger{logger: logger}
	s := &Scheduler{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		spec:      cfg.Cron,
		processor: processor,
		logger:    logger,
	}

	if _, err := s.cron.AddFunc(cfg.Cron, s.tick); err != nil {
		return nil, fmt.Errorf("register ingestion schedule %q: %w", cfg.Cron, err)
	}
	return s, nil
}

// Start starts the cron scheduler.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info().Str("cron", s.spec).Str("timezone", s.cron.Location().String()).Msg("Scheduler started")
}

// Stop stops the scheduler and waits for a running tick to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info().Msg("Scheduler stopped")
}

// Next returns the next activation time.
func (s *Scheduler) Next() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	if !entries[0].Next.IsZero() {
		return entries[0].Next
	}
	return entries[0].Schedule.Next(time.Now().In(s.cron.Location()))
}

func (s *Scheduler) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), scheduledRunTimeout)
	defer cancel()

	result, err := s.processor.Process(ctx, models.Trigger{TriggerType: models.TriggerScheduled})
	if err != nil {
		s.logger.Error().Err(err).Msg("Scheduled trigger failed")
		return
	}
	s.logger.Info().
		Str("status", string(result.Status)).
		Str("date", result.Date).
		Msg("Scheduled run finished")
}

// cronLogger adapts common.Logger to cron.Logger.
type cronLogger struct {
	logger *common.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
