package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobmcallan/kabuka/internal/common"
	"github.com/bobmcallan/kabuka/internal/models"
)

type recordingProcessor struct {
	triggers chan models.Trigger
	err      error
}

func newRecordingProcessor() *recordingProcessor {
	return &recordingProcessor{triggers: make(chan models.Trigger, 16)}
}

func (p *recordingProcessor) Process(_ context.Context, trigger models.Trigger) (models.IngestionResult, error) {
	p.triggers <- trigger
	if p.err != nil {
		return models.IngestionResult{}, p.err
	}
	return models.NewResult(models.StatusSkipped, civilDay, "skipped"), nil
}

func TestNewScheduler_NextRunIsWeekdayEveningInTokyo(t *testing.T) {
	s, err := NewScheduler(common.NewDefaultConfig().Scheduler, newRecordingProcessor(), common.NewSilentLogger())
	require.NoError(t, err)

	next := s.Next()
	require.False(t, next.IsZero())
	assert.Equal(t, "Asia/Tokyo", next.Location().String())
	assert.Equal(t, 18, next.Hour())
	assert.NotEqual(t, time.Saturday, next.Weekday())
	assert.NotEqual(t, time.Sunday, next.Weekday())
}

func TestNewScheduler_Rejects(t *testing.T) {
	_, err := NewScheduler(common.SchedulerConfig{Cron: "not a spec"}, newRecordingProcessor(), common.NewSilentLogger())
	assert.Error(t, err)

	_, err = NewScheduler(common.SchedulerConfig{Cron: "0 18 * * 1-5", Timezone: "Mars/Olympus"}, newRecordingProcessor(), common.NewSilentLogger())
	assert.Error(t, err)
}

func TestScheduler_TickSendsScheduledTriggerWithoutDate(t *testing.T) {
	p := newRecordingProcessor()
	s, err := NewScheduler(common.NewDefaultConfig().Scheduler, p, common.NewSilentLogger())
	require.NoError(t, err)

	s.tick()

	select {
	case trig := <-p.triggers:
		assert.Equal(t, models.TriggerScheduled, trig.TriggerType)
		assert.Nil(t, trig.Date)
		assert.False(t, trig.Force)
	default:
		t.Fatal("tick did not process a trigger")
	}
}

func TestScheduler_TickSurvivesProcessorError(t *testing.T) {
	p := newRecordingProcessor()
	p.err = errors.New("calendar exhausted")
	s, err := NewScheduler(common.NewDefaultConfig().Scheduler, p, common.NewSilentLogger())
	require.NoError(t, err)

	assert.NotPanics(t, s.tick)
	assert.Len(t, p.triggers, 1)
}

func TestScheduler_FiresEverySecond(t *testing.T) {
	p := newRecordingProcessor()
	s, err := NewScheduler(common.SchedulerConfig{Cron: "@every 1s"}, p, common.NewSilentLogger())
	require.NoError(t, err)

	s.Start()
	defer s.Stop()

	select {
	case trig := <-p.triggers:
		assert.Equal(t, models.TriggerScheduled, trig.TriggerType)
	case <-time.After(3 * time.Second):
		t.Fatal("scheduler never fired")
	}
}
