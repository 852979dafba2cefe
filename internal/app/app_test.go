package app

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobmcallan/kabuka/internal/common"
	"github.com/bobmcallan/kabuka/internal/models"
)

// fakeIngest records the runs it was asked for.
type fakeIngest struct {
	mu    sync.Mutex
	runs  []civil.Date
	force []bool
	dates []civil.Date
}

func (f *fakeIngest) Run(_ context.Context, date civil.Date, force bool) models.IngestionResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, date)
	f.force = append(f.force, force)
	return models.NewCountedResult(models.StatusSuccess, date, "ok", 1)
}

func (f *fakeIngest) Backfill(context.Context, civil.Date, civil.Date, bool, int) ([]models.IngestionResult, error) {
	return nil, nil
}

func (f *fakeIngest) ExistingDates(context.Context, int) ([]civil.Date, error) {
	return f.dates, nil
}

func (f *fakeIngest) Runs() []civil.Date {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]civil.Date(nil), f.runs...)
}

func fixtureConfig(t *testing.T) *common.Config {
	t.Helper()
	config := common.NewDefaultConfig()
	config.Warehouse.Backend = common.BackendSQLite
	config.Warehouse.SQLite.Path = filepath.Join(t.TempDir(), "kabuka.db")
	config.JQuants.Provider = ProviderFixture
	config.JQuants.FixtureDir = filepath.Join("..", "..", "testdata", "quotes")
	config.JQuants.Email = "dev@example.com"
	config.JQuants.Password = "dev-password"
	config.Secrets.Backend = "env"
	return config
}

func TestNewAppWithConfig_FixturePipeline(t *testing.T) {
	a, err := NewAppWithConfig(context.Background(), fixtureConfig(t), common.NewSilentLogger())
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	date := "2025-06-03"
	result, err := a.Dispatcher.Process(context.Background(), models.Trigger{TriggerType: models.TriggerManual, Date: &date})
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuccess, result.Status, result.Message)
	require.NotNil(t, result.Count)
	assert.Equal(t, 5, *result.Count)

	dates, err := a.Ingest.ExistingDates(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, []civil.Date{{Year: 2025, Month: time.June, Day: 3}}, dates)

	again, err := a.Dispatcher.Process(context.Background(), models.Trigger{TriggerType: models.TriggerManual, Date: &date})
	require.NoError(t, err)
	assert.Equal(t, models.StatusSkipped, again.Status)
}

func TestNewAppWithConfig_MissingFixtureIsNoData(t *testing.T) {
	a, err := NewAppWithConfig(context.Background(), fixtureConfig(t), common.NewSilentLogger())
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	result := a.Ingest.Run(context.Background(), civil.Date{Year: 2025, Month: time.June, Day: 4}, false)
	assert.Equal(t, models.StatusNoData, result.Status)
}

func TestNewAppWithConfig_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		modify func(c *common.Config)
		want   string
	}{
		{"invalid config", func(c *common.Config) { c.Retry.MaxAttempts = 0 }, "invalid config"},
		{"provider", func(c *common.Config) { c.JQuants.Provider = "bloomberg" }, "unknown market data provider"},
		{"fixture dir", func(c *common.Config) { c.JQuants.FixtureDir = filepath.Join(t.TempDir(), "missing") }, "fixture provider directory"},
		{"secrets", func(c *common.Config) { c.Secrets.Backend = "vault" }, "unknown secrets backend"},
		{"closure", func(c *common.Config) { c.Calendar.ExtraClosures = []string{"not-a-date"} }, "calendar"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := fixtureConfig(t)
			tt.modify(config)
			_, err := NewAppWithConfig(context.Background(), config, common.NewSilentLogger())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestResolveConfigPath(t *testing.T) {
	assert.Equal(t, "explicit.toml", ResolveConfigPath("explicit.toml"))

	t.Setenv("KABUKA_CONFIG", "/etc/kabuka/kabuka.toml")
	assert.Equal(t, "/etc/kabuka/kabuka.toml", ResolveConfigPath(""))
}

func TestStartBackground_NothingEnabled(t *testing.T) {
	a, err := NewAppWithConfig(context.Background(), fixtureConfig(t), common.NewSilentLogger())
	require.NoError(t, err)

	require.NoError(t, a.StartBackground())
	assert.Nil(t, a.scheduler)
	assert.Nil(t, a.consumer)
	assert.NoError(t, a.Close())
}
