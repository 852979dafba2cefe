// Package app wires configuration, clients, storage and services into the
// shared core used by cmd/kabuka-server and cmd/kabuka.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bobmcallan/kabuka/internal/calendar"
	"github.com/bobmcallan/kabuka/internal/clients/fixture"
	"github.com/bobmcallan/kabuka/internal/clients/jquants"
	"github.com/bobmcallan/kabuka/internal/clients/secrets"
	"github.com/bobmcallan/kabuka/internal/common"
	"github.com/bobmcallan/kabuka/internal/interfaces"
	"github.com/bobmcallan/kabuka/internal/metrics"
	"github.com/bobmcallan/kabuka/internal/services/credentials"
	"github.com/bobmcallan/kabuka/internal/services/ingest"
	"github.com/bobmcallan/kabuka/internal/storage"
)

// Provider names.
const (
	ProviderHTTP    = "http"
	ProviderFixture = "fixture"
)

// fixtureRefreshToken is what the fixture provider issues on login.
const fixtureRefreshToken = "fixture-refresh-token"

// App holds the initialized services shared by the server and the CLI.
type App struct {
	Config      *common.Config
	Logger      *common.Logger
	Calendar    *calendar.Calendar
	Metrics     *metrics.Prometheus
	Secrets     interfaces.SecretStore
	Resolver    interfaces.CredentialResolver
	Ingest      *ingest.Service
	Dispatcher  *Dispatcher
	StartupTime time.Time

	mu        sync.Mutex
	scheduler *Scheduler
	consumer  *Consumer
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closers   []func() error
}

// getBinaryDir returns the directory containing the executable.
func getBinaryDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "."
	}
	return filepath.Dir(exe)
}

// ResolveConfigPath returns configPath, KABUKA_CONFIG, kabuka.toml next to
// the binary, or config/kabuka.toml, in that order.
func ResolveConfigPath(configPath string) string {
	if configPath == "" {
		configPath = os.Getenv("KABUKA_CONFIG")
	}
	if configPath == "" {
		configPath = filepath.Join(getBinaryDir(), "kabuka.toml")
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			configPath = "config/kabuka.toml" // fallback for development
		}
	}
	return configPath
}

// NewApp loads configuration and initializes every component.
// configPath may be empty, in which case the default resolution logic is used.
func NewApp(ctx context.Context, configPath string) (*App, error) {
	// Load version from .version file (fallback if ldflags not set)
	common.LoadVersionFromFile()

	config, err := common.LoadConfig(ResolveConfigPath(configPath))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger := common.NewLoggerFromConfig(config.Logging)
	return NewAppWithConfig(ctx, config, logger)
}

// NewAppWithConfig initializes every component from an already loaded config.
func NewAppWithConfig(ctx context.Context, config *common.Config, logger *common.Logger) (*App, error) {
	startupStart := time.Now()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	cal, err := calendar.NewFromConfig(config.Calendar)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize calendar: %w", err)
	}

	a := &App{
		Config:      config,
		Logger:      logger,
		Calendar:    cal,
		Metrics:     metrics.NewPrometheus(),
		StartupTime: startupStart,
	}

	if err := a.initSecrets(ctx); err != nil {
		return nil, err
	}

	newClient, issuer, err := clientFactory(config, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Resolver = credentials.NewResolverFromConfig(config, a.Secrets, issuer, logger)

	openStore := func(ctx context.Context) (interfaces.WarehouseStore, error) {
		return storage.NewWarehouseStore(ctx, config, logger)
	}
	a.Ingest = ingest.NewService(cal, a.Resolver, openStore, newClient, a.Metrics, logger)
	a.Dispatcher = NewDispatcher(cal, a.Ingest, logger)

	logger.Info().
		Str("warehouse", config.Warehouse.Backend).
		Str("provider", config.JQuants.Provider).
		Str("secrets", config.Secrets.Backend).
		Dur("startup", time.Since(startupStart)).
		Msg("App initialized")

	return a, nil
}

func (a *App) initSecrets(ctx context.Context) error {
	switch a.Config.Secrets.Backend {
	case "secretmanager":
		sm, err := secrets.NewSecretManager(ctx, a.Config, a.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize secret store: %w", err)
		}
		a.Secrets = sm
		a.closers = append(a.closers, sm.Close)
	case "env", "":
		a.Secrets = secrets.NewEnvStore()
	default:
		return fmt.Errorf("unknown secrets backend: %s (supported: secretmanager, env)", a.Config.Secrets.Backend)
	}
	return nil
}

// clientFactory returns a per-run client constructor and the token issuer
// used for interactive login.
func clientFactory(config *common.Config, logger *common.Logger) (ingest.ClientFactory, interfaces.TokenIssuer, error) {
	switch config.JQuants.Provider {
	case ProviderHTTP, "":
		factory := func() (interfaces.MarketDataClient, error) {
			return jquants.NewClientFromConfig(config, logger), nil
		}
		return factory, jquants.NewClientFromConfig(config, logger), nil

	case ProviderFixture:
		dir := config.JQuants.FixtureDir
		if _, err := os.Stat(dir); err != nil {
			return nil, nil, fmt.Errorf("fixture provider directory: %w", err)
		}
		factory := func() (interfaces.MarketDataClient, error) {
			return fixture.NewClient(dir, fixtureRefreshToken, logger), nil
		}
		return factory, fixture.NewClient(dir, fixtureRefreshToken, logger), nil

	default:
		return nil, nil, fmt.Errorf("unknown market data provider: %s (supported: http, fixture)", config.JQuants.Provider)
	}
}

// StartBackground starts the cron scheduler and the Kafka consumer when
// they are enabled.
func (a *App) StartBackground() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	if a.Config.Scheduler.Enabled {
		s, err := NewScheduler(a.Config.Scheduler, a.Dispatcher, a.Logger)
		if err != nil {
			return err
		}
		s.Start()
		a.scheduler = s
	}

	if a.Config.Kafka.Enabled {
		c := NewConsumer(a.Config.Kafka, a.Dispatcher, a.Logger)
		a.consumer = c
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := c.Run(ctx); err != nil {
				a.Logger.Error().Err(err).Msg("Trigger consumer stopped")
			}
		}()
		a.Logger.Info().Strs("brokers", a.Config.Kafka.Brokers).Str("topic", a.Config.Kafka.Topic).Msg("Trigger consumer started")
	}
	return nil
}

// Close releases all resources held by the App.
// Shutdown order: stop scheduler, stop consumer, close secret store.
func (a *App) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var errs []error
	if a.scheduler != nil {
		a.scheduler.Stop()
		a.scheduler = nil
	}
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	a.wg.Wait()
	if a.consumer != nil {
		if err := a.consumer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close consumer: %w", err))
		}
		a.consumer = nil
	}
	for _, c := range a.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
