// Package fixture serves daily quotes from JSON files on disk for
// development and tests.
package fixture

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"cloud.google.com/go/civil"

	"github.com/bobmcallan/kabuka/internal/clients/jquants"
	"github.com/bobmcallan/kabuka/internal/common"
	"github.com/bobmcallan/kabuka/internal/interfaces"
	"github.com/bobmcallan/kabuka/internal/models"
)

// Client reads <dir>/<YYYY-MM-DD>.json, each holding a daily_quotes payload
// in the provider's shape. A missing file means no data for that date.
type Client struct {
	dir    string
	token  string
	logger *common.Logger

	mu            sync.Mutex
	authenticated bool
}

// NewClient creates a fixture client. Login returns token.
func NewClient(dir, token string, logger *common.Logger) *Client {
	if logger == nil {
		logger = common.NewSilentLogger()
	}
	return &Client{dir: dir, token: token, logger: logger}
}

func (c *Client) Name() string { return "fixture" }

func (c *Client) Login(_ context.Context, email, password string) (string, error) {
	if email == "" || password == "" {
		return "", &common.AuthError{Source: "fixture-login", Err: errors.New("email and password are required")}
	}
	return c.token, nil
}

func (c *Client) Authenticate(_ context.Context, cred models.Credential) error {
	if cred.RefreshToken == "" {
		return &common.AuthError{Source: cred.Source, Err: errors.New("empty refresh token")}
	}
	c.mu.Lock()
	c.authenticated = true
	c.mu.Unlock()
	return nil
}

func (c *Client) FetchDailyQuotes(ctx context.Context, date civil.Date) ([]models.PriceRecord, error) {
	c.mu.Lock()
	ok := c.authenticated
	c.mu.Unlock()
	if !ok {
		return nil, common.ErrClientState
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path := filepath.Join(c.dir, date.String()+".json")
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		c.logger.Warn().Str("date", date.String()).Str("path", path).Msg("No fixture for date")
		return []models.PriceRecord{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read fixture %s: %w", path, err)
	}

	records, err := jquants.ParseDailyQuotes(data, date, c.logger)
	if err != nil {
		return nil, fmt.Errorf("fixture %s: %w", path, err)
	}
	c.logger.Info().Str("date", date.String()).Int("count", len(records)).Msg("Loaded fixture quotes")
	return records, nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	c.authenticated = false
	c.mu.Unlock()
	return nil
}

var (
	_ interfaces.MarketDataClient = (*Client)(nil)
	_ interfaces.TokenIssuer      = (*Client)(nil)
)
