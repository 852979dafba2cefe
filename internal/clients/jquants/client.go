// Package jquants provides a client for the J-Quants market data API
package jquants

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"

	"github.com/bobmcallan/kabuka/internal/common"
	"github.com/bobmcallan/kabuka/internal/interfaces"
	"github.com/bobmcallan/kabuka/internal/models"
	"github.com/bobmcallan/kabuka/internal/retry"
)

const (
	DefaultBaseURL   = "https://api.jquants.com/v1"
	DefaultTimeout   = 30 * time.Second
	DefaultRateLimit = 5 // requests per second

	// idTokenRefreshMargin is how close to expiry an ID token may get
	// before it is exchanged for a fresh one.
	idTokenRefreshMargin = 5 * time.Minute

	// idTokenLifetime applies when the token carries no readable exp claim.
	idTokenLifetime = 24 * time.Hour
)

// Client implements MarketDataClient and TokenIssuer over the J-Quants REST API.
// A Client holds one session and is meant for a single run.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *common.Logger
	limiter    *rate.Limiter
	policy     retry.Policy
	enrich     bool
	now        func() time.Time

	mu           sync.Mutex
	refreshToken string
	source       string
	idToken      string
	idTokenExp   time.Time
}

// ClientOption configures the client
type ClientOption func(*Client)

// WithBaseURL sets the base URL
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(baseURL, "/")
	}
}

// WithLogger sets the logger
func WithLogger(logger *common.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithRateLimit sets the rate limit
func WithRateLimit(requestsPerSecond int) ClientOption {
	return func(c *Client) {
		if requestsPerSecond > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), requestsPerSecond)
		}
	}
}

// WithTimeout sets the HTTP timeout
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// WithHTTPClient replaces the underlying HTTP client
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithRetryPolicy overrides the retry policy applied to every call
func WithRetryPolicy(p retry.Policy) ClientOption {
	return func(c *Client) {
		c.policy = p
	}
}

// WithListedInfo toggles company name and market code enrichment
func WithListedInfo(enabled bool) ClientOption {
	return func(c *Client) {
		c.enrich = enabled
	}
}

// WithClock sets the time source used for token expiry checks
func WithClock(now func() time.Time) ClientOption {
	return func(c *Client) {
		c.now = now
	}
}

// NewClient creates a new J-Quants client
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		limiter: rate.NewLimiter(rate.Limit(DefaultRateLimit), DefaultRateLimit),
		logger:  common.NewSilentLogger(),
		policy:  retry.API,
		now:     time.Now,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// NewClientFromConfig builds a client from the jquants config section
func NewClientFromConfig(config *common.Config, logger *common.Logger) *Client {
	return NewClient(
		WithBaseURL(config.JQuants.BaseURL),
		WithLogger(logger),
		WithRateLimit(config.JQuants.RateLimit),
		WithTimeout(config.GetTimeout()),
		WithRetryPolicy(retry.FromConfig(retry.API, config)),
		WithListedInfo(config.JQuants.EnrichListedInfo),
	)
}

// APIError represents a 4xx response
type APIError struct {
	StatusCode int
	Message    string
	Endpoint   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("J-Quants API error: %s (status: %d, endpoint: %s)", e.Message, e.StatusCode, e.Endpoint)
}

// HTTPStatus exposes the response status for retry classification.
func (e *APIError) HTTPStatus() int { return e.StatusCode }

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// request describes one API call. Body is JSON-encoded when non-nil.
type request struct {
	method string
	path   string
	params url.Values
	body   any
	token  string
}

// do performs a rate-limited, retried request and decodes the JSON response
// into result. Network failures and 5xx responses become TransportErrors,
// other non-200 responses become APIErrors.
func (c *Client) do(ctx context.Context, r request, result any) error {
	var payload []byte
	if r.body != nil {
		var err error
		if payload, err = json.Marshal(r.body); err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
	}

	reqURL := c.baseURL + r.path
	if len(r.params) > 0 {
		reqURL += "?" + r.params.Encode()
	}

	return retry.Do(ctx, c.policy, retry.IsRetryable, func(ctx context.Context) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit wait: %w", err)
		}

		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, r.method, reqURL, body)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if r.token != "" {
			req.Header.Set("Authorization", "Bearer "+r.token)
		}

		common.LoggerFromOr(ctx, c.logger).Debug().Str("method", r.method).Str("path", r.path).Msg("J-Quants API request")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return &common.TransportError{Op: r.path, Err: redactURL(err, c.baseURL+r.path)}
		}
		defer resp.Body.Close()

		if resp.StatusCode >= http.StatusInternalServerError {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return &common.TransportError{Op: r.path, StatusCode: resp.StatusCode, Err: errors.New(strings.TrimSpace(string(msg)))}
		}
		if resp.StatusCode != http.StatusOK {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return &APIError{StatusCode: resp.StatusCode, Message: apiMessage(msg), Endpoint: r.path}
		}

		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return &common.TransportError{Op: r.path, Err: err}
			}
			return fmt.Errorf("failed to decode response: %w", err)
		}
		return nil
	})
}

// redactURL replaces the request URL in a *url.Error with one carrying no
// query string. auth_refresh sends the refresh token as a query parameter.
func redactURL(err error, bare string) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return &url.Error{Op: urlErr.Op, URL: bare, Err: urlErr.Err}
	}
	return err
}

// apiMessage extracts {"message": "..."} from an error body, falling back to
// the raw text.
func apiMessage(body []byte) string {
	var m struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &m) == nil && m.Message != "" {
		return m.Message
	}
	return strings.TrimSpace(string(body))
}

// Login exchanges a mail address and password for a refresh token.
func (c *Client) Login(ctx context.Context, email, password string) (string, error) {
	var resp struct {
		RefreshToken string `json:"refreshToken"`
	}
	err := c.do(ctx, request{
		method: http.MethodPost,
		path:   "/token/auth_user",
		body:   map[string]string{"mailaddress": email, "password": password},
	}, &resp)
	if err != nil {
		return "", authFailure("login", err)
	}
	if resp.RefreshToken == "" {
		return "", &common.AuthError{Source: "login", Err: errors.New("no refresh token in response")}
	}

	common.LoggerFromOr(ctx, c.logger).Info().Msg("Obtained J-Quants refresh token")
	return resp.RefreshToken, nil
}

// authFailure marks 4xx responses as credential rejections. Transport
// failures keep their type so callers can tell an outage from a bad secret.
func authFailure(source string, err error) error {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return &common.AuthError{Source: source, Err: err}
	}
	return err
}

// Authenticate exchanges the refresh token for an ID token. The session is
// only kept once the provider accepts the token; a failed call leaves the
// client unauthenticated.
func (c *Client) Authenticate(ctx context.Context, cred models.Credential) error {
	c.mu.Lock()
	c.refreshToken, c.source, c.idToken, c.idTokenExp = "", "", "", time.Time{}
	c.mu.Unlock()

	if cred.RefreshToken == "" {
		return &common.AuthError{Source: cred.Source, Err: errors.New("empty refresh token")}
	}

	id, exp, err := c.exchange(ctx, cred.RefreshToken, cred.Source)
	if err != nil {
		var authErr *common.AuthError
		if errors.As(err, &authErr) {
			return err
		}
		return &common.AuthError{Source: cred.Source, Err: err}
	}

	c.mu.Lock()
	c.refreshToken, c.source, c.idToken, c.idTokenExp = cred.RefreshToken, cred.Source, id, exp
	c.mu.Unlock()

	common.LoggerFromOr(ctx, c.logger).Info().Str("source", cred.Source).Msg("Authenticated with J-Quants API")
	return nil
}

// refreshIDToken renews the ID token of an authenticated session.
func (c *Client) refreshIDToken(ctx context.Context) error {
	c.mu.Lock()
	refresh, source := c.refreshToken, c.source
	c.mu.Unlock()

	id, exp, err := c.exchange(ctx, refresh, source)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.refreshToken == refresh {
		c.idToken, c.idTokenExp = id, exp
	}
	c.mu.Unlock()
	return nil
}

// exchange calls auth_refresh and returns the ID token with its expiry.
func (c *Client) exchange(ctx context.Context, refresh, source string) (string, time.Time, error) {
	var resp struct {
		IDToken string `json:"idToken"`
	}
	err := c.do(ctx, request{
		method: http.MethodPost,
		path:   "/token/auth_refresh",
		params: url.Values{"refreshtoken": {refresh}},
	}, &resp)
	if err != nil {
		return "", time.Time{}, authFailure(source, err)
	}
	if resp.IDToken == "" {
		return "", time.Time{}, &common.AuthError{Source: source, Err: errors.New("no ID token in response")}
	}

	exp := c.tokenExpiry(resp.IDToken)
	common.LoggerFromOr(ctx, c.logger).Debug().Time("expires", exp).Msg("Refreshed J-Quants ID token")
	return resp.IDToken, exp, nil
}

// tokenExpiry reads the exp claim without verifying the signature; the
// token is only forwarded back to the issuer.
func (c *Client) tokenExpiry(token string) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			return exp.Time
		}
	}
	return c.now().Add(idTokenLifetime)
}

// bearer returns a valid ID token, refreshing it near expiry.
func (c *Client) bearer(ctx context.Context) (string, error) {
	c.mu.Lock()
	token, exp, refresh := c.idToken, c.idTokenExp, c.refreshToken
	c.mu.Unlock()

	if refresh == "" {
		return "", common.ErrClientState
	}
	if token != "" && c.now().Add(idTokenRefreshMargin).Before(exp) {
		return token, nil
	}
	if err := c.refreshIDToken(ctx); err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.idToken == "" {
		return "", common.ErrClientState
	}
	return c.idToken, nil
}

// Close drops the session. The client must be re-authenticated before reuse.
func (c *Client) Close() error {
	c.mu.Lock()
	c.refreshToken = ""
	c.idToken = ""
	c.idTokenExp = time.Time{}
	c.mu.Unlock()
	c.httpClient.CloseIdleConnections()
	return nil
}

var (
	_ interfaces.MarketDataClient = (*Client)(nil)
	_ interfaces.TokenIssuer      = (*Client)(nil)
)
