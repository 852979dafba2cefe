// Package interfaces defines service contracts for kabuka
package interfaces

import (
	"context"

	"cloud.google.com/go/civil"

	"github.com/bobmcallan/kabuka/internal/models"
)

// MarketDataClient fetches one trading day of quotes from the provider.
// Implementations are selected at construction time; callers never branch
// on which one is active.
type MarketDataClient interface {
	// Authenticate exchanges the credential for a session. Returns
	// *common.AuthError when the provider rejects it.
	Authenticate(ctx context.Context, cred models.Credential) error

	// FetchDailyQuotes returns every quote for date. An empty or not-found
	// response yields an empty slice. Returns common.ErrClientState when
	// called before Authenticate.
	FetchDailyQuotes(ctx context.Context, date civil.Date) ([]models.PriceRecord, error)

	// Close releases the session. Safe to call more than once.
	Close() error
}

// TokenIssuer performs interactive login and returns a refresh token.
type TokenIssuer interface {
	Login(ctx context.Context, email, password string) (string, error)
}

// SecretStore reads and writes named secrets.
type SecretStore interface {
	// Get returns the latest version of the secret. Returns
	// ErrSecretNotFound when it does not exist.
	Get(ctx context.Context, name string) (string, error)

	// Put stores value as the newest version, creating the secret if needed.
	Put(ctx context.Context, name, value string) error
}
