package interfaces

import (
	"context"
	"errors"

	"cloud.google.com/go/civil"

	"github.com/bobmcallan/kabuka/internal/models"
)

// ErrSecretNotFound is returned by SecretStore.Get for a missing secret.
var ErrSecretNotFound = errors.New("secret not found")

// WarehouseStore persists daily quotes into a table keyed by
// (date, security_code). Every error it returns is a *common.StoreError.
type WarehouseStore interface {
	// EnsureSchema creates the destination if absent. Concurrent creation
	// by another process counts as success.
	EnsureSchema(ctx context.Context) error

	// ExistsForDate reports whether any row exists for date.
	ExistsForDate(ctx context.Context, date civil.Date) (bool, error)

	// MergeUpsert applies records for date so that at most one row per key
	// exists afterwards. Matched rows are overwritten and get a fresh
	// updated_at; new rows get created_at = updated_at = write time.
	// Returns the number of records merged. Empty input is a no-op.
	MergeUpsert(ctx context.Context, records []models.PriceRecord, date civil.Date) (int, error)

	// ExistingDates lists the most recent distinct dates, newest first.
	ExistingDates(ctx context.Context, limit int) ([]civil.Date, error)

	Close() error
}
