// Package storagetest holds the behaviour every WarehouseStore must share,
// run against each backend from its own tests.
package storagetest

import (
	"context"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/guregu/null/v6"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobmcallan/kabuka/internal/common"
	"github.com/bobmcallan/kabuka/internal/interfaces"
	"github.com/bobmcallan/kabuka/internal/models"
)

// Day is the trade date used by the suite.
var Day = civil.Date{Year: 2025, Month: time.June, Day: 3}

// Row is what the suite needs to read back to check merge results.
type Row struct {
	SecurityCode string
	ClosePrice   *float64
	Volume       *int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Inspector reads the rows stored for a date, ordered by security code.
type Inspector func(ctx context.Context, date civil.Date) ([]Row, error)

// Factory opens a fresh, empty store and an inspector over it.
type Factory func(t *testing.T) (interfaces.WarehouseStore, Inspector)

// Quote builds a record with a close price and volume.
func Quote(date civil.Date, code, close string, volume int64) models.PriceRecord {
	return models.PriceRecord{
		TradeDate:     date,
		SecurityCode:  code,
		SecurityName:  null.StringFrom("Company " + code),
		MarketSegment: null.StringFrom("0111"),
		Open:          decimal.NewNullDecimal(decimal.RequireFromString(close)),
		High:          decimal.NewNullDecimal(decimal.RequireFromString(close)),
		Low:           decimal.NewNullDecimal(decimal.RequireFromString(close)),
		Close:         decimal.NewNullDecimal(decimal.RequireFromString(close)),
		Volume:        null.IntFrom(volume),
		TurnoverValue: decimal.NewNullDecimal(decimal.RequireFromString(close).Mul(decimal.NewFromInt(volume))),
	}
}

// Batch returns n distinct quotes for date.
func Batch(date civil.Date, n int) []models.PriceRecord {
	out := make([]models.PriceRecord, n)
	for i := range out {
		out[i] = Quote(date, codeFor(i), "1000", int64(100*(i+1)))
	}
	return out
}

func codeFor(i int) string {
	return string(rune('A'+i/26)) + string(rune('A'+i%26)) + "0"
}

// Run executes the shared behaviour tests.
func Run(t *testing.T, factory Factory) {
	t.Run("EnsureSchemaIsIdempotent", func(t *testing.T) {
		store, _ := factory(t)
		ctx := context.Background()
		require.NoError(t, store.EnsureSchema(ctx))
		require.NoError(t, store.EnsureSchema(ctx))
	})

	t.Run("EmptyMergeIsNoop", func(t *testing.T) {
		store, inspect := factory(t)
		ctx := context.Background()
		require.NoError(t, store.EnsureSchema(ctx))

		n, err := store.MergeUpsert(ctx, nil, Day)
		require.NoError(t, err)
		assert.Zero(t, n)

		exists, err := store.ExistsForDate(ctx, Day)
		require.NoError(t, err)
		assert.False(t, exists)

		rows, err := inspect(ctx, Day)
		require.NoError(t, err)
		assert.Empty(t, rows)
	})

	t.Run("MergeTwiceLeavesOneRowPerKey", func(t *testing.T) {
		store, inspect := factory(t)
		ctx := context.Background()
		require.NoError(t, store.EnsureSchema(ctx))

		batch := Batch(Day, 5)
		n, err := store.MergeUpsert(ctx, batch, Day)
		require.NoError(t, err)
		assert.Equal(t, 5, n)

		first, err := inspect(ctx, Day)
		require.NoError(t, err)
		require.Len(t, first, 5)

		n, err = store.MergeUpsert(ctx, batch, Day)
		require.NoError(t, err)
		assert.Equal(t, 5, n)

		second, err := inspect(ctx, Day)
		require.NoError(t, err)
		require.Len(t, second, 5)

		for i := range second {
			assert.Equal(t, first[i].SecurityCode, second[i].SecurityCode)
			assert.True(t, first[i].CreatedAt.Equal(second[i].CreatedAt), "created_at preserved for %s", second[i].SecurityCode)
			assert.False(t, second[i].UpdatedAt.Before(first[i].UpdatedAt))
		}

		exists, err := store.ExistsForDate(ctx, Day)
		require.NoError(t, err)
		assert.True(t, exists)
	})

	t.Run("MergeOverwritesValues", func(t *testing.T) {
		store, inspect := factory(t)
		ctx := context.Background()
		require.NoError(t, store.EnsureSchema(ctx))

		_, err := store.MergeUpsert(ctx, []models.PriceRecord{Quote(Day, "72030", "2500", 10)}, Day)
		require.NoError(t, err)

		corrected := Quote(Day, "72030", "2510.5", 20)
		corrected.Volume = null.Int{}
		added := Quote(Day, "67580", "3100", 5)
		_, err = store.MergeUpsert(ctx, []models.PriceRecord{corrected, added}, Day)
		require.NoError(t, err)

		rows, err := inspect(ctx, Day)
		require.NoError(t, err)
		require.Len(t, rows, 2)

		byCode := map[string]Row{}
		for _, r := range rows {
			byCode[r.SecurityCode] = r
		}
		toyota := byCode["72030"]
		require.NotNil(t, toyota.ClosePrice)
		assert.InDelta(t, 2510.5, *toyota.ClosePrice, 1e-9)
		assert.Nil(t, toyota.Volume)
		assert.Contains(t, byCode, "67580")
	})

	t.Run("DuplicateKeysInBatchCollapse", func(t *testing.T) {
		store, inspect := factory(t)
		ctx := context.Background()
		require.NoError(t, store.EnsureSchema(ctx))

		n, err := store.MergeUpsert(ctx, []models.PriceRecord{
			Quote(Day, "72030", "2500", 10),
			Quote(Day, "72030", "2600", 10),
		}, Day)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		rows, err := inspect(ctx, Day)
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.InDelta(t, 2600.0, *rows[0].ClosePrice, 1e-9)
	})

	t.Run("DatesAreIsolated", func(t *testing.T) {
		store, _ := factory(t)
		ctx := context.Background()
		require.NoError(t, store.EnsureSchema(ctx))

		next := Day.AddDays(1)
		_, err := store.MergeUpsert(ctx, Batch(Day, 2), Day)
		require.NoError(t, err)
		_, err = store.MergeUpsert(ctx, Batch(next, 1), next)
		require.NoError(t, err)

		exists, err := store.ExistsForDate(ctx, Day.AddDays(2))
		require.NoError(t, err)
		assert.False(t, exists)

		dates, err := store.ExistingDates(ctx, 10)
		require.NoError(t, err)
		assert.Equal(t, []civil.Date{next, Day}, dates)

		dates, err = store.ExistingDates(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, []civil.Date{next}, dates)
	})

	t.Run("MismatchedDateIsStoreError", func(t *testing.T) {
		store, _ := factory(t)
		ctx := context.Background()
		require.NoError(t, store.EnsureSchema(ctx))

		_, err := store.MergeUpsert(ctx, Batch(Day.AddDays(1), 1), Day)
		var se *common.StoreError
		require.ErrorAs(t, err, &se)
	})
}
