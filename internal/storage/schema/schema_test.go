package schema

import (
	"strings"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobmcallan/kabuka/internal/models"
)

var day = civil.Date{Year: 2025, Month: time.June, Day: 3}

func TestStagingName_UniquePerCall(t *testing.T) {
	a := StagingName("daily_quotes", day)
	b := StagingName("daily_quotes", day)

	assert.NotEqual(t, a, b)
	assert.True(t, strings.HasPrefix(a, "daily_quotes_staging_20250603_"))
	assert.NoError(t, ValidateIdentifier(a))
}

func TestValidateIdentifier(t *testing.T) {
	assert.NoError(t, ValidateIdentifier("daily_quotes"))
	assert.Error(t, ValidateIdentifier("daily-quotes"))
	assert.Error(t, ValidateIdentifier("quotes; DROP TABLE x"))
	assert.Error(t, ValidateIdentifier(""))
}

func TestRows_DedupesAndStamps(t *testing.T) {
	now := time.Date(2025, 6, 3, 18, 0, 0, 123456789, time.UTC)
	rows := Rows([]models.PriceRecord{
		{TradeDate: day, SecurityCode: "72030"},
		{TradeDate: day, SecurityCode: "72030"},
		{TradeDate: day, SecurityCode: "67580"},
	}, now)

	require.Len(t, rows, 2)
	for _, r := range rows {
		assert.Equal(t, 123456000, r.CreatedAt.Nanosecond())
		assert.Equal(t, r.CreatedAt, r.UpdatedAt)
	}
}

func TestCheckDates(t *testing.T) {
	assert.NoError(t, CheckDates([]models.PriceRecord{{TradeDate: day, SecurityCode: "1"}}, day))
	assert.Error(t, CheckDates([]models.PriceRecord{{TradeDate: day.AddDays(1), SecurityCode: "1"}}, day))
}
