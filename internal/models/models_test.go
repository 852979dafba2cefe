package models

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/guregu/null/v6"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var day = civil.Date{Year: 2025, Month: time.June, Day: 3}

func TestDedupeByKey_LastWins(t *testing.T) {
	in := []PriceRecord{
		{TradeDate: day, SecurityCode: "7203", Close: decimal.NewNullDecimal(decimal.RequireFromString("2500"))},
		{TradeDate: day, SecurityCode: "6758"},
		{TradeDate: day, SecurityCode: "7203", Close: decimal.NewNullDecimal(decimal.RequireFromString("2510"))},
	}

	out := DedupeByKey(in)
	require.Len(t, out, 2)
	assert.Equal(t, "7203", out[0].SecurityCode)
	assert.True(t, out[0].Close.Decimal.Equal(decimal.RequireFromString("2510")))
	assert.Equal(t, "6758", out[1].SecurityCode)
}

func TestDedupeByKey_DifferentDatesAreDistinct(t *testing.T) {
	in := []PriceRecord{
		{TradeDate: day, SecurityCode: "7203"},
		{TradeDate: day.AddDays(1), SecurityCode: "7203"},
	}
	assert.Len(t, DedupeByKey(in), 2)
}

func TestToWarehouseRow_NullsStayNil(t *testing.T) {
	now := time.Date(2025, 6, 3, 9, 0, 0, 0, time.FixedZone("JST", 9*3600))
	rec := PriceRecord{
		TradeDate:     day,
		SecurityCode:  "1301",
		SecurityName:  null.StringFrom("KYOKUYO"),
		Open:          decimal.NewNullDecimal(decimal.RequireFromString("3000.5")),
		Volume:        null.IntFrom(1200),
		TurnoverValue: decimal.NullDecimal{},
	}

	row := rec.ToWarehouseRow(now)

	assert.Equal(t, day, row.Date)
	require.NotNil(t, row.SecurityName)
	assert.Equal(t, "KYOKUYO", *row.SecurityName)
	assert.Nil(t, row.MarketCode)
	require.NotNil(t, row.OpenPrice)
	assert.InDelta(t, 3000.5, *row.OpenPrice, 1e-9)
	assert.Nil(t, row.ClosePrice)
	assert.Nil(t, row.TurnoverValue)
	require.NotNil(t, row.Volume)
	assert.Equal(t, int64(1200), *row.Volume)
	assert.Equal(t, time.UTC, row.CreatedAt.Location())
	assert.Equal(t, row.CreatedAt, row.UpdatedAt)

	data, err := json.Marshal(row)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"date":"2025-06-03"`)
	assert.Contains(t, string(data), `"close_price":null`)
}

func TestCredential_NeverRevealsToken(t *testing.T) {
	c := Credential{RefreshToken: "super-secret-token", Source: CredentialSourceSecretStore}

	assert.NotContains(t, c.String(), "super-secret-token")
	assert.NotContains(t, fmt.Sprintf("%v", c), "super-secret-token")

	data, err := json.Marshal(c)
	require.NoError(t, err)
	assert.JSONEq(t, `{"source":"secret-store"}`, string(data))
}

func TestIngestionResult_CountOnlyWhenSet(t *testing.T) {
	skipped, err := json.Marshal(NewResult(StatusSkipped, day, "not a business day"))
	require.NoError(t, err)
	assert.NotContains(t, string(skipped), "count")

	noData, err := json.Marshal(NewCountedResult(StatusNoData, day, "no records", 0))
	require.NoError(t, err)
	assert.Contains(t, string(noData), `"count":0`)
	assert.Contains(t, string(noData), `"date":"2025-06-03"`)
}

func TestDecodeTrigger(t *testing.T) {
	trig, err := DecodeTrigger([]byte(`{"date":"2025/06/03","force":true}`), TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, TriggerManual, trig.TriggerType)
	require.NotNil(t, trig.Date)
	assert.Equal(t, "2025/06/03", *trig.Date)
	assert.True(t, trig.Force)

	trig, err = DecodeTrigger(nil, TriggerDaily)
	require.NoError(t, err)
	assert.Equal(t, Trigger{TriggerType: TriggerDaily}, trig)

	trig, err = DecodeTrigger([]byte(`{"trigger_type":"backfill"}`), TriggerDaily)
	require.NoError(t, err)
	assert.Equal(t, TriggerBackfill, trig.TriggerType)

	_, err = DecodeTrigger([]byte(`{"date":`), TriggerDaily)
	assert.Error(t, err)
}
