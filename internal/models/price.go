// Package models defines data structures for kabuka
package models

import (
	"time"

	"cloud.google.com/go/civil"
	"github.com/guregu/null/v6"
	"github.com/shopspring/decimal"
)

// PriceRecord is one security's OHLCV for one trading date.
// Numeric fields are null when the security did not trade.
type PriceRecord struct {
	TradeDate     civil.Date          `json:"date"`
	SecurityCode  string              `json:"security_code"`
	SecurityName  null.String         `json:"security_name"`
	MarketSegment null.String         `json:"market_code"`
	Open          decimal.NullDecimal `json:"open_price"`
	High          decimal.NullDecimal `json:"high_price"`
	Low           decimal.NullDecimal `json:"low_price"`
	Close         decimal.NullDecimal `json:"close_price"`
	Volume        null.Int            `json:"volume"`
	TurnoverValue decimal.NullDecimal `json:"turnover_value"`
}

// RecordKey is the natural key of a warehouse row.
type RecordKey struct {
	Date civil.Date
	Code string
}

// Key returns the (date, security code) natural key.
func (p PriceRecord) Key() RecordKey {
	return RecordKey{Date: p.TradeDate, Code: p.SecurityCode}
}

// DedupeByKey collapses records sharing a natural key. The last occurrence
// wins and the position of the first occurrence is kept.
func DedupeByKey(records []PriceRecord) []PriceRecord {
	if len(records) < 2 {
		return records
	}
	index := make(map[RecordKey]int, len(records))
	out := make([]PriceRecord, 0, len(records))
	for _, r := range records {
		if i, ok := index[r.Key()]; ok {
			out[i] = r
			continue
		}
		index[r.Key()] = len(out)
		out = append(out, r)
	}
	return out
}

// WarehouseRow is the persisted layout of a PriceRecord. Decimal values are
// narrowed to float64 at this boundary; nil pointers are NULL columns.
type WarehouseRow struct {
	Date          civil.Date `json:"date"`
	SecurityCode  string     `json:"security_code"`
	SecurityName  *string    `json:"security_name"`
	MarketCode    *string    `json:"market_code"`
	OpenPrice     *float64   `json:"open_price"`
	HighPrice     *float64   `json:"high_price"`
	LowPrice      *float64   `json:"low_price"`
	ClosePrice    *float64   `json:"close_price"`
	Volume        *int64     `json:"volume"`
	TurnoverValue *float64   `json:"turnover_value"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// ToWarehouseRow converts the record, stamping both timestamps with now.
func (p PriceRecord) ToWarehouseRow(now time.Time) WarehouseRow {
	return WarehouseRow{
		Date:          p.TradeDate,
		SecurityCode:  p.SecurityCode,
		SecurityName:  p.SecurityName.Ptr(),
		MarketCode:    p.MarketSegment.Ptr(),
		OpenPrice:     floatPtr(p.Open),
		HighPrice:     floatPtr(p.High),
		LowPrice:      floatPtr(p.Low),
		ClosePrice:    floatPtr(p.Close),
		Volume:        p.Volume.Ptr(),
		TurnoverValue: floatPtr(p.TurnoverValue),
		CreatedAt:     now.UTC(),
		UpdatedAt:     now.UTC(),
	}
}

func floatPtr(d decimal.NullDecimal) *float64 {
	if !d.Valid {
		return nil
	}
	f := d.Decimal.InexactFloat64()
	return &f
}
