package jquants

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"cloud.google.com/go/civil"
	"github.com/guregu/null/v6"
	"github.com/shopspring/decimal"

	"github.com/bobmcallan/kabuka/internal/common"
	"github.com/bobmcallan/kabuka/internal/models"
)

// maxPages guards against a provider that never stops paginating.
const maxPages = 1000

// dailyQuote is one element of the daily_quotes response.
type dailyQuote struct {
	Date          string              `json:"Date"`
	Code          string              `json:"Code"`
	CompanyName   null.String         `json:"CompanyName"`
	MarketCode    null.String         `json:"MarketCode"`
	Open          decimal.NullDecimal `json:"Open"`
	High          decimal.NullDecimal `json:"High"`
	Low           decimal.NullDecimal `json:"Low"`
	Close         decimal.NullDecimal `json:"Close"`
	Volume        decimal.NullDecimal `json:"Volume"`
	TurnoverValue decimal.NullDecimal `json:"TurnoverValue"`
}

type dailyQuotesResponse struct {
	DailyQuotes   []json.RawMessage `json:"daily_quotes"`
	PaginationKey string            `json:"pagination_key"`
}

type listedInfo struct {
	Code        string `json:"Code"`
	CompanyName string `json:"CompanyName"`
	MarketCode  string `json:"MarketCode"`
}

type listedInfoResponse struct {
	Info []listedInfo `json:"info"`
}

// FetchDailyQuotes returns every quote for date, following pagination.
// A 404 or an empty daily_quotes array yields an empty slice.
func (c *Client) FetchDailyQuotes(ctx context.Context, date civil.Date) ([]models.PriceRecord, error) {
	token, err := c.bearer(ctx)
	if err != nil {
		return nil, err
	}

	logger := common.LoggerFromOr(ctx, c.logger)
	dateParam := strings.ReplaceAll(date.String(), "-", "")
	logger.Info().Str("date", date.String()).Msg("Fetching daily quotes")

	var raw []json.RawMessage
	paginationKey := ""
	for page := 0; ; page++ {
		if page >= maxPages {
			return nil, fmt.Errorf("daily_quotes for %s: pagination did not terminate after %d pages", date, maxPages)
		}

		params := url.Values{"date": {dateParam}}
		if paginationKey != "" {
			params.Set("pagination_key", paginationKey)
		}

		var resp dailyQuotesResponse
		err := c.do(ctx, request{method: http.MethodGet, path: "/prices/daily_quotes", params: params, token: token}, &resp)
		if err != nil {
			if IsNotFound(err) {
				logger.Warn().Str("date", date.String()).Msg("No data available for date")
				return []models.PriceRecord{}, nil
			}
			return nil, fmt.Errorf("failed to fetch daily quotes: %w", err)
		}

		raw = append(raw, resp.DailyQuotes...)
		if resp.PaginationKey == "" {
			break
		}
		paginationKey = resp.PaginationKey

		// Long paginations can outlive the ID token.
		if token, err = c.bearer(ctx); err != nil {
			return nil, err
		}
	}

	if len(raw) == 0 {
		logger.Warn().Str("date", date.String()).Msg("No data available for date")
		return []models.PriceRecord{}, nil
	}

	records := parseQuotes(raw, date, logger)

	if c.enrich && len(records) > 0 {
		c.enrichListedInfo(ctx, token, date, records)
	}

	logger.Info().
		Str("date", date.String()).
		Int("received", len(raw)).
		Int("parsed", len(records)).
		Msg("Fetched daily quotes")

	return records, nil
}

// ParseDailyQuotes decodes a daily_quotes payload as served by the API.
// Records that fail to parse are logged and skipped.
func ParseDailyQuotes(data []byte, date civil.Date, logger *common.Logger) ([]models.PriceRecord, error) {
	var resp dailyQuotesResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decode daily_quotes: %w", err)
	}
	return parseQuotes(resp.DailyQuotes, date, logger), nil
}

func parseQuotes(raw []json.RawMessage, date civil.Date, logger *common.Logger) []models.PriceRecord {
	records := make([]models.PriceRecord, 0, len(raw))
	for _, msg := range raw {
		rec, err := parseQuote(msg, date)
		if err != nil {
			logger.Warn().Err(err).Str("date", date.String()).Msg("Skipping unparseable quote")
			continue
		}
		records = append(records, rec)
	}
	return records
}

// parseQuote converts one provider record. The trade date is always the
// requested date.
func parseQuote(msg json.RawMessage, date civil.Date) (models.PriceRecord, error) {
	var q dailyQuote
	if err := json.Unmarshal(msg, &q); err != nil {
		return models.PriceRecord{}, fmt.Errorf("decode quote: %w", err)
	}

	code := strings.TrimSpace(q.Code)
	if code == "" {
		return models.PriceRecord{}, errors.New("quote has no Code")
	}

	volume := null.Int{}
	if q.Volume.Valid {
		if q.Volume.Decimal.IsNegative() || !q.Volume.Decimal.Equal(q.Volume.Decimal.Truncate(0)) {
			return models.PriceRecord{}, fmt.Errorf("quote %s: invalid Volume %s", code, q.Volume.Decimal)
		}
		volume = null.IntFrom(q.Volume.Decimal.IntPart())
	}
	if q.TurnoverValue.Valid && q.TurnoverValue.Decimal.IsNegative() {
		return models.PriceRecord{}, fmt.Errorf("quote %s: negative TurnoverValue %s", code, q.TurnoverValue.Decimal)
	}

	return models.PriceRecord{
		TradeDate:     date,
		SecurityCode:  code,
		SecurityName:  q.CompanyName,
		MarketSegment: q.MarketCode,
		Open:          q.Open,
		High:          q.High,
		Low:           q.Low,
		Close:         q.Close,
		Volume:        volume,
		TurnoverValue: q.TurnoverValue,
	}, nil
}

// enrichListedInfo fills missing names and market codes. Failures are logged
// and the records are kept as they are.
func (c *Client) enrichListedInfo(ctx context.Context, token string, date civil.Date, records []models.PriceRecord) {
	logger := common.LoggerFromOr(ctx, c.logger)
	var resp listedInfoResponse
	params := url.Values{"date": {strings.ReplaceAll(date.String(), "-", "")}}
	if err := c.do(ctx, request{method: http.MethodGet, path: "/listed/info", params: params, token: token}, &resp); err != nil {
		logger.Warn().Err(err).Str("date", date.String()).Msg("Listed info enrichment failed")
		return
	}

	byCode := make(map[string]listedInfo, len(resp.Info))
	for _, info := range resp.Info {
		byCode[info.Code] = info
	}

	enriched := 0
	for i := range records {
		info, ok := byCode[records[i].SecurityCode]
		if !ok {
			continue
		}
		if !records[i].SecurityName.Valid && info.CompanyName != "" {
			records[i].SecurityName = null.StringFrom(info.CompanyName)
		}
		if !records[i].MarketSegment.Valid && info.MarketCode != "" {
			records[i].MarketSegment = null.StringFrom(info.MarketCode)
		}
		enriched++
	}
	logger.Debug().Int("enriched", enriched).Msg("Applied listed info")
}
