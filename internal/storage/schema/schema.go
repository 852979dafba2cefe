// Package schema holds the warehouse layout shared by every backend.
package schema

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"

	"github.com/bobmcallan/kabuka/internal/models"
)

// Columns is the persisted row layout in insert order.
var Columns = []string{
	"date",
	"security_code",
	"security_name",
	"market_code",
	"open_price",
	"high_price",
	"low_price",
	"close_price",
	"volume",
	"turnover_value",
	"created_at",
	"updated_at",
}

// ValueColumns are overwritten when a merge matches an existing row.
var ValueColumns = []string{
	"security_name",
	"market_code",
	"open_price",
	"high_price",
	"low_price",
	"close_price",
	"volume",
	"turnover_value",
}

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidateIdentifier rejects names that cannot be spliced into SQL unquoted.
func ValidateIdentifier(name string) error {
	if !identifier.MatchString(name) {
		return fmt.Errorf("invalid identifier %q", name)
	}
	return nil
}

// StagingName returns a staging table name unique to one merge: it carries
// the target date and a random run suffix so concurrent merges of the same
// date never share a staging location.
func StagingName(table string, date civil.Date) string {
	return fmt.Sprintf("%s_staging_%s_%s", table,
		strings.ReplaceAll(date.String(), "-", ""),
		strings.ReplaceAll(uuid.NewString(), "-", ""))
}

// Rows prepares a merge batch: duplicates collapsed and every row stamped
// with the same write time, truncated to the microsecond precision the
// warehouses store.
func Rows(records []models.PriceRecord, now time.Time) []models.WarehouseRow {
	deduped := models.DedupeByKey(records)
	ts := now.UTC().Truncate(time.Microsecond)
	rows := make([]models.WarehouseRow, len(deduped))
	for i, r := range deduped {
		rows[i] = r.ToWarehouseRow(ts)
	}
	return rows
}

// CheckDates rejects records whose trade date differs from the merge date.
func CheckDates(records []models.PriceRecord, date civil.Date) error {
	for _, r := range records {
		if r.TradeDate != date {
			return fmt.Errorf("record %s has trade date %s, merging %s", r.SecurityCode, r.TradeDate, date)
		}
	}
	return nil
}
