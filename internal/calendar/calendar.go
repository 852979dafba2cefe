// Package calendar decides which dates the Tokyo Stock Exchange is open.
package calendar

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	holiday "github.com/holiday-jp/holiday_jp-go"

	"github.com/bobmcallan/kabuka/internal/common"
)

// maxLookback bounds LatestBusinessDay. No run of closures comes close.
const maxLookback = 30

// ErrCalendarExhausted is returned when no business day is found within
// maxLookback days.
var ErrCalendarExhausted = errors.New("no business day found within lookback window")

var tokyo = loadTokyo()

func loadTokyo() *time.Location {
	loc, err := time.LoadLocation("Asia/Tokyo")
	if err != nil {
		return time.FixedZone("JST", 9*60*60)
	}
	return loc
}

// Tokyo returns the exchange's time zone.
func Tokyo() *time.Location { return tokyo }

// Calendar is the JPX trading calendar: weekdays that are not national
// holidays, not Dec 31 or Jan 1-3, and not an extra configured closure.
type Calendar struct {
	closures map[civil.Date]struct{}
}

// New creates a calendar with additional closure dates.
func New(extraClosures ...civil.Date) *Calendar {
	c := &Calendar{closures: make(map[civil.Date]struct{}, len(extraClosures))}
	for _, d := range extraClosures {
		c.closures[d] = struct{}{}
	}
	return c
}

// NewFromConfig parses the configured extra closures.
func NewFromConfig(cfg common.CalendarConfig) (*Calendar, error) {
	dates := make([]civil.Date, 0, len(cfg.ExtraClosures))
	for _, s := range cfg.ExtraClosures {
		d, err := ParseDate(s)
		if err != nil {
			return nil, fmt.Errorf("calendar.extra_closures: %w", err)
		}
		dates = append(dates, d)
	}
	return New(dates...), nil
}

// IsBusinessDay reports whether the exchange trades on d.
func (c *Calendar) IsBusinessDay(d civil.Date) bool {
	t := d.In(tokyo)
	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	if isYearEndClosure(d) {
		return false
	}
	if _, ok := c.closures[d]; ok {
		return false
	}
	return !holiday.IsHoliday(t)
}

func isYearEndClosure(d civil.Date) bool {
	if d.Month == time.December && d.Day == 31 {
		return true
	}
	return d.Month == time.January && d.Day <= 3
}

// LatestBusinessDay returns ref if it is a business day, otherwise the
// closest earlier one.
func (c *Calendar) LatestBusinessDay(ref civil.Date) (civil.Date, error) {
	d := ref
	for i := 0; i <= maxLookback; i++ {
		if c.IsBusinessDay(d) {
			return d, nil
		}
		d = d.AddDays(-1)
	}
	return civil.Date{}, fmt.Errorf("%w: walked back from %s", ErrCalendarExhausted, ref)
}

// BusinessDaysInRange returns the business days in [start, end], ascending.
func (c *Calendar) BusinessDaysInRange(start, end civil.Date) []civil.Date {
	var days []civil.Date
	for d := start; !d.After(end); d = d.AddDays(1) {
		if c.IsBusinessDay(d) {
			days = append(days, d)
		}
	}
	return days
}

// Today returns the current date in Tokyo.
func (c *Calendar) Today(now time.Time) civil.Date {
	return civil.DateOf(now.In(tokyo))
}

var dateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"20060102",
	"02/01/2006",
	"02-01-2006",
}

// ParseDate accepts YYYY-MM-DD, YYYY/MM/DD, YYYYMMDD, DD/MM/YYYY and
// DD-MM-YYYY, tried in that order.
func ParseDate(s string) (civil.Date, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return civil.DateOf(t), nil
		}
	}
	return civil.Date{}, &common.DateParseError{Input: s}
}
