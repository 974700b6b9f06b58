// Package calendar provides business-day date arithmetic for settlement
// dating and the duplicate-screen horizon. Weekends are always non-business
// days; market holidays come from configuration.
package calendar

import (
	"fmt"
	"time"
)

// Layout is the YYYYMMDD wire format trade and settle dates use.
const Layout = "20060102"

// Calendar answers business-day questions for one market calendar.
type Calendar struct {
	holidays map[string]struct{} // YYYYMMDD
}

// New builds a calendar from a holiday list in YYYYMMDD form. Malformed
// entries are rejected so a typo in config fails at startup, not at T+2.
func New(holidays []string) (*Calendar, error) {
	set := make(map[string]struct{}, len(holidays))
	for _, h := range holidays {
		if _, err := time.Parse(Layout, h); err != nil {
			return nil, fmt.Errorf("parse holiday %q: %w", h, err)
		}
		set[h] = struct{}{}
	}
	return &Calendar{holidays: set}, nil
}

// IsBusinessDay reports whether t falls on a weekday that is not a holiday.
func (c *Calendar) IsBusinessDay(t time.Time) bool {
	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	_, holiday := c.holidays[t.Format(Layout)]
	return !holiday
}

// AddBusinessDays returns date advanced by n business days, in YYYYMMDD
// form. n must be >= 0; n == 0 returns date unchanged even on a weekend.
func (c *Calendar) AddBusinessDays(date string, n int) (string, error) {
	t, err := time.Parse(Layout, date)
	if err != nil {
		return "", fmt.Errorf("parse date %q: %w", date, err)
	}
	for remaining := n; remaining > 0; {
		t = t.AddDate(0, 0, 1)
		if c.IsBusinessDay(t) {
			remaining--
		}
	}
	return t.Format(Layout), nil
}

// WithinHorizon reports whether now is on or before tradeDate plus
// horizonDays business days. The duplicate screen retains exec ids exactly
// this long; a replay landing outside the horizon is treated as new, and
// the deterministic upsert keeps that harmless.
func (c *Calendar) WithinHorizon(tradeDate string, horizonDays int, now time.Time) (bool, error) {
	end, err := c.AddBusinessDays(tradeDate, horizonDays)
	if err != nil {
		return false, err
	}
	return now.Format(Layout) <= end, nil
}
