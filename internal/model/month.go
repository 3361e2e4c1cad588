package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Month identifies one calendar month. The source only publishes data in
// whole months, so every fetch and every coverage decision is month-granular.
type Month struct {
	Year  int
	Month time.Month
}

// MonthOf returns the month containing t (evaluated in UTC).
func MonthOf(t time.Time) Month {
	t = t.UTC()
	return Month{Year: t.Year(), Month: t.Month()}
}

// ParseMonth parses a "MM/YYYY" token.
func ParseMonth(token string) (Month, error) {
	token = strings.TrimSpace(token)
	mm, yyyy, ok := strings.Cut(token, "/")
	if !ok || len(mm) != 2 || len(yyyy) != 4 {
		return Month{}, fmt.Errorf("month token %q: want MM/YYYY", token)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 1 || m > 12 {
		return Month{}, fmt.Errorf("month token %q: bad month", token)
	}
	y, err := strconv.Atoi(yyyy)
	if err != nil || y < 1900 {
		return Month{}, fmt.Errorf("month token %q: bad year", token)
	}
	return Month{Year: y, Month: time.Month(m)}, nil
}

// Token returns the wire form "MM/YYYY".
func (m Month) Token() string {
	return fmt.Sprintf("%02d/%04d", int(m.Month), m.Year)
}

func (m Month) String() string {
	return fmt.Sprintf("%04d-%02d", m.Year, int(m.Month))
}

// IsZero reports whether m is the zero Month.
func (m Month) IsZero() bool { return m.Year == 0 && m.Month == 0 }

// Start is the first instant of the month (UTC).
func (m Month) Start() time.Time {
	return time.Date(m.Year, m.Month, 1, 0, 0, 0, 0, time.UTC)
}

// End is the last second of the month (UTC).
func (m Month) End() time.Time {
	return m.Next().Start().Add(-time.Second)
}

// Next returns the following month.
func (m Month) Next() Month { return MonthOf(m.Start().AddDate(0, 1, 0)) }

// Prev returns the preceding month.
func (m Month) Prev() Month { return MonthOf(m.Start().AddDate(0, -1, 0)) }

// Before reports whether m is strictly earlier than o.
func (m Month) Before(o Month) bool {
	if m.Year != o.Year {
		return m.Year < o.Year
	}
	return m.Month < o.Month
}

// After reports whether m is strictly later than o.
func (m Month) After(o Month) bool { return o.Before(m) }

// Contains reports whether t falls inside the month.
func (m Month) Contains(t time.Time) bool { return MonthOf(t) == m }

// MonthsBetween lists every month in [from, to], ascending. Empty if from is after to.
func MonthsBetween(from, to Month) []Month {
	if from.After(to) {
		return nil
	}
	var out []Month
	for m := from; !m.After(to); m = m.Next() {
		out = append(out, m)
	}
	return out
}
