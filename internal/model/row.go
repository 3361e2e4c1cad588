package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Column layout of the daily report table. Columns not listed here
// (captação, resgate, ...) are ignored.
const (
	colDay      = 0
	colValue    = 1
	colNetWorth = 4
	colOwners   = 6
)

// ParseRow converts one raw table row of the given month into a Sample.
// Numbers use the Brazilian format: "." groups thousands, "," is the decimal mark.
func ParseRow(month Month, fields []string) (Sample, error) {
	cells := make([]string, len(fields))
	for i, f := range fields {
		cells[i] = strings.ReplaceAll(strings.TrimSpace(f), " ", "")
	}
	if len(cells) <= colValue {
		return Sample{}, fmt.Errorf("%w: %d columns", ErrMalformedSample, len(cells))
	}
	if cells[colValue] == "" {
		return Sample{}, ErrNoQuote
	}

	day, err := strconv.Atoi(cells[colDay])
	if err != nil || day < 1 || day > 31 {
		return Sample{}, fmt.Errorf("%w: day %q", ErrMalformedSample, cells[colDay])
	}
	ts := time.Date(month.Year, month.Month, day, 0, 0, 0, 0, time.UTC)
	if !month.Contains(ts) {
		return Sample{}, fmt.Errorf("%w: day %d outside %s", ErrMalformedSample, day, month)
	}

	value, err := ParseDecimalBR(cells[colValue])
	if err != nil || value.IsNegative() {
		return Sample{}, fmt.Errorf("%w: value %q", ErrMalformedSample, cells[colValue])
	}

	s := NewSample(ts, value)
	if len(cells) > colNetWorth && cells[colNetWorth] != "" {
		nw, err := ParseDecimalBR(cells[colNetWorth])
		if err != nil || nw.IsNegative() {
			return Sample{}, fmt.Errorf("%w: net worth %q", ErrMalformedSample, cells[colNetWorth])
		}
		s.NetWorth = nw.InexactFloat64()
	}
	if len(cells) > colOwners && cells[colOwners] != "" {
		owners, err := strconv.ParseInt(strings.ReplaceAll(cells[colOwners], ".", ""), 10, 64)
		if err != nil || owners < 0 {
			return Sample{}, fmt.Errorf("%w: owners %q", ErrMalformedSample, cells[colOwners])
		}
		s.OwnerCount = owners
	}
	return s, nil
}

// ParseDecimalBR parses "1.234.567,89" style numbers.
func ParseDecimalBR(s string) (decimal.Decimal, error) {
	s = strings.ReplaceAll(s, ".", "")
	s = strings.ReplaceAll(s, ",", ".")
	return decimal.NewFromString(s)
}
