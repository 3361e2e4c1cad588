package model

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Sentinels for optional metrics the source sometimes leaves blank.
const (
	UnknownOwners   int64   = -1
	UnknownNetWorth float64 = -1
)

// Sample is one daily observation of a fund.
type Sample struct {
	Timestamp  time.Time       `json:"timestamp"` // UTC, second precision
	Value      decimal.Decimal `json:"value"`     // quota price
	OwnerCount int64           `json:"owners"`    // UnknownOwners when absent
	NetWorth   float64         `json:"net_worth"` // UnknownNetWorth when absent
}

// NewSample builds a sample with both optional metrics unknown.
func NewSample(ts time.Time, value decimal.Decimal) Sample {
	return Sample{
		Timestamp:  ts.UTC().Truncate(time.Second),
		Value:      value,
		OwnerCount: UnknownOwners,
		NetWorth:   UnknownNetWorth,
	}
}

// HasOwners reports whether the owner count is known.
func (s Sample) HasOwners() bool { return s.OwnerCount >= 0 }

// HasNetWorth reports whether the net worth is known.
func (s Sample) HasNetWorth() bool { return s.NetWorth >= 0 }

// Equal compares all fields; timestamps compare by instant.
func (s Sample) Equal(o Sample) bool {
	return s.Timestamp.Equal(o.Timestamp) &&
		s.Value.Equal(o.Value) &&
		s.OwnerCount == o.OwnerCount &&
		s.NetWorth == o.NetWorth
}

// JSON returns the JSON-encoded sample (ignoring errors).
func (s Sample) JSON() []byte {
	b, _ := json.Marshal(s)
	return b
}

// Merge combines two ascending, timestamp-unique series into one.
// The result holds the union of both inputs keyed by timestamp; on collision
// the incoming sample wins, except that an owner count or net worth it leaves
// blank keeps the stored value. Runs in O(n+m).
func Merge(existing, incoming []Sample) []Sample {
	out := make([]Sample, 0, len(existing)+len(incoming))
	i, j := 0, 0
	for i < len(existing) && j < len(incoming) {
		a, b := existing[i], incoming[j]
		switch {
		case a.Timestamp.Before(b.Timestamp):
			out = append(out, a)
			i++
		case b.Timestamp.Before(a.Timestamp):
			out = append(out, b)
			j++
		default:
			out = append(out, b.keepKnown(a))
			i++
			j++
		}
	}
	out = append(out, existing[i:]...)
	out = append(out, incoming[j:]...)
	return out
}

// keepKnown fills the optional metrics s lacks from stored.
func (s Sample) keepKnown(stored Sample) Sample {
	if !s.HasOwners() {
		s.OwnerCount = stored.OwnerCount
	}
	if !s.HasNetWorth() {
		s.NetWorth = stored.NetWorth
	}
	return s
}

// Changed returns the samples of merged that are absent from existing or differ
// from the stored version. Both inputs must be ascending and unique.
func Changed(existing, merged []Sample) []Sample {
	var out []Sample
	i := 0
	for _, m := range merged {
		for i < len(existing) && existing[i].Timestamp.Before(m.Timestamp) {
			i++
		}
		if i < len(existing) && existing[i].Timestamp.Equal(m.Timestamp) {
			if !existing[i].Equal(m) {
				out = append(out, m)
			}
			continue
		}
		out = append(out, m)
	}
	return out
}

// Bounds returns the first and last timestamp of an ascending series.
func Bounds(series []Sample) (first, last time.Time, ok bool) {
	if len(series) == 0 {
		return time.Time{}, time.Time{}, false
	}
	return series[0].Timestamp, series[len(series)-1].Timestamp, true
}
