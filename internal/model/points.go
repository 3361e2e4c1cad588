package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Keys builds the store keys for a fund. Prefix defaults to "PRICER_".
type Keys struct {
	Prefix string
}

func (k Keys) prefix() string {
	if k.Prefix == "" {
		return "PRICER_"
	}
	return k.Prefix
}

// Series returns "{prefix}value_{doc}", "{prefix}owners_{doc}" or "{prefix}networth_{doc}".
func (k Keys) Series(key SeriesKey) string {
	return k.prefix() + string(key.Metric) + "_" + key.DocumentID
}

// Fund returns the metadata key "{prefix}{doc}".
func (k Keys) Fund(documentID string) string { return k.prefix() + documentID }

// Months returns the fetched-months set key "{prefix}months_{doc}".
func (k Keys) Months(documentID string) string { return k.prefix() + "months_" + documentID }

// Job returns the ledger key "{prefix}job_{jobId}".
func (k Keys) Job(jobID string) string { return k.prefix() + "job_" + jobID }

// ToPoints projects one metric out of a series. Unknown optional values are
// left out so the store never holds sentinels.
func ToPoints(series []Sample, metric Metric) []Point {
	out := make([]Point, 0, len(series))
	for _, s := range series {
		switch metric {
		case MetricValue:
			out = append(out, Point{TS: s.Timestamp, Value: s.Value})
		case MetricOwners:
			if s.HasOwners() {
				out = append(out, Point{TS: s.Timestamp, Value: decimal.NewFromInt(s.OwnerCount)})
			}
		case MetricNetWorth:
			if s.HasNetWorth() {
				out = append(out, Point{TS: s.Timestamp, Value: decimal.NewFromFloat(s.NetWorth)})
			}
		}
	}
	return out
}

// FromPoints joins the three metric series back into samples. The value series
// drives the result; owners and net worth without a value point are dropped.
func FromPoints(values, owners, netWorth []Point) []Sample {
	ownersAt := make(map[int64]int64, len(owners))
	for _, p := range owners {
		ownersAt[p.TS.Unix()] = p.Value.IntPart()
	}
	netWorthAt := make(map[int64]float64, len(netWorth))
	for _, p := range netWorth {
		netWorthAt[p.TS.Unix()] = p.Value.InexactFloat64()
	}

	out := make([]Sample, 0, len(values))
	var prev time.Time
	for _, p := range values {
		if !prev.IsZero() && !p.TS.After(prev) {
			continue
		}
		prev = p.TS
		s := NewSample(p.TS, p.Value)
		if v, ok := ownersAt[p.TS.Unix()]; ok {
			s.OwnerCount = v
		}
		if v, ok := netWorthAt[p.TS.Unix()]; ok {
			s.NetWorth = v
		}
		out = append(out, s)
	}
	return out
}
