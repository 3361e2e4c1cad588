package model

import (
	"encoding/json"
	"time"
)

// Instrument is what the discovery step learns about a fund.
type Instrument struct {
	DocumentID  string    `json:"document"`
	InternalKey string    `json:"fund_pk"`
	DisplayName string    `json:"fund_name"`
	Active      bool      `json:"active"`
	ReleasedOn  time.Time `json:"released_on"`
}

// Snapshot is a transient view of one fund's cached state, rebuilt from the
// store on every read. Series is nil when the fund was never fetched.
type Snapshot struct {
	Instrument
	FirstObservedAt time.Time `json:"first_query_date,omitempty"`
	LastObservedAt  time.Time `json:"last_query_date,omitempty"`
	FetchedMonths   []Month   `json:"-"`
	Series          []Sample  `json:"timeseries,omitempty"`
}

// Metadata returns a copy without the series, as persisted in the side record.
func (s *Snapshot) Metadata() Snapshot {
	m := *s
	m.Series = nil
	m.FetchedMonths = nil
	return m
}

// JSON returns the JSON-encoded snapshot (ignoring errors).
func (s *Snapshot) JSON() []byte {
	b, _ := json.Marshal(s)
	return b
}
