package model

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// FetchJob asks a worker to fetch one month of one fund. The JSON shape is the
// bus wire format and must stay stable across producer/consumer versions.
type FetchJob struct {
	DocumentID  string `json:"documentId"`
	InternalKey string `json:"internalKey"`
	MonthToken  string `json:"monthToken"` // "MM/YYYY"
	JobID       string `json:"jobId"`
	Saved       bool   `json:"saved"`
	Acked       bool   `json:"acked"`
}

// NewFetchJob creates a job with a fresh id.
func NewFetchJob(documentID, internalKey string, m Month) FetchJob {
	return FetchJob{
		DocumentID:  documentID,
		InternalKey: internalKey,
		MonthToken:  m.Token(),
		JobID:       uuid.NewString(),
	}
}

// Month parses MonthToken.
func (j FetchJob) Month() (Month, error) {
	return ParseMonth(j.MonthToken)
}

// Key returns "document:month", the partition key for a job.
func (j FetchJob) Key() string {
	return j.DocumentID + ":" + j.MonthToken
}

// Validate checks required fields and the month token.
func (j FetchJob) Validate() error {
	var missing []string
	if strings.TrimSpace(j.DocumentID) == "" {
		missing = append(missing, "documentId")
	}
	if strings.TrimSpace(j.InternalKey) == "" {
		missing = append(missing, "internalKey")
	}
	if strings.TrimSpace(j.MonthToken) == "" {
		missing = append(missing, "monthToken")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidJob, strings.Join(missing, ", "))
	}
	if _, err := j.Month(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}
	if j.JobID != "" {
		if _, err := uuid.Parse(j.JobID); err != nil {
			return fmt.Errorf("%w: jobId %q is not a uuid", ErrInvalidJob, j.JobID)
		}
	}
	return nil
}

// JSON returns the wire encoding (ignoring errors).
func (j FetchJob) JSON() []byte {
	b, _ := json.Marshal(j)
	return b
}

// DecodeJob parses and validates a wire message. Messages from older producers
// that omit jobId get one assigned here so logs can still correlate them.
func DecodeJob(data []byte) (FetchJob, error) {
	var j FetchJob
	if err := json.Unmarshal(data, &j); err != nil {
		return FetchJob{}, fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}
	if err := j.Validate(); err != nil {
		return FetchJob{}, err
	}
	if j.JobID == "" {
		j.JobID = uuid.NewString()
	}
	return j, nil
}
