// Package notification reports finished fetch jobs to logs, webhooks and a
// Redis channel the API relays to websocket clients.
package notification

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"
)

// Level is the severity of an event.
type Level string

const (
	LevelInfo     Level = "INFO"
	LevelWarning  Level = "WARNING"
	LevelCritical Level = "CRITICAL"
)

func (l Level) rank() int {
	switch l {
	case LevelWarning:
		return 1
	case LevelCritical:
		return 2
	default:
		return 0
	}
}

// AtLeast reports whether l is as severe as min.
func (l Level) AtLeast(min Level) bool { return l.rank() >= min.rank() }

// Event describes the outcome of one job.
type Event struct {
	Level      Level     `json:"level"`
	JobID      string    `json:"jobId"`
	DocumentID string    `json:"documentId"`
	MonthToken string    `json:"monthToken"`
	Outcome    string    `json:"outcome"`
	Fetched    int       `json:"fetched"`
	Written    int       `json:"written"`
	Error      string    `json:"error,omitempty"`
	Duration   float64   `json:"durationSeconds"`
	At         time.Time `json:"at"`
}

// JSON returns the JSON-encoded event (ignoring errors).
func (e Event) JSON() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Notifier delivers events.
type Notifier interface {
	// Send delivers an event. Returns error if delivery fails.
	Send(ctx context.Context, ev Event) error
}

// LogNotifier writes events to a structured logger.
type LogNotifier struct {
	log *slog.Logger
}

// NewLogNotifier creates a log-based notifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{log: logger}
}

func (n *LogNotifier) Send(ctx context.Context, ev Event) error {
	level := slog.LevelInfo
	switch ev.Level {
	case LevelWarning:
		level = slog.LevelWarn
	case LevelCritical:
		level = slog.LevelError
	}
	n.log.Log(ctx, level, "job finished",
		"job_id", ev.JobID,
		"document", ev.DocumentID,
		"month", ev.MonthToken,
		"outcome", ev.Outcome,
		"fetched", ev.Fetched,
		"written", ev.Written,
		"error", ev.Error,
	)
	return nil
}

// Multi fans an event out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Send(ctx context.Context, ev Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Send(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
