package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"fundpricer/internal/model"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

// Config configures the SQLite store.
type Config struct {
	DBPath string // path to the database file, e.g. "data/pricer.db"
}

// Store is a single-file implementation of model.Store. It mirrors the
// Redis layout: one row per (document, metric, ts), a JSON side record per
// fund, a fetched-months set and an expiring job ledger.
type Store struct {
	db  *sql.DB
	log *slog.Logger
	now func() time.Time
}

var _ model.Store = (*Store)(nil)

// DB returns the underlying sql.DB for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// New opens the database in WAL mode and creates the schema.
func New(cfg Config, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", wrapErr(err))
	}

	logger.Info("sqlite store opened", "path", cfg.DBPath)
	return &Store{db: db, log: logger, now: time.Now}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS series_keys (
			document TEXT NOT NULL,
			metric   TEXT NOT NULL,
			PRIMARY KEY (document, metric)
		);

		CREATE TABLE IF NOT EXISTS series (
			document TEXT    NOT NULL,
			metric   TEXT    NOT NULL,
			ts       INTEGER NOT NULL,
			value    TEXT    NOT NULL,
			PRIMARY KEY (document, metric, ts)
		);

		CREATE TABLE IF NOT EXISTS funds (
			document   TEXT PRIMARY KEY,
			data       TEXT    NOT NULL,
			updated_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS fetched_months (
			document TEXT    NOT NULL,
			year     INTEGER NOT NULL,
			month    INTEGER NOT NULL,
			PRIMARY KEY (document, year, month)
		);

		CREATE TABLE IF NOT EXISTS jobs_done (
			job_id     TEXT PRIMARY KEY,
			expires_at INTEGER NOT NULL
		);
	`)
	return err
}

// wrapErr tags errors that mean the database itself is unusable.
func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrConnDone) {
		return errors.Join(model.ErrStoreUnavailable, err)
	}
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		switch serr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked, sqlite3.ErrCantOpen, sqlite3.ErrIoErr, sqlite3.ErrFull:
			return errors.Join(model.ErrStoreUnavailable, err)
		}
	}
	if err.Error() == "sql: database is closed" {
		return errors.Join(model.ErrStoreUnavailable, err)
	}
	return err
}

// Ping checks the database handle.
func (s *Store) Ping(ctx context.Context) error {
	return wrapErr(s.db.PingContext(ctx))
}

// EnsureSeries registers the series; an existing one is left alone.
func (s *Store) EnsureSeries(ctx context.Context, key model.SeriesKey) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO series_keys (document, metric) VALUES (?, ?)`,
		key.DocumentID, string(key.Metric))
	if err != nil {
		return fmt.Errorf("sqlite ensure series %s/%s: %w", key.DocumentID, key.Metric, wrapErr(err))
	}
	return nil
}

// AppendMany inserts points in a single transaction; the last write for a
// timestamp wins.
func (s *Store) AppendMany(ctx context.Context, key model.SeriesKey, points []model.Point) (int, error) {
	if len(points) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sqlite begin: %w", wrapErr(err))
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO series (document, metric, ts, value)
		VALUES (?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("sqlite prepare: %w", wrapErr(err))
	}
	defer stmt.Close()

	for _, p := range points {
		if _, err := stmt.ExecContext(ctx, key.DocumentID, string(key.Metric), p.TS.Unix(), p.Value.String()); err != nil {
			tx.Rollback()
			return 0, fmt.Errorf("sqlite insert %s/%s: %w", key.DocumentID, key.Metric, wrapErr(err))
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sqlite commit: %w", wrapErr(err))
	}
	return len(points), nil
}

// Range returns points in [from, to]; zero bounds are open.
func (s *Store) Range(ctx context.Context, key model.SeriesKey, from, to time.Time) ([]model.Point, error) {
	lo, hi := int64(-1<<62), int64(1<<62)
	if !from.IsZero() {
		lo = from.Unix()
	}
	if !to.IsZero() {
		hi = to.Unix()
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT ts, value FROM series
		WHERE document = ? AND metric = ? AND ts >= ? AND ts <= ?
		ORDER BY ts ASC
	`, key.DocumentID, string(key.Metric), lo, hi)
	if err != nil {
		return nil, fmt.Errorf("sqlite range %s/%s: %w", key.DocumentID, key.Metric, wrapErr(err))
	}
	defer rows.Close()

	points := []model.Point{}
	for rows.Next() {
		var ts int64
		var raw string
		if err := rows.Scan(&ts, &raw); err != nil {
			return nil, fmt.Errorf("sqlite scan: %w", err)
		}
		v, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("sqlite range %s/%s: value %q: %w", key.DocumentID, key.Metric, raw, err)
		}
		points = append(points, model.Point{TS: time.Unix(ts, 0).UTC(), Value: v})
	}
	return points, wrapErr(rows.Err())
}

// Bounds returns the first and last stored timestamp of a series.
func (s *Store) Bounds(ctx context.Context, key model.SeriesKey) (time.Time, time.Time, bool, error) {
	var lo, hi sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MIN(ts), MAX(ts) FROM series WHERE document = ? AND metric = ?`,
		key.DocumentID, string(key.Metric),
	).Scan(&lo, &hi)
	if err != nil {
		return time.Time{}, time.Time{}, false, fmt.Errorf("sqlite bounds: %w", wrapErr(err))
	}
	if !lo.Valid {
		return time.Time{}, time.Time{}, false, nil
	}
	return time.Unix(lo.Int64, 0).UTC(), time.Unix(hi.Int64, 0).UTC(), true, nil
}

// GetMetadata returns nil, nil for an unknown fund.
func (s *Store) GetMetadata(ctx context.Context, documentID string) (*model.Snapshot, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM funds WHERE document = ?`, documentID).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("sqlite get metadata: %w", wrapErr(err))
	}
	var snap model.Snapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return nil, fmt.Errorf("unmarshal metadata %s: %w", documentID, err)
	}
	snap.Series = nil
	return &snap, nil
}

// PutMetadata upserts the side record.
func (s *Store) PutMetadata(ctx context.Context, snap *model.Snapshot) error {
	meta := snap.Metadata()
	data, err := json.Marshal(&meta)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO funds (document, data, updated_at) VALUES (?, ?, ?)`,
		snap.DocumentID, string(data), s.now().Unix())
	if err != nil {
		return fmt.Errorf("sqlite put metadata: %w", wrapErr(err))
	}
	return nil
}

// MarkMonths adds months to the fetched set.
func (s *Store) MarkMonths(ctx context.Context, documentID string, months ...model.Month) error {
	if len(months) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite begin: %w", wrapErr(err))
	}
	for _, m := range months {
		_, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO fetched_months (document, year, month) VALUES (?, ?, ?)`,
			documentID, m.Year, int(m.Month))
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("sqlite mark months: %w", wrapErr(err))
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite commit: %w", wrapErr(err))
	}
	return nil
}

// FetchedMonths lists recorded months ascending.
func (s *Store) FetchedMonths(ctx context.Context, documentID string) ([]model.Month, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT year, month FROM fetched_months WHERE document = ? ORDER BY year, month`, documentID)
	if err != nil {
		return nil, fmt.Errorf("sqlite fetched months: %w", wrapErr(err))
	}
	defer rows.Close()

	months := []model.Month{}
	for rows.Next() {
		var year, month int
		if err := rows.Scan(&year, &month); err != nil {
			return nil, fmt.Errorf("sqlite scan: %w", err)
		}
		months = append(months, model.Month{Year: year, Month: time.Month(month)})
	}
	return months, wrapErr(rows.Err())
}

// Seen reports whether jobID is recorded and not yet expired.
func (s *Store) Seen(ctx context.Context, jobID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs_done WHERE job_id = ? AND expires_at > ?`,
		jobID, s.now().Unix()).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("sqlite seen: %w", wrapErr(err))
	}
	return n > 0, nil
}

// MarkDone records jobID until now+ttl and prunes expired entries.
func (s *Store) MarkDone(ctx context.Context, jobID string, ttl time.Duration) error {
	now := s.now()
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO jobs_done (job_id, expires_at) VALUES (?, ?)`,
		jobID, now.Add(ttl).Unix()); err != nil {
		return fmt.Errorf("sqlite mark done: %w", wrapErr(err))
	}
	if res, err := s.db.ExecContext(ctx, `DELETE FROM jobs_done WHERE expires_at <= ?`, now.Unix()); err == nil {
		if n, _ := res.RowsAffected(); n > 0 {
			s.log.Debug("pruned job ledger", "removed", n)
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
