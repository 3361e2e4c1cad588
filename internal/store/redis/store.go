package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"fundpricer/internal/model"

	goredis "github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
)

// maddChunk caps the number of points per TS.MADD call.
const maddChunk = 500

// Store implements model.Store on RedisTimeSeries plus plain keys.
// Series timestamps are unix seconds, matching data written by earlier
// producers of the same keys.
type Store struct {
	client *goredis.Client
	keys   model.Keys
}

var _ model.Store = (*Store)(nil)

// NewStore wraps an existing client. prefix defaults to "PRICER_".
func NewStore(client *goredis.Client, prefix string) *Store {
	return &Store{client: client, keys: model.Keys{Prefix: prefix}}
}

// Client returns the underlying Redis client for health checks.
func (s *Store) Client() *goredis.Client { return s.client }

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return wrapErr("ping", s.client.Ping(ctx).Err())
}

// EnsureSeries runs TS.CREATE with a last-write-wins duplicate policy unless the key exists.
func (s *Store) EnsureSeries(ctx context.Context, key model.SeriesKey) error {
	name := s.keys.Series(key)
	n, err := s.client.Exists(ctx, name).Result()
	if err != nil {
		return wrapErr("exists "+name, err)
	}
	if n > 0 {
		return nil
	}
	err = s.client.Do(ctx, "TS.CREATE", name,
		"DUPLICATE_POLICY", "LAST",
		"LABELS", "document", key.DocumentID, "metric", string(key.Metric),
	).Err()
	if err != nil && !isAlreadyExists(err) {
		return wrapErr("ts.create "+name, err)
	}
	return nil
}

func isAlreadyExists(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "already exists")
}

func isMissingKey(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "key does not exist")
}

// AppendMany writes points with TS.MADD in chunks. Returns the number of
// samples the server accepted.
func (s *Store) AppendMany(ctx context.Context, key model.SeriesKey, points []model.Point) (int, error) {
	name := s.keys.Series(key)
	accepted := 0
	for start := 0; start < len(points); start += maddChunk {
		end := start + maddChunk
		if end > len(points) {
			end = len(points)
		}
		args := make([]interface{}, 0, 1+3*(end-start))
		args = append(args, "TS.MADD")
		for _, p := range points[start:end] {
			args = append(args, name, p.TS.Unix(), p.Value.String())
		}
		reply, err := s.client.Do(ctx, args...).Slice()
		if err != nil {
			return accepted, wrapErr("ts.madd "+name, err)
		}
		for _, r := range reply {
			if _, ok := r.(int64); ok {
				accepted++
			}
		}
	}
	return accepted, nil
}

// Range runs TS.RANGE over [from, to]; zero bounds are open.
func (s *Store) Range(ctx context.Context, key model.SeriesKey, from, to time.Time) ([]model.Point, error) {
	name := s.keys.Series(key)
	var lo, hi interface{} = "-", "+"
	if !from.IsZero() {
		lo = from.Unix()
	}
	if !to.IsZero() {
		hi = to.Unix()
	}
	reply, err := s.client.Do(ctx, "TS.RANGE", name, lo, hi).Slice()
	if err != nil {
		if isMissingKey(err) {
			return []model.Point{}, nil
		}
		return nil, wrapErr("ts.range "+name, err)
	}

	points := make([]model.Point, 0, len(reply))
	for _, row := range reply {
		pair, ok := row.([]interface{})
		if !ok || len(pair) != 2 {
			return nil, fmt.Errorf("redis ts.range %s: unexpected row %v", name, row)
		}
		ts, ok := pair[0].(int64)
		if !ok {
			return nil, fmt.Errorf("redis ts.range %s: timestamp %v", name, pair[0])
		}
		raw := fmt.Sprint(pair[1])
		v, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("redis ts.range %s: value %q: %w", name, raw, err)
		}
		points = append(points, model.Point{TS: time.Unix(ts, 0).UTC(), Value: v})
	}
	return points, nil
}

// Bounds reads firstTimestamp/lastTimestamp from TS.INFO.
func (s *Store) Bounds(ctx context.Context, key model.SeriesKey) (time.Time, time.Time, bool, error) {
	name := s.keys.Series(key)
	reply, err := s.client.Do(ctx, "TS.INFO", name).Slice()
	if err != nil {
		if isMissingKey(err) {
			return time.Time{}, time.Time{}, false, nil
		}
		return time.Time{}, time.Time{}, false, wrapErr("ts.info "+name, err)
	}

	info := make(map[string]interface{}, len(reply)/2)
	for i := 0; i+1 < len(reply); i += 2 {
		info[fmt.Sprint(reply[i])] = reply[i+1]
	}
	total, _ := info["totalSamples"].(int64)
	if total == 0 {
		return time.Time{}, time.Time{}, false, nil
	}
	first, _ := info["firstTimestamp"].(int64)
	last, _ := info["lastTimestamp"].(int64)
	return time.Unix(first, 0).UTC(), time.Unix(last, 0).UTC(), true, nil
}

// metadataRecord is the JSON side record stored under {prefix}{doc}.
type metadataRecord struct {
	Document       string `json:"document"`
	FundPK         string `json:"fund_pk"`
	FundName       string `json:"fund_name"`
	Active         bool   `json:"active"`
	ReleasedOn     string `json:"released_on,omitempty"`
	FirstQueryDate string `json:"first_query_date,omitempty"`
	LastQueryDate  string `json:"last_query_date,omitempty"`
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// parseTime accepts RFC3339 and the bare ISO dates the original producer wrote.
func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// GetMetadata loads the side record. Returns nil, nil when absent.
func (s *Store) GetMetadata(ctx context.Context, documentID string) (*model.Snapshot, error) {
	data, err := s.client.Get(ctx, s.keys.Fund(documentID)).Result()
	if err != nil {
		if err == goredis.Nil {
			return nil, nil
		}
		return nil, wrapErr("get metadata", err)
	}
	var rec metadataRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("unmarshal metadata %s: %w", documentID, err)
	}
	snap := &model.Snapshot{
		Instrument: model.Instrument{
			DocumentID:  documentID,
			InternalKey: rec.FundPK,
			DisplayName: rec.FundName,
			Active:      rec.Active,
			ReleasedOn:  parseTime(rec.ReleasedOn),
		},
		FirstObservedAt: parseTime(rec.FirstQueryDate),
		LastObservedAt:  parseTime(rec.LastQueryDate),
	}
	return snap, nil
}

// PutMetadata upserts the side record.
func (s *Store) PutMetadata(ctx context.Context, snap *model.Snapshot) error {
	rec := metadataRecord{
		Document:       snap.DocumentID,
		FundPK:         snap.InternalKey,
		FundName:       snap.DisplayName,
		Active:         snap.Active,
		ReleasedOn:     formatTime(snap.ReleasedOn),
		FirstQueryDate: formatTime(snap.FirstObservedAt),
		LastQueryDate:  formatTime(snap.LastObservedAt),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	return wrapErr("set metadata", s.client.Set(ctx, s.keys.Fund(snap.DocumentID), data, 0).Err())
}

// MarkMonths adds month tokens to the fetched-months set.
func (s *Store) MarkMonths(ctx context.Context, documentID string, months ...model.Month) error {
	if len(months) == 0 {
		return nil
	}
	members := make([]interface{}, len(months))
	for i, m := range months {
		members[i] = m.Token()
	}
	return wrapErr("sadd months", s.client.SAdd(ctx, s.keys.Months(documentID), members...).Err())
}

// FetchedMonths lists recorded months ascending. Unparseable members are skipped.
func (s *Store) FetchedMonths(ctx context.Context, documentID string) ([]model.Month, error) {
	members, err := s.client.SMembers(ctx, s.keys.Months(documentID)).Result()
	if err != nil {
		return nil, wrapErr("smembers months", err)
	}
	return parseMonths(members), nil
}

func parseMonths(tokens []string) []model.Month {
	out := make([]model.Month, 0, len(tokens))
	for _, tok := range tokens {
		if m, err := model.ParseMonth(tok); err == nil {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// Seen reports whether a job id was marked done.
func (s *Store) Seen(ctx context.Context, jobID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.keys.Job(jobID)).Result()
	if err != nil {
		return false, wrapErr("exists job", err)
	}
	return n > 0, nil
}

// MarkDone records a job id with a TTL.
func (s *Store) MarkDone(ctx context.Context, jobID string, ttl time.Duration) error {
	stamp := strconv.FormatInt(time.Now().Unix(), 10)
	return wrapErr("set job", s.client.Set(ctx, s.keys.Job(jobID), stamp, ttl).Err())
}

// Close closes the Redis client.
func (s *Store) Close() error {
	return s.client.Close()
}
