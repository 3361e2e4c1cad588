package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/go-redis/redis/v8"
	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RegistersOnCustomRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.JobsProcessed.WithLabelValues("done").Inc()
	m.JobsProcessed.WithLabelValues("done").Inc()
	m.JobsProcessed.WithLabelValues("transient").Inc()
	m.MalformedRows.Add(3)

	families, err := reg.Gather()
	require.NoError(t, err)
	values := map[string]float64{}
	for _, f := range families {
		for _, metric := range f.GetMetric() {
			name := f.GetName()
			for _, l := range metric.GetLabel() {
				name += "/" + l.GetValue()
			}
			values[name] = metric.GetCounter().GetValue()
		}
	}
	assert.Equal(t, 2.0, values["pricer_jobs_processed_total/done"])
	assert.Equal(t, 1.0, values["pricer_jobs_processed_total/transient"])
	assert.Equal(t, 3.0, values["pricer_malformed_rows_total"])

	// a second registration on the same registry must panic
	assert.Panics(t, func() { New(reg) })
}

func decodeReport(t *testing.T, h *HealthStatus) (int, Report) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	var r Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &r))
	return rec.Code, r
}

func TestHealth_NoDependenciesIsHealthy(t *testing.T) {
	code, r := decodeReport(t, NewHealthStatus())
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", r.Status)
}

func TestHealth_ProbesRedisAndSQLite(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "h.db"))
	require.NoError(t, err)
	defer db.Close()

	h := NewHealthStatus()
	h.Check(context.Background(), rdb, db)

	code, r := decodeReport(t, h)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", r.Status)
	assert.True(t, r.RedisConnected)
	assert.True(t, r.SQLiteOK)

	mr.Close()
	h.Check(context.Background(), rdb, db)
	code, r = decodeReport(t, h)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "degraded", r.Status)

	db.Close()
	h.Check(context.Background(), rdb, db)
	_, r = decodeReport(t, h)
	assert.Equal(t, "unhealthy", r.Status)
}

func TestHealth_StoppedWorkersAndOpenBreakerDegrade(t *testing.T) {
	h := NewHealthStatus()
	h.SetWorkersRunning(true)
	_, r := decodeReport(t, h)
	assert.Equal(t, "healthy", r.Status)

	h.SetWorkersRunning(false)
	_, r = decodeReport(t, h)
	assert.Equal(t, "degraded", r.Status)

	h.SetWorkersRunning(true)
	h.SetBreakerState("open")
	_, r = decodeReport(t, h)
	assert.Equal(t, "degraded", r.Status)
	assert.Equal(t, "open", r.BreakerState)
}
