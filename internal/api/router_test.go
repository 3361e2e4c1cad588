package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"fundpricer/internal/model"
	"fundpricer/internal/notification"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/go-redis/redis/v8"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReader struct {
	snap     *model.Snapshot
	err      error
	from, to model.Month
}

func (f *fakeReader) GetCached(ctx context.Context, documentID string) (*model.Snapshot, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.snap, nil
}

func (f *fakeReader) GetOrRefresh(ctx context.Context, documentID string, from, to model.Month) (*model.Snapshot, error) {
	f.from, f.to = from, to
	return f.GetCached(ctx, documentID)
}

func testSnapshot() *model.Snapshot {
	return &model.Snapshot{
		Instrument: model.Instrument{DocumentID: "12345", InternalKey: "132922", DisplayName: "ALPHA FIC FIA", Active: true},
		Series: []model.Sample{
			model.NewSample(time.Date(2021, 7, 1, 0, 0, 0, 0, time.UTC), decimal.RequireFromString("1.10")),
		},
	}
}

func do(t *testing.T, mux http.Handler, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestGetFund(t *testing.T) {
	routes := map[string]int{}
	mux := NewRouter(Deps{
		Reader:    &fakeReader{snap: testSnapshot()},
		OnRequest: func(route string, code int) { routes[route] = code },
	})

	rec := do(t, mux, http.MethodGet, "/api/v1/funds/12345")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "12345", body["document"])
	assert.Len(t, body["timeseries"], 1)
	assert.Equal(t, http.StatusOK, routes["get_fund"])
}

func TestRefreshFund_ParsesRange(t *testing.T) {
	reader := &fakeReader{snap: testSnapshot()}
	mux := NewRouter(Deps{Reader: reader})

	rec := do(t, mux, http.MethodPost, "/api/v1/funds/12345/refresh?from=03/2021&to=09/2021")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, model.Month{Year: 2021, Month: time.March}, reader.from)
	assert.Equal(t, model.Month{Year: 2021, Month: time.September}, reader.to)

	rec = do(t, mux, http.MethodPost, "/api/v1/funds/12345/refresh")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.True(t, reader.from.IsZero())
	assert.True(t, reader.to.IsZero())
}

func TestRefreshFund_BadRequest(t *testing.T) {
	mux := NewRouter(Deps{Reader: &fakeReader{snap: testSnapshot()}})

	for _, q := range []string{"from=2021-03", "to=13/2021", "from=09/2021&to=03/2021"} {
		rec := do(t, mux, http.MethodPost, "/api/v1/funds/12345/refresh?"+q)
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
		assert.Contains(t, rec.Body.String(), "error", q)
	}
}

func TestErrorMapping(t *testing.T) {
	cases := map[string]struct {
		err  error
		code int
	}{
		"not found":         {fmt.Errorf("document 1: %w", model.ErrNotFound), http.StatusNotFound},
		"store unavailable": {fmt.Errorf("load: %w", model.ErrStoreUnavailable), http.StatusServiceUnavailable},
		"bus unavailable":   {fmt.Errorf("publish: %w", model.ErrBusUnavailable), http.StatusServiceUnavailable},
		"other":             {fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			mux := NewRouter(Deps{Reader: &fakeReader{err: tc.err}})
			assert.Equal(t, tc.code, do(t, mux, http.MethodGet, "/api/v1/funds/1").Code)
			assert.Equal(t, tc.code, do(t, mux, http.MethodPost, "/api/v1/funds/1/refresh").Code)
		})
	}
}

func TestMethodNotAllowed(t *testing.T) {
	mux := NewRouter(Deps{Reader: &fakeReader{snap: testSnapshot()}})
	assert.Equal(t, http.StatusMethodNotAllowed, do(t, mux, http.MethodDelete, "/api/v1/funds/1").Code)
}

func TestHealth(t *testing.T) {
	mux := NewRouter(Deps{Reader: &fakeReader{}})
	rec := do(t, mux, http.MethodGet, "/api/v1/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	mux = NewRouter(Deps{Reader: &fakeReader{}, Health: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})})
	assert.Equal(t, http.StatusServiceUnavailable, do(t, mux, http.MethodGet, "/api/v1/health").Code)
}

func dialEvents(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/events" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

type envelope struct {
	Seq   int64              `json:"seq"`
	Event notification.Event `json:"event"`
}

func readEnvelopes(t *testing.T, conn *websocket.Conn, n int) []envelope {
	t.Helper()
	var out []envelope
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for len(out) < n {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		for _, line := range strings.Split(string(data), "\n") {
			var env envelope
			require.NoError(t, json.Unmarshal([]byte(line), &env))
			out = append(out, env)
		}
	}
	return out
}

func event(doc, outcome string) notification.Event {
	return notification.Event{Level: notification.LevelInfo, DocumentID: doc, MonthToken: "07/2021", Outcome: outcome}
}

func TestEvents_FilterAndReplay(t *testing.T) {
	hub := NewHub(16, nil)
	srv := httptest.NewServer(NewRouter(Deps{Reader: &fakeReader{}, Hub: hub}))
	defer srv.Close()

	// held before anyone connects
	require.NoError(t, hub.Send(context.Background(), event("12345", "done")))
	require.NoError(t, hub.Send(context.Background(), event("999", "done")))

	conn := dialEvents(t, srv, "?document=12345&since=0")
	got := readEnvelopes(t, conn, 1)
	assert.Equal(t, int64(1), got[0].Seq)
	assert.Equal(t, "12345", got[0].Event.DocumentID)

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, hub.Send(context.Background(), event("999", "transient")))
	require.NoError(t, hub.Send(context.Background(), event("12345", "permanent")))

	got = readEnvelopes(t, conn, 1)
	assert.Equal(t, int64(4), got[0].Seq)
	assert.Equal(t, "permanent", got[0].Event.Outcome)
}

func TestEvents_SubscribeMessage(t *testing.T) {
	hub := NewHub(16, nil)
	srv := httptest.NewServer(NewRouter(Deps{Reader: &fakeReader{}, Hub: hub}))
	defer srv.Close()

	conn := dialEvents(t, srv, "?document=none")
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "SUBSCRIBE", "document": "777"}))

	// the subscription is applied asynchronously; a ping round trip orders it
	require.NoError(t, conn.WriteJSON(map[string]int64{"ping": 42}))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"pong"`)

	require.NoError(t, hub.Send(context.Background(), event("777", "done")))
	got := readEnvelopes(t, conn, 1)
	assert.Equal(t, "777", got[0].Event.DocumentID)
}

func TestHub_RelaysRedisChannel(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	hub := NewHub(16, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- hub.Run(ctx, rdb, notification.DefaultChannel) }()

	require.Eventually(t, func() bool {
		n, _ := rdb.PubSubNumSub(ctx, notification.DefaultChannel).Result()
		return n[notification.DefaultChannel] == 1
	}, 2*time.Second, 10*time.Millisecond)

	pub := notification.NewRedisNotifier(rdb, notification.DefaultChannel)
	require.NoError(t, pub.Send(ctx, event("12345", "done")))
	require.NoError(t, rdb.Publish(ctx, notification.DefaultChannel, "not json").Err())

	require.Eventually(t, func() bool { return hub.backlog.Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not stop")
	}
}
