// Package api serves cached fund snapshots over HTTP and streams job
// events over websocket.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"fundpricer/internal/logger"
	"fundpricer/internal/model"
)

// Reader is the read side of the cache coordinator.
type Reader interface {
	GetCached(ctx context.Context, documentID string) (*model.Snapshot, error)
	GetOrRefresh(ctx context.Context, documentID string, from, to model.Month) (*model.Snapshot, error)
}

// Deps are the router's collaborators. Health and Hub are optional.
type Deps struct {
	Reader Reader
	Health http.Handler
	Hub    *Hub
	Log    *slog.Logger

	// OnRequest is called after every request with the route pattern and status (optional).
	OnRequest func(route string, code int)
}

// NewRouter sets up HTTP routes for the API server.
//
//	GET  /api/v1/health
//	GET  /api/v1/funds/{doc}
//	POST /api/v1/funds/{doc}/refresh?from=MM/YYYY&to=MM/YYYY
//	GET  /api/v1/events (websocket)
func NewRouter(d Deps) *http.ServeMux {
	if d.Log == nil {
		d.Log = slog.Default()
	}
	s := &server{Deps: d}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/health", s.wrap("health", s.health))
	mux.HandleFunc("GET /api/v1/funds/{doc}", s.wrap("get_fund", s.getFund))
	mux.HandleFunc("POST /api/v1/funds/{doc}/refresh", s.wrap("refresh_fund", s.refreshFund))
	if d.Hub != nil {
		mux.HandleFunc("GET /api/v1/events", d.Hub.ServeWS)
	}
	return mux
}

type server struct {
	Deps
}

// statusWriter records the status code for metrics.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (s *server) wrap(route string, fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := logger.WithTraceID(r.Context(), logger.GenerateTraceID(route, time.Now()))
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		fn(sw, r.WithContext(ctx))
		if s.OnRequest != nil {
			s.OnRequest(route, sw.code)
		}
	}
}

func (s *server) health(w http.ResponseWriter, r *http.Request) {
	if s.Health != nil {
		s.Health.ServeHTTP(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) getFund(w http.ResponseWriter, r *http.Request) {
	doc := r.PathValue("doc")
	snap, err := s.Reader.GetCached(r.Context(), doc)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeRaw(w, http.StatusOK, snap.JSON())
}

func (s *server) refreshFund(w http.ResponseWriter, r *http.Request) {
	doc := r.PathValue("doc")
	from, err := monthParam(r, "from")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	to, err := monthParam(r, "to")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		s.fail(w, r, fmt.Errorf("%w: to %s before from %s", errBadRequest, to.Token(), from.Token()))
		return
	}

	snap, err := s.Reader.GetOrRefresh(r.Context(), doc, from, to)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeRaw(w, http.StatusAccepted, snap.JSON())
}

var errBadRequest = errors.New("bad request")

func monthParam(r *http.Request, name string) (model.Month, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return model.Month{}, nil
	}
	m, err := model.ParseMonth(v)
	if err != nil {
		return model.Month{}, fmt.Errorf("%w: %s: %v", errBadRequest, name, err)
	}
	return m, nil
}

// statusOf maps domain errors to HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, errBadRequest), errors.Is(err, model.ErrInvalidJob):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrStoreUnavailable),
		errors.Is(err, model.ErrBusUnavailable),
		errors.Is(err, model.ErrSourceUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusOf(err)
	log := s.Log.With(logger.LogWithTrace(r.Context())...)
	if code >= 500 {
		log.Error("request failed", "path", r.URL.Path, "status", code, "error", err)
	} else {
		log.Debug("request rejected", "path", r.URL.Path, "status", code, "error", err)
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	data, _ := json.Marshal(v)
	writeRaw(w, code, data)
}

func writeRaw(w http.ResponseWriter, code int, data []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(data)
}
