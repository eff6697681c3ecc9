package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/golden-vcr/micro-catalog/catalog"
	"github.com/golden-vcr/micro-catalog/rmq"
)

type brokerStub struct {
	state rmq.ConnectionState
}

func (b *brokerStub) IsListening() bool          { return b.state == rmq.StateConnected }
func (b *brokerStub) State() rmq.ConnectionState { return b.state }

type pingerFunc func(ctx context.Context) error

func (f pingerFunc) PingContext(ctx context.Context) error { return f(ctx) }

type listerFunc[T any] func(ctx context.Context) ([]T, error)

func (f listerFunc[T]) List(ctx context.Context) ([]T, error) { return f(ctx) }

func emptyLister[T any]() Lister[T] {
	return listerFunc[T](func(ctx context.Context) ([]T, error) { return []T{}, nil })
}

func strptr(s string) *string { return &s }

func newTestServer(broker BrokerStatus, db Pinger) *Server {
	return NewServer(Options{
		Broker:      broker,
		DB:          db,
		Categories:  emptyLister[catalog.Category](),
		Genres:      emptyLister[catalog.Genre](),
		CastMembers: emptyLister[catalog.CastMember](),
		Registry:    prometheus.NewRegistry(),
	})
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	res := httptest.NewRecorder()
	h.ServeHTTP(res, req)
	return res
}

func Test_Server_Health(t *testing.T) {
	healthy := pingerFunc(func(ctx context.Context) error { return nil })
	tests := []struct {
		name       string
		state      rmq.ConnectionState
		db         Pinger
		wantStatus int
		wantBody   []string
	}{
		{
			name:       "connected broker and reachable database",
			state:      rmq.StateConnected,
			db:         healthy,
			wantStatus: http.StatusOK,
			wantBody:   []string{`"status":"ok"`, `"broker":"connected"`, `"database":"ok"`},
		},
		{
			name:       "reconnecting broker",
			state:      rmq.StateConnecting,
			db:         healthy,
			wantStatus: http.StatusServiceUnavailable,
			wantBody:   []string{`"status":"unhealthy"`, `"broker":"connecting"`},
		},
		{
			name:  "unreachable database",
			state: rmq.StateConnected,
			db: pingerFunc(func(ctx context.Context) error {
				return errors.New("connection refused")
			}),
			wantStatus: http.StatusServiceUnavailable,
			wantBody:   []string{`"status":"unhealthy"`, `"database":"unreachable"`},
		},
		{
			name:       "no database configured",
			state:      rmq.StateConnected,
			wantStatus: http.StatusOK,
			wantBody:   []string{`"status":"ok"`},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(&brokerStub{state: tt.state}, tt.db)
			res := get(t, s.Handler(), "/healthz")
			assert.Equal(t, tt.wantStatus, res.Code)
			assert.Equal(t, "application/json", res.Header().Get("content-type"))
			for _, want := range tt.wantBody {
				assert.Contains(t, res.Body.String(), want)
			}
		})
	}
}

func Test_Server_List(t *testing.T) {
	broker := &brokerStub{state: rmq.StateConnected}
	s := NewServer(Options{
		Broker: broker,
		Categories: listerFunc[catalog.Category](func(ctx context.Context) ([]catalog.Category, error) {
			return []catalog.Category{{ID: "1", Name: strptr("Drama")}}, nil
		}),
		Genres: listerFunc[catalog.Genre](func(ctx context.Context) ([]catalog.Genre, error) {
			return []catalog.Genre{{ID: "9", Name: strptr("Thriller"), Categories: []string{"1"}}}, nil
		}),
		CastMembers: listerFunc[catalog.CastMember](func(ctx context.Context) ([]catalog.CastMember, error) {
			return nil, errors.New("database is on fire")
		}),
	})
	h := s.Handler()

	res := get(t, h, "/api/categories")
	assert.Equal(t, http.StatusOK, res.Code)
	assert.JSONEq(t, `[{"id":"1","name":"Drama"}]`, res.Body.String())

	res = get(t, h, "/api/genres")
	assert.Equal(t, http.StatusOK, res.Code)
	assert.JSONEq(t, `[{"id":"9","name":"Thriller","categories":["1"]}]`, res.Body.String())

	res = get(t, h, "/api/cast-members")
	assert.Equal(t, http.StatusInternalServerError, res.Code)
	assert.NotContains(t, res.Body.String(), "on fire")

	res = get(t, h, "/api/nothing-here")
	assert.Equal(t, http.StatusNotFound, res.Code)

	// Without a registry, /metrics isn't served
	res = get(t, h, "/metrics")
	assert.Equal(t, http.StatusNotFound, res.Code)
}

func Test_Server_Metrics(t *testing.T) {
	s := newTestServer(&brokerStub{state: rmq.StateConnected}, nil)
	h := s.Handler()

	get(t, h, "/api/categories")
	get(t, h, "/api/categories")
	get(t, h, "/healthz")

	res := get(t, h, "/metrics")
	require.Equal(t, http.StatusOK, res.Code)
	body := res.Body.String()
	assert.Contains(t, body, `catalog_http_requests_total{method="GET",route="/api/categories",status="200"} 2`)
	assert.Contains(t, body, `catalog_http_requests_total{method="GET",route="/healthz",status="200"} 1`)
	assert.True(t, strings.Contains(body, "catalog_http_request_duration_seconds_bucket"))
}

func Test_Server_Changes(t *testing.T) {
	changes := http.HandlerFunc(func(res http.ResponseWriter, req *http.Request) {
		res.WriteHeader(http.StatusTeapot)
	})
	s := NewServer(Options{
		Broker:      &brokerStub{state: rmq.StateConnected},
		Categories:  emptyLister[catalog.Category](),
		Genres:      emptyLister[catalog.Genre](),
		CastMembers: emptyLister[catalog.CastMember](),
		Changes:     changes,
	})
	res := get(t, s.Handler(), "/api/changes")
	assert.Equal(t, http.StatusTeapot, res.Code)
}
