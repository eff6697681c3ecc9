package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/golden-vcr/micro-catalog/catalog"
	"github.com/golden-vcr/micro-catalog/entry"
	"github.com/golden-vcr/micro-catalog/rmq"
)

// BrokerStatus reports whether the sync consumers are connected
type BrokerStatus interface {
	IsListening() bool
	State() rmq.ConnectionState
}

// Pinger checks that the database is reachable; it's satisfied by *sql.DB
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Lister returns every stored record of one entity type
type Lister[T any] interface {
	List(ctx context.Context) ([]T, error)
}

// Server exposes the state of the local catalog copy over HTTP: health, metrics, the
// stored records, and a live feed of applied changes
type Server struct {
	broker      BrokerStatus
	db          Pinger
	categories  Lister[catalog.Category]
	genres      Lister[catalog.Genre]
	castMembers Lister[catalog.CastMember]
	changes     http.Handler
	gatherer    prometheus.Gatherer
	metrics     *httpMetrics
	started     time.Time
}

// Options wires a Server to its dependencies; Registry and Changes may be nil
type Options struct {
	Broker      BrokerStatus
	DB          Pinger
	Categories  Lister[catalog.Category]
	Genres      Lister[catalog.Genre]
	CastMembers Lister[catalog.CastMember]

	// Changes serves the change feed as server-sent events
	Changes http.Handler

	// Registry is used both to register HTTP metrics and to serve /metrics
	Registry *prometheus.Registry
}

func NewServer(opts Options) *Server {
	s := &Server{
		broker:      opts.Broker,
		db:          opts.DB,
		categories:  opts.Categories,
		genres:      opts.Genres,
		castMembers: opts.CastMembers,
		changes:     opts.Changes,
		started:     time.Now(),
	}
	if opts.Registry != nil {
		s.gatherer = opts.Registry
		s.metrics = newHTTPMetrics(opts.Registry)
	}
	return s
}

// Handler returns the router for all of our HTTP endpoints
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.metrics.middleware)

	r.Get("/healthz", s.handleHealth)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/categories", list(s.categories))
		r.Get("/genres", list(s.genres))
		r.Get("/cast-members", list(s.castMembers))
		if s.changes != nil {
			r.Handle("/changes", s.changes)
		}
	})
	return r
}

type healthResponse struct {
	Status   string `json:"status"`
	Broker   string `json:"broker"`
	Database string `json:"database"`
	Uptime   string `json:"uptime"`
}

func (s *Server) handleHealth(res http.ResponseWriter, req *http.Request) {
	status := http.StatusOK
	body := healthResponse{
		Status:   "ok",
		Broker:   s.broker.State().String(),
		Database: "ok",
		Uptime:   time.Since(s.started).Round(time.Second).String(),
	}
	if !s.broker.IsListening() {
		status = http.StatusServiceUnavailable
		body.Status = "unhealthy"
	}
	if s.db != nil {
		ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
		defer cancel()
		if err := s.db.PingContext(ctx); err != nil {
			entry.Log(req).Warn("Database ping failed", "error", err)
			status = http.StatusServiceUnavailable
			body.Status = "unhealthy"
			body.Database = "unreachable"
		}
	}
	writeJSON(res, req, status, body)
}

func list[T any](lister Lister[T]) http.HandlerFunc {
	return func(res http.ResponseWriter, req *http.Request) {
		records, err := lister.List(req.Context())
		if err != nil {
			entry.Log(req).Error("Failed to list records", "error", err)
			http.Error(res, "failed to list records", http.StatusInternalServerError)
			return
		}
		writeJSON(res, req, http.StatusOK, records)
	}
}

func writeJSON(res http.ResponseWriter, req *http.Request, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		entry.Log(req).Error("Failed to serialize response", "error", err)
		http.Error(res, "failed to serialize response", http.StatusInternalServerError)
		return
	}
	res.Header().Set("content-type", "application/json")
	res.WriteHeader(status)
	res.Write(data)
}
