package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/septivank/metering-telemetry/internal/metrics"
	"github.com/septivank/metering-telemetry/internal/projection"
	"github.com/septivank/metering-telemetry/internal/service"
	"go.uber.org/zap"
)

// defaultMaxBodyBytes bounds an ingestion request body
const defaultMaxBodyBytes = 1 << 20

type ingester interface {
	Ingest(ctx context.Context, transport, requestID string, body []byte) (*service.IngestResult, error)
}

type querier interface {
	LatestTelemetry(ctx context.Context, identnr *int64) ([]projection.LatestTelemetry, error)
	ListMessages(ctx context.Context, identnr *int64, limit int) ([]projection.MessageEcho, error)
	GetDevice(ctx context.Context, identnr int64) (*service.DeviceSummary, error)
	DeleteDevice(ctx context.Context, identnr int64) error
}

type pinger interface {
	Ping(ctx context.Context) error
}

// API serves the HTTP transport
type API struct {
	ingest       ingester
	query        querier
	health       pinger
	metrics      *metrics.Metrics
	logger       *zap.Logger
	maxBodyBytes int64
}

// Config holds the API collaborators
type Config struct {
	Ingest       ingester
	Query        querier
	Health       pinger
	Metrics      *metrics.Metrics
	Logger       *zap.Logger
	MaxBodyBytes int64
}

func New(cfg Config) *API {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	return &API{
		ingest:       cfg.Ingest,
		query:        cfg.Query,
		health:       cfg.Health,
		metrics:      cfg.Metrics,
		logger:       cfg.Logger,
		maxBodyBytes: cfg.MaxBodyBytes,
	}
}

// Routes builds the chi router
func (a *API) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(a.instrument)

	r.Get("/healthz", a.Health)
	r.Method(http.MethodGet, "/metrics", a.metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/device_message/", a.CreateDeviceMessage)
		r.Get("/device_message/", a.ListDeviceMessages)
		r.Get("/telemetry_cvs/", a.GetLatestTelemetry)
		r.Get("/devices/{identnr}", a.GetDevice)
		r.Delete("/devices/{identnr}", a.DeleteDevice)
	})

	return r
}

// Health reports whether the record store is reachable
func (a *API) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := a.health.Ping(ctx); err != nil {
		a.logger.Warn("health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "unavailable", Database: "down"})
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Database: "up"})
}
