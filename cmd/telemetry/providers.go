package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/septivank/metering-telemetry/internal/api"
	"github.com/septivank/metering-telemetry/internal/config"
	"github.com/septivank/metering-telemetry/internal/db"
	"github.com/septivank/metering-telemetry/internal/metrics"
	"github.com/septivank/metering-telemetry/internal/mq"
	"github.com/septivank/metering-telemetry/internal/projection"
	"github.com/septivank/metering-telemetry/internal/repository"
	"github.com/septivank/metering-telemetry/internal/resolver"
	"github.com/septivank/metering-telemetry/internal/service"
	"github.com/septivank/metering-telemetry/internal/validator"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func startHTTPServer(lc fx.Lifecycle, cfg *config.Config, logger *zap.Logger, a *api.API) {
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.ServicePort),
		Handler:      a.Routes(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ln, err := net.Listen("tcp", srv.Addr)
			if err != nil {
				return fmt.Errorf("[HTTP] cannot listen on %s: %w", srv.Addr, err)
			}
			logger.Info("http server listening", zap.String("addr", srv.Addr))
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("http server stopped unexpectedly", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down http server")
			return srv.Shutdown(ctx)
		},
	})
}

func startConsumer(
	lc fx.Lifecycle,
	conn *mq.Connection,
	cfg *config.Config,
	logger *zap.Logger,
	ingest *service.IngestService,
) error {
	if !cfg.RabbitMQ.Enabled() {
		return nil
	}

	consumer, err := mq.NewConsumer(mq.ConsumerConfig{
		Connection:       conn,
		Queue:            cfg.RabbitMQ.IngestQueue,
		DLQQueue:         cfg.RabbitMQ.DLQQueue,
		Exchange:         cfg.RabbitMQ.IngestExchange,
		RoutingKey:       cfg.RabbitMQ.IngestRoutingKey,
		PrefetchCount:    cfg.RabbitMQ.PrefetchCount,
		Logger:           logger,
		MessageProcessor: ingest.HandleDelivery,
	})
	if err != nil {
		return err
	}

	// Deliveries are not cancelled on shutdown; Stop drains the one in hand
	consumer.RegisterLifecycle(lc, context.Background())
	return nil
}

// ProvideDBPool creates the database pool and runs migrations on start
func ProvideDBPool(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*pgxpool.Pool, error) {
	return db.NewPool(lc, logger, cfg.Database.URL, cfg.Database.RunMigrations)
}

// ProvideRepository creates a new repository instance
func ProvideRepository(pool *pgxpool.Pool) *repository.Repository {
	return repository.NewRepository(pool)
}

// ProvideValidator creates a new validator instance
func ProvideValidator(cfg *config.Config) *validator.Validator {
	return validator.NewValidator(cfg.Validation.MaxStringLength)
}

func ProvideMetrics() *metrics.Metrics {
	return metrics.New()
}

func ProvideProjectionBuilder(logger *zap.Logger) *projection.Builder {
	return projection.NewBuilder(logger)
}

func ProvideResolver(repo *repository.Repository, logger *zap.Logger) *resolver.Resolver {
	return resolver.New(repo, logger)
}

// ProvideMQConnection connects to RabbitMQ; nil when the broker is not configured
func ProvideMQConnection(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*mq.Connection, error) {
	return mq.NewConnection(lc, logger, cfg.RabbitMQ.URL)
}

// ProvidePublisher creates the event publisher; nil when the broker is not configured
func ProvidePublisher(lc fx.Lifecycle, conn *mq.Connection, cfg *config.Config, logger *zap.Logger) (*mq.Publisher, error) {
	publisher, err := mq.NewPublisher(conn, cfg.RabbitMQ.EventsExchange, cfg.RabbitMQ.EventsRoutingKey, logger)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return publisher.Close()
		},
	})
	return publisher, nil
}

// ProvideIngestService creates the ingestion gate shared by HTTP and AMQP
func ProvideIngestService(
	repo *repository.Repository,
	publisher *mq.Publisher,
	validator *validator.Validator,
	builder *projection.Builder,
	m *metrics.Metrics,
	logger *zap.Logger,
) *service.IngestService {
	return service.NewIngestService(repo, publisher, validator, builder, m, logger)
}

// ProvideQueryService creates the read-side service
func ProvideQueryService(
	repo *repository.Repository,
	res *resolver.Resolver,
	builder *projection.Builder,
	m *metrics.Metrics,
	cfg *config.Config,
	logger *zap.Logger,
) *service.QueryService {
	return service.NewQueryService(repo, res, builder, m, cfg.Query, logger)
}

// ProvideAPI creates the HTTP transport
func ProvideAPI(
	ingest *service.IngestService,
	query *service.QueryService,
	repo *repository.Repository,
	m *metrics.Metrics,
	logger *zap.Logger,
) *api.API {
	return api.New(api.Config{
		Ingest:  ingest,
		Query:   query,
		Health:  repo,
		Metrics: m,
		Logger:  logger,
	})
}
