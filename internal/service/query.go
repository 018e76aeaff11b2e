package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/septivank/metering-telemetry/internal/config"
	"github.com/septivank/metering-telemetry/internal/db"
	"github.com/septivank/metering-telemetry/internal/metrics"
	"github.com/septivank/metering-telemetry/internal/projection"
	"github.com/septivank/metering-telemetry/internal/resolver"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// queryStore is the read side of the repository used by queries
type queryStore interface {
	ListDevices(ctx context.Context, identnr *int64) ([]db.Device, error)
	ListRecentMessages(ctx context.Context, identnr *int64, limit int) ([]db.MessageWithValues, error)
	GetDeviceByIdentnr(ctx context.Context, identnr int64) (*db.Device, error)
	CountMessages(ctx context.Context, deviceID uuid.UUID) (int64, error)
	SoftDeleteDevice(ctx context.Context, identnr int64) error
}

type deviceResolver interface {
	Resolve(ctx context.Context, device db.Device) (*resolver.Resolution, error)
}

// DeviceSummary is a device with its attributes and stored message count
type DeviceSummary struct {
	projection.DeviceRecord
	MessageCount int64     `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
}

// QueryService answers read queries and device deletion
type QueryService struct {
	store    queryStore
	resolver deviceResolver
	builder  *projection.Builder
	metrics  *metrics.Metrics
	cfg      config.QueryConfig
	logger   *zap.Logger
}

// NewQueryService creates a new query service
func NewQueryService(
	store queryStore,
	resolver deviceResolver,
	builder *projection.Builder,
	metrics *metrics.Metrics,
	cfg config.QueryConfig,
	logger *zap.Logger,
) *QueryService {
	return &QueryService{
		store:    store,
		resolver: resolver,
		builder:  builder,
		metrics:  metrics,
		cfg:      cfg,
		logger:   logger,
	}
}

// LatestTelemetry builds one record per live device, ordered by identnr.
// Devices are resolved concurrently; any storage fault fails the whole query.
func (s *QueryService) LatestTelemetry(ctx context.Context, identnr *int64) ([]projection.LatestTelemetry, error) {
	devices, err := s.store.ListDevices(ctx, identnr)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}

	records := make([]projection.LatestTelemetry, len(devices))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(s.cfg.MaxConcurrentResolutions, 1))

	for i, device := range devices {
		g.Go(func() error {
			start := time.Now()
			res, err := s.resolver.Resolve(gctx, device)
			s.metrics.ResolutionDuration.Observe(time.Since(start).Seconds())
			if err != nil {
				return fmt.Errorf("failed to resolve device %d: %w", device.Identnr, err)
			}

			records[i] = s.builder.Latest(device, res)

			s.metrics.TimestampFailures.Add(float64(len(res.ParseFailures)))
			for _, field := range records[i].AbsentFields() {
				s.metrics.ResolutionGaps.WithLabelValues(field).Inc()
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		s.logger.Error("latest telemetry query failed", zap.Error(err))
		return nil, err
	}

	s.logger.Info("latest telemetry query completed", zap.Int("device_count", len(records)))
	return records, nil
}

// ListMessages renders stored messages newest first. A non-positive limit falls back
// to the configured default; larger limits are capped.
func (s *QueryService) ListMessages(ctx context.Context, identnr *int64, limit int) ([]projection.MessageEcho, error) {
	if limit <= 0 {
		limit = s.cfg.DefaultMessageLimit
	}
	limit = min(limit, s.cfg.MaxMessageLimit)

	items, err := s.store.ListRecentMessages(ctx, identnr, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}

	out := make([]projection.MessageEcho, 0, len(items))
	for _, item := range items {
		out = append(out, s.builder.Echo(item.Device, item.Values))
	}
	return out, nil
}

// GetDevice returns the live device registered under identnr.
// repository.ErrNotFound is returned unwrapped when there is none.
func (s *QueryService) GetDevice(ctx context.Context, identnr int64) (*DeviceSummary, error) {
	device, err := s.store.GetDeviceByIdentnr(ctx, identnr)
	if err != nil {
		return nil, err
	}

	count, err := s.store.CountMessages(ctx, device.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to count messages: %w", err)
	}

	return &DeviceSummary{
		DeviceRecord: projection.NewDeviceRecord(*device),
		MessageCount: count,
		CreatedAt:    device.CreatedAt,
	}, nil
}

// DeleteDevice soft-deletes a device with its history
func (s *QueryService) DeleteDevice(ctx context.Context, identnr int64) error {
	if err := s.store.SoftDeleteDevice(ctx, identnr); err != nil {
		return err
	}
	s.logger.Info("device deleted", zap.Int64("identnr", identnr))
	return nil
}
