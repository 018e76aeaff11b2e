package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/septivank/metering-telemetry/internal/db"
	"github.com/septivank/metering-telemetry/internal/logging"
	"github.com/septivank/metering-telemetry/internal/metrics"
	"github.com/septivank/metering-telemetry/internal/mq"
	"github.com/septivank/metering-telemetry/internal/projection"
	"github.com/septivank/metering-telemetry/internal/repository"
	"github.com/septivank/metering-telemetry/internal/validator"
	"go.uber.org/zap"
)

// Transports a payload can arrive on
const (
	TransportHTTP = "http"
	TransportAMQP = "amqp"
)

// recordStore is the write side of the repository used during ingestion
type recordStore interface {
	BeginTx(ctx context.Context) (repository.Tx, error)
	UpsertDeviceTx(ctx context.Context, tx repository.Tx, identnr int64, attrs db.DeviceAttributes) (*db.Device, bool, error)
	CreateMessageTx(ctx context.Context, tx repository.Tx, deviceID uuid.UUID) (*db.Message, error)
	AppendValueTx(ctx context.Context, tx repository.Tx, messageID uuid.UUID, position int32, fields db.ValueFields) (*db.Value, error)
}

type eventPublisher interface {
	PublishMessageStored(ctx context.Context, event mq.MessageStoredEvent) error
}

// IngestResult describes a committed payload
type IngestResult struct {
	Device        db.Device
	Message       db.Message
	Values        []db.Value
	DeviceCreated bool
	Echo          projection.MessageEcho
}

// IngestService is the single entry point for gateway payloads, whatever the transport
type IngestService struct {
	repo      recordStore
	publisher eventPublisher
	validator *validator.Validator
	builder   *projection.Builder
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// NewIngestService creates a new ingest service. publisher may be a nil *mq.Publisher.
func NewIngestService(
	repo recordStore,
	publisher eventPublisher,
	validator *validator.Validator,
	builder *projection.Builder,
	metrics *metrics.Metrics,
	logger *zap.Logger,
) *IngestService {
	return &IngestService{
		repo:      repo,
		publisher: publisher,
		validator: validator,
		builder:   builder,
		metrics:   metrics,
		logger:    logger,
	}
}

// Ingest validates a raw payload and stores it as one message under its device.
// Nothing is written unless the whole payload is valid and every insert succeeds.
func (s *IngestService) Ingest(ctx context.Context, transport, requestID string, body []byte) (*IngestResult, error) {
	reqLogger := logging.WithRequestID(s.logger, requestID).With(zap.String("transport", transport))

	payload, err := s.validator.ValidatePayload(body)
	if err != nil {
		var verr *validator.ValidationError
		if errors.As(err, &verr) {
			reqLogger.Warn("payload rejected", zap.Strings("fields", verr.FieldNames()))
		}
		s.metrics.PayloadsRejected.WithLabelValues(transport, "validation").Inc()
		return nil, err
	}

	reqLogger = logging.WithIdentnr(reqLogger, payload.Device.Identnr)
	reqLogger.Info("processing payload", zap.Int("value_count", len(payload.Data)))

	result, err := s.store(ctx, payload, reqLogger)
	if err != nil {
		s.metrics.PayloadsRejected.WithLabelValues(transport, "storage").Inc()
		return nil, err
	}

	s.metrics.PayloadsIngested.WithLabelValues(transport).Inc()
	s.metrics.ValuesStored.Add(float64(len(result.Values)))
	if result.DeviceCreated {
		s.metrics.DevicesCreated.Inc()
	}

	// Publish after commit; a lost event never fails the ingest
	event := mq.MessageStoredEvent{
		MessageID:     result.Message.ID.String(),
		DeviceID:      result.Device.ID.String(),
		Identnr:       result.Device.Identnr,
		DeviceCreated: result.DeviceCreated,
		ValueCount:    len(result.Values),
		Transport:     transport,
		StoredAt:      result.Message.CreatedAt,
	}
	if err := s.publisher.PublishMessageStored(ctx, event); err != nil {
		reqLogger.Error("failed to publish event",
			zap.Error(err),
			zap.String("message_id", event.MessageID),
		)
	}

	result.Echo = s.builder.Echo(result.Device, result.Values)

	reqLogger.Info("payload stored",
		zap.String("message_id", result.Message.ID.String()),
		zap.Bool("device_created", result.DeviceCreated),
		zap.Int("value_count", len(result.Values)),
	)

	return result, nil
}

// HandleDelivery adapts Ingest to the broker consumer
func (s *IngestService) HandleDelivery(ctx context.Context, messageID string, body []byte) error {
	if messageID == "" {
		messageID = uuid.NewString()
	}
	_, err := s.Ingest(ctx, TransportAMQP, messageID, body)
	return err
}

func (s *IngestService) store(ctx context.Context, payload *validator.Payload, logger *zap.Logger) (*IngestResult, error) {
	tx, err := s.repo.BeginTx(ctx)
	if err != nil {
		logger.Error("failed to begin transaction", zap.Error(err))
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	attrs := db.DeviceAttributes{
		DeviceType:   payload.Device.Type,
		Status:       payload.Device.Status,
		Version:      payload.Device.Version,
		Accessnr:     payload.Device.Accessnr,
		Manufacturer: payload.Device.Manufacturer,
	}

	device, created, err := s.repo.UpsertDeviceTx(ctx, tx, payload.Device.Identnr, attrs)
	if err != nil {
		logger.Error("failed to resolve device", zap.Error(err))
		return nil, fmt.Errorf("failed to resolve device: %w", err)
	}
	if created {
		logger.Info("device registered", zap.String("device_id", device.ID.String()))
	}

	message, err := s.repo.CreateMessageTx(ctx, tx, device.ID)
	if err != nil {
		logger.Error("failed to create message", zap.Error(err))
		return nil, fmt.Errorf("failed to create message: %w", err)
	}

	values := make([]db.Value, 0, len(payload.Data))
	for i, item := range payload.Data {
		value, err := s.repo.AppendValueTx(ctx, tx, message.ID, int32(i), db.ValueFields{
			Value:     item.Value,
			Tariff:    item.Tariff,
			Subunit:   item.Subunit,
			Dimension: item.Dimension,
			Storagenr: item.Storagenr,
		})
		if err != nil {
			logger.Error("failed to append value", zap.Error(err), zap.Int("position", i))
			return nil, fmt.Errorf("failed to append value %d: %w", i, err)
		}
		values = append(values, *value)
	}

	if err := tx.Commit(ctx); err != nil {
		logger.Error("failed to commit transaction", zap.Error(err))
		return nil, &repository.StorageError{Op: "commit", Err: err}
	}

	return &IngestResult{
		Device:        *device,
		Message:       *message,
		Values:        values,
		DeviceCreated: created,
	}, nil
}
