package resolver

import (
	"context"
	"iter"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/septivank/metering-telemetry/internal/db"
	"github.com/septivank/metering-telemetry/internal/repository"
	"github.com/septivank/metering-telemetry/tools/timeparser"
	"go.uber.org/zap"
)

// Source is the read side of the record store the resolver scans
type Source interface {
	ScanReadings(ctx context.Context, deviceID uuid.UUID, dimension string) iter.Seq2[db.Reading, error]
	ListValues(ctx context.Context, messageID uuid.UUID, filter repository.ValueFilter) ([]db.Value, error)
}

// Resolution is what is known about a device's latest reading.
// A nil field is a resolution gap: the telemetry needed for it is absent or malformed.
type Resolution struct {
	MessageID   *uuid.UUID
	LatestAt    *time.Time
	Dimension   *string
	NewestValue *string
	DueValue    *string
	DueDate     *time.Time

	// ParseFailures lists timestamp values excluded from selection
	ParseFailures []*timeparser.ParseError
}

// HasLatest reports whether a latest timestamped message was found
func (r *Resolution) HasLatest() bool {
	return r.MessageID != nil
}

// Resolver answers latest-value and due-date queries over one device's history.
// It never writes, so abandoning a call has no visible effect.
type Resolver struct {
	source Source
	logger *zap.Logger
}

// New creates a resolver reading from source
func New(source Source, logger *zap.Logger) *Resolver {
	return &Resolver{source: source, logger: logger}
}

// Resolve runs the latest-message and due-date queries for device.
// Only storage faults are returned as errors; missing data yields nil fields.
func (r *Resolver) Resolve(ctx context.Context, device db.Device) (*Resolution, error) {
	logger := r.logger.With(zap.Int64("identnr", device.Identnr))
	res := &Resolution{}

	latest, err := SelectLatest(r.source.ScanReadings(ctx, device.ID, TimePointDateTime))
	if err != nil {
		return nil, err
	}
	res.ParseFailures = append(res.ParseFailures, latest.Failures...)
	if !latest.Found {
		if len(latest.Failures) > 0 {
			logger.Warn("no parseable message timestamp",
				zap.String("dimension", TimePointDateTime),
				zap.Int("failures", len(latest.Failures)),
				zap.String("first_value", latest.Failures[0].Value),
			)
		}
		return res, nil
	}

	messageID := latest.Stamp.MessageID
	latestAt := latest.Stamp.At
	res.MessageID = &messageID
	res.LatestAt = &latestAt

	values, err := r.source.ListValues(ctx, messageID, repository.ValueFilter{})
	if err != nil {
		return nil, err
	}
	all := slices.Values(values)

	if dim, ok := DominantDimension(all); ok {
		res.Dimension = &dim
		if v, ok := ValueAt(all, latest.Stamp.Storagenr, func(d string) bool { return d == dim }); ok {
			res.NewestValue = &v
		}
	}

	due, err := SelectEarliest(Readings(latest.Stamp.MessageSeq, all, TimePointDate))
	if err != nil {
		return nil, err
	}
	res.ParseFailures = append(res.ParseFailures, due.Failures...)
	if due.Found {
		dueDate := due.Stamp.At
		res.DueDate = &dueDate
		if v, ok := ValueAt(all, due.Stamp.Storagenr, func(d string) bool { return d != TimePointDate }); ok {
			res.DueValue = &v
		}
	} else if len(due.Failures) > 0 {
		logger.Warn("no parseable due date",
			zap.String("message_id", messageID.String()),
			zap.Int("failures", len(due.Failures)),
			zap.String("first_value", due.Failures[0].Value),
		)
	}

	if len(res.ParseFailures) > 0 {
		logger.Debug("timestamp values excluded from resolution", zap.Int("count", len(res.ParseFailures)))
	}

	return res, nil
}
