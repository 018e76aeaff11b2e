package service

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/septivank/metering-telemetry/internal/config"
	"github.com/septivank/metering-telemetry/internal/db"
	"github.com/septivank/metering-telemetry/internal/metrics"
	"github.com/septivank/metering-telemetry/internal/projection"
	"github.com/septivank/metering-telemetry/internal/repository"
	"github.com/septivank/metering-telemetry/internal/resolver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeQueryStore struct {
	devices   []db.Device
	messages  []db.MessageWithValues
	counts    map[uuid.UUID]int64
	listErr   error
	deleted   []int64
	lastLimit int
}

func (s *fakeQueryStore) ListDevices(_ context.Context, identnr *int64) ([]db.Device, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []db.Device
	for _, d := range s.devices {
		if identnr == nil || d.Identnr == *identnr {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *fakeQueryStore) ListRecentMessages(_ context.Context, _ *int64, limit int) ([]db.MessageWithValues, error) {
	s.lastLimit = limit
	return s.messages, nil
}

func (s *fakeQueryStore) GetDeviceByIdentnr(_ context.Context, identnr int64) (*db.Device, error) {
	for _, d := range s.devices {
		if d.Identnr == identnr {
			return &d, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *fakeQueryStore) CountMessages(_ context.Context, deviceID uuid.UUID) (int64, error) {
	return s.counts[deviceID], nil
}

func (s *fakeQueryStore) SoftDeleteDevice(_ context.Context, identnr int64) error {
	for _, d := range s.devices {
		if d.Identnr == identnr {
			s.deleted = append(s.deleted, identnr)
			return nil
		}
	}
	return repository.ErrNotFound
}

type fakeResolver struct {
	results  map[int64]*resolver.Resolution
	failFor  int64
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (r *fakeResolver) Resolve(ctx context.Context, device db.Device) (*resolver.Resolution, error) {
	n := r.inFlight.Add(1)
	defer r.inFlight.Add(-1)
	for {
		p := r.peak.Load()
		if n <= p || r.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(2 * time.Millisecond)

	if device.Identnr == r.failFor {
		return nil, &repository.StorageError{Op: "scan readings", Err: errors.New("timeout")}
	}
	if res, ok := r.results[device.Identnr]; ok {
		return res, nil
	}
	return &resolver.Resolution{}, nil
}

func ptr[T any](v T) *T {
	return &v
}

func newQuery(store *fakeQueryStore, res *fakeResolver, limit int) (*QueryService, *metrics.Metrics) {
	m := metrics.New()
	logger := zap.NewNop()
	cfg := config.QueryConfig{MaxConcurrentResolutions: limit, DefaultMessageLimit: 100, MaxMessageLimit: 1000}
	return NewQueryService(store, res, projection.NewBuilder(logger), m, cfg, logger), m
}

func devicesWithIdentnrs(ids ...int64) []db.Device {
	out := make([]db.Device, 0, len(ids))
	for _, id := range ids {
		out = append(out, db.Device{ID: uuid.New(), Identnr: id, Manufacturer: 5, DeviceType: 1, Version: 1})
	}
	return out
}

func TestLatestTelemetry_OneRecordPerDeviceInOrder(t *testing.T) {
	store := &fakeQueryStore{devices: devicesWithIdentnrs(1, 2, 3, 4, 5, 6)}
	res := &fakeResolver{results: map[int64]*resolver.Resolution{
		3: {
			MessageID:   ptr(uuid.New()),
			LatestAt:    ptr(time.Date(2020, 6, 1, 13, 45, 30, 0, time.UTC)),
			Dimension:   ptr("kWh"),
			NewestValue: ptr("42"),
		},
	}}
	svc, m := newQuery(store, res, 2)

	records, err := svc.LatestTelemetry(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, records, 6)

	for i, r := range records {
		assert.Equal(t, int64(i+1), r.DeviceID)
	}
	require.NotNil(t, records[2].ValueOfNewestMeasurement)
	assert.Equal(t, "42", *records[2].ValueOfNewestMeasurement)
	assert.Nil(t, records[2].DateOfDueDate)
	assert.Nil(t, records[0].DateAndTimeOfMessage)

	assert.LessOrEqual(t, res.peak.Load(), int32(2))
	assert.Equal(t, 6.0, testutil.ToFloat64(m.ResolutionGaps.WithLabelValues("date_of_due_date")))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.ResolutionGaps.WithLabelValues("date_and_time_of_message")))
}

func TestLatestTelemetry_FilterByIdentnr(t *testing.T) {
	store := &fakeQueryStore{devices: devicesWithIdentnrs(10, 20)}
	svc, _ := newQuery(store, &fakeResolver{}, 4)

	records, err := svc.LatestTelemetry(context.Background(), ptr(int64(20)))
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, int64(20), records[0].DeviceID)

	records, err = svc.LatestTelemetry(context.Background(), ptr(int64(99)))
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestLatestTelemetry_StorageFaultFailsQuery(t *testing.T) {
	store := &fakeQueryStore{devices: devicesWithIdentnrs(1, 2, 3)}
	svc, _ := newQuery(store, &fakeResolver{failFor: 2}, 1)

	_, err := svc.LatestTelemetry(context.Background(), nil)

	var serr *repository.StorageError
	assert.ErrorAs(t, err, &serr)
}

func TestLatestTelemetry_ListFailure(t *testing.T) {
	store := &fakeQueryStore{listErr: &repository.StorageError{Op: "list devices", Err: errors.New("down")}}
	svc, _ := newQuery(store, &fakeResolver{}, 1)

	_, err := svc.LatestTelemetry(context.Background(), nil)

	var serr *repository.StorageError
	assert.ErrorAs(t, err, &serr)
}

func TestListMessages_Limits(t *testing.T) {
	device := devicesWithIdentnrs(7)[0]
	store := &fakeQueryStore{messages: []db.MessageWithValues{
		{Device: device, Values: []db.Value{{Value: "b", Storagenr: 2}, {Value: "a", Storagenr: 1}}},
	}}
	svc, _ := newQuery(store, &fakeResolver{}, 1)

	cases := []struct {
		name  string
		limit int
		want  int
	}{
		{"default", 0, 100},
		{"explicit", 5, 5},
		{"capped", 5000, 1000},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			out, err := svc.ListMessages(context.Background(), nil, tt.limit)
			require.NoError(t, err)
			assert.Equal(t, tt.want, store.lastLimit)
			require.Len(t, out, 1)
			assert.Equal(t, "a", out[0].Data[0].Value)
			assert.Equal(t, int64(7), out[0].Device.Identnr)
		})
	}
}

func TestGetDevice(t *testing.T) {
	devices := devicesWithIdentnrs(42)
	store := &fakeQueryStore{devices: devices, counts: map[uuid.UUID]int64{devices[0].ID: 3}}
	svc, _ := newQuery(store, &fakeResolver{}, 1)

	summary, err := svc.GetDevice(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, int64(42), summary.Identnr)
	assert.Equal(t, int64(3), summary.MessageCount)

	_, err = svc.GetDevice(context.Background(), 43)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestDeleteDevice(t *testing.T) {
	store := &fakeQueryStore{devices: devicesWithIdentnrs(42)}
	svc, _ := newQuery(store, &fakeResolver{}, 1)

	require.NoError(t, svc.DeleteDevice(context.Background(), 42))
	assert.Equal(t, []int64{42}, store.deleted)
	assert.ErrorIs(t, svc.DeleteDevice(context.Background(), 43), repository.ErrNotFound)
}
