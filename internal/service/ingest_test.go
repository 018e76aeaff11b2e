package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/septivank/metering-telemetry/internal/db"
	"github.com/septivank/metering-telemetry/internal/metrics"
	"github.com/septivank/metering-telemetry/internal/mq"
	"github.com/septivank/metering-telemetry/internal/projection"
	"github.com/septivank/metering-telemetry/internal/repository"
	"github.com/septivank/metering-telemetry/internal/validator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const gatewayPayload = `{
	"data": [
		{"value": "2020-06-01T13:45:30.000000", "tariff": 0, "subunit": 0, "dimension": "Time Point (time & date)", "storagenr": 0},
		{"value": "42", "tariff": 0, "subunit": 0, "dimension": "kWh", "storagenr": 2},
		{"value": "30", "tariff": 0, "subunit": 0, "dimension": "kWh", "storagenr": 1},
		{"value": "2020-05-01T00:00:00.000000", "tariff": 0, "subunit": 0, "dimension": "Time Point (date)", "storagenr": 1}
	],
	"device": {"type": 1, "status": 0, "identnr": 69656545, "version": 1, "accessnr": 0, "manufacturer": 5}
}`

// fakeTx stands in for a pgx transaction; only Commit and Rollback are used
type fakeTx struct {
	pgx.Tx
	store      *fakeRecordStore
	values     []db.Value
	device     *db.Device
	committed  bool
	rolledBack bool
	commitErr  error
}

func (tx *fakeTx) Commit(context.Context) error {
	if tx.commitErr != nil {
		return tx.commitErr
	}
	tx.committed = true
	if tx.device != nil {
		tx.store.devices[tx.device.Identnr] = tx.device
	}
	tx.store.values = append(tx.store.values, tx.values...)
	return nil
}

func (tx *fakeTx) Rollback(context.Context) error {
	if !tx.committed {
		tx.rolledBack = true
	}
	return nil
}

type fakeRecordStore struct {
	devices   map[int64]*db.Device
	values    []db.Value
	txs       []*fakeTx
	beginErr  error
	failAt    int // 1-based append that fails; 0 disables
	appends   int
	commitErr error
}

func newFakeRecordStore() *fakeRecordStore {
	return &fakeRecordStore{devices: make(map[int64]*db.Device)}
}

func (s *fakeRecordStore) BeginTx(context.Context) (repository.Tx, error) {
	if s.beginErr != nil {
		return nil, s.beginErr
	}
	tx := &fakeTx{store: s, commitErr: s.commitErr}
	s.txs = append(s.txs, tx)
	return tx, nil
}

func (s *fakeRecordStore) UpsertDeviceTx(_ context.Context, tx repository.Tx, identnr int64, attrs db.DeviceAttributes) (*db.Device, bool, error) {
	if d, ok := s.devices[identnr]; ok {
		return d, false, nil
	}
	d := &db.Device{
		ID:           uuid.New(),
		Identnr:      identnr,
		DeviceType:   attrs.DeviceType,
		Status:       attrs.Status,
		Version:      attrs.Version,
		Accessnr:     attrs.Accessnr,
		Manufacturer: attrs.Manufacturer,
	}
	tx.(*fakeTx).device = d
	return d, true, nil
}

func (s *fakeRecordStore) CreateMessageTx(_ context.Context, _ repository.Tx, deviceID uuid.UUID) (*db.Message, error) {
	return &db.Message{ID: uuid.New(), DeviceID: deviceID, CreatedAt: time.Now()}, nil
}

func (s *fakeRecordStore) AppendValueTx(_ context.Context, tx repository.Tx, messageID uuid.UUID, position int32, f db.ValueFields) (*db.Value, error) {
	s.appends++
	if s.failAt > 0 && s.appends == s.failAt {
		return nil, &repository.StorageError{Op: "insert value", Err: errors.New("connection reset")}
	}
	v := db.Value{
		ID:        uuid.New(),
		MessageID: messageID,
		Position:  position,
		Value:     f.Value,
		Tariff:    f.Tariff,
		Subunit:   f.Subunit,
		Dimension: f.Dimension,
		Storagenr: f.Storagenr,
	}
	ftx := tx.(*fakeTx)
	ftx.values = append(ftx.values, v)
	return &v, nil
}

type recordingPublisher struct {
	events []mq.MessageStoredEvent
	err    error
}

func (p *recordingPublisher) PublishMessageStored(_ context.Context, event mq.MessageStoredEvent) error {
	p.events = append(p.events, event)
	return p.err
}

func newIngest(store *fakeRecordStore, pub *recordingPublisher) (*IngestService, *metrics.Metrics) {
	m := metrics.New()
	logger := zap.NewNop()
	return NewIngestService(store, pub, validator.NewValidator(50), projection.NewBuilder(logger), m, logger), m
}

func TestIngest_StoresPayloadAndEchoes(t *testing.T) {
	store := newFakeRecordStore()
	pub := &recordingPublisher{}
	svc, m := newIngest(store, pub)

	result, err := svc.Ingest(context.Background(), TransportHTTP, "req-1", []byte(gatewayPayload))
	require.NoError(t, err)

	assert.True(t, result.DeviceCreated)
	assert.Equal(t, int64(69656545), result.Device.Identnr)
	require.Len(t, result.Values, 4)
	for i, v := range result.Values {
		assert.Equal(t, int32(i), v.Position)
	}

	storagenrs := make([]int64, 0, len(result.Echo.Data))
	for _, v := range result.Echo.Data {
		storagenrs = append(storagenrs, v.Storagenr)
	}
	assert.Equal(t, []int64{0, 1, 1, 2}, storagenrs)
	assert.Equal(t, "30", result.Echo.Data[1].Value)
	assert.Equal(t, int64(5), result.Echo.Device.Manufacturer)

	require.Len(t, store.txs, 1)
	assert.True(t, store.txs[0].committed)
	assert.Len(t, store.values, 4)

	require.Len(t, pub.events, 1)
	assert.Equal(t, result.Message.ID.String(), pub.events[0].MessageID)
	assert.Equal(t, 4, pub.events[0].ValueCount)
	assert.True(t, pub.events[0].DeviceCreated)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.PayloadsIngested.WithLabelValues(TransportHTTP)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DevicesCreated))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.ValuesStored))
}

func TestIngest_ExistingDeviceKeepsAttributes(t *testing.T) {
	store := newFakeRecordStore()
	svc, _ := newIngest(store, &recordingPublisher{})

	_, err := svc.Ingest(context.Background(), TransportHTTP, "", []byte(gatewayPayload))
	require.NoError(t, err)

	second := `{"data": [], "device": {"identnr": 69656545, "type": 9, "manufacturer": 9}}`
	result, err := svc.Ingest(context.Background(), TransportHTTP, "", []byte(second))
	require.NoError(t, err)

	assert.False(t, result.DeviceCreated)
	assert.Equal(t, int64(1), result.Device.DeviceType)
	assert.Equal(t, int64(5), result.Device.Manufacturer)
	assert.Empty(t, result.Echo.Data)
	assert.Len(t, store.devices, 1)
}

func TestIngest_ValidationErrorWritesNothing(t *testing.T) {
	store := newFakeRecordStore()
	pub := &recordingPublisher{}
	svc, m := newIngest(store, pub)

	body := `{"data": [{"value": "1", "tariff": -1, "subunit": 0, "dimension": "kWh", "storagenr": 1}], "device": {}}`
	_, err := svc.Ingest(context.Background(), TransportAMQP, "", []byte(body))

	var verr *validator.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.ElementsMatch(t, []string{"device.identnr", "data[0].tariff"}, verr.FieldNames())
	assert.Empty(t, store.txs)
	assert.Empty(t, pub.events)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PayloadsRejected.WithLabelValues(TransportAMQP, "validation")))
}

func TestIngest_StorageFailureRollsBack(t *testing.T) {
	store := newFakeRecordStore()
	store.failAt = 3
	pub := &recordingPublisher{}
	svc, m := newIngest(store, pub)

	_, err := svc.Ingest(context.Background(), TransportHTTP, "", []byte(gatewayPayload))

	var serr *repository.StorageError
	require.ErrorAs(t, err, &serr)
	assert.True(t, serr.Retryable())

	require.Len(t, store.txs, 1)
	assert.False(t, store.txs[0].committed)
	assert.True(t, store.txs[0].rolledBack)
	assert.Empty(t, store.values)
	assert.Empty(t, store.devices)
	assert.Empty(t, pub.events)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PayloadsRejected.WithLabelValues(TransportHTTP, "storage")))
}

func TestIngest_CommitFailureIsStorageError(t *testing.T) {
	store := newFakeRecordStore()
	store.commitErr = errors.New("commit lost")
	svc, _ := newIngest(store, &recordingPublisher{})

	_, err := svc.Ingest(context.Background(), TransportHTTP, "", []byte(gatewayPayload))

	var serr *repository.StorageError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "commit", serr.Op)
	assert.Empty(t, store.values)
}

func TestIngest_BeginFailure(t *testing.T) {
	store := newFakeRecordStore()
	store.beginErr = &repository.StorageError{Op: "begin transaction", Err: errors.New("pool closed")}
	svc, _ := newIngest(store, &recordingPublisher{})

	_, err := svc.Ingest(context.Background(), TransportHTTP, "", []byte(gatewayPayload))

	var serr *repository.StorageError
	require.ErrorAs(t, err, &serr)
}

func TestIngest_PublishFailureDoesNotFailIngest(t *testing.T) {
	store := newFakeRecordStore()
	pub := &recordingPublisher{err: errors.New("channel closed")}
	svc, _ := newIngest(store, pub)

	result, err := svc.Ingest(context.Background(), TransportHTTP, "", []byte(gatewayPayload))
	require.NoError(t, err)
	assert.NotNil(t, result)
	assert.Len(t, store.values, 4)
}

func TestIngest_NilPublisher(t *testing.T) {
	m := metrics.New()
	logger := zap.NewNop()
	var pub *mq.Publisher
	svc := NewIngestService(newFakeRecordStore(), pub, validator.NewValidator(50), projection.NewBuilder(logger), m, logger)

	_, err := svc.Ingest(context.Background(), TransportHTTP, "", []byte(gatewayPayload))
	assert.NoError(t, err)
}

func TestHandleDelivery(t *testing.T) {
	store := newFakeRecordStore()
	svc, m := newIngest(store, &recordingPublisher{})

	require.NoError(t, svc.HandleDelivery(context.Background(), "msg-1", []byte(gatewayPayload)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PayloadsIngested.WithLabelValues(TransportAMQP)))

	err := svc.HandleDelivery(context.Background(), "msg-2", []byte(`{"device":`))
	var verr *validator.ValidationError
	assert.ErrorAs(t, err, &verr)
}
