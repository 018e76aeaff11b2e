package projection

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/septivank/metering-telemetry/internal/db"
	"github.com/septivank/metering-telemetry/internal/resolver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func ptr[T any](v T) *T {
	return &v
}

func testDevice() db.Device {
	return db.Device{
		ID:           uuid.New(),
		Identnr:      69656545,
		DeviceType:   1,
		Status:       0,
		Version:      1,
		Accessnr:     0,
		Manufacturer: 5,
	}
}

func TestEcho_SortsByStoragenr(t *testing.T) {
	b := NewBuilder(zap.NewNop())

	values := []db.Value{
		{Position: 0, Value: "c", Dimension: "kWh", Storagenr: 3},
		{Position: 1, Value: "a", Dimension: "kWh", Storagenr: 1},
		{Position: 2, Value: "b1", Dimension: "Wh", Storagenr: 2},
		{Position: 3, Value: "b2", Dimension: "kWh", Storagenr: 2},
	}

	echo := b.Echo(testDevice(), values)

	got := make([]string, 0, len(echo.Data))
	for _, v := range echo.Data {
		got = append(got, v.Value)
	}
	assert.Equal(t, []string{"a", "b1", "b2", "c"}, got)
	assert.Equal(t, "c", values[0].Value, "input must not be reordered")
}

func TestEcho_WireShape(t *testing.T) {
	b := NewBuilder(zap.NewNop())

	echo := b.Echo(testDevice(), []db.Value{
		{Value: "10", Tariff: 0, Subunit: 0, Dimension: "kWh", Storagenr: 1},
	})

	out, err := json.Marshal(echo)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"data": [{"value": "10", "tariff": 0, "subunit": 0, "dimension": "kWh", "storagenr": 1}],
		"device": {"type": 1, "status": 0, "identnr": 69656545, "version": 1, "accessnr": 0, "manufacturer": 5}
	}`, string(out))
}

func TestEcho_NoValues(t *testing.T) {
	b := NewBuilder(zap.NewNop())

	out, err := json.Marshal(b.Echo(testDevice(), nil))
	require.NoError(t, err)
	assert.Contains(t, string(out), `"data":[]`)
}

func TestLatest_FullResolution(t *testing.T) {
	b := NewBuilder(zap.NewNop())

	res := &resolver.Resolution{
		MessageID:   ptr(uuid.New()),
		LatestAt:    ptr(time.Date(2020, 6, 1, 13, 45, 30, 0, time.UTC)),
		Dimension:   ptr("kWh"),
		NewestValue: ptr("42"),
		DueValue:    ptr("30"),
		DueDate:     ptr(time.Date(2020, 5, 1, 0, 0, 0, 0, time.UTC)),
	}

	rec := b.Latest(testDevice(), res)

	assert.Equal(t, []string{
		"01 June, 2020 13:45:30",
		"69656545",
		"5",
		"1",
		"1",
		"kWh",
		"42",
		"30",
		"01 May, 2020",
	}, rec.Row())
	assert.Empty(t, rec.AbsentFields())
}

func TestLatest_GapsRenderAsNull(t *testing.T) {
	b := NewBuilder(zap.NewNop())

	rec := b.Latest(testDevice(), &resolver.Resolution{})

	out, err := json.Marshal(rec)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"date_and_time_of_message": null,
		"device_id": 69656545,
		"device_manufacturer": 5,
		"device_type": 1,
		"device_version": 1,
		"dimension_of_measurement": null,
		"value_of_newest_measurement": null,
		"value_of_measurement_in_due_date": null,
		"date_of_due_date": null
	}`, string(out))
	assert.Equal(t, []string{"", "69656545", "5", "1", "1", "", "", "", ""}, rec.Row())
	assert.Len(t, rec.AbsentFields(), 5)
}

func TestLatest_NilResolution(t *testing.T) {
	b := NewBuilder(zap.NewNop())

	rec := b.Latest(testDevice(), nil)
	assert.Nil(t, rec.DateAndTimeOfMessage)
	assert.Equal(t, int64(69656545), rec.DeviceID)
}

func TestColumnsMatchRow(t *testing.T) {
	assert.Len(t, LatestTelemetry{}.Row(), len(Columns))
}
