package projection

import (
	"cmp"
	"slices"
	"strconv"

	"github.com/septivank/metering-telemetry/internal/db"
	"github.com/septivank/metering-telemetry/internal/resolver"
	"github.com/septivank/metering-telemetry/tools/timeparser"
	"go.uber.org/zap"
)

// ValueRecord is the wire shape of one register reading
type ValueRecord struct {
	Value     string `json:"value"`
	Tariff    int64  `json:"tariff"`
	Subunit   int64  `json:"subunit"`
	Dimension string `json:"dimension"`
	Storagenr int64  `json:"storagenr"`
}

// DeviceRecord is the wire shape of a device
type DeviceRecord struct {
	Type         int64 `json:"type"`
	Status       int64 `json:"status"`
	Identnr      int64 `json:"identnr"`
	Version      int64 `json:"version"`
	Accessnr     int64 `json:"accessnr"`
	Manufacturer int64 `json:"manufacturer"`
}

// MessageEcho is the canonical representation of a stored payload
type MessageEcho struct {
	Data   []ValueRecord `json:"data"`
	Device DeviceRecord  `json:"device"`
}

// LatestTelemetry is the flat per-device record of the latest telemetry query.
// Nil fields are resolution gaps.
type LatestTelemetry struct {
	DateAndTimeOfMessage        *string `json:"date_and_time_of_message"`
	DeviceID                    int64   `json:"device_id"`
	DeviceManufacturer          int64   `json:"device_manufacturer"`
	DeviceType                  int64   `json:"device_type"`
	DeviceVersion               int64   `json:"device_version"`
	DimensionOfMeasurement      *string `json:"dimension_of_measurement"`
	ValueOfNewestMeasurement    *string `json:"value_of_newest_measurement"`
	ValueOfMeasurementInDueDate *string `json:"value_of_measurement_in_due_date"`
	DateOfDueDate               *string `json:"date_of_due_date"`
}

// Column describes one column of the latest telemetry export
type Column struct {
	Key   string
	Label string
}

// Columns lists the export columns in order
var Columns = []Column{
	{Key: "date_and_time_of_message", Label: "Date and Time of Message"},
	{Key: "device_id", Label: "Device ID"},
	{Key: "device_manufacturer", Label: "Device Manufacturer"},
	{Key: "device_type", Label: "Device Type"},
	{Key: "device_version", Label: "Device Version"},
	{Key: "dimension_of_measurement", Label: "Dimension of Measurement"},
	{Key: "value_of_newest_measurement", Label: "Value of Newest Measurement"},
	{Key: "value_of_measurement_in_due_date", Label: "Value of Measurement In Due Date"},
	{Key: "date_of_due_date", Label: "Date of the Due Date"},
}

// Row renders the record as strings in Columns order; gaps become empty cells
func (t LatestTelemetry) Row() []string {
	return []string{
		deref(t.DateAndTimeOfMessage),
		strconv.FormatInt(t.DeviceID, 10),
		strconv.FormatInt(t.DeviceManufacturer, 10),
		strconv.FormatInt(t.DeviceType, 10),
		strconv.FormatInt(t.DeviceVersion, 10),
		deref(t.DimensionOfMeasurement),
		deref(t.ValueOfNewestMeasurement),
		deref(t.ValueOfMeasurementInDueDate),
		deref(t.DateOfDueDate),
	}
}

// Builder assembles user-facing records from stored entities and resolver output
type Builder struct {
	logger *zap.Logger
}

// NewBuilder creates a projection builder
func NewBuilder(logger *zap.Logger) *Builder {
	return &Builder{logger: logger}
}

// Echo renders a message's values ordered by storagenr, paired with its device.
// Values sharing a storagenr keep their input order.
func (b *Builder) Echo(device db.Device, values []db.Value) MessageEcho {
	sorted := slices.Clone(values)
	slices.SortStableFunc(sorted, func(a, c db.Value) int {
		if n := cmp.Compare(a.Storagenr, c.Storagenr); n != 0 {
			return n
		}
		return cmp.Compare(a.Position, c.Position)
	})

	data := make([]ValueRecord, 0, len(sorted))
	for _, v := range sorted {
		data = append(data, ValueRecord{
			Value:     v.Value,
			Tariff:    v.Tariff,
			Subunit:   v.Subunit,
			Dimension: v.Dimension,
			Storagenr: v.Storagenr,
		})
	}

	return MessageEcho{
		Data:   data,
		Device: NewDeviceRecord(device),
	}
}

// Latest assembles the latest telemetry record for a device
func (b *Builder) Latest(device db.Device, res *resolver.Resolution) LatestTelemetry {
	out := LatestTelemetry{
		DeviceID:           device.Identnr,
		DeviceManufacturer: device.Manufacturer,
		DeviceType:         device.DeviceType,
		DeviceVersion:      device.Version,
	}

	if res != nil {
		if res.LatestAt != nil {
			s := timeparser.FormatMessageTime(*res.LatestAt)
			out.DateAndTimeOfMessage = &s
		}
		if res.DueDate != nil {
			s := timeparser.FormatDueDate(*res.DueDate)
			out.DateOfDueDate = &s
		}
		out.DimensionOfMeasurement = res.Dimension
		out.ValueOfNewestMeasurement = res.NewestValue
		out.ValueOfMeasurementInDueDate = res.DueValue
	}

	b.logger.Info("latest telemetry record built",
		zap.Int64("identnr", device.Identnr),
		zap.Bool("has_latest_message", out.DateAndTimeOfMessage != nil),
		zap.Strings("absent_fields", out.AbsentFields()),
	)

	return out
}

// AbsentFields names the unresolved fields of the record
func (t LatestTelemetry) AbsentFields() []string {
	var absent []string
	fields := []struct {
		key string
		v   *string
	}{
		{"date_and_time_of_message", t.DateAndTimeOfMessage},
		{"dimension_of_measurement", t.DimensionOfMeasurement},
		{"value_of_newest_measurement", t.ValueOfNewestMeasurement},
		{"value_of_measurement_in_due_date", t.ValueOfMeasurementInDueDate},
		{"date_of_due_date", t.DateOfDueDate},
	}
	for _, f := range fields {
		if f.v == nil {
			absent = append(absent, f.key)
		}
	}
	return absent
}

// NewDeviceRecord renders a device in its wire shape
func NewDeviceRecord(d db.Device) DeviceRecord {
	return DeviceRecord{
		Type:         d.DeviceType,
		Status:       d.Status,
		Identnr:      d.Identnr,
		Version:      d.Version,
		Accessnr:     d.Accessnr,
		Manufacturer: d.Manufacturer,
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
