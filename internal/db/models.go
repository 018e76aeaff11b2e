package db

import (
	"time"

	"github.com/google/uuid"
)

// Device represents a metering device in the database
type Device struct {
	ID           uuid.UUID  `db:"id"`
	Identnr      int64      `db:"identnr"`
	DeviceType   int64      `db:"device_type"`
	Status       int64      `db:"status"`
	Version      int64      `db:"version"`
	Accessnr     int64      `db:"accessnr"`
	Manufacturer int64      `db:"manufacturer"`
	CreatedAt    time.Time  `db:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at"`
	DeletedAt    *time.Time `db:"deleted_at"`
	IsDeleted    bool       `db:"is_deleted"`
}

// DeviceAttributes are the device fields frozen from the first payload seen for an identnr
type DeviceAttributes struct {
	DeviceType   int64
	Status       int64
	Version      int64
	Accessnr     int64
	Manufacturer int64
}

// Message represents one ingested gateway payload
type Message struct {
	ID        uuid.UUID  `db:"id"`
	Seq       int64      `db:"seq"`
	DeviceID  uuid.UUID  `db:"device_id"`
	CreatedAt time.Time  `db:"created_at"`
	UpdatedAt time.Time  `db:"updated_at"`
	DeletedAt *time.Time `db:"deleted_at"`
	IsDeleted bool       `db:"is_deleted"`
}

// Value represents one register reading within a message
type Value struct {
	ID        uuid.UUID  `db:"id"`
	MessageID uuid.UUID  `db:"message_id"`
	Position  int32      `db:"position"`
	Value     string     `db:"value"`
	Tariff    int64      `db:"tariff"`
	Subunit   int64      `db:"subunit"`
	Dimension string     `db:"dimension"`
	Storagenr int64      `db:"storagenr"`
	CreatedAt time.Time  `db:"created_at"`
	UpdatedAt time.Time  `db:"updated_at"`
	DeletedAt *time.Time `db:"deleted_at"`
	IsDeleted bool       `db:"is_deleted"`
}

// ValueFields are the caller-supplied fields of a register reading
type ValueFields struct {
	Value     string
	Tariff    int64
	Subunit   int64
	Dimension string
	Storagenr int64
}

// Reading is a value joined with the creation rank of its message.
// The resolver scans readings across a device's whole history.
type Reading struct {
	MessageID  uuid.UUID `db:"message_id"`
	MessageSeq int64     `db:"message_seq"`
	Storagenr  int64     `db:"storagenr"`
	Dimension  string    `db:"dimension"`
	Value      string    `db:"value"`
}

// MessageWithValues is a message together with its device and ordered values
type MessageWithValues struct {
	Message Message
	Device  Device
	Values  []Value
}
