package repository

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/septivank/metering-telemetry/internal/db"
)

// Tx is an alias for pgx.Tx
type Tx = pgx.Tx

// upsertAttempts bounds how often a device upsert that lost a race falls back to a lookup
const upsertAttempts = 3

const deviceColumns = `id, identnr, device_type, status, version, accessnr, manufacturer,
	created_at, updated_at, deleted_at, is_deleted`

const messageColumns = `id, seq, device_id, created_at, updated_at, deleted_at, is_deleted`

const valueColumns = `id, message_id, position, value, tariff, subunit, dimension, storagenr,
	created_at, updated_at, deleted_at, is_deleted`

// ValueFilter narrows ListValues. Zero values mean "no constraint".
type ValueFilter struct {
	Dimension string
	Storagenr *int64
	// ByStoragenr orders by storagenr before input position
	ByStoragenr bool
}

// Repository is the durable record store for devices, messages and values
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new repository
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// BeginTx starts a new transaction
func (r *Repository) BeginTx(ctx context.Context) (pgx.Tx, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, storageErr("begin transaction", err)
	}
	return tx, nil
}

// Ping checks that the database is reachable
func (r *Repository) Ping(ctx context.Context) error {
	return storageErr("ping", r.pool.Ping(ctx))
}

// UpsertDeviceTx returns the live device for identnr, creating it from attrs when none exists.
// The created flag is true only for the caller whose insert won; attributes of an existing
// device are never touched.
func (r *Repository) UpsertDeviceTx(ctx context.Context, tx pgx.Tx, identnr int64, attrs db.DeviceAttributes) (*db.Device, bool, error) {
	insertQuery := `
		INSERT INTO devices (id, identnr, device_type, status, version, accessnr, manufacturer)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (identnr) WHERE is_deleted = FALSE DO NOTHING
		RETURNING ` + deviceColumns

	selectQuery := `
		SELECT ` + deviceColumns + `
		FROM devices
		WHERE identnr = $1 AND is_deleted = FALSE
	`

	for attempt := 0; attempt < upsertAttempts; attempt++ {
		var device db.Device
		err := pgxscan.Get(ctx, tx, &device, insertQuery,
			uuid.New(), identnr,
			attrs.DeviceType, attrs.Status, attrs.Version, attrs.Accessnr, attrs.Manufacturer,
		)
		if err == nil {
			return &device, true, nil
		}
		if !pgxscan.NotFound(err) {
			return nil, false, storageErr("insert device", err)
		}

		// Conflict: another transaction owns this identnr, read it instead
		err = pgxscan.Get(ctx, tx, &device, selectQuery, identnr)
		if err == nil {
			return &device, false, nil
		}
		if !pgxscan.NotFound(err) {
			return nil, false, storageErr("select device", err)
		}
		// The conflicting row vanished between statements (soft-deleted); try again
	}

	return nil, false, storageErr("upsert device", fmt.Errorf("identnr %d: gave up after %d attempts", identnr, upsertAttempts))
}

// CreateMessageTx creates an empty message under a device
func (r *Repository) CreateMessageTx(ctx context.Context, tx pgx.Tx, deviceID uuid.UUID) (*db.Message, error) {
	query := `
		INSERT INTO messages (id, device_id)
		VALUES ($1, $2)
		RETURNING ` + messageColumns

	var message db.Message
	if err := pgxscan.Get(ctx, tx, &message, query, uuid.New(), deviceID); err != nil {
		return nil, storageErr("insert message", err)
	}
	return &message, nil
}

// AppendValueTx appends one register reading to a message at the given input position
func (r *Repository) AppendValueTx(ctx context.Context, tx pgx.Tx, messageID uuid.UUID, position int32, fields db.ValueFields) (*db.Value, error) {
	query := `
		INSERT INTO telemetry_values (id, message_id, position, value, tariff, subunit, dimension, storagenr)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING ` + valueColumns

	var value db.Value
	err := pgxscan.Get(ctx, tx, &value, query,
		uuid.New(), messageID, position,
		fields.Value, fields.Tariff, fields.Subunit, fields.Dimension, fields.Storagenr,
	)
	if err != nil {
		return nil, storageErr("insert value", err)
	}
	return &value, nil
}

// GetDeviceByIdentnr returns the live device registered under identnr
func (r *Repository) GetDeviceByIdentnr(ctx context.Context, identnr int64) (*db.Device, error) {
	query := `
		SELECT ` + deviceColumns + `
		FROM devices
		WHERE identnr = $1 AND is_deleted = FALSE
	`

	var device db.Device
	if err := pgxscan.Get(ctx, r.pool, &device, query, identnr); err != nil {
		if pgxscan.NotFound(err) {
			return nil, ErrNotFound
		}
		return nil, storageErr("select device", err)
	}
	return &device, nil
}

// ListDevices lists live devices, optionally only the one registered under identnr
func (r *Repository) ListDevices(ctx context.Context, identnr *int64) ([]db.Device, error) {
	query := `
		SELECT ` + deviceColumns + `
		FROM devices
		WHERE is_deleted = FALSE
		AND ($1::BIGINT IS NULL OR identnr = $1)
		ORDER BY identnr ASC
	`

	var devices []db.Device
	if err := pgxscan.Select(ctx, r.pool, &devices, query, identnr); err != nil {
		return nil, storageErr("list devices", err)
	}
	return devices, nil
}

// ListMessages lists a device's live messages in creation order
func (r *Repository) ListMessages(ctx context.Context, deviceID uuid.UUID) ([]db.Message, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE device_id = $1 AND is_deleted = FALSE
		ORDER BY seq ASC
	`

	var messages []db.Message
	if err := pgxscan.Select(ctx, r.pool, &messages, query, deviceID); err != nil {
		return nil, storageErr("list messages", err)
	}
	return messages, nil
}

// CountMessages counts a device's live messages
func (r *Repository) CountMessages(ctx context.Context, deviceID uuid.UUID) (int64, error) {
	var count int64
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM messages WHERE device_id = $1 AND is_deleted = FALSE
	`, deviceID).Scan(&count)
	if err != nil {
		return 0, storageErr("count messages", err)
	}
	return count, nil
}

// ListValues lists a message's live values, in input order unless the filter asks for storagenr order
func (r *Repository) ListValues(ctx context.Context, messageID uuid.UUID, filter ValueFilter) ([]db.Value, error) {
	conditions := []string{"message_id = $1", "is_deleted = FALSE"}
	args := []any{messageID}
	if filter.Dimension != "" {
		args = append(args, filter.Dimension)
		conditions = append(conditions, fmt.Sprintf("dimension = $%d", len(args)))
	}
	if filter.Storagenr != nil {
		args = append(args, *filter.Storagenr)
		conditions = append(conditions, fmt.Sprintf("storagenr = $%d", len(args)))
	}
	order := "position ASC"
	if filter.ByStoragenr {
		order = "storagenr ASC, position ASC"
	}

	query := `SELECT ` + valueColumns + ` FROM telemetry_values WHERE ` +
		strings.Join(conditions, " AND ") + ` ORDER BY ` + order

	var values []db.Value
	if err := pgxscan.Select(ctx, r.pool, &values, query, args...); err != nil {
		return nil, storageErr("list values", err)
	}
	return values, nil
}

// ScanReadings streams every live value tagged with dimension across all of a device's
// live messages. Rows are produced lazily; stop ranging to release the connection early.
func (r *Repository) ScanReadings(ctx context.Context, deviceID uuid.UUID, dimension string) iter.Seq2[db.Reading, error] {
	query := `
		SELECT v.message_id, m.seq AS message_seq, v.storagenr, v.dimension, v.value
		FROM telemetry_values v
		JOIN messages m ON m.id = v.message_id
		WHERE m.device_id = $1
		AND v.dimension = $2
		AND m.is_deleted = FALSE
		AND v.is_deleted = FALSE
		ORDER BY m.seq ASC, v.position ASC
	`

	return func(yield func(db.Reading, error) bool) {
		rows, err := r.pool.Query(ctx, query, deviceID, dimension)
		if err != nil {
			yield(db.Reading{}, storageErr("scan readings", err))
			return
		}
		defer rows.Close()

		scanner := pgxscan.NewRowScanner(rows)
		for rows.Next() {
			var reading db.Reading
			if err := scanner.Scan(&reading); err != nil {
				yield(db.Reading{}, storageErr("scan reading", err))
				return
			}
			if !yield(reading, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(db.Reading{}, storageErr("scan readings", err))
		}
	}
}

// ListRecentMessages lists live messages newest first, each with its device and its
// values ordered by storagenr. identnr optionally restricts the listing to one device.
func (r *Repository) ListRecentMessages(ctx context.Context, identnr *int64, limit int) ([]db.MessageWithValues, error) {
	query := `
		SELECT
			m.id, m.seq, m.device_id, m.created_at, m.updated_at, m.deleted_at, m.is_deleted,
			d.id AS d_id, d.identnr, d.device_type, d.status, d.version, d.accessnr, d.manufacturer,
			d.created_at AS d_created_at, d.updated_at AS d_updated_at
		FROM messages m
		JOIN devices d ON d.id = m.device_id
		WHERE m.is_deleted = FALSE
		AND d.is_deleted = FALSE
		AND ($1::BIGINT IS NULL OR d.identnr = $1)
		ORDER BY m.seq DESC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, identnr, limit)
	if err != nil {
		return nil, storageErr("list recent messages", err)
	}
	defer rows.Close()

	var out []db.MessageWithValues
	index := make(map[uuid.UUID]int)
	var ids []uuid.UUID
	for rows.Next() {
		var item db.MessageWithValues
		err := rows.Scan(
			&item.Message.ID,
			&item.Message.Seq,
			&item.Message.DeviceID,
			&item.Message.CreatedAt,
			&item.Message.UpdatedAt,
			&item.Message.DeletedAt,
			&item.Message.IsDeleted,
			&item.Device.ID,
			&item.Device.Identnr,
			&item.Device.DeviceType,
			&item.Device.Status,
			&item.Device.Version,
			&item.Device.Accessnr,
			&item.Device.Manufacturer,
			&item.Device.CreatedAt,
			&item.Device.UpdatedAt,
		)
		if err != nil {
			return nil, storageErr("scan recent message", err)
		}
		index[item.Message.ID] = len(out)
		ids = append(ids, item.Message.ID)
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list recent messages", err)
	}
	if len(ids) == 0 {
		return out, nil
	}

	var values []db.Value
	err = pgxscan.Select(ctx, r.pool, &values, `
		SELECT `+valueColumns+`
		FROM telemetry_values
		WHERE message_id = ANY($1) AND is_deleted = FALSE
		ORDER BY storagenr ASC, position ASC
	`, ids)
	if err != nil {
		return nil, storageErr("list recent values", err)
	}
	for _, v := range values {
		i := index[v.MessageID]
		out[i].Values = append(out[i].Values, v)
	}

	return out, nil
}

// SoftDeleteDevice flags the live device registered under identnr, and all of its messages
// and values, as deleted in one transaction. Rows are never physically removed.
func (r *Repository) SoftDeleteDevice(ctx context.Context, identnr int64) (err error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return storageErr("begin transaction", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback(ctx)
		}
	}()

	now := time.Now().UTC()

	var deviceID uuid.UUID
	err = tx.QueryRow(ctx, `
		UPDATE devices
		SET is_deleted = TRUE, deleted_at = $2, updated_at = $2
		WHERE identnr = $1 AND is_deleted = FALSE
		RETURNING id
	`, identnr, now).Scan(&deviceID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return storageErr("soft delete device", err)
	}

	if _, err = tx.Exec(ctx, `
		UPDATE telemetry_values v
		SET is_deleted = TRUE, deleted_at = $2, updated_at = $2
		FROM messages m
		WHERE v.message_id = m.id
		AND m.device_id = $1
		AND v.is_deleted = FALSE
	`, deviceID, now); err != nil {
		return storageErr("soft delete values", err)
	}

	if _, err = tx.Exec(ctx, `
		UPDATE messages
		SET is_deleted = TRUE, deleted_at = $2, updated_at = $2
		WHERE device_id = $1 AND is_deleted = FALSE
	`, deviceID, now); err != nil {
		return storageErr("soft delete messages", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return storageErr("commit soft delete", err)
	}
	return nil
}
