package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotFound is returned when a live row does not exist
	ErrNotFound = errors.New("record not found")
)

// StorageError reports a durable-store fault. The enclosing transaction has been
// or must be rolled back; no partial write is visible.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Retryable reports whether repeating the operation could succeed.
// Data exceptions (SQLSTATE class 22), integrity constraint violations (class 23)
// and cancellations will fail again.
func (e *StorageError) Retryable() bool {
	if errors.Is(e.Err, context.Canceled) {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(e.Err, &pgErr) && len(pgErr.Code) >= 2 {
		switch pgErr.Code[:2] {
		case "22", "23":
			return false
		}
	}
	return true
}

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}
