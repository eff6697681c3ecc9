package catalog

import (
	"context"
	"errors"
)

// ErrNotFound is returned when updating or deleting a record that does not exist
var ErrNotFound = errors.New("record not found")

// Repository stores the local copy of a single entity type
type Repository[T any] interface {
	// Create stores a new record, replacing any existing record with the same ID, and
	// returns the record as stored
	Create(ctx context.Context, record *T) (*T, error)

	// UpdateByID overwrites the fields that are present in record; absent (nil) fields
	// are left unchanged. Returns ErrNotFound if there is no such record.
	UpdateByID(ctx context.Context, id string, record *T) error

	// DeleteByID removes a record, returning ErrNotFound if there is no such record
	DeleteByID(ctx context.Context, id string) error

	// List returns every stored record, ordered by ID
	List(ctx context.Context) ([]T, error)
}
