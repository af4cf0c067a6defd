// Package store persists product requirements documents.
//
// Two implementations are provided: [PostgresStore] keeps each document as a
// JSONB row and [MemoryStore] keeps deep copies in a map for sessions without
// a database. Both validate documents against the requirements schema before
// writing.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/vibepm/internal/requirements"
)

// ErrNotFound is returned by Update when no document has the given id.
var ErrNotFound = errors.New("store: product not found")

// Summary is a lightweight listing entry.
type Summary struct {
	ID        string
	Name      string
	Status    requirements.Status
	UpdatedAt time.Time
}

// Store provides persistence for product documents. Implementations must be
// safe for concurrent use.
type Store interface {
	// Save inserts a new document and returns its generated id. It sets p.ID
	// and p.UpdatedAt.
	Save(ctx context.Context, p *requirements.Product) (string, error)

	// Get returns the document with the given id, or (nil, nil) if absent.
	Get(ctx context.Context, id string) (*requirements.Product, error)

	// Update replaces the document with the given id. It returns ErrNotFound
	// if no such document exists.
	Update(ctx context.Context, id string, p *requirements.Product) error

	// Latest returns the most recently updated document, or (nil, nil) when
	// the store is empty.
	Latest(ctx context.Context) (*requirements.Product, error)

	// List returns summaries of all documents, most recently updated first.
	List(ctx context.Context) ([]Summary, error)

	// Ping reports whether the backing storage is reachable.
	Ping(ctx context.Context) error
}
