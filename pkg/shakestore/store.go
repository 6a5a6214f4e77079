package shakestore

import (
	"context"
	"errors"

	"github.com/star-ga/clawshake/pkg/models"
)

var (
	ErrNotFound = errors.New("shake not found")
	ErrReadOnly = errors.New("store transaction is read-only")
)

// Tx is one atomic view over the three keyed maps the engine persists:
// shake records, parent->children adjacency, and remaining-budget scalars.
// Mutations become visible only when the enclosing Update commits.
type Tx interface {
	Get(ctx context.Context, id uint64) (models.Shake, error)
	Put(ctx context.Context, s models.Shake) error
	Children(ctx context.Context, id uint64) ([]uint64, error)
	AppendChild(ctx context.Context, parent, child uint64) error
	// Remaining returns 0 for ids with no defined scalar.
	Remaining(ctx context.Context, id uint64) (uint64, error)
	SetRemaining(ctx context.Context, id uint64, units uint64) error
	// NextID allocates the next dense id, starting at 1.
	NextID(ctx context.Context) (uint64, error)
	List(ctx context.Context, status string, limit int) ([]models.Shake, error)
}

// Store runs functions against the keyed maps with all-or-nothing commit.
type Store interface {
	Update(ctx context.Context, fn func(tx Tx) error) error
	View(ctx context.Context, fn func(tx Tx) error) error
}
