// Package localstore persists the guest cart for one storefront session.
// Implementations include a JSON file (device-local), Redis, PostgreSQL, and
// in-memory (for testing). The store is a passive delegate of the engine:
// absent or corrupt data is treated as "no cart", never surfaced as an error,
// and a failing backend degrades the session to in-memory-only persistence.
package localstore

import (
	"context"

	"github.com/freshbazaar/cart-engine/internal/model"
)

// Store is the guest cart persistence interface.
type Store interface {
	// Load reads the persisted guest cart. Absent or corrupt data yields an
	// empty line set with a nil error; only backend unavailability errors.
	Load(ctx context.Context) ([]model.Line, error)

	// Save serializes and persists the given lines, overwriting prior content.
	Save(ctx context.Context, lines []model.Line) error

	// Clear removes the persisted cart. Clearing an absent cart is not an error.
	Clear(ctx context.Context) error
}
