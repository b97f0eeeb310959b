// Package gateway wraps the upstream cart API in a request/response client.
// Every call carries a caller-supplied bearer credential and resolves to
// either data or one of four classified failures: ErrUnauthorized,
// ErrUnreachable, ErrServerRejected, ErrNotFound.
package gateway

import (
	"context"
	"errors"

	"github.com/freshbazaar/cart-engine/internal/model"
)

// Error taxonomy for upstream cart calls. Callers branch with errors.Is.
var (
	// ErrUnauthorized means the credential is invalid or expired. The cart
	// core surfaces it; the session layer drives the logout cascade.
	ErrUnauthorized = errors.New("cart upstream: unauthorized")

	// ErrUnreachable means a transport failure or upstream outage. Retried
	// only implicitly via the next user-initiated flush.
	ErrUnreachable = errors.New("cart upstream: unreachable")

	// ErrServerRejected means the upstream refused the request as invalid.
	ErrServerRejected = errors.New("cart upstream: rejected")

	// ErrNotFound means the addressed cart line does not exist upstream.
	ErrNotFound = errors.New("cart upstream: not found")
)

// Gateway is the remote cart contract. Stateless per call; the engine owns
// all cart state between calls.
type Gateway interface {
	// FetchAll lists the authenticated user's cart lines.
	FetchAll(ctx context.Context, token string) ([]model.Line, error)

	// Upsert sets the absolute quantity for a product. Quantity must be
	// positive; removal is a distinct operation.
	Upsert(ctx context.Context, token string, productID, quantity int) error

	// Remove deletes a product's line. Removing an absent line succeeds.
	Remove(ctx context.Context, token string, productID int) error

	// Clear removes all lines server-side.
	Clear(ctx context.Context, token string) error

	// BatchUpsert pushes all given lines, used only for the guest→
	// authenticated merge. The upstream offers no atomicity: the returned
	// slice names the lines that failed, nil meaning full success.
	BatchUpsert(ctx context.Context, token string, lines []model.Line) []BatchFailure
}

// BatchFailure records one line that could not be pushed during a merge.
type BatchFailure struct {
	Line model.Line
	Err  error
}
