// Package model defines the core domain types shared across the cart engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"sort"

	"github.com/shopspring/decimal"
)

// Line is one product's presence in a cart. At most one Line per ProductID
// exists within a cart; a line with Quantity <= 0 is logically absent and is
// never persisted, transmitted, or published.
type Line struct {
	ProductID   int             `json:"productId"`
	ProductName string          `json:"productName"` // may be empty until hydrated from the catalog
	UnitPrice   decimal.Decimal `json:"unitPrice"`
	Quantity    int             `json:"quantity"`
}

// Subtotal returns UnitPrice * Quantity.
func (l Line) Subtotal() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// Snapshot is the complete, consistent view of cart contents at a point in
// time. TotalCount and TotalPrice are derived from Lines on every rebuild and
// are never stored independently of their source lines.
type Snapshot struct {
	Lines      []Line          `json:"lines"`
	TotalCount int             `json:"totalCount"`
	TotalPrice decimal.Decimal `json:"totalPrice"`
}

// NewSnapshot builds a normalized snapshot from raw lines: zero- and
// negative-quantity lines are dropped, duplicate product IDs collapse to the
// last occurrence, lines are ordered by product ID, and totals are recomputed.
func NewSnapshot(lines []Line) Snapshot {
	byID := make(map[int]Line, len(lines))
	for _, l := range lines {
		byID[l.ProductID] = l
	}

	out := make([]Line, 0, len(byID))
	for _, l := range byID {
		if l.Quantity > 0 {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })

	total := decimal.Zero
	count := 0
	for _, l := range out {
		count += l.Quantity
		total = total.Add(l.Subtotal())
	}

	return Snapshot{Lines: out, TotalCount: count, TotalPrice: total}
}

// EmptySnapshot returns a snapshot with no lines and zero totals.
func EmptySnapshot() Snapshot {
	return Snapshot{Lines: []Line{}, TotalPrice: decimal.Zero}
}

// Get returns the line for productID, if present.
func (s Snapshot) Get(productID int) (Line, bool) {
	for _, l := range s.Lines {
		if l.ProductID == productID {
			return l, true
		}
	}
	return Line{}, false
}

// Quantity returns the quantity held for productID, zero when absent.
func (s Snapshot) Quantity(productID int) int {
	l, ok := s.Get(productID)
	if !ok {
		return 0
	}
	return l.Quantity
}

// With returns a new snapshot with the given line applied. Quantity <= 0
// removes the product. The receiver is not mutated.
func (s Snapshot) With(line Line) Snapshot {
	lines := make([]Line, 0, len(s.Lines)+1)
	lines = append(lines, s.Lines...)
	lines = append(lines, line)
	return NewSnapshot(lines)
}

// IsEmpty reports whether the snapshot holds no lines.
func (s Snapshot) IsEmpty() bool {
	return len(s.Lines) == 0
}

// Mode is the authentication mode driving the engine's routing. The engine's
// choice between local and remote persistence is a pure function of this
// value.
type Mode string

const (
	ModeGuest         Mode = "guest"
	ModeAuthenticated Mode = "authenticated"
)

// AuthState carries the current authentication mode, identity, and bearer
// credential for upstream calls. Guest state has empty UserID and Token.
type AuthState struct {
	Mode   Mode   `json:"mode"`
	UserID string `json:"userId,omitempty"`
	Token  string `json:"-"`
}

// Guest returns the unauthenticated state.
func Guest() AuthState {
	return AuthState{Mode: ModeGuest}
}

// Authenticated reports whether the state carries a verified identity.
func (a AuthState) Authenticated() bool {
	return a.Mode == ModeAuthenticated
}
