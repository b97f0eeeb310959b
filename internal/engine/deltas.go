package engine

// deltaBuffer coalesces rapid quantity changes into at most one upstream
// write per product. Deltas accumulate in pending; beginFlush promotes them
// to in-flight. A delta recorded while its product has a write in flight
// stays pending and is flushed only after that write resolves, so a single
// product never has two interleaved writes on the wire.
//
// All methods are called under the engine's lock.
type deltaBuffer struct {
	pending  map[int]int
	inflight map[int]bool
}

func newDeltaBuffer() *deltaBuffer {
	return &deltaBuffer{
		pending:  make(map[int]int),
		inflight: make(map[int]bool),
	}
}

// record accumulates a signed quantity delta for a product. It reports
// whether the delta was coalesced into one already pending or in flight.
func (b *deltaBuffer) record(productID, delta int) bool {
	coalesced := b.pending[productID] != 0 || b.inflight[productID]
	b.pending[productID] += delta
	if b.pending[productID] == 0 {
		delete(b.pending, productID)
	}
	return coalesced
}

// beginFlush computes the absolute target quantity (confirmed + delta) for
// every product with a nonzero pending delta and no write in flight, marks
// those products in flight, and clears their pending delta.
func (b *deltaBuffer) beginFlush(confirmed map[int]int) map[int]int {
	targets := make(map[int]int)
	for productID, delta := range b.pending {
		if b.inflight[productID] {
			continue
		}
		target := confirmed[productID] + delta
		if target < 0 {
			target = 0
		}
		targets[productID] = target
		b.inflight[productID] = true
		delete(b.pending, productID)
	}
	return targets
}

// resolve marks a product's in-flight write as finished, success or failure.
func (b *deltaBuffer) resolve(productID int) {
	delete(b.inflight, productID)
}

// drop discards a product's pending delta without flushing it. Used when a
// snapshot-replacing operation abandons the optimistic value the delta was
// recorded against.
func (b *deltaBuffer) drop(productID int) {
	delete(b.pending, productID)
}

// resetPending drops every pending delta, keeping in-flight markers so an
// outstanding write still blocks a second write for its product.
func (b *deltaBuffer) resetPending() {
	b.pending = make(map[int]int)
}

// hasPending reports whether any product still has an unflushed delta.
func (b *deltaBuffer) hasPending() bool {
	return len(b.pending) > 0
}

// hasInflight reports whether any write is still outstanding.
func (b *deltaBuffer) hasInflight() bool {
	return len(b.inflight) > 0
}

// reset drops all pending and in-flight state.
func (b *deltaBuffer) reset() {
	b.pending = make(map[int]int)
	b.inflight = make(map[int]bool)
}
