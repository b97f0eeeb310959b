// Package engine implements the cart reconciliation core: it owns the
// authoritative in-memory snapshot for one storefront session, routes
// mutations to local persistence (guest) or the upstream cart API
// (authenticated), merges the guest cart into the server cart on login, and
// publishes a live snapshot and count stream to subscribers.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/freshbazaar/cart-engine/internal/gateway"
	"github.com/freshbazaar/cart-engine/internal/localstore"
	"github.com/freshbazaar/cart-engine/internal/metrics"
	"github.com/freshbazaar/cart-engine/internal/model"
	"github.com/freshbazaar/cart-engine/internal/pubsub"
)

// State names the engine's position in its lifecycle.
type State string

const (
	StateUninitialized       State = "uninitialized"
	StateGuestActive         State = "guest_active"
	StateAuthenticatedActive State = "authenticated_active"
	StateCleared             State = "cleared" // terminal, after Close
)

// DefaultDebounce is the trailing debounce applied before flushing buffered
// quantity deltas upstream.
const DefaultDebounce = 300 * time.Millisecond

var (
	ErrNotStarted       = errors.New("engine: not started")
	ErrClosed           = errors.New("engine: closed")
	ErrInvalidQuantity  = errors.New("engine: quantity must be >= 0")
	ErrNotAuthenticated = errors.New("engine: operation requires login")
	ErrEmptyCart        = errors.New("engine: cart is empty")
	ErrMergeIncomplete  = errors.New("engine: guest cart merge incomplete")
)

// Notice is a user-visible message emitted for failures the UI should show,
// as opposed to transient write failures the engine absorbs by re-fetching.
type Notice struct {
	Kind      string `json:"kind"` // "server_rejected", "merge_incomplete", "unauthorized"
	ProductID int    `json:"productId,omitempty"`
	Message   string `json:"message"`
}

// EventPublisher emits integration events for completed checkouts.
// A nil publisher disables events; checkout itself is unaffected.
type EventPublisher interface {
	PublishCartCheckedOut(ctx context.Context, userID string, snap model.Snapshot) error
}

// Options configures a new Engine.
type Options struct {
	Local    localstore.Store
	Gateway  gateway.Gateway
	Events   EventPublisher // optional
	Debounce time.Duration  // zero means DefaultDebounce
}

// Engine is the single writer of one session's cart state. All mutations are
// serialized through its mutex; network calls happen outside it, and a
// session epoch counter discards responses that land after a logout or clear.
type Engine struct {
	mu        sync.Mutex
	state     State
	auth      model.AuthState
	snapshot  model.Snapshot
	confirmed map[int]int // last server-confirmed quantity per product
	epoch     uint64
	deltas    *deltaBuffer
	settled   *sync.Cond // broadcast whenever in-flight writes resolve
	timer     *time.Timer

	local    localstore.Store
	gw       gateway.Gateway
	events   EventPublisher
	debounce time.Duration

	snapshots *pubsub.Broadcaster[model.Snapshot]
	counts    *pubsub.Broadcaster[int]
	notices   *pubsub.Broadcaster[Notice]
}

// New creates an engine in the Uninitialized state. Call Start before use.
func New(opts Options) *Engine {
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	e := &Engine{
		state:     StateUninitialized,
		auth:      model.Guest(),
		snapshot:  model.EmptySnapshot(),
		confirmed: make(map[int]int),
		deltas:    newDeltaBuffer(),
		local:     opts.Local,
		gw:        opts.Gateway,
		events:    opts.Events,
		debounce:  debounce,
		snapshots: pubsub.New[model.Snapshot](),
		counts:    pubsub.New[int](),
		notices:   pubsub.New[Notice](),
	}
	e.settled = sync.NewCond(&e.mu)
	return e
}

// Start loads the persisted guest cart and enters GuestActive. A failing
// store degrades to an empty in-memory cart, never an error.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.state == StateCleared {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.state != StateUninitialized {
		e.mu.Unlock()
		return nil
	}
	e.state = StateGuestActive
	e.mu.Unlock()

	lines, err := e.local.Load(ctx)
	if err != nil {
		slog.Warn("guest cart load failed, starting empty", "err", err)
		lines = nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateGuestActive {
		return nil
	}
	e.snapshot = model.NewSnapshot(lines)
	e.publishLocked()
	return nil
}

// SetQuantity is the single mutation entrypoint for add, update, and remove
// (quantity 0 removes). The published snapshot reflects the requested
// quantity immediately; in authenticated mode the network write is deferred
// through the delta buffer, and a failed write is resolved later by
// re-fetching server truth rather than surfacing an error here.
func (e *Engine) SetQuantity(ctx context.Context, productID int, productName string, unitPrice decimal.Decimal, quantity int) error {
	if quantity < 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidQuantity, quantity)
	}

	e.mu.Lock()
	switch e.state {
	case StateUninitialized:
		e.mu.Unlock()
		return ErrNotStarted
	case StateCleared:
		e.mu.Unlock()
		return ErrClosed
	}

	old := e.snapshot.Quantity(productID)
	e.snapshot = e.snapshot.With(model.Line{
		ProductID:   productID,
		ProductName: productName,
		UnitPrice:   unitPrice,
		Quantity:    quantity,
	})
	e.publishLocked()
	metrics.MutationsTotal.WithLabelValues(string(e.auth.Mode)).Inc()

	if e.auth.Authenticated() {
		if delta := quantity - old; delta != 0 {
			if e.deltas.record(productID, delta) {
				metrics.CoalescedDeltas.Inc()
			}
			e.scheduleFlushLocked()
		}
		e.mu.Unlock()
		return nil
	}

	lines := e.snapshot.Lines
	e.mu.Unlock()

	if err := e.local.Save(ctx, lines); err != nil {
		// StorageUnavailable degrades to in-memory only for this session.
		slog.Warn("guest cart persist failed, continuing in-memory", "err", err)
	}
	return nil
}

// Flush writes every buffered delta upstream, one call per product in
// parallel, and reconciles failed products against re-fetched server truth.
// A no-op in guest mode. Flush is a barrier: it returns only once every
// write that was in flight when it was called has resolved, so callers that
// need authoritative server state afterwards (checkout, merge) can rely on
// it even when a concurrent timer flush holds the writes.
func (e *Engine) Flush(ctx context.Context) error {
	e.mu.Lock()
	var targets map[int]int
	for {
		if e.state != StateAuthenticatedActive {
			e.mu.Unlock()
			return nil
		}
		targets = e.deltas.beginFlush(e.confirmed)
		if len(targets) > 0 {
			break
		}
		if !e.deltas.hasInflight() {
			e.mu.Unlock()
			return nil
		}
		e.settled.Wait()
	}
	epoch := e.epoch
	token := e.auth.Token
	e.mu.Unlock()

	start := time.Now()

	type result struct {
		productID int
		target    int
		err       error
	}
	results := make([]result, 0, len(targets))
	var (
		wg  sync.WaitGroup
		rmu sync.Mutex
	)
	for productID, target := range targets {
		wg.Add(1)
		go func(productID, target int) {
			defer wg.Done()
			var err error
			if target > 0 {
				err = e.gw.Upsert(ctx, token, productID, target)
			} else {
				err = e.gw.Remove(ctx, token, productID)
			}
			rmu.Lock()
			results = append(results, result{productID, target, err})
			rmu.Unlock()
		}(productID, target)
	}
	wg.Wait()
	metrics.FlushLatency.Observe(time.Since(start).Seconds())

	e.mu.Lock()
	if e.epoch != epoch {
		// Session ended mid-flight; the responses no longer apply.
		e.mu.Unlock()
		return nil
	}

	var failed []int
	var errs []error
	defer e.settled.Broadcast()
	for _, r := range results {
		e.deltas.resolve(r.productID)
		if r.err == nil {
			if r.target > 0 {
				e.confirmed[r.productID] = r.target
			} else {
				delete(e.confirmed, r.productID)
			}
			continue
		}
		failed = append(failed, r.productID)
		errs = append(errs, fmt.Errorf("product %d: %w", r.productID, r.err))
		if errors.Is(r.err, gateway.ErrServerRejected) {
			e.notices.Publish(Notice{
				Kind:      "server_rejected",
				ProductID: r.productID,
				Message:   fmt.Sprintf("could not update quantity for product %d", r.productID),
			})
		}
		if errors.Is(r.err, gateway.ErrUnauthorized) {
			e.notices.Publish(Notice{Kind: "unauthorized", Message: "session expired"})
		}
	}
	more := e.deltas.hasPending()
	e.mu.Unlock()

	if more {
		e.mu.Lock()
		e.scheduleFlushLocked()
		e.mu.Unlock()
	}

	if len(failed) == 0 {
		metrics.FlushesTotal.WithLabelValues("ok").Inc()
		return nil
	}
	metrics.FlushesTotal.WithLabelValues("error").Inc()

	// The optimistic value may roll back here; that is the contract.
	e.reconcile(ctx, epoch, token, failed)
	return errors.Join(errs...)
}

// reconcile re-fetches server truth and republishes it for the given
// products only; untouched products keep their optimistic values.
func (e *Engine) reconcile(ctx context.Context, epoch uint64, token string, productIDs []int) {
	lines, err := e.gw.FetchAll(ctx, token)
	if err != nil {
		slog.Warn("cart reconcile fetch failed", "err", err)
		return
	}
	server := make(map[int]model.Line, len(lines))
	for _, l := range lines {
		server[l.ProductID] = l
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.epoch != epoch {
		return
	}
	for _, id := range productIDs {
		// The rollback abandons the optimistic value, so a delta recorded
		// against it while the failing write was in flight dies with it.
		// Flushing it later would silently diverge from what is published.
		e.deltas.drop(id)
		if l, ok := server[id]; ok {
			e.snapshot = e.snapshot.With(l)
			e.confirmed[id] = l.Quantity
		} else {
			e.snapshot = e.snapshot.With(model.Line{ProductID: id}) // quantity 0 removes
			delete(e.confirmed, id)
		}
	}
	e.publishLocked()
}

// HandleLogin drives the GuestActive → AuthenticatedActive transition and
// runs the merge protocol exactly once per login event. Calling it again
// while already authenticated retries a merge left pending by an earlier
// partial failure.
func (e *Engine) HandleLogin(ctx context.Context, auth model.AuthState) error {
	if !auth.Authenticated() {
		return fmt.Errorf("engine: login requires an authenticated state")
	}

	e.mu.Lock()
	switch e.state {
	case StateUninitialized:
		e.mu.Unlock()
		return ErrNotStarted
	case StateCleared:
		e.mu.Unlock()
		return ErrClosed
	}
	wasGuest := e.state == StateGuestActive
	var guestLines []model.Line
	if wasGuest {
		guestLines = e.snapshot.Lines
	}
	e.state = StateAuthenticatedActive
	e.auth = auth
	epoch := e.epoch
	e.mu.Unlock()

	if !wasGuest {
		// Retry path: a previously failed merge left the guest cart persisted.
		// Settle buffered deltas first so the merge works against a stable
		// confirmed state.
		if err := e.Flush(ctx); err != nil {
			slog.Warn("pre-merge flush failed", "err", err)
		}
		lines, err := e.local.Load(ctx)
		if err != nil {
			slog.Warn("pending merge load failed", "err", err)
		}
		guestLines = lines
	}

	if len(guestLines) == 0 {
		// Empty guest cart: no merge, no batch call. Just adopt server truth.
		metrics.MergesTotal.WithLabelValues("skipped").Inc()
		lines, err := e.gw.FetchAll(ctx, auth.Token)
		if err != nil {
			return fmt.Errorf("loading server cart after login: %w", err)
		}
		e.adopt(epoch, lines)
		return nil
	}

	// Guest wins per product: the server's replace semantics make this an
	// overwrite, not a sum.
	failures := e.gw.BatchUpsert(ctx, auth.Token, guestLines)

	if len(failures) == 0 {
		metrics.MergesTotal.WithLabelValues("ok").Inc()
		if err := e.local.Clear(ctx); err != nil {
			slog.Warn("guest cart clear after merge failed", "err", err)
		}
		lines, err := e.gw.FetchAll(ctx, auth.Token)
		if err != nil {
			// Merge landed but the fetch didn't; the guest lines are the
			// freshest confirmed view we hold.
			slog.Warn("post-merge fetch failed, publishing merged guest lines", "err", err)
			e.adopt(epoch, guestLines)
			return nil
		}
		e.adopt(epoch, lines)
		return nil
	}

	// Partial failure: keep the persisted guest cart queued for the next
	// login, publish the best-effort combination of server and guest state.
	metrics.MergesTotal.WithLabelValues("incomplete").Inc()
	for _, f := range failures {
		slog.Warn("guest cart merge line failed", "product_id", f.Line.ProductID, "err", f.Err)
	}

	serverLines, ferr := e.gw.FetchAll(ctx, auth.Token)
	if ferr != nil {
		slog.Warn("post-merge fetch failed", "err", ferr)
	}

	e.adoptCombined(epoch, serverLines, guestLines, failures)
	e.notices.Publish(Notice{
		Kind:    "merge_incomplete",
		Message: fmt.Sprintf("%d cart item(s) could not be synced; they will be retried on your next login", len(failures)),
	})
	return fmt.Errorf("%w: %d of %d lines failed", ErrMergeIncomplete, len(failures), len(guestLines))
}

// adopt replaces the snapshot and confirmed quantities with server truth,
// unless the session epoch moved on while the network call was in flight.
func (e *Engine) adopt(epoch uint64, lines []model.Line) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.epoch != epoch {
		return
	}
	e.snapshot = model.NewSnapshot(lines)
	e.deltas.resetPending()
	e.confirmed = make(map[int]int, len(e.snapshot.Lines))
	for _, l := range e.snapshot.Lines {
		e.confirmed[l.ProductID] = l.Quantity
	}
	e.publishLocked()
}

// adoptCombined publishes server state overlaid with the guest cart (guest
// wins per product). Confirmed quantities track only what the server is
// known to hold: fetched lines plus guest lines that upserted successfully.
func (e *Engine) adoptCombined(epoch uint64, serverLines, guestLines []model.Line, failures []gateway.BatchFailure) {
	failedIDs := make(map[int]bool, len(failures))
	for _, f := range failures {
		failedIDs[f.Line.ProductID] = true
	}

	combined := make([]model.Line, 0, len(serverLines)+len(guestLines))
	combined = append(combined, serverLines...)
	combined = append(combined, guestLines...)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.epoch != epoch {
		return
	}
	e.snapshot = model.NewSnapshot(combined)
	e.deltas.resetPending()
	e.confirmed = make(map[int]int)
	for _, l := range serverLines {
		e.confirmed[l.ProductID] = l.Quantity
	}
	for _, l := range guestLines {
		if !failedIDs[l.ProductID] {
			e.confirmed[l.ProductID] = l.Quantity
		}
	}
	e.publishLocked()
}

// HandleLogout drives clear-and-reset: all in-memory and persisted cart
// state is discarded and the engine re-enters GuestActive with an empty
// cart. The epoch bump makes any in-flight responses dead on arrival.
func (e *Engine) HandleLogout(ctx context.Context) {
	e.mu.Lock()
	if e.state == StateUninitialized || e.state == StateCleared {
		e.mu.Unlock()
		return
	}
	e.resetLocked()
	e.state = StateGuestActive
	e.auth = model.Guest()
	e.publishLocked()
	e.mu.Unlock()

	if err := e.local.Clear(ctx); err != nil {
		slog.Warn("guest cart clear on logout failed", "err", err)
	}
}

// Clear empties both in-memory and persisted cart state. When authenticated
// it also issues a best-effort server-side clear; a failure there is logged,
// not retried, since a stale server cart is overwritten on the next mutation
// or merge.
func (e *Engine) Clear(ctx context.Context) error {
	e.mu.Lock()
	switch e.state {
	case StateUninitialized:
		e.mu.Unlock()
		return ErrNotStarted
	case StateCleared:
		e.mu.Unlock()
		return ErrClosed
	}
	auth := e.auth
	e.resetLocked()
	e.publishLocked()
	e.mu.Unlock()

	if err := e.local.Clear(ctx); err != nil {
		slog.Warn("guest cart clear failed", "err", err)
	}
	if auth.Authenticated() {
		if err := e.gw.Clear(ctx, auth.Token); err != nil {
			slog.Warn("server-side cart clear failed", "err", err)
		}
	}
	return nil
}

// resetLocked discards cart state and invalidates in-flight responses.
func (e *Engine) resetLocked() {
	e.epoch++
	e.snapshot = model.EmptySnapshot()
	e.confirmed = make(map[int]int)
	e.deltas.reset()
	e.settled.Broadcast()
	if e.timer != nil {
		e.timer.Stop()
	}
}

// Checkout flushes pending deltas, verifies the authoritative server cart is
// non-empty, emits a CartCheckedOut event, and clears the cart. This is a
// user-waited operation: failures surface instead of being absorbed.
func (e *Engine) Checkout(ctx context.Context) (model.Snapshot, error) {
	e.mu.Lock()
	if !e.auth.Authenticated() {
		e.mu.Unlock()
		return model.Snapshot{}, ErrNotAuthenticated
	}
	auth := e.auth
	e.mu.Unlock()

	if err := e.Flush(ctx); err != nil {
		return model.Snapshot{}, fmt.Errorf("syncing cart before checkout: %w", err)
	}

	lines, err := e.gw.FetchAll(ctx, auth.Token)
	if err != nil {
		return model.Snapshot{}, fmt.Errorf("loading cart for checkout: %w", err)
	}
	snap := model.NewSnapshot(lines)
	if snap.IsEmpty() {
		return model.Snapshot{}, ErrEmptyCart
	}

	if e.events != nil {
		if err := e.events.PublishCartCheckedOut(ctx, auth.UserID, snap); err != nil {
			slog.Warn("cart checked out event publish failed", "err", err)
		}
	}

	if err := e.Clear(ctx); err != nil {
		return model.Snapshot{}, err
	}
	return snap, nil
}

// Snapshot returns the current published cart state.
func (e *Engine) Snapshot() model.Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshot
}

// Auth returns the current authentication state.
func (e *Engine) Auth() model.AuthState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.auth
}

// State returns the engine's lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Subscribe produces the snapshot stream: the current snapshot immediately,
// then every subsequent change.
func (e *Engine) Subscribe() (<-chan model.Snapshot, func()) {
	return e.snapshots.Subscribe()
}

// SubscribeCount projects the snapshot stream onto its total item count.
// Both streams are published from the same snapshot under the same lock, so
// a count emission is never inconsistent with the latest snapshot emission.
func (e *Engine) SubscribeCount() (<-chan int, func()) {
	return e.counts.Subscribe()
}

// SubscribeNotices produces the stream of user-visible failure messages.
func (e *Engine) SubscribeNotices() (<-chan Notice, func()) {
	return e.notices.Subscribe()
}

// Close terminates the engine. All subscriptions end and every in-flight
// response is discarded.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.state == StateCleared {
		e.mu.Unlock()
		return
	}
	e.state = StateCleared
	e.epoch++
	e.settled.Broadcast()
	if e.timer != nil {
		e.timer.Stop()
	}
	e.mu.Unlock()

	e.snapshots.Close()
	e.counts.Close()
	e.notices.Close()
}

func (e *Engine) publishLocked() {
	e.snapshots.Publish(e.snapshot)
	e.counts.Publish(e.snapshot.TotalCount)
}

func (e *Engine) scheduleFlushLocked() {
	if e.timer == nil {
		e.timer = time.AfterFunc(e.debounce, func() {
			if err := e.Flush(context.Background()); err != nil {
				slog.Warn("deferred cart flush failed", "err", err)
			}
		})
		return
	}
	e.timer.Reset(e.debounce)
}
