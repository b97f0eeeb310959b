package engine_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/freshbazaar/cart-engine/internal/engine"
	"github.com/freshbazaar/cart-engine/internal/gateway"
	"github.com/freshbazaar/cart-engine/internal/localstore"
	"github.com/freshbazaar/cart-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func auth(user string) model.AuthState {
	return model.AuthState{Mode: model.ModeAuthenticated, UserID: user, Token: "tok-" + user}
}

// upsertCall records one absolute-quantity write seen by the fake upstream.
type upsertCall struct {
	ProductID int
	Quantity  int
}

// fakeGateway is an in-memory stand-in for the upstream cart API with
// per-product scriptable failures and an optional gate to hold writes in
// flight.
type fakeGateway struct {
	mu         sync.Mutex
	lines      map[int]model.Line
	upserts    []upsertCall
	removes    []int
	clears     int
	fetches    int
	failUpsert map[int]error
	failFetch  error
	gate       chan struct{} // when non-nil, Upsert blocks until closed
	started    chan int      // when non-nil, receives the product ID as Upsert begins
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		lines:      make(map[int]model.Line),
		failUpsert: make(map[int]error),
	}
}

func (f *fakeGateway) seed(lines ...model.Line) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, l := range lines {
		f.lines[l.ProductID] = l
	}
}

func (f *fakeGateway) FetchAll(_ context.Context, _ string) ([]model.Line, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.failFetch != nil {
		return nil, f.failFetch
	}
	out := make([]model.Line, 0, len(f.lines))
	for _, l := range f.lines {
		out = append(out, l)
	}
	return out, nil
}

func (f *fakeGateway) Upsert(_ context.Context, _ string, productID, quantity int) error {
	f.mu.Lock()
	gate := f.gate
	started := f.started
	f.mu.Unlock()
	if started != nil {
		started <- productID
	}
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts = append(f.upserts, upsertCall{productID, quantity})
	if err := f.failUpsert[productID]; err != nil {
		return err
	}
	l := f.lines[productID]
	l.ProductID = productID
	l.Quantity = quantity
	f.lines[productID] = l
	return nil
}

func (f *fakeGateway) Remove(_ context.Context, _ string, productID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removes = append(f.removes, productID)
	if err := f.failUpsert[productID]; err != nil {
		return err
	}
	delete(f.lines, productID)
	return nil
}

func (f *fakeGateway) Clear(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clears++
	f.lines = make(map[int]model.Line)
	return nil
}

func (f *fakeGateway) BatchUpsert(_ context.Context, _ string, lines []model.Line) []gateway.BatchFailure {
	f.mu.Lock()
	defer f.mu.Unlock()
	var failed []gateway.BatchFailure
	for _, l := range lines {
		if err := f.failUpsert[l.ProductID]; err != nil {
			failed = append(failed, gateway.BatchFailure{Line: l, Err: err})
			continue
		}
		f.lines[l.ProductID] = l
	}
	return failed
}

func (f *fakeGateway) upsertCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.upserts)
}

type fakePublisher struct {
	mu        sync.Mutex
	published []model.Snapshot
}

func (p *fakePublisher) PublishCartCheckedOut(_ context.Context, _ string, snap model.Snapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, snap)
	return nil
}

// newTestEngine creates a started engine with a long debounce so tests drive
// flushes explicitly.
func newTestEngine(t *testing.T, gw *fakeGateway) (*engine.Engine, *localstore.MemoryStore) {
	t.Helper()
	store := localstore.NewMemoryStore()
	eng := engine.New(engine.Options{
		Local:    store,
		Gateway:  gw,
		Debounce: time.Hour,
	})
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("failed to start engine: %v", err)
	}
	t.Cleanup(eng.Close)
	return eng, store
}

func set(t *testing.T, eng *engine.Engine, productID, qty int) {
	t.Helper()
	name := fmt.Sprintf("product-%d", productID)
	if err := eng.SetQuantity(context.Background(), productID, name, d(1.50), qty); err != nil {
		t.Fatalf("SetQuantity(%d, %d): %v", productID, qty, err)
	}
}

// --- Guest mode ---

func TestGuestAddPersistsLocally(t *testing.T) {
	gw := newFakeGateway()
	eng, store := newTestEngine(t, gw)

	set(t, eng, 7, 1)

	lines, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(lines) != 1 || lines[0].ProductID != 7 || lines[0].Quantity != 1 {
		t.Fatalf("expected persisted line {7,1}, got %+v", lines)
	}
	if gw.upsertCount() != 0 {
		t.Errorf("guest mode must issue no upstream writes, saw %d", gw.upsertCount())
	}
}

func TestSetQuantityIdempotent(t *testing.T) {
	gw := newFakeGateway()
	eng, _ := newTestEngine(t, gw)

	set(t, eng, 3, 4)
	first := eng.Snapshot()
	set(t, eng, 3, 4)
	second := eng.Snapshot()

	if first.TotalCount != second.TotalCount || len(first.Lines) != len(second.Lines) {
		t.Errorf("repeating the same mutation changed the snapshot: %+v vs %+v", first, second)
	}
}

func TestSetQuantityNegativeRejected(t *testing.T) {
	gw := newFakeGateway()
	eng, _ := newTestEngine(t, gw)

	err := eng.SetQuantity(context.Background(), 1, "x", d(1), -1)
	if !errors.Is(err, engine.ErrInvalidQuantity) {
		t.Errorf("expected ErrInvalidQuantity, got %v", err)
	}
}

func TestGuestStorageUnavailableDegradesInMemory(t *testing.T) {
	gw := newFakeGateway()
	eng, store := newTestEngine(t, gw)
	store.SetUnavailable(true)

	set(t, eng, 5, 2) // must not error

	if got := eng.Snapshot().Quantity(5); got != 2 {
		t.Errorf("expected in-memory quantity 2 despite storage failure, got %d", got)
	}
}

func TestStartLoadsPersistedGuestCart(t *testing.T) {
	store := localstore.NewMemoryStore()
	if err := store.Save(context.Background(), []model.Line{{ProductID: 9, UnitPrice: d(2), Quantity: 3}}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	eng := engine.New(engine.Options{Local: store, Gateway: newFakeGateway(), Debounce: time.Hour})
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer eng.Close()

	if got := eng.Snapshot().Quantity(9); got != 3 {
		t.Errorf("expected quantity 3 restored from store, got %d", got)
	}
}

// --- Authenticated mode & flushing ---

func login(t *testing.T, eng *engine.Engine, user string) {
	t.Helper()
	if err := eng.HandleLogin(context.Background(), auth(user)); err != nil {
		t.Fatalf("login: %v", err)
	}
}

func TestBufferCoalescing(t *testing.T) {
	gw := newFakeGateway()
	eng, _ := newTestEngine(t, gw)
	login(t, eng, "u1")

	// Three rapid stepper clicks within one debounce window.
	set(t, eng, 4, 1)
	set(t, eng, 4, 2)
	set(t, eng, 4, 3)

	if err := eng.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}

	gw.mu.Lock()
	defer gw.mu.Unlock()
	if len(gw.upserts) != 1 {
		t.Fatalf("expected exactly one upstream write, got %d", len(gw.upserts))
	}
	if call := gw.upserts[0]; call.ProductID != 4 || call.Quantity != 3 {
		t.Errorf("expected write {4,3}, got %+v", call)
	}
}

func TestDebouncedFlushFires(t *testing.T) {
	gw := newFakeGateway()
	store := localstore.NewMemoryStore()
	eng := engine.New(engine.Options{Local: store, Gateway: gw, Debounce: 20 * time.Millisecond})
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer eng.Close()
	login(t, eng, "u1")

	set(t, eng, 4, 1)
	set(t, eng, 4, 2)

	deadline := time.After(2 * time.Second)
	for gw.upsertCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("debounced flush never fired")
		case <-time.After(10 * time.Millisecond):
		}
	}
	gw.mu.Lock()
	defer gw.mu.Unlock()
	if len(gw.upserts) != 1 {
		t.Fatalf("expected one coalesced write, got %d", len(gw.upserts))
	}
	if call := gw.upserts[0]; call.Quantity != 2 {
		t.Errorf("expected final quantity 2, got %d", call.Quantity)
	}
}

func TestFlushRemovesAtZero(t *testing.T) {
	gw := newFakeGateway()
	gw.seed(model.Line{ProductID: 2, ProductName: "soap", UnitPrice: d(3), Quantity: 5})
	eng, _ := newTestEngine(t, gw)
	login(t, eng, "u1")

	set(t, eng, 2, 0)
	if err := eng.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}

	gw.mu.Lock()
	defer gw.mu.Unlock()
	if len(gw.removes) != 1 || gw.removes[0] != 2 {
		t.Errorf("expected one remove for product 2, got %v", gw.removes)
	}
	if len(gw.upserts) != 0 {
		t.Errorf("zero quantity must never reach upsert, got %v", gw.upserts)
	}
}

func TestFlushFailureRollsBackToServerTruth(t *testing.T) {
	gw := newFakeGateway()
	gw.seed(model.Line{ProductID: 5, ProductName: "milk", UnitPrice: d(2), Quantity: 2})
	eng, _ := newTestEngine(t, gw)
	login(t, eng, "u1")

	notices, cancel := eng.SubscribeNotices()
	defer cancel()

	gw.mu.Lock()
	gw.failUpsert[5] = gateway.ErrServerRejected
	gw.mu.Unlock()

	set(t, eng, 5, 9)
	if eng.Snapshot().Quantity(5) != 9 {
		t.Fatal("optimistic update not published")
	}

	if err := eng.Flush(context.Background()); err == nil {
		t.Fatal("expected flush error")
	}

	if got := eng.Snapshot().Quantity(5); got != 2 {
		t.Errorf("expected rollback to server quantity 2, got %d", got)
	}

	select {
	case n := <-notices:
		if n.Kind != "server_rejected" || n.ProductID != 5 {
			t.Errorf("unexpected notice %+v", n)
		}
	case <-time.After(time.Second):
		t.Error("expected a server_rejected notice")
	}
}

func TestFlushFailureDoesNotBlockOtherProducts(t *testing.T) {
	gw := newFakeGateway()
	eng, _ := newTestEngine(t, gw)
	login(t, eng, "u1")

	gw.mu.Lock()
	gw.failUpsert[1] = gateway.ErrUnreachable
	gw.mu.Unlock()

	set(t, eng, 1, 2)
	set(t, eng, 2, 3)
	_ = eng.Flush(context.Background())

	gw.mu.Lock()
	defer gw.mu.Unlock()
	if got := gw.lines[2].Quantity; got != 3 {
		t.Errorf("expected product 2 written despite product 1 failing, got %d", got)
	}
}

func TestDeltaDuringInFlightWriteIsNotLost(t *testing.T) {
	gw := newFakeGateway()
	eng, _ := newTestEngine(t, gw)
	login(t, eng, "u1")

	gate := make(chan struct{})
	gw.mu.Lock()
	gw.gate = gate
	gw.mu.Unlock()

	set(t, eng, 6, 1)

	done := make(chan error, 1)
	go func() { done <- eng.Flush(context.Background()) }()

	// While the write is held in flight, another click lands.
	time.Sleep(20 * time.Millisecond)
	set(t, eng, 6, 2)

	gw.mu.Lock()
	gw.gate = nil
	gw.mu.Unlock()
	close(gate)
	if err := <-done; err != nil {
		t.Fatalf("flush: %v", err)
	}

	// The deferred delta flushes after the first write resolves.
	if err := eng.Flush(context.Background()); err != nil {
		t.Fatalf("second flush: %v", err)
	}

	gw.mu.Lock()
	defer gw.mu.Unlock()
	if got := gw.lines[6].Quantity; got != 2 {
		t.Errorf("expected final server quantity 2, got %d", got)
	}
	if len(gw.upserts) != 2 {
		t.Errorf("expected two sequential writes, got %d", len(gw.upserts))
	}
}

func TestRollbackDropsDeltaRecordedDuringFailedWrite(t *testing.T) {
	gw := newFakeGateway()
	eng, _ := newTestEngine(t, gw)
	login(t, eng, "u1")

	gate := make(chan struct{})
	gw.mu.Lock()
	gw.gate = gate
	gw.failUpsert[4] = gateway.ErrServerRejected
	gw.mu.Unlock()

	set(t, eng, 4, 1)
	done := make(chan error, 1)
	go func() { done <- eng.Flush(context.Background()) }()

	// Another click lands while the failing write is held in flight.
	time.Sleep(20 * time.Millisecond)
	set(t, eng, 4, 5)

	gw.mu.Lock()
	gw.gate = nil
	gw.mu.Unlock()
	close(gate)
	if err := <-done; err == nil {
		t.Fatal("expected flush error")
	}

	// The rollback abandoned the optimistic value; the delta recorded
	// against it must die with it instead of flushing later.
	if got := eng.Snapshot().Quantity(4); got != 0 {
		t.Fatalf("expected rollback to server quantity 0, got %d", got)
	}
	if err := eng.Flush(context.Background()); err != nil {
		t.Fatalf("second flush: %v", err)
	}

	gw.mu.Lock()
	defer gw.mu.Unlock()
	if len(gw.upserts) != 1 {
		t.Errorf("stale delta must not issue a write, got %d writes", len(gw.upserts))
	}
	if got := gw.lines[4].Quantity; got != 0 {
		t.Errorf("server must still hold nothing for product 4, got %d", got)
	}
	if got := eng.Snapshot().Quantity(4); got != 0 {
		t.Errorf("published quantity must match the server, got %d", got)
	}
}

func TestFlushWaitsForInflightWrites(t *testing.T) {
	gw := newFakeGateway()
	eng, _ := newTestEngine(t, gw)
	login(t, eng, "u1")

	gate := make(chan struct{})
	started := make(chan int, 1)
	gw.mu.Lock()
	gw.gate = gate
	gw.started = started
	gw.mu.Unlock()

	set(t, eng, 3, 2)
	first := make(chan error, 1)
	go func() { first <- eng.Flush(context.Background()) }()
	<-started

	// The only pending state is now in flight; a second flush acting as a
	// barrier must not return until that write resolves.
	second := make(chan error, 1)
	go func() { second <- eng.Flush(context.Background()) }()

	select {
	case err := <-second:
		t.Fatalf("flush returned while a write was still in flight: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	gw.mu.Lock()
	gw.gate = nil
	gw.mu.Unlock()
	close(gate)

	if err := <-first; err != nil {
		t.Fatalf("first flush: %v", err)
	}
	if err := <-second; err != nil {
		t.Fatalf("second flush: %v", err)
	}

	gw.mu.Lock()
	defer gw.mu.Unlock()
	if got := gw.lines[3].Quantity; got != 2 {
		t.Errorf("expected the write to land before the barrier returned, got %d", got)
	}
}

func TestCheckoutWaitsForDebouncedWrite(t *testing.T) {
	gw := newFakeGateway()
	store := localstore.NewMemoryStore()
	eng := engine.New(engine.Options{Local: store, Gateway: gw, Debounce: 10 * time.Millisecond})
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer eng.Close()
	login(t, eng, "u1")

	gate := make(chan struct{})
	started := make(chan int, 1)
	gw.mu.Lock()
	gw.gate = gate
	gw.started = started
	gw.mu.Unlock()

	set(t, eng, 1, 3)
	<-started // the debounced flush now holds the write in flight

	type checkoutResult struct {
		snap model.Snapshot
		err  error
	}
	done := make(chan checkoutResult, 1)
	go func() {
		snap, err := eng.Checkout(context.Background())
		done <- checkoutResult{snap, err}
	}()

	select {
	case res := <-done:
		t.Fatalf("checkout finished while a write was in flight: %+v", res)
	case <-time.After(50 * time.Millisecond):
	}

	gw.mu.Lock()
	gw.gate = nil
	gw.mu.Unlock()
	close(gate)

	res := <-done
	if res.err != nil {
		t.Fatalf("checkout: %v", res.err)
	}
	if res.snap.Quantity(1) != 3 {
		t.Errorf("checkout snapshot must include the debounced write, got %+v", res.snap)
	}

	gw.mu.Lock()
	defer gw.mu.Unlock()
	if len(gw.lines) != 0 {
		t.Errorf("server cart must be empty after checkout, got %+v", gw.lines)
	}
	if gw.clears != 1 {
		t.Errorf("expected one server-side clear, got %d", gw.clears)
	}
}

// --- Merge protocol ---

func TestMergeGuestWinsPerProduct(t *testing.T) {
	gw := newFakeGateway()
	gw.seed(
		model.Line{ProductID: 1, ProductName: "apples", UnitPrice: d(2), Quantity: 5},
		model.Line{ProductID: 2, ProductName: "bread", UnitPrice: d(1), Quantity: 1},
	)
	eng, store := newTestEngine(t, gw)

	set(t, eng, 1, 2) // guest cart {1:2}
	login(t, eng, "u1")

	snap := eng.Snapshot()
	if got := snap.Quantity(1); got != 2 {
		t.Errorf("guest quantity must overwrite server value: expected 2, got %d", got)
	}
	if got := snap.Quantity(2); got != 1 {
		t.Errorf("untouched server product must survive: expected 1, got %d", got)
	}

	lines, _ := store.Load(context.Background())
	if len(lines) != 0 {
		t.Errorf("guest cart must be discarded after successful merge, got %+v", lines)
	}
}

func TestMergeSkippedWhenGuestCartEmpty(t *testing.T) {
	gw := newFakeGateway()
	gw.seed(model.Line{ProductID: 3, UnitPrice: d(1), Quantity: 4})
	eng, _ := newTestEngine(t, gw)

	login(t, eng, "u1")

	if gw.upsertCount() != 0 {
		t.Errorf("empty guest cart must not trigger batch writes, saw %d", gw.upsertCount())
	}
	if got := eng.Snapshot().Quantity(3); got != 4 {
		t.Errorf("expected server cart adopted, got quantity %d", got)
	}
}

func TestMergeScenario_GuestAddThenLogin(t *testing.T) {
	gw := newFakeGateway()
	eng, store := newTestEngine(t, gw)

	set(t, eng, 7, 1)
	lines, _ := store.Load(context.Background())
	if len(lines) != 1 || lines[0].ProductID != 7 || lines[0].Quantity != 1 {
		t.Fatalf("expected persisted {7,1} before login, got %+v", lines)
	}

	login(t, eng, "u1")

	if got := eng.Snapshot().Quantity(7); got != 1 {
		t.Errorf("expected {7:1} after merge, got %d", got)
	}
	lines, _ = store.Load(context.Background())
	if len(lines) != 0 {
		t.Errorf("expected local storage cleared after merge, got %+v", lines)
	}
}

func TestMergeFailureRetainsGuestCartForRetry(t *testing.T) {
	gw := newFakeGateway()
	eng, store := newTestEngine(t, gw)

	set(t, eng, 8, 2)

	gw.mu.Lock()
	gw.failUpsert[8] = gateway.ErrUnreachable
	gw.mu.Unlock()

	err := eng.HandleLogin(context.Background(), auth("u1"))
	if !errors.Is(err, engine.ErrMergeIncomplete) {
		t.Fatalf("expected ErrMergeIncomplete, got %v", err)
	}

	// Guest cart stays queued.
	lines, _ := store.Load(context.Background())
	if len(lines) != 1 || lines[0].ProductID != 8 {
		t.Fatalf("expected guest cart retained, got %+v", lines)
	}
	// Best-effort combination still shows the item optimistically.
	if got := eng.Snapshot().Quantity(8); got != 2 {
		t.Errorf("expected optimistic quantity 2, got %d", got)
	}

	// Next login retries the pending merge and succeeds.
	gw.mu.Lock()
	delete(gw.failUpsert, 8)
	gw.mu.Unlock()

	login(t, eng, "u1")

	gw.mu.Lock()
	serverQty := gw.lines[8].Quantity
	gw.mu.Unlock()
	if serverQty != 2 {
		t.Errorf("expected retry to land quantity 2 upstream, got %d", serverQty)
	}
	lines, _ = store.Load(context.Background())
	if len(lines) != 0 {
		t.Errorf("expected guest cart cleared after retry, got %+v", lines)
	}
}

// --- Logout & epoch ---

func TestLogoutResetsEverything(t *testing.T) {
	gw := newFakeGateway()
	gw.seed(model.Line{ProductID: 1, UnitPrice: d(1), Quantity: 2})
	eng, store := newTestEngine(t, gw)
	login(t, eng, "u1")

	snaps, cancel := eng.Subscribe()
	defer cancel()
	drain(snaps)

	eng.HandleLogout(context.Background())

	snap := waitSnap(t, snaps)
	if !snap.IsEmpty() {
		t.Errorf("expected empty snapshot after logout, got %+v", snap)
	}
	if eng.State() != engine.StateGuestActive {
		t.Errorf("expected guest_active after logout, got %s", eng.State())
	}
	lines, _ := store.Load(context.Background())
	if len(lines) != 0 {
		t.Errorf("expected persisted cart discarded on logout, got %+v", lines)
	}
}

func TestLateFlushResponseIgnoredAfterLogout(t *testing.T) {
	gw := newFakeGateway()
	eng, _ := newTestEngine(t, gw)
	login(t, eng, "u1")

	gate := make(chan struct{})
	gw.mu.Lock()
	gw.gate = gate
	gw.mu.Unlock()

	set(t, eng, 9, 4)
	done := make(chan error, 1)
	go func() { done <- eng.Flush(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	eng.HandleLogout(context.Background())

	gw.mu.Lock()
	gw.gate = nil
	gw.mu.Unlock()
	close(gate)
	<-done

	if !eng.Snapshot().IsEmpty() {
		t.Errorf("late flush response must not resurrect a cleared cart: %+v", eng.Snapshot())
	}
}

// --- Clear & checkout ---

func TestClearAuthenticatedClearsServer(t *testing.T) {
	gw := newFakeGateway()
	gw.seed(model.Line{ProductID: 1, UnitPrice: d(1), Quantity: 2})
	eng, _ := newTestEngine(t, gw)
	login(t, eng, "u1")

	if err := eng.Clear(context.Background()); err != nil {
		t.Fatalf("clear: %v", err)
	}

	gw.mu.Lock()
	defer gw.mu.Unlock()
	if gw.clears != 1 {
		t.Errorf("expected one server-side clear, got %d", gw.clears)
	}
	if !eng.Snapshot().IsEmpty() {
		t.Error("expected empty snapshot after clear")
	}
}

func TestClearGuestSkipsServer(t *testing.T) {
	gw := newFakeGateway()
	eng, _ := newTestEngine(t, gw)
	set(t, eng, 1, 1)

	if err := eng.Clear(context.Background()); err != nil {
		t.Fatalf("clear: %v", err)
	}

	gw.mu.Lock()
	defer gw.mu.Unlock()
	if gw.clears != 0 {
		t.Errorf("guest clear must not touch the server, got %d clears", gw.clears)
	}
}

func TestCheckoutFlushesPublishesAndClears(t *testing.T) {
	gw := newFakeGateway()
	pub := &fakePublisher{}
	store := localstore.NewMemoryStore()
	eng := engine.New(engine.Options{Local: store, Gateway: gw, Events: pub, Debounce: time.Hour})
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer eng.Close()
	login(t, eng, "u1")

	// Buffered, not yet flushed.
	set(t, eng, 1, 3)

	snap, err := eng.Checkout(context.Background())
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}

	if snap.Quantity(1) != 3 {
		t.Errorf("checkout snapshot must include the flushed line, got %+v", snap)
	}
	pub.mu.Lock()
	published := len(pub.published)
	pub.mu.Unlock()
	if published != 1 {
		t.Fatalf("expected one checkout event, got %d", published)
	}
	gw.mu.Lock()
	clears := gw.clears
	gw.mu.Unlock()
	if clears != 1 {
		t.Errorf("expected server cart cleared after checkout, got %d", clears)
	}
	if !eng.Snapshot().IsEmpty() {
		t.Error("expected empty snapshot after checkout")
	}
}

func TestCheckoutRequiresLogin(t *testing.T) {
	gw := newFakeGateway()
	eng, _ := newTestEngine(t, gw)
	set(t, eng, 1, 1)

	if _, err := eng.Checkout(context.Background()); !errors.Is(err, engine.ErrNotAuthenticated) {
		t.Errorf("expected ErrNotAuthenticated, got %v", err)
	}
}

func TestCheckoutEmptyCart(t *testing.T) {
	gw := newFakeGateway()
	eng, _ := newTestEngine(t, gw)
	login(t, eng, "u1")

	if _, err := eng.Checkout(context.Background()); !errors.Is(err, engine.ErrEmptyCart) {
		t.Errorf("expected ErrEmptyCart, got %v", err)
	}
}

// --- Streams ---

func TestSubscribeReplaysLatestThenLive(t *testing.T) {
	gw := newFakeGateway()
	eng, _ := newTestEngine(t, gw)
	set(t, eng, 1, 2)

	snaps, cancel := eng.Subscribe()
	defer cancel()

	replay := waitSnap(t, snaps)
	if replay.Quantity(1) != 2 {
		t.Errorf("expected replayed snapshot with {1:2}, got %+v", replay)
	}

	set(t, eng, 1, 5)
	live := waitSnap(t, snaps)
	if live.Quantity(1) != 5 {
		t.Errorf("expected live snapshot with {1:5}, got %+v", live)
	}
}

func TestCountStreamMatchesSnapshotStream(t *testing.T) {
	gw := newFakeGateway()
	eng, _ := newTestEngine(t, gw)

	counts, cancelCounts := eng.SubscribeCount()
	defer cancelCounts()
	snaps, cancelSnaps := eng.Subscribe()
	defer cancelSnaps()
	drainCount(counts)
	drain(snaps)

	set(t, eng, 1, 2)
	set(t, eng, 2, 3)

	// The final emissions of both streams must agree.
	var lastCount int
	var lastSnap model.Snapshot
	deadline := time.After(2 * time.Second)
	for lastCount != 5 || lastSnap.TotalCount != 5 {
		select {
		case c := <-counts:
			lastCount = c
		case s := <-snaps:
			lastSnap = s
		case <-deadline:
			t.Fatalf("streams never converged: count=%d snapshot count=%d", lastCount, lastSnap.TotalCount)
		}
	}
}

// --- helpers ---

func waitSnap(t *testing.T, ch <-chan model.Snapshot) model.Snapshot {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot emission")
		return model.Snapshot{}
	}
}

func drain(ch <-chan model.Snapshot) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}

func drainCount(ch <-chan int) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}
