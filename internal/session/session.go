// Package session tracks the authentication state of one storefront session
// and signals login/logout transitions to whoever subscribes (the cart
// engine drives its merge and clear-and-reset off these signals).
package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/freshbazaar/cart-engine/internal/model"
	"github.com/freshbazaar/cart-engine/internal/pubsub"
)

// EventType distinguishes the two auth transitions.
type EventType string

const (
	EventLogin  EventType = "login"
	EventLogout EventType = "logout"
)

// Event is an auth transition carrying the resulting state. Login events
// carry the authenticated credential; logout events carry the guest state.
type Event struct {
	Type EventType
	Auth model.AuthState
}

// AuthClient talks to the auth backend.
type AuthClient interface {
	// Login exchanges credentials for a bearer token and identity.
	Login(ctx context.Context, username, password string) (model.AuthState, error)

	// Profile verifies a bearer token and returns the identity behind it.
	Profile(ctx context.Context, token string) (model.AuthState, error)
}

// Tracker holds the current auth state and broadcasts transitions.
type Tracker struct {
	mu     sync.Mutex
	state  model.AuthState
	client AuthClient
	events *pubsub.Broadcaster[Event]
}

// NewTracker creates a tracker starting in guest state.
func NewTracker(client AuthClient) *Tracker {
	return &Tracker{
		state:  model.Guest(),
		client: client,
		events: pubsub.New[Event](),
	}
}

// Login authenticates with the backend and, on success, records the new
// state and emits a login event.
func (t *Tracker) Login(ctx context.Context, username, password string) (model.AuthState, error) {
	auth, err := t.client.Login(ctx, username, password)
	if err != nil {
		return model.AuthState{}, fmt.Errorf("login failed: %w", err)
	}
	t.set(auth, EventLogin)
	return auth, nil
}

// Resume verifies an existing token (e.g. restored from a cookie) and
// re-enters the authenticated state without a password exchange.
func (t *Tracker) Resume(ctx context.Context, token string) (model.AuthState, error) {
	auth, err := t.client.Profile(ctx, token)
	if err != nil {
		return model.AuthState{}, fmt.Errorf("session resume failed: %w", err)
	}
	auth.Token = token
	t.set(auth, EventLogin)
	return auth, nil
}

// Logout discards the credential and emits a logout event. A no-op in guest
// state: a stray logout must not wipe the visitor's guest cart.
func (t *Tracker) Logout() {
	t.mu.Lock()
	if !t.state.Authenticated() {
		t.mu.Unlock()
		return
	}
	t.state = model.Guest()
	t.mu.Unlock()
	t.events.Publish(Event{Type: EventLogout, Auth: model.Guest()})
}

// Current returns the present auth state.
func (t *Tracker) Current() model.AuthState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Subscribe produces the transition stream, replaying the latest transition
// to new subscribers.
func (t *Tracker) Subscribe() (<-chan Event, func()) {
	return t.events.Subscribe()
}

// Close ends all subscriptions.
func (t *Tracker) Close() {
	t.events.Close()
}

func (t *Tracker) set(auth model.AuthState, typ EventType) {
	t.mu.Lock()
	t.state = auth
	t.mu.Unlock()
	t.events.Publish(Event{Type: typ, Auth: auth})
}
