// Package api exposes one cart engine per storefront session over HTTP and
// WebSocket.
package api

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/freshbazaar/cart-engine/internal/engine"
	"github.com/freshbazaar/cart-engine/internal/gateway"
	"github.com/freshbazaar/cart-engine/internal/localstore"
	"github.com/freshbazaar/cart-engine/internal/metrics"
	"github.com/freshbazaar/cart-engine/internal/session"
)

// StoreFactory builds the guest cart store for a session.
type StoreFactory func(sessionID string) localstore.Store

// RegistryOptions configures a Registry.
type RegistryOptions struct {
	Gateway    gateway.Gateway
	AuthClient session.AuthClient
	NewStore   StoreFactory
	Events     engine.EventPublisher // optional
	Debounce   time.Duration
	SessionTTL time.Duration
}

type entry struct {
	engine   *engine.Engine
	tracker  *session.Tracker
	stop     func()
	lastSeen time.Time
}

// Registry owns the live engines, one per session ID, creating them on
// demand and evicting idle ones after SessionTTL.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*entry
	opts     RegistryOptions
	done     chan struct{}
}

// NewRegistry creates a registry and starts its eviction janitor.
func NewRegistry(opts RegistryOptions) *Registry {
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = 30 * time.Minute
	}
	r := &Registry{
		sessions: make(map[string]*entry),
		opts:     opts,
		done:     make(chan struct{}),
	}
	go r.janitor()
	return r
}

// Get returns the engine and tracker for sessionID, creating and starting
// them on first use.
func (r *Registry) Get(ctx context.Context, sessionID string) (*engine.Engine, *session.Tracker, error) {
	r.mu.Lock()
	if ent, ok := r.sessions[sessionID]; ok {
		ent.lastSeen = time.Now()
		r.mu.Unlock()
		return ent.engine, ent.tracker, nil
	}
	r.mu.Unlock()

	eng := engine.New(engine.Options{
		Local:    r.opts.NewStore(sessionID),
		Gateway:  r.opts.Gateway,
		Events:   r.opts.Events,
		Debounce: r.opts.Debounce,
	})
	if err := eng.Start(ctx); err != nil {
		eng.Close()
		return nil, nil, err
	}
	tracker := session.NewTracker(r.opts.AuthClient)

	// The engine subscribes to auth transitions: login triggers the merge
	// protocol, logout triggers clear-and-reset.
	events, cancel := tracker.Subscribe()
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		for ev := range events {
			switch ev.Type {
			case session.EventLogin:
				if err := eng.HandleLogin(context.Background(), ev.Auth); err != nil {
					slog.Warn("cart login handling failed", "session", sessionID, "err", err)
				}
			case session.EventLogout:
				eng.HandleLogout(context.Background())
			}
		}
	}()

	// An expired credential cascades into a logout: the engine reports it on
	// the notice stream, the tracker turns it into a logout transition.
	notices, cancelNotices := eng.SubscribeNotices()
	noticesStopped := make(chan struct{})
	go func() {
		defer close(noticesStopped)
		for n := range notices {
			if n.Kind == "unauthorized" && tracker.Current().Authenticated() {
				slog.Info("credential rejected upstream, logging session out", "session", sessionID)
				tracker.Logout()
			}
		}
	}()

	ent := &entry{
		engine:  eng,
		tracker: tracker,
		stop: func() {
			cancel()
			<-stopped
			cancelNotices()
			<-noticesStopped
			tracker.Close()
			eng.Close()
		},
		lastSeen: time.Now(),
	}

	r.mu.Lock()
	if existing, ok := r.sessions[sessionID]; ok {
		// Lost the race; keep the first engine.
		r.mu.Unlock()
		ent.stop()
		return existing.engine, existing.tracker, nil
	}
	r.sessions[sessionID] = ent
	r.mu.Unlock()

	metrics.ActiveSessions.Inc()
	slog.Info("cart session started", "session", sessionID)
	return eng, tracker, nil
}

// Touch refreshes a session's idle timer without creating it.
func (r *Registry) Touch(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ent, ok := r.sessions[sessionID]; ok {
		ent.lastSeen = time.Now()
	}
}

// Close stops the janitor and tears down every session.
func (r *Registry) Close() {
	close(r.done)
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*entry)
	r.mu.Unlock()

	for id, ent := range sessions {
		ent.stop()
		metrics.ActiveSessions.Dec()
		slog.Info("cart session stopped", "session", id)
	}
}

func (r *Registry) janitor() {
	interval := r.opts.SessionTTL / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.evictIdle()
		}
	}
}

func (r *Registry) evictIdle() {
	cutoff := time.Now().Add(-r.opts.SessionTTL)

	r.mu.Lock()
	var expired []*entry
	var ids []string
	for id, ent := range r.sessions {
		if ent.lastSeen.Before(cutoff) {
			expired = append(expired, ent)
			ids = append(ids, id)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	for i, ent := range expired {
		ent.stop()
		metrics.ActiveSessions.Dec()
		slog.Info("cart session expired", "session", ids[i])
	}
}
