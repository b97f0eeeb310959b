package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/freshbazaar/cart-engine/internal/engine"
	"github.com/freshbazaar/cart-engine/internal/gateway"
	"github.com/freshbazaar/cart-engine/internal/session"
)

// SessionHeader identifies the storefront session on every request.
const SessionHeader = "X-Session-ID"

// Service handles the session-scoped cart API.
type Service struct {
	registry *Registry
}

// NewService creates the HTTP service over a registry.
func NewService(registry *Registry) *Service {
	return &Service{registry: registry}
}

// Routes mounts the cart API onto a chi router.
func (s *Service) Routes(r chi.Router) {
	r.Get("/cart", s.GetCart)
	r.Delete("/cart", s.ClearCart)
	r.Put("/cart/items/{productID}", s.SetQuantity)
	r.Post("/cart/checkout", s.Checkout)
	r.Get("/cart/ws", s.HandleWS)

	r.Post("/session/login", s.Login)
	r.Post("/session/logout", s.Logout)
}

// SetQuantityRequest is the JSON body for PUT /cart/items/{productID}.
type SetQuantityRequest struct {
	ProductName string          `json:"productName"`
	UnitPrice   decimal.Decimal `json:"unitPrice"`
	Quantity    int             `json:"quantity"`
}

// SetQuantity handles PUT /api/v1/cart/items/{productID}.
func (s *Service) SetQuantity(w http.ResponseWriter, r *http.Request) {
	eng, _, ok := s.session(w, r)
	if !ok {
		return
	}

	productID, err := strconv.Atoi(chi.URLParam(r, "productID"))
	if err != nil {
		writeError(w, "invalid product id", http.StatusBadRequest)
		return
	}

	var req SetQuantityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := eng.SetQuantity(r.Context(), productID, req.ProductName, req.UnitPrice, req.Quantity); err != nil {
		if errors.Is(err, engine.ErrInvalidQuantity) {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeError(w, "failed to update cart", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, eng.Snapshot())
}

// GetCart handles GET /api/v1/cart.
func (s *Service) GetCart(w http.ResponseWriter, r *http.Request) {
	eng, _, ok := s.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, eng.Snapshot())
}

// ClearCart handles DELETE /api/v1/cart.
func (s *Service) ClearCart(w http.ResponseWriter, r *http.Request) {
	eng, _, ok := s.session(w, r)
	if !ok {
		return
	}
	if err := eng.Clear(r.Context()); err != nil {
		writeError(w, "failed to clear cart", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, eng.Snapshot())
}

// Checkout handles POST /api/v1/cart/checkout. This is a user-waited
// operation: sync failures surface here instead of being absorbed.
func (s *Service) Checkout(w http.ResponseWriter, r *http.Request) {
	eng, _, ok := s.session(w, r)
	if !ok {
		return
	}

	snap, err := eng.Checkout(r.Context())
	if err != nil {
		switch {
		case errors.Is(err, engine.ErrNotAuthenticated):
			writeError(w, "login required for checkout", http.StatusUnauthorized)
		case errors.Is(err, engine.ErrEmptyCart):
			writeError(w, "cart is empty", http.StatusConflict)
		case errors.Is(err, gateway.ErrUnauthorized):
			writeError(w, "session expired", http.StatusUnauthorized)
		default:
			writeError(w, "checkout failed: "+err.Error(), http.StatusBadGateway)
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status": "checkout completed",
		"cart":   snap,
	})
}

// LoginRequest is the JSON body for POST /session/login.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Login handles POST /api/v1/session/login. The guest cart merge runs off
// the resulting login signal; merge problems arrive on the notice stream.
func (s *Service) Login(w http.ResponseWriter, r *http.Request) {
	_, tracker, ok := s.session(w, r)
	if !ok {
		return
	}

	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	auth, err := tracker.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, gateway.ErrUnauthorized) {
			writeError(w, "invalid credentials", http.StatusUnauthorized)
			return
		}
		writeError(w, "login failed", http.StatusBadGateway)
		return
	}

	writeJSON(w, http.StatusOK, auth)
}

// Logout handles POST /api/v1/session/logout.
func (s *Service) Logout(w http.ResponseWriter, r *http.Request) {
	_, tracker, ok := s.session(w, r)
	if !ok {
		return
	}
	tracker.Logout()
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged out"})
}

// session resolves the request's engine and tracker, writing the error
// response itself when that fails.
func (s *Service) session(w http.ResponseWriter, r *http.Request) (*engine.Engine, *session.Tracker, bool) {
	sessionID := r.Header.Get(SessionHeader)
	if sessionID == "" {
		writeError(w, "missing "+SessionHeader+" header", http.StatusBadRequest)
		return nil, nil, false
	}

	eng, tracker, err := s.registry.Get(r.Context(), sessionID)
	if err != nil {
		writeError(w, "failed to open cart session", http.StatusInternalServerError)
		return nil, nil, false
	}
	return eng, tracker, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
