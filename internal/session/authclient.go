package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/freshbazaar/cart-engine/internal/gateway"
	"github.com/freshbazaar/cart-engine/internal/model"
)

// HTTPAuthClient implements AuthClient over the auth backend:
//
//	POST /auth/login   {username, password} → {token, user}
//	GET  /auth/profile                      → user
type HTTPAuthClient struct {
	baseURL *url.URL
	http    *http.Client
}

// NewHTTPAuthClient creates a client for the auth API at baseURL.
func NewHTTPAuthClient(baseURL string, httpClient *http.Client) (*HTTPAuthClient, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid auth upstream url %q: %w", baseURL, err)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &HTTPAuthClient{baseURL: u, http: httpClient}, nil
}

type wireUser struct {
	ID       int    `json:"id"`
	Username string `json:"username"`
}

func (c *HTTPAuthClient) Login(ctx context.Context, username, password string) (model.AuthState, error) {
	body, err := json.Marshal(map[string]string{
		"username": username,
		"password": password,
	})
	if err != nil {
		return model.AuthState{}, err
	}

	u := c.baseURL.ResolveReference(&url.URL{Path: c.baseURL.Path + "/auth/login"})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return model.AuthState{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return model.AuthState{}, fmt.Errorf("%w: %v", gateway.ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return model.AuthState{}, gateway.ErrUnauthorized
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return model.AuthState{}, fmt.Errorf("%w: status %d", gateway.ErrUnreachable, resp.StatusCode)
	}

	var out struct {
		Token string   `json:"token"`
		User  wireUser `json:"user"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return model.AuthState{}, fmt.Errorf("%w: decoding login response: %v", gateway.ErrUnreachable, err)
	}

	return model.AuthState{
		Mode:   model.ModeAuthenticated,
		UserID: fmt.Sprintf("%d", out.User.ID),
		Token:  out.Token,
	}, nil
}

func (c *HTTPAuthClient) Profile(ctx context.Context, token string) (model.AuthState, error) {
	u := c.baseURL.ResolveReference(&url.URL{Path: c.baseURL.Path + "/auth/profile"})
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return model.AuthState{}, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return model.AuthState{}, fmt.Errorf("%w: %v", gateway.ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return model.AuthState{}, gateway.ErrUnauthorized
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return model.AuthState{}, fmt.Errorf("%w: status %d", gateway.ErrUnreachable, resp.StatusCode)
	}

	var user wireUser
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return model.AuthState{}, fmt.Errorf("%w: decoding profile: %v", gateway.ErrUnreachable, err)
	}

	return model.AuthState{
		Mode:   model.ModeAuthenticated,
		UserID: fmt.Sprintf("%d", user.ID),
	}, nil
}
