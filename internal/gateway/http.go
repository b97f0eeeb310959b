package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/shopspring/decimal"

	"github.com/freshbazaar/cart-engine/internal/metrics"
	"github.com/freshbazaar/cart-engine/internal/model"
)

// HTTPGateway implements Gateway over the upstream cart HTTP API:
//
//	GET    /cart
//	POST   /cart/add          {productId, quantity}
//	PUT    /cart/update       {productId, quantity}
//	DELETE /cart/remove/{id}
//	DELETE /cart/clear
type HTTPGateway struct {
	baseURL *url.URL
	http    *http.Client
}

// NewHTTPGateway creates a client for the cart API at baseURL.
func NewHTTPGateway(baseURL string, httpClient *http.Client) (*HTTPGateway, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid cart upstream url %q: %w", baseURL, err)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &HTTPGateway{baseURL: u, http: httpClient}, nil
}

// wireLine mirrors the upstream's cart item shape.
type wireLine struct {
	ProductID    int             `json:"productId"`
	ProductName  string          `json:"productName"`
	ProductPrice decimal.Decimal `json:"productPrice"`
	Quantity     int             `json:"quantity"`
}

type quantityRequest struct {
	ProductID int `json:"productId"`
	Quantity  int `json:"quantity"`
}

func (g *HTTPGateway) FetchAll(ctx context.Context, token string) ([]model.Line, error) {
	resp, err := g.do(ctx, token, http.MethodGet, "/cart", nil)
	if err != nil {
		metrics.GatewayRequests.WithLabelValues("fetch_all", "error").Inc()
		return nil, err
	}
	defer resp.Body.Close()

	if err := classify(resp.StatusCode); err != nil {
		metrics.GatewayRequests.WithLabelValues("fetch_all", "error").Inc()
		return nil, err
	}

	var items []wireLine
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		metrics.GatewayRequests.WithLabelValues("fetch_all", "error").Inc()
		return nil, fmt.Errorf("%w: decoding cart list: %v", ErrUnreachable, err)
	}

	lines := make([]model.Line, 0, len(items))
	for _, it := range items {
		lines = append(lines, model.Line{
			ProductID:   it.ProductID,
			ProductName: it.ProductName,
			UnitPrice:   it.ProductPrice,
			Quantity:    it.Quantity,
		})
	}
	metrics.GatewayRequests.WithLabelValues("fetch_all", "ok").Inc()
	return lines, nil
}

func (g *HTTPGateway) Upsert(ctx context.Context, token string, productID, quantity int) error {
	if quantity <= 0 {
		return fmt.Errorf("%w: upsert quantity must be positive, got %d", ErrServerRejected, quantity)
	}

	body := quantityRequest{ProductID: productID, Quantity: quantity}

	// The upstream splits upsert across update (existing line) and add (new
	// line). Try update first; an absent line falls through to add.
	err := g.send(ctx, token, http.MethodPut, "/cart/update", body)
	if err != nil && isNotFound(err) {
		err = g.send(ctx, token, http.MethodPost, "/cart/add", body)
	}
	if err != nil {
		metrics.GatewayRequests.WithLabelValues("upsert", "error").Inc()
		return err
	}
	metrics.GatewayRequests.WithLabelValues("upsert", "ok").Inc()
	return nil
}

func (g *HTTPGateway) Remove(ctx context.Context, token string, productID int) error {
	err := g.send(ctx, token, http.MethodDelete, fmt.Sprintf("/cart/remove/%d", productID), nil)
	if err != nil && !isNotFound(err) {
		metrics.GatewayRequests.WithLabelValues("remove", "error").Inc()
		return err
	}
	// Removing an absent line is idempotent success.
	metrics.GatewayRequests.WithLabelValues("remove", "ok").Inc()
	return nil
}

func (g *HTTPGateway) Clear(ctx context.Context, token string) error {
	err := g.send(ctx, token, http.MethodDelete, "/cart/clear", nil)
	if err != nil {
		metrics.GatewayRequests.WithLabelValues("clear", "error").Inc()
		return err
	}
	metrics.GatewayRequests.WithLabelValues("clear", "ok").Inc()
	return nil
}

func (g *HTTPGateway) BatchUpsert(ctx context.Context, token string, lines []model.Line) []BatchFailure {
	var failed []BatchFailure
	for _, l := range lines {
		if err := g.Upsert(ctx, token, l.ProductID, l.Quantity); err != nil {
			failed = append(failed, BatchFailure{Line: l, Err: err})
		}
	}
	return failed
}

// send issues a request and drains the response, returning only the
// classified error.
func (g *HTTPGateway) send(ctx context.Context, token, method, path string, body any) error {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(data)
	}

	resp, err := g.do(ctx, token, method, path, rdr)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	return classify(resp.StatusCode)
}

func (g *HTTPGateway) do(ctx context.Context, token, method, path string, body io.Reader) (*http.Response, error) {
	u := g.baseURL.ResolveReference(&url.URL{Path: g.baseURL.Path + path})

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	return resp, nil
}

// classify maps an upstream status code onto the error taxonomy.
func classify(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrUnauthorized
	case status == http.StatusNotFound:
		return ErrNotFound
	case status >= 400 && status < 500:
		return fmt.Errorf("%w: status %d", ErrServerRejected, status)
	default:
		return fmt.Errorf("%w: status %d", ErrUnreachable, status)
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
