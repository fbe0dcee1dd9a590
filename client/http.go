/*
http.go - StatusReader over the gateway's polling endpoint

PURPOSE:
  The production StatusReader: reads GET /api/orders/{id} with the
  buyer's bearer token and extracts the status field. The poller never
  sees HTTP; it consumes this through the StatusReader interface.
*/
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/warp/settlement-engine/order"
)

// HTTPReader reads order status from the settlement gateway.
type HTTPReader struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

func NewHTTPReader(baseURL, token string) *HTTPReader {
	return &HTTPReader{
		BaseURL: baseURL,
		Token:   token,
		Client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// OrderStatus calls the status notifier endpoint.
func (r *HTTPReader) OrderStatus(ctx context.Context, orderID string) (order.Status, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		r.BaseURL+"/api/orders/"+orderID, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build status request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+r.Token)

	resp, err := r.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to read order status: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return "", order.ErrNotFound
	case http.StatusForbidden:
		return "", order.ErrAuthorization
	default:
		return "", fmt.Errorf("status endpoint returned %d", resp.StatusCode)
	}

	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("failed to decode status response: %w", err)
	}
	return order.Status(body.Status), nil
}
