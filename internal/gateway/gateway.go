// Package gateway is the push client for the persistent connection gateway.
// The gateway owns the live client sockets; we address clients only by their
// connection id and deliver one JSON object per push.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"relay-api/internal/shared"
)

// ErrGone is returned when the gateway reports the connection no longer
// exists. Callers treat this as a client disconnect, not a failure.
var ErrGone = errors.New("connection is gone")

// Pusher delivers one JSON-encoded message to a live client connection.
type Pusher interface {
	Push(ctx context.Context, connectionID string, v any) error
}

type Client struct {
	endpoint string
	apiKey   string
	http     *http.Client
}

func NewClient(endpoint, apiKey string) *Client {
	return &Client{
		endpoint: endpoint,
		apiKey:   apiKey,
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (g *Client) Push(ctx context.Context, connectionID string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed marshaling push payload: %w", err)
	}

	url := fmt.Sprintf("%s/connections/%s", g.endpoint, connectionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed building push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	res, err := g.http.Do(req)
	if err != nil {
		return errors.Join(shared.ErrProviderUnavailable, err)
	}
	defer func() {
		_ = res.Body.Close()
	}()

	switch {
	case res.StatusCode == http.StatusGone || res.StatusCode == http.StatusNotFound:
		return ErrGone
	case res.StatusCode != http.StatusOK && res.StatusCode != http.StatusNoContent:
		return fmt.Errorf("gateway push returned status %d", res.StatusCode)
	}
	return nil
}
