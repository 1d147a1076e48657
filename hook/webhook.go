// Package hook delivers settlement events to external systems.
package hook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/vitwit/x402gate/types"
)

// Webhook POSTs each settlement event as JSON to a fixed URL.
type Webhook struct {
	url        string
	secret     string
	httpClient *http.Client
}

type Option func(*Webhook)

// WithSecret sends secret as a bearer token.
func WithSecret(secret string) Option {
	return func(w *Webhook) {
		w.secret = secret
	}
}

func WithHTTPClient(c *http.Client) Option {
	return func(w *Webhook) {
		w.httpClient = c
	}
}

func NewWebhook(url string, opts ...Option) *Webhook {
	w := &Webhook{
		url:        url,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Webhook) AfterSettlement(ctx context.Context, e types.SettlementEvent) error {
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if w.secret != "" {
		req.Header.Set("Authorization", "Bearer "+w.secret)
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook delivery failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
