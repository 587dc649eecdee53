// Package payment integrates with the external escrow system. Escrowed
// funds exist before a task is accepted; the engine only resolves them,
// releasing to the executing node on a valid result or refunding the
// submitter otherwise.
package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/taskforge-net/taskforge/internal/domain"
)

// ─── HTTP Escrow Client ─────────────────────────────────────────────────────

// Client resolves escrows against a remote payment service.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates an escrow client for the given base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// ReleaseFunds pays the escrowed amount out to the executing node.
func (c *Client) ReleaseFunds(ctx context.Context, taskID string) error {
	return c.post(ctx, fmt.Sprintf("%s/escrow/%s/release", c.baseURL, taskID), nil)
}

// RefundFunds returns the escrowed amount to the submitter.
func (c *Client) RefundFunds(ctx context.Context, taskID, reason string) error {
	body := map[string]string{"reason": reason}
	return c.post(ctx, fmt.Sprintf("%s/escrow/%s/refund", c.baseURL, taskID), body)
}

func (c *Client) post(ctx context.Context, url string, body any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("payment service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("payment service returned %d: %s", resp.StatusCode, msg)
	}
	return nil
}

// ─── Noop Collaborator ──────────────────────────────────────────────────────

// Noop accepts every settlement without side effects. Used when no
// payment service is configured.
type Noop struct{}

// ReleaseFunds is a no-op.
func (Noop) ReleaseFunds(context.Context, string) error { return nil }

// RefundFunds is a no-op.
func (Noop) RefundFunds(context.Context, string, string) error { return nil }

var _ domain.PaymentCollaborator = (*Client)(nil)
var _ domain.PaymentCollaborator = Noop{}
