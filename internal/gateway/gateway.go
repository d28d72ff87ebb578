// Package gateway is the client for the external agent session gateway.
// It is pure transport: one spawn call per request, no retry and no
// deduplication. The dispatcher owns both.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/swarmops/swarmops/internal/swarmerr"
)

const (
	spawnPath = "/api/sessions/spawn"

	// maxResponseBytes bounds how much of a gateway response is read.
	maxResponseBytes = 1 << 20
)

// SpawnRequest asks the gateway to start one agent session.
type SpawnRequest struct {
	// Task is the full prompt the agent runs with.
	Task string `json:"task"`

	// Label identifies the session in gateway listings, by convention
	// "<project>/<taskID>".
	Label string `json:"label,omitempty"`

	Model    string `json:"model,omitempty"`
	Thinking string `json:"thinking,omitempty"`

	// Cleanup asks the gateway to discard the session after it exits.
	Cleanup bool `json:"cleanup"`

	RunTimeoutSeconds int  `json:"runTimeoutSeconds,omitempty"`
	SkipVerify        bool `json:"skipVerify,omitempty"`
}

// SpawnResponse is the gateway's answer. OK=false with a 2xx status
// means the gateway handled the request but declined to start the
// session; the caller decides what that means.
type SpawnResponse struct {
	OK              bool   `json:"ok"`
	RunID           string `json:"runId,omitempty"`
	ChildSessionKey string `json:"childSessionKey,omitempty"`

	// Verified means the gateway confirmed the session reached running
	// state before answering.
	Verified bool   `json:"verified,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Client talks to one gateway instance.
type Client struct {
	baseURL string
	token   string
	httpc   *http.Client
	logger  *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client, for tests.
func WithHTTPClient(c *http.Client) Option {
	return func(g *Client) { g.httpc = c }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(g *Client) { g.httpc.Timeout = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Client) { g.logger = l }
}

// New creates a Client for the gateway at baseURL. token may be empty
// for gateways without auth.
func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpc:   &http.Client{Timeout: 30 * time.Second},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Spawn starts an agent session. Transport failures and non-2xx
// statuses return an error; a decoded response is returned otherwise,
// even when the gateway set ok=false.
func (c *Client) Spawn(ctx context.Context, req SpawnRequest) (*SpawnResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode spawn request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+spawnPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build spawn request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	c.logger.Debug("spawning session", "label", req.Label, "model", req.Model)

	resp, err := c.httpc.Do(httpReq)
	if err != nil {
		return nil, swarmerr.ErrGatewayUnavailable("spawn request failed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, swarmerr.ErrGatewayUnavailable("reading spawn response failed", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, swarmerr.ErrGatewayUnavailable(
			fmt.Sprintf("gateway returned status %d: %s", resp.StatusCode, truncate(respBody, 200)), nil)
	}

	var out SpawnResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, swarmerr.ErrGatewayUnavailable("gateway response is not valid JSON", err)
	}

	c.logger.Debug("spawn response",
		"label", req.Label, "ok", out.OK, "sessionKey", out.ChildSessionKey, "verified", out.Verified)
	return &out, nil
}

// truncate trims b for error messages without splitting a rune.
func truncate(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	r := []rune(s)
	if len(r) > n {
		return string(r[:n]) + "..."
	}
	return s
}
