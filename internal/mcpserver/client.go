package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mbd888/settlement/internal/retry"
	"github.com/mbd888/settlement/internal/traces"
)

// Config is read from the environment by cmd/mcp.
type Config struct {
	APIURL  string        `env:"SETTLEMENT_API_URL" envDefault:"http://localhost:8080"`
	Token   string        `env:"SETTLEMENT_API_TOKEN,required"` // bearer token of an admin actor
	Timeout time.Duration `env:"SETTLEMENT_API_TIMEOUT" envDefault:"2m"`
}

const maxResponse = 4 << 20

// readRetry covers a settlement API restart or a load balancer blip. Only
// GETs are retried; reconciliation is left to the operator to re-run.
var readRetry = retry.Policy{Attempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 2 * time.Second}

// SettlementClient calls the settlement REST API on behalf of MCP tools.
type SettlementClient struct {
	base  *url.URL
	token string
	http  *http.Client
	retry retry.Policy
}

// NewSettlementClient creates a client. A zero Timeout means two minutes,
// which leaves room for a reconciliation run's processor lookups.
func NewSettlementClient(cfg Config) *SettlementClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	base, err := url.Parse(cfg.APIURL)
	if err != nil {
		base = &url.URL{}
	}
	return &SettlementClient{
		base:  base,
		token: cfg.Token,
		http:  &http.Client{Timeout: timeout},
		retry: readRetry,
	}
}

// apiError is the settlement API's error body.
type apiError struct {
	Status  int    `json:"-"`
	Code    string `json:"error"`
	Message string `json:"message"`
	Body    string `json:"-"`
}

func (e *apiError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("API error (%d %s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("API error (%d): %s", e.Status, e.Body)
}

func (e *apiError) transient() bool {
	switch e.Status {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

func (c *SettlementClient) get(ctx context.Context, path string) (json.RawMessage, error) {
	var body json.RawMessage
	err := retry.Do(ctx, c.retry, func(ctx context.Context) error {
		var err error
		body, err = c.do(ctx, http.MethodGet, path)
		var ae *apiError
		if errors.As(err, &ae) && !ae.transient() {
			return retry.Permanent(err)
		}
		return err
	})
	return body, err
}

func (c *SettlementClient) do(ctx context.Context, method, path string) (json.RawMessage, error) {
	rawPath, rawQuery, _ := strings.Cut(path, "?")
	u := c.base.JoinPath(rawPath)
	u.RawQuery = rawQuery

	req, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	traces.Inject(ctx, req.Header)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponse))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		ae := &apiError{Status: resp.StatusCode, Body: string(body)}
		_ = json.Unmarshal(body, ae)
		return nil, ae
	}
	return body, nil
}

// RefundEligibility asks whether an order can still be refunded.
func (c *SettlementClient) RefundEligibility(ctx context.Context, orderID string) (json.RawMessage, error) {
	return c.get(ctx, "/v1/orders/"+url.PathEscape(orderID)+"/refund-eligibility")
}

// OrderEscrow returns the escrow held for an order.
func (c *SettlementClient) OrderEscrow(ctx context.Context, orderID string) (json.RawMessage, error) {
	return c.get(ctx, "/v1/escrow/order/"+url.PathEscape(orderID))
}

// PendingEscrows lists escrows still holding funds, one page at a time.
// An empty cursor starts from the oldest.
func (c *SettlementClient) PendingEscrows(ctx context.Context, cursor string) (json.RawMessage, error) {
	return c.get(ctx, "/v1/escrow/pending"+pageQuery(cursor))
}

// FailedEscrows lists escrows whose payout the processor rejected.
func (c *SettlementClient) FailedEscrows(ctx context.Context, cursor string) (json.RawMessage, error) {
	return c.get(ctx, "/v1/escrow/failed"+pageQuery(cursor))
}

func pageQuery(cursor string) string {
	if cursor == "" {
		return ""
	}
	return "?" + url.Values{"cursor": {cursor}}.Encode()
}

// Dispute returns one dispute.
func (c *SettlementClient) Dispute(ctx context.Context, disputeID string) (json.RawMessage, error) {
	return c.get(ctx, "/v1/disputes/"+url.PathEscape(disputeID))
}

// OrderHistory returns an order's status history.
func (c *SettlementClient) OrderHistory(ctx context.Context, orderID string) (json.RawMessage, error) {
	return c.get(ctx, "/v1/orders/"+url.PathEscape(orderID)+"/history")
}

// Reconcile runs in-flight claim reconciliation now.
func (c *SettlementClient) Reconcile(ctx context.Context) (json.RawMessage, error) {
	return c.do(ctx, http.MethodPost, "/v1/admin/reconcile")
}

// Order returns one order.
func (c *SettlementClient) Order(ctx context.Context, orderID string) (json.RawMessage, error) {
	return c.get(ctx, "/v1/orders/"+url.PathEscape(orderID))
}
