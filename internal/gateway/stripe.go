package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
)

// StripeConfig configures the Stripe processor.
type StripeConfig struct {
	SecretKey string
	// BaseURL overrides the API endpoint (tests, stripe-mock).
	BaseURL string
	Timeout time.Duration
}

// StripeClient settles through Stripe: refunds against PaymentIntents and
// Connect transfers to the seller's connected account. Our reference is sent
// as the idempotency key and, for transfers, as the transfer_group so the
// payout can be found again by VerifyTransfer.
type StripeClient struct {
	api *client.API
}

// NewStripeClient builds a client with SDK retries disabled; retrying is the
// caller's decision because it owns the idempotency reference.
func NewStripeClient(cfg StripeConfig) *StripeClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	backendCfg := &stripe.BackendConfig{
		HTTPClient:        &http.Client{Timeout: timeout},
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelError},
	}
	if cfg.BaseURL != "" {
		backendCfg.URL = stripe.String(cfg.BaseURL)
	}

	api := &client.API{}
	api.Init(cfg.SecretKey, &stripe.Backends{
		API:     stripe.GetBackendWithConfig(stripe.APIBackend, backendCfg),
		Connect: stripe.GetBackendWithConfig(stripe.ConnectBackend, backendCfg),
		Uploads: stripe.GetBackendWithConfig(stripe.UploadsBackend, backendCfg),
	})
	return &StripeClient{api: api}
}

var _ Gateway = (*StripeClient)(nil)

func (s *StripeClient) Refund(ctx context.Context, transactionRef string, amountMinor int64, reason, reference string) (RefundResult, error) {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(transactionRef),
		Amount:        stripe.Int64(amountMinor),
		Reason:        stripe.String(string(stripe.RefundReasonRequestedByCustomer)),
	}
	params.Context = ctx
	params.SetIdempotencyKey(reference)
	params.AddMetadata("settlement_reference", reference)
	if reason != "" {
		params.AddMetadata("settlement_reason", truncate(reason, 500))
	}

	r, err := s.api.Refunds.New(params)
	if err != nil {
		return RefundResult{}, classify(OpRefund, err)
	}
	switch r.Status {
	case stripe.RefundStatusFailed, stripe.RefundStatusCanceled:
		return RefundResult{}, Declined(OpRefund, fmt.Sprintf("refund %s %s: %s", r.ID, r.Status, r.FailureReason))
	}
	return RefundResult{
		Reference:  reference,
		GatewayRef: r.ID,
		Pending:    r.Status != stripe.RefundStatusSucceeded,
	}, nil
}

func (s *StripeClient) Transfer(ctx context.Context, recipientCode string, amountMinor int64, currency, reference string) (TransferResult, error) {
	params := &stripe.TransferParams{
		Amount:        stripe.Int64(amountMinor),
		Currency:      stripe.String(strings.ToLower(currency)),
		Destination:   stripe.String(recipientCode),
		TransferGroup: stripe.String(reference),
	}
	params.Context = ctx
	params.SetIdempotencyKey(reference)

	t, err := s.api.Transfers.New(params)
	if err != nil {
		return TransferResult{}, classify(OpTransfer, err)
	}
	return TransferResult{Reference: reference, GatewayRef: t.ID, Status: TransferSucceeded}, nil
}

func (s *StripeClient) VerifyTransfer(ctx context.Context, reference string) (TransferResult, error) {
	params := &stripe.TransferListParams{TransferGroup: stripe.String(reference)}
	params.Context = ctx
	params.Limit = stripe.Int64(10)

	it := s.api.Transfers.List(params)
	res := TransferResult{Reference: reference, Status: TransferNotFound}
	for it.Next() {
		t := it.Transfer()
		if t.Reversed {
			res.Status, res.GatewayRef = TransferFailed, t.ID
			continue
		}
		return TransferResult{Reference: reference, GatewayRef: t.ID, Status: TransferSucceeded}, nil
	}
	if err := it.Err(); err != nil {
		return TransferResult{}, classify(OpVerify, err)
	}
	return res, nil
}

// classify maps a Stripe SDK error onto the gateway error groups.
// 4xx responses are definite rejections except 409 (idempotency conflict
// while the original request is still in flight) and 429.
func classify(op string, err error) error {
	var se *stripe.Error
	if !errors.As(err, &se) {
		return Unavailable(op, err)
	}
	switch {
	case se.HTTPStatusCode >= 500,
		se.HTTPStatusCode == http.StatusConflict,
		se.HTTPStatusCode == http.StatusTooManyRequests,
		se.HTTPStatusCode == 0:
		return Unavailable(op, se)
	}
	if op == OpVerify {
		return Unavailable(op, se)
	}
	return Declined(op, fmt.Sprintf("%s (%s): %s", se.Type, se.Code, se.Msg))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
