// Package gateway is the payment processor boundary.
//
// Every call carries a caller-chosen reference that the processor uses as its
// idempotency key, so repeating a call with the same reference never moves
// money twice. Errors are classified into two groups:
//
//   - definite failures (ledger.ErrTransferFailed, ledger.ErrRefundFailed):
//     the processor rejected the request and no money moved;
//   - unknown outcomes (ledger.ErrGatewayUnavailable): timeouts, network
//     errors and 5xx responses. Money may or may not have moved and callers
//     must not assume either.
//
// A call rejected before it reached the processor, such as one refused by an
// open circuit, is unavailable and also carries ErrNotAttempted. No money
// moved for it.
package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/mbd888/settlement/internal/ledger"
)

// TransferStatus is the processor's view of a payout.
type TransferStatus string

const (
	TransferSucceeded TransferStatus = "SUCCEEDED"
	TransferPending   TransferStatus = "PENDING"
	TransferFailed    TransferStatus = "FAILED"
	TransferNotFound  TransferStatus = "NOT_FOUND"
)

// TransferResult describes an accepted payout.
type TransferResult struct {
	Reference  string         `json:"reference"`
	GatewayRef string         `json:"gatewayRef"`
	Status     TransferStatus `json:"status"`
}

// RefundResult describes an accepted refund.
type RefundResult struct {
	Reference  string `json:"reference"`
	GatewayRef string `json:"gatewayRef"`
	// Pending is true when the processor accepted the refund but has not
	// settled it with the card network yet. It is still final from our side.
	Pending bool `json:"pending"`
}

// Gateway moves money out of the platform. Amounts are integer minor units.
type Gateway interface {
	// Refund returns amount of the charge identified by transactionRef to the buyer.
	Refund(ctx context.Context, transactionRef string, amountMinor int64, reason, reference string) (RefundResult, error)
	// Transfer pays amount out to the seller's recipient account.
	Transfer(ctx context.Context, recipientCode string, amountMinor int64, currency, reference string) (TransferResult, error)
	// VerifyTransfer looks a payout up by the reference it was created with.
	// GatewayRef is set when the processor has a payout for the reference.
	VerifyTransfer(ctx context.Context, reference string) (TransferResult, error)
}

// ErrNotAttempted marks a call that never reached the processor.
var ErrNotAttempted = errors.New("call not attempted")

// Unavailable wraps cause as an unknown-outcome error.
func Unavailable(op string, cause error) error {
	return fmt.Errorf("%s: %w: %w", op, ledger.ErrGatewayUnavailable, cause)
}

// NotAttempted wraps cause for a call refused before it was sent.
func NotAttempted(op string, cause error) error {
	return fmt.Errorf("%s: %w: %w: %w", op, ledger.ErrGatewayUnavailable, ErrNotAttempted, cause)
}

// Declined wraps a processor rejection for op ("transfer" or "refund").
func Declined(op, msg string) error {
	kind := ledger.ErrTransferFailed
	if op == OpRefund {
		kind = ledger.ErrRefundFailed
	}
	return fmt.Errorf("%w: %s", kind, msg)
}

// IsUnavailable reports whether err leaves the operation's outcome unknown.
// Context deadline and cancellation count as unknown.
func IsUnavailable(err error) bool {
	return errors.Is(err, ledger.ErrGatewayUnavailable) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
}

// IsNotAttempted reports whether err is from a call the processor never saw.
func IsNotAttempted(err error) bool {
	return errors.Is(err, ErrNotAttempted)
}

// Operation names, used as breaker keys and metric labels.
const (
	OpTransfer = "transfer"
	OpRefund   = "refund"
	OpVerify   = "verify"
)
