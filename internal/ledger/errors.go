package ledger

import "errors"

// Settlement error taxonomy. Callers wrap these with %w and match with errors.Is.
var (
	ErrOrderNotFound   = errors.New("order not found")
	ErrEscrowNotFound  = errors.New("escrow not found")
	ErrDisputeNotFound = errors.New("dispute not found")
	ErrDuplicate       = errors.New("record already exists")

	ErrInvalidTransition = errors.New("invalid status transition")
	ErrUnauthorized      = errors.New("not authorized for this operation")
	ErrNotEligible       = errors.New("not eligible")
	ErrAlreadyDisputed   = errors.New("order already has an open dispute")
	ErrInvalidState      = errors.New("invalid state for this operation")
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrInvalidRequest    = errors.New("invalid request")

	ErrRefundExceedsTotal = errors.New("refund would exceed order total")
	ErrEscrowFrozen       = errors.New("escrow is frozen by an open dispute")
	ErrSettlementInFlight = errors.New("a settlement for this escrow is already in flight")

	// ErrAlreadyProcessed marks an idempotent no-op. Handlers report it as success.
	ErrAlreadyProcessed = errors.New("already processed")
	// ErrRequiresManualIntervention means money already left the platform and an operator must act.
	ErrRequiresManualIntervention = errors.New("requires manual intervention")

	// ErrGatewayUnavailable covers timeouts, network errors and an open breaker.
	// The outcome of the underlying operation is unknown.
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
	ErrTransferFailed     = errors.New("gateway transfer failed")
	ErrRefundFailed       = errors.New("gateway refund failed")
)
