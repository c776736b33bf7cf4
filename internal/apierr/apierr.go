// Package apierr maps settlement errors to HTTP responses.
//
// Every handler reports failures through Respond so clients see one stable
// set of {error, message} codes. Internal error text is attached as
// "detail" only for operator actors.
package apierr

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/settlement/internal/auth"
	"github.com/mbd888/settlement/internal/ledger"
	"github.com/mbd888/settlement/internal/logging"
	"github.com/mbd888/settlement/internal/validation"
)

// Mapping is the public shape of one error class.
type Mapping struct {
	Status  int
	Code    string
	Message string
}

// table is checked in order; the first errors.Is match wins.
var table = []struct {
	err error
	Mapping
}{
	{ledger.ErrOrderNotFound, Mapping{http.StatusNotFound, "not_found", "Order not found"}},
	{ledger.ErrEscrowNotFound, Mapping{http.StatusNotFound, "not_found", "Escrow not found"}},
	{ledger.ErrDisputeNotFound, Mapping{http.StatusNotFound, "not_found", "Dispute not found"}},
	{ledger.ErrDuplicate, Mapping{http.StatusConflict, "duplicate", "Record already exists"}},
	{ledger.ErrUnauthorized, Mapping{http.StatusForbidden, "unauthorized", "Not authorized for this operation"}},
	{ledger.ErrInvalidTransition, Mapping{http.StatusConflict, "invalid_transition", "Order cannot move to that status"}},
	{ledger.ErrInvalidState, Mapping{http.StatusConflict, "invalid_state", "Operation not allowed in the current state"}},
	{ledger.ErrNotEligible, Mapping{http.StatusUnprocessableEntity, "not_eligible", "Order is not eligible for this operation"}},
	{ledger.ErrAlreadyDisputed, Mapping{http.StatusConflict, "already_disputed", "Order already has an open dispute"}},
	{ledger.ErrInvalidAmount, Mapping{http.StatusBadRequest, "invalid_amount", "Invalid amount"}},
	{ledger.ErrInvalidRequest, Mapping{http.StatusBadRequest, "invalid_request", "Invalid request"}},
	{ledger.ErrRefundExceedsTotal, Mapping{http.StatusUnprocessableEntity, "refund_exceeds_total", "Refund would exceed the order total"}},
	{ledger.ErrEscrowFrozen, Mapping{http.StatusConflict, "escrow_frozen", "Escrow is frozen by an open dispute"}},
	{ledger.ErrSettlementInFlight, Mapping{http.StatusConflict, "settlement_in_flight", "A settlement is already in progress, retry later"}},
	{ledger.ErrRequiresManualIntervention, Mapping{http.StatusConflict, "requires_manual_intervention", "Funds already released; an operator will follow up"}},
	{ledger.ErrGatewayUnavailable, Mapping{http.StatusServiceUnavailable, "gateway_unavailable", "Payment provider unavailable, retry later"}},
	{ledger.ErrRefundFailed, Mapping{http.StatusBadGateway, "refund_failed", "Payment provider rejected the refund"}},
	{ledger.ErrTransferFailed, Mapping{http.StatusBadGateway, "transfer_failed", "Payment provider rejected the payout"}},
}

var internal = Mapping{http.StatusInternalServerError, "internal_error", "Internal error"}

// Lookup returns the mapping for err.
func Lookup(err error) Mapping {
	var verr validation.ValidationErrors
	if errors.As(err, &verr) {
		return Mapping{http.StatusBadRequest, "validation_error", verr.Error()}
	}
	for _, row := range table {
		if errors.Is(err, row.err) {
			return row.Mapping
		}
	}
	return internal
}

// Respond writes err as JSON and aborts the request.
func Respond(c *gin.Context, err error) {
	m := Lookup(err)
	body := gin.H{"error": m.Code, "message": m.Message}

	var verr validation.ValidationErrors
	if errors.As(err, &verr) {
		body["details"] = verr
	}
	if actor, ok := auth.ActorFrom(c); ok && actor.IsOperator() {
		body["detail"] = err.Error()
	}

	logger := logging.L(c.Request.Context())
	switch {
	case m.Status >= 500:
		logger.Error("request failed", "path", c.FullPath(), "code", m.Code, "error", err)
	case m.Code == "requires_manual_intervention":
		logger.Warn("request needs manual intervention", "path", c.FullPath(), "error", err)
	default:
		logger.Debug("request rejected", "path", c.FullPath(), "code", m.Code, "error", err)
	}

	c.AbortWithStatusJSON(m.Status, body)
}

// BadRequest reports a malformed body.
func BadRequest(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": message})
}
