package dispute

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/settlement/internal/ledger"
	"github.com/mbd888/settlement/internal/policy"
)

// Ineligibility reasons.
const (
	ReasonDirectSettlement = "order was paid with points"
	ReasonNotPaid          = "payment has not succeeded"
	ReasonAlreadyRefunded  = "order is already fully refunded"
	ReasonEscrowReleased   = "funds were already released to the seller"
	ReasonPayoutFailed     = "seller payout failed and is awaiting an operator"
	ReasonNotDelivered     = "order has not been delivered"
	ReasonDisputeOpen      = "a dispute is already open"
	ReasonWindowExpired    = "refund window has expired"
)

// Eligibility is the answer to "can this order still be refunded?".
type Eligibility struct {
	OrderID  string `json:"orderId"`
	Eligible bool   `json:"eligible"`
	Reason   string `json:"reason,omitempty"`
	// RequiresManualIntervention is true when money has left the platform and
	// only an operator can return it.
	RequiresManualIntervention bool      `json:"requiresManualIntervention"`
	Refundable                 int64     `json:"refundable"`
	WindowEndsAt               time.Time `json:"windowEndsAt"`
}

// CheckRefundEligibility reports whether a dispute could be opened and
// refunded right now. It changes nothing.
func (s *Service) CheckRefundEligibility(ctx context.Context, actor policy.Actor, orderID string) (*Eligibility, error) {
	o, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := policy.Authorize(actor, policy.ActionCheckEligibility, policy.PartiesOf(o)); err != nil {
		return nil, err
	}

	el := &Eligibility{
		OrderID:      o.ID,
		Refundable:   o.Refundable(),
		WindowEndsAt: o.CreatedAt.Add(s.window),
	}
	ineligible := func(reason string) (*Eligibility, error) {
		el.Reason = reason
		return el, nil
	}

	if o.SettlementMode == ledger.SettlementDirect {
		return ineligible(ReasonDirectSettlement)
	}
	switch o.PaymentStatus {
	case ledger.PaymentStatusSuccess, ledger.PaymentStatusPartiallyRefunded:
	case ledger.PaymentStatusRefunded:
		return ineligible(ReasonAlreadyRefunded)
	default:
		return ineligible(ReasonNotPaid)
	}
	if o.Refundable() <= 0 {
		return ineligible(ReasonAlreadyRefunded)
	}

	e, err := s.store.GetEscrowByOrder(ctx, orderID)
	switch {
	case errors.Is(err, ledger.ErrEscrowNotFound):
		return ineligible(ReasonNotPaid)
	case err != nil:
		return nil, err
	}
	switch e.ReleaseStatus {
	case ledger.ReleaseReleased:
		el.RequiresManualIntervention = true
		return ineligible(ReasonEscrowReleased)
	case ledger.ReleaseFailed:
		el.RequiresManualIntervention = true
		return ineligible(ReasonPayoutFailed)
	case ledger.ReleaseRefunded:
		return ineligible(ReasonAlreadyRefunded)
	}

	if o.Status != ledger.OrderDelivered && o.Status != ledger.OrderCompleted {
		return ineligible(ReasonNotDelivered)
	}
	disputes, err := s.store.ListDisputesByOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	for _, d := range disputes {
		if d.Status == ledger.DisputePending {
			return ineligible(ReasonDisputeOpen)
		}
	}
	if s.clock.Now().After(el.WindowEndsAt) {
		return ineligible(ReasonWindowExpired)
	}

	el.Eligible = true
	return el, nil
}
