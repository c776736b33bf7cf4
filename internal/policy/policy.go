// Package policy is the single capability table for settlement operations.
//
// Every service operation asks Authorize whether an actor may perform an
// action on a given order. Roles and ownership are checked here and nowhere
// else, so handlers stay free of ad hoc role logic.
package policy

import (
	"fmt"

	"github.com/mbd888/settlement/internal/ledger"
)

// Role is the caller's role as asserted by the authentication layer.
type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
	RoleAdmin  Role = "admin"
	RoleSystem Role = "system"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleBuyer, RoleSeller, RoleAdmin, RoleSystem:
		return true
	}
	return false
}

// Actor identifies who is performing an operation.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// System is the actor used by background jobs.
var System = Actor{ID: "system", Role: RoleSystem}

// IsOperator reports whether the actor may see internal error detail.
func (a Actor) IsOperator() bool {
	return a.Role == RoleAdmin || a.Role == RoleSystem
}

func (a Actor) String() string {
	return string(a.Role) + ":" + a.ID
}

// Action is a settlement operation subject to authorization.
type Action string

const (
	ActionPlaceOrder         Action = "order.place"
	ActionRecordPayment      Action = "order.record_payment"
	ActionConfirmOrder       Action = "order.confirm"
	ActionAdvanceDelivery    Action = "order.advance_delivery"
	ActionConfirmReceipt     Action = "order.confirm_receipt"
	ActionCancelOrder        Action = "order.cancel"
	ActionViewOrder          Action = "order.view"
	ActionViewRefundAttempts Action = "order.view_refund_attempts"
	ActionOpenDispute        Action = "dispute.open"
	ActionResolveDispute     Action = "dispute.resolve"
	ActionCancelDispute      Action = "dispute.cancel"
	ActionViewDispute        Action = "dispute.view"
	ActionCheckEligibility   Action = "dispute.check_eligibility"
	ActionViewEscrow         Action = "escrow.view"
	ActionListEscrows        Action = "escrow.list"
	ActionReleaseEscrow      Action = "escrow.release"
	ActionRetryRelease       Action = "escrow.retry"
)

// Scope narrows a grant to the actor's own orders.
type Scope int

const (
	// ScopeAny grants the action on every order.
	ScopeAny Scope = iota + 1
	// ScopeOwnBuyer requires the actor to be the order's buyer.
	ScopeOwnBuyer
	// ScopeOwnSeller requires the actor to be the order's seller.
	ScopeOwnSeller
)

var capabilities = map[Action]map[Role]Scope{
	ActionPlaceOrder:         {RoleBuyer: ScopeOwnBuyer, RoleAdmin: ScopeAny, RoleSystem: ScopeAny},
	ActionRecordPayment:      {RoleAdmin: ScopeAny, RoleSystem: ScopeAny},
	ActionConfirmOrder:       {RoleSeller: ScopeOwnSeller, RoleAdmin: ScopeAny, RoleSystem: ScopeAny},
	ActionAdvanceDelivery:    {RoleSeller: ScopeOwnSeller, RoleAdmin: ScopeAny, RoleSystem: ScopeAny},
	ActionConfirmReceipt:     {RoleBuyer: ScopeOwnBuyer},
	ActionCancelOrder:        {RoleBuyer: ScopeOwnBuyer, RoleSeller: ScopeOwnSeller, RoleAdmin: ScopeAny, RoleSystem: ScopeAny},
	ActionViewOrder:          {RoleBuyer: ScopeOwnBuyer, RoleSeller: ScopeOwnSeller, RoleAdmin: ScopeAny, RoleSystem: ScopeAny},
	ActionViewRefundAttempts: {RoleBuyer: ScopeOwnBuyer, RoleSeller: ScopeOwnSeller, RoleAdmin: ScopeAny},
	ActionOpenDispute:        {RoleBuyer: ScopeOwnBuyer, RoleSeller: ScopeOwnSeller},
	ActionResolveDispute:     {RoleAdmin: ScopeAny},
	ActionCancelDispute:      {RoleBuyer: ScopeOwnBuyer, RoleSeller: ScopeOwnSeller},
	ActionViewDispute:        {RoleBuyer: ScopeOwnBuyer, RoleSeller: ScopeOwnSeller, RoleAdmin: ScopeAny},
	ActionCheckEligibility:   {RoleBuyer: ScopeOwnBuyer, RoleSeller: ScopeOwnSeller, RoleAdmin: ScopeAny, RoleSystem: ScopeAny},
	ActionViewEscrow:         {RoleBuyer: ScopeOwnBuyer, RoleSeller: ScopeOwnSeller, RoleAdmin: ScopeAny, RoleSystem: ScopeAny},
	ActionListEscrows:        {RoleAdmin: ScopeAny, RoleSystem: ScopeAny},
	ActionReleaseEscrow:      {RoleAdmin: ScopeAny, RoleSystem: ScopeAny},
	ActionRetryRelease:       {RoleAdmin: ScopeAny},
}

// Parties are the ownership facts of the order being acted on.
type Parties struct {
	BuyerID  string
	SellerID string
}

// PartiesOf extracts the ownership facts from an order.
func PartiesOf(o *ledger.Order) Parties {
	return Parties{BuyerID: o.BuyerID, SellerID: o.SellerID}
}

// Authorize returns nil when actor may perform action on an order owned by
// parties. Failures wrap ledger.ErrUnauthorized.
func Authorize(actor Actor, action Action, parties Parties) error {
	if actor.ID == "" {
		return fmt.Errorf("%w: anonymous actor", ledger.ErrUnauthorized)
	}
	scope, ok := capabilities[action][actor.Role]
	if !ok {
		return fmt.Errorf("%w: role %q may not %s", ledger.ErrUnauthorized, actor.Role, action)
	}
	switch scope {
	case ScopeAny:
		return nil
	case ScopeOwnBuyer:
		if actor.ID == parties.BuyerID {
			return nil
		}
	case ScopeOwnSeller:
		if actor.ID == parties.SellerID {
			return nil
		}
	}
	return fmt.Errorf("%w: %s is not a party to this order", ledger.ErrUnauthorized, actor)
}

// Allowed reports whether the role holds any grant for action. Used to reject
// requests before loading the order.
func Allowed(role Role, action Action) bool {
	_, ok := capabilities[action][role]
	return ok
}
