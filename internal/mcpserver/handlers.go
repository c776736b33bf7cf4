package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mbd888/settlement/internal/money"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *SettlementClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *SettlementClient) *Handlers {
	return &Handlers{client: client}
}

// Wire shapes. Only the fields the tools print are decoded.

type orderView struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	PaymentStatus string `json:"paymentStatus"`
	TotalAmount   int64  `json:"totalAmount"`
	RefundAmount  int64  `json:"refundAmount"`
	Currency      string `json:"currency"`
}

type inFlightView struct {
	Kind      string    `json:"kind"`
	Reference string    `json:"reference"`
	Amount    int64     `json:"amount"`
	StartedAt time.Time `json:"startedAt"`
}

type escrowView struct {
	ID               string        `json:"id"`
	OrderID          string        `json:"orderId"`
	AmountHeld       int64         `json:"amountHeld"`
	Currency         string        `json:"currency"`
	ReleaseStatus    string        `json:"releaseStatus"`
	ReleaseDate      *time.Time    `json:"releaseDate"`
	Frozen           bool          `json:"frozen"`
	InFlight         *inFlightView `json:"inFlight"`
	TransferAttempts int           `json:"transferAttempts"`
	TransferRef      string        `json:"transferRef"`
	FailureReason    string        `json:"failureReason"`
}

type disputeView struct {
	ID                         string     `json:"id"`
	OrderID                    string     `json:"orderId"`
	OpenedBy                   string     `json:"openedBy"`
	Type                       string     `json:"type"`
	Description                string     `json:"description"`
	Status                     string     `json:"status"`
	Resolution                 string     `json:"resolution"`
	ResolvedAmount             *int64     `json:"resolvedAmount"`
	RequiresManualIntervention bool       `json:"requiresManualIntervention"`
	ResolvedBy                 string     `json:"resolvedBy"`
	ResolvedAt                 *time.Time `json:"resolvedAt"`
}

type eligibilityView struct {
	OrderID                    string    `json:"orderId"`
	Eligible                   bool      `json:"eligible"`
	Reason                     string    `json:"reason"`
	RequiresManualIntervention bool      `json:"requiresManualIntervention"`
	Refundable                 int64     `json:"refundable"`
	WindowEndsAt               time.Time `json:"windowEndsAt"`
}

type statusChangeView struct {
	OldStatus string    `json:"oldStatus"`
	NewStatus string    `json:"newStatus"`
	ChangedBy string    `json:"changedBy"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"createdAt"`
}

type reportView struct {
	Duration  string `json:"duration"`
	Checked   int    `json:"checked"`
	Completed int    `json:"completed"`
	Abandoned int    `json:"abandoned"`
	Waiting   int    `json:"waiting"`
	Errors    int    `json:"errors"`
	Outcomes  []struct {
		EscrowID  string `json:"escrowId"`
		OrderID   string `json:"orderId"`
		Kind      string `json:"kind"`
		Reference string `json:"reference"`
		Age       string `json:"age"`
		Action    string `json:"action"`
		Error     string `json:"error"`
	} `json:"outcomes"`
}

// HandleCheckRefundEligibility explains whether an order can still be refunded.
func (h *Handlers) HandleCheckRefundEligibility(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	orderID := req.GetString("order_id", "")
	if orderID == "" {
		return mcp.NewToolResultError("order_id is required"), nil
	}

	raw, err := h.client.RefundEligibility(ctx, orderID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to check eligibility: %v", err)), nil
	}
	var el eligibilityView
	if err := json.Unmarshal(raw, &el); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse eligibility: %v", err)), nil
	}

	// Amounts are minor units; the order carries the currency.
	currency := ""
	if oraw, err := h.client.Order(ctx, orderID); err == nil {
		var resp struct {
			Order orderView `json:"order"`
		}
		if json.Unmarshal(oraw, &resp) == nil {
			currency = resp.Order.Currency
		}
	}

	var sb strings.Builder
	if el.Eligible {
		fmt.Fprintf(&sb, "Order %s is eligible for a refund.\n", el.OrderID)
	} else {
		fmt.Fprintf(&sb, "Order %s is NOT eligible for a refund: %s.\n", el.OrderID, el.Reason)
	}
	fmt.Fprintf(&sb, "  Refundable: %s\n", formatAmount(el.Refundable, currency))
	if !el.WindowEndsAt.IsZero() {
		fmt.Fprintf(&sb, "  Window ends: %s\n", el.WindowEndsAt.UTC().Format(time.RFC3339))
	}
	if el.RequiresManualIntervention {
		sb.WriteString("  Funds have left the platform; an operator must recover them manually.\n")
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleGetOrderEscrow shows the escrow for an order.
func (h *Handlers) HandleGetOrderEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	orderID := req.GetString("order_id", "")
	if orderID == "" {
		return mcp.NewToolResultError("order_id is required"), nil
	}

	raw, err := h.client.OrderEscrow(ctx, orderID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get escrow: %v", err)), nil
	}
	var resp struct {
		Escrow escrowView `json:"escrow"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse escrow: %v", err)), nil
	}
	return mcp.NewToolResultText(formatEscrow(resp.Escrow)), nil
}

// HandleListPendingEscrows lists escrows still holding funds.
func (h *Handlers) HandleListPendingEscrows(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.PendingEscrows(ctx, req.GetString("cursor", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list pending escrows: %v", err)), nil
	}
	text, err := formatEscrowList(raw, "pending")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse escrows: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleListFailedEscrows lists escrows whose payout was rejected.
func (h *Handlers) HandleListFailedEscrows(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.FailedEscrows(ctx, req.GetString("cursor", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list failed escrows: %v", err)), nil
	}
	text, err := formatEscrowList(raw, "failed")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse escrows: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetDispute shows one dispute.
func (h *Handlers) HandleGetDispute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	disputeID := req.GetString("dispute_id", "")
	if disputeID == "" {
		return mcp.NewToolResultError("dispute_id is required"), nil
	}

	raw, err := h.client.Dispute(ctx, disputeID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get dispute: %v", err)), nil
	}
	var resp struct {
		Dispute disputeView `json:"dispute"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse dispute: %v", err)), nil
	}
	d := resp.Dispute

	var sb strings.Builder
	fmt.Fprintf(&sb, "Dispute %s on order %s\n", d.ID, d.OrderID)
	fmt.Fprintf(&sb, "  Type: %s\n", d.Type)
	fmt.Fprintf(&sb, "  Status: %s\n", d.Status)
	fmt.Fprintf(&sb, "  Opened by: %s\n", d.OpenedBy)
	if d.Description != "" {
		fmt.Fprintf(&sb, "  Description: %s\n", d.Description)
	}
	if d.Resolution != "" {
		fmt.Fprintf(&sb, "  Resolution: %s\n", d.Resolution)
	}
	if d.ResolvedAmount != nil {
		fmt.Fprintf(&sb, "  Refunded: %d (minor units)\n", *d.ResolvedAmount)
	}
	if d.ResolvedBy != "" && d.ResolvedAt != nil {
		fmt.Fprintf(&sb, "  Resolved by %s at %s\n", d.ResolvedBy, d.ResolvedAt.UTC().Format(time.RFC3339))
	}
	if d.RequiresManualIntervention {
		sb.WriteString("  ** Requires manual intervention: funds were already paid out. **\n")
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleGetOrderHistory shows an order's status changes.
func (h *Handlers) HandleGetOrderHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	orderID := req.GetString("order_id", "")
	if orderID == "" {
		return mcp.NewToolResultError("order_id is required"), nil
	}

	raw, err := h.client.OrderHistory(ctx, orderID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get history: %v", err)), nil
	}
	var resp struct {
		History []statusChangeView `json:"history"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse history: %v", err)), nil
	}
	if len(resp.History) == 0 {
		return mcp.NewToolResultText(fmt.Sprintf("No history for order %s.", orderID)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "History of order %s:\n", orderID)
	for _, ch := range resp.History {
		from := ch.OldStatus
		if from == "" {
			from = "(new)"
		}
		fmt.Fprintf(&sb, "  %s  %s -> %s by %s", ch.CreatedAt.UTC().Format(time.RFC3339), from, ch.NewStatus, ch.ChangedBy)
		if ch.Reason != "" {
			fmt.Fprintf(&sb, " (%s)", ch.Reason)
		}
		sb.WriteString("\n")
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleRunReconciliation runs a reconciliation pass now.
func (h *Handlers) HandleRunReconciliation(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.Reconcile(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Reconciliation failed: %v", err)), nil
	}
	var resp struct {
		Report reportView `json:"report"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse report: %v", err)), nil
	}
	r := resp.Report

	var sb strings.Builder
	fmt.Fprintf(&sb, "Reconciliation checked %d in-flight settlement(s) in %s.\n", r.Checked, r.Duration)
	fmt.Fprintf(&sb, "  Completed: %d  Abandoned: %d  Waiting: %d  Errors: %d\n", r.Completed, r.Abandoned, r.Waiting, r.Errors)
	for _, o := range r.Outcomes {
		fmt.Fprintf(&sb, "  - %s %s (order %s, ref %s, age %s): %s", o.Kind, o.EscrowID, o.OrderID, o.Reference, o.Age, o.Action)
		if o.Error != "" {
			fmt.Fprintf(&sb, " [%s]", o.Error)
		}
		sb.WriteString("\n")
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// --- Formatting helpers ---

func formatAmount(minor int64, currency string) string {
	if currency == "" {
		return fmt.Sprintf("%d (minor units)", minor)
	}
	return money.Format(minor, currency)
}

func formatEscrow(e escrowView) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Escrow %s for order %s\n", e.ID, e.OrderID)
	fmt.Fprintf(&sb, "  Held: %s\n", formatAmount(e.AmountHeld, e.Currency))
	fmt.Fprintf(&sb, "  Status: %s\n", e.ReleaseStatus)
	if e.ReleaseDate != nil {
		fmt.Fprintf(&sb, "  Release date: %s\n", e.ReleaseDate.UTC().Format(time.RFC3339))
	}
	if e.Frozen {
		sb.WriteString("  Frozen by an open dispute\n")
	}
	if e.InFlight != nil {
		fmt.Fprintf(&sb, "  In flight: %s %s of %s since %s\n",
			e.InFlight.Kind, e.InFlight.Reference, formatAmount(e.InFlight.Amount, e.Currency),
			e.InFlight.StartedAt.UTC().Format(time.RFC3339))
	}
	if e.TransferAttempts > 0 {
		fmt.Fprintf(&sb, "  Transfer attempts: %d\n", e.TransferAttempts)
	}
	if e.TransferRef != "" {
		fmt.Fprintf(&sb, "  Transfer ref: %s\n", e.TransferRef)
	}
	if e.FailureReason != "" {
		fmt.Fprintf(&sb, "  Failure: %s\n", e.FailureReason)
	}
	return sb.String()
}

func formatEscrowList(raw json.RawMessage, label string) (string, error) {
	var resp struct {
		Escrows    []escrowView `json:"escrows"`
		HasMore    bool         `json:"hasMore"`
		NextCursor string       `json:"nextCursor"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Escrows) == 0 {
		return fmt.Sprintf("No %s escrows.", label), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d %s escrow(s):\n\n", len(resp.Escrows), label)
	for i, e := range resp.Escrows {
		fmt.Fprintf(&sb, "%d. %s (order %s)  %s", i+1, e.ID, e.OrderID, formatAmount(e.AmountHeld, e.Currency))
		if e.ReleaseDate != nil {
			fmt.Fprintf(&sb, "  releases %s", e.ReleaseDate.UTC().Format(time.RFC3339))
		}
		if e.Frozen {
			sb.WriteString("  [frozen]")
		}
		if e.FailureReason != "" {
			fmt.Fprintf(&sb, "  failure: %s", e.FailureReason)
		}
		sb.WriteString("\n")
	}
	if resp.HasMore {
		fmt.Fprintf(&sb, "\nMore escrows exist beyond this page; call again with cursor %q.\n", resp.NextCursor)
	}
	return sb.String(), nil
}
