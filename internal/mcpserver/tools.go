package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the settlement operator MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolCheckRefundEligibility = mcp.NewTool("check_refund_eligibility",
	mcp.WithDescription(
		"Check whether a marketplace order can still be refunded or disputed. "+
			"Explains why not when it is ineligible (not delivered, dispute already open, "+
			"window expired, funds already released to the seller)."),
	mcp.WithString("order_id",
		mcp.Required(),
		mcp.Description("The order ID (e.g. 'ord_...')")),
)

var ToolGetOrderEscrow = mcp.NewTool("get_order_escrow",
	mcp.WithDescription(
		"Show the escrow holding an order's payment: amount held, release status, "+
			"scheduled release date, whether it is frozen by a dispute and any settlement in flight."),
	mcp.WithString("order_id",
		mcp.Required(),
		mcp.Description("The order ID (e.g. 'ord_...')")),
)

var ToolListPendingEscrows = mcp.NewTool("list_pending_escrows",
	mcp.WithDescription(
		"List escrows still holding buyer funds, with their release dates. "+
			"Use this to see what the release scheduler will pay out next."),
	mcp.WithString("cursor",
		mcp.Description("Cursor from a previous page; omit for the first page")),
)

var ToolListFailedEscrows = mcp.NewTool("list_failed_escrows",
	mcp.WithDescription(
		"List escrows whose payout to the seller was rejected by the payment processor. "+
			"These need an operator to fix the seller's payout account and retry."),
	mcp.WithString("cursor",
		mcp.Description("Cursor from a previous page; omit for the first page")),
)

var ToolGetDispute = mcp.NewTool("get_dispute",
	mcp.WithDescription(
		"Show a dispute: who opened it, the claim type, its status and resolution, "+
			"the refunded amount and whether an operator must intervene manually."),
	mcp.WithString("dispute_id",
		mcp.Required(),
		mcp.Description("The dispute ID (e.g. 'dsp_...')")),
)

var ToolGetOrderHistory = mcp.NewTool("get_order_history",
	mcp.WithDescription(
		"Show every status change of an order with who made it and why."),
	mcp.WithString("order_id",
		mcp.Required(),
		mcp.Description("The order ID (e.g. 'ord_...')")),
)

var ToolRunReconciliation = mcp.NewTool("run_reconciliation",
	mcp.WithDescription(
		"Check payouts and refunds that were started but never confirmed against the "+
			"payment processor, and finish or release them. Safe to run repeatedly."),
)
