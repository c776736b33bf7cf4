package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all settlement tools registered.
func NewMCPServer(cfg Config, version string) *server.MCPServer {
	s := server.NewMCPServer("settlement", version)
	h := NewHandlers(NewSettlementClient(cfg))

	s.AddTool(ToolCheckRefundEligibility, h.HandleCheckRefundEligibility)
	s.AddTool(ToolGetOrderEscrow, h.HandleGetOrderEscrow)
	s.AddTool(ToolListPendingEscrows, h.HandleListPendingEscrows)
	s.AddTool(ToolListFailedEscrows, h.HandleListFailedEscrows)
	s.AddTool(ToolGetDispute, h.HandleGetDispute)
	s.AddTool(ToolGetOrderHistory, h.HandleGetOrderHistory)
	s.AddTool(ToolRunReconciliation, h.HandleRunReconciliation)

	return s
}
