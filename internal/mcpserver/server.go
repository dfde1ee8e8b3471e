package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all escrow console tools registered.
func NewMCPServer(cfg Config, version string) *server.MCPServer {
	s := server.NewMCPServer("bountyescrow", version)
	h := NewHandlers(NewClient(cfg))

	s.AddTool(ToolGetEscrow, h.HandleGetEscrow)
	s.AddTool(ToolEscrowHistory, h.HandleEscrowHistory)
	s.AddTool(ToolListUserEscrows, h.HandleListUserEscrows)
	s.AddTool(ToolEscrowStats, h.HandleEscrowStats)
	s.AddTool(ToolPayoutStatus, h.HandlePayoutStatus)

	return s
}
