package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// Version is reported to MCP clients.
const Version = "1.0.0"

// NewMCPServer creates a configured MCP server with all voicedesk tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("voicedesk", Version)
	h := NewHandlers(NewAPIClient(cfg))

	s.AddTool(ToolGetCredits, h.HandleGetCredits)
	s.AddTool(ToolGetSubscription, h.HandleGetSubscription)
	s.AddTool(ToolListUsage, h.HandleListUsage)
	s.AddTool(ToolReportUsage, h.HandleReportUsage)
	s.AddTool(ToolListTiers, h.HandleListTiers)

	return s
}
