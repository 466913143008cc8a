package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the voicedesk MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolGetCredits = mcp.NewTool("get_credits",
	mcp.WithDescription(
		"Show a client's remaining and total monthly credits. "+
			"Omit client_id when signed in as the client itself."),
	mcp.WithString("client_id",
		mcp.Description("Client ID (e.g. 'cli_01h...'). Required for account owners.")),
)

var ToolGetSubscription = mcp.NewTool("get_subscription",
	mcp.WithDescription(
		"Show a client's subscription: tier, billing interval, credit balance, "+
			"and the scheduled monthly credit resets."),
	mcp.WithString("client_id",
		mcp.Description("Client ID. Omit when signed in as the client itself.")),
)

var ToolListUsage = mcp.NewTool("list_usage",
	mcp.WithDescription(
		"List recent agent usage charged to a client, newest first. "+
			"Each record shows the vendor cost and the credits charged after markup."),
	mcp.WithString("client_id",
		mcp.Description("Client ID. Omit when signed in as the client itself.")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of records to return (default 20)")),
	mcp.WithString("cursor",
		mcp.Description("Cursor from a previous list_usage call to fetch the next page")),
)

var ToolReportUsage = mcp.NewTool("report_usage",
	mcp.WithDescription(
		"Report the vendor cost of one agent invocation. Every client assigned the agent "+
			"is charged the cost times the platform markup, in credits."),
	mcp.WithString("external_agent_id",
		mcp.Required(),
		mcp.Description("The agent's ID at the voice vendor")),
	mcp.WithString("cost",
		mcp.Required(),
		mcp.Description("Vendor cost as a decimal string (e.g. '100' or '2.50')")),
)

var ToolListTiers = mcp.NewTool("list_tiers",
	mcp.WithDescription("List the subscription tiers and their monthly credit allowance."),
)
