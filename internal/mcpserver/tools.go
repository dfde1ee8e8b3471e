package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the escrow support console.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolGetEscrow = mcp.NewTool("get_escrow",
	mcp.WithDescription(
		"Look up a bounty escrow by ID. Shows payer, payee, question, amount, status, "+
			"processor references, reasons recorded at each settlement step, and the fee split."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The escrow ID (e.g. 'esc_...')")),
)

var ToolEscrowHistory = mcp.NewTool("escrow_history",
	mcp.WithDescription(
		"Show the audit trail of an escrow: every status change with its actor, reason and time. "+
			"Use this when reviewing a dispute to see who did what."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The escrow ID (e.g. 'esc_...')")),
)

var ToolListUserEscrows = mcp.NewTool("list_user_escrows",
	mcp.WithDescription(
		"List the escrows a user has funded or is due to receive, newest first."),
	mcp.WithString("user_id",
		mcp.Required(),
		mcp.Description("The user ID")),
	mcp.WithString("status",
		mcp.Description("Only escrows in this status"),
		mcp.Enum("pending", "held", "released", "refunded", "disputed", "expired")),
	mcp.WithString("role",
		mcp.Description("'payer' for escrows the user funded, 'payee' for escrows paying the user"),
		mcp.Enum("payer", "payee")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of escrows to return (default 20)")),
)

var ToolEscrowStats = mcp.NewTool("escrow_stats",
	mcp.WithDescription(
		"Get platform-wide escrow totals: count by status, held, released and refunded volume, "+
			"and platform fees collected."),
	mcp.WithString("currency",
		mcp.Description("ISO currency code to restrict totals to (e.g. 'USD')")),
)

var ToolPayoutStatus = mcp.NewTool("payout_status",
	mcp.WithDescription(
		"Check whether a user can receive bounty payouts: connected account, "+
			"details submitted and transfer capability."),
	mcp.WithString("user_id",
		mcp.Required(),
		mcp.Description("The user ID")),
)
