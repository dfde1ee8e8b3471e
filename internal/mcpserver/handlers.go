package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

// HandleGetEscrow shows one escrow.
func (h *Handlers) HandleGetEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("escrow_id", "")
	if id == "" {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}

	raw, err := h.client.GetEscrow(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get escrow: %v", err)), nil
	}

	text, err := formatEscrow(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse escrow: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleEscrowHistory shows the audit trail of an escrow.
func (h *Handlers) HandleEscrowHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("escrow_id", "")
	if id == "" {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}

	raw, err := h.client.EscrowHistory(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get history: %v", err)), nil
	}

	text, err := formatHistory(id, raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse history: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleListUserEscrows lists a user's escrows.
func (h *Handlers) HandleListUserEscrows(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID := req.GetString("user_id", "")
	if userID == "" {
		return mcp.NewToolResultError("user_id is required"), nil
	}
	status := req.GetString("status", "")
	role := req.GetString("role", "")
	limit := req.GetInt("limit", 20)

	raw, err := h.client.ListUserEscrows(ctx, userID, status, role, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list escrows: %v", err)), nil
	}

	text, err := formatEscrowList(userID, raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse escrows: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleEscrowStats returns aggregate escrow volume.
func (h *Handlers) HandleEscrowStats(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	currency := strings.ToUpper(req.GetString("currency", ""))

	raw, err := h.client.EscrowStats(ctx, currency)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get stats: %v", err)), nil
	}

	text, err := formatStats(currency, raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse stats: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandlePayoutStatus reports whether a user can be paid out.
func (h *Handlers) HandlePayoutStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID := req.GetString("user_id", "")
	if userID == "" {
		return mcp.NewToolResultError("user_id is required"), nil
	}

	raw, err := h.client.GetUser(ctx, userID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get user: %v", err)), nil
	}

	text, err := formatPayoutStatus(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse user: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// --- Formatting ---

func formatEscrow(raw json.RawMessage) (string, error) {
	var resp struct {
		Escrow map[string]any `json:"escrow"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if resp.Escrow == nil {
		return "", fmt.Errorf("unexpected escrow response format")
	}
	e := resp.Escrow

	var sb strings.Builder
	fmt.Fprintf(&sb, "Escrow %s\n", getString(e, "id"))
	fmt.Fprintf(&sb, "  Status: %s\n", getString(e, "status"))
	fmt.Fprintf(&sb, "  Amount: %s %s\n", getString(e, "amount"), getString(e, "currency"))
	fmt.Fprintf(&sb, "  Payer: %s\n", getString(e, "payerId"))
	if v := getString(e, "payeeId"); v != "" {
		fmt.Fprintf(&sb, "  Payee: %s\n", v)
	} else {
		sb.WriteString("  Payee: (not assigned)\n")
	}
	fmt.Fprintf(&sb, "  Question: %s\n", getString(e, "questionId"))
	if v := getString(e, "description"); v != "" {
		fmt.Fprintf(&sb, "  Description: %s\n", v)
	}
	if v := getString(e, "processorHoldId"); v != "" {
		fmt.Fprintf(&sb, "  Hold: %s\n", v)
	}
	if v := getString(e, "processorTransferId"); v != "" {
		fmt.Fprintf(&sb, "  Transfer: %s\n", v)
	}
	if v := getString(e, "processorRefundId"); v != "" {
		fmt.Fprintf(&sb, "  Refund: %s\n", v)
	}
	if v := getString(e, "platformFee"); v != "" {
		fmt.Fprintf(&sb, "  Platform fee: %s\n", v)
	} else {
		fmt.Fprintf(&sb, "  Fee preview: %s (payee gets %s)\n",
			getString(e, "platformFeeAmount"), getString(e, "payeeAmount"))
	}
	if v := getString(e, "autoReleaseAt"); v != "" {
		fmt.Fprintf(&sb, "  Auto-release: %s\n", v)
	}
	for _, k := range []string{"releaseReason", "refundReason", "disputeReason"} {
		if v := getString(e, k); v != "" {
			fmt.Fprintf(&sb, "  %s: %s\n", strings.TrimSuffix(k, "Reason")+" reason", v)
		}
	}
	fmt.Fprintf(&sb, "  Created: %s\n", getString(e, "createdAt"))
	return sb.String(), nil
}

func formatHistory(id string, raw json.RawMessage) (string, error) {
	var resp struct {
		Transitions []map[string]any `json:"transitions"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Transitions) == 0 {
		return fmt.Sprintf("No history recorded for escrow %s.", id), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "History of escrow %s:\n\n", id)
	for i, tr := range resp.Transitions {
		from := getString(tr, "from")
		if from == "" {
			from = "(created)"
		}
		fmt.Fprintf(&sb, "%d. %s  %s -> %s by %s\n", i+1,
			getString(tr, "createdAt"), from, getString(tr, "to"), getString(tr, "actorId"))
		if r := getString(tr, "reason"); r != "" {
			fmt.Fprintf(&sb, "   reason: %s\n", r)
		}
	}
	return sb.String(), nil
}

func formatEscrowList(userID string, raw json.RawMessage) (string, error) {
	var resp struct {
		Escrows    []map[string]any `json:"escrows"`
		NextCursor string           `json:"nextCursor"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Escrows) == 0 {
		return fmt.Sprintf("No escrows found for %s.", userID), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d escrow(s) for %s:\n\n", len(resp.Escrows), userID)
	for i, e := range resp.Escrows {
		role := "payer"
		if getString(e, "payeeId") == userID {
			role = "payee"
		}
		fmt.Fprintf(&sb, "%d. %s  %s %s  [%s]  as %s, question %s\n", i+1,
			getString(e, "id"), getString(e, "amount"), getString(e, "currency"),
			getString(e, "status"), role, getString(e, "questionId"))
	}
	if resp.NextCursor != "" {
		sb.WriteString("\nMore results are available.\n")
	}
	return sb.String(), nil
}

func formatStats(currency string, raw json.RawMessage) (string, error) {
	var resp struct {
		Stats map[string]any `json:"stats"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if resp.Stats == nil {
		return "", fmt.Errorf("unexpected stats response format")
	}
	st := resp.Stats

	var sb strings.Builder
	if currency != "" {
		fmt.Fprintf(&sb, "Escrow stats (%s):\n", currency)
	} else {
		sb.WriteString("Escrow stats:\n")
	}
	if v, ok := getFloat(st, "total"); ok {
		fmt.Fprintf(&sb, "  Total escrows: %.0f\n", v)
	}
	if by, ok := st["byStatus"].(map[string]any); ok && len(by) > 0 {
		keys := make([]string, 0, len(by))
		for k := range by {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			n, _ := by[k].(float64)
			fmt.Fprintf(&sb, "    %s: %.0f\n", k, n)
		}
	}
	fmt.Fprintf(&sb, "  Held: %s\n", getString(st, "heldAmount"))
	fmt.Fprintf(&sb, "  Released: %s\n", getString(st, "releasedAmount"))
	fmt.Fprintf(&sb, "  Refunded: %s\n", getString(st, "refundedAmount"))
	fmt.Fprintf(&sb, "  Platform fees: %s\n", getString(st, "platformFees"))
	return sb.String(), nil
}

func formatPayoutStatus(raw json.RawMessage) (string, error) {
	var resp struct {
		User map[string]any `json:"user"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if resp.User == nil {
		return "", fmt.Errorf("unexpected user response format")
	}
	u := resp.User

	var sb strings.Builder
	fmt.Fprintf(&sb, "Payouts for %s:\n", getString(u, "id"))
	account := getString(u, "payoutAccountId")
	if account == "" {
		sb.WriteString("  Not onboarded: the user has no connected payout account.\n")
		return sb.String(), nil
	}
	fmt.Fprintf(&sb, "  Account: %s\n", account)
	fmt.Fprintf(&sb, "  Details submitted: %s\n", yesNo(getBool(u, "detailsSubmitted")))
	fmt.Fprintf(&sb, "  Can receive transfers: %s\n", yesNo(getBool(u, "canReceiveTransfers")))
	if !getBool(u, "canReceiveTransfers") {
		sb.WriteString("  Releases to this user will be refused until onboarding completes.\n")
	}
	return sb.String(), nil
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

// getString extracts a string value from a map, trying multiple key names.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			if f, ok := v.(float64); ok {
				return fmt.Sprintf("%g", f)
			}
		}
	}
	return ""
}

// getFloat extracts a float64 value from a map, trying multiple key names.
func getFloat(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if f, ok := v.(float64); ok {
				return f, true
			}
		}
	}
	return 0, false
}

func getBool(m map[string]any, key string) bool {
	b, _ := m[key].(bool)
	return b
}
