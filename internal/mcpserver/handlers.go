package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *APIClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *APIClient) *Handlers {
	return &Handlers{client: client}
}

// Views of the API responses; only the fields the tools print.
type (
	jobSlot struct {
		Offset int       `json:"offset"`
		FireAt time.Time `json:"fireAt"`
	}
	subscriptionView struct {
		Tier             string    `json:"tier"`
		Interval         int       `json:"interval"`
		SubscribedAt     time.Time `json:"subscribedAt"`
		TotalCredits     int64     `json:"totalCredits"`
		RemainingCredits int64     `json:"remainingCredits"`
		Status           string    `json:"status"`
		Overdrawn        bool      `json:"overdrawn"`
		ResetJobs        []jobSlot `json:"resetJobs"`
	}
	jobView struct {
		Offset int       `json:"monthOffset"`
		FireAt time.Time `json:"fireAt"`
		Status string    `json:"status"`
	}
	subscriptionResponse struct {
		Subscription *subscriptionView `json:"subscription"`
		Jobs         []jobView         `json:"jobs"`
	}
	usageView struct {
		ExternalAgentID string    `json:"externalAgentId"`
		Cost            string    `json:"cost"`
		Charged         int64     `json:"charged"`
		Unbilled        int64     `json:"unbilled"`
		BalanceAfter    int64     `json:"balanceAfter"`
		CreatedAt       time.Time `json:"createdAt"`
	}
	usagePage struct {
		Usage      []usageView `json:"usage"`
		HasMore    bool        `json:"hasMore"`
		NextCursor string      `json:"nextCursor"`
	}
	chargeView struct {
		ClientID     string `json:"clientId"`
		Charged      int64  `json:"charged"`
		Unbilled     int64  `json:"unbilled"`
		BalanceAfter int64  `json:"balanceAfter"`
		Overdrawn    bool   `json:"overdrawn"`
	}
	deductionView struct {
		Result struct {
			AgentID string       `json:"agentId"`
			Charges []chargeView `json:"charges"`
			Skipped []string     `json:"skipped"`
		} `json:"result"`
	}
	tiersView struct {
		Tiers []struct {
			Name           string `json:"name"`
			MonthlyCredits int64  `json:"monthlyCredits"`
		} `json:"tiers"`
		MaxInterval int `json:"maxInterval"`
	}
)

func (h *Handlers) subscription(ctx context.Context, req mcp.CallToolRequest) (*subscriptionResponse, error) {
	raw, err := h.client.GetSubscription(ctx, req.GetString("client_id", ""))
	if err != nil {
		return nil, err
	}
	var resp subscriptionResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("unexpected subscription response: %w", err)
	}
	if resp.Subscription == nil {
		return nil, fmt.Errorf("unexpected subscription response: no subscription")
	}
	return &resp, nil
}

// HandleGetCredits reports the credit balance.
func (h *Handlers) HandleGetCredits(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resp, err := h.subscription(ctx, req)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get credits: %v", err)), nil
	}
	return mcp.NewToolResultText(formatCredits(resp.Subscription)), nil
}

// HandleGetSubscription reports the subscription and its reset schedule.
func (h *Handlers) HandleGetSubscription(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resp, err := h.subscription(ctx, req)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get subscription: %v", err)), nil
	}
	return mcp.NewToolResultText(formatSubscription(resp)), nil
}

// HandleListUsage lists usage records.
func (h *Handlers) HandleListUsage(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := req.GetInt("limit", 20)
	if limit <= 0 {
		limit = 20
	}
	raw, err := h.client.ListUsage(ctx, req.GetString("client_id", ""), limit, req.GetString("cursor", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list usage: %v", err)), nil
	}
	var page usagePage
	if err := json.Unmarshal(raw, &page); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse usage: %v", err)), nil
	}
	return mcp.NewToolResultText(formatUsage(page)), nil
}

// HandleReportUsage reports an invocation cost.
func (h *Handlers) HandleReportUsage(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agentID := req.GetString("external_agent_id", "")
	cost := strings.TrimSpace(req.GetString("cost", ""))
	if agentID == "" || cost == "" {
		return mcp.NewToolResultError("external_agent_id and cost are required"), nil
	}

	raw, err := h.client.ReportUsage(ctx, agentID, cost)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to report usage: %v", err)), nil
	}
	var resp deductionView
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse result: %v", err)), nil
	}
	return mcp.NewToolResultText(formatDeduction(agentID, cost, resp)), nil
}

// HandleListTiers lists tiers.
func (h *Handlers) HandleListTiers(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.ListTiers(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list tiers: %v", err)), nil
	}
	var tv tiersView
	if err := json.Unmarshal(raw, &tv); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse tiers: %v", err)), nil
	}
	var sb strings.Builder
	sb.WriteString("Subscription tiers:\n")
	for _, t := range tv.Tiers {
		fmt.Fprintf(&sb, "  %-10s %d credits/month\n", t.Name, t.MonthlyCredits)
	}
	if tv.MaxInterval > 0 {
		fmt.Fprintf(&sb, "Billing interval: 1 to %d months\n", tv.MaxInterval)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// --- formatting ---

func formatCredits(s *subscriptionView) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Credits: %d of %d remaining\n", s.RemainingCredits, s.TotalCredits)
	fmt.Fprintf(&sb, "  Tier: %s\n", s.Tier)
	if s.Overdrawn {
		sb.WriteString("  Warning: balance is overdrawn\n")
	}
	return sb.String()
}

func formatSubscription(resp *subscriptionResponse) string {
	s := resp.Subscription
	var sb strings.Builder
	sb.WriteString("Subscription:\n")
	fmt.Fprintf(&sb, "  Tier: %s\n", s.Tier)
	fmt.Fprintf(&sb, "  Interval: %d month(s)\n", s.Interval)
	fmt.Fprintf(&sb, "  Status: %s\n", s.Status)
	fmt.Fprintf(&sb, "  Subscribed: %s\n", s.SubscribedAt.Format(time.DateOnly))
	fmt.Fprintf(&sb, "  Credits: %d of %d remaining\n", s.RemainingCredits, s.TotalCredits)
	if s.Overdrawn {
		sb.WriteString("  Warning: balance is overdrawn\n")
	}

	status := make(map[int]string, len(resp.Jobs))
	for _, j := range resp.Jobs {
		if _, seen := status[j.Offset]; !seen || j.Status == "pending" {
			status[j.Offset] = j.Status
		}
	}
	if len(s.ResetJobs) == 0 {
		sb.WriteString("  No scheduled credit resets.\n")
		return sb.String()
	}
	sb.WriteString("  Credit resets:\n")
	for _, slot := range s.ResetJobs {
		st := status[slot.Offset]
		if st == "" {
			st = "scheduled"
		}
		fmt.Fprintf(&sb, "    month %d: %s (%s)\n", slot.Offset, slot.FireAt.Format(time.DateOnly), st)
	}
	return sb.String()
}

func formatUsage(page usagePage) string {
	if len(page.Usage) == 0 {
		return "No usage recorded."
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d usage record(s):\n\n", len(page.Usage))
	for i, u := range page.Usage {
		fmt.Fprintf(&sb, "%d. %s  agent %s  cost %s  charged %d credits  balance %d\n",
			i+1, u.CreatedAt.Format(time.DateTime), u.ExternalAgentID, u.Cost, u.Charged, u.BalanceAfter)
		if u.Unbilled > 0 {
			fmt.Fprintf(&sb, "   %d credits not billed (balance floor)\n", u.Unbilled)
		}
	}
	if page.HasMore {
		fmt.Fprintf(&sb, "\nMore records available; pass cursor %q.\n", page.NextCursor)
	}
	return sb.String()
}

func formatDeduction(agentID, cost string, resp deductionView) string {
	r := resp.Result
	if r.AgentID == "" {
		return fmt.Sprintf("Agent %s is not registered; nothing was charged.", agentID)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Usage of cost %s reported for agent %s.\n", cost, agentID)
	if len(r.Charges) == 0 {
		sb.WriteString("No subscribed clients are assigned this agent.\n")
	}
	for _, ch := range r.Charges {
		fmt.Fprintf(&sb, "  %s: charged %d credits, balance %d", ch.ClientID, ch.Charged, ch.BalanceAfter)
		if ch.Overdrawn {
			sb.WriteString(" (overdrawn)")
		}
		sb.WriteString("\n")
	}
	if len(r.Skipped) > 0 {
		fmt.Fprintf(&sb, "  Skipped (no subscription): %s\n", strings.Join(r.Skipped, ", "))
	}
	return sb.String()
}
