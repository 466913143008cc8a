// Package usage charges clients for agent usage and keeps the audit trail
// of every deduction.
package usage

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/voicedesk/voicedesk/internal/pagination"
)

var (
	ErrNegativeCost  = errors.New("usage: cost must not be negative")
	ErrInvalidPolicy = errors.New("usage: unknown negative balance policy")
)

// Negative balance policies.
const (
	PolicyAllow = "allow" // balance may go below zero and the client is flagged overdrawn
	PolicyFloor = "floor" // balance stops at zero; the rest is recorded as unbilled
)

// DefaultMarkup is applied to the vendor cost when none is configured.
var DefaultMarkup = decimal.RequireFromString("1.20")

// Record is one deduction against one client.
type Record struct {
	ID              string          `json:"id"`
	ClientID        string          `json:"clientId"`
	AgentID         string          `json:"agentId"`
	ExternalAgentID string          `json:"externalAgentId"`
	Cost            decimal.Decimal `json:"cost"`
	Charged         int64           `json:"charged"`
	Unbilled        int64           `json:"unbilled"`
	BalanceAfter    int64           `json:"balanceAfter"`
	CreatedAt       time.Time       `json:"createdAt"`
}

// Store persists usage records. Records are append-only.
type Store interface {
	Append(ctx context.Context, r *Record) error
	// ListByClient returns up to limit records newest first, starting after
	// the cursor when one is given.
	ListByClient(ctx context.Context, clientID string, limit int, after *pagination.Cursor) ([]*Record, error)
}

// Charge is the outcome of a deduction for one client.
type Charge struct {
	ClientID     string `json:"clientId"`
	RecordID     string `json:"recordId"`
	Charged      int64  `json:"charged"`
	Unbilled     int64  `json:"unbilled"`
	BalanceAfter int64  `json:"balanceAfter"`
	Overdrawn    bool   `json:"overdrawn"`
}

// DeductionResult summarizes one Deduct call.
type DeductionResult struct {
	AgentID         string          `json:"agentId,omitempty"`
	ExternalAgentID string          `json:"externalAgentId"`
	Cost            decimal.Decimal `json:"cost"`
	Charges         []Charge        `json:"charges"`
	// Skipped lists assigned clients without a subscription.
	Skipped []string `json:"skipped"`
}
