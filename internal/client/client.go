// Package client manages the sub-accounts a user provisions, including the
// embedded subscription record and agent assignments.
package client

import (
	"errors"
	"slices"
	"time"
)

var (
	ErrClientNotFound = errors.New("client: not found")
	ErrUsernameTaken  = errors.New("client: username already taken")
	ErrEmailTaken     = errors.New("client: email already in use")
	ErrNotOwner       = errors.New("client: not owned by caller")
	ErrNotAssigned    = errors.New("client: agent not assigned")
	ErrInvalidLogin   = errors.New("client: invalid username or password")
)

// SubscriptionStatus is the lifecycle state of a subscription.
type SubscriptionStatus string

const (
	StatusActive     SubscriptionStatus = "active"
	StatusCancelling SubscriptionStatus = "cancelling"
)

// JobSlot maps a month offset of the subscription to its scheduled reset job.
type JobSlot struct {
	Offset int       `json:"offset"`
	JobID  string    `json:"jobId"`
	FireAt time.Time `json:"fireAt"`
}

// Subscription is the credit plan attached to a client.
type Subscription struct {
	Tier             string             `json:"tier"`
	Interval         int                `json:"interval"`
	SubscribedAt     time.Time          `json:"subscribedAt"`
	UpdatedAt        time.Time          `json:"updatedAt"`
	TotalCredits     int64              `json:"totalCredits"`
	RemainingCredits int64              `json:"remainingCredits"`
	Status           SubscriptionStatus `json:"status"`
	ResetJobs        []JobSlot          `json:"resetJobs"`
	Overdrawn        bool               `json:"overdrawn"`
}

// Slot returns the job slot for offset.
func (s *Subscription) Slot(offset int) (JobSlot, bool) {
	for _, j := range s.ResetJobs {
		if j.Offset == offset {
			return j, true
		}
	}
	return JobSlot{}, false
}

// SetSlot records slot, replacing any slot with the same offset, and keeps
// slots ordered by offset.
func (s *Subscription) SetSlot(slot JobSlot) {
	s.ResetJobs = slices.DeleteFunc(s.ResetJobs, func(j JobSlot) bool { return j.Offset == slot.Offset })
	s.ResetJobs = append(s.ResetJobs, slot)
	slices.SortFunc(s.ResetJobs, func(a, b JobSlot) int { return a.Offset - b.Offset })
}

// DropSlot removes the slot for offset.
func (s *Subscription) DropSlot(offset int) {
	s.ResetJobs = slices.DeleteFunc(s.ResetJobs, func(j JobSlot) bool { return j.Offset == offset })
}

// Clone returns a deep copy.
func (s *Subscription) Clone() *Subscription {
	cp := *s
	cp.ResetJobs = slices.Clone(s.ResetJobs)
	return &cp
}

// Client is a sub-account with its own login and credit balance. Credits is
// an operator-managed counter; deductions and resets only touch
// Subscription.RemainingCredits.
type Client struct {
	ID           string        `json:"id"`
	OwnerID      string        `json:"ownerId"`
	Name         string        `json:"name"`
	Username     string        `json:"username"`
	Email        string        `json:"email,omitempty"`
	PasswordHash string        `json:"-"`
	Credits      int64         `json:"credits"`
	AgentIDs     []string      `json:"agentIds"`
	Subscription *Subscription `json:"subscription,omitempty"`
	CreatedAt    time.Time     `json:"createdAt"`
	UpdatedAt    time.Time     `json:"updatedAt"`
}

// HasAgent reports whether agentID is assigned to the client.
func (c *Client) HasAgent(agentID string) bool {
	return slices.Contains(c.AgentIDs, agentID)
}

// Clone returns a deep copy.
func (c *Client) Clone() *Client {
	cp := *c
	cp.AgentIDs = slices.Clone(c.AgentIDs)
	if c.Subscription != nil {
		cp.Subscription = c.Subscription.Clone()
	}
	return &cp
}
