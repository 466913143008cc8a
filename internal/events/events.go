// Package events defines the domain events emitted on credit and
// subscription changes and fans them out to subscribers such as webhooks
// and the realtime hub.
package events

import (
	"context"
	"time"

	"github.com/voicedesk/voicedesk/internal/idgen"
)

// Type names an event.
type Type string

const (
	SubscriptionCreated   Type = "subscription.created"
	SubscriptionUpdated   Type = "subscription.updated"
	SubscriptionCancelled Type = "subscription.cancelled"
	CreditsReset          Type = "credits.reset"
	CreditsDeducted       Type = "credits.deducted"
	CreditsOverdrawn      Type = "credits.overdrawn"
)

// AllTypes lists every event type, in documentation order.
var AllTypes = []Type{
	SubscriptionCreated,
	SubscriptionUpdated,
	SubscriptionCancelled,
	CreditsReset,
	CreditsDeducted,
	CreditsOverdrawn,
}

// Valid reports whether t is a known event type.
func (t Type) Valid() bool {
	for _, k := range AllTypes {
		if k == t {
			return true
		}
	}
	return false
}

// Event is one occurrence, scoped to the owning user and the client it
// concerns.
type Event struct {
	ID        string         `json:"id"`
	Type      Type           `json:"type"`
	OwnerID   string         `json:"ownerId"`
	ClientID  string         `json:"clientId"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// New builds an event stamped with a fresh ID and the current time.
func New(t Type, ownerID, clientID string, data map[string]any) *Event {
	return &Event{
		ID:        idgen.New(idgen.PrefixEvent),
		Type:      t,
		OwnerID:   ownerID,
		ClientID:  clientID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// Publisher receives events. Publish must not block on slow consumers.
type Publisher interface {
	Publish(ctx context.Context, e *Event)
}

// Fanout publishes to every member.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, e *Event) {
	for _, p := range f {
		if p != nil {
			p.Publish(ctx, e)
		}
	}
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, *Event) {}
