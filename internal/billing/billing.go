// Package billing applies Stripe subscription lifecycle events to client
// subscriptions.
//
// The Stripe subscription carries the target in its metadata: client_id,
// tier and interval_months.
package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/voicedesk/voicedesk/internal/client"
	"github.com/voicedesk/voicedesk/internal/subscription"
)

// Metadata keys read from the Stripe subscription.
const (
	MetaClientID = "client_id"
	MetaTier     = "tier"
	MetaInterval = "interval_months"
)

// Stripe event types handled.
const (
	EventSubscriptionCreated = "customer.subscription.created"
	EventSubscriptionUpdated = "customer.subscription.updated"
	EventSubscriptionDeleted = "customer.subscription.deleted"
)

var (
	ErrInvalidSignature = errors.New("billing: invalid webhook signature")
	ErrMissingMetadata  = errors.New("billing: subscription metadata incomplete")
)

// Subscriptions is the part of the subscription service billing drives.
type Subscriptions interface {
	Subscribe(ctx context.Context, clientID, tier string, interval int) (*client.Subscription, error)
	Update(ctx context.Context, clientID, tier string, interval int) (*client.Subscription, error)
	Unsubscribe(ctx context.Context, clientID string) error
}

// Outcome describes what a webhook event did.
type Outcome string

const (
	OutcomeSubscribed   Outcome = "subscribed"
	OutcomeUpdated      Outcome = "updated"
	OutcomeUnsubscribed Outcome = "unsubscribed"
	OutcomeIgnored      Outcome = "ignored"
)

// Service verifies and applies Stripe webhooks.
type Service struct {
	subs          Subscriptions
	webhookSecret string
	logger        *slog.Logger
}

// NewService creates a billing service.
func NewService(subs Subscriptions, webhookSecret string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{subs: subs, webhookSecret: webhookSecret, logger: logger}
}

// HandleWebhookEvent verifies and processes a Stripe webhook event.
func (s *Service) HandleWebhookEvent(ctx context.Context, payload []byte, sigHeader string) (Outcome, error) {
	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, s.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return OutcomeIgnored, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return s.processEvent(ctx, event)
}

type target struct {
	clientID string
	tier     string
	interval int
}

func parseTarget(sub *stripe.Subscription, needPlan bool) (target, error) {
	t := target{clientID: sub.Metadata[MetaClientID], tier: sub.Metadata[MetaTier]}
	if t.clientID == "" {
		return t, fmt.Errorf("%w: %s missing", ErrMissingMetadata, MetaClientID)
	}
	if !needPlan {
		return t, nil
	}
	if t.tier == "" {
		return t, fmt.Errorf("%w: %s missing", ErrMissingMetadata, MetaTier)
	}
	t.interval = 1
	if v := sub.Metadata[MetaInterval]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return t, fmt.Errorf("%w: %s=%q", ErrMissingMetadata, MetaInterval, v)
		}
		t.interval = n
	}
	return t, nil
}

// ended reports whether a Stripe status means the plan no longer applies.
func ended(status stripe.SubscriptionStatus) bool {
	switch status {
	case stripe.SubscriptionStatusCanceled,
		stripe.SubscriptionStatusUnpaid,
		stripe.SubscriptionStatusIncompleteExpired:
		return true
	}
	return false
}

func (s *Service) processEvent(ctx context.Context, event stripe.Event) (Outcome, error) {
	switch event.Type {
	case EventSubscriptionCreated, EventSubscriptionUpdated, EventSubscriptionDeleted:
	default:
		s.logger.Info("unhandled billing event", "event_type", event.Type)
		return OutcomeIgnored, nil
	}

	if event.Data == nil {
		return OutcomeIgnored, fmt.Errorf("event %s has no data", event.ID)
	}
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return OutcomeIgnored, fmt.Errorf("parse subscription: %w", err)
	}

	deleting := event.Type == EventSubscriptionDeleted || ended(sub.Status)
	t, err := parseTarget(&sub, !deleting)
	if err != nil {
		// redelivery cannot fix metadata, so acknowledge and move on
		s.logger.Warn("billing event ignored", "event_id", event.ID, "subscription", sub.ID, "error", err)
		return OutcomeIgnored, nil
	}

	if deleting {
		return s.cancel(ctx, t, sub.ID)
	}
	return s.apply(ctx, t, sub.ID)
}

func (s *Service) apply(ctx context.Context, t target, stripeID string) (Outcome, error) {
	_, err := s.subs.Subscribe(ctx, t.clientID, t.tier, t.interval)
	outcome := OutcomeSubscribed
	if errors.Is(err, subscription.ErrAlreadySubscribed) {
		_, err = s.subs.Update(ctx, t.clientID, t.tier, t.interval)
		outcome = OutcomeUpdated
	}
	switch {
	case errors.Is(err, client.ErrClientNotFound),
		errors.Is(err, subscription.ErrInvalidTier),
		errors.Is(err, subscription.ErrInvalidInterval):
		s.logger.Warn("billing event ignored", "subscription", stripeID, "client_id", t.clientID, "error", err)
		return OutcomeIgnored, nil
	case err != nil:
		return OutcomeIgnored, fmt.Errorf("apply %s to %s: %w", stripeID, t.clientID, err)
	}
	s.logger.Info("billing subscription applied", "subscription", stripeID, "client_id", t.clientID,
		"tier", t.tier, "interval", t.interval, "outcome", outcome)
	return outcome, nil
}

func (s *Service) cancel(ctx context.Context, t target, stripeID string) (Outcome, error) {
	err := s.subs.Unsubscribe(ctx, t.clientID)
	switch {
	case errors.Is(err, subscription.ErrNotSubscribed), errors.Is(err, client.ErrClientNotFound):
		return OutcomeIgnored, nil
	case err != nil:
		return OutcomeIgnored, fmt.Errorf("cancel %s for %s: %w", stripeID, t.clientID, err)
	}
	s.logger.Info("billing subscription cancelled", "subscription", stripeID, "client_id", t.clientID)
	return OutcomeUnsubscribed, nil
}
