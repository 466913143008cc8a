package webhooks

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/voicedesk/voicedesk/internal/events"
	"github.com/voicedesk/voicedesk/internal/idgen"
	"github.com/voicedesk/voicedesk/internal/logging"
	"github.com/voicedesk/voicedesk/internal/security"
)

// Service manages endpoint registrations.
type Service struct {
	store  Store
	policy security.URLPolicy
	now    func() time.Time
}

// NewService creates a webhook registration service.
func NewService(store Store, policy security.URLPolicy) *Service {
	return &Service{store: store, policy: policy, now: time.Now}
}

// Create registers url for ownerID. The returned endpoint carries the
// signing secret; it is not retrievable afterwards.
func (s *Service) Create(ctx context.Context, ownerID, url string, types []events.Type) (*Endpoint, error) {
	if len(types) == 0 {
		return nil, fmt.Errorf("%w: at least one event type required", ErrInvalidEvent)
	}
	for _, t := range types {
		if !t.Valid() {
			return nil, fmt.Errorf("%w: %q", ErrInvalidEvent, t)
		}
	}
	if err := s.policy.Check(ctx, url); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}

	slices.Sort(types)
	ep := &Endpoint{
		ID:        idgen.New(idgen.PrefixWebhook),
		OwnerID:   ownerID,
		URL:       url,
		Secret:    idgen.Hex(32),
		Events:    slices.Compact(types),
		Active:    true,
		CreatedAt: s.now().UTC().Truncate(time.Microsecond),
	}
	if err := s.store.Create(ctx, ep); err != nil {
		return nil, err
	}
	logging.L(ctx).Info("webhook registered", "webhookId", ep.ID, "ownerId", ownerID, "events", ep.Events)
	return ep, nil
}

// List returns ownerID's endpoints, newest first.
func (s *Service) List(ctx context.Context, ownerID string) ([]*Endpoint, error) {
	return s.store.ListByOwner(ctx, ownerID)
}

// Delete removes an endpoint. A non-empty ownerID must own it.
func (s *Service) Delete(ctx context.Context, id, ownerID string) error {
	ep, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if ownerID != "" && ep.OwnerID != ownerID {
		return ErrNotFound
	}
	return s.store.Delete(ctx, id)
}
