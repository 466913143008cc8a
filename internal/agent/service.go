package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/voicedesk/voicedesk/internal/idgen"
	"github.com/voicedesk/voicedesk/internal/logging"
)

// Unassigner removes an agent from every client it is assigned to.
type Unassigner interface {
	UnassignEverywhere(ctx context.Context, agentID string) error
}

// Service manages agents.
type Service struct {
	store      Store
	unassigner Unassigner
	now        func() time.Time
}

// NewService creates an agent service.
func NewService(store Store) *Service {
	return &Service{store: store, now: time.Now}
}

// WithUnassigner sets the hook used by Delete to detach the agent from
// clients.
func (s *Service) WithUnassigner(u Unassigner) *Service {
	s.unassigner = u
	return s
}

// CreateInput describes a new agent.
type CreateInput struct {
	Name        string
	Description string
	Tags        []string
	ExternalID  string
}

// Create registers an agent for ownerID.
func (s *Service) Create(ctx context.Context, ownerID string, in CreateInput) (*Agent, error) {
	now := s.now()
	a := &Agent{
		ID:          idgen.New(idgen.PrefixAgent),
		OwnerID:     ownerID,
		Name:        in.Name,
		Description: in.Description,
		Tags:        normalizeTags(in.Tags),
		ExternalID:  in.ExternalID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.Create(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// Get returns an agent.
func (s *Service) Get(ctx context.Context, id string) (*Agent, error) {
	return s.store.Get(ctx, id)
}

// GetOwned returns an agent if ownerID owns it. An empty ownerID skips the
// check (admin).
func (s *Service) GetOwned(ctx context.Context, id, ownerID string) (*Agent, error) {
	a, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if ownerID != "" && a.OwnerID != ownerID {
		return nil, ErrNotOwner
	}
	return a, nil
}

// GetByExternalID looks up an agent by the voice platform's identifier.
func (s *Service) GetByExternalID(ctx context.Context, externalID string) (*Agent, error) {
	return s.store.GetByExternalID(ctx, externalID)
}

// List returns ownerID's agents, optionally filtered by tag.
func (s *Service) List(ctx context.Context, ownerID, tag string) ([]*Agent, error) {
	return s.store.ListByOwner(ctx, ownerID, tag)
}

// UpdateInput carries optional changes.
type UpdateInput struct {
	Name        *string
	Description *string
	Tags        []string
	ExternalID  *string
}

// Update applies in to an owned agent.
func (s *Service) Update(ctx context.Context, id, ownerID string, in UpdateInput) (*Agent, error) {
	a, err := s.GetOwned(ctx, id, ownerID)
	if err != nil {
		return nil, err
	}
	if in.Name != nil {
		a.Name = *in.Name
	}
	if in.Description != nil {
		a.Description = *in.Description
	}
	if in.Tags != nil {
		a.Tags = normalizeTags(in.Tags)
	}
	if in.ExternalID != nil {
		a.ExternalID = *in.ExternalID
	}
	a.UpdatedAt = s.now()
	if err := s.store.Update(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// Delete unassigns the agent from all clients, then removes it.
func (s *Service) Delete(ctx context.Context, id, ownerID string) error {
	if _, err := s.GetOwned(ctx, id, ownerID); err != nil {
		return err
	}
	if s.unassigner != nil {
		if err := s.unassigner.UnassignEverywhere(ctx, id); err != nil {
			return fmt.Errorf("unassign agent %s: %w", id, err)
		}
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	logging.L(ctx).Info("agent deleted", "agentId", id)
	return nil
}
