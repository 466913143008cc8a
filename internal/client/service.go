package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/voicedesk/voicedesk/internal/agent"
	"github.com/voicedesk/voicedesk/internal/auth"
	"github.com/voicedesk/voicedesk/internal/idgen"
	"github.com/voicedesk/voicedesk/internal/logging"
	"github.com/voicedesk/voicedesk/internal/validation"
)

// AgentLookup resolves agents for assignment checks.
type AgentLookup interface {
	GetOwned(ctx context.Context, id, ownerID string) (*agent.Agent, error)
}

// JobCanceller tears down a client's subscription and scheduled jobs before
// the client is deleted.
type JobCanceller interface {
	CancelAllForClient(ctx context.Context, clientID string) error
}

// Service manages clients.
type Service struct {
	store     Store
	agents    AgentLookup
	issuer    *auth.Issuer
	canceller JobCanceller
	now       func() time.Time
}

// NewService creates a client service.
func NewService(store Store, agents AgentLookup, issuer *auth.Issuer) *Service {
	return &Service{store: store, agents: agents, issuer: issuer, now: time.Now}
}

// WithJobCanceller sets the hook Delete uses to cancel scheduled work.
func (s *Service) WithJobCanceller(jc JobCanceller) *Service {
	s.canceller = jc
	return s
}

// Store exposes the underlying store to collaborating services.
func (s *Service) Store() Store { return s.store }

// CreateInput describes a new client.
type CreateInput struct {
	Name     string
	Username string
	Email    string
	Password string
}

// Create provisions a client for ownerID.
func (s *Service) Create(ctx context.Context, ownerID string, in CreateInput) (*Client, error) {
	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		return nil, err
	}
	now := s.now()
	c := &Client{
		ID:           idgen.New(idgen.PrefixClient),
		OwnerID:      ownerID,
		Name:         in.Name,
		Username:     in.Username,
		Email:        validation.NormalizeEmail(in.Email),
		PasswordHash: hash,
		AgentIDs:     []string{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.Create(ctx, c); err != nil {
		return nil, err
	}
	logging.L(ctx).Info("client created", "clientId", c.ID, "ownerId", ownerID)
	return c, nil
}

// Get returns a client.
func (s *Service) Get(ctx context.Context, id string) (*Client, error) {
	return s.store.Get(ctx, id)
}

// GetOwned returns a client if ownerID owns it. An empty ownerID skips the
// check.
func (s *Service) GetOwned(ctx context.Context, id, ownerID string) (*Client, error) {
	c, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if ownerID != "" && c.OwnerID != ownerID {
		return nil, ErrNotOwner
	}
	return c, nil
}

// List returns ownerID's clients.
func (s *Service) List(ctx context.Context, ownerID string) ([]*Client, error) {
	return s.store.ListByOwner(ctx, ownerID)
}

// UpdateInput carries optional changes. Credits is admin-only and enforced
// by the handler.
type UpdateInput struct {
	Name     *string
	Email    *string
	Password *string
	Credits  *int64
}

// Update applies in to an owned client.
func (s *Service) Update(ctx context.Context, id, ownerID string, in UpdateInput) (*Client, error) {
	var hash string
	if in.Password != nil {
		h, err := auth.HashPassword(*in.Password)
		if err != nil {
			return nil, err
		}
		hash = h
	}
	return s.store.Mutate(ctx, id, func(c *Client) error {
		if ownerID != "" && c.OwnerID != ownerID {
			return ErrNotOwner
		}
		if in.Name != nil {
			c.Name = *in.Name
		}
		if in.Email != nil {
			c.Email = validation.NormalizeEmail(*in.Email)
		}
		if hash != "" {
			c.PasswordHash = hash
		}
		if in.Credits != nil {
			c.Credits = *in.Credits
		}
		c.UpdatedAt = s.now()
		return nil
	})
}

// Delete cancels the client's subscription and jobs, then removes it.
func (s *Service) Delete(ctx context.Context, id, ownerID string) error {
	if _, err := s.GetOwned(ctx, id, ownerID); err != nil {
		return err
	}
	if s.canceller != nil {
		if err := s.canceller.CancelAllForClient(ctx, id); err != nil {
			return fmt.Errorf("cancel scheduled work for %s: %w", id, err)
		}
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	logging.L(ctx).Info("client deleted", "clientId", id)
	return nil
}

// AssignAgent assigns an agent owned by the client's owner.
func (s *Service) AssignAgent(ctx context.Context, clientID, ownerID, agentID string) (*Client, error) {
	c, err := s.GetOwned(ctx, clientID, ownerID)
	if err != nil {
		return nil, err
	}
	if _, err := s.agents.GetOwned(ctx, agentID, c.OwnerID); err != nil {
		return nil, err
	}
	if err := s.store.AssignAgent(ctx, clientID, agentID); err != nil {
		return nil, err
	}
	return s.store.Get(ctx, clientID)
}

// UnassignAgent removes an agent from a client.
func (s *Service) UnassignAgent(ctx context.Context, clientID, ownerID, agentID string) (*Client, error) {
	if _, err := s.GetOwned(ctx, clientID, ownerID); err != nil {
		return nil, err
	}
	if err := s.store.UnassignAgent(ctx, clientID, agentID); err != nil {
		return nil, err
	}
	return s.store.Get(ctx, clientID)
}

// UnassignEverywhere detaches agentID from every client.
func (s *Service) UnassignEverywhere(ctx context.Context, agentID string) error {
	return s.store.UnassignAgentEverywhere(ctx, agentID)
}

// Authenticate checks client credentials and issues a client session token.
func (s *Service) Authenticate(ctx context.Context, username, password string) (string, time.Time, *Client, error) {
	c, err := s.store.GetByUsername(ctx, username)
	if errors.Is(err, ErrClientNotFound) {
		return "", time.Time{}, nil, ErrInvalidLogin
	}
	if err != nil {
		return "", time.Time{}, nil, err
	}
	if err := auth.CheckPassword(c.PasswordHash, password); err != nil {
		return "", time.Time{}, nil, ErrInvalidLogin
	}
	token, exp, err := s.issuer.Issue(c.ID, auth.RoleClient)
	if err != nil {
		return "", time.Time{}, nil, err
	}
	return token, exp, c, nil
}

var _ agent.Unassigner = (*Service)(nil)
