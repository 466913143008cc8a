package agent

import "context"

// Store persists agents.
type Store interface {
	Create(ctx context.Context, a *Agent) error
	Get(ctx context.Context, id string) (*Agent, error)
	GetByExternalID(ctx context.Context, externalID string) (*Agent, error)
	// ListByOwner returns the owner's agents oldest first. A non-empty tag
	// filters to agents carrying it.
	ListByOwner(ctx context.Context, ownerID, tag string) ([]*Agent, error)
	Update(ctx context.Context, a *Agent) error
	Delete(ctx context.Context, id string) error
}
