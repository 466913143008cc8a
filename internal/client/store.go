package client

import "context"

// MutateFunc edits a client in place. Returning an error aborts the write.
type MutateFunc func(c *Client) error

// Store persists clients and the agent assignment index.
type Store interface {
	Create(ctx context.Context, c *Client) error
	Get(ctx context.Context, id string) (*Client, error)
	GetByUsername(ctx context.Context, username string) (*Client, error)
	ListByOwner(ctx context.Context, ownerID string) ([]*Client, error)
	// ListByAgent returns the clients an agent is assigned to.
	ListByAgent(ctx context.Context, agentID string) ([]*Client, error)

	// Mutate runs fn on the current record and persists the result
	// atomically with respect to other Mutate calls on the same client.
	// Agent assignments are not written by Mutate.
	Mutate(ctx context.Context, id string, fn MutateFunc) (*Client, error)

	AssignAgent(ctx context.Context, clientID, agentID string) error
	UnassignAgent(ctx context.Context, clientID, agentID string) error
	// UnassignAgentEverywhere removes agentID from all clients.
	UnassignAgentEverywhere(ctx context.Context, agentID string) error

	Delete(ctx context.Context, id string) error
}
