package client

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// PostgresStore persists clients in PostgreSQL. The subscription is stored
// as JSONB on the client row; assignments live in client_agents.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed client store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func mapPQError(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}
	switch pqErr.Code {
	case "23505":
		if pqErr.Constraint == "clients_email_key" {
			return ErrEmailTaken
		}
		return ErrUsernameTaken
	case "23503":
		return ErrClientNotFound
	}
	return err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// JSONB is bound as text; lib/pq would send []byte as bytea.
func marshalSubscription(s *Subscription) (sql.NullString, error) {
	if s == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func (p *PostgresStore) Create(ctx context.Context, c *Client) error {
	sub, err := marshalSubscription(c.Subscription)
	if err != nil {
		return err
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO clients (id, owner_id, name, username, email, password_hash, credits, subscription, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		c.ID, c.OwnerID, c.Name, c.Username, nullString(c.Email), c.PasswordHash, c.Credits, sub, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return mapPQError(err)
	}
	for _, a := range c.AgentIDs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO client_agents (client_id, agent_id) VALUES ($1, $2)
			ON CONFLICT DO NOTHING`, c.ID, a); err != nil {
			return err
		}
	}
	return tx.Commit()
}

const selectClient = `
	SELECT c.id, c.owner_id, c.name, c.username, c.email, c.password_hash, c.credits,
		c.subscription, c.created_at, c.updated_at,
		COALESCE((SELECT array_agg(ca.agent_id ORDER BY ca.agent_id)
			FROM client_agents ca WHERE ca.client_id = c.id), '{}')
	FROM clients c`

type scanner interface {
	Scan(dest ...any) error
}

func scanClient(row scanner) (*Client, error) {
	c := &Client{}
	var (
		email  sql.NullString
		sub    []byte
		agents pq.StringArray
	)
	err := row.Scan(&c.ID, &c.OwnerID, &c.Name, &c.Username, &email, &c.PasswordHash, &c.Credits,
		&sub, &c.CreatedAt, &c.UpdatedAt, &agents)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrClientNotFound
	}
	if err != nil {
		return nil, err
	}
	c.Email = email.String
	c.AgentIDs = []string(agents)
	if len(sub) > 0 {
		c.Subscription = &Subscription{}
		if err := json.Unmarshal(sub, c.Subscription); err != nil {
			return nil, fmt.Errorf("decode subscription for %s: %w", c.ID, err)
		}
	}
	return c, nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Client, error) {
	return scanClient(p.db.QueryRowContext(ctx, selectClient+` WHERE c.id = $1`, id))
}

func (p *PostgresStore) GetByUsername(ctx context.Context, username string) (*Client, error) {
	return scanClient(p.db.QueryRowContext(ctx, selectClient+` WHERE c.username = $1`, username))
}

func (p *PostgresStore) list(ctx context.Context, query string, args ...any) ([]*Client, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Client
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ListByOwner(ctx context.Context, ownerID string) ([]*Client, error) {
	return p.list(ctx, selectClient+` WHERE c.owner_id = $1 ORDER BY c.created_at, c.id`, ownerID)
}

func (p *PostgresStore) ListByAgent(ctx context.Context, agentID string) ([]*Client, error) {
	return p.list(ctx, selectClient+`
		JOIN client_agents x ON x.client_id = c.id
		WHERE x.agent_id = $1
		ORDER BY c.created_at, c.id`, agentID)
}

// Mutate locks the row with SELECT ... FOR UPDATE for the duration of fn.
func (p *PostgresStore) Mutate(ctx context.Context, id string, fn MutateFunc) (*Client, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	c, err := scanClient(tx.QueryRowContext(ctx, selectClient+` WHERE c.id = $1 FOR UPDATE OF c`, id))
	if err != nil {
		return nil, err
	}
	if err := fn(c); err != nil {
		return nil, err
	}
	sub, err := marshalSubscription(c.Subscription)
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE clients SET name = $1, email = $2, password_hash = $3, credits = $4,
			subscription = $5, updated_at = $6
		WHERE id = $7`,
		c.Name, nullString(c.Email), c.PasswordHash, c.Credits, sub, c.UpdatedAt, id,
	)
	if err != nil {
		return nil, mapPQError(err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return c, nil
}

func (p *PostgresStore) AssignAgent(ctx context.Context, clientID, agentID string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO client_agents (client_id, agent_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING`, clientID, agentID)
	return mapPQError(err)
}

func (p *PostgresStore) UnassignAgent(ctx context.Context, clientID, agentID string) error {
	result, err := p.db.ExecContext(ctx,
		`DELETE FROM client_agents WHERE client_id = $1 AND agent_id = $2`, clientID, agentID)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var exists bool
	if err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM clients WHERE id = $1)`, clientID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrClientNotFound
	}
	return ErrNotAssigned
}

func (p *PostgresStore) UnassignAgentEverywhere(ctx context.Context, agentID string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM client_agents WHERE agent_id = $1`, agentID)
	return err
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx, `DELETE FROM clients WHERE id = $1`, id)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrClientNotFound
	}
	return nil
}

var _ Store = (*PostgresStore)(nil)
