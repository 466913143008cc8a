package agent

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"
)

// PostgresStore persists agents in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed agent store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func (p *PostgresStore) Create(ctx context.Context, a *Agent) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO agents (id, owner_id, name, description, tags, external_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.ID, a.OwnerID, a.Name, a.Description, pq.Array(a.Tags), a.ExternalID, a.CreatedAt, a.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrExternalIDTaken
	}
	return err
}

const selectAgent = `SELECT id, owner_id, name, description, tags, external_id, created_at, updated_at FROM agents`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Agent, error) {
	return scanAgent(p.db.QueryRowContext(ctx, selectAgent+` WHERE id = $1`, id))
}

func (p *PostgresStore) GetByExternalID(ctx context.Context, externalID string) (*Agent, error) {
	return scanAgent(p.db.QueryRowContext(ctx, selectAgent+` WHERE external_id = $1`, externalID))
}

func (p *PostgresStore) ListByOwner(ctx context.Context, ownerID, tag string) ([]*Agent, error) {
	rows, err := p.db.QueryContext(ctx, selectAgent+`
		WHERE owner_id = $1 AND ($2 = '' OR $2 = ANY(tags))
		ORDER BY created_at, id`, ownerID, tag)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Update(ctx context.Context, a *Agent) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE agents SET name = $1, description = $2, tags = $3, external_id = $4, updated_at = $5
		WHERE id = $6`,
		a.Name, a.Description, pq.Array(a.Tags), a.ExternalID, a.UpdatedAt, a.ID,
	)
	if isUniqueViolation(err) {
		return ErrExternalIDTaken
	}
	if err != nil {
		return err
	}
	return requireRow(result)
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx, `DELETE FROM agents WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return requireRow(result)
}

func requireRow(result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrAgentNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAgent(row scanner) (*Agent, error) {
	a := &Agent{}
	var tags pq.StringArray
	err := row.Scan(&a.ID, &a.OwnerID, &a.Name, &a.Description, &tags, &a.ExternalID, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, err
	}
	a.Tags = []string(tags)
	if a.Tags == nil {
		a.Tags = []string{}
	}
	return a, nil
}

var _ Store = (*PostgresStore)(nil)
