package usage

import (
	"context"
	"database/sql"

	"github.com/voicedesk/voicedesk/internal/pagination"
)

// PostgresStore persists usage records in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed usage store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Append(ctx context.Context, r *Record) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO usage_records (id, client_id, agent_id, external_agent_id, cost, charged, unbilled, balance_after, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		r.ID, r.ClientID, r.AgentID, r.ExternalAgentID, r.Cost, r.Charged, r.Unbilled, r.BalanceAfter, r.CreatedAt,
	)
	return err
}

func (p *PostgresStore) ListByClient(ctx context.Context, clientID string, limit int, after *pagination.Cursor) ([]*Record, error) {
	const cols = `SELECT id, client_id, agent_id, external_agent_id, cost, charged, unbilled, balance_after, created_at FROM usage_records`
	var (
		rows *sql.Rows
		err  error
	)
	if after == nil {
		rows, err = p.db.QueryContext(ctx, cols+`
			WHERE client_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2`, clientID, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, cols+`
			WHERE client_id = $1 AND (created_at, id) < ($3, $4)
			ORDER BY created_at DESC, id DESC
			LIMIT $2`, clientID, limit, after.CreatedAt, after.ID)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Record
	for rows.Next() {
		r := &Record{}
		if err := rows.Scan(&r.ID, &r.ClientID, &r.AgentID, &r.ExternalAgentID, &r.Cost, &r.Charged, &r.Unbilled, &r.BalanceAfter, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

var _ Store = (*PostgresStore)(nil)
