package webhooks

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/voicedesk/voicedesk/internal/events"
)

// PostgresStore persists endpoints in PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed webhook store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const endpointColumns = `id, owner_id, url, secret, events, active, created_at, last_success, last_error`

func (p *PostgresStore) Create(ctx context.Context, ep *Endpoint) error {
	evs := make([]string, len(ep.Events))
	for i, e := range ep.Events {
		evs[i] = string(e)
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO webhooks (id, owner_id, url, secret, events, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, ep.ID, ep.OwnerID, ep.URL, ep.Secret, pq.Array(evs), ep.Active, ep.CreatedAt)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Endpoint, error) {
	ep, err := scanEndpoint(p.db.QueryRowContext(ctx,
		`SELECT `+endpointColumns+` FROM webhooks WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return ep, err
}

func (p *PostgresStore) ListByOwner(ctx context.Context, ownerID string) ([]*Endpoint, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+endpointColumns+` FROM webhooks WHERE owner_id = $1 ORDER BY created_at DESC`, ownerID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var eps []*Endpoint
	for rows.Next() {
		ep, err := scanEndpoint(rows)
		if err != nil {
			return nil, err
		}
		eps = append(eps, ep)
	}
	return eps, rows.Err()
}

func (p *PostgresStore) RecordDelivery(ctx context.Context, id string, at time.Time, errMsg string) error {
	var res sql.Result
	var err error
	if errMsg == "" {
		res, err = p.db.ExecContext(ctx,
			`UPDATE webhooks SET last_success = $1, last_error = '' WHERE id = $2`, at, id)
	} else {
		res, err = p.db.ExecContext(ctx,
			`UPDATE webhooks SET last_error = $1 WHERE id = $2`, errMsg, id)
	}
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM webhooks WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEndpoint(row scanner) (*Endpoint, error) {
	ep := &Endpoint{}
	var evs []string
	var lastSuccess sql.NullTime
	if err := row.Scan(&ep.ID, &ep.OwnerID, &ep.URL, &ep.Secret, pq.Array(&evs),
		&ep.Active, &ep.CreatedAt, &lastSuccess, &ep.LastError); err != nil {
		return nil, err
	}
	ep.Events = make([]events.Type, len(evs))
	for i, e := range evs {
		ep.Events[i] = events.Type(e)
	}
	if lastSuccess.Valid {
		ep.LastSuccess = &lastSuccess.Time
	}
	return ep, nil
}

var _ Store = (*PostgresStore)(nil)
