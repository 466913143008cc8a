package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PostgresStore persists jobs in PostgreSQL. Claim uses SKIP LOCKED so
// several runners can share the table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed job store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const jobColumns = `id, kind, client_id, month_offset, fire_at, status, attempts, last_error, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*Job, error) {
	j := &Job{}
	var status string
	err := row.Scan(&j.ID, &j.Kind, &j.ClientID, &j.Offset, &j.FireAt, &status, &j.Attempts, &j.LastError, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	j.Status = Status(status)
	return j, nil
}

func scanJobs(rows *sql.Rows) ([]*Job, error) {
	defer func() { _ = rows.Close() }()
	var out []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Create(ctx context.Context, j *Job) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO scheduled_jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		j.ID, j.Kind, j.ClientID, j.Offset, j.FireAt, string(j.Status), j.Attempts, j.LastError, j.CreatedAt, j.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Job, error) {
	return scanJob(p.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM scheduled_jobs WHERE id = $1`, id))
}

func (p *PostgresStore) ListByClient(ctx context.Context, clientID string, liveOnly bool) ([]*Job, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM scheduled_jobs
		WHERE client_id = $1 AND (NOT $2 OR status IN ('pending', 'running'))
		ORDER BY fire_at, id`, clientID, liveOnly)
	if err != nil {
		return nil, err
	}
	return scanJobs(rows)
}

func (p *PostgresStore) Claim(ctx context.Context, now, staleBefore time.Time, limit int) ([]*Job, error) {
	rows, err := p.db.QueryContext(ctx, `
		UPDATE scheduled_jobs SET status = 'running', attempts = attempts + 1, updated_at = $1
		WHERE id IN (
			SELECT id FROM scheduled_jobs
			WHERE (status = 'pending' AND fire_at <= $1)
			   OR (status = 'running' AND updated_at < $2)
			ORDER BY fire_at, id
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns, now, staleBefore, limit)
	if err != nil {
		return nil, err
	}
	return scanJobs(rows)
}

func (p *PostgresStore) Cancel(ctx context.Context, id string, now time.Time) (*Job, error) {
	j, err := scanJob(p.db.QueryRowContext(ctx, `
		UPDATE scheduled_jobs SET status = 'cancelled', updated_at = $2
		WHERE id = $1 AND status IN ('pending', 'running')
		RETURNING `+jobColumns, id, now))
	if errors.Is(err, ErrJobNotFound) {
		// already terminal, or missing
		return p.Get(ctx, id)
	}
	return j, err
}

func (p *PostgresStore) Finish(ctx context.Context, id string, status Status, lastError string, now time.Time) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE scheduled_jobs SET status = $2, last_error = $3, updated_at = $4
		WHERE id = $1 AND status = 'running'`, id, string(status), lastError, now)
	return err
}

func (p *PostgresStore) Requeue(ctx context.Context, id string, fireAt time.Time, lastError string, now time.Time) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE scheduled_jobs SET status = 'pending', fire_at = $2, last_error = $3, updated_at = $4
		WHERE id = $1 AND status = 'running'`, id, fireAt, lastError, now)
	return err
}

var _ Store = (*PostgresStore)(nil)
