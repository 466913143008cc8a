// Package scheduler persists deferred jobs and runs them when they fall due.
//
// Jobs are keyed by client and month offset so callers can find and cancel
// the job occupying a slot. Execution is at-least-once: a job claimed by a
// runner that dies is reclaimed after StaleAfter.
package scheduler

import (
	"context"
	"errors"
	"time"
)

var (
	ErrJobNotFound = errors.New("scheduler: job not found")
	ErrInvalidJob  = errors.New("scheduler: invalid job")
	ErrUnknownKind = errors.New("scheduler: no handler for job kind")
)

// KindCreditReset restores a client's subscription credits.
const KindCreditReset = "credits.reset"

// Status is a job's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// Live reports whether the job may still run.
func (s Status) Live() bool {
	return s == StatusPending || s == StatusRunning
}

// Terminal reports whether the job will never run again.
func (s Status) Terminal() bool {
	return !s.Live()
}

// Job is a unit of deferred work.
type Job struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	ClientID  string    `json:"clientId"`
	Offset    int       `json:"monthOffset"`
	FireAt    time.Time `json:"fireAt"`
	Status    Status    `json:"status"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"lastError,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store persists jobs.
type Store interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	// ListByClient returns the client's jobs ordered by fire time. With
	// liveOnly set, only pending and running jobs are returned.
	ListByClient(ctx context.Context, clientID string, liveOnly bool) ([]*Job, error)

	// Claim moves up to limit jobs to running and increments their attempt
	// count. Claimable jobs are pending ones due at now and running ones
	// last touched before staleBefore.
	Claim(ctx context.Context, now, staleBefore time.Time, limit int) ([]*Job, error)

	// Cancel marks a live job cancelled. Terminal jobs are left untouched
	// and returned as they are.
	Cancel(ctx context.Context, id string, now time.Time) (*Job, error)

	// Finish records the outcome of a running job. It is a no-op when the
	// job is no longer running, so a cancel that raced with execution wins.
	Finish(ctx context.Context, id string, status Status, lastError string, now time.Time) error

	// Requeue returns a running job to pending with a new fire time.
	Requeue(ctx context.Context, id string, fireAt time.Time, lastError string, now time.Time) error
}
