package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/voicedesk/voicedesk/internal/idgen"
	"github.com/voicedesk/voicedesk/internal/logging"
)

// Service schedules and cancels jobs.
type Service struct {
	store Store
	now   func() time.Time
}

// NewService creates a scheduler service.
func NewService(store Store) *Service {
	return &Service{store: store, now: time.Now}
}

// RunAt schedules a job of kind for clientID to fire at fireAt.
func (s *Service) RunAt(ctx context.Context, kind, clientID string, offset int, fireAt time.Time) (*Job, error) {
	if kind == "" || clientID == "" || fireAt.IsZero() {
		return nil, ErrInvalidJob
	}
	now := s.now()
	j := &Job{
		ID:        idgen.New(idgen.PrefixJob),
		Kind:      kind,
		ClientID:  clientID,
		Offset:    offset,
		FireAt:    fireAt.UTC(),
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Create(ctx, j); err != nil {
		return nil, fmt.Errorf("schedule %s for %s: %w", kind, clientID, err)
	}
	logging.L(ctx).Debug("job scheduled", "jobId", j.ID, "kind", kind, "clientId", clientID, "offset", offset, "fireAt", j.FireAt)
	return j, nil
}

// Cancel stops a job from running. Cancelling a job that already finished
// or was cancelled is a no-op.
func (s *Service) Cancel(ctx context.Context, id string) (*Job, error) {
	return s.store.Cancel(ctx, id, s.now())
}

// Get returns a job.
func (s *Service) Get(ctx context.Context, id string) (*Job, error) {
	return s.store.Get(ctx, id)
}

// ListByClient returns a client's jobs, optionally only the live ones.
func (s *Service) ListByClient(ctx context.Context, clientID string, liveOnly bool) ([]*Job, error) {
	return s.store.ListByClient(ctx, clientID, liveOnly)
}
