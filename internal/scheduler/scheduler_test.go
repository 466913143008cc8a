package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicedesk/voicedesk/internal/retry"
	"github.com/voicedesk/voicedesk/internal/testutil"
)

var t0 = time.Date(2026, 1, 31, 12, 0, 0, 0, time.UTC)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestRunner(store Store, clk *clock) *Runner {
	r := NewRunner(store, time.Second, slog.New(slog.NewTextHandler(io.Discard, nil)))
	r.policy = retry.Policy{Attempts: 2, BaseDelay: time.Millisecond}
	r.now = clk.now
	return r
}

func TestStatus(t *testing.T) {
	assert.True(t, StatusPending.Live())
	assert.True(t, StatusRunning.Live())
	for _, s := range []Status{StatusCompleted, StatusCancelled, StatusFailed} {
		assert.True(t, s.Terminal(), s)
	}
}

func TestService_RunAtAndCancel(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()

	_, err := svc.RunAt(ctx, KindCreditReset, "", 1, t0)
	assert.ErrorIs(t, err, ErrInvalidJob)

	j, err := svc.RunAt(ctx, KindCreditReset, "cli_1", 1, t0)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, j.Status)

	live, err := svc.ListByClient(ctx, "cli_1", true)
	require.NoError(t, err)
	assert.Len(t, live, 1)

	cancelled, err := svc.Cancel(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)

	again, err := svc.Cancel(ctx, j.ID)
	require.NoError(t, err, "cancelling twice is a no-op")
	assert.Equal(t, StatusCancelled, again.Status)

	live, _ = svc.ListByClient(ctx, "cli_1", true)
	assert.Empty(t, live)
	all, _ := svc.ListByClient(ctx, "cli_1", false)
	assert.Len(t, all, 1)

	_, err = svc.Cancel(ctx, "job_missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestRunner_FiresDueJobsOnce(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store)
	clk := &clock{t: t0}
	r := newTestRunner(store, clk)
	ctx := context.Background()

	var calls atomic.Int32
	r.Handle(KindCreditReset, func(context.Context, *Job) error {
		calls.Add(1)
		return nil
	})

	due, _ := svc.RunAt(ctx, KindCreditReset, "cli_1", 1, t0.Add(-time.Minute))
	later, _ := svc.RunAt(ctx, KindCreditReset, "cli_1", 2, t0.Add(time.Hour))
	skipped, _ := svc.RunAt(ctx, KindCreditReset, "cli_1", 3, t0.Add(-time.Minute))
	_, _ = svc.Cancel(ctx, skipped.ID)

	n, err := r.RunDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.EqualValues(t, 1, calls.Load())

	n, _ = r.RunDue(ctx)
	assert.Zero(t, n, "completed jobs never fire again")

	got, _ := svc.Get(ctx, due.ID)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, 1, got.Attempts)
	got, _ = svc.Get(ctx, later.ID)
	assert.Equal(t, StatusPending, got.Status)
	got, _ = svc.Get(ctx, skipped.ID)
	assert.Equal(t, StatusCancelled, got.Status)

	clk.t = t0.Add(2 * time.Hour)
	n, _ = r.RunDue(ctx)
	assert.Equal(t, 1, n)
	assert.EqualValues(t, 2, calls.Load())
}

func TestRunner_PermanentFailure(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store)
	clk := &clock{t: t0}
	r := newTestRunner(store, clk)
	ctx := context.Background()

	var calls atomic.Int32
	r.Handle(KindCreditReset, func(context.Context, *Job) error {
		calls.Add(1)
		return retry.Permanent(errors.New("client gone"))
	})
	j, _ := svc.RunAt(ctx, KindCreditReset, "cli_1", 1, t0)

	_, err := r.RunDue(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, calls.Load(), "permanent errors are not retried")

	got, _ := svc.Get(ctx, j.ID)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "client gone", got.LastError)
}

func TestRunner_UnknownKindFails(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store)
	r := newTestRunner(store, &clock{t: t0})
	ctx := context.Background()

	j, _ := svc.RunAt(ctx, "mystery", "cli_1", 0, t0)
	_, _ = r.RunDue(ctx)

	got, _ := svc.Get(ctx, j.ID)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Contains(t, got.LastError, "mystery")
}

func TestRunner_TransientFailureRequeues(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store)
	clk := &clock{t: t0}
	r := newTestRunner(store, clk)
	r.maxAttempts = 2
	ctx := context.Background()

	var calls atomic.Int32
	r.Handle(KindCreditReset, func(context.Context, *Job) error {
		calls.Add(1)
		return errors.New("db blip")
	})
	j, _ := svc.RunAt(ctx, KindCreditReset, "cli_1", 1, t0)

	_, _ = r.RunDue(ctx)
	assert.EqualValues(t, 2, calls.Load(), "in-process retries")
	got, _ := svc.Get(ctx, j.ID)
	assert.Equal(t, StatusPending, got.Status)
	assert.True(t, got.FireAt.After(t0))
	assert.Equal(t, "db blip", got.LastError)

	clk.t = got.FireAt
	_, _ = r.RunDue(ctx)
	got, _ = svc.Get(ctx, j.ID)
	assert.Equal(t, StatusFailed, got.Status, "attempt budget exhausted")
	assert.Equal(t, 2, got.Attempts)
}

func TestRunner_ReclaimsStaleRunningJobs(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store)
	clk := &clock{t: t0}
	r := newTestRunner(store, clk)
	ctx := context.Background()

	j, _ := svc.RunAt(ctx, KindCreditReset, "cli_1", 1, t0)
	claimed, err := store.Claim(ctx, t0, t0.Add(-time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	var calls atomic.Int32
	r.Handle(KindCreditReset, func(context.Context, *Job) error {
		calls.Add(1)
		return nil
	})

	n, _ := r.RunDue(ctx)
	assert.Zero(t, n, "a fresh running job belongs to another runner")

	clk.t = t0.Add(11 * time.Minute)
	n, _ = r.RunDue(ctx)
	assert.Equal(t, 1, n)
	got, _ := svc.Get(ctx, j.ID)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, 2, got.Attempts)
}

func TestRunner_CancelDuringExecutionWins(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store)
	r := newTestRunner(store, &clock{t: t0})
	ctx := context.Background()

	j, _ := svc.RunAt(ctx, KindCreditReset, "cli_1", 1, t0)
	r.Handle(KindCreditReset, func(ctx context.Context, job *Job) error {
		_, err := svc.Cancel(ctx, job.ID)
		return err
	})
	_, _ = r.RunDue(ctx)

	got, _ := svc.Get(ctx, j.ID)
	assert.Equal(t, StatusCancelled, got.Status)
}

func TestRunner_StartStop(t *testing.T) {
	r := NewRunner(NewMemoryStore(), 5*time.Millisecond, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		r.Start(ctx)
		close(done)
	}()

	require.Eventually(t, r.Running, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return !r.LastTick().IsZero() }, time.Second, time.Millisecond)

	r.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("runner did not stop")
	}
	assert.False(t, r.Running())
}

func TestPostgresStore(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	svc := NewService(store)
	ctx := context.Background()

	due, err := svc.RunAt(ctx, KindCreditReset, "cli_pg", 1, t0)
	require.NoError(t, err)
	later, err := svc.RunAt(ctx, KindCreditReset, "cli_pg", 2, t0.Add(time.Hour))
	require.NoError(t, err)

	claimed, err := store.Claim(ctx, t0, t0.Add(-10*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, due.ID, claimed[0].ID)
	assert.Equal(t, StatusRunning, claimed[0].Status)
	assert.Equal(t, 1, claimed[0].Attempts)

	require.NoError(t, store.Finish(ctx, due.ID, StatusCompleted, "", t0))
	cancelled, err := svc.Cancel(ctx, due.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, cancelled.Status, "terminal jobs stay terminal")

	cancelled, err = svc.Cancel(ctx, later.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)

	live, err := svc.ListByClient(ctx, "cli_pg", true)
	require.NoError(t, err)
	assert.Empty(t, live)
	all, err := svc.ListByClient(ctx, "cli_pg", false)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = svc.Cancel(ctx, "job_missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}
