package subscription

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/voicedesk/voicedesk/internal/client"
	"github.com/voicedesk/voicedesk/internal/events"
	"github.com/voicedesk/voicedesk/internal/logging"
	"github.com/voicedesk/voicedesk/internal/metrics"
	"github.com/voicedesk/voicedesk/internal/notify"
	"github.com/voicedesk/voicedesk/internal/retry"
	"github.com/voicedesk/voicedesk/internal/scheduler"
	"github.com/voicedesk/voicedesk/internal/syncutil"
	"github.com/voicedesk/voicedesk/internal/traces"
)

// Scheduler is the deferred job facility reset jobs are booked with.
type Scheduler interface {
	RunAt(ctx context.Context, kind, clientID string, offset int, fireAt time.Time) (*scheduler.Job, error)
	Cancel(ctx context.Context, id string) (*scheduler.Job, error)
	Get(ctx context.Context, id string) (*scheduler.Job, error)
	ListByClient(ctx context.Context, clientID string, liveOnly bool) ([]*scheduler.Job, error)
}

// Service owns subscription state. Operations on one client are serialized
// so job bookkeeping and the stored record move together.
type Service struct {
	clients client.Store
	jobs    Scheduler
	locks   *syncutil.KeyLock
	events  events.Publisher
	mailer  notify.Mailer
	now     func() time.Time
}

// NewService creates a subscription service.
func NewService(clients client.Store, jobs Scheduler) *Service {
	return &Service{
		clients: clients,
		jobs:    jobs,
		locks:   syncutil.NewKeyLock(),
		events:  events.Nop{},
		now:     time.Now,
	}
}

// WithEvents sets the event publisher.
func (s *Service) WithEvents(p events.Publisher) *Service {
	s.events = p
	return s
}

// WithMailer sets the mailer used for reset summaries.
func (s *Service) WithMailer(m notify.Mailer) *Service {
	s.mailer = m
	return s
}

func (s *Service) lock(ctx context.Context, clientID string) (func(), error) {
	unlock, err := s.locks.Lock(ctx, clientID)
	if err != nil {
		return nil, fmt.Errorf("lock client %s: %w", clientID, err)
	}
	return unlock, nil
}

// Subscribe attaches a new subscription to clientID. The first month's
// credits are granted immediately and one reset job is booked for each
// following month of the interval.
func (s *Service) Subscribe(ctx context.Context, clientID, tierName string, interval int) (_ *client.Subscription, err error) {
	ctx, span := traces.StartSpan(ctx, "subscription.Subscribe", traces.ClientID(clientID), traces.Tier(tierName))
	defer func() {
		traces.End(span, err)
		metrics.SubscriptionOpsTotal.WithLabelValues("subscribe", metrics.Outcome(err)).Inc()
	}()

	tier, err := LookupTier(tierName)
	if err != nil {
		return nil, err
	}
	if interval, err = normalizeInterval(interval); err != nil {
		return nil, err
	}

	unlock, err := s.lock(ctx, clientID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	c, err := s.clients.Get(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if err := checkAbsent(c); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	slots, err := s.book(ctx, clientID, now, 1, interval)
	if err != nil {
		return nil, err
	}

	updated, err := s.clients.Mutate(ctx, clientID, func(c *client.Client) error {
		if err := checkAbsent(c); err != nil {
			return err
		}
		c.Subscription = &client.Subscription{
			Tier:             tier.Name,
			Interval:         interval,
			SubscribedAt:     now,
			UpdatedAt:        now,
			TotalCredits:     tier.MonthlyCredits,
			RemainingCredits: tier.MonthlyCredits,
			Status:           client.StatusActive,
			ResetJobs:        slots,
		}
		c.UpdatedAt = now
		return nil
	})
	if err != nil {
		s.cancelSlots(ctx, slots)
		return nil, err
	}

	sub := updated.Subscription
	logging.L(ctx).Info("client subscribed", "clientId", clientID, "tier", sub.Tier, "interval", sub.Interval)
	s.events.Publish(ctx, events.New(events.SubscriptionCreated, updated.OwnerID, clientID, subscriptionData(sub)))
	return sub, nil
}

func checkAbsent(c *client.Client) error {
	switch {
	case c.Subscription == nil:
		return nil
	case c.Subscription.Status == client.StatusCancelling:
		return ErrCancelling
	default:
		return ErrAlreadySubscribed
	}
}

func checkActive(c *client.Client) error {
	switch {
	case c.Subscription == nil:
		return ErrNotSubscribed
	case c.Subscription.Status == client.StatusCancelling:
		return ErrCancelling
	default:
		return nil
	}
}

// book schedules reset jobs for offsets [from, to). If any booking fails the
// jobs booked so far are cancelled.
func (s *Service) book(ctx context.Context, clientID string, subscribedAt time.Time, from, to int) ([]client.JobSlot, error) {
	slots := make([]client.JobSlot, 0, max(to-from, 0))
	for offset := from; offset < to; offset++ {
		slot, err := s.bookOne(ctx, clientID, subscribedAt, offset)
		if err != nil {
			s.cancelSlots(ctx, slots)
			return nil, err
		}
		slots = append(slots, slot)
	}
	return slots, nil
}

func (s *Service) bookOne(ctx context.Context, clientID string, subscribedAt time.Time, offset int) (client.JobSlot, error) {
	fireAt := subscribedAt.AddDate(0, offset, 0)
	j, err := s.jobs.RunAt(ctx, scheduler.KindCreditReset, clientID, offset, fireAt)
	if err != nil {
		return client.JobSlot{}, fmt.Errorf("book reset for month offset %d: %w", offset, err)
	}
	return client.JobSlot{Offset: offset, JobID: j.ID, FireAt: j.FireAt}, nil
}

// cancelSlots is best-effort; failures are logged.
func (s *Service) cancelSlots(ctx context.Context, slots []client.JobSlot) {
	for _, slot := range slots {
		if err := s.cancelJob(ctx, slot.JobID); err != nil {
			logging.L(ctx).Warn("failed to cancel reset job", "jobId", slot.JobID, "error", err)
		}
	}
}

// cancelJob cancels id. A job that no longer exists is already gone.
func (s *Service) cancelJob(ctx context.Context, id string) error {
	_, err := s.jobs.Cancel(ctx, id)
	if errors.Is(err, scheduler.ErrJobNotFound) {
		return nil
	}
	return err
}

// slotLive reports whether the job in slot still occupies it. Completed
// jobs count, so a growth re-run never repeats a reset that already fired.
func (s *Service) slotLive(ctx context.Context, slot client.JobSlot) (bool, error) {
	j, err := s.jobs.Get(ctx, slot.JobID)
	if errors.Is(err, scheduler.ErrJobNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return j.Status.Live() || j.Status == scheduler.StatusCompleted, nil
}

// Update changes the tier and interval of an active subscription. Consumed
// credits carry over: the new remaining balance is the new tier's total less
// what was already used, and may be negative.
func (s *Service) Update(ctx context.Context, clientID, tierName string, interval int) (_ *client.Subscription, err error) {
	ctx, span := traces.StartSpan(ctx, "subscription.Update", traces.ClientID(clientID), traces.Tier(tierName))
	defer func() {
		traces.End(span, err)
		metrics.SubscriptionOpsTotal.WithLabelValues("update", metrics.Outcome(err)).Inc()
	}()

	tier, err := LookupTier(tierName)
	if err != nil {
		return nil, err
	}
	if interval, err = normalizeInterval(interval); err != nil {
		return nil, err
	}

	unlock, err := s.lock(ctx, clientID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	c, err := s.clients.Get(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if err := checkActive(c); err != nil {
		return nil, err
	}

	plan := c.Subscription.Clone()
	oldInterval := plan.Interval
	var booked []client.JobSlot

	// reconcile every offset 1..interval-1 so an earlier partial update is repaired
	for offset := 1; offset < interval; offset++ {
		if slot, ok := plan.Slot(offset); ok {
			live, err := s.slotLive(ctx, slot)
			if err != nil {
				s.cancelSlots(ctx, booked)
				return nil, err
			}
			if live {
				continue
			}
		}
		slot, err := s.bookOne(ctx, clientID, plan.SubscribedAt, offset)
		if err != nil {
			s.cancelSlots(ctx, booked)
			return nil, err
		}
		booked = append(booked, slot)
		plan.SetSlot(slot)
	}

	// shrink: release every slot at or beyond the new interval
	for _, slot := range plan.ResetJobs {
		if slot.Offset < interval {
			continue
		}
		if err := s.cancelJob(ctx, slot.JobID); err != nil {
			s.cancelSlots(ctx, booked)
			return nil, fmt.Errorf("cancel reset for month offset %d: %w", slot.Offset, err)
		}
	}
	plan.ResetJobs = slices.DeleteFunc(plan.ResetJobs, func(j client.JobSlot) bool { return j.Offset >= interval })

	now := s.now().UTC()
	updated, err := s.clients.Mutate(ctx, clientID, func(c *client.Client) error {
		if err := checkActive(c); err != nil {
			return err
		}
		sub := c.Subscription
		// balance is read inside the mutation so concurrent deductions are kept
		deducted := sub.TotalCredits - sub.RemainingCredits
		sub.Tier = tier.Name
		sub.Interval = interval
		sub.TotalCredits = tier.MonthlyCredits
		sub.RemainingCredits = tier.MonthlyCredits - deducted
		sub.Overdrawn = sub.RemainingCredits < 0
		sub.ResetJobs = plan.ResetJobs
		sub.UpdatedAt = now
		c.UpdatedAt = now
		return nil
	})
	if err != nil {
		s.cancelSlots(ctx, booked)
		return nil, err
	}

	sub := updated.Subscription
	logging.L(ctx).Info("subscription updated", "clientId", clientID,
		"tier", sub.Tier, "interval", sub.Interval, "previousInterval", oldInterval, "remaining", sub.RemainingCredits)
	s.events.Publish(ctx, events.New(events.SubscriptionUpdated, updated.OwnerID, clientID, subscriptionData(sub)))
	return sub, nil
}

// Unsubscribe removes the client's subscription and every pending reset
// job. It runs in three steps (mark cancelling, cancel jobs, clear the
// record) and may be called again after a failure to resume.
func (s *Service) Unsubscribe(ctx context.Context, clientID string) (err error) {
	ctx, span := traces.StartSpan(ctx, "subscription.Unsubscribe", traces.ClientID(clientID))
	defer func() {
		traces.End(span, err)
		metrics.SubscriptionOpsTotal.WithLabelValues("unsubscribe", metrics.Outcome(err)).Inc()
	}()

	unlock, err := s.lock(ctx, clientID)
	if err != nil {
		return err
	}
	defer unlock()
	return s.unsubscribeLocked(ctx, clientID)
}

func (s *Service) unsubscribeLocked(ctx context.Context, clientID string) error {
	c, err := s.clients.Get(ctx, clientID)
	if err != nil {
		return err
	}
	if c.Subscription == nil {
		return ErrNotSubscribed
	}

	if c.Subscription.Status != client.StatusCancelling {
		c, err = s.clients.Mutate(ctx, clientID, func(c *client.Client) error {
			if c.Subscription == nil {
				return ErrNotSubscribed
			}
			c.Subscription.Status = client.StatusCancelling
			c.Subscription.UpdatedAt = s.now().UTC()
			return nil
		})
		if err != nil {
			return err
		}
	}

	for _, slot := range c.Subscription.ResetJobs {
		if err := s.cancelJob(ctx, slot.JobID); err != nil {
			return fmt.Errorf("cancel reset job %s: %w", slot.JobID, err)
		}
	}
	if err := s.sweepJobs(ctx, clientID); err != nil {
		return err
	}

	prev := c.Subscription
	updated, err := s.clients.Mutate(ctx, clientID, func(c *client.Client) error {
		c.Subscription = nil
		c.UpdatedAt = s.now().UTC()
		return nil
	})
	if err != nil {
		return err
	}

	logging.L(ctx).Info("client unsubscribed", "clientId", clientID, "tier", prev.Tier)
	s.events.Publish(ctx, events.New(events.SubscriptionCancelled, updated.OwnerID, clientID, map[string]any{
		"tier":     prev.Tier,
		"interval": prev.Interval,
	}))
	return nil
}

// sweepJobs cancels any live reset job the scheduler still holds for the
// client, including ones the record lost track of.
func (s *Service) sweepJobs(ctx context.Context, clientID string) error {
	live, err := s.jobs.ListByClient(ctx, clientID, true)
	if err != nil {
		return fmt.Errorf("list jobs for %s: %w", clientID, err)
	}
	for _, j := range live {
		if j.Kind != scheduler.KindCreditReset {
			continue
		}
		if err := s.cancelJob(ctx, j.ID); err != nil {
			return fmt.Errorf("cancel reset job %s: %w", j.ID, err)
		}
	}
	return nil
}

// CancelAllForClient tears down the client's subscription and jobs ahead of
// deleting the client.
func (s *Service) CancelAllForClient(ctx context.Context, clientID string) error {
	unlock, err := s.lock(ctx, clientID)
	if err != nil {
		return err
	}
	defer unlock()

	err = s.unsubscribeLocked(ctx, clientID)
	if errors.Is(err, ErrNotSubscribed) {
		return s.sweepJobs(ctx, clientID)
	}
	return err
}

// ResetCredits restores the remaining balance to the tier total. Running it
// more than once has the same effect as running it once.
func (s *Service) ResetCredits(ctx context.Context, clientID string) (_ *client.Subscription, err error) {
	ctx, span := traces.StartSpan(ctx, "subscription.ResetCredits", traces.ClientID(clientID))
	defer func() {
		traces.End(span, err)
		metrics.SubscriptionOpsTotal.WithLabelValues("reset", metrics.Outcome(err)).Inc()
	}()

	unlock, err := s.lock(ctx, clientID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := s.now().UTC()
	updated, err := s.clients.Mutate(ctx, clientID, func(c *client.Client) error {
		if err := checkActive(c); err != nil {
			return err
		}
		c.Subscription.RemainingCredits = c.Subscription.TotalCredits
		c.Subscription.Overdrawn = false
		c.Subscription.UpdatedAt = now
		c.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}

	sub := updated.Subscription
	metrics.CreditResetsTotal.Inc()
	logging.L(ctx).Info("credits reset", "clientId", clientID, "total", sub.TotalCredits)
	s.events.Publish(ctx, events.New(events.CreditsReset, updated.OwnerID, clientID, subscriptionData(sub)))

	if s.mailer != nil && updated.Email != "" {
		msg := notify.ResetSummary(updated.Email, updated.Name, sub.Tier, sub.TotalCredits, now)
		if err := s.mailer.Send(ctx, msg); err != nil {
			logging.L(ctx).Warn("failed to send reset summary", "clientId", clientID, "error", err)
		}
	}
	return sub, nil
}

// HandleResetJob is the scheduler handler for scheduler.KindCreditReset.
// Jobs for clients that are gone or no longer subscribed fail permanently.
func (s *Service) HandleResetJob(ctx context.Context, job *scheduler.Job) error {
	_, err := s.ResetCredits(ctx, job.ClientID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, client.ErrClientNotFound),
		errors.Is(err, ErrNotSubscribed),
		errors.Is(err, ErrCancelling):
		return retry.Permanent(err)
	default:
		return err
	}
}

// Get returns the client's subscription.
func (s *Service) Get(ctx context.Context, clientID string) (*client.Subscription, error) {
	c, err := s.clients.Get(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if c.Subscription == nil {
		return nil, ErrNotSubscribed
	}
	return c.Subscription, nil
}

// Jobs returns the client's reset jobs, including finished ones.
func (s *Service) Jobs(ctx context.Context, clientID string) ([]*scheduler.Job, error) {
	return s.jobs.ListByClient(ctx, clientID, false)
}

func subscriptionData(sub *client.Subscription) map[string]any {
	return map[string]any{
		"tier":             sub.Tier,
		"interval":         sub.Interval,
		"totalCredits":     sub.TotalCredits,
		"remainingCredits": sub.RemainingCredits,
		"overdrawn":        sub.Overdrawn,
	}
}

var _ client.JobCanceller = (*Service)(nil)
