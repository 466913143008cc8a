package usage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/voicedesk/voicedesk/internal/agent"
	"github.com/voicedesk/voicedesk/internal/client"
	"github.com/voicedesk/voicedesk/internal/events"
	"github.com/voicedesk/voicedesk/internal/idgen"
	"github.com/voicedesk/voicedesk/internal/logging"
	"github.com/voicedesk/voicedesk/internal/metrics"
	"github.com/voicedesk/voicedesk/internal/pagination"
	"github.com/voicedesk/voicedesk/internal/traces"
)

// AgentLookup resolves vendor agent IDs.
type AgentLookup interface {
	GetByExternalID(ctx context.Context, externalID string) (*agent.Agent, error)
}

// Options configures deduction.
type Options struct {
	Markup decimal.Decimal // zero means DefaultMarkup
	Policy string          // empty means PolicyAllow
}

// Service deducts credits for agent usage.
type Service struct {
	records Store
	clients client.Store
	agents  AgentLookup
	events  events.Publisher
	markup  decimal.Decimal
	policy  string
	now     func() time.Time
}

// NewService creates a usage service.
func NewService(records Store, clients client.Store, agents AgentLookup, opts Options) (*Service, error) {
	s := &Service{
		records: records,
		clients: clients,
		agents:  agents,
		events:  events.Nop{},
		markup:  opts.Markup,
		policy:  opts.Policy,
		now:     time.Now,
	}
	if s.markup.IsZero() {
		s.markup = DefaultMarkup
	}
	if s.markup.IsNegative() {
		return nil, fmt.Errorf("usage: markup must be positive, got %s", s.markup)
	}
	if s.policy == "" {
		s.policy = PolicyAllow
	}
	if s.policy != PolicyAllow && s.policy != PolicyFloor {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPolicy, s.policy)
	}
	return s, nil
}

// WithEvents sets the event publisher.
func (s *Service) WithEvents(p events.Publisher) *Service {
	s.events = p
	return s
}

// Markup returns the configured markup.
func (s *Service) Markup() decimal.Decimal { return s.markup }

// ChargeFor converts a vendor cost into credits: cost times markup, rounded
// half away from zero.
func (s *Service) ChargeFor(cost decimal.Decimal) int64 {
	return cost.Mul(s.markup).Round(0).IntPart()
}

var errNoSubscription = errors.New("no subscription")

// Deduct charges every client assigned the agent known to the vendor as
// externalAgentID. An unknown agent charges nobody and is not an error.
// Clients without a subscription are skipped.
func (s *Service) Deduct(ctx context.Context, externalAgentID string, cost decimal.Decimal) (_ *DeductionResult, err error) {
	if cost.IsNegative() {
		return nil, ErrNegativeCost
	}
	charge := s.ChargeFor(cost)

	ctx, span := traces.StartSpan(ctx, "usage.Deduct", traces.Credits(charge))
	defer func() { traces.End(span, err) }()

	res := &DeductionResult{ExternalAgentID: externalAgentID, Cost: cost, Charges: []Charge{}, Skipped: []string{}}

	ag, err := s.agents.GetByExternalID(ctx, externalAgentID)
	if errors.Is(err, agent.ErrAgentNotFound) {
		logging.L(ctx).Info("usage for unknown agent ignored", "externalAgentId", externalAgentID)
		return res, nil
	}
	if err != nil {
		return nil, err
	}
	res.AgentID = ag.ID
	span.SetAttributes(traces.AgentID(ag.ID))

	assigned, err := s.clients.ListByAgent(ctx, ag.ID)
	if err != nil {
		return nil, fmt.Errorf("list clients for agent %s: %w", ag.ID, err)
	}

	var errs []error
	for _, c := range assigned {
		ch, owner, overdrawn, err := s.deductOne(ctx, c.ID, charge)
		if errors.Is(err, errNoSubscription) || errors.Is(err, client.ErrClientNotFound) {
			res.Skipped = append(res.Skipped, c.ID)
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("deduct from %s: %w", c.ID, err))
			continue
		}

		rec := &Record{
			ID:              idgen.New(idgen.PrefixUsage),
			ClientID:        c.ID,
			AgentID:         ag.ID,
			ExternalAgentID: externalAgentID,
			Cost:            cost,
			Charged:         ch.Charged,
			Unbilled:        ch.Unbilled,
			BalanceAfter:    ch.BalanceAfter,
			CreatedAt:       s.now().UTC().Truncate(time.Microsecond),
		}
		if err := s.records.Append(ctx, rec); err != nil {
			logging.L(ctx).Error("failed to record usage", "clientId", c.ID, "charged", ch.Charged, "error", err)
		} else {
			ch.RecordID = rec.ID
		}
		res.Charges = append(res.Charges, ch)
		s.publish(ctx, owner, ag.ID, ch, overdrawn)
	}

	logging.L(ctx).Info("usage deducted", "agentId", ag.ID, "cost", cost.String(), "charge", charge,
		"clients", len(res.Charges), "skipped", len(res.Skipped))
	return res, errors.Join(errs...)
}

// deductOne applies the charge to one client atomically. It also reports
// whether this charge is the one that overdrew the client.
func (s *Service) deductOne(ctx context.Context, clientID string, charge int64) (Charge, string, bool, error) {
	ch := Charge{ClientID: clientID}
	var newlyOverdrawn bool
	updated, err := s.clients.Mutate(ctx, clientID, func(c *client.Client) error {
		sub := c.Subscription
		if sub == nil {
			return errNoSubscription
		}
		applied := charge
		if s.policy == PolicyFloor {
			applied = min(charge, max(sub.RemainingCredits, 0))
		}
		sub.RemainingCredits -= applied
		wasOverdrawn := sub.Overdrawn
		sub.Overdrawn = wasOverdrawn || sub.RemainingCredits < 0 || applied < charge
		newlyOverdrawn = sub.Overdrawn && !wasOverdrawn
		sub.UpdatedAt = s.now().UTC()

		ch.Charged = charge
		ch.Unbilled = charge - applied
		ch.BalanceAfter = sub.RemainingCredits
		ch.Overdrawn = sub.Overdrawn
		return nil
	})
	if err != nil {
		return Charge{}, "", false, err
	}

	metrics.CreditsDeductedTotal.Add(float64(ch.Charged - ch.Unbilled))
	if newlyOverdrawn {
		metrics.OverdrawnTotal.WithLabelValues(s.policy).Inc()
		logging.L(ctx).Warn("client overdrawn", "clientId", clientID, "balance", ch.BalanceAfter, "unbilled", ch.Unbilled, "policy", s.policy)
	}
	return ch, updated.OwnerID, newlyOverdrawn, nil
}

func (s *Service) publish(ctx context.Context, ownerID, agentID string, ch Charge, newlyOverdrawn bool) {
	data := map[string]any{
		"agentId":      agentID,
		"charged":      ch.Charged,
		"unbilled":     ch.Unbilled,
		"balanceAfter": ch.BalanceAfter,
	}
	s.events.Publish(ctx, events.New(events.CreditsDeducted, ownerID, ch.ClientID, data))
	if newlyOverdrawn {
		s.events.Publish(ctx, events.New(events.CreditsOverdrawn, ownerID, ch.ClientID, data))
	}
}

// List returns a page of the client's usage records, newest first.
func (s *Service) List(ctx context.Context, clientID string, p pagination.Params) ([]*Record, string, error) {
	if p.Limit <= 0 {
		p.Limit = pagination.DefaultLimit
	}
	recs, err := s.records.ListByClient(ctx, clientID, p.Limit+1, p.After)
	if err != nil {
		return nil, "", err
	}
	page, next, _ := pagination.ComputePage(recs, p.Limit, func(r *Record) (time.Time, string) {
		return r.CreatedAt, r.ID
	})
	return page, next, nil
}
