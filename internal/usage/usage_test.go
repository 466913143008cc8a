package usage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicedesk/voicedesk/internal/agent"
	"github.com/voicedesk/voicedesk/internal/client"
	"github.com/voicedesk/voicedesk/internal/events"
	"github.com/voicedesk/voicedesk/internal/pagination"
	"github.com/voicedesk/voicedesk/internal/testutil"
)

type recorder struct {
	mu  sync.Mutex
	got []*events.Event
}

func (r *recorder) Publish(_ context.Context, e *events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, e)
}

func (r *recorder) count(t events.Type) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.got {
		if e.Type == t {
			n++
		}
	}
	return n
}

type fixture struct {
	svc     *Service
	clients client.Store
	agents  *agent.Service
	events  *recorder
	agentID string
}

func newFixture(t *testing.T, records Store, clients client.Store, opts Options) *fixture {
	t.Helper()
	agents := agent.NewService(agent.NewMemoryStore())
	svc, err := NewService(records, clients, agents, opts)
	require.NoError(t, err)
	f := &fixture{svc: svc, clients: clients, agents: agents, events: &recorder{}}
	svc.WithEvents(f.events)

	ag, err := agents.Create(context.Background(), "usr_1", agent.CreateInput{Name: "Desk", ExternalID: "vapi-1"})
	require.NoError(t, err)
	f.agentID = ag.ID
	return f
}

// addClient creates a client assigned the fixture agent with remaining
// credits, or no subscription when remaining is nil.
func (f *fixture) addClient(t *testing.T, id string, remaining *int64) {
	t.Helper()
	ctx := context.Background()
	c := &client.Client{ID: id, OwnerID: "usr_1", Name: id, Username: id, AgentIDs: []string{}, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	if remaining != nil {
		c.Subscription = &client.Subscription{Tier: "base", Interval: 1, TotalCredits: 30000, RemainingCredits: *remaining, Status: client.StatusActive}
	}
	require.NoError(t, f.clients.Create(ctx, c))
	require.NoError(t, f.clients.AssignAgent(ctx, id, f.agentID))
}

func (f *fixture) remaining(t *testing.T, id string) int64 {
	t.Helper()
	c, err := f.clients.Get(context.Background(), id)
	require.NoError(t, err)
	return c.Subscription.RemainingCredits
}

func ptr(n int64) *int64 { return &n }

func TestNewService_Validation(t *testing.T) {
	_, err := NewService(NewMemoryStore(), client.NewMemoryStore(), nil, Options{Policy: "yolo"})
	assert.ErrorIs(t, err, ErrInvalidPolicy)

	_, err = NewService(NewMemoryStore(), client.NewMemoryStore(), nil, Options{Markup: decimal.NewFromInt(-1)})
	assert.Error(t, err)

	svc, err := NewService(NewMemoryStore(), client.NewMemoryStore(), nil, Options{})
	require.NoError(t, err)
	assert.True(t, svc.Markup().Equal(DefaultMarkup))
}

func TestChargeFor_RoundsHalfUp(t *testing.T) {
	svc, err := NewService(NewMemoryStore(), client.NewMemoryStore(), nil, Options{})
	require.NoError(t, err)

	assert.Equal(t, int64(120), svc.ChargeFor(decimal.NewFromInt(100)))
	assert.Equal(t, int64(3), svc.ChargeFor(decimal.RequireFromString("2.5")))   // 3.0
	assert.Equal(t, int64(2), svc.ChargeFor(decimal.RequireFromString("2.0")))   // 2.4
	assert.Equal(t, int64(3), svc.ChargeFor(decimal.RequireFromString("2.125"))) // 2.55
	assert.Equal(t, int64(0), svc.ChargeFor(decimal.Zero))
}

func TestDeduct_AppliesMarkup(t *testing.T) {
	f := newFixture(t, NewMemoryStore(), client.NewMemoryStore(), Options{})
	f.addClient(t, "cli_1", ptr(30000))
	ctx := context.Background()

	res, err := f.svc.Deduct(ctx, "vapi-1", decimal.NewFromInt(100))
	require.NoError(t, err)
	require.Len(t, res.Charges, 1)
	assert.Equal(t, int64(120), res.Charges[0].Charged)
	assert.Equal(t, int64(30000-120), f.remaining(t, "cli_1"))
	assert.Equal(t, 1, f.events.count(events.CreditsDeducted))

	recs, _, err := f.svc.List(ctx, "cli_1", pagination.Params{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, int64(120), recs[0].Charged)
	assert.Equal(t, int64(29880), recs[0].BalanceAfter)
	assert.Equal(t, res.Charges[0].RecordID, recs[0].ID)
}

func TestDeduct_ChargesEveryAssignedClient(t *testing.T) {
	f := newFixture(t, NewMemoryStore(), client.NewMemoryStore(), Options{})
	f.addClient(t, "cli_1", ptr(1000))
	f.addClient(t, "cli_2", ptr(2000))
	f.addClient(t, "cli_free", nil)
	ctx := context.Background()

	// not assigned: never touched
	require.NoError(t, f.clients.Create(ctx, &client.Client{ID: "cli_other", Username: "other", AgentIDs: []string{},
		Subscription: &client.Subscription{TotalCredits: 500, RemainingCredits: 500}}))

	res, err := f.svc.Deduct(ctx, "vapi-1", decimal.NewFromInt(10))
	require.NoError(t, err)
	assert.Len(t, res.Charges, 2)
	assert.Equal(t, []string{"cli_free"}, res.Skipped)
	assert.Equal(t, int64(988), f.remaining(t, "cli_1"))
	assert.Equal(t, int64(1988), f.remaining(t, "cli_2"))
	assert.Equal(t, int64(500), f.remaining(t, "cli_other"))
}

func TestDeduct_UnknownAgentIsNoop(t *testing.T) {
	f := newFixture(t, NewMemoryStore(), client.NewMemoryStore(), Options{})
	res, err := f.svc.Deduct(context.Background(), "vapi-unknown", decimal.NewFromInt(10))
	require.NoError(t, err)
	assert.Empty(t, res.Charges)
	assert.Empty(t, res.AgentID)
}

func TestDeduct_RejectsNegativeCost(t *testing.T) {
	f := newFixture(t, NewMemoryStore(), client.NewMemoryStore(), Options{})
	_, err := f.svc.Deduct(context.Background(), "vapi-1", decimal.NewFromInt(-1))
	assert.ErrorIs(t, err, ErrNegativeCost)
}

func TestDeduct_AllowPolicyGoesNegative(t *testing.T) {
	f := newFixture(t, NewMemoryStore(), client.NewMemoryStore(), Options{Policy: PolicyAllow})
	f.addClient(t, "cli_1", ptr(100))
	ctx := context.Background()

	res, err := f.svc.Deduct(ctx, "vapi-1", decimal.NewFromInt(100))
	require.NoError(t, err)
	assert.Equal(t, int64(-20), res.Charges[0].BalanceAfter)
	assert.True(t, res.Charges[0].Overdrawn)
	assert.Zero(t, res.Charges[0].Unbilled)
	assert.Equal(t, 1, f.events.count(events.CreditsOverdrawn))

	// already overdrawn: no second overdrawn event
	_, err = f.svc.Deduct(ctx, "vapi-1", decimal.NewFromInt(100))
	require.NoError(t, err)
	assert.Equal(t, int64(-140), f.remaining(t, "cli_1"))
	assert.Equal(t, 1, f.events.count(events.CreditsOverdrawn))
}

func TestDeduct_FloorPolicyClampsAtZero(t *testing.T) {
	f := newFixture(t, NewMemoryStore(), client.NewMemoryStore(), Options{Policy: PolicyFloor})
	f.addClient(t, "cli_1", ptr(100))
	ctx := context.Background()

	res, err := f.svc.Deduct(ctx, "vapi-1", decimal.NewFromInt(100))
	require.NoError(t, err)
	ch := res.Charges[0]
	assert.Equal(t, int64(120), ch.Charged)
	assert.Equal(t, int64(20), ch.Unbilled)
	assert.Equal(t, int64(0), ch.BalanceAfter)
	assert.True(t, ch.Overdrawn)
	assert.Equal(t, int64(0), f.remaining(t, "cli_1"))

	recs, _, err := f.svc.List(ctx, "cli_1", pagination.Params{})
	require.NoError(t, err)
	assert.Equal(t, int64(20), recs[0].Unbilled)
}

func TestDeduct_ConcurrentChargesAreNotLost(t *testing.T) {
	f := newFixture(t, NewMemoryStore(), client.NewMemoryStore(), Options{})
	f.addClient(t, "cli_1", ptr(30000))
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.svc.Deduct(ctx, "vapi-1", decimal.NewFromInt(10))
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(30000-50*12), f.remaining(t, "cli_1"))
}

func TestList_Paginates(t *testing.T) {
	f := newFixture(t, NewMemoryStore(), client.NewMemoryStore(), Options{})
	f.addClient(t, "cli_1", ptr(30000))
	ctx := context.Background()

	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		at := base.Add(time.Duration(i) * time.Minute)
		f.svc.now = func() time.Time { return at }
		_, err := f.svc.Deduct(ctx, "vapi-1", decimal.NewFromInt(1))
		require.NoError(t, err)
	}

	page, next, err := f.svc.List(ctx, "cli_1", pagination.Params{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.NotEmpty(t, next)
	assert.True(t, page[0].CreatedAt.After(page[1].CreatedAt), "newest first")

	seen := len(page)
	for next != "" {
		cur, err := pagination.Decode(next)
		require.NoError(t, err)
		page, next, err = f.svc.List(ctx, "cli_1", pagination.Params{Limit: 2, After: cur})
		require.NoError(t, err)
		seen += len(page)
	}
	assert.Equal(t, 5, seen)
}

func TestPostgresStore(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	f := newFixture(t, NewPostgresStore(db), client.NewPostgresStore(db), Options{})
	f.addClient(t, "cli_pg", ptr(30000))
	ctx := context.Background()

	_, err := f.svc.Deduct(ctx, "vapi-1", decimal.RequireFromString("12.5"))
	require.NoError(t, err)
	_, err = f.svc.Deduct(ctx, "vapi-1", decimal.NewFromInt(100))
	require.NoError(t, err)
	assert.Equal(t, int64(30000-15-120), f.remaining(t, "cli_pg"))

	page, next, err := f.svc.List(ctx, "cli_pg", pagination.Params{Limit: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.True(t, page[0].Cost.Equal(decimal.NewFromInt(100)))

	cur, err := pagination.Decode(next)
	require.NoError(t, err)
	page, next, err = f.svc.List(ctx, "cli_pg", pagination.Params{Limit: 1, After: cur})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.True(t, page[0].Cost.Equal(decimal.RequireFromString("12.5")))
	assert.Empty(t, next)
}
