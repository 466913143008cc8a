package webhooks

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicedesk/voicedesk/internal/auth"
	"github.com/voicedesk/voicedesk/internal/circuitbreaker"
	"github.com/voicedesk/voicedesk/internal/events"
	"github.com/voicedesk/voicedesk/internal/retry"
	"github.com/voicedesk/voicedesk/internal/security"
	"github.com/voicedesk/voicedesk/internal/testutil"
)

// loopback test servers need private targets
var testPolicy = security.URLPolicy{AllowPrivate: true}

type received struct {
	mu      sync.Mutex
	bodies  [][]byte
	headers []http.Header
}

func (r *received) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bodies)
}

// receiver returns a test server answering with status and recording hits.
func receiver(t *testing.T, status int) (*httptest.Server, *received) {
	t.Helper()
	rec := &received{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		rec.mu.Lock()
		rec.bodies = append(rec.bodies, body)
		rec.headers = append(rec.headers, r.Header.Clone())
		rec.mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, rec
}

func newTestDispatcher(store Store) *Dispatcher {
	d := NewDispatcher(store, testPolicy)
	d.retry = retry.Policy{Attempts: 3, BaseDelay: time.Millisecond}
	return d
}

func register(t *testing.T, store Store, owner, url string, types ...events.Type) *Endpoint {
	t.Helper()
	ep, err := NewService(store, testPolicy).Create(context.Background(), owner, url, types)
	require.NoError(t, err)
	return ep
}

func TestSignVerify(t *testing.T) {
	payload := []byte(`{"type":"credits.reset"}`)
	sig := Sign(payload, "s3cret")
	assert.Len(t, sig, 64)
	assert.True(t, Verify(payload, "s3cret", sig))
	assert.False(t, Verify(payload, "other", sig))
	assert.False(t, Verify([]byte("tampered"), "s3cret", sig))
	assert.False(t, Verify(payload, "s3cret", "not-hex"))
}

func TestDispatch_DeliversSignedEventToSubscribedEndpoints(t *testing.T) {
	store := NewMemoryStore()
	d := newTestDispatcher(store)
	srv, rec := receiver(t, http.StatusOK)
	other, otherRec := receiver(t, http.StatusOK)

	ep := register(t, store, "usr_1", srv.URL, events.CreditsReset, events.CreditsDeducted)
	register(t, store, "usr_1", other.URL, events.SubscriptionCreated)
	register(t, store, "usr_2", other.URL, events.CreditsReset)

	ev := events.New(events.CreditsReset, "usr_1", "cli_1", map[string]any{"totalCredits": 30000})
	require.NoError(t, d.Dispatch(context.Background(), ev))
	d.Wait()

	require.Equal(t, 1, rec.count())
	assert.Equal(t, 0, otherRec.count(), "wrong type or wrong owner")

	h := rec.headers[0]
	assert.Equal(t, string(events.CreditsReset), h.Get(HeaderEvent))
	assert.NotEmpty(t, h.Get(HeaderTimestamp))
	assert.True(t, Verify(rec.bodies[0], ep.Secret, h.Get(HeaderSignature)))

	var got events.Event
	require.NoError(t, json.Unmarshal(rec.bodies[0], &got))
	assert.Equal(t, ev.ID, got.ID)
	assert.Equal(t, "cli_1", got.ClientID)

	stored, err := store.Get(context.Background(), ep.ID)
	require.NoError(t, err)
	assert.NotNil(t, stored.LastSuccess)
	assert.Empty(t, stored.LastError)
}

func TestDispatch_RetriesServerErrors(t *testing.T) {
	store := NewMemoryStore()
	d := newTestDispatcher(store)
	srv, rec := receiver(t, http.StatusBadGateway)
	ep := register(t, store, "usr_1", srv.URL, events.CreditsOverdrawn)

	require.NoError(t, d.Dispatch(context.Background(), events.New(events.CreditsOverdrawn, "usr_1", "cli_1", nil)))
	d.Wait()

	assert.Equal(t, 3, rec.count())
	stored, err := store.Get(context.Background(), ep.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.LastSuccess)
	assert.Contains(t, stored.LastError, "status 502")
}

func TestDispatch_ClientErrorsAreNotRetried(t *testing.T) {
	store := NewMemoryStore()
	d := newTestDispatcher(store)
	srv, rec := receiver(t, http.StatusBadRequest)
	register(t, store, "usr_1", srv.URL, events.CreditsReset)

	require.NoError(t, d.Dispatch(context.Background(), events.New(events.CreditsReset, "usr_1", "cli_1", nil)))
	d.Wait()
	assert.Equal(t, 1, rec.count())
}

func TestDispatch_CircuitOpensPerURL(t *testing.T) {
	store := NewMemoryStore()
	d := newTestDispatcher(store)
	d.breaker = circuitbreaker.New("test", 1, time.Hour)
	srv, rec := receiver(t, http.StatusBadRequest)
	ep := register(t, store, "usr_1", srv.URL, events.CreditsReset)

	for i := 0; i < 3; i++ {
		require.NoError(t, d.Dispatch(context.Background(), events.New(events.CreditsReset, "usr_1", "cli_1", nil)))
		d.Wait()
	}
	assert.Equal(t, 1, rec.count(), "open circuit short-circuits later deliveries")
	stored, err := store.Get(context.Background(), ep.ID)
	require.NoError(t, err)
	assert.Equal(t, "circuit open", stored.LastError)
}

func TestDispatch_RechecksURLPolicy(t *testing.T) {
	store := NewMemoryStore()
	srv, rec := receiver(t, http.StatusOK)
	ep := register(t, store, "usr_1", srv.URL, events.CreditsReset)

	d := NewDispatcher(store, security.URLPolicy{})
	require.NoError(t, d.Dispatch(context.Background(), events.New(events.CreditsReset, "usr_1", "cli_1", nil)))
	d.Wait()

	assert.Equal(t, 0, rec.count())
	stored, err := store.Get(context.Background(), ep.ID)
	require.NoError(t, err)
	assert.Contains(t, stored.LastError, "not allowed")
}

func TestDispatch_IgnoresInactiveAndOwnerless(t *testing.T) {
	store := NewMemoryStore()
	d := newTestDispatcher(store)
	srv, rec := receiver(t, http.StatusOK)
	require.NoError(t, store.Create(context.Background(), &Endpoint{
		ID: "wh_off", OwnerID: "usr_1", URL: srv.URL, Events: []events.Type{events.CreditsReset}, Active: false,
	}))

	require.NoError(t, d.Dispatch(context.Background(), events.New(events.CreditsReset, "usr_1", "cli_1", nil)))
	require.NoError(t, d.Dispatch(context.Background(), events.New(events.CreditsReset, "", "cli_1", nil)))
	d.Wait()
	assert.Equal(t, 0, rec.count())
}

func TestEmitter_Publish(t *testing.T) {
	store := NewMemoryStore()
	d := newTestDispatcher(store)
	srv, rec := receiver(t, http.StatusNoContent)
	register(t, store, "usr_1", srv.URL, events.SubscriptionCreated)

	var pub events.Publisher = NewEmitter(d, slog.Default())
	pub.Publish(context.Background(), events.New(events.SubscriptionCreated, "usr_1", "cli_1", nil))
	d.Wait()
	assert.Equal(t, 1, rec.count())

	var nilEmitter *Emitter
	assert.NotPanics(t, func() { nilEmitter.Publish(context.Background(), events.New(events.CreditsReset, "usr_1", "", nil)) })
}

func TestService_CreateValidation(t *testing.T) {
	svc := NewService(NewMemoryStore(), security.URLPolicy{})
	ctx := context.Background()

	_, err := svc.Create(ctx, "usr_1", "https://93.184.216.34/hook", nil)
	assert.ErrorIs(t, err, ErrInvalidEvent)

	_, err = svc.Create(ctx, "usr_1", "https://93.184.216.34/hook", []events.Type{"payment.received"})
	assert.ErrorIs(t, err, ErrInvalidEvent)

	_, err = svc.Create(ctx, "usr_1", "http://127.0.0.1:8080/hook", []events.Type{events.CreditsReset})
	assert.ErrorIs(t, err, ErrInvalidURL)

	_, err = svc.Create(ctx, "usr_1", "ftp://93.184.216.34/hook", []events.Type{events.CreditsReset})
	assert.ErrorIs(t, err, ErrInvalidURL)

	ep, err := svc.Create(ctx, "usr_1", "https://93.184.216.34/hook",
		[]events.Type{events.CreditsReset, events.CreditsDeducted, events.CreditsReset})
	require.NoError(t, err)
	assert.Equal(t, []events.Type{events.CreditsDeducted, events.CreditsReset}, ep.Events)
	assert.Len(t, ep.Secret, 64)
	assert.True(t, strings.HasPrefix(ep.ID, "wh_"))
}

func TestService_DeleteChecksOwner(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store, testPolicy)
	ctx := context.Background()
	ep := register(t, store, "usr_1", "http://127.0.0.1/hook", events.CreditsReset)

	assert.ErrorIs(t, svc.Delete(ctx, ep.ID, "usr_2"), ErrNotFound)
	require.NoError(t, svc.Delete(ctx, ep.ID, "usr_1"))
	assert.ErrorIs(t, svc.Delete(ctx, ep.ID, ""), ErrNotFound)
}

func TestHandlers(t *testing.T) {
	gin.SetMode(gin.TestMode)
	iss := auth.NewIssuer(strings.Repeat("s", 32), 0)
	store := NewMemoryStore()
	h := NewHandler(NewService(store, testPolicy))

	r := gin.New()
	v1 := r.Group("/v1", auth.Middleware(iss, "admin-secret"), auth.RequireRole(auth.RoleUser))
	h.RegisterRoutes(v1)

	tok, _, err := iss.Issue("usr_1", auth.RoleUser)
	require.NoError(t, err)
	do := func(method, path, body string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+tok)
		r.ServeHTTP(w, req)
		return w
	}

	w := do("POST", "/v1/webhooks", `{"url":"http://127.0.0.1/hook","events":["credits.reset"]}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created struct {
		Webhook map[string]any `json:"webhook"`
		Secret  string         `json:"secret"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Len(t, created.Secret, 64)
	assert.NotContains(t, created.Webhook, "secret")
	id := created.Webhook["id"].(string)

	w = do("POST", "/v1/webhooks", `{"url":"http://127.0.0.1/hook","events":["bogus"]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do("GET", "/v1/webhooks", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)
	assert.NotContains(t, w.Body.String(), created.Secret)

	w = do("DELETE", "/v1/webhooks/"+id, "")
	assert.Equal(t, http.StatusOK, w.Code)
	w = do("DELETE", "/v1/webhooks/"+id, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPostgresStore(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	ep := register(t, store, "usr_pg", "https://hooks.example.com/a", events.CreditsReset, events.CreditsOverdrawn)
	got, err := store.Get(ctx, ep.ID)
	require.NoError(t, err)
	assert.Equal(t, ep.Events, got.Events)
	assert.Equal(t, ep.Secret, got.Secret)
	assert.True(t, got.Active)

	at := time.Now().UTC().Truncate(time.Microsecond)
	require.NoError(t, store.RecordDelivery(ctx, ep.ID, at, ""))
	require.NoError(t, store.RecordDelivery(ctx, ep.ID, at, "status 500"))
	got, err = store.Get(ctx, ep.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastSuccess)
	assert.True(t, at.Equal(*got.LastSuccess))
	assert.Equal(t, "status 500", got.LastError)

	list, err := store.ListByOwner(ctx, "usr_pg")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, store.Delete(ctx, ep.ID))
	_, err = store.Get(ctx, ep.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, store.RecordDelivery(ctx, ep.ID, at, ""), ErrNotFound)
}
