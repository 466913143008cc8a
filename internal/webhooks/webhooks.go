// Package webhooks delivers domain events to HTTP endpoints registered by
// account owners.
//
// Deliveries are signed with HMAC-SHA256 over the request body using the
// endpoint's secret, retried with backoff, and guarded per URL by a
// circuit breaker.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/voicedesk/voicedesk/internal/circuitbreaker"
	"github.com/voicedesk/voicedesk/internal/events"
	"github.com/voicedesk/voicedesk/internal/logging"
	"github.com/voicedesk/voicedesk/internal/metrics"
	"github.com/voicedesk/voicedesk/internal/retry"
	"github.com/voicedesk/voicedesk/internal/security"
)

// Delivery headers.
const (
	HeaderEvent     = "X-Voicedesk-Event"
	HeaderTimestamp = "X-Voicedesk-Timestamp"
	HeaderSignature = "X-Voicedesk-Signature"
)

var (
	ErrNotFound     = errors.New("webhooks: endpoint not found")
	ErrInvalidEvent = errors.New("webhooks: unknown event type")
	ErrInvalidURL   = errors.New("webhooks: URL not allowed")
)

// Endpoint is a registered delivery target.
type Endpoint struct {
	ID          string        `json:"id"`
	OwnerID     string        `json:"ownerId"`
	URL         string        `json:"url"`
	Secret      string        `json:"-"`
	Events      []events.Type `json:"events"`
	Active      bool          `json:"active"`
	CreatedAt   time.Time     `json:"createdAt"`
	LastSuccess *time.Time    `json:"lastSuccess,omitempty"`
	LastError   string        `json:"lastError,omitempty"`
}

// Wants reports whether the endpoint receives events of type t.
func (e *Endpoint) Wants(t events.Type) bool {
	return e.Active && slices.Contains(e.Events, t)
}

// Store persists endpoints.
type Store interface {
	Create(ctx context.Context, ep *Endpoint) error
	Get(ctx context.Context, id string) (*Endpoint, error)
	ListByOwner(ctx context.Context, ownerID string) ([]*Endpoint, error)
	// RecordDelivery stores the outcome of the latest delivery. An empty
	// errMsg marks a success at time at.
	RecordDelivery(ctx context.Context, id string, at time.Time, errMsg string) error
	Delete(ctx context.Context, id string) error
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify checks a signature produced by Sign in constant time.
func Verify(payload []byte, secret, signature string) bool {
	want, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hmac.Equal(h.Sum(nil), want)
}

// Dispatcher sends events to the owner's endpoints.
type Dispatcher struct {
	store   Store
	client  *http.Client
	policy  security.URLPolicy
	breaker *circuitbreaker.Breaker
	retry   retry.Policy
	timeout time.Duration
	wg      sync.WaitGroup
}

// NewDispatcher creates a new webhook dispatcher. URLs are re-checked
// against policy before every delivery so a DNS change cannot redirect
// deliveries to internal hosts.
func NewDispatcher(store Store, policy security.URLPolicy) *Dispatcher {
	return &Dispatcher{
		store: store,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		policy:  policy,
		breaker: circuitbreaker.New("webhooks", 5, time.Minute),
		retry:   retry.DefaultPolicy,
		timeout: time.Minute,
	}
}

// Dispatch delivers event to every active endpoint of its owner that
// subscribes to its type. Deliveries run in the background.
func (d *Dispatcher) Dispatch(ctx context.Context, event *events.Event) error {
	if event.OwnerID == "" {
		return nil
	}
	eps, err := d.store.ListByOwner(ctx, event.OwnerID)
	if err != nil {
		return fmt.Errorf("failed to get endpoints: %w", err)
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	// deliveries outlive the request that triggered them
	bg := context.WithoutCancel(ctx)
	for _, ep := range eps {
		if !ep.Wants(event.Type) {
			continue
		}
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			dctx, cancel := context.WithTimeout(bg, d.timeout)
			defer cancel()
			d.deliver(dctx, ep, event, payload)
		}()
	}
	return nil
}

// Wait blocks until in-flight deliveries finish.
func (d *Dispatcher) Wait() { d.wg.Wait() }

func (d *Dispatcher) deliver(ctx context.Context, ep *Endpoint, event *events.Event, payload []byte) {
	log := logging.L(ctx).With("webhookId", ep.ID, "event", event.Type)

	err := retry.Do(ctx, d.retry, func(int) error {
		if err := d.policy.Check(ctx, ep.URL); err != nil {
			return retry.Permanent(fmt.Errorf("%w: %v", ErrInvalidURL, err))
		}
		err := d.breaker.Do(ep.URL, func() error { return d.send(ctx, ep, event, payload) })
		if errors.Is(err, circuitbreaker.ErrOpen) {
			return retry.Permanent(err)
		}
		return err
	})

	result := "success"
	errMsg := ""
	switch {
	case errors.Is(err, circuitbreaker.ErrOpen):
		result, errMsg = "circuit_open", "circuit open"
	case err != nil:
		result, errMsg = "failed", err.Error()
	}
	metrics.WebhookDeliveriesTotal.WithLabelValues(result).Inc()
	if err != nil {
		log.Warn("webhook delivery failed", "error", err)
	}

	if rerr := d.store.RecordDelivery(ctx, ep.ID, time.Now().UTC(), errMsg); rerr != nil {
		log.Error("failed to record webhook delivery", "error", rerr)
	}
}

func (d *Dispatcher) send(ctx context.Context, ep *Endpoint, event *events.Event, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(fmt.Errorf("failed to create request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, string(event.Type))
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(event.Timestamp.Unix(), 10))
	if ep.Secret != "" {
		req.Header.Set(HeaderSignature, Sign(payload, ep.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("status %d", resp.StatusCode)
	default:
		// the receiver rejected the payload; resending will not help
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	}
}
