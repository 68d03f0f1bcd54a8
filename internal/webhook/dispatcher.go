// Package webhook fans job lifecycle events out to registered HTTPS
// endpoints with signed payloads, bounded retries and per-attempt timeouts.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"renderq/internal/domain"
	"renderq/internal/telemetry"
)

const (
	attemptTimeout  = 5 * time.Second
	responseBodyCap = 1024
	claimBatch      = 50
)

// Dispatcher owns webhook delivery records and their retry state machine.
// Delivery is at-least-once with no ordering guarantee across concurrent
// events; consumers deduplicate on the delivery id.
type Dispatcher struct {
	store  domain.WebhookRepository
	client *http.Client
	log    zerolog.Logger
	now    func() time.Time
	wg     sync.WaitGroup
}

// NewDispatcher builds a dispatcher with the standard 5s attempt timeout.
func NewDispatcher(store domain.WebhookRepository, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		store:  store,
		client: &http.Client{Timeout: attemptTimeout},
		log:    log,
		now:    time.Now,
	}
}

// Notify creates one delivery per subscribed webhook on the owning team and
// attempts each in the background. It never blocks the caller: a stuck
// receiver must not stall job-state transitions.
func (d *Dispatcher) Notify(job *domain.Job, ev domain.JobEvent) {
	teamID := job.Owner.TeamID()
	if teamID == "" {
		return
	}
	// Detach from the request context; delivery outlives the transition.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer cancel()
		d.fanOut(ctx, teamID, ev)
	}()
}

// Wait drains in-flight background attempts. Used on shutdown and in tests.
func (d *Dispatcher) Wait() { d.wg.Wait() }

func (d *Dispatcher) fanOut(ctx context.Context, teamID string, ev domain.JobEvent) {
	hooks, err := d.store.ListSubscribed(ctx, teamID, ev.Type)
	if err != nil {
		d.log.Error().Err(err).Str("team_id", teamID).Msg("webhook lookup failed")
		return
	}
	for _, hook := range hooks {
		del, err := d.createDelivery(ctx, &hook, ev)
		if err != nil {
			d.log.Error().Err(err).Str("webhook_id", hook.ID).Msg("delivery create failed")
			continue
		}
		d.attempt(ctx, hook.URL, hook.Secret, del)
	}
}

func (d *Dispatcher) createDelivery(ctx context.Context, hook *domain.Webhook, ev domain.JobEvent) (*domain.WebhookDelivery, error) {
	id := uuid.NewString()
	body, err := json.Marshal(map[string]any{
		"event":       string(ev.Type),
		"timestamp":   ev.CreatedAt.Unix(),
		"delivery_id": id,
		"job":         json.RawMessage(ev.Payload),
	})
	if err != nil {
		return nil, err
	}
	now := d.now().UTC()
	del := &domain.WebhookDelivery{
		ID:          id,
		WebhookID:   hook.ID,
		JobID:       ev.JobID,
		EventType:   string(ev.Type),
		Payload:     body,
		Status:      domain.DeliveryPending,
		MaxAttempts: domain.DefaultMaxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := d.store.CreateDelivery(ctx, del); err != nil {
		return nil, err
	}
	return del, nil
}

// SendTest synthesizes one delivery outside the event-trigger path and
// attempts it immediately, for operator verification of an endpoint.
func (d *Dispatcher) SendTest(ctx context.Context, hook *domain.Webhook) (*domain.WebhookDelivery, error) {
	id := uuid.NewString()
	now := d.now().UTC()
	body, err := json.Marshal(map[string]any{
		"event":       "test",
		"timestamp":   now.Unix(),
		"delivery_id": id,
	})
	if err != nil {
		return nil, err
	}
	del := &domain.WebhookDelivery{
		ID:          id,
		WebhookID:   hook.ID,
		EventType:   "test",
		Payload:     body,
		Status:      domain.DeliveryPending,
		MaxAttempts: 1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := d.store.CreateDelivery(ctx, del); err != nil {
		return nil, err
	}
	d.attempt(ctx, hook.URL, hook.Secret, del)
	return del, nil
}

// RunRetryLoop claims due deliveries and re-attempts them until ctx is done.
// Runs in the worker binary; safe to run on several replicas concurrently
// because claiming leases rows.
func (d *Dispatcher) RunRetryLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			due, err := d.store.ClaimDue(ctx, d.now().UTC(), claimBatch)
			if err != nil {
				d.log.Error().Err(err).Msg("claim due deliveries failed")
				continue
			}
			for i := range due {
				del := due[i].Delivery
				d.attempt(ctx, due[i].URL, due[i].Secret, &del)
			}
		}
	}
}

// attempt performs one HTTP POST and advances the delivery state machine:
// 2xx delivered, 4xx failed permanently, anything else retried on the
// backoff schedule until the attempt budget runs out.
func (d *Dispatcher) attempt(ctx context.Context, url, secret string, del *domain.WebhookDelivery) {
	del.Attempts++
	telemetry.DeliveryAttempts.Inc()

	status, respBody, err := d.post(ctx, url, secret, del)
	del.ResponseStatus = status
	del.ResponseBody = respBody

	switch {
	case err == nil && status >= 200 && status < 300:
		del.Status = domain.DeliveryDelivered
		del.NextRetryAt = nil
		telemetry.DeliveriesDelivered.Inc()
	case err == nil && status >= 400 && status < 500:
		// Permanent failure: the receiver rejected the request and a
		// retry would not change the outcome.
		del.Status = domain.DeliveryFailed
		del.NextRetryAt = nil
		telemetry.DeliveriesFailed.Inc()
	default:
		if delay, ok := RetryDelay(del.Attempts + 1); ok && del.Attempts < del.MaxAttempts {
			next := d.now().UTC().Add(delay)
			del.Status = domain.DeliveryRetrying
			del.NextRetryAt = &next
		} else {
			del.Status = domain.DeliveryFailed
			del.NextRetryAt = nil
			telemetry.DeliveriesFailed.Inc()
		}
	}

	if uerr := d.store.UpdateDelivery(ctx, del); uerr != nil {
		d.log.Error().Err(uerr).Str("delivery_id", del.ID).Msg("delivery update failed")
	}
	if err != nil {
		d.log.Warn().Err(err).Str("delivery_id", del.ID).Int("attempt", del.Attempts).Msg("delivery attempt failed")
	}
}

func (d *Dispatcher) post(ctx context.Context, url, secret string, del *domain.WebhookDelivery) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(del.Payload))
	if err != nil {
		return 0, "", err
	}
	ts := d.now().Unix()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Delivery-Id", del.ID)
	req.Header.Set("X-Webhook-Timestamp", fmt.Sprintf("%d", ts))
	req.Header.Set("X-Webhook-Signature", "sha256="+Sign(secret, ts, del.Payload))

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, responseBodyCap))
	return resp.StatusCode, string(body), nil
}
