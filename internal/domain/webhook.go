package domain

import (
	"fmt"
	"net/url"
	"time"
)

// Webhook is a team-scoped HTTP subscription to job lifecycle events.
type Webhook struct {
	ID        string
	TeamID    string
	URL       string
	Secret    string
	Events    []string
	IsActive  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Validate checks the subscription: HTTPS endpoint and a non-empty set of
// known event names.
func (w *Webhook) Validate() error {
	u, err := url.Parse(w.URL)
	if err != nil || u.Scheme != "https" || u.Host == "" {
		return fmt.Errorf("webhook url must be https: %w", ErrInvalidArgument)
	}
	if len(w.Events) == 0 {
		return fmt.Errorf("webhook needs at least one event: %w", ErrInvalidArgument)
	}
	for _, e := range w.Events {
		if !EventType(e).Valid() {
			return fmt.Errorf("unknown event %q: %w", e, ErrInvalidArgument)
		}
	}
	if w.Secret == "" {
		return fmt.Errorf("webhook secret required: %w", ErrInvalidArgument)
	}
	return nil
}

// Subscribed reports whether the webhook listens for the given event.
func (w *Webhook) Subscribed(e EventType) bool {
	for _, name := range w.Events {
		if name == string(e) {
			return true
		}
	}
	return false
}

// DeliveryStatus enumerates webhook delivery states.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryRetrying  DeliveryStatus = "retrying"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
)

// DefaultMaxAttempts bounds delivery retries, the first attempt included.
const DefaultMaxAttempts = 5

// WebhookDelivery tracks the attempts for one (webhook, triggering event)
// pair. Terminal at delivered or failed.
type WebhookDelivery struct {
	ID             string
	WebhookID      string
	JobID          string
	EventType      string
	Payload        []byte // signed request body
	Status         DeliveryStatus
	Attempts       int
	MaxAttempts    int
	NextRetryAt    *time.Time
	ResponseStatus int    // diagnostic only
	ResponseBody   string // diagnostic only, truncated
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// DueDelivery pairs a claimed delivery with the endpoint it targets.
type DueDelivery struct {
	Delivery WebhookDelivery
	URL      string
	Secret   string
}
