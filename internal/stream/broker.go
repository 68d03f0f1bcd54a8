// Package stream fans appended job events out to live SSE subscribers
// through redis pub/sub, so a client streaming from one replica sees appends
// committed by any other.
package stream

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"renderq/internal/domain"
)

const channelPrefix = "job-events:"

// Broker publishes and subscribes per-job event channels.
type Broker struct {
	client *redis.Client
	log    zerolog.Logger
}

// NewBroker wraps a redis client.
func NewBroker(client *redis.Client, log zerolog.Logger) *Broker {
	return &Broker{client: client, log: log}
}

// Publish sends the event to the job's channel. Best effort: subscribers can
// always replay from the durable log.
func (b *Broker) Publish(ctx context.Context, ev domain.JobEvent) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, channelPrefix+ev.JobID, raw).Err()
}

// Subscribe returns a channel of live events for the job and a cancel
// function. The channel closes when the subscription ends.
func (b *Broker) Subscribe(ctx context.Context, jobID string) (<-chan domain.JobEvent, func()) {
	sub := b.client.Subscribe(ctx, channelPrefix+jobID)
	out := make(chan domain.JobEvent, 16)

	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			var ev domain.JobEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				b.log.Warn().Err(err).Str("job_id", jobID).Msg("bad event payload on channel")
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, func() { _ = sub.Close() }
}
