package engine

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"renderq/internal/domain"
)

// Publisher fans a freshly appended event out to live stream subscribers.
type Publisher interface {
	Publish(ctx context.Context, ev domain.JobEvent) error
}

// Sequencer appends monotonically ordered events per job and serves replay
// queries for reconnecting clients.
type Sequencer struct {
	events domain.EventRepository
	broker Publisher
	log    zerolog.Logger
}

// NewSequencer wires the sequencer; broker may be nil when live fan-out is
// not configured.
func NewSequencer(events domain.EventRepository, broker Publisher, log zerolog.Logger) *Sequencer {
	return &Sequencer{events: events, broker: broker, log: log}
}

// Append records the event under the job's next sequence number and publishes
// it to live subscribers. Publish failures are logged, never returned: the
// durable log is the source of truth and clients can replay.
func (s *Sequencer) Append(ctx context.Context, jobID string, t domain.EventType, payload []byte) (domain.JobEvent, error) {
	ev, err := s.events.Append(ctx, jobID, t, payload)
	if err != nil {
		return domain.JobEvent{}, fmt.Errorf("append %s event for job %s: %w", t, jobID, err)
	}
	if s.broker != nil {
		if err := s.broker.Publish(ctx, ev); err != nil {
			s.log.Warn().Err(err).Str("job_id", jobID).Int64("sequence", ev.Sequence).Msg("event publish failed")
		}
	}
	return ev, nil
}

// Replay returns all events with sequence > since, in order. When since
// points at a purged or unknown position the caller gets ErrExpired and must
// fall back to a full-state fetch.
func (s *Sequencer) Replay(ctx context.Context, jobID string, since int64) ([]domain.JobEvent, error) {
	if since < 0 {
		return nil, fmt.Errorf("negative replay cursor: %w", domain.ErrInvalidArgument)
	}
	if since > 0 {
		ok, err := s.events.HasSequence(ctx, jobID, since)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("cursor %s:%d: %w", jobID, since, domain.ErrExpired)
		}
	}
	return s.events.ListSince(ctx, jobID, since)
}
