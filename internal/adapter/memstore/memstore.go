// Package memstore is an in-memory implementation of the domain repositories.
// It backs unit tests and local development; the postgres repositories in
// internal/adapter/repo are the production path. All methods are safe for
// concurrent use and honor the same atomicity contracts.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"renderq/internal/domain"
)

// Store holds every aggregate behind one mutex, which trivially satisfies the
// admission and transition atomicity contracts.
type Store struct {
	mu sync.Mutex

	jobs       map[string]*domain.Job
	idemIndex  map[string]string // actor\x00key -> job id
	events     map[string][]domain.JobEvent
	nextSeq    map[string]int64
	balances   map[string]int64
	entries    []domain.LedgerEntry
	webhooks   map[string]*domain.Webhook
	deliveries map[string]*domain.WebhookDelivery
	plans      map[string]domain.Plan
	roles      map[string]string // team/user -> role

	now func() time.Time
}

// New returns an empty store.
func New() *Store {
	return &Store{
		jobs:       make(map[string]*domain.Job),
		idemIndex:  make(map[string]string),
		events:     make(map[string][]domain.JobEvent),
		nextSeq:    make(map[string]int64),
		balances:   make(map[string]int64),
		webhooks:   make(map[string]*domain.Webhook),
		deliveries: make(map[string]*domain.WebhookDelivery),
		plans:      make(map[string]domain.Plan),
		roles:      make(map[string]string),
		now:        time.Now,
	}
}

// SeedCredits sets a credit source balance.
func (s *Store) SeedCredits(sourceID string, balance int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[sourceID] = balance
}

// SeedUser registers a user and plan for directory lookups.
func (s *Store) SeedUser(userID string, plan domain.Plan) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans[userID] = plan
}

// SeedTeamMember registers a team membership role.
func (s *Store) SeedTeamMember(teamID, userID, role string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roles[teamID+"/"+userID] = role
}

// ---- domain.JobRepository ----

func (s *Store) Admit(ctx context.Context, p domain.AdmitParams) (*domain.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.Job.IdempotencyKey != "" {
		if id, ok := s.idemIndex[p.Job.TriggeredBy+"\x00"+p.Job.IdempotencyKey]; ok {
			job := *s.jobs[id]
			return &job, true, nil
		}
	}

	source := p.Job.Owner.CreditSource()
	if s.balances[source] < p.Job.CreditsCharged {
		return nil, false, fmt.Errorf("source %s: %w", source, domain.ErrInsufficientCredits)
	}
	scope := p.Job.Owner.ConcurrencyScope()
	if s.countActiveLocked(scope) >= p.ScopeLimit {
		return nil, false, fmt.Errorf("scope %s at ceiling %d: %w", scope, p.ScopeLimit, domain.ErrConcurrencyLimit)
	}
	if p.Job.ProjectID != "" && s.countActiveProjectLocked(p.Job.ProjectID) >= p.ProjectLimit {
		return nil, false, fmt.Errorf("project %s busy: %w", p.Job.ProjectID, domain.ErrConcurrencyLimit)
	}

	job := p.Job
	s.jobs[job.ID] = &job
	if job.IdempotencyKey != "" {
		s.idemIndex[job.TriggeredBy+"\x00"+job.IdempotencyKey] = job.ID
	}
	s.balances[source] -= job.CreditsCharged
	s.entries = append(s.entries, domain.LedgerEntry{
		ID:        uuid.NewString(),
		SourceID:  source,
		JobID:     job.ID,
		Delta:     -job.CreditsCharged,
		Reason:    domain.LedgerReasonCharge,
		CreatedAt: s.now().UTC(),
	})
	out := job
	return &out, false, nil
}

func (s *Store) GetByID(ctx context.Context, id string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	out := *job
	return &out, nil
}

func (s *Store) ApplyTransition(ctx context.Context, u domain.TransitionUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[u.JobID]
	if !ok {
		return fmt.Errorf("job %s: %w", u.JobID, domain.ErrNotFound)
	}
	if job.Status != u.From {
		return domain.ErrStaleStatus
	}
	job.Status = u.To
	job.UpdatedAt = s.now().UTC()
	if u.StartedAt != nil {
		job.StartedAt = u.StartedAt
	}
	if u.CompletedAt != nil {
		job.CompletedAt = u.CompletedAt
	}
	if u.FailureType != "" {
		job.FailureType = u.FailureType
	}
	if len(u.Output) > 0 {
		job.Output = u.Output
	}
	job.ProgressPercent = u.ProgressPercent
	if u.Refund > 0 {
		job.CreditsRefunded = u.Refund
		s.balances[u.CreditSource] += u.Refund
		s.entries = append(s.entries, domain.LedgerEntry{
			ID:        uuid.NewString(),
			SourceID:  u.CreditSource,
			JobID:     job.ID,
			Delta:     u.Refund,
			Reason:    domain.LedgerReasonRefund,
			CreatedAt: s.now().UTC(),
		})
	}
	return nil
}

func (s *Store) UpdateProgress(ctx context.Context, jobID string, percent int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, domain.ErrNotFound)
	}
	if job.Status != domain.JobStatusProcessing {
		return domain.ErrStaleStatus
	}
	job.ProgressPercent = percent
	job.UpdatedAt = s.now().UTC()
	return nil
}

func (s *Store) CountActive(ctx context.Context, scope string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.countActiveLocked(scope), nil
}

func (s *Store) countActiveLocked(scope string) int {
	n := 0
	for _, job := range s.jobs {
		if !job.Status.IsTerminal() && job.Owner.ConcurrencyScope() == scope {
			n++
		}
	}
	return n
}

func (s *Store) countActiveProjectLocked(projectID string) int {
	n := 0
	for _, job := range s.jobs {
		if !job.Status.IsTerminal() && job.ProjectID == projectID {
			n++
		}
	}
	return n
}

// ---- domain.EventRepository ----

func (s *Store) Append(ctx context.Context, jobID string, t domain.EventType, payload []byte) (domain.JobEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return domain.JobEvent{}, fmt.Errorf("job %s: %w", jobID, domain.ErrNotFound)
	}
	if t.InFlight() && job.Status != domain.JobStatusProcessing {
		return domain.JobEvent{}, domain.ErrStaleStatus
	}
	seq := s.nextSeq[jobID] + 1
	s.nextSeq[jobID] = seq
	ev := domain.JobEvent{
		JobID:     jobID,
		Sequence:  seq,
		Type:      t,
		Payload:   payload,
		CreatedAt: s.now().UTC(),
	}
	s.events[jobID] = append(s.events[jobID], ev)
	return ev, nil
}

func (s *Store) ListSince(ctx context.Context, jobID string, since int64) ([]domain.JobEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.JobEvent
	for _, ev := range s.events[jobID] {
		if ev.Sequence > since {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (s *Store) HasSequence(ctx context.Context, jobID string, seq int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range s.events[jobID] {
		if ev.Sequence == seq {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var purged int64
	for jobID, evs := range s.events {
		kept := evs[:0]
		for _, ev := range evs {
			if ev.CreatedAt.Before(cutoff) {
				purged++
				continue
			}
			kept = append(kept, ev)
		}
		s.events[jobID] = kept
	}
	return purged, nil
}

// ---- domain.LedgerRepository ----

func (s *Store) Balance(ctx context.Context, sourceID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bal, ok := s.balances[sourceID]
	if !ok {
		return 0, fmt.Errorf("credit source %s: %w", sourceID, domain.ErrNotFound)
	}
	return bal, nil
}

func (s *Store) Entries(ctx context.Context, sourceID string, limit int) ([]domain.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.LedgerEntry
	for i := len(s.entries) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if s.entries[i].SourceID == sourceID {
			out = append(out, s.entries[i])
		}
	}
	return out, nil
}

// ---- domain.WebhookRepository ----

func (s *Store) Create(ctx context.Context, w *domain.Webhook) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *w
	cp.Events = append([]string(nil), w.Events...)
	s.webhooks[w.ID] = &cp
	return nil
}

func (s *Store) GetWebhook(ctx context.Context, id string) (*domain.Webhook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.webhooks[id]
	if !ok {
		return nil, fmt.Errorf("webhook %s: %w", id, domain.ErrNotFound)
	}
	cp := *w
	return &cp, nil
}

func (s *Store) ListByTeam(ctx context.Context, teamID string) ([]domain.Webhook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Webhook
	for _, w := range s.webhooks {
		if w.TeamID == teamID {
			out = append(out, *w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ListSubscribed(ctx context.Context, teamID string, e domain.EventType) ([]domain.Webhook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Webhook
	for _, w := range s.webhooks {
		if w.TeamID == teamID && w.IsActive && w.Subscribed(e) {
			out = append(out, *w)
		}
	}
	return out, nil
}

func (s *Store) Deactivate(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.webhooks[id]
	if !ok {
		return fmt.Errorf("webhook %s: %w", id, domain.ErrNotFound)
	}
	w.IsActive = false
	w.UpdatedAt = s.now().UTC()
	return nil
}

func (s *Store) CreateDelivery(ctx context.Context, d *domain.WebhookDelivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *d
	s.deliveries[d.ID] = &cp
	return nil
}

func (s *Store) UpdateDelivery(ctx context.Context, d *domain.WebhookDelivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.deliveries[d.ID]; !ok {
		return fmt.Errorf("delivery %s: %w", d.ID, domain.ErrNotFound)
	}
	cp := *d
	cp.UpdatedAt = s.now().UTC()
	s.deliveries[d.ID] = &cp
	return nil
}

func (s *Store) ClaimDue(ctx context.Context, now time.Time, limit int) ([]domain.DueDelivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.DueDelivery
	for _, d := range s.deliveries {
		if len(out) >= limit {
			break
		}
		if d.Status != domain.DeliveryPending && d.Status != domain.DeliveryRetrying {
			continue
		}
		if d.NextRetryAt != nil && d.NextRetryAt.After(now) {
			continue
		}
		hook, ok := s.webhooks[d.WebhookID]
		if !ok {
			continue
		}
		lease := now.Add(time.Minute)
		d.NextRetryAt = &lease
		out = append(out, domain.DueDelivery{Delivery: *d, URL: hook.URL, Secret: hook.Secret})
	}
	return out, nil
}

func (s *Store) ListDeliveries(ctx context.Context, webhookID string, limit int) ([]domain.WebhookDelivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.WebhookDelivery
	for _, d := range s.deliveries {
		if d.WebhookID == webhookID {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) PurgeDeliveriesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var purged int64
	for id, d := range s.deliveries {
		if (d.Status == domain.DeliveryDelivered || d.Status == domain.DeliveryFailed) && d.CreatedAt.Before(cutoff) {
			delete(s.deliveries, id)
			purged++
		}
	}
	return purged, nil
}

// ---- domain.Directory ----

func (s *Store) UserPlan(ctx context.Context, userID string) (domain.Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	plan, ok := s.plans[userID]
	if !ok {
		return "", fmt.Errorf("user %s: %w", userID, domain.ErrNotFound)
	}
	return plan, nil
}

func (s *Store) TeamRole(ctx context.Context, teamID, userID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roles[teamID+"/"+userID], nil
}
