package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"renderq/internal/adapter/memstore"
	"renderq/internal/domain"
)

// startedJob admits a job and moves it to processing so in-flight events may
// be appended.
func startedJob(t *testing.T, store *memstore.Store, owner domain.URN, actor string) *domain.Job {
	t.Helper()
	job := seedJob(t, store, owner, actor, 10)
	m := NewStateMachine(store, store)
	job, err := m.Transition(context.Background(), job.ID, domain.JobStatusProcessing, TransitionDetails{})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	return job
}

func TestSequencerAssignsContiguousSequences(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	store.SeedUser("u1", domain.PlanStarter)
	job := startedJob(t, store, "user:u1", "u1")
	seq := NewSequencer(store, nil, zerolog.Nop())

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := seq.Append(ctx, job.ID, domain.EventProgress, []byte(`{}`)); err != nil {
				t.Errorf("append: %v", err)
			}
		}()
	}
	wg.Wait()

	events, err := seq.Replay(ctx, job.ID, 0)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(events) != n {
		t.Fatalf("got %d events, want %d", len(events), n)
	}
	for i, ev := range events {
		if ev.Sequence != int64(i+1) {
			t.Fatalf("event %d has sequence %d, want %d", i, ev.Sequence, i+1)
		}
	}
}

func TestSequencerReplaySince(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	store.SeedUser("u1", domain.PlanStarter)
	job := startedJob(t, store, "user:u1", "u1")
	seq := NewSequencer(store, nil, zerolog.Nop())

	for i := 0; i < 9; i++ {
		if _, err := seq.Append(ctx, job.ID, domain.EventProgress, []byte(`{}`)); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	events, err := seq.Replay(ctx, job.ID, 5)
	if err != nil {
		t.Fatalf("replay since 5: %v", err)
	}
	if len(events) != 4 {
		t.Fatalf("got %d events, want 4", len(events))
	}
	for i, ev := range events {
		if ev.Sequence != int64(6+i) {
			t.Fatalf("event %d has sequence %d, want %d", i, ev.Sequence, 6+i)
		}
	}

	if _, err := seq.Replay(ctx, job.ID, -1); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("negative cursor err = %v, want ErrInvalidArgument", err)
	}
}

func TestSequencerReplayExpiredCursor(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	store.SeedUser("u1", domain.PlanStarter)
	job := startedJob(t, store, "user:u1", "u1")
	seq := NewSequencer(store, nil, zerolog.Nop())

	for i := 0; i < 3; i++ {
		if _, err := seq.Append(ctx, job.ID, domain.EventProgress, []byte(`{}`)); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	if _, err := store.PurgeBefore(ctx, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("purge: %v", err)
	}

	if _, err := seq.Replay(ctx, job.ID, 2); !errors.Is(err, domain.ErrExpired) {
		t.Fatalf("replay past purge err = %v, want ErrExpired", err)
	}

	// Sequences keep climbing after a purge; they are never reissued.
	ev, err := seq.Append(ctx, job.ID, domain.EventProgress, []byte(`{}`))
	if err != nil {
		t.Fatalf("append after purge: %v", err)
	}
	if ev.Sequence != 4 {
		t.Fatalf("post-purge sequence = %d, want 4", ev.Sequence)
	}
}

func TestSequencerUnknownJob(t *testing.T) {
	store := memstore.New()
	seq := NewSequencer(store, nil, zerolog.Nop())
	if _, err := seq.Append(context.Background(), "missing", domain.EventProgress, []byte(`{}`)); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
