package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"renderq/internal/adapter/memstore"
	"renderq/internal/domain"
)

func TestAdmitValidation(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	store.SeedUser("u1", domain.PlanStarter)
	store.SeedCredits("user:u1", 100)
	ctrl := NewAdmissionController(store, store)

	cases := []struct {
		name string
		req  AdmitRequest
	}{
		{"malformed owner", AdmitRequest{Owner: "nonsense", ActorID: "u1", EstimatedCost: 1}},
		{"zero cost", AdmitRequest{Owner: "user:u1", ActorID: "u1", EstimatedCost: 0}},
		{"negative cost", AdmitRequest{Owner: "user:u1", ActorID: "u1", EstimatedCost: -5}},
		{"missing actor", AdmitRequest{Owner: "user:u1", EstimatedCost: 1}},
		{"project on personal owner", AdmitRequest{Owner: "user:u1", ActorID: "u1", ProjectID: "p1", EstimatedCost: 1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, _, err := ctrl.TryAdmit(ctx, tc.req); !errors.Is(err, domain.ErrInvalidArgument) {
				t.Fatalf("err = %v, want ErrInvalidArgument", err)
			}
		})
	}
}

func TestAdmitInsufficientCreditsLeavesBalanceUntouched(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	store.SeedUser("u1", domain.PlanStarter)
	store.SeedCredits("user:u1", 30)
	ctrl := NewAdmissionController(store, store)

	_, _, err := ctrl.TryAdmit(ctx, AdmitRequest{Owner: "user:u1", ActorID: "u1", EstimatedCost: 40})
	if !errors.Is(err, domain.ErrInsufficientCredits) {
		t.Fatalf("err = %v, want ErrInsufficientCredits", err)
	}
	bal, err := store.Balance(ctx, "user:u1")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if bal != 30 {
		t.Fatalf("balance = %d after rejected admit, want 30", bal)
	}
	entries, _ := store.Entries(ctx, "user:u1", 0)
	if len(entries) != 0 {
		t.Fatalf("ledger has %d entries after rejected admit", len(entries))
	}
}

func TestAdmitDebitsAndRecordsLedgerEntry(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	store.SeedUser("u1", domain.PlanStarter)
	store.SeedCredits("user:u1", 100)
	ctrl := NewAdmissionController(store, store)

	job, reused, err := ctrl.TryAdmit(ctx, AdmitRequest{Owner: "user:u1", ActorID: "u1", EstimatedCost: 40})
	if err != nil || reused {
		t.Fatalf("admit: reused=%v err=%v", reused, err)
	}
	if job.Status != domain.JobStatusQueued || job.CreditsCharged != 40 {
		t.Fatalf("job = %+v", job)
	}
	bal, _ := store.Balance(ctx, "user:u1")
	if bal != 60 {
		t.Fatalf("balance = %d, want 60", bal)
	}
	entries, _ := store.Entries(ctx, "user:u1", 0)
	if len(entries) != 1 || entries[0].Delta != -40 || entries[0].Reason != domain.LedgerReasonCharge {
		t.Fatalf("entries = %+v", entries)
	}
}

func TestAdmitStarterCeilingIsOne(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	store.SeedUser("u1", domain.PlanStarter)
	store.SeedCredits("user:u1", 100)
	ctrl := NewAdmissionController(store, store)

	if _, _, err := ctrl.TryAdmit(ctx, AdmitRequest{Owner: "user:u1", ActorID: "u1", EstimatedCost: 1}); err != nil {
		t.Fatalf("first admit: %v", err)
	}
	if _, _, err := ctrl.TryAdmit(ctx, AdmitRequest{Owner: "user:u1", ActorID: "u1", EstimatedCost: 1}); !errors.Is(err, domain.ErrConcurrencyLimit) {
		t.Fatalf("second admit err = %v, want ErrConcurrencyLimit", err)
	}
}

func TestAdmitProCeilingIsThree(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	store.SeedUser("u1", domain.PlanPro)
	store.SeedCredits("user:u1", 100)
	ctrl := NewAdmissionController(store, store)

	for i := 0; i < 3; i++ {
		if _, _, err := ctrl.TryAdmit(ctx, AdmitRequest{Owner: "user:u1", ActorID: "u1", EstimatedCost: 1}); err != nil {
			t.Fatalf("admit %d: %v", i, err)
		}
	}
	if _, _, err := ctrl.TryAdmit(ctx, AdmitRequest{Owner: "user:u1", ActorID: "u1", EstimatedCost: 1}); !errors.Is(err, domain.ErrConcurrencyLimit) {
		t.Fatalf("fourth admit err = %v, want ErrConcurrencyLimit", err)
	}
}

// All URNs rooted at one team share a single concurrency pool, regardless of
// which member triggered the job.
func TestAdmitTeamPoolSharedUnderContention(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	store.SeedCredits("team:t1", 1_000)
	ctrl := NewAdmissionController(store, store)

	const attempts = 20
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			owner := domain.URN(fmt.Sprintf("t1:member%d", i%4))
			if i%5 == 0 {
				owner = "team:t1"
			}
			_, _, errs[i] = ctrl.TryAdmit(ctx, AdmitRequest{
				Owner:         owner,
				ActorID:       fmt.Sprintf("member%d", i%4),
				EstimatedCost: 10,
			})
		}(i)
	}
	wg.Wait()

	admitted, limited := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			admitted++
		case errors.Is(err, domain.ErrConcurrencyLimit):
			limited++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if admitted != 5 || limited != 15 {
		t.Fatalf("admitted=%d limited=%d, want 5/15", admitted, limited)
	}

	// Exactly the admitted jobs were charged.
	bal, _ := store.Balance(ctx, "team:t1")
	if bal != 1_000-5*10 {
		t.Fatalf("balance = %d, want %d", bal, 1_000-5*10)
	}
	n, _ := store.CountActive(ctx, "team:t1")
	if n != 5 {
		t.Fatalf("active jobs = %d, want 5", n)
	}
}

func TestAdmitProjectSingleFlight(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	store.SeedCredits("team:t1", 100)
	ctrl := NewAdmissionController(store, store)

	if _, _, err := ctrl.TryAdmit(ctx, AdmitRequest{Owner: "t1:alice", ActorID: "alice", ProjectID: "p1", EstimatedCost: 1}); err != nil {
		t.Fatalf("first project job: %v", err)
	}
	if _, _, err := ctrl.TryAdmit(ctx, AdmitRequest{Owner: "t1:bob", ActorID: "bob", ProjectID: "p1", EstimatedCost: 1}); !errors.Is(err, domain.ErrConcurrencyLimit) {
		t.Fatalf("second project job err = %v, want ErrConcurrencyLimit", err)
	}
	// A different project under the same team is still admissible.
	if _, _, err := ctrl.TryAdmit(ctx, AdmitRequest{Owner: "t1:bob", ActorID: "bob", ProjectID: "p2", EstimatedCost: 1}); err != nil {
		t.Fatalf("other project job: %v", err)
	}
}

func TestAdmitIdempotencyReuse(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	store.SeedUser("u1", domain.PlanStarter)
	store.SeedUser("u2", domain.PlanStarter)
	store.SeedCredits("user:u1", 100)
	store.SeedCredits("user:u2", 100)
	ctrl := NewAdmissionController(store, store)

	first, reused, err := ctrl.TryAdmit(ctx, AdmitRequest{Owner: "user:u1", ActorID: "u1", EstimatedCost: 40, IdempotencyKey: "k1"})
	if err != nil || reused {
		t.Fatalf("first: reused=%v err=%v", reused, err)
	}

	second, reused, err := ctrl.TryAdmit(ctx, AdmitRequest{Owner: "user:u1", ActorID: "u1", EstimatedCost: 40, IdempotencyKey: "k1"})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !reused || second.ID != first.ID {
		t.Fatalf("replay: reused=%v id=%s, want reuse of %s", reused, second.ID, first.ID)
	}
	bal, _ := store.Balance(ctx, "user:u1")
	if bal != 60 {
		t.Fatalf("balance = %d after replay, want single 40 debit", bal)
	}

	// Keys are scoped per actor: another actor may reuse the same key.
	other, reused, err := ctrl.TryAdmit(ctx, AdmitRequest{Owner: "user:u2", ActorID: "u2", EstimatedCost: 10, IdempotencyKey: "k1"})
	if err != nil || reused {
		t.Fatalf("other actor: reused=%v err=%v", reused, err)
	}
	if other.ID == first.ID {
		t.Fatal("idempotency key leaked across actors")
	}
}
