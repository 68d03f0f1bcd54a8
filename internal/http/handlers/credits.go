package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"renderq/internal/domain"
	"renderq/internal/middleware"
)

type ledgerEntryView struct {
	ID        string    `json:"id"`
	JobID     string    `json:"job_id,omitempty"`
	Delta     int64     `json:"delta"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

// CreditEntries returns the current balance and recent signed adjustments
// for a credit source. Personal sources are visible to their user, team
// sources to any team member.
func (a *App) CreditEntries(w http.ResponseWriter, r *http.Request) {
	source := chi.URLParam(r, "source")
	urn, err := domain.ParseURN(source)
	if err != nil {
		a.fail(w, err)
		return
	}
	actor := middleware.ActorFromContext(r.Context())
	if actor == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing actor")
		return
	}
	switch {
	case urn.Kind() == domain.URNUser:
		if urn.UserID() != actor {
			a.error(w, http.StatusForbidden, "forbidden", "not your credit source")
			return
		}
	default:
		role, err := a.Directory.TeamRole(r.Context(), urn.TeamID(), actor)
		if err != nil {
			a.fail(w, err)
			return
		}
		if role == "" {
			a.error(w, http.StatusForbidden, "forbidden", "not a member of the team")
			return
		}
	}

	balance, err := a.Ledger.Balance(r.Context(), urn.CreditSource())
	if err != nil {
		a.fail(w, err)
		return
	}
	entries, err := a.Ledger.Entries(r.Context(), urn.CreditSource(), 100)
	if err != nil {
		a.fail(w, err)
		return
	}
	out := make([]ledgerEntryView, 0, len(entries))
	for _, e := range entries {
		out = append(out, ledgerEntryView{
			ID:        e.ID,
			JobID:     e.JobID,
			Delta:     e.Delta,
			Reason:    e.Reason,
			CreatedAt: e.CreatedAt,
		})
	}
	a.json(w, http.StatusOK, map[string]any{"balance": balance, "entries": out})
}
