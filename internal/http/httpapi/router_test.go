package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"renderq/internal/adapter/memstore"
	"renderq/internal/domain"
	"renderq/internal/engine"
	"renderq/internal/http/handlers"
	"renderq/internal/infra"
	"renderq/internal/webhook"
)

// stubStreams returns an already-closed live channel so SSE handlers fall
// back to replay-only behavior in tests.
type stubStreams struct{}

func (stubStreams) Subscribe(ctx context.Context, jobID string) (<-chan domain.JobEvent, func()) {
	ch := make(chan domain.JobEvent)
	close(ch)
	return ch, func() {}
}

type testEnv struct {
	store  *memstore.Store
	engine *engine.Engine
	router http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := memstore.New()
	log := zerolog.Nop()
	eng := engine.New(store, store, store, nil, nil, log)
	app := &handlers.App{
		Engine:     eng,
		Ledger:     store,
		Webhooks:   store,
		Directory:  store,
		Dispatcher: webhook.NewDispatcher(store, log),
		Streams:    stubStreams{},
		Logger:     log,
	}
	return &testEnv{
		store:  store,
		engine: eng,
		router: NewRouter(app, &infra.Config{}, log),
	}
}

func (e *testEnv) do(t *testing.T, method, path, actor, body string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr *strings.Reader
	if body == "" {
		rdr = strings.NewReader("{}")
	} else {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rdr)
	if actor != "" {
		req.Header.Set("X-Actor-ID", actor)
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decodeJob(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestJobsCreateRequiresActor(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/v1/jobs", "", `{"owner":"user:u1","estimated_cost":10}`, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("code = %d, want 401", rec.Code)
	}
}

func TestJobsCreateAndGet(t *testing.T) {
	env := newTestEnv(t)
	env.store.SeedUser("u1", domain.PlanStarter)
	env.store.SeedCredits("user:u1", 100)

	rec := env.do(t, http.MethodPost, "/v1/jobs", "u1", `{"owner":"user:u1","estimated_cost":40}`, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create code = %d body %s", rec.Code, rec.Body.String())
	}
	created := decodeJob(t, rec)
	if created["status"] != "queued" || created["triggered_by"] != "u1" {
		t.Fatalf("created = %v", created)
	}

	id := created["id"].(string)
	rec = env.do(t, http.MethodGet, "/v1/jobs/"+id, "u1", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get code = %d", rec.Code)
	}
	if got := decodeJob(t, rec); got["id"] != id {
		t.Fatalf("get returned %v", got)
	}

	rec = env.do(t, http.MethodGet, "/v1/jobs/nope", "u1", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing job code = %d, want 404", rec.Code)
	}
}

func TestJobsCreateIdempotencyHeader(t *testing.T) {
	env := newTestEnv(t)
	env.store.SeedUser("u1", domain.PlanPro)
	env.store.SeedCredits("user:u1", 100)
	hdr := map[string]string{"Idempotency-Key": "k1"}

	first := env.do(t, http.MethodPost, "/v1/jobs", "u1", `{"owner":"user:u1","estimated_cost":40}`, hdr)
	if first.Code != http.StatusCreated {
		t.Fatalf("first code = %d", first.Code)
	}
	second := env.do(t, http.MethodPost, "/v1/jobs", "u1", `{"owner":"user:u1","estimated_cost":40}`, hdr)
	if second.Code != http.StatusOK {
		t.Fatalf("replay code = %d, want 200", second.Code)
	}
	if decodeJob(t, first)["id"] != decodeJob(t, second)["id"] {
		t.Fatal("replay created a second job")
	}
}

func TestJobsCreateRejections(t *testing.T) {
	env := newTestEnv(t)
	env.store.SeedUser("u1", domain.PlanStarter)
	env.store.SeedCredits("user:u1", 5)

	rec := env.do(t, http.MethodPost, "/v1/jobs", "u1", `{"owner":"user:u1","estimated_cost":40}`, nil)
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("insufficient credits code = %d, want 402", rec.Code)
	}

	env.store.SeedCredits("user:u1", 100)
	if rec := env.do(t, http.MethodPost, "/v1/jobs", "u1", `{"owner":"user:u1","estimated_cost":10}`, nil); rec.Code != http.StatusCreated {
		t.Fatalf("admit code = %d", rec.Code)
	}
	rec = env.do(t, http.MethodPost, "/v1/jobs", "u1", `{"owner":"user:u1","estimated_cost":10}`, nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("over-ceiling code = %d, want 429", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/v1/jobs", "u1", `{"owner":"bogus","estimated_cost":10}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed owner code = %d, want 400", rec.Code)
	}
}

func TestJobsTransitionAndCancelFlow(t *testing.T) {
	env := newTestEnv(t)
	env.store.SeedUser("u1", domain.PlanStarter)
	env.store.SeedCredits("user:u1", 100)

	rec := env.do(t, http.MethodPost, "/v1/jobs", "u1", `{"owner":"user:u1","estimated_cost":40}`, nil)
	id := decodeJob(t, rec)["id"].(string)

	rec = env.do(t, http.MethodPost, "/v1/jobs/"+id+"/transition", "", `{"status":"processing"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("start code = %d body %s", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodPost, "/v1/jobs/"+id+"/progress", "", `{"phase":"render","percent":50}`, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("progress code = %d", rec.Code)
	}

	// Illegal transition maps to 409.
	rec = env.do(t, http.MethodPost, "/v1/jobs/"+id+"/transition", "", `{"status":"queued"}`, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("illegal transition code = %d, want 409", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/v1/jobs/"+id+"/cancel", "u1", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel code = %d", rec.Code)
	}
	got := decodeJob(t, rec)
	if got["status"] != "canceled" || got["credits_refunded"] != float64(18) {
		t.Fatalf("canceled job = %v", got)
	}

	// Canceling an already-terminal job is a no-op success for any caller.
	rec = env.do(t, http.MethodPost, "/v1/jobs/"+id+"/cancel", "intruder", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("repeat cancel code = %d, want 200", rec.Code)
	}
}

func TestJobsCancelForbiddenForStranger(t *testing.T) {
	env := newTestEnv(t)
	env.store.SeedUser("u1", domain.PlanStarter)
	env.store.SeedCredits("user:u1", 100)

	rec := env.do(t, http.MethodPost, "/v1/jobs", "u1", `{"owner":"user:u1","estimated_cost":10}`, nil)
	id := decodeJob(t, rec)["id"].(string)

	rec = env.do(t, http.MethodPost, "/v1/jobs/"+id+"/cancel", "intruder", "", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("stranger cancel code = %d, want 403", rec.Code)
	}
}

func TestJobEventsStreamReplay(t *testing.T) {
	env := newTestEnv(t)
	env.store.SeedUser("u1", domain.PlanStarter)
	env.store.SeedCredits("user:u1", 100)
	ctx := context.Background()

	job, _, err := env.engine.CreateJob(ctx, engine.AdmitRequest{Owner: "user:u1", ActorID: "u1", EstimatedCost: 40})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := env.engine.TransitionJob(ctx, job.ID, domain.JobStatusProcessing, engine.TransitionDetails{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	for i := 1; i <= 6; i++ {
		if _, err := env.engine.RecordProgress(ctx, job.ID, engine.ProgressReport{Phase: "render", Percent: i * 10}); err != nil {
			t.Fatalf("progress %d: %v", i, err)
		}
	}
	if _, err := env.engine.TransitionJob(ctx, job.ID, domain.JobStatusCompleted, engine.TransitionDetails{Output: []byte(`{"url":"s3://out"}`)}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	// Sequences now run 1 (queued) .. 9 (completed).

	rec := env.do(t, http.MethodGet, "/v1/jobs/"+job.ID+"/events", "u1", "", map[string]string{
		"Last-Event-ID": job.ID + ":5",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("stream code = %d body %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	var ids []string
	for _, line := range strings.Split(rec.Body.String(), "\n") {
		if strings.HasPrefix(line, "id: ") {
			ids = append(ids, strings.TrimPrefix(line, "id: "))
		}
	}
	want := []string{
		fmt.Sprintf("%s:6", job.ID),
		fmt.Sprintf("%s:7", job.ID),
		fmt.Sprintf("%s:8", job.ID),
		fmt.Sprintf("%s:9", job.ID),
	}
	if len(ids) != len(want) {
		t.Fatalf("ids = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("ids = %v, want %v", ids, want)
		}
	}
	if !strings.Contains(rec.Body.String(), "event: completed") {
		t.Fatalf("terminal event missing from stream:\n%s", rec.Body.String())
	}

	// A Last-Event-ID naming another job is ignored and replay starts from 0.
	rec = env.do(t, http.MethodGet, "/v1/jobs/"+job.ID+"/events", "u1", "", map[string]string{
		"Last-Event-ID": "otherjob:5",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("foreign cursor code = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "id: "+job.ID+":1\n") {
		t.Fatal("foreign cursor did not replay from the start")
	}

	rec = env.do(t, http.MethodGet, "/v1/jobs/"+job.ID+"/events", "u1", "", map[string]string{
		"Last-Event-ID": "garbage",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed cursor code = %d, want 400", rec.Code)
	}
}

func TestJobEventsStreamExpiredCursor(t *testing.T) {
	env := newTestEnv(t)
	env.store.SeedUser("u1", domain.PlanStarter)
	env.store.SeedCredits("user:u1", 100)
	ctx := context.Background()

	job, _, err := env.engine.CreateJob(ctx, engine.AdmitRequest{Owner: "user:u1", ActorID: "u1", EstimatedCost: 40})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := env.engine.TransitionJob(ctx, job.ID, domain.JobStatusProcessing, engine.TransitionDetails{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := env.store.PurgeBefore(ctx, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("purge: %v", err)
	}

	rec := env.do(t, http.MethodGet, "/v1/jobs/"+job.ID+"/events?since=2", "u1", "", nil)
	if rec.Code != http.StatusGone {
		t.Fatalf("expired cursor code = %d, want 410", rec.Code)
	}
}

func TestWebhookManagement(t *testing.T) {
	env := newTestEnv(t)
	env.store.SeedTeamMember("t1", "alice", "owner")

	body := `{"url":"https://example.com/hook","events":["completed","failed"],"secret":"s3cr3t"}`

	// Only team members manage webhooks.
	rec := env.do(t, http.MethodPost, "/v1/teams/t1/webhooks/", "stranger", body, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("stranger create code = %d, want 403", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/v1/teams/t1/webhooks/", "alice", body, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create code = %d body %s", rec.Code, rec.Body.String())
	}
	hook := decodeJob(t, rec)
	hookID := hook["id"].(string)

	// Plain http endpoints are rejected.
	rec = env.do(t, http.MethodPost, "/v1/teams/t1/webhooks/", "alice",
		`{"url":"http://example.com/hook","events":["completed"],"secret":"s"}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("insecure url code = %d, want 400", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/v1/teams/t1/webhooks/", "alice", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list code = %d", rec.Code)
	}
	var hooks []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &hooks); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(hooks) != 1 || hooks[0]["id"] != hookID {
		t.Fatalf("list = %v", hooks)
	}

	// Webhooks of other teams are invisible, not just forbidden.
	env.store.SeedTeamMember("t2", "bob", "owner")
	rec = env.do(t, http.MethodDelete, "/v1/teams/t2/webhooks/"+hookID, "bob", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("cross-team delete code = %d, want 404", rec.Code)
	}

	rec = env.do(t, http.MethodDelete, "/v1/teams/t1/webhooks/"+hookID, "alice", "", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete code = %d, want 204", rec.Code)
	}
	got, err := env.store.GetWebhook(context.Background(), hookID)
	if err != nil {
		t.Fatalf("get after delete: %v", err)
	}
	if got.IsActive {
		t.Fatal("webhook still active after delete")
	}
}

func TestWebhookTestDelivery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	env := newTestEnv(t)
	env.store.SeedTeamMember("t1", "alice", "owner")
	now := time.Now().UTC()
	hook := &domain.Webhook{
		ID: "wh1", TeamID: "t1", URL: srv.URL, Secret: "s",
		Events: []string{"completed"}, IsActive: true, CreatedAt: now, UpdatedAt: now,
	}
	if err := env.store.Create(context.Background(), hook); err != nil {
		t.Fatalf("seed hook: %v", err)
	}

	rec := env.do(t, http.MethodPost, "/v1/teams/t1/webhooks/wh1/test", "alice", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("test code = %d body %s", rec.Code, rec.Body.String())
	}
	del := decodeJob(t, rec)
	if del["status"] != "delivered" || del["event_type"] != "test" {
		t.Fatalf("delivery = %v", del)
	}

	rec = env.do(t, http.MethodGet, "/v1/teams/t1/webhooks/wh1/deliveries", "alice", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("deliveries code = %d", rec.Code)
	}
	var dels []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &dels); err != nil {
		t.Fatalf("decode deliveries: %v", err)
	}
	if len(dels) != 1 {
		t.Fatalf("deliveries = %v", dels)
	}
}

func TestCreditEntriesAuthorization(t *testing.T) {
	env := newTestEnv(t)
	env.store.SeedUser("u1", domain.PlanStarter)
	env.store.SeedCredits("user:u1", 100)
	env.store.SeedTeamMember("t1", "alice", "member")
	env.store.SeedCredits("team:t1", 500)

	rec := env.do(t, http.MethodGet, "/v1/credits/user:u1/entries", "u1", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("own source code = %d", rec.Code)
	}
	if got := decodeJob(t, rec); got["balance"] != float64(100) {
		t.Fatalf("balance = %v", got["balance"])
	}

	rec = env.do(t, http.MethodGet, "/v1/credits/user:u1/entries", "u2", "", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("foreign source code = %d, want 403", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/v1/credits/team:t1/entries", "alice", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("team source code = %d", rec.Code)
	}
	rec = env.do(t, http.MethodGet, "/v1/credits/team:t1/entries", "u1", "", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("non-member team source code = %d, want 403", rec.Code)
	}
}

func TestHealthAndMetricsExposed(t *testing.T) {
	env := newTestEnv(t)
	if rec := env.do(t, http.MethodGet, "/v1/healthz", "", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("healthz code = %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/metrics", "", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("metrics code = %d", rec.Code)
	}
}
