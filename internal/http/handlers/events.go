package handlers

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"renderq/internal/domain"
)

const keepaliveInterval = 15 * time.Second

// JobEventsStream serves the job's event log as SSE:
//
//	id: {job_id}:{sequence}
//	event: {event_type}
//	data: {payload}
//
// A reconnecting client sends Last-Event-ID (or ?since=) and gets every event
// with a greater sequence; a cursor past retention gets 410 Gone and must
// re-fetch full state. The stream closes after the terminal event.
func (a *App) JobEventsStream(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, err := a.Engine.GetJob(r.Context(), jobID)
	if err != nil {
		a.fail(w, err)
		return
	}

	since, err := replayCursor(r, jobID)
	if err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		a.error(w, http.StatusInternalServerError, "internal", "streaming unsupported")
		return
	}

	ctx := r.Context()
	// Subscribe before replaying so nothing appended in between is lost;
	// duplicates are dropped by sequence below.
	live, cancel := a.Streams.Subscribe(ctx, jobID)
	defer cancel()

	replay, err := a.Engine.Sequencer().Replay(ctx, jobID, since)
	if err != nil {
		// Expired cursors map to 410 Gone in fail.
		a.fail(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	last := since
	for _, ev := range replay {
		writeSSE(w, ev)
		last = ev.Sequence
		if ev.Type.Terminal() {
			flusher.Flush()
			return
		}
	}
	flusher.Flush()

	// Nothing further can arrive once the job record is terminal.
	if job.Status.IsTerminal() {
		return
	}

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case ev, ok := <-live:
			if !ok {
				return
			}
			if ev.Sequence <= last {
				continue
			}
			writeSSE(w, ev)
			flusher.Flush()
			last = ev.Sequence
			if ev.Type.Terminal() {
				return
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, ev domain.JobEvent) {
	fmt.Fprintf(w, "id: %s:%d\n", ev.JobID, ev.Sequence)
	fmt.Fprintf(w, "event: %s\n", ev.Type)
	fmt.Fprintf(w, "data: %s\n\n", ev.Payload)
}

// replayCursor parses Last-Event-ID ("{job_id}:{sequence}") or the since
// query parameter. A Last-Event-ID for another job is ignored.
func replayCursor(r *http.Request, jobID string) (int64, error) {
	if raw := r.Header.Get("Last-Event-ID"); raw != "" {
		idx := strings.LastIndexByte(raw, ':')
		if idx < 0 {
			return 0, fmt.Errorf("malformed Last-Event-ID %q", raw)
		}
		if raw[:idx] != jobID {
			return 0, nil
		}
		seq, err := strconv.ParseInt(raw[idx+1:], 10, 64)
		if err != nil || seq < 0 {
			return 0, fmt.Errorf("malformed Last-Event-ID %q", raw)
		}
		return seq, nil
	}
	if raw := r.URL.Query().Get("since"); raw != "" {
		seq, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || seq < 0 {
			return 0, fmt.Errorf("malformed since %q", raw)
		}
		return seq, nil
	}
	return 0, nil
}
