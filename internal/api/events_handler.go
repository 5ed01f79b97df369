package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/slotd/internal/events"
)

// handleEvents handles GET /runs/{runID}/events. It replays buffered events
// after Last-Event-ID (header or ?last_event_id=) and then streams live ones
// until the run closes or the client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	runID := chi.URLParam(r, "runID")
	lastID := parseLastEventID(r.Header.Get("Last-Event-ID"))
	if lastID == 0 {
		lastID = parseLastEventID(r.URL.Query().Get("last_event_id"))
	}

	sub, err := s.deps.Events.Subscribe(runID, lastID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	defer sub.Cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if sub.Truncated {
		var oldest int64
		if len(sub.Replay) > 0 {
			oldest = sub.Replay[0].ID
		}
		if err := writeControl(w, "truncated", map[string]int64{"lastEventId": lastID, "oldestId": oldest}); err != nil {
			return
		}
	}
	for _, ev := range sub.Replay {
		if err := writeSSE(w, ev); err != nil {
			return
		}
		lastID = ev.ID
	}
	flusher.Flush()

	keepAlive := time.NewTicker(s.config.KeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				if sub.Lagged() {
					// The client reconnects from lastEventId without a gap.
					_ = writeControl(w, "lagged", map[string]int64{"lastEventId": lastID})
					flusher.Flush()
				}
				return
			}
			if err := writeSSE(w, ev); err != nil {
				return
			}
			lastID = ev.ID
			flusher.Flush()
		case <-keepAlive.C:
			// SSE comment line as keep-alive.
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func parseLastEventID(v string) int64 {
	if v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func writeSSE(w http.ResponseWriter, ev events.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	// SSE framing: https://html.spec.whatwg.org/multipage/server-sent-events.html
	if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\n", ev.ID, ev.Type); err != nil {
		return err
	}
	// Data must be on "data:" lines; our payload is single-line JSON.
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

// writeControl writes a frame without an id so it does not move the
// client's Last-Event-ID.
func writeControl(w http.ResponseWriter, name string, data any) error {
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, b)
	return err
}
