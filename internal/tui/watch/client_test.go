package watch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/slotd/internal/events"
)

func TestReadSSE(t *testing.T) {
	body := strings.Join([]string{
		": keep-alive",
		"",
		"event: truncated",
		`data: {"lastEventId":2,"oldestId":5}`,
		"",
		"id: 5",
		"event: token",
		"data: line one",
		"data: line two",
		"",
		"id: 6",
		"event: close",
		"data:{}",
		"",
	}, "\n")

	var frames []frame
	err := readSSE(strings.NewReader(body), func(f frame) { frames = append(frames, f) })
	require.NoError(t, err)
	require.Len(t, frames, 3)

	assert.Equal(t, frame{event: "truncated", data: `{"lastEventId":2,"oldestId":5}`}, frames[0])
	assert.Equal(t, frame{id: "5", event: "token", data: "line one\nline two"}, frames[1])
	assert.Equal(t, frame{id: "6", event: "close", data: "{}"}, frames[2])
}

func TestClientHealthAndSessions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/healthz":
			fmt.Fprint(w, `{"status":"ok","uptimeSeconds":42,"queueDepth":3,"activeSessions":1}`)
		case "/runs":
			if r.Header.Get("Authorization") != "Bearer secret" {
				w.WriteHeader(http.StatusUnauthorized)
				fmt.Fprint(w, `{"error":"unauthorized"}`)
				return
			}
			fmt.Fprint(w, `[{"runId":"run-1","agentKey":"writer","jobId":"job-1","state":"active","dir":"/tmp/w","startedAt":"2026-01-02T03:04:05Z","lastActivityAt":"2026-01-02T03:04:06Z"}]`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	c := NewClient(srv.URL+"/", "secret")

	h, err := c.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, Health{Status: "ok", UptimeSeconds: 42, QueueDepth: 3, ActiveSessions: 1}, h)

	sessions, err := c.Sessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "writer", sessions[0].AgentKey)
	assert.Equal(t, "active", string(sessions[0].State))

	_, err = NewClient(srv.URL, "wrong").Sessions(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unauthorized")
}

func TestClientStream(t *testing.T) {
	var gotLastID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/runs/missing/events" {
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"error":"run not found"}`)
			return
		}
		gotLastID = r.Header.Get("Last-Event-ID")
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: truncated\ndata: {}\n\n")
		fmt.Fprint(w, `id: 4`+"\nevent: token\n"+`data: {"id":4,"runId":"run-1","type":"token","payload":{"text":"hi"},"timestamp":"2026-01-02T03:04:05Z"}`+"\n\n")
		fmt.Fprint(w, `id: 5`+"\nevent: close\n"+`data: {"id":5,"runId":"run-1","type":"close","payload":{"status":"completed"},"timestamp":"2026-01-02T03:04:06Z"}`+"\n\n")
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")

	var items []StreamItem
	err := c.Stream(context.Background(), "run-1", 3, func(it StreamItem) { items = append(items, it) })
	require.NoError(t, err)
	assert.Equal(t, "3", gotLastID)

	require.Len(t, items, 3)
	assert.Equal(t, "truncated", items[0].Control)
	require.NotNil(t, items[1].Event)
	assert.Equal(t, int64(4), items[1].Event.ID)
	assert.Equal(t, events.TypeToken, items[1].Event.Type)
	assert.Equal(t, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), items[1].Event.At.UTC())
	require.NotNil(t, items[2].Event)
	assert.Equal(t, events.TypeClose, items[2].Event.Type)

	err = c.Stream(context.Background(), "missing", 0, func(StreamItem) {})
	assert.True(t, errors.Is(err, ErrRunGone))
}
