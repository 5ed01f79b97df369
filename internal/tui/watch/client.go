package watch

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mattjoyce/slotd/internal/events"
	"github.com/mattjoyce/slotd/internal/supervisor"
)

// ErrRunGone is returned by Stream when the daemon no longer knows the run.
var ErrRunGone = errors.New("run not found")

// Health mirrors the /healthz response.
type Health struct {
	Status         string `json:"status"`
	UptimeSeconds  int64  `json:"uptimeSeconds"`
	QueueDepth     int    `json:"queueDepth"`
	ActiveSessions int    `json:"activeSessions"`
}

// StreamItem is one frame of a run's event stream: either an event or a
// control frame such as "truncated" or "lagged".
type StreamItem struct {
	Event   *events.Event
	Control string
}

// Client talks to a running slotd daemon.
type Client struct {
	baseURL string
	token   string
	poll    *http.Client
	stream  *http.Client
}

// NewClient returns a client for the daemon at baseURL.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		poll:    &http.Client{Timeout: 2 * time.Second},
		stream:  &http.Client{},
	}
}

func (c *Client) newRequest(ctx context.Context, path string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// Health queries GET /healthz.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var h Health
	err := c.getJSON(ctx, "/healthz", &h)
	return h, err
}

// Sessions queries GET /runs.
func (c *Client) Sessions(ctx context.Context) ([]supervisor.Session, error) {
	var out []supervisor.Session
	err := c.getJSON(ctx, "/runs", &out)
	return out, err
}

func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	req, err := c.newRequest(ctx, path)
	if err != nil {
		return err
	}
	resp, err := c.poll.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return responseError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// Stream follows GET /runs/{runID}/events from lastID and calls fn for each
// frame. It returns nil when the server ends the stream.
func (c *Client) Stream(ctx context.Context, runID string, lastID int64, fn func(StreamItem)) error {
	req, err := c.newRequest(ctx, "/runs/"+runID+"/events")
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	if lastID > 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatInt(lastID, 10))
	}

	resp, err := c.stream.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrRunGone
	}
	if resp.StatusCode != http.StatusOK {
		return responseError(resp)
	}

	return readSSE(resp.Body, func(f frame) {
		if f.event == "" || f.id == "" {
			// Frames without an id are control frames.
			fn(StreamItem{Control: f.event})
			return
		}
		var ev events.Event
		if err := json.Unmarshal([]byte(f.data), &ev); err != nil {
			return
		}
		fn(StreamItem{Event: &ev})
	})
}

func responseError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		return fmt.Errorf("%s: %s", resp.Status, body.Error)
	}
	return fmt.Errorf("unexpected status %s", resp.Status)
}

// frame is one dispatched server-sent event.
type frame struct {
	id    string
	event string
	data  string
}

// readSSE parses a text/event-stream body. Comment lines are skipped and
// multi-line data is joined with newlines.
func readSSE(r io.Reader, fn func(frame)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var current frame
	var data []string
	for scanner.Scan() {
		line := scanner.Text()

		if line == "" {
			if current.event != "" || len(data) > 0 {
				current.data = strings.Join(data, "\n")
				fn(current)
			}
			current = frame{}
			data = data[:0]
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "id":
			current.id = value
		case "event":
			current.event = value
		case "data":
			data = append(data, value)
		}
	}
	return scanner.Err()
}
