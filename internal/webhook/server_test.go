package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/mattjoyce/slotd/internal/dispatch"
	"github.com/mattjoyce/slotd/internal/queue"
	"github.com/mattjoyce/slotd/internal/supervisor"
)

// fakeSubmitter records submissions and returns a canned result.
type fakeSubmitter struct {
	calls  []dispatch.SubmitRequest
	result *dispatch.SubmitResult
	err    error
}

func (f *fakeSubmitter) Submit(_ context.Context, req dispatch.SubmitRequest) (*dispatch.SubmitResult, error) {
	f.calls = append(f.calls, req)
	return f.result, f.err
}

const testSecret = "test-secret"

func newTestServer(sub Submitter, maxBody int64) *Server {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	return New(Config{
		Listen: "127.0.0.1:0",
		Endpoints: []EndpointConfig{{
			Path:            "/hooks/github",
			AgentKey:        "reviewer",
			ProjectID:       "web",
			Instructions:    "Review this push.",
			Secret:          testSecret,
			SignatureHeader: "X-Hub-Signature-256",
			MaxBodySize:     maxBody,
		}},
	}, sub, logger)
}

func post(t *testing.T, s *Server, path string, body []byte, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	if signature != "" {
		req.Header.Set("X-Hub-Signature-256", signature)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHandleWebhook_StartedAndQueued(t *testing.T) {
	body := []byte(`{"ref":"refs/heads/main"}`)
	pos := 2

	tests := []struct {
		name     string
		result   *dispatch.SubmitResult
		wantCode int
	}{
		{"started", &dispatch.SubmitResult{Decision: dispatch.DecisionStarted, JobID: "job-1", RunID: "run-1"}, http.StatusCreated},
		{"queued", &dispatch.SubmitResult{Decision: dispatch.DecisionQueued, JobID: "job-2", Position: &pos}, http.StatusAccepted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub := &fakeSubmitter{result: tt.result}
			rec := post(t, newTestServer(sub, 0), "/hooks/github", body, Sign(body, testSecret))

			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.wantCode, rec.Body.String())
			}
			if len(sub.calls) != 1 {
				t.Fatalf("Submit calls = %d, want 1", len(sub.calls))
			}
			got := sub.calls[0]
			if got.AgentKey != "reviewer" || got.ProjectID != "web" {
				t.Errorf("request = %+v", got)
			}
			if want := "Review this push.\n\n" + string(body); got.Payload != want {
				t.Errorf("payload = %q, want %q", got.Payload, want)
			}

			var resp TriggerResponse
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.JobID != tt.result.JobID || resp.Status != tt.result.Decision {
				t.Errorf("response = %+v", resp)
			}
		})
	}
}

func TestHandleWebhook_Rejections(t *testing.T) {
	body := []byte(`{"event":"push"}`)

	tests := []struct {
		name      string
		path      string
		body      []byte
		signature string
		maxBody   int64
		wantCode  int
	}{
		{"missing signature", "/hooks/github", body, "", 0, http.StatusForbidden},
		{"wrong signature", "/hooks/github", body, "sha256=" + fmt.Sprintf("%064d", 0), 0, http.StatusForbidden},
		{"signed with other secret", "/hooks/github", body, Sign(body, "other"), 0, http.StatusForbidden},
		{"not hex", "/hooks/github", body, "sha256=zz", 0, http.StatusForbidden},
		{"body too large", "/hooks/github", bytes.Repeat([]byte("a"), 64), Sign(bytes.Repeat([]byte("a"), 64), testSecret), 32, http.StatusRequestEntityTooLarge},
		{"unknown path", "/hooks/gitlab", body, Sign(body, testSecret), 0, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub := &fakeSubmitter{result: &dispatch.SubmitResult{Decision: dispatch.DecisionQueued, JobID: "x"}}
			rec := post(t, newTestServer(sub, tt.maxBody), tt.path, tt.body, tt.signature)

			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			if len(sub.calls) != 0 {
				t.Fatalf("Submit must not be called, got %d calls", len(sub.calls))
			}
			if tt.wantCode == http.StatusForbidden {
				var resp ErrorResponse
				_ = json.NewDecoder(rec.Body).Decode(&resp)
				if resp.Error != "forbidden" {
					t.Errorf("error = %q, want generic forbidden", resp.Error)
				}
			}
		})
	}
}

func TestHandleWebhook_SubmitErrors(t *testing.T) {
	body := []byte(`{}`)

	tests := []struct {
		name     string
		err      error
		wantCode int
	}{
		{"validation", fmt.Errorf("%w: payload is empty", queue.ErrValidation), http.StatusBadRequest},
		{"spawn", &supervisor.SpawnError{AgentKey: "reviewer", Err: errors.New("no such file")}, http.StatusBadGateway},
		{"shutting down", supervisor.ErrShuttingDown, http.StatusServiceUnavailable},
		{"other", errors.New("disk full"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub := &fakeSubmitter{err: tt.err}
			rec := post(t, newTestServer(sub, 0), "/hooks/github", body, Sign(body, testSecret))
			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantCode)
			}
		})
	}
}

func TestNew_AppliesDefaults(t *testing.T) {
	s := newTestServer(&fakeSubmitter{}, 0)
	if got := s.endpoints["/hooks/github"].MaxBodySize; got != DefaultMaxBodySize {
		t.Errorf("MaxBodySize = %d, want %d", got, DefaultMaxBodySize)
	}
}

func TestBuildPayload(t *testing.T) {
	if got := buildPayload("", []byte("raw")); got != "raw" {
		t.Errorf("buildPayload without instructions = %q", got)
	}
	if got := buildPayload("Do it.", []byte("raw")); got != "Do it.\n\nraw" {
		t.Errorf("buildPayload = %q", got)
	}
}
