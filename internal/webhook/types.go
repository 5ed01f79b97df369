package webhook

import (
	"context"

	"github.com/mattjoyce/slotd/internal/dispatch"
)

// Submitter starts or queues a job for an agent.
type Submitter interface {
	Submit(ctx context.Context, req dispatch.SubmitRequest) (*dispatch.SubmitResult, error)
}

// Config holds webhook server configuration.
type Config struct {
	Listen    string
	Endpoints []EndpointConfig
}

// EndpointConfig defines a single webhook endpoint.
type EndpointConfig struct {
	// Path is the URL path for this webhook (e.g. "/hooks/github").
	Path string
	// AgentKey receives the job.
	AgentKey  string
	ProjectID string
	// Instructions is prepended to the body to form the job payload.
	Instructions string
	// Secret is the HMAC secret for signature verification.
	Secret string
	// SignatureHeader carries the signature, e.g. "X-Hub-Signature-256".
	SignatureHeader string
	// MaxBodySize is the maximum request body in bytes.
	MaxBodySize int64
}

// TriggerResponse is the JSON response for an accepted webhook.
type TriggerResponse struct {
	Status   string `json:"status"`
	JobID    string `json:"jobId"`
	RunID    string `json:"runId,omitempty"`
	Position *int   `json:"position,omitempty"`
}

// ErrorResponse is the JSON response for webhook errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

// DefaultMaxBodySize is used when an endpoint sets no limit.
const DefaultMaxBodySize = 1 << 20
