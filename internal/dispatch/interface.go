package dispatch

import (
	"context"

	"github.com/mattjoyce/slotd/internal/queue"
	"github.com/mattjoyce/slotd/internal/supervisor"
)

//go:generate mockgen -destination=mocks/mock_queue.go -package=mocks github.com/mattjoyce/slotd/internal/dispatch JobQueue
//go:generate mockgen -destination=mocks/mock_runner.go -package=mocks github.com/mattjoyce/slotd/internal/dispatch Runner

// JobQueue defines the queue operations used by the dispatcher.
type JobQueue interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (*queue.Job, error)
	Claim(ctx context.Context, req queue.EnqueueRequest) (*queue.Job, error)
	DequeueNext(ctx context.Context, agentKey string) (*queue.Job, error)
	Remove(ctx context.Context, agentKey, jobID string) error
	Reorder(ctx context.Context, agentKey, jobID string, newPosition int) (int, error)
	List(ctx context.Context, agentKey string) ([]*queue.Job, error)
	Summary(ctx context.Context, agentKey string) (queue.Summary, error)
	MarkFailed(ctx context.Context, agentKey, jobID, reason string) error
	Finish(ctx context.Context, rec queue.RunRecord) error
	RecordInterrupted(ctx context.Context, rec queue.RunRecord) error
	Recover(ctx context.Context, isLive func(agentKey string) bool) (int, error)
	AgentKeys(ctx context.Context) ([]string, error)
}

// Runner defines the session operations used by the dispatcher.
type Runner interface {
	Start(ctx context.Context, req supervisor.StartRequest) (string, error)
	SendMessage(runID, text string) error
	End(ctx context.Context, runID string) error
	Active(agentKey string) (supervisor.Session, bool)
	IsLive(agentKey string) bool
}

// Observer receives dispatch decisions, typically for metrics.
type Observer interface {
	JobSubmitted(agentKey, decision string)
	QueueDepthChanged(agentKey string, depth int)
	SpawnFailed(agentKey string)
}

type nopObserver struct{}

func (nopObserver) JobSubmitted(string, string)   {}
func (nopObserver) QueueDepthChanged(string, int) {}
func (nopObserver) SpawnFailed(string)            {}
