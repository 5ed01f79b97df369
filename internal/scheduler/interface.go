package scheduler

import (
	"context"
	"time"

	"github.com/mattjoyce/slotd/internal/queue"
	"github.com/mattjoyce/slotd/internal/workspace"
)

//go:generate mockgen -destination=mocks/mock_queue.go -package=mocks github.com/mattjoyce/slotd/internal/scheduler QueueService
//go:generate mockgen -destination=mocks/mock_pruner.go -package=mocks github.com/mattjoyce/slotd/internal/workspace Pruner

// QueueService defines the queue operations used by the scheduler.
type QueueService interface {
	PruneHistory(ctx context.Context, olderThan time.Duration) (queue.PruneReport, error)
}

// Pruner is the workspace cleanup the scheduler drives.
type Pruner = workspace.Pruner
