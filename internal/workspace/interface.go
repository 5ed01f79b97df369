package workspace

import (
	"context"
	"time"
)

// Resolver hands out ready working directories for agent sessions.
//
// The supervisor depends only on the returned path; how the directory was
// prepared is up to the implementation.
type Resolver interface {
	// Resolve returns the working directory for agentKey and projectID,
	// creating it if needed. An empty projectID maps to the agent's default
	// workspace.
	Resolve(ctx context.Context, agentKey, projectID string) (string, error)
}

// CleanupReport summarizes a cleanup run.
type CleanupReport struct {
	DeletedDirs int
	// SkippedInUse counts stale directories left alone because a live
	// session is working in them.
	SkippedInUse int
}

// Pruner removes stale workspaces.
type Pruner interface {
	Cleanup(ctx context.Context, olderThan time.Duration) (CleanupReport, error)
}
