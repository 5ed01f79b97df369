// Package inspect renders an offline report of one agent's queue, failures,
// run history and workspaces straight from the state database.
package inspect

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/mattjoyce/slotd/internal/config"
	"github.com/mattjoyce/slotd/internal/queue"
)

// Store is the read side of the queue the report needs.
type Store interface {
	List(ctx context.Context, agentKey string) ([]*queue.Job, error)
	ListFailed(ctx context.Context, agentKey string) ([]*queue.Job, error)
	RecentRuns(ctx context.Context, agentKey string, limit int) ([]queue.RunRecord, error)
}

// Report is the structured JSON representation of an agent report.
type Report struct {
	AgentKey   string           `json:"agentKey"`
	Queued     []*queue.Job     `json:"queued"`
	Failed     []*queue.Job     `json:"failed"`
	Runs       []RunEntry       `json:"runs"`
	Workspaces []WorkspaceEntry `json:"workspaces"`
}

// RunEntry is a run_log row with its stderr tail exposed.
type RunEntry struct {
	queue.RunRecord
	Duration string `json:"duration"`
	Stderr   string `json:"stderr,omitempty"`
}

// WorkspaceEntry is one project directory under the agent's workspace root.
type WorkspaceEntry struct {
	Dir     string    `json:"dir"`
	Files   int       `json:"files"`
	ModTime time.Time `json:"modTime"`
}

// Options controls report gathering.
type Options struct {
	WorkspaceBaseDir string
	RunLimit         int
}

// BuildReport renders a terminal-friendly report for an agent.
func BuildReport(ctx context.Context, store Store, agentKey string, opts Options) (string, error) {
	report, err := gatherReportData(ctx, store, agentKey, opts)
	if err != nil {
		return "", err
	}

	var out strings.Builder
	fmt.Fprintf(&out, "Agent Report\n")
	fmt.Fprintf(&out, "Agent       : %s\n", report.AgentKey)
	fmt.Fprintf(&out, "Queued      : %d\n", len(report.Queued))
	fmt.Fprintf(&out, "Failed      : %d\n", len(report.Failed))
	fmt.Fprintf(&out, "Runs        : %d\n", len(report.Runs))
	fmt.Fprintf(&out, "\n")

	if len(report.Queued) > 0 {
		fmt.Fprintf(&out, "Queue\n")
		for _, j := range report.Queued {
			fmt.Fprintf(&out, "  [%d] %s queued %s  %s\n", j.Position, j.ID,
				j.QueuedAt.Format(time.RFC3339), preview(j.Payload))
		}
		fmt.Fprintf(&out, "\n")
	}

	if len(report.Failed) > 0 {
		fmt.Fprintf(&out, "Failed\n")
		for _, j := range report.Failed {
			reason := "<none>"
			if j.LastError != nil {
				reason = *j.LastError
			}
			fmt.Fprintf(&out, "  %s  %s\n", j.ID, reason)
		}
		fmt.Fprintf(&out, "\n")
	}

	for _, r := range report.Runs {
		fmt.Fprintf(&out, "run %s (job %s)\n", r.RunID, r.JobID)
		fmt.Fprintf(&out, "    status   : %s (%s)\n", r.Status, renderUnset(r.Reason, "<none>"))
		if r.ExitCode != nil {
			fmt.Fprintf(&out, "    exit     : %d\n", *r.ExitCode)
		}
		fmt.Fprintf(&out, "    ended    : %s after %s\n", r.EndedAt.Format(time.RFC3339), r.Duration)
		if r.LastError != nil {
			fmt.Fprintf(&out, "    error    : %s\n", *r.LastError)
		}
		if r.Stderr != "" {
			fmt.Fprintf(&out, "    stderr   :\n%s\n", indent(r.Stderr, "      "))
		}
		fmt.Fprintf(&out, "\n")
	}

	if len(report.Workspaces) > 0 {
		fmt.Fprintf(&out, "Workspaces\n")
		for _, w := range report.Workspaces {
			fmt.Fprintf(&out, "  %s  %d file(s), modified %s\n", w.Dir, w.Files, w.ModTime.Format(time.RFC3339))
		}
	}

	return strings.TrimRight(out.String(), "\n") + "\n", nil
}

// BuildJSONReport returns the machine-readable JSON report.
func BuildJSONReport(ctx context.Context, store Store, agentKey string, opts Options) (string, error) {
	report, err := gatherReportData(ctx, store, agentKey, opts)
	if err != nil {
		return "", err
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json report: %w", err)
	}
	return string(data), nil
}

func gatherReportData(ctx context.Context, store Store, agentKey string, opts Options) (*Report, error) {
	if !config.ValidAgentKey(agentKey) {
		return nil, fmt.Errorf("invalid agent key %q", agentKey)
	}
	if opts.RunLimit <= 0 {
		opts.RunLimit = 10
	}

	report := &Report{
		AgentKey:   agentKey,
		Queued:     make([]*queue.Job, 0),
		Failed:     make([]*queue.Job, 0),
		Runs:       make([]RunEntry, 0),
		Workspaces: make([]WorkspaceEntry, 0),
	}

	queued, err := store.List(ctx, agentKey)
	if err != nil {
		return nil, fmt.Errorf("load queue: %w", err)
	}
	report.Queued = append(report.Queued, queued...)

	failed, err := store.ListFailed(ctx, agentKey)
	if err != nil {
		return nil, fmt.Errorf("load failed jobs: %w", err)
	}
	report.Failed = append(report.Failed, failed...)

	runs, err := store.RecentRuns(ctx, agentKey, opts.RunLimit)
	if err != nil {
		return nil, fmt.Errorf("load runs: %w", err)
	}
	for _, r := range runs {
		report.Runs = append(report.Runs, RunEntry{
			RunRecord: r,
			Duration:  r.EndedAt.Sub(r.StartedAt).Round(time.Millisecond).String(),
			Stderr:    r.Stderr,
		})
	}

	if opts.WorkspaceBaseDir != "" {
		ws, err := listWorkspaces(filepath.Join(opts.WorkspaceBaseDir, agentKey))
		if err != nil {
			return nil, fmt.Errorf("list workspaces: %w", err)
		}
		report.Workspaces = append(report.Workspaces, ws...)
	}

	return report, nil
}

func listWorkspaces(agentDir string) ([]WorkspaceEntry, error) {
	entries, err := os.ReadDir(agentDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	out := make([]WorkspaceEntry, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return nil, err
		}
		n, err := countFiles(filepath.Join(agentDir, e.Name()))
		if err != nil {
			return nil, err
		}
		out = append(out, WorkspaceEntry{Dir: e.Name(), Files: n, ModTime: info.ModTime().UTC()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Dir < out[j].Dir })
	return out, nil
}

func countFiles(dir string) (int, error) {
	n := 0
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if !d.IsDir() {
			n++
		}
		return nil
	})
	return n, err
}

func preview(payload string) string {
	payload = strings.Join(strings.Fields(payload), " ")
	if len(payload) > 60 {
		return payload[:57] + "..."
	}
	return payload
}

func indent(s, prefix string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, l := range lines {
		lines[i] = prefix + l
	}
	return strings.Join(lines, "\n")
}

func renderUnset(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
