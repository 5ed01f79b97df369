package workspace

import (
	"context"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zeebo/blake3"
)

const defaultProjectDir = "default"

// FSManager lays out workspaces on local disk as
// <baseDir>/<agentKey>/<project digest>.
//
// Project ids are free-form, so the directory name is a short BLAKE3 digest
// of the id rather than the id itself.
type FSManager struct {
	baseDir     string
	templateDir string
	now         func() time.Time
	inUse       func(dir string) bool
}

var (
	_ Resolver = (*FSManager)(nil)
	_ Pruner   = (*FSManager)(nil)
)

// NewFSManager creates a filesystem-backed workspace manager rooted at
// baseDir. templateDir may be empty.
func NewFSManager(baseDir, templateDir string) (*FSManager, error) {
	trimmed := strings.TrimSpace(baseDir)
	if trimmed == "" {
		return nil, fmt.Errorf("workspace base directory is empty")
	}

	m := &FSManager{
		baseDir: filepath.Clean(trimmed),
		now:     time.Now,
	}
	if t := strings.TrimSpace(templateDir); t != "" {
		info, err := os.Stat(t)
		if err != nil {
			return nil, fmt.Errorf("workspace template: %w", err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("workspace template %q is not a directory", t)
		}
		m.templateDir = filepath.Clean(t)
	}
	return m, nil
}

// SetInUse registers a check Cleanup consults before removing a directory.
// Must be called before Cleanup runs concurrently.
func (m *FSManager) SetInUse(fn func(dir string) bool) {
	m.inUse = fn
}

// Resolve returns the workspace directory, creating (and seeding from the
// template) on first use.
func (m *FSManager) Resolve(ctx context.Context, agentKey, projectID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	path, err := m.workspacePath(agentKey, projectID)
	if err != nil {
		return "", err
	}

	info, err := os.Stat(path)
	switch {
	case err == nil:
		if !info.IsDir() {
			return "", fmt.Errorf("workspace path %q is not a directory", path)
		}
		return path, nil
	case !os.IsNotExist(err):
		return "", fmt.Errorf("stat workspace %q: %w", path, err)
	}

	if m.templateDir == "" {
		if err := os.MkdirAll(path, 0o755); err != nil {
			return "", fmt.Errorf("create workspace for agent %q: %w", agentKey, err)
		}
		return path, nil
	}

	if err := m.cloneTreeWithHardLinks(ctx, m.templateDir, path); err != nil {
		_ = os.RemoveAll(path)
		return "", fmt.Errorf("seed workspace for agent %q: %w", agentKey, err)
	}
	return path, nil
}

// Cleanup removes project workspaces older than olderThan based on directory
// modification time. Agent directories themselves are kept.
func (m *FSManager) Cleanup(ctx context.Context, olderThan time.Duration) (CleanupReport, error) {
	if err := ctx.Err(); err != nil {
		return CleanupReport{}, err
	}
	if olderThan <= 0 {
		return CleanupReport{}, fmt.Errorf("olderThan must be positive")
	}

	agents, err := os.ReadDir(m.baseDir)
	if os.IsNotExist(err) {
		return CleanupReport{}, nil
	}
	if err != nil {
		return CleanupReport{}, fmt.Errorf("read workspace base directory: %w", err)
	}

	cutoff := m.now().Add(-olderThan)
	report := CleanupReport{}

	for _, agent := range agents {
		if !agent.IsDir() {
			continue
		}
		agentDir := filepath.Join(m.baseDir, agent.Name())
		entries, err := os.ReadDir(agentDir)
		if err != nil {
			return report, fmt.Errorf("read agent workspace directory %q: %w", agent.Name(), err)
		}

		for _, entry := range entries {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			if !entry.IsDir() {
				continue
			}

			info, err := entry.Info()
			if err != nil {
				return report, fmt.Errorf("read workspace entry info %q: %w", entry.Name(), err)
			}
			if info.ModTime().After(cutoff) {
				continue
			}

			path := filepath.Join(agentDir, entry.Name())
			if m.inUse != nil && m.inUse(path) {
				report.SkippedInUse++
				continue
			}
			if err := os.RemoveAll(path); err != nil {
				return report, fmt.Errorf("remove workspace %q: %w", path, err)
			}
			report.DeletedDirs++
		}
	}

	return report, nil
}

func (m *FSManager) workspacePath(agentKey, projectID string) (string, error) {
	if err := validateName("agentKey", agentKey); err != nil {
		return "", err
	}
	return filepath.Join(m.baseDir, agentKey, ProjectDirName(projectID)), nil
}

// ProjectDirName maps a project id to its directory name.
func ProjectDirName(projectID string) string {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return defaultProjectDir
	}
	sum := blake3.Sum256([]byte(projectID))
	return "p-" + hex.EncodeToString(sum[:8])
}

func (m *FSManager) cloneTreeWithHardLinks(ctx context.Context, srcDir, dstDir string) error {
	srcInfo, err := os.Stat(srcDir)
	if err != nil {
		return fmt.Errorf("stat source directory: %w", err)
	}
	if !srcInfo.IsDir() {
		return fmt.Errorf("source path %q is not a directory", srcDir)
	}

	if err := os.MkdirAll(filepath.Dir(dstDir), 0o755); err != nil {
		return fmt.Errorf("create destination parent: %w", err)
	}
	if err := os.Mkdir(dstDir, srcInfo.Mode().Perm()); err != nil {
		return fmt.Errorf("create destination directory: %w", err)
	}

	return filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if path == srcDir {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		relPath, err := filepath.Rel(srcDir, path)
		if err != nil {
			return fmt.Errorf("resolve relative path: %w", err)
		}
		dstPath := filepath.Join(dstDir, relPath)

		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("read entry info for %q: %w", path, err)
		}

		switch {
		case d.IsDir():
			if err := os.Mkdir(dstPath, info.Mode().Perm()); err != nil {
				return fmt.Errorf("create directory %q: %w", dstPath, err)
			}
		case info.Mode().IsRegular():
			if err := os.Link(path, dstPath); err != nil {
				return fmt.Errorf("hard-link %q to %q: %w", path, dstPath, err)
			}
		case info.Mode()&os.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return fmt.Errorf("read symlink %q: %w", path, err)
			}
			if err := os.Symlink(target, dstPath); err != nil {
				return fmt.Errorf("create symlink %q: %w", dstPath, err)
			}
		default:
			return fmt.Errorf("unsupported file type for %q (%s)", path, info.Mode().Type())
		}

		return nil
	})
}

func validateName(field, value string) error {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fmt.Errorf("%s is empty", field)
	}
	if trimmed == "." || trimmed == ".." {
		return fmt.Errorf("%s %q is invalid", field, value)
	}
	if strings.Contains(trimmed, "/") || strings.Contains(trimmed, `\`) {
		return fmt.Errorf("%s %q must not contain path separators", field, value)
	}
	if filepath.Clean(trimmed) != trimmed || trimmed != value {
		return fmt.Errorf("%s %q is invalid", field, value)
	}
	return nil
}
