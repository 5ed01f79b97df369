package workspace

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFSManagerResolveCreatesStableDirs(t *testing.T) {
	baseDir := filepath.Join(t.TempDir(), "workspaces")
	mgr, err := NewFSManager(baseDir, "")
	if err != nil {
		t.Fatalf("NewFSManager() error = %v", err)
	}

	dir, err := mgr.Resolve(context.Background(), "nori", "")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	wantPath := filepath.Join(baseDir, "nori", "default")
	if dir != wantPath {
		t.Fatalf("Resolve() dir = %q, want %q", dir, wantPath)
	}
	info, err := os.Stat(dir)
	if err != nil {
		t.Fatalf("Stat(workspace) error = %v", err)
	}
	if !info.IsDir() {
		t.Fatalf("workspace path is not a directory")
	}

	p1, err := mgr.Resolve(context.Background(), "nori", "acme/web")
	if err != nil {
		t.Fatalf("Resolve(project) error = %v", err)
	}
	p2, err := mgr.Resolve(context.Background(), "nori", "acme/web")
	if err != nil {
		t.Fatalf("Resolve(project again) error = %v", err)
	}
	if p1 != p2 {
		t.Fatalf("Resolve() not stable: %q vs %q", p1, p2)
	}
	if filepath.Dir(p1) != filepath.Join(baseDir, "nori") {
		t.Fatalf("project workspace %q escaped the agent directory", p1)
	}
	if filepath.Base(p1) != ProjectDirName("acme/web") {
		t.Fatalf("project dir = %q, want %q", filepath.Base(p1), ProjectDirName("acme/web"))
	}

	other, err := mgr.Resolve(context.Background(), "nori", "acme/api")
	if err != nil {
		t.Fatalf("Resolve(other project) error = %v", err)
	}
	if other == p1 {
		t.Fatalf("different projects share a workspace: %q", other)
	}
}

func TestFSManagerResolveRejectsBadAgentKeys(t *testing.T) {
	mgr, err := NewFSManager(t.TempDir(), "")
	if err != nil {
		t.Fatalf("NewFSManager() error = %v", err)
	}
	for _, key := range []string{"", "..", "a/b", `a\b`, " nori"} {
		if _, err := mgr.Resolve(context.Background(), key, ""); err == nil {
			t.Fatalf("Resolve(%q) expected error", key)
		}
	}
}

func TestFSManagerTemplateHardlinkAndIsolation(t *testing.T) {
	root := t.TempDir()
	templateDir := filepath.Join(root, "template")
	if err := os.MkdirAll(filepath.Join(templateDir, "docs"), 0o755); err != nil {
		t.Fatalf("MkdirAll(template) error = %v", err)
	}
	srcFile := filepath.Join(templateDir, "docs", "CLAUDE.md")
	if err := os.WriteFile(srcFile, []byte("hello"), 0o644); err != nil {
		t.Fatalf("WriteFile(template) error = %v", err)
	}

	mgr, err := NewFSManager(filepath.Join(root, "workspaces"), templateDir)
	if err != nil {
		t.Fatalf("NewFSManager() error = %v", err)
	}

	dir, err := mgr.Resolve(context.Background(), "nori", "acme")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	seeded := filepath.Join(dir, "docs", "CLAUDE.md")
	got, err := os.ReadFile(seeded)
	if err != nil {
		t.Fatalf("ReadFile(seeded) error = %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("ReadFile(seeded) = %q, want %q", string(got), "hello")
	}

	srcInfo, err := os.Stat(srcFile)
	if err != nil {
		t.Fatalf("Stat(template file) error = %v", err)
	}
	seededInfo, err := os.Stat(seeded)
	if err != nil {
		t.Fatalf("Stat(seeded file) error = %v", err)
	}
	if !os.SameFile(srcInfo, seededInfo) {
		t.Fatalf("expected template and workspace files to be hard-linked")
	}

	// Removing a file in the workspace leaves the template intact.
	if err := os.Remove(seeded); err != nil {
		t.Fatalf("Remove(seeded) error = %v", err)
	}
	if _, err := os.Stat(srcFile); err != nil {
		t.Fatalf("template file should still exist, error = %v", err)
	}

	// An existing workspace is not reseeded.
	if _, err := mgr.Resolve(context.Background(), "nori", "acme"); err != nil {
		t.Fatalf("Resolve(existing) error = %v", err)
	}
	if _, err := os.Stat(seeded); !os.IsNotExist(err) {
		t.Fatalf("existing workspace was reseeded, err = %v", err)
	}
}

func TestNewFSManagerValidation(t *testing.T) {
	if _, err := NewFSManager("  ", ""); err == nil {
		t.Fatal("expected error for empty base dir")
	}
	if _, err := NewFSManager(t.TempDir(), filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Fatal("expected error for missing template")
	}
}

func TestFSManagerCleanup(t *testing.T) {
	baseDir := filepath.Join(t.TempDir(), "workspaces")
	mgr, err := NewFSManager(baseDir, "")
	if err != nil {
		t.Fatalf("NewFSManager() error = %v", err)
	}

	oldDir, err := mgr.Resolve(context.Background(), "nori", "old")
	if err != nil {
		t.Fatalf("Resolve(old) error = %v", err)
	}
	newDir, err := mgr.Resolve(context.Background(), "nori", "new")
	if err != nil {
		t.Fatalf("Resolve(new) error = %v", err)
	}

	oldTime := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(oldDir, oldTime, oldTime); err != nil {
		t.Fatalf("Chtimes(old workspace) error = %v", err)
	}

	report, err := mgr.Cleanup(context.Background(), 24*time.Hour)
	if err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if report.DeletedDirs != 1 {
		t.Fatalf("Cleanup() deleted = %d, want 1", report.DeletedDirs)
	}

	if _, err := os.Stat(oldDir); !os.IsNotExist(err) {
		t.Fatalf("old workspace should be deleted, err = %v", err)
	}
	if _, err := os.Stat(newDir); err != nil {
		t.Fatalf("new workspace should still exist, err = %v", err)
	}
	if _, err := os.Stat(filepath.Join(baseDir, "nori")); err != nil {
		t.Fatalf("agent directory should be kept, err = %v", err)
	}
}

func TestFSManagerCleanupSkipsInUse(t *testing.T) {
	mgr, err := NewFSManager(filepath.Join(t.TempDir(), "workspaces"), "")
	if err != nil {
		t.Fatalf("NewFSManager() error = %v", err)
	}

	busy, err := mgr.Resolve(context.Background(), "nori", "busy")
	if err != nil {
		t.Fatalf("Resolve(busy) error = %v", err)
	}
	idle, err := mgr.Resolve(context.Background(), "nori", "idle")
	if err != nil {
		t.Fatalf("Resolve(idle) error = %v", err)
	}
	oldTime := time.Now().Add(-48 * time.Hour)
	for _, dir := range []string{busy, idle} {
		if err := os.Chtimes(dir, oldTime, oldTime); err != nil {
			t.Fatalf("Chtimes(%s) error = %v", dir, err)
		}
	}

	mgr.SetInUse(func(dir string) bool { return dir == busy })

	report, err := mgr.Cleanup(context.Background(), 24*time.Hour)
	if err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if report.DeletedDirs != 1 || report.SkippedInUse != 1 {
		t.Fatalf("Cleanup() = %+v, want 1 deleted and 1 skipped", report)
	}
	if _, err := os.Stat(busy); err != nil {
		t.Fatalf("busy workspace should still exist, err = %v", err)
	}
	if _, err := os.Stat(idle); !os.IsNotExist(err) {
		t.Fatalf("idle workspace should be deleted, err = %v", err)
	}
}
