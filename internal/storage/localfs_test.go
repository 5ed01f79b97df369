package storage

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestRequireLocalFilesystem_AllowsLocalFS(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "state.db")
	err := requireLocalFilesystem(dbPath, "database", func(string) (string, error) {
		return "ext4", nil
	})
	if err != nil {
		t.Fatalf("expected local filesystem to pass, got: %v", err)
	}
}

func TestRequireLocalFilesystem_RejectsNetworkFS(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "state.db")
	err := requireLocalFilesystem(dbPath, "database", func(string) (string, error) {
		return "NFS", nil
	})
	if err == nil {
		t.Fatal("expected network filesystem validation error")
	}
	for _, want := range []string{"database path", "nfs", "state.path"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected error to contain %q, got %q", want, err.Error())
		}
	}
}

func TestRequireLocalFilesystem_UsesNearestExistingPath(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	dbPath := filepath.Join(root, "nested", "dir", "state.db")

	var inspected string
	err := requireLocalFilesystem(dbPath, "database", func(path string) (string, error) {
		inspected = path
		return "apfs", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inspected != root {
		t.Fatalf("expected detector to inspect %q, got %q", root, inspected)
	}
}

func TestIsNetworkFilesystem(t *testing.T) {
	t.Parallel()

	cases := map[string]bool{
		"nfs":    true,
		"SMBFS":  true,
		"cifs ":  true,
		"apfs":   false,
		"0x6969": false,
	}
	for fs, want := range cases {
		if got := isNetworkFilesystem(fs); got != want {
			t.Errorf("isNetworkFilesystem(%q) = %v, want %v", fs, got, want)
		}
	}
}
