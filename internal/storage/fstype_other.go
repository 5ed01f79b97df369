//go:build !darwin && !linux

package storage

// filesystemType cannot be detected here; treat the path as local.
func filesystemType(path string) (string, error) {
	return "unknown", nil
}
