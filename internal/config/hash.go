package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/zeebo/blake3"
)

// digestPrefix is how `slotd config check` prints a digest; operators paste it back verbatim.
const digestPrefix = "blake3:"

// ErrDigestMismatch means the config file changed since its digest was recorded.
var ErrDigestMismatch = errors.New("config digest mismatch")

// Digest returns the hex BLAKE3 digest of the config file at path.
func Digest(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read config %s: %w", path, err)
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// VerifyDigest checks the config file against an operator-supplied digest.
// The expected value may carry a "blake3:" prefix and any letter case.
func VerifyDigest(path, expected string) error {
	want := strings.ToLower(strings.TrimSpace(expected))
	want = strings.TrimSpace(strings.TrimPrefix(want, digestPrefix))
	if want == "" {
		return fmt.Errorf("verify config %s: empty digest", path)
	}

	got, err := Digest(path)
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("%w: %s is %s%s, expected %s%s", ErrDigestMismatch, path, digestPrefix, got, digestPrefix, want)
	}
	return nil
}
