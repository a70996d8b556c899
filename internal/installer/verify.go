package installer

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
)

// ChecksumMismatchError means a helper binary is not the one the build
// shipped. A bundle that fails this check is never passed to the install
// command.
type ChecksumMismatchError struct {
	Path     string
	Expected string
	Computed string
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("helper %s has sha256 %s, want %s", e.Path, e.Computed, e.Expected)
}

// VerifyChecksum compares the file's SHA-256 with want (hex, any case).
func VerifyChecksum(path, want string) error {
	got, err := ComputeChecksum(path)
	if err != nil {
		return err
	}
	if want = strings.ToLower(strings.TrimSpace(want)); got != want {
		return &ChecksumMismatchError{Path: path, Expected: want, Computed: got}
	}
	return nil
}

// ComputeChecksum returns the lowercase hex SHA-256 of the file at path.
func ComputeChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("checksum helper: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("checksum %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
