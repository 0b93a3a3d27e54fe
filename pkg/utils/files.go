package utils

import (
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
)

// SecureTempFile creates an unpredictable, owner-only file in dir
func SecureTempFile(dir, pattern string) (*os.File, error) {
	if dir == "" {
		dir = os.TempDir()
	}

	randomBytes := make([]byte, 8)
	if _, err := rand.Read(randomBytes); err != nil {
		return nil, fmt.Errorf("failed to generate random bytes: %w", err)
	}
	name := filepath.Join(dir, fmt.Sprintf(".%s_%x", pattern, randomBytes))

	file, err := os.OpenFile(name, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to create secure temp file: %w", err)
	}
	return file, nil
}

// WriteFileAtomic replaces path with data. Readers see either the old or the
// new contents, never a partial snapshot.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := SecureTempFile(filepath.Dir(path), filepath.Base(path))
	if err != nil {
		return err
	}
	name := tmp.Name()
	defer os.Remove(name) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(name, perm); err != nil {
		return err
	}
	if err := os.Rename(name, path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}
