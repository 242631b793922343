package filex

import (
	"fmt"
	"os"
	"path/filepath"
)

// EnsureDir creates dir, resolving a relative path against the working
// directory, and returns its absolute path.
func EnsureDir(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", dir, err)
	}

	if err := os.MkdirAll(abs, 0o770); err != nil {
		return "", fmt.Errorf("mkdir %s: %w", abs, err)
	}

	return abs, nil
}

// Writable reports whether files can be created in dir. The directory is
// created when missing.
func Writable(dir string) bool {
	abs, err := EnsureDir(dir)
	if err != nil {
		return false
	}

	f, err := os.CreateTemp(abs, ".writable-*")
	if err != nil {
		return false
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)
	return true
}
