// Package fileops provides atomic file writes and directory helpers used by
// the exporters and the local filesystem backend.
package fileops

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// AtomicCopy copies srcPath to destPath through a temporary file in the
// destination directory. The destination either appears fully written or
// not at all. Existing files are overwritten.
func AtomicCopy(srcPath, destPath string) error {
	srcFile, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("failed to open source file: %w", err)
	}
	defer srcFile.Close()

	return atomicWrite(destPath, func(w io.Writer) error {
		_, err := io.Copy(w, srcFile)
		return err
	})
}

// AtomicWriteFile writes content to destPath the same way AtomicCopy does.
func AtomicWriteFile(destPath string, content []byte) error {
	return atomicWrite(destPath, func(w io.Writer) error {
		_, err := w.Write(content)
		return err
	})
}

func atomicWrite(destPath string, fill func(io.Writer) error) error {
	tempPath := destPath + ".tmp"
	tempFile, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}

	var ok bool
	defer func() {
		tempFile.Close()
		if !ok {
			os.Remove(tempPath)
		}
	}()

	if err := fill(tempFile); err != nil {
		return fmt.Errorf("failed to write file contents: %w", err)
	}
	if err := tempFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("failed to close temporary file: %w", err)
	}

	// Atomic rename
	if err := os.Rename(tempPath, destPath); err != nil {
		return fmt.Errorf("failed to rename temporary file: %w", err)
	}

	ok = true
	return nil
}

// EnsureDirectoryExists is mkdir -p with 0755 permissions.
func EnsureDirectoryExists(path string) error {
	if err := os.MkdirAll(path, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", path, err)
	}
	return nil
}

// ClearDirectory removes every entry of dir except the names in keep.
// A missing dir is created.
func ClearDirectory(dir string, keep ...string) error {
	if err := EnsureDirectoryExists(dir); err != nil {
		return err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read directory %s: %w", dir, err)
	}

	skip := make(map[string]bool, len(keep))
	for _, k := range keep {
		skip[k] = true
	}
	for _, entry := range entries {
		if skip[entry.Name()] {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			return fmt.Errorf("failed to remove %s: %w", entry.Name(), err)
		}
	}
	return nil
}
