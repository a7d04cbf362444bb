// Package workspace allocates uniquely named scratch directories for VCS work.
//
// Every clone, export and probe owns one Workspace. Names are random and the
// directory is created with os.Mkdir, so a collision is detected atomically and
// retried with a new name. Release removes the whole tree, including the .git
// metadata directory.
package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"modelsync/internal/logging"
	"modelsync/pkg/fileops"

	"github.com/google/uuid"
)

const maxAllocationAttempts = 16

// ErrExhausted is returned when no free name was found.
var ErrExhausted = errors.New("could not allocate a unique workspace name")

// Allocator creates workspaces under a root directory.
type Allocator struct {
	root   string
	newID  func() string
	logger *logging.AppLogger
}

// NewAllocator returns an allocator rooted at root. An empty root uses os.TempDir().
func NewAllocator(root string, logger *logging.AppLogger) *Allocator {
	if root == "" {
		root = os.TempDir()
	}
	return &Allocator{
		root:   root,
		newID:  uuid.NewString,
		logger: logger,
	}
}

// Root returns the directory workspaces are created in.
func (a *Allocator) Root() string {
	return a.root
}

// Workspace is one allocated scratch directory.
type Workspace struct {
	Path string

	once   sync.Once
	err    error
	logger *logging.AppLogger
}

// Allocate creates a new empty directory named prefix-<random>.
func (a *Allocator) Allocate(prefix string) (*Workspace, error) {
	if err := os.MkdirAll(a.root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workspace root: %w", err)
	}

	for attempt := 0; attempt < maxAllocationAttempts; attempt++ {
		name := a.newID()
		if prefix != "" {
			name = prefix + "-" + name
		}
		path := filepath.Join(a.root, name)

		err := os.Mkdir(path, 0o700)
		if err == nil {
			if a.logger != nil {
				a.logger.Debug("Allocated workspace", "path", path, "attempt", attempt+1)
			}
			return &Workspace{Path: path, logger: a.logger}, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("failed to create workspace: %w", err)
		}
	}

	return nil, ErrExhausted
}

// Release removes the workspace. The .git directory is removed first so a
// partial failure never leaves history behind. Safe to call more than once.
func (w *Workspace) Release() error {
	if w == nil {
		return nil
	}
	w.once.Do(func() {
		if err := os.RemoveAll(filepath.Join(w.Path, ".git")); err != nil {
			w.err = fmt.Errorf("failed to remove workspace metadata: %w", err)
			return
		}
		if err := os.RemoveAll(w.Path); err != nil {
			w.err = fmt.Errorf("failed to remove workspace: %w", err)
			return
		}
		if w.logger != nil {
			w.logger.Debug("Released workspace", "path", w.Path)
		}
	})
	return w.err
}

// Join returns a path inside the workspace.
func (w *Workspace) Join(elem ...string) string {
	return filepath.Join(append([]string{w.Path}, elem...)...)
}

// Clear removes every entry in the workspace except the .git directory.
// Used before an export so files deleted from the package disappear from the commit.
func (w *Workspace) Clear() error {
	if err := fileops.ClearDirectory(w.Path, ".git"); err != nil {
		return fmt.Errorf("failed to clear workspace: %w", err)
	}
	return nil
}
