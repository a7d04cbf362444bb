package modelfs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"modelsync/pkg/fileops"
)

// DirFilesystem is a package tree rooted at a local directory.
type DirFilesystem struct {
	root       string
	packageIRI string
}

var _ WritableFilesystem = (*DirFilesystem)(nil)

// NewDirFilesystem returns a filesystem over dir. The directory is not
// required to exist until it is read or written.
func NewDirFilesystem(dir, packageIRI string) *DirFilesystem {
	return &DirFilesystem{root: dir, packageIRI: packageIRI}
}

func (d *DirFilesystem) Kind() Kind { return KindLocal }

// Dir returns the root directory.
func (d *DirFilesystem) Dir() string { return d.root }

func (d *DirFilesystem) abs(treePath string) (string, error) {
	if err := ValidateTreePath(treePath); err != nil {
		return "", err
	}
	return filepath.Join(d.root, filepath.FromSlash(treePath)), nil
}

func (d *DirFilesystem) Root(ctx context.Context) (*Node, error) {
	root := NewNode(d.packageIRI, "")
	queue := []*Node{root}

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		node := queue[0]
		queue = queue[1:]

		dir := filepath.Join(d.root, filepath.FromSlash(node.Path))
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) && node.Path == "" {
				return root, nil
			}
			return nil, fmt.Errorf("read %s: %w", dir, err)
		}

		for _, entry := range entries {
			name := entry.Name()
			if node.Path == "" && IsAuxiliary(name) {
				continue
			}
			if entry.IsDir() {
				if ValidateSegment(name) != nil {
					continue
				}
				child := NewNode(d.packageIRI, JoinPath(node.Path, name))
				node.Children[name] = child
				queue = append(queue, child)
				continue
			}
			if !entry.Type().IsRegular() {
				continue
			}
			ds, ok := datastoreFromFile(name)
			if !ok {
				continue
			}
			if _, dup := node.Datastores[ds.Type]; dup {
				// os.ReadDir is sorted, the first file for a type wins.
				continue
			}
			node.Datastores[ds.Type] = ds
		}
	}

	return root, nil
}

func (d *DirFilesystem) datastoreFile(ctx context.Context, treePath, datastoreType string) (string, error) {
	dir, err := d.abs(treePath)
	if err != nil {
		return "", err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("node %q: %w", treePath, ErrNotFound)
		}
		return "", err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if ds, ok := datastoreFromFile(entry.Name()); ok && ds.Type == datastoreType {
			return filepath.Join(dir, entry.Name()), nil
		}
	}
	return "", fmt.Errorf("datastore %s#%s: %w", treePath, datastoreType, ErrNotFound)
}

func (d *DirFilesystem) ReadDatastore(ctx context.Context, treePath, datastoreType string) ([]byte, error) {
	file, err := d.datastoreFile(ctx, treePath, datastoreType)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(file)
}

func (d *DirFilesystem) CreateNode(ctx context.Context, parentPath, name string) (string, error) {
	if err := ValidateSegment(name); err != nil {
		return "", err
	}
	parent, err := d.abs(parentPath)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(parent); err != nil {
		return "", fmt.Errorf("parent %q: %w", parentPath, ErrNotFound)
	}
	treePath := JoinPath(parentPath, name)
	if err := fileops.EnsureDirectoryExists(filepath.Join(parent, name)); err != nil {
		return "", err
	}
	return treePath, nil
}

func (d *DirFilesystem) WriteDatastore(ctx context.Context, treePath string, ds Datastore, content []byte) error {
	dir, err := d.abs(treePath)
	if err != nil {
		return err
	}
	if treePath == "" {
		if err := fileops.EnsureDirectoryExists(dir); err != nil {
			return err
		}
	} else if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("node %q: %w", treePath, ErrNotFound)
	}

	ds = ds.WithFile()
	if existing, err := d.datastoreFile(ctx, treePath, ds.Type); err == nil && filepath.Base(existing) != ds.File {
		if err := os.Remove(existing); err != nil {
			return fmt.Errorf("replace %s: %w", existing, err)
		}
	}
	return fileops.AtomicWriteFile(filepath.Join(dir, ds.File), content)
}

func (d *DirFilesystem) RemoveDatastore(ctx context.Context, treePath, datastoreType string) error {
	file, err := d.datastoreFile(ctx, treePath, datastoreType)
	if err != nil {
		return err
	}
	return os.Remove(file)
}

func (d *DirFilesystem) RemoveNode(ctx context.Context, treePath string) error {
	if treePath == "" {
		return fmt.Errorf("cannot remove the root node")
	}
	dir, err := d.abs(treePath)
	if err != nil {
		return err
	}
	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("node %q: %w", treePath, ErrNotFound)
	}
	return os.RemoveAll(dir)
}

// Fingerprint hashes every datastore path and content. Two directories with
// the same package tree have the same fingerprint.
func Fingerprint(ctx context.Context, fs Filesystem) (string, error) {
	root, err := fs.Root(ctx)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	err = root.Walk(func(n *Node) error {
		fmt.Fprintf(h, "node %q\n", n.Path)
		for _, typ := range n.DatastoreTypes() {
			content, err := fs.ReadDatastore(ctx, n.Path, typ)
			if err != nil {
				return err
			}
			fmt.Fprintf(h, "ds %q %d\n", typ, len(content))
			h.Write(content)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil)), nil
}
