package modelfs

import (
	"context"
	"fmt"
	"io"

	git "github.com/go-git/go-git/v6"
	"github.com/go-git/go-git/v6/plumbing"
	"github.com/go-git/go-git/v6/plumbing/filemode"
	"github.com/go-git/go-git/v6/plumbing/object"
	"github.com/go-git/go-git/v6/plumbing/transport"
	"github.com/go-git/go-git/v6/storage/memory"
)

// GitOptions selects the commit a GitFilesystem is read from. At most one of
// Branch, Tag and Commit is used, in that order of precedence: Commit, Tag,
// Branch. With none set the remote default branch is read.
type GitOptions struct {
	Kind       Kind
	URL        string
	PackageIRI string
	Branch     string
	Tag        string
	Commit     string
	Auth       transport.AuthMethod
}

// GitFilesystem is a read-only package tree backed by one git commit.
type GitFilesystem struct {
	kind       Kind
	packageIRI string
	commit     string
	branch     string
	tree       *object.Tree
}

var _ Filesystem = (*GitFilesystem)(nil)

// CloneGit fetches the selected commit into memory. Branches and tags are
// fetched shallow; a pinned commit needs the full history.
func CloneGit(ctx context.Context, opts GitOptions) (*GitFilesystem, error) {
	clone := &git.CloneOptions{
		URL:        opts.URL,
		Auth:       opts.Auth,
		NoCheckout: true,
	}
	if opts.Commit == "" {
		clone.Depth = 1
		clone.SingleBranch = true
		switch {
		case opts.Tag != "":
			clone.ReferenceName = plumbing.NewTagReferenceName(opts.Tag)
		case opts.Branch != "":
			clone.ReferenceName = plumbing.NewBranchReferenceName(opts.Branch)
		}
	}

	repo, err := git.CloneContext(ctx, memory.NewStorage(), nil, clone)
	if err != nil {
		return nil, fmt.Errorf("clone %s: %w", opts.URL, err)
	}

	var hash plumbing.Hash
	var branch string
	if opts.Commit != "" {
		h, err := repo.ResolveRevision(plumbing.Revision(opts.Commit))
		if err != nil {
			return nil, fmt.Errorf("resolve commit %s: %w", opts.Commit, err)
		}
		hash = *h
	} else {
		head, err := repo.Head()
		if err != nil {
			return nil, fmt.Errorf("resolve HEAD of %s: %w", opts.URL, err)
		}
		hash = head.Hash()
		if head.Name().IsBranch() {
			branch = head.Name().Short()
		}
	}
	fs, err := OpenGitCommit(repo, hash, opts.Kind, opts.PackageIRI)
	if err != nil {
		return nil, err
	}
	fs.branch = branch
	return fs, nil
}

// OpenGitCommit wraps a commit of an already open repository.
func OpenGitCommit(repo *git.Repository, hash plumbing.Hash, kind Kind, packageIRI string) (*GitFilesystem, error) {
	commit, err := repo.CommitObject(hash)
	if err != nil {
		return nil, fmt.Errorf("read commit %s: %w", hash, err)
	}
	tree, err := commit.Tree()
	if err != nil {
		return nil, fmt.Errorf("read tree of %s: %w", hash, err)
	}
	return &GitFilesystem{kind: kind, packageIRI: packageIRI, commit: hash.String(), tree: tree}, nil
}

func (g *GitFilesystem) Kind() Kind { return g.kind }

// CommitHash is the commit the tree was read from.
func (g *GitFilesystem) CommitHash() string { return g.commit }

// Branch is the branch the tree was cloned from, empty for tags and pinned
// commits.
func (g *GitFilesystem) Branch() string { return g.branch }

func (g *GitFilesystem) subtree(treePath string) (*object.Tree, error) {
	if err := ValidateTreePath(treePath); err != nil {
		return nil, err
	}
	if treePath == "" {
		return g.tree, nil
	}
	t, err := g.tree.Tree(treePath)
	if err != nil {
		return nil, fmt.Errorf("node %q: %w", treePath, ErrNotFound)
	}
	return t, nil
}

func (g *GitFilesystem) Root(ctx context.Context) (*Node, error) {
	type item struct {
		node *Node
		tree *object.Tree
	}

	root := NewNode(g.packageIRI, "")
	queue := []item{{root, g.tree}}

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cur := queue[0]
		queue = queue[1:]

		for _, entry := range cur.tree.Entries {
			if cur.node.Path == "" && IsAuxiliary(entry.Name) {
				continue
			}
			switch entry.Mode {
			case filemode.Dir:
				if ValidateSegment(entry.Name) != nil {
					continue
				}
				sub, err := cur.tree.Tree(entry.Name)
				if err != nil {
					return nil, fmt.Errorf("read tree %s: %w", JoinPath(cur.node.Path, entry.Name), err)
				}
				child := NewNode(g.packageIRI, JoinPath(cur.node.Path, entry.Name))
				cur.node.Children[entry.Name] = child
				queue = append(queue, item{child, sub})
			case filemode.Regular, filemode.Executable, filemode.Deprecated:
				ds, ok := datastoreFromFile(entry.Name)
				if !ok {
					continue
				}
				// Tree entries are sorted, the first file for a type wins.
				if _, dup := cur.node.Datastores[ds.Type]; !dup {
					cur.node.Datastores[ds.Type] = ds
				}
			}
		}
	}

	return root, nil
}

func (g *GitFilesystem) ReadDatastore(ctx context.Context, treePath, datastoreType string) ([]byte, error) {
	t, err := g.subtree(treePath)
	if err != nil {
		return nil, err
	}
	for _, entry := range t.Entries {
		if !entry.Mode.IsFile() {
			continue
		}
		ds, ok := datastoreFromFile(entry.Name)
		if !ok || ds.Type != datastoreType {
			continue
		}
		f, err := t.TreeEntryFile(&entry)
		if err != nil {
			return nil, fmt.Errorf("read %s/%s: %w", treePath, entry.Name, err)
		}
		r, err := f.Reader()
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return io.ReadAll(r)
	}
	return nil, fmt.Errorf("datastore %s#%s: %w", treePath, datastoreType, ErrNotFound)
}
