// Package gittest builds local bare repositories that stand in for a hosted
// "origin" in tests. Everything runs through go-git against the filesystem.
package gittest

import (
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	git "github.com/go-git/go-git/v6"
	"github.com/go-git/go-git/v6/config"
	"github.com/go-git/go-git/v6/plumbing"
	"github.com/go-git/go-git/v6/plumbing/object"
)

// NewRemote initializes a bare repository whose HEAD points at main. When
// files is non-empty an initial commit with those files is pushed to main.
func NewRemote(t testing.TB, files map[string]string) string {
	t.Helper()
	return NewRemoteAt(t, t.TempDir(), files)
}

// NewRemoteAt is NewRemote at a caller chosen path.
func NewRemoteAt(t testing.TB, remotePath string, files map[string]string) string {
	t.Helper()

	bare, err := git.PlainInit(remotePath, true)
	if err != nil {
		t.Fatalf("failed to init bare repo: %v", err)
	}
	head := plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main"))
	if err := bare.Storer.SetReference(head); err != nil {
		t.Fatalf("failed to point HEAD at main: %v", err)
	}

	if len(files) > 0 {
		Commit(t, remotePath, "main", files, "initial commit")
	}
	return remotePath
}

// Commit writes files on branch of the bare repository at remotePath and
// returns the new commit hash. A branch that does not exist yet starts from main.
func Commit(t testing.TB, remotePath, branch string, files map[string]string, message string) string {
	t.Helper()

	bare, err := git.PlainOpen(remotePath)
	if err != nil {
		t.Fatalf("failed to open remote: %v", err)
	}

	workPath := t.TempDir()
	repo, err := git.PlainInit(workPath, false)
	if err != nil {
		t.Fatalf("failed to init work repo: %v", err)
	}
	if _, err := repo.CreateRemote(&config.RemoteConfig{Name: "origin", URLs: []string{remotePath}}); err != nil {
		t.Fatalf("failed to add origin remote: %v", err)
	}

	branchRef := plumbing.NewBranchReferenceName(branch)
	base, err := bare.Reference(branchRef, true)
	if err != nil {
		base, err = bare.Reference(plumbing.NewBranchReferenceName("main"), true)
	}
	hasBase := err == nil

	if hasBase {
		if err := repo.Fetch(&git.FetchOptions{
			RemoteName: "origin",
			RefSpecs:   []config.RefSpec{"+refs/heads/*:refs/remotes/origin/*"},
		}); err != nil && err != git.NoErrAlreadyUpToDate {
			t.Fatalf("failed to fetch origin: %v", err)
		}
		if err := repo.Storer.SetReference(plumbing.NewHashReference(branchRef, base.Hash())); err != nil {
			t.Fatalf("failed to create branch ref: %v", err)
		}
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, branchRef)); err != nil {
		t.Fatalf("failed to set HEAD: %v", err)
	}

	worktree, err := repo.Worktree()
	if err != nil {
		t.Fatalf("failed to get worktree: %v", err)
	}
	if hasBase {
		if err := worktree.Checkout(&git.CheckoutOptions{Branch: branchRef, Force: true}); err != nil {
			t.Fatalf("failed to checkout %s: %v", branch, err)
		}
	}

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		full := filepath.Join(workPath, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatalf("failed to create dir for %s: %v", name, err)
		}
		if err := os.WriteFile(full, []byte(files[name]), 0o644); err != nil {
			t.Fatalf("failed to write %s: %v", name, err)
		}
		if _, err := worktree.Add(name); err != nil {
			t.Fatalf("failed to add %s: %v", name, err)
		}
	}

	hash, err := worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  "test",
			Email: "test@example.com",
			When:  time.Now(),
		},
		AllowEmptyCommits: true,
	})
	if err != nil {
		t.Fatalf("failed to commit: %v", err)
	}

	refSpec := config.RefSpec(branchRef.String() + ":" + branchRef.String())
	if err := repo.Push(&git.PushOptions{
		RemoteName: "origin",
		RefSpecs:   []config.RefSpec{refSpec},
	}); err != nil && err != git.NoErrAlreadyUpToDate {
		t.Fatalf("failed to push to origin: %v", err)
	}

	return hash.String()
}

// Head returns the commit hash of branch in the bare repository.
func Head(t testing.TB, remotePath, branch string) string {
	t.Helper()

	bare, err := git.PlainOpen(remotePath)
	if err != nil {
		t.Fatalf("failed to open remote: %v", err)
	}
	ref, err := bare.Reference(plumbing.NewBranchReferenceName(branch), true)
	if err != nil {
		t.Fatalf("branch %s not found: %v", branch, err)
	}
	return ref.Hash().String()
}

// Files returns path -> content for every file on branch.
func Files(t testing.TB, remotePath, branch string) map[string]string {
	t.Helper()

	bare, err := git.PlainOpen(remotePath)
	if err != nil {
		t.Fatalf("failed to open remote: %v", err)
	}
	ref, err := bare.Reference(plumbing.NewBranchReferenceName(branch), true)
	if err != nil {
		t.Fatalf("branch %s not found: %v", branch, err)
	}
	commit, err := bare.CommitObject(ref.Hash())
	if err != nil {
		t.Fatalf("failed to read commit: %v", err)
	}
	tree, err := commit.Tree()
	if err != nil {
		t.Fatalf("failed to read tree: %v", err)
	}

	out := map[string]string{}
	err = tree.Files().ForEach(func(f *object.File) error {
		content, err := f.Contents()
		if err != nil {
			return err
		}
		out[f.Name] = content
		return nil
	})
	if err != nil {
		t.Fatalf("failed to walk tree: %v", err)
	}
	return out
}

// Parents returns the parent hashes of the head commit of branch.
func Parents(t testing.TB, remotePath, branch string) []string {
	t.Helper()

	bare, err := git.PlainOpen(remotePath)
	if err != nil {
		t.Fatalf("failed to open remote: %v", err)
	}
	commit, err := bare.CommitObject(plumbing.NewHash(Head(t, remotePath, branch)))
	if err != nil {
		t.Fatalf("failed to read commit: %v", err)
	}
	out := make([]string, 0, len(commit.ParentHashes))
	for _, h := range commit.ParentHashes {
		out = append(out, h.String())
	}
	return out
}
