package provider

import (
	"context"
	"fmt"
	"regexp"

	"modelsync/internal/logging"
	"modelsync/internal/workspace"

	git "github.com/go-git/go-git/v6"
	"github.com/go-git/go-git/v6/plumbing"
	"github.com/go-git/go-git/v6/plumbing/transport"
)

var commitHashPattern = regexp.MustCompile(`^[0-9a-fA-F]{7,40}$`)

// resolveCommitHash turns ref into a commit hash. Commits are returned as
// given. Branches and tags are resolved with a depth-1 clone into a fresh
// scratch workspace, which is released on every return path.
func resolveCommitHash(ctx context.Context, scratch *workspace.Allocator, cloneURL, owner, name string, ref CommitReference, auth transport.AuthMethod, logger *logging.AppLogger) (ResolvedCommit, error) {
	fail := func(err error) (ResolvedCommit, error) {
		return ResolvedCommit{}, &CommitHashResolutionError{Owner: owner, Repo: name, Reference: ref, Err: err}
	}

	if ref.Kind == RefCommit {
		if !commitHashPattern.MatchString(ref.Value) {
			return fail(fmt.Errorf("%q is not a commit hash", ref.Value))
		}
		return ResolvedCommit{Hash: ref.Value, Reference: ref}, nil
	}

	resolved := ref
	opts := &git.CloneOptions{
		URL:          cloneURL,
		Auth:         auth,
		Depth:        1,
		SingleBranch: true,
		NoCheckout:   true,
	}
	switch {
	case ref.Value == "":
		resolved.Kind = RefBranch
		resolved.FallbackToDefaultBranch = true
	case ref.Kind == RefTag:
		opts.ReferenceName = plumbing.NewTagReferenceName(ref.Value)
	default:
		opts.ReferenceName = plumbing.NewBranchReferenceName(ref.Value)
	}

	ws, err := scratch.Allocate("resolve")
	if err != nil {
		return fail(err)
	}
	defer func() {
		if err := ws.Release(); err != nil && logger != nil {
			logger.Warn("Failed to release resolve workspace", "path", ws.Path, "error", err)
		}
	}()

	if logger != nil {
		logger.Debug("Resolving commit hash", "owner", owner, "repo", name, "ref", ref.String())
	}

	repo, err := git.PlainCloneContext(ctx, ws.Path, opts)
	if err != nil {
		return fail(fmt.Errorf("probe clone failed: %w", err))
	}

	head, err := repo.Head()
	if err != nil {
		return fail(fmt.Errorf("failed to read HEAD: %w", err))
	}

	if resolved.FallbackToDefaultBranch && head.Name().IsBranch() {
		resolved.Value = head.Name().Short()
	}

	return ResolvedCommit{Hash: head.Hash().String(), Reference: resolved}, nil
}
