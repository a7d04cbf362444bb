package gitsync

import (
	"context"
	"errors"
	"fmt"

	"modelsync/internal/logging"
	"modelsync/pkg/fileops"

	git "github.com/go-git/go-git/v6"
	"github.com/go-git/go-git/v6/config"
	"github.com/go-git/go-git/v6/plumbing"
	"github.com/go-git/go-git/v6/plumbing/transport"
)

// Strategy names, in the order they are attempted.
const (
	StrategyShallowBranch    = "shallow-branch"
	StrategyShallowCommit    = "shallow-commit"
	StrategyFullCreateBranch = "full-clone-create-branch"
)

type cloneTarget struct {
	dir        string
	endpoint   Endpoint
	branch     string
	lastCommit string

	// createBranch allows the last strategy to start a branch the remote lacks.
	createBranch bool
}

type cloneStrategy struct {
	name    string
	enabled func(cloneTarget) bool
	run     func(context.Context, cloneTarget) (*git.Repository, error)
}

var cloneStrategies = []cloneStrategy{
	{
		name:    StrategyShallowBranch,
		enabled: func(cloneTarget) bool { return true },
		run:     cloneShallowBranch,
	},
	{
		name:    StrategyShallowCommit,
		enabled: func(t cloneTarget) bool { return t.lastCommit != "" },
		run:     cloneShallowCommit,
	},
	{
		name:    StrategyFullCreateBranch,
		enabled: func(cloneTarget) bool { return true },
		run:     cloneFullCreateBranch,
	},
}

// cloneWorkspace runs the strategies in order and returns the first
// repository obtained. The directory is emptied between attempts.
func cloneWorkspace(ctx context.Context, target cloneTarget, logger *logging.AppLogger) (*git.Repository, string, error) {
	cloneErr := &CloneError{URL: target.endpoint.URL}

	for _, s := range cloneStrategies {
		if !s.enabled(target) {
			continue
		}
		if err := fileops.ClearDirectory(target.dir); err != nil {
			return nil, "", err
		}
		repo, err := s.run(ctx, target)
		if err == nil {
			logger.Debug("Cloned repository", "strategy", s.name, "branch", target.branch)
			return repo, s.name, nil
		}
		logger.Debug("Clone strategy failed", "strategy", s.name, "error", err)
		cloneErr.Attempts = append(cloneErr.Attempts, StrategyError{Strategy: s.name, Err: err})
		if ctx.Err() != nil {
			break
		}
	}

	if err := fileops.ClearDirectory(target.dir); err != nil {
		logger.Warn("Failed to clear workspace after clone failure", "path", target.dir, "error", err)
	}
	return nil, "", cloneErr
}

func cloneShallowBranch(ctx context.Context, t cloneTarget) (*git.Repository, error) {
	return git.PlainCloneContext(ctx, t.dir, &git.CloneOptions{
		URL:           t.endpoint.URL,
		Auth:          t.endpoint.Auth,
		Depth:         1,
		SingleBranch:  true,
		ReferenceName: plumbing.NewBranchReferenceName(t.branch),
	})
}

func cloneShallowCommit(ctx context.Context, t cloneTarget) (*git.Repository, error) {
	repo, err := initWithOrigin(t)
	if err != nil {
		return nil, err
	}
	branchRef := plumbing.NewBranchReferenceName(t.branch)
	err = repo.FetchContext(ctx, &git.FetchOptions{
		RemoteName: "origin",
		Auth:       t.endpoint.Auth,
		Depth:      1,
		RefSpecs:   []config.RefSpec{config.RefSpec(t.lastCommit + ":" + branchRef.String())},
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return nil, fmt.Errorf("fetch %s: %w", t.lastCommit, err)
	}
	return repo, checkoutBranch(repo, branchRef)
}

func cloneFullCreateBranch(ctx context.Context, t cloneTarget) (*git.Repository, error) {
	branchRef := plumbing.NewBranchReferenceName(t.branch)

	repo, err := git.PlainCloneContext(ctx, t.dir, &git.CloneOptions{
		URL:  t.endpoint.URL,
		Auth: t.endpoint.Auth,
	})
	switch {
	case errors.Is(err, transport.ErrEmptyRemoteRepository):
		if !t.createBranch {
			return nil, err
		}
		if err := fileops.ClearDirectory(t.dir); err != nil {
			return nil, err
		}
		// Nothing to base on: the first commit starts the branch.
		repo, err = initWithOrigin(t)
		if err != nil {
			return nil, err
		}
		return repo, repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, branchRef))
	case err != nil:
		return nil, err
	}

	remoteRef := plumbing.NewRemoteReferenceName("origin", t.branch)
	if ref, err := repo.Reference(remoteRef, true); err == nil {
		if err := repo.Storer.SetReference(plumbing.NewHashReference(branchRef, ref.Hash())); err != nil {
			return nil, err
		}
		return repo, checkoutBranch(repo, branchRef)
	}
	if !t.createBranch {
		return nil, fmt.Errorf("branch %s does not exist", t.branch)
	}

	head, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("read default branch: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewHashReference(branchRef, head.Hash())); err != nil {
		return nil, err
	}
	return repo, checkoutBranch(repo, branchRef)
}

func initWithOrigin(t cloneTarget) (*git.Repository, error) {
	repo, err := git.PlainInit(t.dir, false)
	if err != nil {
		return nil, err
	}
	if _, err := repo.CreateRemote(&config.RemoteConfig{Name: "origin", URLs: []string{t.endpoint.URL}}); err != nil {
		return nil, err
	}
	return repo, nil
}

func checkoutBranch(repo *git.Repository, branchRef plumbing.ReferenceName) error {
	wt, err := repo.Worktree()
	if err != nil {
		return err
	}
	return wt.Checkout(&git.CheckoutOptions{Branch: branchRef, Force: true})
}
