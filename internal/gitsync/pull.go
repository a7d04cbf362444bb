package gitsync

import (
	"context"
	"fmt"
	"time"

	"modelsync/internal/credentials"
	"modelsync/internal/packages"
	"modelsync/internal/provider"
)

// PullRequest describes one import from a repository into a package.
type PullRequest struct {
	Package packages.Record
	// Provider, RepositoryURL and Branch default to the package link.
	Provider      provider.Kind
	RepositoryURL string
	Branch        string
	Credentials   credentials.GitCredentials
	// Force imports even when the branch head equals the stored hash.
	Force bool
}

// PullResult is the outcome of Pull.
type PullResult struct {
	CommitHash string
	// Changed is false when the head matched the stored hash and nothing
	// was imported.
	Changed bool
}

// Pull clones the linked branch and replaces the package content with the
// repository tree. The head commit is then stored as the link hash.
func (s *Synchronizer) Pull(ctx context.Context, req PullRequest) (PullResult, error) {
	start := time.Now()
	defer s.logger.LogPerformance("gitsync.pull", start)

	link := req.Package.Link
	if link == nil && (req.RepositoryURL == "" || req.Branch == "") {
		return PullResult{}, fmt.Errorf("package %s: %w", req.Package.IRI, packages.ErrNotLinked)
	}
	var lastHash string
	if link != nil {
		if req.Provider == "" {
			req.Provider = link.Provider
		}
		if req.RepositoryURL == "" {
			req.RepositoryURL = link.RepositoryURL
		}
		if req.Branch == "" {
			req.Branch = link.Branch
		}
		if req.Branch == link.Branch {
			lastHash = link.LastCommitHash
		}
	}
	logger := s.logger.With("package", req.Package.IRI, "branch", req.Branch)

	ws, err := s.scratch.Allocate("pull")
	if err != nil {
		return PullResult{}, err
	}
	defer func() {
		if relErr := ws.Release(); relErr != nil {
			logger.Warn("Failed to release workspace", "path", ws.Path, "error", relErr)
		}
	}()

	endpoint, err := SelectEndpoint(ctx, req.Provider, req.RepositoryURL, req.Credentials, logger)
	if err != nil {
		return PullResult{}, err
	}
	repo, _, err := cloneWorkspace(ctx, cloneTarget{
		dir:      ws.Path,
		endpoint: endpoint,
		branch:   req.Branch,
	}, logger)
	if err != nil {
		return PullResult{}, err
	}
	head, err := repo.Head()
	if err != nil {
		return PullResult{}, fmt.Errorf("branch %s has no commits: %w", req.Branch, err)
	}
	result := PullResult{CommitHash: head.Hash().String()}

	if !req.Force && result.CommitHash == lastHash {
		logger.Debug("Package already at remote head", "hash", lastHash)
		return result, nil
	}

	if err := s.importer.Import(ctx, req.Package, ws.Path); err != nil {
		return result, fmt.Errorf("import failed: %w", err)
	}
	result.Changed = true

	if s.links != nil && link != nil && req.Branch == link.Branch {
		if err := s.links.UpdateCommitHash(req.Package.IRI, result.CommitHash); err != nil {
			return result, err
		}
	}
	logger.Info("Pulled package", "hash", result.CommitHash)
	return result, nil
}
