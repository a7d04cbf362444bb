// Package gitsync moves package trees between the local package store and a
// hosted git repository. Every operation works in its own scratch workspace
// which is removed, .git included, before the operation returns.
package gitsync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"modelsync/internal/credentials"
	"modelsync/internal/logging"
	"modelsync/internal/packages"
	"modelsync/internal/provider"
	"modelsync/internal/workspace"

	git "github.com/go-git/go-git/v6"
	"github.com/go-git/go-git/v6/config"
	"github.com/go-git/go-git/v6/plumbing"
	"github.com/go-git/go-git/v6/plumbing/object"
	"github.com/google/uuid"
)

// LinkStore persists the last synchronized commit of a package.
type LinkStore interface {
	UpdateCommitHash(packageIRI, hash string) error
}

// Options configures a Synchronizer.
type Options struct {
	Scratch  *workspace.Allocator
	Exporter packages.Exporter
	Importer packages.Importer
	Links    LinkStore

	WorkflowTemplateDir string
	PublicationBaseURL  string

	Logger *logging.AppLogger
	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

// Synchronizer commits package trees to repositories and pulls them back.
type Synchronizer struct {
	scratch             *workspace.Allocator
	exporter            packages.Exporter
	importer            packages.Importer
	links               LinkStore
	workflowTemplateDir string
	publicationBaseURL  string
	logger              *logging.AppLogger
	clock               func() time.Time
}

func New(opts Options) *Synchronizer {
	if opts.Scratch == nil {
		opts.Scratch = workspace.NewAllocator("", opts.Logger)
	}
	if opts.Exporter == nil {
		opts.Exporter = &packages.DirExporter{Logger: opts.Logger}
	}
	if opts.Importer == nil {
		opts.Importer = &packages.DirImporter{Logger: opts.Logger}
	}
	return &Synchronizer{
		scratch:             opts.Scratch,
		exporter:            opts.Exporter,
		importer:            opts.Importer,
		links:               opts.Links,
		workflowTemplateDir: opts.WorkflowTemplateDir,
		publicationBaseURL:  opts.PublicationBaseURL,
		logger:              opts.Logger,
		clock:               opts.Clock,
	}
}

// MergeParent names the second parent of a merge commit. Branch, when set,
// is fetched so the parent commit is available locally.
type MergeParent struct {
	Hash   string
	Branch string
}

// CommitRequest describes one export to a repository.
type CommitRequest struct {
	Package packages.Record
	// Provider, RepositoryURL, Branch and LastKnownCommitHash default to
	// the package link.
	Provider            provider.Kind
	RepositoryURL       string
	Branch              string
	LastKnownCommitHash string

	Credentials credentials.GitCredentials
	// Message is generated when empty.
	Message string
	// Exporter overrides the synchronizer exporter for this request.
	Exporter    packages.Exporter
	MergeParent *MergeParent
	// SkipLinkUpdate leaves the stored commit hash alone even when the
	// target is the linked branch.
	SkipLinkUpdate bool
}

// CommitResult is the outcome of Commit.
type CommitResult struct {
	CommitHash string `json:"commitHash"`
	Branch     string `json:"branch"`
	Strategy   string `json:"strategy"`
	Message    string `json:"message"`
	// NoChanges is set when the export matched the branch head and nothing
	// was committed. CommitHash is then the existing head.
	NoChanges bool `json:"noChanges,omitempty"`
}

func (r *CommitRequest) applyLinkDefaults() error {
	link := r.Package.Link
	if link != nil {
		if r.Provider == "" {
			r.Provider = link.Provider
		}
		if r.RepositoryURL == "" {
			r.RepositoryURL = link.RepositoryURL
		}
		if r.Branch == "" {
			r.Branch = link.Branch
		}
		if r.LastKnownCommitHash == "" && r.Branch == link.Branch {
			r.LastKnownCommitHash = link.LastCommitHash
		}
	}
	if r.RepositoryURL == "" {
		return fmt.Errorf("package %s: %w", r.Package.IRI, packages.ErrNotLinked)
	}
	if r.Branch == "" {
		r.Branch = "main"
	}
	return nil
}

// targetsLink reports whether the request writes the linked branch.
func (r *CommitRequest) targetsLink() bool {
	link := r.Package.Link
	return link != nil && link.Branch == r.Branch && link.RepositoryURL == r.RepositoryURL
}

// GenerateMessage returns a commit message unique per call, so providers
// never see the same message twice.
func GenerateMessage(now time.Time) string {
	return fmt.Sprintf("Update from modelsync at %s (%s)", now.UTC().Format(time.RFC3339), uuid.NewString()[:8])
}

// Commit exports the package into a fresh clone of the target branch,
// commits and pushes. The steps run strictly in order: clone, export,
// auxiliary files, commit, push, link update. A failed push after a local
// commit returns *PushError.
func (s *Synchronizer) Commit(ctx context.Context, req CommitRequest) (result CommitResult, err error) {
	start := time.Now()
	defer s.logger.LogPerformance("gitsync.commit", start)

	if err := req.applyLinkDefaults(); err != nil {
		return CommitResult{}, err
	}
	logger := s.logger.With("package", req.Package.IRI, "branch", req.Branch)

	ws, err := s.scratch.Allocate("commit")
	if err != nil {
		return CommitResult{}, err
	}
	defer func() {
		if relErr := ws.Release(); relErr != nil {
			logger.Warn("Failed to release workspace", "path", ws.Path, "error", relErr)
		}
	}()

	endpoint, err := SelectEndpoint(ctx, req.Provider, req.RepositoryURL, req.Credentials, logger)
	if err != nil {
		return CommitResult{}, err
	}

	repo, strategy, err := cloneWorkspace(ctx, cloneTarget{
		dir:          ws.Path,
		endpoint:     endpoint,
		branch:       req.Branch,
		lastCommit:   req.LastKnownCommitHash,
		createBranch: true,
	}, logger)
	if err != nil {
		return CommitResult{}, err
	}
	result = CommitResult{Branch: req.Branch, Strategy: strategy}

	if err := ws.Clear(); err != nil {
		return result, err
	}
	exporter := req.Exporter
	if exporter == nil {
		exporter = s.exporter
	}
	if err := exporter.Export(ctx, req.Package, ws.Path); err != nil {
		return result, fmt.Errorf("export failed: %w", err)
	}
	if err := s.writeAuxiliaryFiles(ws.Path, req.Provider, req.Package, req.Branch); err != nil {
		return result, err
	}

	wt, err := repo.Worktree()
	if err != nil {
		return result, err
	}
	changed, err := stageAll(wt)
	if err != nil {
		return result, fmt.Errorf("staging failed: %w", err)
	}

	var parents []plumbing.Hash
	if req.MergeParent != nil {
		parents, err = s.mergeParents(ctx, repo, endpoint, *req.MergeParent, logger)
		if err != nil {
			return result, err
		}
	}

	if !changed && parents == nil {
		head, err := repo.Head()
		if err == nil {
			result.CommitHash = head.Hash().String()
			result.NoChanges = true
			logger.Info("Nothing to commit")
			return result, nil
		}
		// Unborn branch: commit anyway so the branch comes into existence.
	}

	message := strings.TrimSpace(req.Message)
	if message == "" {
		message = GenerateMessage(s.now())
	}
	result.Message = message

	hash, err := wt.Commit(message, &git.CommitOptions{
		Author:            signature(req.Credentials, s.now()),
		Parents:           parents,
		AllowEmptyCommits: true,
	})
	if err != nil {
		return result, fmt.Errorf("commit failed: %w", err)
	}
	result.CommitHash = hash.String()
	logger.Debug("Created local commit", "hash", result.CommitHash)

	branchRef := plumbing.NewBranchReferenceName(req.Branch)
	err = repo.PushContext(ctx, &git.PushOptions{
		RemoteName: "origin",
		Auth:       endpoint.Auth,
		RefSpecs:   []config.RefSpec{config.RefSpec(branchRef.String() + ":" + branchRef.String())},
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		if isRejected(err) {
			err = fmt.Errorf("%w: %v", ErrPushRejected, err)
		}
		return result, &PushError{LocalCommit: result.CommitHash, Err: err}
	}

	if s.links != nil && !req.SkipLinkUpdate && req.targetsLink() {
		if err := s.links.UpdateCommitHash(req.Package.IRI, result.CommitHash); err != nil {
			return result, fmt.Errorf("pushed %s but failed to store the commit hash: %w", result.CommitHash, err)
		}
	}

	logger.Info("Committed package", "hash", result.CommitHash, "strategy", strategy)
	return result, nil
}

// mergeParents returns HEAD plus the merge parent. The parent branch is
// fetched first so its commit is present in the local object store.
func (s *Synchronizer) mergeParents(ctx context.Context, repo *git.Repository, ep Endpoint, mp MergeParent, logger *logging.AppLogger) ([]plumbing.Hash, error) {
	if mp.Hash == "" {
		return nil, fmt.Errorf("merge parent hash is empty")
	}
	head, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("merge commit needs an existing branch: %w", err)
	}
	if mp.Branch != "" {
		ref := plumbing.NewBranchReferenceName(mp.Branch)
		err := repo.FetchContext(ctx, &git.FetchOptions{
			RemoteName: "origin",
			Auth:       ep.Auth,
			RefSpecs:   []config.RefSpec{config.RefSpec("+" + ref.String() + ":" + plumbing.NewRemoteReferenceName("origin", mp.Branch).String())},
		})
		if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
			logger.Warn("Failed to fetch merge parent branch", "branch", mp.Branch, "error", err)
		}
	}
	return []plumbing.Hash{head.Hash(), plumbing.NewHash(mp.Hash)}, nil
}

// stageAll stages additions, modifications and deletions. It reports
// whether anything differs from HEAD.
func stageAll(wt *git.Worktree) (bool, error) {
	status, err := wt.Status()
	if err != nil {
		return false, err
	}
	changed := false
	for path, st := range status {
		switch st.Worktree {
		case git.Unmodified:
			if st.Staging != git.Unmodified {
				changed = true
			}
		case git.Deleted:
			if _, err := wt.Remove(path); err != nil {
				return false, fmt.Errorf("remove %s: %w", path, err)
			}
			changed = true
		default:
			if _, err := wt.Add(path); err != nil {
				return false, fmt.Errorf("add %s: %w", path, err)
			}
			changed = true
		}
	}
	return changed, nil
}

func signature(creds credentials.GitCredentials, when time.Time) *object.Signature {
	name, email := creds.Name, creds.Email
	if name == "" {
		name = "modelsync"
	}
	if email == "" {
		email = "modelsync@localhost"
	}
	return &object.Signature{Name: name, Email: email, When: when}
}

func isRejected(err error) bool {
	if errors.Is(err, git.ErrForceNeeded) || errors.Is(err, git.ErrNonFastForwardUpdate) {
		return true
	}
	// A shallow clone cannot walk back to a remote head it never saw.
	if errors.Is(err, plumbing.ErrObjectNotFound) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "non-fast-forward") || strings.Contains(msg, "rejected")
}
