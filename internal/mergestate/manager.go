package mergestate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"modelsync/internal/credentials"
	"modelsync/internal/difftree"
	"modelsync/internal/gitsync"
	"modelsync/internal/logging"
	"modelsync/internal/modelfs"
	"modelsync/internal/packages"
	"modelsync/internal/workspace"

	"github.com/google/uuid"
)

// Committer publishes a materialized tree. *gitsync.Synchronizer implements it.
type Committer interface {
	Commit(ctx context.Context, req gitsync.CommitRequest) (gitsync.CommitResult, error)
}

// Options configures a Manager.
type Options struct {
	Store     *Store
	Opener    Opener
	Committer Committer
	// Importer writes finalized content into local packages.
	Importer packages.Importer
	Packages PackageSource
	Scratch  *workspace.Allocator
	Logger   *logging.AppLogger
	Clock    func() time.Time
}

// Manager owns the lifecycle of merge states.
type Manager struct {
	store     *Store
	opener    Opener
	committer Committer
	importer  packages.Importer
	packages  PackageSource
	scratch   *workspace.Allocator
	logger    *logging.AppLogger
	clock     func() time.Time
	newID     func() string

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewManager(opts Options) *Manager {
	if opts.Scratch == nil {
		opts.Scratch = workspace.NewAllocator("", opts.Logger)
	}
	if opts.Importer == nil {
		opts.Importer = &packages.DirImporter{Logger: opts.Logger}
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Manager{
		store:     opts.Store,
		opener:    opts.Opener,
		committer: opts.Committer,
		importer:  opts.Importer,
		packages:  opts.Packages,
		scratch:   opts.Scratch,
		logger:    opts.Logger,
		clock:     opts.Clock,
		newID:     uuid.NewString,
		sessions:  map[string]*Session{},
	}
}

func (m *Manager) now() time.Time {
	return m.clock().UTC()
}

// CreateRequest opens a merge state between two roots.
type CreateRequest struct {
	MergeFrom RootRef `json:"mergeFrom"`
	MergeTo   RootRef `json:"mergeTo"`
	Cause     Cause   `json:"cause"`
	// Editable defaults to mergeTo.
	Editable Side `json:"editable"`
}

// CreateResult is returned by Create. The policy and warnings are known
// before any resolution starts.
type CreateResult struct {
	State       *MergeState    `json:"state"`
	NoConflicts bool           `json:"noConflicts"`
	Policy      FinalizePolicy `json:"finalizePolicy"`
	Warnings    []string       `json:"warnings,omitempty"`
}

// Create diffs both roots and persists a new merge state. A pair that
// already has one returns ErrMergeStateExists. Roots without differences
// still produce a persisted state, flagged NoConflicts, for preview.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	start := time.Now()
	defer m.logger.LogPerformance("mergestate.create", start)

	for _, r := range []RootRef{req.MergeFrom, req.MergeTo} {
		if err := r.validate(); err != nil {
			return nil, err
		}
	}
	cause := req.Cause
	if cause == "" {
		cause = CauseMerge
	}
	editable := req.Editable
	if editable == "" {
		editable = SideMergeTo
	}

	if id, ok, err := m.store.FindPair(req.MergeFrom, req.MergeTo); err != nil {
		return nil, err
	} else if ok {
		return nil, fmt.Errorf("%w: %s", ErrMergeStateExists, id)
	}

	from, fromFS, err := m.openRoot(ctx, req.MergeFrom, false)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", req.MergeFrom, err)
	}
	to, toFS, err := m.openRoot(ctx, req.MergeTo, false)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", req.MergeTo, err)
	}

	cache := difftree.NewContentCache()
	tree, err := difftree.NewBuilder(cache, m.logger).Build(ctx, fromFS, toFS)
	if err != nil {
		return nil, err
	}

	policy, warnings := decidePolicy(from, to, editable)
	now := m.now()
	state := &MergeState{
		ID:            m.newID(),
		MergeFrom:     from,
		MergeTo:       to,
		Cause:         cause,
		Editable:      editable,
		Policy:        policy,
		Warnings:      warnings,
		ConflictCount: tree.ConflictCount,
		IsUpToDate:    true,
		Edits:         map[string]Edit{},
		CreatedAt:     now,
		ModifiedAt:    now,
		DiffTree:      tree,
	}
	if err := m.store.Save(state); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.sessions[state.ID] = &Session{
		m:     m,
		state: state,
		fs:    map[Side]modelfs.Filesystem{SideMergeFrom: fromFS, SideMergeTo: toFS},
		cache: cache,
	}
	m.mu.Unlock()

	m.logger.Info("Created merge state", "id", state.ID, "from", from.String(), "to", to.String(),
		"conflicts", state.ConflictCount, "policy", policy)
	return &CreateResult{
		State:       state,
		NoConflicts: tree.ConflictCount == 0,
		Policy:      policy,
		Warnings:    warnings,
	}, nil
}

// openRoot opens a root and returns it with the resolved commit hash and
// default branch filled in.
func (m *Manager) openRoot(ctx context.Context, root RootRef, pinned bool) (RootRef, modelfs.Filesystem, error) {
	fs, hash, err := m.opener.Open(ctx, root, pinned)
	if err != nil {
		return root, nil, err
	}
	root.CommitHash = hash
	if root.IsBranch() && root.Reference.Value == "" {
		if b, ok := fs.(interface{ Branch() string }); ok && b.Branch() != "" {
			root.ResolvedBranch = b.Branch()
			root.Reference.FallbackToDefaultBranch = true
		}
	}
	return root, fs, nil
}

// Get loads a merge state.
func (m *Manager) Get(ctx context.Context, id string, includeDiffData bool) (*MergeState, error) {
	return m.store.Load(id, includeDiffData)
}

// GetByRoots loads the merge state of a (from, to) pair.
func (m *Manager) GetByRoots(ctx context.Context, from, to RootRef, includeDiffData bool) (*MergeState, error) {
	id, ok, err := m.store.FindPair(from, to)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%s -> %s: %w", from, to, ErrNotFound)
	}
	return m.store.Load(id, includeDiffData)
}

// ListByRoot returns the merge states that involve root on either side.
func (m *Manager) ListByRoot(ctx context.Context, root RootRef) ([]*MergeState, error) {
	return m.store.ListByRoot(root)
}

// Remove deletes a merge state without publishing anything.
func (m *Manager) Remove(ctx context.Context, id string) error {
	if err := m.store.Delete(id); err != nil {
		return err
	}
	m.evict(id)
	m.logger.Info("Removed merge state", "id", id)
	return nil
}

func (m *Manager) evict(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

// OpenSession returns the resolution session of a merge state. Both roots
// are read at the commits the diff was built from.
func (m *Manager) OpenSession(ctx context.Context, id string) (*Session, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if ok {
		return s, nil
	}

	state, err := m.store.Load(id, true)
	if err != nil {
		return nil, err
	}
	_, fromFS, err := m.openRoot(ctx, state.MergeFrom, true)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", state.MergeFrom, err)
	}
	_, toFS, err := m.openRoot(ctx, state.MergeTo, true)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", state.MergeTo, err)
	}
	s = &Session{
		m:     m,
		state: state,
		fs:    map[Side]modelfs.Filesystem{SideMergeFrom: fromFS, SideMergeTo: toFS},
		cache: difftree.NewContentCache(),
	}

	m.mu.Lock()
	if existing, ok := m.sessions[id]; ok {
		s = existing
	} else {
		m.sessions[id] = s
	}
	m.mu.Unlock()
	return s, nil
}

// CheckUpToDate compares the current heads of both roots with the commits
// the diff was built from and stores the result.
func (m *Manager) CheckUpToDate(ctx context.Context, id string) (bool, error) {
	state, err := m.store.Load(id, false)
	if err != nil {
		return false, err
	}
	from, _, err := m.openRoot(ctx, state.MergeFrom, false)
	if err != nil {
		return false, err
	}
	to, _, err := m.openRoot(ctx, state.MergeTo, false)
	if err != nil {
		return false, err
	}
	upToDate := from.CommitHash == state.MergeFrom.CommitHash && to.CommitHash == state.MergeTo.CommitHash

	if upToDate != state.IsUpToDate {
		state.IsUpToDate = upToDate
		state.ModifiedAt = m.now()
		if err := m.store.Save(state); err != nil {
			return false, err
		}
		m.mu.Lock()
		s, ok := m.sessions[id]
		m.mu.Unlock()
		if ok {
			s.mu.Lock()
			s.state.IsUpToDate = upToDate
			s.mu.Unlock()
		}
	}
	return upToDate, nil
}

// FinalizeRequest closes a merge state by publishing the editable side.
type FinalizeRequest struct {
	ID          string
	Credentials credentials.GitCredentials
	Message     string
}

// FinalizeResult is returned by a successful Finalize.
type FinalizeResult struct {
	Policy     FinalizePolicy `json:"finalizePolicy"`
	CommitHash string         `json:"commitHash,omitempty"`
	NoChanges  bool           `json:"noChanges,omitempty"`
}

// Finalize materializes the editable side with every edit, publishes it
// according to the state's policy and deletes the state. Any failure leaves
// the state in place; a failed commit or push is *FinalizeConflictError.
func (m *Manager) Finalize(ctx context.Context, req FinalizeRequest) (*FinalizeResult, error) {
	start := time.Now()
	defer m.logger.LogPerformance("mergestate.finalize", start)

	s, err := m.OpenSession(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.state

	if state.Policy == PolicyRemoveOnly {
		return nil, fmt.Errorf("%w: %s", ErrFinalizeNotAllowed, state.Warnings)
	}
	if n := state.Unresolved(); n > 0 {
		return nil, fmt.Errorf("%w: %d of %d", ErrUnresolvedConflicts, n, len(state.DiffTree.Conflicts()))
	}

	logger := m.logger.With("id", state.ID, "policy", state.Policy)
	ws, err := m.scratch.Allocate("finalize")
	if err != nil {
		return nil, err
	}
	defer func() {
		if relErr := ws.Release(); relErr != nil {
			logger.Warn("Failed to release staging directory", "path", ws.Path, "error", relErr)
		}
	}()

	editable := state.EditableRoot()
	staging := modelfs.NewDirFilesystem(ws.Path, editable.PackageIRI)
	if err := s.materialize(ctx, staging); err != nil {
		return nil, fmt.Errorf("materialize %s: %w", editable, err)
	}

	result := &FinalizeResult{Policy: state.Policy}
	switch state.Policy {
	case PolicyMergeCommit, PolicyRebaseCommit:
		other := state.Root(state.Editable.Other())
		creq := gitsync.CommitRequest{
			Package:             m.packageRecord(editable.PackageIRI, ws.Path),
			Provider:            editable.Provider(),
			RepositoryURL:       editable.RepositoryURL,
			Branch:              editable.BranchName(),
			LastKnownCommitHash: editable.CommitHash,
			Credentials:         req.Credentials,
			Message:             req.Message,
			Exporter:            &packages.DirExporter{Logger: m.logger},
		}
		if state.Policy == PolicyMergeCommit {
			creq.MergeParent = &gitsync.MergeParent{Hash: other.CommitHash, Branch: other.BranchName()}
		}
		if err := m.commit(ctx, state.ID, creq, result); err != nil {
			return nil, err
		}

	case PolicyLocalWrite:
		rec, err := m.packageSource().Get(editable.PackageIRI)
		if err != nil {
			return nil, err
		}
		if rec.Link != nil {
			staged := rec
			staged.ContentDir = ws.Path
			creq := gitsync.CommitRequest{
				Package:     staged,
				Credentials: req.Credentials,
				Message:     req.Message,
				Exporter:    &packages.DirExporter{Logger: m.logger},
			}
			if err := m.commit(ctx, state.ID, creq, result); err != nil {
				return nil, err
			}
		}
		if err := m.importer.Import(ctx, rec, ws.Path); err != nil {
			return nil, fmt.Errorf("write %s: %w", rec.IRI, err)
		}

	default:
		return nil, fmt.Errorf("unknown finalize policy %q", state.Policy)
	}

	if err := m.store.Delete(state.ID); err != nil {
		return nil, err
	}
	m.evict(state.ID)
	logger.Info("Finalized merge state", "commit", result.CommitHash, "no_changes", result.NoChanges)
	return result, nil
}

func (m *Manager) commit(ctx context.Context, id string, req gitsync.CommitRequest, result *FinalizeResult) error {
	if m.committer == nil {
		return fmt.Errorf("no committer configured")
	}
	res, err := m.committer.Commit(ctx, req)
	if err != nil {
		ferr := &FinalizeConflictError{StateID: id, Err: err}
		var pushErr *gitsync.PushError
		if errors.As(err, &pushErr) {
			ferr.LocalCommit = pushErr.LocalCommit
		}
		return ferr
	}
	result.CommitHash = res.CommitHash
	result.NoChanges = res.NoChanges
	return nil
}

func (m *Manager) packageSource() PackageSource {
	if m.packages == nil {
		return noPackages{}
	}
	return m.packages
}

// packageRecord returns the stored record with its content replaced by dir.
// Unknown packages get a bare record.
func (m *Manager) packageRecord(iri, dir string) packages.Record {
	rec, err := m.packageSource().Get(iri)
	if err != nil {
		rec = packages.Record{IRI: iri}
	}
	rec.ContentDir = dir
	return rec
}

type noPackages struct{}

func (noPackages) Get(iri string) (packages.Record, error) {
	return packages.Record{}, fmt.Errorf("%s: %w", iri, packages.ErrNotFound)
}
