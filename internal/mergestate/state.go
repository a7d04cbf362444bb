// Package mergestate persists conflict resolution between two package roots.
//
// A MergeState is created from a diff tree, mutated by a resolution Session
// (content edits, resolved marks, removed paths, cascaded node creation) and
// closed either by Finalize, which hands the reconciled editable side to the
// synchronizer, or by Remove.
package mergestate

import (
	"fmt"
	"strings"
	"time"

	"modelsync/internal/difftree"
	"modelsync/internal/modelfs"
	"modelsync/internal/provider"
)

// Cause is why the merge state was opened.
type Cause string

const (
	CauseMerge  Cause = "merge"
	CausePull   Cause = "pull"
	CausePush   Cause = "push"
	CauseRebase Cause = "rebase"
)

// ParseCause accepts a cause name; empty means merge.
func ParseCause(s string) (Cause, error) {
	switch c := Cause(strings.ToLower(strings.TrimSpace(s))); c {
	case "":
		return CauseMerge, nil
	case CauseMerge, CausePull, CausePush, CauseRebase:
		return c, nil
	default:
		return "", fmt.Errorf("unknown merge cause %q", s)
	}
}

// Side names one root of a merge state.
type Side string

const (
	SideMergeFrom Side = "mergeFrom"
	SideMergeTo   Side = "mergeTo"
)

// ParseSide accepts a side name; empty means mergeTo.
func ParseSide(s string) (Side, error) {
	switch Side(strings.TrimSpace(s)) {
	case "":
		return SideMergeTo, nil
	case SideMergeFrom:
		return SideMergeFrom, nil
	case SideMergeTo:
		return SideMergeTo, nil
	default:
		return "", fmt.Errorf("unknown side %q", s)
	}
}

// Other returns the opposite side.
func (s Side) Other() Side {
	if s == SideMergeFrom {
		return SideMergeTo
	}
	return SideMergeFrom
}

// diffSide maps a merge side onto the diff orientation: mergeFrom is the old
// root and mergeTo the new one.
func (s Side) diffSide() difftree.Side {
	if s == SideMergeFrom {
		return difftree.SideOld
	}
	return difftree.SideNew
}

// RootRef identifies one package root.
type RootRef struct {
	PackageIRI     string                   `json:"packageIri" yaml:"package_iri"`
	FilesystemType modelfs.Kind             `json:"filesystemType" yaml:"filesystem_type"`
	RepositoryURL  string                   `json:"repositoryUrl,omitempty" yaml:"repository_url,omitempty"`
	Reference      provider.CommitReference `json:"reference" yaml:"reference"`
	// CommitHash is the commit the diff was built from. For local roots it
	// is a content fingerprint.
	CommitHash string `json:"commitHash,omitempty" yaml:"commit_hash,omitempty"`
	// ResolvedBranch is the default branch name when Reference left it empty.
	ResolvedBranch string `json:"resolvedBranch,omitempty" yaml:"resolved_branch,omitempty"`
}

// BranchName returns the branch a branch root commits to.
func (r RootRef) BranchName() string {
	if r.Reference.Value != "" {
		return r.Reference.Value
	}
	return r.ResolvedBranch
}

// IsGit reports whether the root lives in a repository.
func (r RootRef) IsGit() bool {
	return r.FilesystemType == modelfs.KindGitHub || r.FilesystemType == modelfs.KindGitLab
}

// Provider returns the provider family of a git root.
func (r RootRef) Provider() provider.Kind {
	return provider.Kind(r.FilesystemType)
}

// IsBranch reports whether the root can receive commits.
func (r RootRef) IsBranch() bool {
	return r.IsGit() && r.Reference.IsBranch()
}

// Key is the identity used to find merge states by root. It ignores the
// commit hash so a state stays attached while a branch advances.
func (r RootRef) Key() string {
	if !r.IsGit() {
		return string(modelfs.KindLocal) + "|" + r.PackageIRI
	}
	repo := r.RepositoryURL
	if canonical, ok := provider.CanonicalURL(r.Provider(), repo); ok {
		repo = canonical
	}
	return strings.Join([]string{string(r.FilesystemType), strings.ToLower(repo), r.Reference.String()}, "|")
}

// SameRepository reports whether both roots are branches of one repository.
func (r RootRef) SameRepository(o RootRef) bool {
	if !r.IsGit() || r.FilesystemType != o.FilesystemType {
		return false
	}
	a, okA := provider.CanonicalURL(r.Provider(), r.RepositoryURL)
	b, okB := provider.CanonicalURL(o.Provider(), o.RepositoryURL)
	if !okA || !okB {
		return r.RepositoryURL == o.RepositoryURL
	}
	return strings.EqualFold(a, b)
}

func (r RootRef) validate() error {
	if r.PackageIRI == "" {
		return fmt.Errorf("root has no package IRI")
	}
	switch r.FilesystemType {
	case modelfs.KindLocal:
	case modelfs.KindGitHub, modelfs.KindGitLab:
		if r.RepositoryURL == "" {
			return fmt.Errorf("git root of %s has no repository URL", r.PackageIRI)
		}
	default:
		return fmt.Errorf("unknown filesystem type %q", r.FilesystemType)
	}
	return nil
}

func (r RootRef) String() string {
	if !r.IsGit() {
		return "local:" + r.PackageIRI
	}
	return r.RepositoryURL + "@" + r.Reference.String()
}

// Edit replaces or removes one datastore on the editable side.
type Edit struct {
	TreePath      string         `json:"treePath" yaml:"tree_path"`
	DatastoreType string         `json:"datastoreType" yaml:"datastore_type"`
	Format        modelfs.Format `json:"format" yaml:"format"`
	File          string         `json:"file,omitempty" yaml:"file,omitempty"`
	Content       string         `json:"content,omitempty" yaml:"content,omitempty"`
	Removed       bool           `json:"removed,omitempty" yaml:"removed,omitempty"`
	// Created marks a datastore that did not exist on the editable side.
	Created bool `json:"created,omitempty" yaml:"created,omitempty"`
}

func (e Edit) datastore() modelfs.Datastore {
	return modelfs.Datastore{Type: e.DatastoreType, Format: e.Format, File: e.File}
}

// NodeToCreate is one ancestor created ahead of a new datastore.
type NodeToCreate struct {
	ParentPath string `json:"parentPath" yaml:"parent_path"`
	Name       string `json:"name" yaml:"name"`
	TreePath   string `json:"treePath" yaml:"tree_path"`
	IRI        string `json:"iri" yaml:"iri"`
}

// CreateFilesystemNodesBatch lists nodes to create, root to leaf, below the
// deepest ancestor that already exists.
type CreateFilesystemNodesBatch struct {
	FirstExistingParentIRI  string         `json:"firstExistingParentIri" yaml:"first_existing_parent_iri"`
	FirstExistingParentPath string         `json:"firstExistingParentPath" yaml:"first_existing_parent_path"`
	Nodes                   []NodeToCreate `json:"nodes" yaml:"nodes"`
}

// FinalizePolicy is how a merge state can be closed.
type FinalizePolicy string

const (
	// PolicyMergeCommit commits with both branch heads as parents.
	PolicyMergeCommit FinalizePolicy = "merge-commit"
	// PolicyRebaseCommit commits on the editable branch with a single parent.
	PolicyRebaseCommit FinalizePolicy = "rebase-commit"
	// PolicyLocalWrite writes the local package, pushing to its link first.
	PolicyLocalWrite FinalizePolicy = "local-write"
	// PolicyRemoveOnly can only be closed by Remove.
	PolicyRemoveOnly FinalizePolicy = "remove-only"
)

// MergeState is the persisted unit of conflict resolution.
type MergeState struct {
	ID        string  `json:"id" yaml:"id"`
	MergeFrom RootRef `json:"mergeFrom" yaml:"merge_from"`
	MergeTo   RootRef `json:"mergeTo" yaml:"merge_to"`
	Cause     Cause   `json:"cause" yaml:"cause"`
	Editable  Side    `json:"editable" yaml:"editable"`

	Policy   FinalizePolicy `json:"finalizePolicy" yaml:"finalize_policy"`
	Warnings []string       `json:"warnings,omitempty" yaml:"warnings,omitempty"`

	// ConflictCount is the number of conflicts when the state was created.
	ConflictCount int  `json:"conflictCount" yaml:"conflict_count"`
	IsUpToDate    bool `json:"isUpToDate" yaml:"is_up_to_date"`

	Edits            map[string]Edit              `json:"edits,omitempty" yaml:"edits,omitempty"`
	RemovedTreePaths []string                     `json:"removedTreePaths,omitempty" yaml:"removed_tree_paths,omitempty"`
	CreateBatches    []CreateFilesystemNodesBatch `json:"createBatches,omitempty" yaml:"create_batches,omitempty"`

	CreatedAt  time.Time `json:"createdAt" yaml:"created_at"`
	ModifiedAt time.Time `json:"modifiedAt" yaml:"modified_at"`

	// DiffTree is stored in its own file and only loaded on request.
	DiffTree *difftree.Tree `json:"diffTree,omitempty" yaml:"-"`
}

// Root returns the root on side.
func (m *MergeState) Root(side Side) RootRef {
	if side == SideMergeFrom {
		return m.MergeFrom
	}
	return m.MergeTo
}

// EditableRoot returns the root that accepts content.
func (m *MergeState) EditableRoot() RootRef {
	return m.Root(m.Editable)
}

// Unresolved counts conflicts not yet marked resolved.
func (m *MergeState) Unresolved() int {
	return m.DiffTree.Unresolved()
}

// pairKey identifies the (mergeFrom, mergeTo) pair.
func pairKey(from, to RootRef) string {
	return from.Key() + " -> " + to.Key()
}

// decidePolicy derives the finalize policy before any resolution happens.
func decidePolicy(from, to RootRef, editable Side) (FinalizePolicy, []string) {
	e, other := to, from
	if editable == SideMergeFrom {
		e, other = from, to
	}

	switch {
	case !e.IsGit():
		return PolicyLocalWrite, nil
	case !e.IsBranch():
		warning := fmt.Sprintf("%s is not a branch: this merge state can only be closed by removing it", e)
		if !other.IsBranch() {
			warning = fmt.Sprintf("neither %s nor %s is a branch: this merge state can only be closed by removing it", from, to)
		}
		return PolicyRemoveOnly, []string{warning}
	case other.IsBranch() && e.SameRepository(other):
		return PolicyMergeCommit, nil
	default:
		reason := "it is not a branch"
		if other.IsGit() && other.IsBranch() {
			reason = "it lives in another repository"
		} else if !other.IsGit() {
			reason = "it is a local package"
		}
		return PolicyRebaseCommit, []string{fmt.Sprintf("%s will be finalized as a single-parent commit because %s", other, reason)}
	}
}
