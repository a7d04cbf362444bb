package mergestate

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"

	"modelsync/internal/difftree"
	"modelsync/internal/modelfs"
)

// Session is an open merge state with both roots attached. Mutations are
// kept in memory until Save. One writer per merge state is assumed; the last
// Save wins.
type Session struct {
	m     *Manager
	mu    sync.Mutex
	state *MergeState
	fs    map[Side]modelfs.Filesystem
	cache *difftree.ContentCache

	// editableRoot is the editable tree as read from its filesystem.
	editableRoot *modelfs.Node
}

// State returns the merge state the session mutates.
func (s *Session) State() *MergeState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func splitID(id string) (treePath, datastoreType string, err error) {
	i := strings.LastIndex(id, "#")
	if i < 0 || i == len(id)-1 {
		return "", "", fmt.Errorf("%w: %q", ErrUnknownComparison, id)
	}
	return id[:i], id[i+1:], nil
}

func (s *Session) comparison(id string) (*difftree.ComparisonData, error) {
	c, ok := s.state.DiffTree.Comparison(id)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownComparison, id)
	}
	return c, nil
}

// MarkResolved marks one conflict resolved.
func (s *Session) MarkResolved(id string) error {
	return s.setResolved(id, true)
}

// Unmark reopens a resolved conflict.
func (s *Session) Unmark(id string) error {
	return s.setResolved(id, false)
}

func (s *Session) setResolved(id string, resolved bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.comparison(id)
	if err != nil {
		return err
	}
	c.Resolved = resolved
	return nil
}

func (s *Session) editableTree(ctx context.Context) (*modelfs.Node, error) {
	if s.editableRoot != nil {
		return s.editableRoot, nil
	}
	root, err := s.fs[s.state.Editable].Root(ctx)
	if err != nil {
		return nil, err
	}
	s.editableRoot = root
	return root, nil
}

func under(treePath, prefix string) bool {
	return treePath == prefix || strings.HasPrefix(treePath, prefix+"/")
}

func (s *Session) removed(treePath string) bool {
	for _, p := range s.state.RemovedTreePaths {
		if under(treePath, p) {
			return true
		}
	}
	return false
}

func (s *Session) plannedNode(treePath string) bool {
	for _, b := range s.state.CreateBatches {
		for _, n := range b.Nodes {
			if n.TreePath == treePath {
				return true
			}
		}
	}
	return false
}

// nodeExists reports whether treePath will exist on the editable side once
// removals and planned creations are applied.
func (s *Session) nodeExists(ctx context.Context, treePath string) (bool, error) {
	if treePath == "" {
		return true, nil
	}
	if s.plannedNode(treePath) {
		return true, nil
	}
	if s.removed(treePath) {
		return false, nil
	}
	root, err := s.editableTree(ctx)
	if err != nil {
		return false, err
	}
	_, ok := root.Find(treePath)
	return ok, nil
}

// storedDatastore returns the datastore as held by the editable filesystem,
// ignoring edits.
func (s *Session) storedDatastore(ctx context.Context, treePath, typ string) (modelfs.Datastore, bool, error) {
	if s.removed(treePath) {
		return modelfs.Datastore{}, false, nil
	}
	root, err := s.editableTree(ctx)
	if err != nil {
		return modelfs.Datastore{}, false, err
	}
	n, ok := root.Find(treePath)
	if !ok {
		return modelfs.Datastore{}, false, nil
	}
	ds, ok := n.Datastores[typ]
	return ds, ok, nil
}

// Content returns the content of a datastore on side, edits applied for the
// editable side. The boolean is false when the datastore is absent.
func (s *Session) Content(ctx context.Context, id string, side Side) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.content(ctx, id, side)
}

func (s *Session) content(ctx context.Context, id string, side Side) ([]byte, bool, error) {
	treePath, typ, err := splitID(id)
	if err != nil {
		return nil, false, err
	}
	if side == s.state.Editable {
		if e, ok := s.state.Edits[id]; ok {
			if e.Removed {
				return nil, false, nil
			}
			return []byte(e.Content), true, nil
		}
		if s.removed(treePath) {
			return nil, false, nil
		}
	}

	key := difftree.ContentKey{Side: side.diffSide(), TreePath: treePath, DatastoreType: typ}
	content, err := s.cache.Fetch(ctx, s.fs[side], key)
	if errors.Is(err, modelfs.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return content, true, nil
}

// datastoreFor picks the declared datastore for id: edits and the editable
// side first, then the other side, then the diff tree.
func (s *Session) datastoreFor(ctx context.Context, id string) (modelfs.Datastore, error) {
	treePath, typ, err := splitID(id)
	if err != nil {
		return modelfs.Datastore{}, err
	}
	if e, ok := s.state.Edits[id]; ok && e.Format != "" {
		return e.datastore(), nil
	}
	if ds, ok, err := s.storedDatastore(ctx, treePath, typ); err != nil || ok {
		return ds, err
	}
	other, err := s.fs[s.state.Editable.Other()].Root(ctx)
	if err != nil {
		return modelfs.Datastore{}, err
	}
	if n, ok := other.Find(treePath); ok {
		if ds, ok := n.Datastores[typ]; ok {
			return ds, nil
		}
	}
	if c, ok := s.state.DiffTree.Comparison(id); ok {
		return modelfs.Datastore{Type: typ, Format: c.Format}, nil
	}
	return modelfs.Datastore{Type: typ, Format: modelfs.FormatForFile(typ)}, nil
}

// SetContent replaces the editable content of a datastore. A datastore the
// editable side lacks is created, cascading to missing ancestors.
func (s *Session) SetContent(ctx context.Context, id string, side Side, content []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setContent(ctx, id, side, content)
}

func (s *Session) setContent(ctx context.Context, id string, side Side, content []byte) error {
	if side != s.state.Editable {
		return fmt.Errorf("%w: %s", ErrNotEditable, side)
	}
	treePath, typ, err := splitID(id)
	if err != nil {
		return err
	}
	ds, err := s.datastoreFor(ctx, id)
	if err != nil {
		return err
	}

	if _, stored, err := s.storedDatastore(ctx, treePath, typ); err != nil {
		return err
	} else if !stored {
		_, err := s.createDatastore(ctx, treePath, ds, content, true)
		return err
	}

	s.state.Edits[id] = Edit{
		TreePath:      treePath,
		DatastoreType: typ,
		Format:        ds.Format,
		File:          ds.File,
		Content:       string(content),
	}
	return nil
}

// ApplyStrategy seeds the editable content of one datastore from both
// sides. The conflict stays unresolved until MarkResolved.
func (s *Session) ApplyStrategy(ctx context.Context, id string, strategy Strategy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	editable := s.state.Editable
	theirs, okTheirs, err := s.content(ctx, id, editable.Other())
	if err != nil {
		return err
	}
	ours, okOurs, err := s.content(ctx, id, editable)
	if err != nil {
		return err
	}
	if !okTheirs {
		theirs = nil
	}
	if !okOurs {
		ours = nil
	}

	ds, err := s.datastoreFor(ctx, id)
	if err != nil {
		return err
	}
	merged, err := strategy(theirs, ours, ds.Format)
	if err != nil {
		return err
	}
	if merged == nil {
		if !okOurs {
			return nil
		}
		treePath, typ, _ := splitID(id)
		return s.removeDatastore(ctx, treePath, typ)
	}
	return s.setContent(ctx, id, editable, merged)
}

// CreateDatastore adds a datastore the editable side does not have. Missing
// ancestors are planned as one batch, root to leaf. Repeating the call for
// a datastore it created only updates the content and returns a nil batch.
func (s *Session) CreateDatastore(ctx context.Context, treePath string, ds modelfs.Datastore, content []byte) (*CreateFilesystemNodesBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createDatastore(ctx, treePath, ds, content, false)
}

func (s *Session) createDatastore(ctx context.Context, treePath string, ds modelfs.Datastore, content []byte, allowExisting bool) (*CreateFilesystemNodesBatch, error) {
	if err := modelfs.ValidateTreePath(treePath); err != nil {
		return nil, err
	}
	if err := modelfs.ValidateSegment(ds.Type); err != nil {
		return nil, fmt.Errorf("datastore type: %w", err)
	}
	if ds.Format == "" {
		ds.Format = modelfs.FormatForFile(ds.File)
	}
	id := difftree.ComparisonID(treePath, ds.Type)

	existing, hasEdit := s.state.Edits[id]
	if hasEdit && existing.Created {
		existing.Content = string(content)
		s.state.Edits[id] = existing
		return nil, nil
	}
	_, stored, err := s.storedDatastore(ctx, treePath, ds.Type)
	if err != nil {
		return nil, err
	}
	if stored && !allowExisting {
		return nil, fmt.Errorf("%w: %s", ErrDatastoreExists, id)
	}

	batch, err := s.planCascade(ctx, treePath)
	if err != nil {
		return nil, err
	}
	if batch != nil {
		s.state.CreateBatches = append(s.state.CreateBatches, *batch)
	}
	s.state.Edits[id] = Edit{
		TreePath:      treePath,
		DatastoreType: ds.Type,
		Format:        ds.Format,
		File:          ds.File,
		Content:       string(content),
		Created:       !stored,
	}
	return batch, nil
}

// planCascade returns the nodes missing on the editable side for treePath,
// or nil when the node already exists.
func (s *Session) planCascade(ctx context.Context, treePath string) (*CreateFilesystemNodesBatch, error) {
	pkg := s.state.EditableRoot().PackageIRI

	// Work list of segments, consumed root to leaf.
	pending := modelfs.SplitPath(treePath)
	parent := ""
	for len(pending) > 0 {
		next := modelfs.JoinPath(parent, pending[0])
		ok, err := s.nodeExists(ctx, next)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		parent = next
		pending = pending[1:]
	}
	if len(pending) == 0 {
		return nil, nil
	}

	batch := &CreateFilesystemNodesBatch{
		FirstExistingParentIRI:  modelfs.NodeIRI(pkg, parent),
		FirstExistingParentPath: parent,
	}
	for _, seg := range pending {
		p := modelfs.JoinPath(parent, seg)
		batch.Nodes = append(batch.Nodes, NodeToCreate{
			ParentPath: parent,
			Name:       seg,
			TreePath:   p,
			IRI:        modelfs.NodeIRI(pkg, p),
		})
		parent = p
	}
	planned := append(slices.Clone(s.state.CreateBatches), *batch)
	if err := s.checkBatches(ctx, planned); err != nil {
		return nil, err
	}
	return batch, nil
}

// checkBatches verifies batches apply to the editable side in order: each
// starts under a node that exists by then and creates only new nodes, each
// following the one before it.
func (s *Session) checkBatches(ctx context.Context, batches []CreateFilesystemNodesBatch) error {
	root, err := s.editableTree(ctx)
	if err != nil {
		return err
	}
	created := make(map[string]bool)
	exists := func(treePath string) bool {
		if treePath == "" || created[treePath] {
			return true
		}
		if s.removed(treePath) {
			return false
		}
		_, ok := root.Find(treePath)
		return ok
	}
	for i := range batches {
		if err := checkBatch(&batches[i], exists); err != nil {
			return err
		}
		for _, n := range batches[i].Nodes {
			created[n.TreePath] = true
		}
	}
	return nil
}

func checkBatch(b *CreateFilesystemNodesBatch, exists func(string) bool) error {
	parent := b.FirstExistingParentPath
	if !exists(parent) {
		return fmt.Errorf("%w: first existing parent %q is missing", ErrCascadeInvariant, parent)
	}
	for i, n := range b.Nodes {
		if n.ParentPath != parent || modelfs.JoinPath(n.ParentPath, n.Name) != n.TreePath {
			return fmt.Errorf("%w: node %d (%s) does not follow %q", ErrCascadeInvariant, i, n.TreePath, parent)
		}
		if exists(n.TreePath) {
			return fmt.Errorf("%w: node %d (%s) already exists", ErrCascadeInvariant, i, n.TreePath)
		}
		parent = n.TreePath
	}
	return nil
}

// RemoveDatastore removes a datastore from the editable side.
func (s *Session) RemoveDatastore(ctx context.Context, treePath, datastoreType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeDatastore(ctx, treePath, datastoreType)
}

func (s *Session) removeDatastore(ctx context.Context, treePath, typ string) error {
	id := difftree.ComparisonID(treePath, typ)
	if e, ok := s.state.Edits[id]; ok && e.Created {
		delete(s.state.Edits, id)
		return nil
	}
	ds, stored, err := s.storedDatastore(ctx, treePath, typ)
	if err != nil {
		return err
	}
	if !stored {
		return fmt.Errorf("datastore %s: %w", id, modelfs.ErrNotFound)
	}
	s.state.Edits[id] = Edit{TreePath: treePath, DatastoreType: typ, Format: ds.Format, File: ds.File, Removed: true}
	return nil
}

// RemoveTreePath removes a node and its subtree from the editable side,
// dropping edits and planned nodes below it.
func (s *Session) RemoveTreePath(ctx context.Context, treePath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if treePath == "" {
		return fmt.Errorf("cannot remove the root node")
	}
	if err := modelfs.ValidateTreePath(treePath); err != nil {
		return err
	}
	ok, err := s.nodeExists(ctx, treePath)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("node %q: %w", treePath, modelfs.ErrNotFound)
	}

	root, err := s.editableTree(ctx)
	if err != nil {
		return err
	}
	if _, stored := root.Find(treePath); stored && !s.removed(treePath) {
		s.state.RemovedTreePaths = append(s.state.RemovedTreePaths, treePath)
		sort.Strings(s.state.RemovedTreePaths)
	}

	batches := s.state.CreateBatches[:0]
	for _, b := range s.state.CreateBatches {
		kept := b.Nodes[:0]
		for _, n := range b.Nodes {
			if under(n.TreePath, treePath) {
				// Later nodes descend from this one.
				break
			}
			kept = append(kept, n)
		}
		b.Nodes = kept
		if len(b.Nodes) > 0 {
			batches = append(batches, b)
		}
	}
	s.state.CreateBatches = batches

	for id, e := range s.state.Edits {
		if under(e.TreePath, treePath) {
			delete(s.state.Edits, id)
		}
	}
	return nil
}

// Save persists the session state, diff tree included.
func (s *Session) Save(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	s.state.ModifiedAt = s.m.now()
	return s.m.store.Save(s.state)
}

// materialize writes the editable side with every edit applied into dst.
func (s *Session) materialize(ctx context.Context, dst modelfs.WritableFilesystem) error {
	// The editable side may have moved since the batches were planned.
	if err := s.checkBatches(ctx, s.state.CreateBatches); err != nil {
		return err
	}
	if err := modelfs.CopyTree(ctx, s.fs[s.state.Editable], dst); err != nil {
		return err
	}
	for _, p := range s.state.RemovedTreePaths {
		if err := dst.RemoveNode(ctx, p); err != nil && !errors.Is(err, modelfs.ErrNotFound) {
			return fmt.Errorf("remove %s: %w", p, err)
		}
	}
	for _, b := range s.state.CreateBatches {
		for _, n := range b.Nodes {
			if _, err := dst.CreateNode(ctx, n.ParentPath, n.Name); err != nil {
				return fmt.Errorf("create %s: %w", n.TreePath, err)
			}
		}
	}

	ids := make([]string, 0, len(s.state.Edits))
	for id := range s.state.Edits {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		e := s.state.Edits[id]
		if e.Removed {
			err := dst.RemoveDatastore(ctx, e.TreePath, e.DatastoreType)
			if err != nil && !errors.Is(err, modelfs.ErrNotFound) {
				return fmt.Errorf("remove %s: %w", id, err)
			}
			continue
		}
		if err := dst.WriteDatastore(ctx, e.TreePath, e.datastore(), []byte(e.Content)); err != nil {
			return fmt.Errorf("write %s: %w", id, err)
		}
	}
	return nil
}
