package mergestate

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"modelsync/internal/gitsync"
	"modelsync/internal/gittest"
	"modelsync/internal/modelfs"
	"modelsync/internal/packages"
	"modelsync/internal/provider"
	"modelsync/internal/workspace"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		full := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	}
}

type env struct {
	dataDir string
	pkgs    *packages.Store
	store   *Store
	opener  *RootOpener
	manager *Manager
}

func newEnv(t *testing.T, committer Committer) *env {
	t.Helper()
	dataDir := t.TempDir()
	pkgs := packages.NewStore(dataDir, nil)
	scratch := workspace.NewAllocator(t.TempDir(), nil)
	if committer == nil {
		committer = gitsync.New(gitsync.Options{Scratch: scratch, Links: pkgs})
	}
	e := &env{
		dataDir: dataDir,
		pkgs:    pkgs,
		store:   NewStore(dataDir, nil),
		opener:  &RootOpener{Packages: pkgs},
	}
	e.manager = NewManager(Options{
		Store:     e.store,
		Opener:    e.opener,
		Committer: committer,
		Packages:  pkgs,
		Scratch:   scratch,
	})
	return e
}

// reopen returns a manager over the same store with no cached sessions.
func (e *env) reopen() *Manager {
	return NewManager(Options{Store: e.store, Opener: e.opener, Packages: e.pkgs})
}

func (e *env) localPackage(t *testing.T, iri string, files map[string]string) (RootRef, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "content")
	writeFiles(t, dir, files)
	require.NoError(t, e.pkgs.Put(packages.Record{IRI: iri, ContentDir: dir}))
	return RootRef{PackageIRI: iri, FilesystemType: modelfs.KindLocal}, dir
}

func gitRoot(remote string, ref provider.CommitReference) RootRef {
	return RootRef{
		PackageIRI:     "urn:pkg:remote",
		FilesystemType: modelfs.KindGitHub,
		RepositoryURL:  remote,
		Reference:      ref,
	}
}

func TestCreate_NoConflictsStillPersists(t *testing.T) {
	e := newEnv(t, nil)
	files := map[string]string{"meta.json": `{"label":"A"}`, "models/person/meta.json": `{}`}
	from, _ := e.localPackage(t, "urn:pkg:a", files)
	to, _ := e.localPackage(t, "urn:pkg:b", files)

	res, err := e.manager.Create(context.Background(), CreateRequest{MergeFrom: from, MergeTo: to})
	require.NoError(t, err)
	assert.True(t, res.NoConflicts)
	assert.Equal(t, PolicyLocalWrite, res.Policy)
	assert.Equal(t, CauseMerge, res.State.Cause)
	assert.Equal(t, SideMergeTo, res.State.Editable)
	assert.True(t, res.State.IsUpToDate)
	assert.NotEmpty(t, res.State.MergeFrom.CommitHash)

	got, err := e.manager.Get(context.Background(), res.State.ID, false)
	require.NoError(t, err)
	assert.Nil(t, got.DiffTree)
	assert.Equal(t, 0, got.ConflictCount)

	_, err = e.manager.Create(context.Background(), CreateRequest{MergeFrom: from, MergeTo: to})
	assert.ErrorIs(t, err, ErrMergeStateExists)

	// The reverse pair is a different merge state.
	_, err = e.manager.Create(context.Background(), CreateRequest{MergeFrom: to, MergeTo: from})
	assert.NoError(t, err)
}

func TestCreate_RejectsInvalidRoots(t *testing.T) {
	e := newEnv(t, nil)
	_, err := e.manager.Create(context.Background(), CreateRequest{
		MergeFrom: RootRef{PackageIRI: "urn:x", FilesystemType: modelfs.KindGitHub},
		MergeTo:   RootRef{PackageIRI: "urn:y", FilesystemType: modelfs.KindLocal},
	})
	assert.Error(t, err)
}

func TestDecidePolicy(t *testing.T) {
	repo := "https://github.com/acme/models"
	main := RootRef{PackageIRI: "urn:p", FilesystemType: modelfs.KindGitHub, RepositoryURL: repo, Reference: provider.Branch("main")}
	feature := main
	feature.Reference = provider.Branch("feature")
	tag := main
	tag.Reference = provider.CommitReference{Kind: provider.RefTag, Value: "v1"}
	otherRepo := main
	otherRepo.RepositoryURL = "https://github.com/acme/fork"
	local := RootRef{PackageIRI: "urn:p", FilesystemType: modelfs.KindLocal}

	tests := []struct {
		name     string
		from, to RootRef
		editable Side
		want     FinalizePolicy
		warns    bool
	}{
		{"branches of one repository", feature, main, SideMergeTo, PolicyMergeCommit, false},
		{"same repository with url variant", feature, RootRef{PackageIRI: "urn:p", FilesystemType: modelfs.KindGitHub, RepositoryURL: repo + ".git", Reference: provider.Branch("main")}, SideMergeTo, PolicyMergeCommit, false},
		{"from a tag into a branch", tag, main, SideMergeTo, PolicyRebaseCommit, true},
		{"from another repository", otherRepo, main, SideMergeTo, PolicyRebaseCommit, true},
		{"from a local package", local, main, SideMergeTo, PolicyRebaseCommit, true},
		{"into a tag", main, tag, SideMergeTo, PolicyRemoveOnly, true},
		{"tag into tag", tag, tag, SideMergeTo, PolicyRemoveOnly, true},
		{"into a local package", main, local, SideMergeTo, PolicyLocalWrite, false},
		{"editable mergeFrom", tag, main, SideMergeFrom, PolicyRemoveOnly, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, warnings := decidePolicy(tt.from, tt.to, tt.editable)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.warns, len(warnings) > 0, "warnings: %v", warnings)
		})
	}
}

func TestStore_LayoutAndIndex(t *testing.T) {
	e := newEnv(t, nil)
	from, _ := e.localPackage(t, "urn:pkg:a", map[string]string{"meta.json": `{"v":1}`})
	to, _ := e.localPackage(t, "urn:pkg:b", map[string]string{"meta.json": `{"v":2}`})

	res, err := e.manager.Create(context.Background(), CreateRequest{MergeFrom: from, MergeTo: to, Cause: CausePull})
	require.NoError(t, err)
	id := res.State.ID

	for _, name := range []string{id + ".yaml", id + ".diff.yaml", "index.yaml"} {
		assert.FileExists(t, filepath.Join(e.dataDir, "mergestates", name))
	}

	full, err := e.store.Load(id, true)
	require.NoError(t, err)
	require.NotNil(t, full.DiffTree)
	assert.Equal(t, 1, full.DiffTree.ConflictCount)
	assert.Equal(t, CausePull, full.Cause)

	byFrom, err := e.manager.ListByRoot(context.Background(), from)
	require.NoError(t, err)
	require.Len(t, byFrom, 1)
	assert.Equal(t, id, byFrom[0].ID)

	byPair, err := e.manager.GetByRoots(context.Background(), from, to, false)
	require.NoError(t, err)
	assert.Equal(t, id, byPair.ID)

	require.NoError(t, e.manager.Remove(context.Background(), id))
	assert.NoFileExists(t, filepath.Join(e.dataDir, "mergestates", id+".diff.yaml"))
	_, err = e.manager.Get(context.Background(), id, false)
	assert.ErrorIs(t, err, ErrNotFound)
	byFrom, err = e.manager.ListByRoot(context.Background(), from)
	require.NoError(t, err)
	assert.Empty(t, byFrom)
	assert.ErrorIs(t, e.manager.Remove(context.Background(), id), ErrNotFound)

	_, err = e.store.Load("../../etc/passwd", false)
	assert.ErrorIs(t, err, ErrNotFound)
}

func openConflict(t *testing.T, e *env) (*Session, string) {
	t.Helper()
	from, _ := e.localPackage(t, "urn:pkg:a", map[string]string{
		"meta.json":               `{"label":"A"}`,
		"models/person/meta.json": `{"name":"Person"}`,
	})
	to, dir := e.localPackage(t, "urn:pkg:b", map[string]string{"meta.json": `{"label":"B"}`})

	res, err := e.manager.Create(context.Background(), CreateRequest{MergeFrom: from, MergeTo: to})
	require.NoError(t, err)
	s, err := e.manager.OpenSession(context.Background(), res.State.ID)
	require.NoError(t, err)
	return s, dir
}

func TestSession_CascadeCreation(t *testing.T) {
	e := newEnv(t, nil)
	s, _ := openConflict(t, e)
	ctx := context.Background()
	ds := modelfs.Datastore{Type: "meta", Format: modelfs.FormatJSON}

	batch, err := s.CreateDatastore(ctx, "models/person/address", ds, []byte(`{}`))
	require.NoError(t, err)
	require.NotNil(t, batch)
	assert.Equal(t, "", batch.FirstExistingParentPath)
	assert.Equal(t, "urn:pkg:b", batch.FirstExistingParentIRI)
	var paths []string
	for _, n := range batch.Nodes {
		paths = append(paths, n.TreePath)
	}
	assert.Equal(t, []string{"models", "models/person", "models/person/address"}, paths)
	assert.Equal(t, "urn:pkg:b/models/person", batch.Nodes[1].IRI)

	// Repeating the request plans nothing new.
	again, err := s.CreateDatastore(ctx, "models/person/address", ds, []byte(`{"v":2}`))
	require.NoError(t, err)
	assert.Nil(t, again)
	assert.Len(t, s.State().CreateBatches, 1)
	content, ok, err := s.Content(ctx, "models/person/address#meta", SideMergeTo)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `{"v":2}`, string(content))

	// A sibling rejoins the tree at the planned parent.
	sibling, err := s.CreateDatastore(ctx, "models/person/phone", ds, []byte(`{}`))
	require.NoError(t, err)
	require.NotNil(t, sibling)
	assert.Equal(t, "models/person", sibling.FirstExistingParentPath)
	require.Len(t, sibling.Nodes, 1)
	assert.Equal(t, "models/person/phone", sibling.Nodes[0].TreePath)

	// A datastore on an existing node needs no batch.
	root, err := s.CreateDatastore(ctx, "", modelfs.Datastore{Type: "notes", Format: modelfs.FormatText}, []byte("hi"))
	require.NoError(t, err)
	assert.Nil(t, root)

	_, err = s.CreateDatastore(ctx, "", ds, []byte(`{}`))
	assert.ErrorIs(t, err, ErrDatastoreExists)

	_, err = s.CreateDatastore(ctx, "models/../x", ds, nil)
	assert.Error(t, err)
}

func TestCheckBatch(t *testing.T) {
	stored := map[string]bool{"a": true, "a/x": true}
	exists := func(p string) bool { return p == "" || stored[p] }

	tests := []struct {
		name    string
		batch   CreateFilesystemNodesBatch
		wantErr bool
	}{
		{
			name: "chain under an existing parent",
			batch: CreateFilesystemNodesBatch{FirstExistingParentPath: "a", Nodes: []NodeToCreate{
				{ParentPath: "a", Name: "b", TreePath: "a/b"},
				{ParentPath: "a/b", Name: "c", TreePath: "a/b/c"},
			}},
		},
		{
			name: "out of order",
			batch: CreateFilesystemNodesBatch{FirstExistingParentPath: "a", Nodes: []NodeToCreate{
				{ParentPath: "a/b", Name: "c", TreePath: "a/b/c"},
				{ParentPath: "a", Name: "b", TreePath: "a/b"},
			}},
			wantErr: true,
		},
		{
			name: "first parent missing on the editable side",
			batch: CreateFilesystemNodesBatch{FirstExistingParentPath: "gone", Nodes: []NodeToCreate{
				{ParentPath: "gone", Name: "b", TreePath: "gone/b"},
			}},
			wantErr: true,
		},
		{
			name: "node already stored",
			batch: CreateFilesystemNodesBatch{FirstExistingParentPath: "a", Nodes: []NodeToCreate{
				{ParentPath: "a", Name: "x", TreePath: "a/x"},
			}},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkBatch(&tt.batch, exists)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrCascadeInvariant)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestFinalize_RejectsStaleCascadePlan(t *testing.T) {
	e := newEnv(t, nil)
	s, dir := openConflict(t, e)
	ctx := context.Background()
	ds := modelfs.Datastore{Type: "meta", Format: modelfs.FormatJSON}

	_, err := s.CreateDatastore(ctx, "models/person", ds, []byte(`{"name":"Person"}`))
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx))

	// Someone creates the planned node on disk before the merge is finalized.
	writeFiles(t, dir, map[string]string{"models/person/meta.json": `{"name":"Other"}`})

	m := e.reopen()
	reopened, err := m.OpenSession(ctx, s.State().ID)
	require.NoError(t, err)
	for _, c := range reopened.State().DiffTree.Conflicts() {
		require.NoError(t, reopened.MarkResolved(c.ID))
	}
	_, err = m.Finalize(ctx, FinalizeRequest{ID: s.State().ID})
	assert.ErrorIs(t, err, ErrCascadeInvariant)

	_, err = m.Get(ctx, s.State().ID, false)
	assert.NoError(t, err, "state is kept")
}

func TestSession_RemoveTreePathPrunesPlans(t *testing.T) {
	e := newEnv(t, nil)
	s, _ := openConflict(t, e)
	ctx := context.Background()
	ds := modelfs.Datastore{Type: "meta", Format: modelfs.FormatJSON}

	_, err := s.CreateDatastore(ctx, "models/person", ds, []byte(`{}`))
	require.NoError(t, err)
	require.NoError(t, s.RemoveTreePath(ctx, "models/person"))

	state := s.State()
	require.Len(t, state.CreateBatches, 1)
	assert.Len(t, state.CreateBatches[0].Nodes, 1, "models stays planned")
	assert.NotContains(t, state.Edits, "models/person#meta")
	assert.Empty(t, state.RemovedTreePaths, "nothing stored to remove")

	assert.ErrorIs(t, s.RemoveTreePath(ctx, "models/person"), modelfs.ErrNotFound)
	assert.Error(t, s.RemoveTreePath(ctx, ""))
}

func TestSession_SetContentOnlyOnEditableSide(t *testing.T) {
	e := newEnv(t, nil)
	s, _ := openConflict(t, e)
	ctx := context.Background()

	err := s.SetContent(ctx, "#meta", SideMergeFrom, []byte(`{}`))
	assert.ErrorIs(t, err, ErrNotEditable)

	require.NoError(t, s.SetContent(ctx, "#meta", SideMergeTo, []byte(`{"label":"C"}`)))
	content, ok, err := s.Content(ctx, "#meta", SideMergeTo)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `{"label":"C"}`, string(content))

	theirs, ok, err := s.Content(ctx, "#meta", SideMergeFrom)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `{"label":"A"}`, string(theirs))

	assert.ErrorIs(t, s.MarkResolved("nope#meta"), ErrUnknownComparison)
}

func TestSession_SavedEditsSurviveReopen(t *testing.T) {
	e := newEnv(t, nil)
	s, _ := openConflict(t, e)
	ctx := context.Background()
	id := s.State().ID

	require.NoError(t, s.SetContent(ctx, "#meta", SideMergeTo, []byte(`{"label":"C"}`)))
	require.NoError(t, s.MarkResolved("#meta"))
	require.NoError(t, s.Save(ctx))

	fresh, err := e.reopen().OpenSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, fresh.State().Unresolved(), "only the person datastore is open")
	content, _, err := fresh.Content(ctx, "#meta", SideMergeTo)
	require.NoError(t, err)
	assert.Equal(t, `{"label":"C"}`, string(content))
	assert.Equal(t, 2, fresh.State().ConflictCount, "count is a creation snapshot")
}

func TestFinalize_LocalPackage(t *testing.T) {
	e := newEnv(t, nil)
	remote := gittest.NewRemote(t, map[string]string{
		"README.md":             "# remote",
		"meta.json":             `{"label":"Remote"}`,
		"models/order/meta.yml": "name: Order\n",
	})
	to, dir := e.localPackage(t, "urn:pkg:local", map[string]string{"meta.json": `{"label":"Local"}`})
	ctx := context.Background()

	res, err := e.manager.Create(ctx, CreateRequest{
		MergeFrom: gitRoot(remote, provider.CommitReference{}),
		MergeTo:   to,
		Cause:     CausePull,
	})
	require.NoError(t, err)
	assert.Equal(t, PolicyLocalWrite, res.Policy)
	assert.Equal(t, "main", res.State.MergeFrom.ResolvedBranch)
	assert.Equal(t, gittest.Head(t, remote, "main"), res.State.MergeFrom.CommitHash)
	require.Equal(t, 2, res.State.ConflictCount)

	s, err := e.manager.OpenSession(ctx, res.State.ID)
	require.NoError(t, err)
	for _, c := range s.State().DiffTree.Conflicts() {
		require.NoError(t, s.ApplyStrategy(ctx, c.ID, PreferNonEditable))
	}

	_, err = e.manager.Finalize(ctx, FinalizeRequest{ID: res.State.ID})
	assert.ErrorIs(t, err, ErrUnresolvedConflicts)

	for _, c := range s.State().DiffTree.Conflicts() {
		require.NoError(t, s.MarkResolved(c.ID))
	}
	fin, err := e.manager.Finalize(ctx, FinalizeRequest{ID: res.State.ID})
	require.NoError(t, err)
	assert.Equal(t, PolicyLocalWrite, fin.Policy)
	assert.Empty(t, fin.CommitHash, "unlinked package is not pushed")

	meta, err := os.ReadFile(filepath.Join(dir, "meta.json"))
	require.NoError(t, err)
	assert.Equal(t, `{"label":"Remote"}`, string(meta))
	order, err := os.ReadFile(filepath.Join(dir, "models", "order", "meta.yml"))
	require.NoError(t, err)
	assert.Equal(t, "name: Order\n", string(order))
	assert.NoFileExists(t, filepath.Join(dir, "README.md"))

	_, err = e.manager.Get(ctx, res.State.ID, false)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFinalize_MergeCommitBetweenBranches(t *testing.T) {
	e := newEnv(t, nil)
	remote := gittest.NewRemote(t, map[string]string{"meta.json": `{"v":0}`})
	featureHead := gittest.Commit(t, remote, "feature", map[string]string{"meta.json": `{"v":"feature"}`}, "feature")
	mainHead := gittest.Commit(t, remote, "main", map[string]string{"meta.json": `{"v":"main"}`}, "main")
	ctx := context.Background()

	res, err := e.manager.Create(ctx, CreateRequest{
		MergeFrom: gitRoot(remote, provider.Branch("feature")),
		MergeTo:   gitRoot(remote, provider.Branch("main")),
	})
	require.NoError(t, err)
	require.Equal(t, PolicyMergeCommit, res.Policy)
	require.Equal(t, 1, res.State.ConflictCount)

	s, err := e.manager.OpenSession(ctx, res.State.ID)
	require.NoError(t, err)
	require.NoError(t, s.ApplyStrategy(ctx, "#meta", PreferNonEditable))
	require.NoError(t, s.MarkResolved("#meta"))

	fin, err := e.manager.Finalize(ctx, FinalizeRequest{ID: res.State.ID, Message: "merge feature"})
	require.NoError(t, err)
	assert.Equal(t, gittest.Head(t, remote, "main"), fin.CommitHash)
	assert.Equal(t, []string{mainHead, featureHead}, gittest.Parents(t, remote, "main"))
	assert.Equal(t, `{"v":"feature"}`, gittest.Files(t, remote, "main")["meta.json"])
}

type failingCommitter struct{ calls int }

func (f *failingCommitter) Commit(ctx context.Context, req gitsync.CommitRequest) (gitsync.CommitResult, error) {
	f.calls++
	return gitsync.CommitResult{}, &gitsync.PushError{LocalCommit: "abc123", Err: gitsync.ErrPushRejected}
}

func TestFinalize_PushFailureKeepsState(t *testing.T) {
	committer := &failingCommitter{}
	e := newEnv(t, committer)
	remote := gittest.NewRemote(t, map[string]string{"meta.json": `{"v":0}`})
	gittest.Commit(t, remote, "feature", map[string]string{"meta.json": `{"v":1}`}, "feature")
	ctx := context.Background()

	res, err := e.manager.Create(ctx, CreateRequest{
		MergeFrom: gitRoot(remote, provider.Branch("feature")),
		MergeTo:   gitRoot(remote, provider.Branch("main")),
	})
	require.NoError(t, err)
	s, err := e.manager.OpenSession(ctx, res.State.ID)
	require.NoError(t, err)
	require.NoError(t, s.MarkResolved("#meta"))

	_, err = e.manager.Finalize(ctx, FinalizeRequest{ID: res.State.ID})
	require.Error(t, err)
	var conflict *FinalizeConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, "abc123", conflict.LocalCommit)
	assert.ErrorIs(t, err, gitsync.ErrPushRejected)
	assert.Equal(t, 1, committer.calls)

	kept, err := e.manager.Get(ctx, res.State.ID, true)
	require.NoError(t, err)
	assert.Equal(t, res.State.ID, kept.ID)
}

func TestFinalize_RemoveOnly(t *testing.T) {
	e := newEnv(t, nil)
	remote := gittest.NewRemote(t, map[string]string{"meta.json": `{"v":0}`})
	from, _ := e.localPackage(t, "urn:pkg:a", map[string]string{"meta.json": `{"v":1}`})
	head := gittest.Head(t, remote, "main")
	ctx := context.Background()

	res, err := e.manager.Create(ctx, CreateRequest{
		MergeFrom: from,
		MergeTo:   gitRoot(remote, provider.CommitReference{Kind: provider.RefCommit, Value: head}),
	})
	require.NoError(t, err)
	assert.Equal(t, PolicyRemoveOnly, res.Policy)
	assert.NotEmpty(t, res.Warnings)

	_, err = e.manager.Finalize(ctx, FinalizeRequest{ID: res.State.ID})
	assert.ErrorIs(t, err, ErrFinalizeNotAllowed)
	require.NoError(t, e.manager.Remove(ctx, res.State.ID))
}

func TestCheckUpToDate(t *testing.T) {
	e := newEnv(t, nil)
	remote := gittest.NewRemote(t, map[string]string{"meta.json": `{"v":0}`})
	to, _ := e.localPackage(t, "urn:pkg:a", map[string]string{"meta.json": `{"v":1}`})
	ctx := context.Background()

	res, err := e.manager.Create(ctx, CreateRequest{MergeFrom: gitRoot(remote, provider.Branch("main")), MergeTo: to})
	require.NoError(t, err)

	ok, err := e.manager.CheckUpToDate(ctx, res.State.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	gittest.Commit(t, remote, "main", map[string]string{"meta.json": `{"v":2}`}, "advance")
	ok, err = e.manager.CheckUpToDate(ctx, res.State.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	stored, err := e.manager.Get(ctx, res.State.ID, false)
	require.NoError(t, err)
	assert.False(t, stored.IsUpToDate)
}
