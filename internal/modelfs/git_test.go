package modelfs

import (
	"context"
	"testing"

	"modelsync/internal/gittest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGitFilesystem_Branch(t *testing.T) {
	remote := gittest.NewRemote(t, map[string]string{
		"README.md":               "# pkg",
		"models/person/meta.json": `{"name":"Person"}`,
	})
	gittest.Commit(t, remote, "feature", map[string]string{"models/person/meta.json": `{"name":"Human"}`}, "rename")

	ctx := context.Background()
	fs, err := CloneGit(ctx, GitOptions{Kind: KindGitHub, URL: remote, PackageIRI: "urn:pkg", Branch: "feature"})
	require.NoError(t, err)
	assert.Equal(t, gittest.Head(t, remote, "feature"), fs.CommitHash())
	assert.Equal(t, KindGitHub, fs.Kind())

	root, err := fs.Root(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"models"}, root.ChildNames())
	assert.Empty(t, root.Datastores, "README.md is not part of the tree")

	content, err := fs.ReadDatastore(ctx, "models/person", "meta")
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"Human"}`, string(content))

	_, err = fs.ReadDatastore(ctx, "models/ghost", "meta")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGitFilesystem_DefaultBranchAndPinnedCommit(t *testing.T) {
	remote := gittest.NewRemote(t, map[string]string{"models/person/meta.json": `{"v":1}`})
	first := gittest.Head(t, remote, "main")
	gittest.Commit(t, remote, "main", map[string]string{"models/person/meta.json": `{"v":2}`}, "bump")

	ctx := context.Background()
	head, err := CloneGit(ctx, GitOptions{Kind: KindGitLab, URL: remote})
	require.NoError(t, err)
	assert.Equal(t, gittest.Head(t, remote, "main"), head.CommitHash())
	assert.Equal(t, "main", head.Branch())

	pinned, err := CloneGit(ctx, GitOptions{Kind: KindGitLab, URL: remote, Commit: first})
	require.NoError(t, err)
	assert.Empty(t, pinned.Branch())
	content, err := pinned.ReadDatastore(ctx, "models/person", "meta")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":1}`, string(content))
}

func TestGitFilesystem_MatchesDirectoryFingerprint(t *testing.T) {
	files := map[string]string{
		"models/person/meta.json": `{"name":"Person"}`,
		"models/person/shape.ttl": "shape",
	}
	remote := gittest.NewRemote(t, files)
	dir := t.TempDir()
	writeFiles(t, dir, files)

	ctx := context.Background()
	g, err := CloneGit(ctx, GitOptions{Kind: KindGitHub, URL: remote, PackageIRI: "urn:pkg"})
	require.NoError(t, err)

	a, err := Fingerprint(ctx, g)
	require.NoError(t, err)
	b, err := Fingerprint(ctx, NewDirFilesystem(dir, "urn:pkg"))
	require.NoError(t, err)
	assert.Equal(t, a, b)
}
