package link

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"modelsync/internal/credentials"
	"modelsync/internal/gitsync"
	"modelsync/internal/gittest"
	"modelsync/internal/logging"
	"modelsync/internal/packages"
	"modelsync/internal/provider"
	"modelsync/internal/workspace"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var adminCreds = credentials.GitCredentials{
	Name:   "Ada",
	Email:  "ada@example.com",
	Tokens: []credentials.AccessToken{{Type: credentials.TokenPAT, Value: "tok", Scope: credentials.ScopeAdmin}},
}

type fixture struct {
	store   *packages.Store
	service *Service
	remote  string
	hooks   int
	deletes int
}

func newFixture(t *testing.T, hookStatus int) *fixture {
	t.Helper()
	f := &fixture{remote: gittest.NewRemote(t, map[string]string{"README.md": "# models\n"})}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /orgs/acme/repos", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		fmt.Fprintf(w, `{"name":"models","default_branch":"main","clone_url":%q}`, f.remote)
	})
	mux.HandleFunc("POST /repos/acme/models/hooks", func(w http.ResponseWriter, r *http.Request) {
		f.hooks++
		w.WriteHeader(hookStatus)
		io.WriteString(w, `{"id":1}`)
	})
	mux.HandleFunc("DELETE /repos/acme/models", func(w http.ResponseWriter, r *http.Request) {
		f.deletes++
		w.WriteHeader(http.StatusNotFound)
		io.WriteString(w, `{"message":"Not Found"}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	logger, _ := logging.NewTestLogger()
	scratch := workspace.NewAllocator(t.TempDir(), nil)
	gh := provider.NewGitHub(provider.Options{APIBaseURL: srv.URL + "/", Scratch: scratch, Logger: logger})

	dataDir := t.TempDir()
	f.store = packages.NewStore(dataDir, logger)
	content := filepath.Join(dataDir, "content")
	require.NoError(t, os.MkdirAll(content, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(content, "meta.json"), []byte(`{"label":"Customers"}`), 0o644))
	require.NoError(t, f.store.Put(packages.Record{IRI: "urn:pkg:customers", ContentDir: content}))

	f.service = NewService(Options{
		Packages:   f.store,
		Gateways:   provider.NewRegistry(gh),
		Committer:  gitsync.New(gitsync.Options{Scratch: scratch, Links: f.store, Logger: logger}),
		WebhookURL: "https://modelsync.example.com/webhooks",
		Logger:     logger,
	})
	return f
}

func TestCreateRemoteAndLink(t *testing.T) {
	f := newFixture(t, http.StatusCreated)

	res, err := f.service.CreateRemoteAndLink(context.Background(), CreateRequest{
		PackageIRI:  "urn:pkg:customers",
		ProviderURL: "https://github.com",
		Owner:       "acme",
		Name:        "models",
		Message:     "Initial export",
		Credentials: adminCreds,
	})
	require.NoError(t, err)
	assert.Empty(t, res.Warnings)
	assert.Equal(t, 1, f.hooks)

	require.NotNil(t, res.Record.Link)
	assert.Equal(t, f.remote, res.Record.Link.RepositoryURL)
	assert.Equal(t, provider.GitHub, res.Record.Link.Provider)
	assert.Equal(t, "main", res.Record.Link.Branch)
	assert.Equal(t, gittest.Head(t, f.remote, "main"), res.CommitHash)
	assert.Equal(t, res.CommitHash, res.Record.Link.LastCommitHash)
	assert.Equal(t, `{"label":"Customers"}`, gittest.Files(t, f.remote, "main")["meta.json"])

	_, err = f.service.CreateRemoteAndLink(context.Background(), CreateRequest{
		PackageIRI: "urn:pkg:customers", Provider: provider.GitHub, Owner: "acme", Name: "models", Credentials: adminCreds,
	})
	assert.ErrorIs(t, err, ErrAlreadyLinked)
}

func TestCreateRemoteAndLink_WebhookFailureKeepsLink(t *testing.T) {
	f := newFixture(t, http.StatusInternalServerError)

	res, err := f.service.CreateRemoteAndLink(context.Background(), CreateRequest{
		PackageIRI:  "urn:pkg:customers",
		Provider:    provider.GitHub,
		Owner:       "acme",
		Name:        "models",
		Credentials: adminCreds,
	})
	require.NoError(t, err)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "create webhook")

	rec, err := f.store.Get("urn:pkg:customers")
	require.NoError(t, err)
	require.NotNil(t, rec.Link)
	assert.Equal(t, "main", rec.Link.Branch)
	assert.NotEmpty(t, rec.Link.LastCommitHash)
}

func TestCreateRemoteAndLink_RequiresAPIToken(t *testing.T) {
	f := newFixture(t, http.StatusCreated)
	ssh := credentials.GitCredentials{Tokens: []credentials.AccessToken{{Type: credentials.TokenSSH, Value: "key"}}}

	_, err := f.service.CreateRemoteAndLink(context.Background(), CreateRequest{
		PackageIRI: "urn:pkg:customers", Provider: provider.GitHub, Owner: "acme", Name: "models", Credentials: ssh,
	})
	assert.ErrorIs(t, err, ErrNoAPIToken)

	_, err = f.service.CreateRemoteAndLink(context.Background(), CreateRequest{
		PackageIRI: "urn:pkg:customers", ProviderURL: "https://bitbucket.org", Owner: "acme", Name: "models", Credentials: adminCreds,
	})
	assert.ErrorContains(t, err, "no provider configured")
}

func TestRemoveLinkAndRemote(t *testing.T) {
	f := newFixture(t, http.StatusCreated)
	_, err := f.store.SetLink("urn:pkg:customers", packages.RepositoryLink{
		RepositoryURL: "https://github.com/acme/models.git",
		Provider:      provider.GitHub,
		Branch:        "main",
	})
	require.NoError(t, err)

	rec, err := f.service.RemoveLinkAndRemote(context.Background(), RemoveRequest{
		PackageIRI:  "urn:pkg:customers",
		Credentials: adminCreds,
	})
	require.NoError(t, err, "a repository that is already gone is removed")
	assert.Nil(t, rec.Link)
	assert.Equal(t, 1, f.deletes)

	_, err = f.service.RemoveLinkAndRemote(context.Background(), RemoveRequest{PackageIRI: "urn:pkg:customers"})
	assert.ErrorIs(t, err, packages.ErrNotLinked)
}

func TestRemoveLink_KeepRemote(t *testing.T) {
	f := newFixture(t, http.StatusCreated)
	_, err := f.store.SetLink("urn:pkg:customers", packages.RepositoryLink{
		RepositoryURL: "https://github.com/acme/models.git",
		Provider:      provider.GitHub,
	})
	require.NoError(t, err)

	rec, err := f.service.RemoveLinkAndRemote(context.Background(), RemoveRequest{PackageIRI: "urn:pkg:customers", KeepRemote: true})
	require.NoError(t, err)
	assert.Nil(t, rec.Link)
	assert.Zero(t, f.deletes)
}
