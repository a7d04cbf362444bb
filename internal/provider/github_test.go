package provider

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"modelsync/internal/logging"
	"modelsync/internal/workspace"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/nacl/box"
)

func newTestGitHub(t *testing.T, handler http.Handler, secret string) *GitHubGateway {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	logger, _ := logging.NewTestLogger()
	return NewGitHub(Options{
		APIBaseURL:    srv.URL + "/",
		WebhookSecret: secret,
		Scratch:       workspace.NewAllocator(t.TempDir(), nil),
		Logger:        logger,
	})
}

func TestGitHub_CreateRepository(t *testing.T) {
	var gotPath string
	var gotBody map[string]any
	mux := http.NewServeMux()
	handle := func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, `{"name":"models","default_branch":"trunk","clone_url":"https://github.com/acme/models.git"}`)
	}
	mux.HandleFunc("POST /orgs/acme/repos", handle)
	mux.HandleFunc("POST /user/repos", handle)

	g := newTestGitHub(t, mux, "")

	info, err := g.CreateRepository(context.Background(), "tok", "acme", "models", false, true)
	require.NoError(t, err)
	assert.Equal(t, "/orgs/acme/repos", gotPath)
	assert.Equal(t, "trunk", info.DefaultBranch)
	assert.Equal(t, true, gotBody["auto_init"])

	_, err = g.CreateRepository(context.Background(), "tok", "ada", "models", true, false)
	require.NoError(t, err)
	assert.Equal(t, "/user/repos", gotPath)
}

func TestGitHub_CreateRepositoryErrorIsAPIError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /orgs/acme/repos", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		io.WriteString(w, `{"message":"name already exists on this account"}`)
	})
	g := newTestGitHub(t, mux, "")

	_, err := g.CreateRepository(context.Background(), "tok", "acme", "models", false, true)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, GitHub, apiErr.Provider)
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.StatusCode)
}

func TestGitHub_RemoveRepositoryNotFoundIsSuccess(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("DELETE /repos/acme/gone", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		io.WriteString(w, `{"message":"Not Found"}`)
	})
	mux.HandleFunc("DELETE /repos/acme/locked", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		io.WriteString(w, `{"message":"Must have admin rights"}`)
	})
	g := newTestGitHub(t, mux, "")

	assert.NoError(t, g.RemoveRepository(context.Background(), "tok", "acme", "gone"))

	err := g.RemoveRepository(context.Background(), "tok", "acme", "locked")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
}

func TestGitHub_CreateWebhook(t *testing.T) {
	var hook struct {
		Events []string       `json:"events"`
		Config map[string]any `json:"config"`
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /repos/acme/models/hooks", func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&hook)
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, `{"id":1}`)
	})
	g := newTestGitHub(t, mux, "s3cret")

	err := g.CreateWebhook(context.Background(), "tok", "acme", "models", "https://hooks.example.org/webhooks", []string{"push"})
	require.NoError(t, err)
	assert.Equal(t, []string{"push"}, hook.Events)
	assert.Equal(t, "https://hooks.example.org/webhooks", hook.Config["url"])
	assert.Equal(t, "s3cret", hook.Config["secret"])
}

func TestGitHub_SetRepositorySecretSealsValue(t *testing.T) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	require.NoError(t, err)

	var stored struct {
		EncryptedValue string `json:"encrypted_value"`
		KeyID          string `json:"key_id"`
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/acme/models/actions/secrets/public-key", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"key_id": "k-1",
			"key":    base64.StdEncoding.EncodeToString(pub[:]),
		})
	})
	mux.HandleFunc("PUT /repos/acme/models/actions/secrets/PUBLISH_TOKEN", func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&stored)
		w.WriteHeader(http.StatusCreated)
	})
	g := newTestGitHub(t, mux, "")

	require.NoError(t, g.SetRepositorySecret(context.Background(), "tok", "acme", "models", "PUBLISH_TOKEN", "hunter2"))
	assert.Equal(t, "k-1", stored.KeyID)

	sealed, err := base64.StdEncoding.DecodeString(stored.EncryptedValue)
	require.NoError(t, err)
	plain, ok := box.OpenAnonymous(nil, sealed, pub, priv)
	require.True(t, ok, "sealed box should open with the matching private key")
	assert.Equal(t, "hunter2", string(plain))
}

func TestGitHub_SetRepositorySecretFailsClosed(t *testing.T) {
	putCalled := false
	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/acme/models/actions/secrets/public-key", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		io.WriteString(w, `{"message":"Not Found"}`)
	})
	mux.HandleFunc("PUT /repos/acme/models/actions/secrets/PUBLISH_TOKEN", func(w http.ResponseWriter, r *http.Request) {
		putCalled = true
	})
	g := newTestGitHub(t, mux, "")

	err := g.SetRepositorySecret(context.Background(), "tok", "acme", "models", "PUBLISH_TOKEN", "hunter2")
	assert.Error(t, err)
	assert.False(t, putCalled, "secret must not be sent without the public key")
}

func TestSealSecret_RejectsBadKey(t *testing.T) {
	_, err := SealSecret("not base64!", "v")
	assert.Error(t, err)

	_, err = SealSecret(base64.StdEncoding.EncodeToString([]byte("short")), "v")
	assert.Error(t, err)
}

func TestGitHub_URLs(t *testing.T) {
	g := NewGitHub(Options{})

	assert.Equal(t, "https://github.com/acme/models.git", g.CloneURL("acme", "models"))
	assert.Equal(t, "https://github.com/acme/models/archive/refs/heads/main.zip", g.ZipDownloadURL("acme", "models", Branch("main")))
	assert.Equal(t, "https://github.com/acme/models/archive/refs/tags/v1.zip", g.ZipDownloadURL("acme", "models", CommitReference{Kind: RefTag, Value: "v1"}))
	assert.Equal(t, "https://github.com/acme/models/archive/abc.zip", g.ZipDownloadURL("acme", "models", CommitReference{Kind: RefCommit, Value: "abc"}))
	assert.Equal(t, "https://github.com/acme/models/archive/HEAD.zip", g.ZipDownloadURL("acme", "models", CommitReference{}))
}

func signGitHub(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

const githubPushPayload = `{
  "ref": "refs/heads/main",
  "commits": [{"id": "c1"}, {"id": "c2"}],
  "repository": {"name": "models", "clone_url": "https://github.com/acme/models.git"}
}`

func TestGitHub_ExtractWebhookData(t *testing.T) {
	g := newTestGitHub(t, http.NotFoundHandler(), "s3cret")
	body := []byte(githubPushPayload)

	header := http.Header{}
	header.Set("X-GitHub-Event", "push")
	header.Set("X-Hub-Signature-256", signGitHub("s3cret", body))

	data, ok := g.ExtractWebhookData(header, body)
	require.True(t, ok)
	assert.Equal(t, "https://github.com/acme/models.git", data.CloneURL)
	assert.Equal(t, "models", data.RepositoryName)
	assert.Equal(t, "main", data.Branch())
	assert.Equal(t, []string{"c1", "c2"}, data.Commits)
}

func TestGitHub_ExtractWebhookDataRejects(t *testing.T) {
	g := newTestGitHub(t, http.NotFoundHandler(), "s3cret")

	tests := []struct {
		name  string
		event string
		body  string
		sign  bool
	}{
		{name: "bad signature", event: "push", body: githubPushPayload},
		{name: "missing repository", event: "push", body: `{"ref":"refs/heads/main"}`, sign: true},
		{name: "not json", event: "push", body: `{{{`, sign: true},
		{name: "other event", event: "ping", body: `{"zen":"hi"}`, sign: true},
		{name: "no event header", event: "", body: githubPushPayload, sign: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := http.Header{}
			if tt.event != "" {
				header.Set("X-GitHub-Event", tt.event)
			}
			sig := "sha256=" + strings.Repeat("0", 64)
			if tt.sign {
				sig = signGitHub("s3cret", []byte(tt.body))
			}
			header.Set("X-Hub-Signature-256", sig)

			data, ok := g.ExtractWebhookData(header, []byte(tt.body))
			assert.False(t, ok)
			assert.Nil(t, data)
		})
	}
}
