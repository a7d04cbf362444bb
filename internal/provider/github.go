package provider

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"modelsync/internal/logging"
	"modelsync/internal/workspace"

	"github.com/go-git/go-git/v6/plumbing/transport"
	"github.com/google/go-github/v48/github"
	"golang.org/x/crypto/nacl/box"
	"golang.org/x/oauth2"
)

// Options configures a gateway.
type Options struct {
	// Domain is the web host. Defaults to github.com or gitlab.com.
	Domain string
	// APIBaseURL overrides the REST endpoint, e.g. for self-hosted instances.
	APIBaseURL string
	// CloneBaseURL overrides the prefix clone URLs are built from. Defaults
	// to https://<Domain>.
	CloneBaseURL string
	// WebhookSecret verifies inbound webhook signatures when set.
	WebhookSecret string
	// Scratch allocates workspaces for commit hash resolution.
	Scratch *workspace.Allocator
	Logger  *logging.AppLogger
}

func (o Options) cloneBase() string {
	if o.CloneBaseURL != "" {
		return strings.TrimRight(o.CloneBaseURL, "/")
	}
	return "https://" + o.Domain
}

// GitHubGateway talks to the GitHub REST API with go-github.
type GitHubGateway struct {
	opts Options
}

var _ Gateway = (*GitHubGateway)(nil)

// NewGitHub creates a GitHub gateway.
func NewGitHub(opts Options) *GitHubGateway {
	if opts.Domain == "" {
		opts.Domain = "github.com"
	}
	if opts.Scratch == nil {
		opts.Scratch = workspace.NewAllocator("", opts.Logger)
	}
	return &GitHubGateway{opts: opts}
}

func (g *GitHubGateway) Kind() Kind     { return GitHub }
func (g *GitHubGateway) Domain() string { return g.opts.Domain }

// newClient builds a client authenticated with token, following the
// oauth2.StaticTokenSource pattern.
func (g *GitHubGateway) newClient(ctx context.Context, token string) (*github.Client, error) {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	client := github.NewClient(oauth2.NewClient(ctx, ts))

	base := g.opts.APIBaseURL
	if base == "" && g.opts.Domain != "github.com" {
		base = "https://" + g.opts.Domain + "/api/v3/"
	}
	if base != "" {
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		u, err := url.Parse(base)
		if err != nil {
			return nil, fmt.Errorf("invalid GitHub API base URL: %w", err)
		}
		client.BaseURL = u
	}
	return client, nil
}

func githubError(op string, resp *github.Response, err error) error {
	status := 0
	if resp != nil && resp.Response != nil {
		status = resp.StatusCode
	}
	var errResp *github.ErrorResponse
	if errors.As(err, &errResp) && errResp.Response != nil {
		status = errResp.Response.StatusCode
	}
	if status == 0 {
		return fmt.Errorf("github %s: %w", op, err)
	}
	return &APIError{Provider: GitHub, Op: op, StatusCode: status, Err: err}
}

func (g *GitHubGateway) CreateRepository(ctx context.Context, token, owner, name string, userScope, enableDefaultBranchSetup bool) (RepositoryInfo, error) {
	client, err := g.newClient(ctx, token)
	if err != nil {
		return RepositoryInfo{}, err
	}

	org := owner
	if userScope {
		org = ""
	}
	repo, resp, err := client.Repositories.Create(ctx, org, &github.Repository{
		Name:     github.String(name),
		Private:  github.Bool(true),
		AutoInit: github.Bool(enableDefaultBranchSetup),
	})
	if err != nil {
		return RepositoryInfo{}, githubError("create repository", resp, err)
	}

	if g.opts.Logger != nil {
		g.opts.Logger.Info("Created GitHub repository", "owner", owner, "name", name, "default_branch", repo.GetDefaultBranch())
	}

	defaultBranch := repo.GetDefaultBranch()
	if defaultBranch == "" {
		defaultBranch = "main"
	}
	return RepositoryInfo{
		DefaultBranch: defaultBranch,
		CloneURL:      repo.GetCloneURL(),
		WebURL:        repo.GetHTMLURL(),
	}, nil
}

func (g *GitHubGateway) RemoveRepository(ctx context.Context, token, owner, name string) error {
	client, err := g.newClient(ctx, token)
	if err != nil {
		return err
	}

	resp, err := client.Repositories.Delete(ctx, owner, name)
	if err != nil {
		apiErr := githubError("remove repository", resp, err)
		if IsNotFound(apiErr) {
			if g.opts.Logger != nil {
				g.opts.Logger.Info("GitHub repository already absent", "owner", owner, "name", name)
			}
			return nil
		}
		return apiErr
	}
	return nil
}

func (g *GitHubGateway) CreateWebhook(ctx context.Context, token, owner, name, callbackURL string, events []string) error {
	client, err := g.newClient(ctx, token)
	if err != nil {
		return err
	}

	config := map[string]interface{}{
		"url":          callbackURL,
		"content_type": "json",
	}
	if g.opts.WebhookSecret != "" {
		config["secret"] = g.opts.WebhookSecret
	}

	_, resp, err := client.Repositories.CreateHook(ctx, owner, name, &github.Hook{
		Config: config,
		Events: events,
		Active: github.Bool(true),
	})
	if err != nil {
		return githubError("create webhook", resp, err)
	}
	return nil
}

// SetRepositorySecret seals value against the repository public key with an
// anonymous NaCl box and stores it as an Actions secret. Without the public
// key nothing is sent.
func (g *GitHubGateway) SetRepositorySecret(ctx context.Context, token, owner, name, key, value string) error {
	client, err := g.newClient(ctx, token)
	if err != nil {
		return err
	}

	pub, resp, err := client.Actions.GetRepoPublicKey(ctx, owner, name)
	if err != nil {
		return githubError("get repository public key", resp, err)
	}

	sealed, err := SealSecret(pub.GetKey(), value)
	if err != nil {
		return fmt.Errorf("github seal secret %s: %w", key, err)
	}

	resp, err = client.Actions.CreateOrUpdateRepoSecret(ctx, owner, name, &github.EncryptedSecret{
		Name:           key,
		KeyID:          pub.GetKeyID(),
		EncryptedValue: sealed,
	})
	if err != nil {
		return githubError("set repository secret", resp, err)
	}
	return nil
}

// SealSecret encrypts value for the base64 encoded curve25519 public key and
// returns the base64 encoded sealed box.
func SealSecret(publicKeyB64, value string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(publicKeyB64)
	if err != nil {
		return "", fmt.Errorf("decode public key: %w", err)
	}
	if len(raw) != 32 {
		return "", fmt.Errorf("public key has %d bytes, want 32", len(raw))
	}
	var recipient [32]byte
	copy(recipient[:], raw)

	sealed, err := box.SealAnonymous(nil, []byte(value), &recipient, rand.Reader)
	if err != nil {
		return "", fmt.Errorf("seal: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (g *GitHubGateway) ResolveCommitHash(ctx context.Context, owner, name string, ref CommitReference, auth transport.AuthMethod) (ResolvedCommit, error) {
	return resolveCommitHash(ctx, g.opts.Scratch, g.CloneURL(owner, name), owner, name, ref, auth, g.opts.Logger)
}

func (g *GitHubGateway) ExtractRepositoryURLPart(rawURL string, part URLPart) (string, bool) {
	return ExtractRepositoryURLPart(GitHub, rawURL, part)
}

// ZipDownloadURL returns the archive link for ref. An empty ref uses HEAD.
func (g *GitHubGateway) ZipDownloadURL(owner, repo string, ref CommitReference) string {
	base := "https://" + g.opts.Domain + "/" + owner + "/" + repo + "/archive/"
	switch {
	case ref.Value == "":
		return base + "HEAD.zip"
	case ref.Kind == RefTag:
		return base + "refs/tags/" + ref.Value + ".zip"
	case ref.Kind == RefCommit:
		return base + ref.Value + ".zip"
	default:
		return base + "refs/heads/" + ref.Value + ".zip"
	}
}

func (g *GitHubGateway) CloneURL(owner, repo string) string {
	return g.opts.cloneBase() + "/" + owner + "/" + repo + ".git"
}

// ExtractWebhookData decodes a GitHub push delivery. Other event types and
// payloads without a repository are rejected.
func (g *GitHubGateway) ExtractWebhookData(header http.Header, body []byte) (*WebhookData, bool) {
	logger := g.opts.Logger

	eventType := header.Get("X-GitHub-Event")
	if eventType == "" {
		return nil, false
	}

	if g.opts.WebhookSecret != "" {
		signature := header.Get("X-Hub-Signature-256")
		if signature == "" {
			signature = header.Get("X-Hub-Signature")
		}
		if err := github.ValidateSignature(signature, body, []byte(g.opts.WebhookSecret)); err != nil {
			if logger != nil {
				logger.Warn("Rejected GitHub webhook with invalid signature", "error", err)
			}
			return nil, false
		}
	}

	event, err := github.ParseWebHook(eventType, body)
	if err != nil {
		if logger != nil {
			logger.Warn("Failed to parse GitHub webhook", "event", eventType, "error", err)
		}
		return nil, false
	}

	push, ok := event.(*github.PushEvent)
	if !ok {
		if logger != nil {
			logger.Debug("Ignoring GitHub webhook", "event", eventType)
		}
		return nil, false
	}

	if push.GetRepo().GetCloneURL() == "" {
		if logger != nil {
			logger.Warn("GitHub push webhook is missing the repository clone URL")
		}
		return nil, false
	}

	data := &WebhookData{
		Provider:       GitHub,
		CloneURL:       push.GetRepo().GetCloneURL(),
		RepositoryName: push.GetRepo().GetName(),
		Ref:            push.GetRef(),
	}
	for _, c := range push.Commits {
		if c.GetID() != "" {
			data.Commits = append(data.Commits, c.GetID())
		}
	}
	return data, true
}
