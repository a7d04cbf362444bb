package provider

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"modelsync/internal/workspace"

	"github.com/go-git/go-git/v6/plumbing/transport"
	"github.com/xanzy/go-gitlab"
)

// GitLabGateway talks to gitlab.com or a self-managed instance with go-gitlab.
type GitLabGateway struct {
	opts Options
}

var _ Gateway = (*GitLabGateway)(nil)

// NewGitLab creates a GitLab gateway.
func NewGitLab(opts Options) *GitLabGateway {
	if opts.Domain == "" {
		opts.Domain = "gitlab.com"
	}
	if opts.Scratch == nil {
		opts.Scratch = workspace.NewAllocator("", opts.Logger)
	}
	return &GitLabGateway{opts: opts}
}

func (g *GitLabGateway) Kind() Kind     { return GitLab }
func (g *GitLabGateway) Domain() string { return g.opts.Domain }

func (g *GitLabGateway) newClient(token string) (*gitlab.Client, error) {
	base := g.opts.APIBaseURL
	if base == "" {
		base = "https://" + g.opts.Domain + "/"
	}
	client, err := gitlab.NewClient(token, gitlab.WithBaseURL(base))
	if err != nil {
		return nil, fmt.Errorf("failed to create GitLab client: %w", err)
	}
	return client, nil
}

func gitlabError(op string, resp *gitlab.Response, err error) error {
	status := 0
	if resp != nil && resp.Response != nil {
		status = resp.StatusCode
	}
	var errResp *gitlab.ErrorResponse
	if errors.As(err, &errResp) && errResp.Response != nil {
		status = errResp.Response.StatusCode
	}
	if status == 0 {
		return fmt.Errorf("gitlab %s: %w", op, err)
	}
	return &APIError{Provider: GitLab, Op: op, StatusCode: status, Err: err}
}

func projectID(owner, name string) string {
	return owner + "/" + name
}

func (g *GitLabGateway) CreateRepository(ctx context.Context, token, owner, name string, userScope, enableDefaultBranchSetup bool) (RepositoryInfo, error) {
	client, err := g.newClient(token)
	if err != nil {
		return RepositoryInfo{}, err
	}

	opts := &gitlab.CreateProjectOptions{
		Name:                 gitlab.Ptr(name),
		Path:                 gitlab.Ptr(name),
		Visibility:           gitlab.Ptr(gitlab.PrivateVisibility),
		InitializeWithReadme: gitlab.Ptr(enableDefaultBranchSetup),
	}
	if !userScope {
		ns, resp, err := client.Namespaces.GetNamespace(owner, gitlab.WithContext(ctx))
		if err != nil {
			return RepositoryInfo{}, gitlabError("get namespace", resp, err)
		}
		opts.NamespaceID = gitlab.Ptr(ns.ID)
	}

	project, resp, err := client.Projects.CreateProject(opts, gitlab.WithContext(ctx))
	if err != nil {
		return RepositoryInfo{}, gitlabError("create repository", resp, err)
	}

	if g.opts.Logger != nil {
		g.opts.Logger.Info("Created GitLab project", "path", project.PathWithNamespace, "default_branch", project.DefaultBranch)
	}

	defaultBranch := project.DefaultBranch
	if defaultBranch == "" {
		defaultBranch = "main"
	}
	return RepositoryInfo{
		DefaultBranch: defaultBranch,
		CloneURL:      project.HTTPURLToRepo,
		WebURL:        project.WebURL,
	}, nil
}

func (g *GitLabGateway) RemoveRepository(ctx context.Context, token, owner, name string) error {
	client, err := g.newClient(token)
	if err != nil {
		return err
	}

	req, err := client.NewRequest(http.MethodDelete, "projects/"+url.PathEscape(projectID(owner, name)), nil, []gitlab.RequestOptionFunc{gitlab.WithContext(ctx)})
	if err != nil {
		return fmt.Errorf("gitlab remove repository: %w", err)
	}

	resp, err := client.Do(req, nil)
	if err != nil {
		apiErr := gitlabError("remove repository", resp, err)
		if IsNotFound(apiErr) {
			if g.opts.Logger != nil {
				g.opts.Logger.Info("GitLab project already absent", "owner", owner, "name", name)
			}
			return nil
		}
		return apiErr
	}
	return nil
}

func (g *GitLabGateway) CreateWebhook(ctx context.Context, token, owner, name, callbackURL string, events []string) error {
	client, err := g.newClient(token)
	if err != nil {
		return err
	}

	opts := &gitlab.AddProjectHookOptions{
		URL:                   gitlab.Ptr(callbackURL),
		EnableSSLVerification: gitlab.Ptr(true),
	}
	for _, event := range events {
		switch event {
		case "push":
			opts.PushEvents = gitlab.Ptr(true)
		case "tag_push":
			opts.TagPushEvents = gitlab.Ptr(true)
		case "merge_requests":
			opts.MergeRequestsEvents = gitlab.Ptr(true)
		}
	}
	if g.opts.WebhookSecret != "" {
		opts.Token = gitlab.Ptr(g.opts.WebhookSecret)
	}

	_, resp, err := client.Projects.AddProjectHook(projectID(owner, name), opts, gitlab.WithContext(ctx))
	if err != nil {
		return gitlabError("create webhook", resp, err)
	}
	return nil
}

// SetRepositorySecret stores value as a masked, protected CI/CD variable.
// GitLab encrypts variables server side and publishes no key to seal against.
func (g *GitLabGateway) SetRepositorySecret(ctx context.Context, token, owner, name, key, value string) error {
	client, err := g.newClient(token)
	if err != nil {
		return err
	}

	_, resp, err := client.ProjectVariables.CreateVariable(projectID(owner, name), &gitlab.CreateProjectVariableOptions{
		Key:       gitlab.Ptr(key),
		Value:     gitlab.Ptr(value),
		Masked:    gitlab.Ptr(true),
		Protected: gitlab.Ptr(true),
	}, gitlab.WithContext(ctx))
	if err != nil {
		return gitlabError("set repository secret", resp, err)
	}
	return nil
}

func (g *GitLabGateway) ResolveCommitHash(ctx context.Context, owner, name string, ref CommitReference, auth transport.AuthMethod) (ResolvedCommit, error) {
	return resolveCommitHash(ctx, g.opts.Scratch, g.CloneURL(owner, name), owner, name, ref, auth, g.opts.Logger)
}

func (g *GitLabGateway) ExtractRepositoryURLPart(rawURL string, part URLPart) (string, bool) {
	return ExtractRepositoryURLPart(GitLab, rawURL, part)
}

// ZipDownloadURL returns the /-/archive link for ref. An empty ref uses HEAD.
func (g *GitLabGateway) ZipDownloadURL(owner, repo string, ref CommitReference) string {
	value := ref.Value
	if value == "" {
		value = "HEAD"
	}
	file := repo + "-" + strings.ReplaceAll(value, "/", "-") + ".zip"
	return "https://" + g.opts.Domain + "/" + owner + "/" + repo + "/-/archive/" + value + "/" + file
}

func (g *GitLabGateway) CloneURL(owner, repo string) string {
	return g.opts.cloneBase() + "/" + owner + "/" + repo + ".git"
}

// ExtractWebhookData decodes a GitLab push hook.
func (g *GitLabGateway) ExtractWebhookData(header http.Header, body []byte) (*WebhookData, bool) {
	logger := g.opts.Logger

	eventType := gitlab.EventType(header.Get("X-Gitlab-Event"))
	if eventType == "" {
		return nil, false
	}

	if g.opts.WebhookSecret != "" {
		token := header.Get("X-Gitlab-Token")
		if subtle.ConstantTimeCompare([]byte(token), []byte(g.opts.WebhookSecret)) != 1 {
			if logger != nil {
				logger.Warn("Rejected GitLab webhook with invalid token")
			}
			return nil, false
		}
	}

	event, err := gitlab.ParseWebhook(eventType, body)
	if err != nil {
		if logger != nil {
			logger.Warn("Failed to parse GitLab webhook", "event", eventType, "error", err)
		}
		return nil, false
	}

	push, ok := event.(*gitlab.PushEvent)
	if !ok {
		if logger != nil {
			logger.Debug("Ignoring GitLab webhook", "event", eventType)
		}
		return nil, false
	}

	cloneURL := push.Project.GitHTTPURL
	if cloneURL == "" && push.Repository != nil {
		cloneURL = push.Repository.GitHTTPURL
	}
	if cloneURL == "" {
		if logger != nil {
			logger.Warn("GitLab push webhook is missing the project clone URL")
		}
		return nil, false
	}

	data := &WebhookData{
		Provider:       GitLab,
		CloneURL:       cloneURL,
		RepositoryName: push.Project.Name,
		Ref:            push.Ref,
	}
	for _, c := range push.Commits {
		if c != nil && c.ID != "" {
			data.Commits = append(data.Commits, c.ID)
		}
	}
	return data, true
}
