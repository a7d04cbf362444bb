// Package link creates remote repositories for packages and tears them down.
//
// Creating a link is several provider calls in a row: repository, webhook,
// publication secret, then the first commit. A step that fails after the
// repository exists is logged and reported as a warning; nothing is rolled
// back and the link is persisted with the repository's default branch so
// the remaining steps can be retried.
package link

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"modelsync/internal/credentials"
	"modelsync/internal/gitsync"
	"modelsync/internal/logging"
	"modelsync/internal/packages"
	"modelsync/internal/provider"
)

// PublishTokenSecret is the CI secret the generated workflows read.
const PublishTokenSecret = "PUBLISH_TOKEN"

var (
	ErrAlreadyLinked = errors.New("package is already linked")
	ErrNoAPIToken    = errors.New("no personal access token for provider API calls")
)

// PackageStore is the subset of packages.Store the service needs.
type PackageStore interface {
	Get(iri string) (packages.Record, error)
	SetLink(iri string, link packages.RepositoryLink) (packages.Record, error)
	ClearLink(iri string) (packages.Record, error)
}

// Committer publishes the package after the repository is created.
type Committer interface {
	Commit(ctx context.Context, req gitsync.CommitRequest) (gitsync.CommitResult, error)
}

type Options struct {
	Packages  PackageStore
	Gateways  *provider.Registry
	Committer Committer
	// WebhookURL is where providers deliver push events. Empty skips webhook setup.
	WebhookURL string
	// BotToken supplies the value stored as PublishTokenSecret.
	BotToken func(kind provider.Kind) (string, bool)
	Logger   *logging.AppLogger
}

// Service orchestrates link creation and removal.
type Service struct {
	opts Options
}

func NewService(opts Options) *Service {
	return &Service{opts: opts}
}

// CreateRequest names the repository to create for a package.
type CreateRequest struct {
	PackageIRI string
	// Provider selects the gateway; when empty it is matched from ProviderURL.
	Provider    provider.Kind
	ProviderURL string
	Owner       string
	Name        string
	// UserScope creates the repository under the token owner's account.
	UserScope    bool
	Message      string
	ExportFormat packages.ExportFormat
	Credentials  credentials.GitCredentials
}

// CreateResult reports the persisted link and any step that did not complete.
type CreateResult struct {
	Record     packages.Record         `json:"package"`
	Repository provider.RepositoryInfo `json:"repository"`
	CommitHash string                  `json:"commitHash,omitempty"`
	Warnings   []string                `json:"warnings,omitempty"`
}

func (s *Service) gateway(kind provider.Kind, providerURL string) (provider.Gateway, error) {
	if kind != "" {
		return s.opts.Gateways.Get(kind)
	}
	host := providerURL
	if u, err := url.Parse(providerURL); err == nil && u.Host != "" {
		host = u.Host
	}
	for _, g := range s.opts.Gateways.All() {
		if strings.EqualFold(g.Domain(), host) {
			return g, nil
		}
	}
	return nil, fmt.Errorf("no provider configured for %q", providerURL)
}

// ProviderFor returns the provider family a create request resolves to.
func (s *Service) ProviderFor(kind provider.Kind, providerURL string) (provider.Kind, error) {
	gw, err := s.gateway(kind, providerURL)
	if err != nil {
		return "", err
	}
	return gw.Kind(), nil
}

// CreateRemoteAndLink creates the repository, links the package to it and
// performs the initial commit.
func (s *Service) CreateRemoteAndLink(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	logger := s.opts.Logger.With("package", req.PackageIRI, "repository", req.Owner+"/"+req.Name)

	if req.Owner == "" || req.Name == "" {
		return nil, fmt.Errorf("owner and repository name are required")
	}
	format, err := packages.ParseExportFormat(string(req.ExportFormat))
	if err != nil {
		return nil, err
	}
	rec, err := s.opts.Packages.Get(req.PackageIRI)
	if err != nil {
		return nil, err
	}
	if rec.Link != nil {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyLinked, rec.Link.RepositoryURL)
	}
	gw, err := s.gateway(req.Provider, req.ProviderURL)
	if err != nil {
		return nil, err
	}
	token, ok := req.Credentials.APIToken()
	if !ok {
		return nil, ErrNoAPIToken
	}

	info, err := gw.CreateRepository(ctx, token.Value, req.Owner, req.Name, req.UserScope, true)
	if err != nil {
		return nil, err
	}
	logger.Info("Created repository", "provider", gw.Kind(), "default_branch", info.DefaultBranch)

	result := &CreateResult{Repository: info}
	warn := func(step string, err error) {
		logger.Warn("Repository setup step failed", "step", step, "error", err)
		result.Warnings = append(result.Warnings, fmt.Sprintf("%s: %v", step, err))
	}

	if s.opts.WebhookURL != "" {
		if err := gw.CreateWebhook(ctx, token.Value, req.Owner, req.Name, s.opts.WebhookURL, []string{"push"}); err != nil {
			warn("create webhook", err)
		}
	}
	if s.opts.BotToken != nil {
		if bot, ok := s.opts.BotToken(gw.Kind()); ok {
			if err := gw.SetRepositorySecret(ctx, token.Value, req.Owner, req.Name, PublishTokenSecret, bot); err != nil {
				warn("set publish secret", err)
			}
		}
	}

	branch := info.DefaultBranch
	if branch == "" {
		branch = "main"
	}
	cloneURL := info.CloneURL
	if cloneURL == "" {
		cloneURL = gw.CloneURL(req.Owner, req.Name)
	}
	rec, err = s.opts.Packages.SetLink(rec.IRI, packages.RepositoryLink{
		RepositoryURL: cloneURL,
		Provider:      gw.Kind(),
		Branch:        branch,
		ExportFormat:  format,
	})
	if err != nil {
		return nil, fmt.Errorf("repository %s/%s was created but the link could not be saved: %w", req.Owner, req.Name, err)
	}
	result.Record = rec

	if s.opts.Committer != nil {
		res, err := s.opts.Committer.Commit(ctx, gitsync.CommitRequest{
			Package:     rec,
			Credentials: req.Credentials,
			Message:     req.Message,
		})
		if err != nil {
			warn("initial commit", err)
		} else {
			result.CommitHash = res.CommitHash
			if updated, err := s.opts.Packages.Get(rec.IRI); err == nil {
				result.Record = updated
			}
		}
	}
	return result, nil
}

// RemoveRequest detaches a package from its repository.
type RemoveRequest struct {
	PackageIRI string
	// KeepRemote leaves the repository untouched and only clears the link.
	KeepRemote  bool
	Credentials credentials.GitCredentials
}

// RemoveLinkAndRemote deletes the linked repository and clears the link. A
// repository that is already gone is not an error. When the deletion fails
// the link is kept.
func (s *Service) RemoveLinkAndRemote(ctx context.Context, req RemoveRequest) (packages.Record, error) {
	rec, err := s.opts.Packages.Get(req.PackageIRI)
	if err != nil {
		return packages.Record{}, err
	}
	if rec.Link == nil {
		return rec, fmt.Errorf("%s: %w", rec.IRI, packages.ErrNotLinked)
	}

	if !req.KeepRemote {
		gw, err := s.opts.Gateways.Get(rec.Link.Provider)
		if err != nil {
			return rec, err
		}
		owner, okOwner := gw.ExtractRepositoryURLPart(rec.Link.RepositoryURL, provider.PartOwner)
		name, okName := gw.ExtractRepositoryURLPart(rec.Link.RepositoryURL, provider.PartRepo)
		if !okOwner || !okName {
			return rec, fmt.Errorf("cannot find owner and name in %q", rec.Link.RepositoryURL)
		}
		token, ok := req.Credentials.APIToken()
		if !ok {
			return rec, ErrNoAPIToken
		}
		if err := gw.RemoveRepository(ctx, token.Value, owner, name); err != nil {
			return rec, err
		}
		s.opts.Logger.Info("Removed repository", "package", rec.IRI, "repository", owner+"/"+name)
	}

	return s.opts.Packages.ClearLink(rec.IRI)
}
