package gitsync

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"modelsync/internal/credentials"
	"modelsync/internal/logging"
	"modelsync/internal/provider"

	git "github.com/go-git/go-git/v6"
	"github.com/go-git/go-git/v6/config"
	"github.com/go-git/go-git/v6/plumbing/transport"
	"github.com/go-git/go-git/v6/plumbing/transport/http"
	"github.com/go-git/go-git/v6/plumbing/transport/ssh"
	"github.com/go-git/go-git/v6/storage/memory"
)

// patUsername is accepted by both GitHub and GitLab for token over HTTPS.
const patUsername = "oauth2"

// Endpoint is an authenticated remote location.
type Endpoint struct {
	URL   string
	Auth  transport.AuthMethod
	Token credentials.AccessToken
}

// isLocal reports whether rawURL points at the local filesystem, where no
// authentication applies.
func isLocal(rawURL string) bool {
	if strings.HasPrefix(rawURL, "file://") {
		return true
	}
	u, err := url.Parse(rawURL)
	if err == nil && (u.Scheme == "http" || u.Scheme == "https" || u.Scheme == "ssh" || u.Scheme == "git") {
		return false
	}
	return !strings.Contains(rawURL, "@")
}

// EndpointFor builds the clone URL and auth method for one token. PATs use
// HTTPS basic auth, SSH keys use the scp-like ssh URL.
func EndpointFor(kind provider.Kind, repositoryURL string, tok credentials.AccessToken) (Endpoint, error) {
	if isLocal(repositoryURL) {
		return Endpoint{URL: repositoryURL, Token: tok}, nil
	}
	id, ok := provider.IdentityFromURL(kind, repositoryURL)
	if !ok {
		return Endpoint{}, fmt.Errorf("cannot parse %s repository URL %q", kind, repositoryURL)
	}

	switch tok.Type {
	case credentials.TokenSSH:
		keys, err := ssh.NewPublicKeys("git", []byte(tok.Value), "")
		if err != nil {
			return Endpoint{}, fmt.Errorf("invalid ssh key: %w", err)
		}
		return Endpoint{
			URL:   fmt.Sprintf("git@%s:%s/%s.git", id.Domain, id.Owner, id.Name),
			Auth:  keys,
			Token: tok,
		}, nil
	default:
		ep := Endpoint{URL: id.URL() + ".git", Token: tok}
		if tok.Value != "" {
			ep.Auth = &http.BasicAuth{Username: patUsername, Password: tok.Value}
		}
		return ep, nil
	}
}

// Probe checks that ep can list the remote references.
func Probe(ctx context.Context, ep Endpoint) error {
	remote := git.NewRemote(memory.NewStorage(), &config.RemoteConfig{
		Name: "origin",
		URLs: []string{ep.URL},
	})
	_, err := remote.ListContext(ctx, &git.ListOptions{Auth: ep.Auth})
	if err != nil && !errors.Is(err, transport.ErrEmptyRemoteRepository) {
		return err
	}
	return nil
}

// SelectEndpoint returns the first credential that can reach the repository,
// in the order the credentials rank them. Without tokens an anonymous
// endpoint is tried.
func SelectEndpoint(ctx context.Context, kind provider.Kind, repositoryURL string, creds credentials.GitCredentials, logger *logging.AppLogger) (Endpoint, error) {
	tokens := creds.Tokens
	if len(tokens) == 0 {
		tokens = []credentials.AccessToken{{Type: credentials.TokenPAT}}
	}

	var errs []error
	for i, tok := range tokens {
		ep, err := EndpointFor(kind, repositoryURL, tok)
		if err == nil {
			err = Probe(ctx, ep)
		}
		if err == nil {
			logger.Debug("Selected credential", "index", i, "type", tok.Type, "bot", tok.IsBotToken)
			return ep, nil
		}
		logger.Debug("Credential cannot reach repository", "index", i, "type", tok.Type, "error", err)
		errs = append(errs, fmt.Errorf("token %d (%s): %w", i, tok.Type, err))
	}
	return Endpoint{}, fmt.Errorf("%w: %w", ErrNoReachableCredential, errors.Join(errs...))
}
