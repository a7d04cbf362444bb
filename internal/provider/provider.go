// Package provider abstracts the hosted VCS provider families behind one
// Gateway contract: repository lifecycle, webhooks, CI secrets, commit hash
// resolution, URL parsing and webhook payload decoding.
//
// The set of providers is closed. GitHub and GitLab are the only variants and
// each carries its own request and response shapes.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-git/go-git/v6/plumbing/transport"
)

// Kind names a provider family.
type Kind string

const (
	GitHub Kind = "github"
	GitLab Kind = "gitlab"
)

// ParseKind converts a user supplied provider name.
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case GitHub:
		return GitHub, nil
	case GitLab:
		return GitLab, nil
	default:
		return "", fmt.Errorf("unknown provider %q", s)
	}
}

// ReferenceKind is the kind of a commit reference.
type ReferenceKind string

const (
	RefBranch ReferenceKind = "branch"
	RefTag    ReferenceKind = "tag"
	RefCommit ReferenceKind = "commit"
)

// CommitReference points at a branch, tag or commit. An empty Value means the
// default branch; FallbackToDefaultBranch records that resolution defaulted.
type CommitReference struct {
	Kind                    ReferenceKind `json:"kind" yaml:"kind"`
	Value                   string        `json:"value,omitempty" yaml:"value,omitempty"`
	FallbackToDefaultBranch bool          `json:"fallbackToDefaultBranch,omitempty" yaml:"fallback_to_default_branch,omitempty"`
}

// Branch is shorthand for a branch reference.
func Branch(name string) CommitReference {
	return CommitReference{Kind: RefBranch, Value: name}
}

// IsBranch reports whether the reference names a branch (or the default branch).
func (r CommitReference) IsBranch() bool {
	return r.Kind == RefBranch || r.Kind == ""
}

func (r CommitReference) String() string {
	if r.Value == "" {
		return string(r.Kind) + ":<default>"
	}
	return string(r.Kind) + ":" + r.Value
}

// RepositoryInfo is returned by CreateRepository.
type RepositoryInfo struct {
	DefaultBranch string `json:"defaultBranch"`
	CloneURL      string `json:"cloneUrl"`
	WebURL        string `json:"webUrl,omitempty"`
}

// ResolvedCommit is the result of ResolveCommitHash.
type ResolvedCommit struct {
	Hash      string
	Reference CommitReference
}

// WebhookData is the provider independent content of a push notification.
type WebhookData struct {
	Provider       Kind
	CloneURL       string
	RepositoryName string
	Ref            string
	Commits        []string
}

// Branch returns the branch name of Ref, or "" for non-branch refs.
func (d WebhookData) Branch() string {
	const prefix = "refs/heads/"
	if strings.HasPrefix(d.Ref, prefix) {
		return strings.TrimPrefix(d.Ref, prefix)
	}
	return ""
}

// Gateway is implemented once per provider family.
type Gateway interface {
	Kind() Kind
	Domain() string

	// CreateRepository creates owner/name. userScope creates it under the
	// token owner's account instead of an organization or group. The
	// repository is not assumed webhook-ready afterwards.
	CreateRepository(ctx context.Context, token, owner, name string, userScope, enableDefaultBranchSetup bool) (RepositoryInfo, error)
	// RemoveRepository deletes owner/name. A missing repository is success.
	RemoveRepository(ctx context.Context, token, owner, name string) error
	CreateWebhook(ctx context.Context, token, owner, name, callbackURL string, events []string) error
	SetRepositorySecret(ctx context.Context, token, owner, name, key, value string) error
	ResolveCommitHash(ctx context.Context, owner, name string, ref CommitReference, auth transport.AuthMethod) (ResolvedCommit, error)

	ExtractRepositoryURLPart(rawURL string, part URLPart) (string, bool)
	ZipDownloadURL(owner, repo string, ref CommitReference) string
	CloneURL(owner, repo string) string
	// ExtractWebhookData decodes a push payload. It returns false, after
	// logging, for payloads it cannot use; it never panics.
	ExtractWebhookData(header http.Header, body []byte) (*WebhookData, bool)
}

// APIError is a non-2xx response from a provider REST call.
type APIError struct {
	Provider   Kind
	Op         string
	StatusCode int
	Err        error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s failed with status %d: %v", e.Provider, e.Op, e.StatusCode, e.Err)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// IsNotFound reports whether err is a provider 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// CommitHashResolutionError wraps a failure to turn a reference into a hash.
type CommitHashResolutionError struct {
	Owner     string
	Repo      string
	Reference CommitReference
	Err       error
}

func (e *CommitHashResolutionError) Error() string {
	return fmt.Sprintf("resolve commit hash for %s/%s at %s: %v", e.Owner, e.Repo, e.Reference, e.Err)
}

func (e *CommitHashResolutionError) Unwrap() error {
	return e.Err
}

// Registry holds the configured gateways.
type Registry struct {
	gateways map[Kind]Gateway
}

// NewRegistry indexes gateways by kind.
func NewRegistry(gateways ...Gateway) *Registry {
	r := &Registry{gateways: make(map[Kind]Gateway, len(gateways))}
	for _, g := range gateways {
		r.gateways[g.Kind()] = g
	}
	return r
}

// Get returns the gateway for kind.
func (r *Registry) Get(kind Kind) (Gateway, error) {
	g, ok := r.gateways[kind]
	if !ok {
		return nil, fmt.Errorf("provider %q is not configured", kind)
	}
	return g, nil
}

// ForURL picks the gateway whose domain matches the URL host, with or
// without its port.
func (r *Registry) ForURL(rawURL string) (Gateway, bool) {
	parsed, ok := splitRepositoryURL(rawURL)
	if !ok {
		return nil, false
	}
	for _, g := range r.gateways {
		if strings.EqualFold(g.Domain(), parsed.host) || strings.EqualFold(g.Domain(), parsed.hostname) {
			return g, true
		}
	}
	return nil, false
}

// All returns every configured gateway.
func (r *Registry) All() []Gateway {
	out := make([]Gateway, 0, len(r.gateways))
	for _, kind := range []Kind{GitHub, GitLab} {
		if g, ok := r.gateways[kind]; ok {
			out = append(out, g)
		}
	}
	return out
}
