package provider

import (
	"net/url"
	"regexp"
	"strings"
)

// URLPart selects one component of a repository URL.
type URLPart string

const (
	PartDomain URLPart = "domain"
	PartOwner  URLPart = "owner"
	PartRepo   URLPart = "repo"
	PartBranch URLPart = "branch"
	PartTag    URLPart = "tag"
	PartCommit URLPart = "commit"
)

// RepositoryURL is the parsed form of a provider repository URL.
type RepositoryURL struct {
	Domain string
	Owner  string
	Repo   string
	Branch string
	Tag    string
	Commit string
}

// Part returns one component; false when it is absent.
func (u RepositoryURL) Part(part URLPart) (string, bool) {
	var v string
	switch part {
	case PartDomain:
		v = u.Domain
	case PartOwner:
		v = u.Owner
	case PartRepo:
		v = u.Repo
	case PartBranch:
		v = u.Branch
	case PartTag:
		v = u.Tag
	case PartCommit:
		v = u.Commit
	}
	return v, v != ""
}

// Reference returns the reference embedded in the URL, or the default branch.
func (u RepositoryURL) Reference() CommitReference {
	switch {
	case u.Commit != "":
		return CommitReference{Kind: RefCommit, Value: u.Commit}
	case u.Tag != "":
		return CommitReference{Kind: RefTag, Value: u.Tag}
	default:
		return CommitReference{Kind: RefBranch, Value: u.Branch}
	}
}

// RepositoryIdentity identifies one hosted repository.
type RepositoryIdentity struct {
	Provider      Kind   `json:"provider" yaml:"provider"`
	Domain        string `json:"domain" yaml:"domain"`
	Owner         string `json:"owner" yaml:"owner"`
	Name          string `json:"name" yaml:"name"`
	DefaultBranch string `json:"defaultBranch,omitempty" yaml:"default_branch,omitempty"`
}

// URL returns the canonical https form, https://domain/owner/name.
func (id RepositoryIdentity) URL() string {
	return "https://" + id.Domain + "/" + id.Owner + "/" + id.Name
}

// IdentityFromURL derives the repository identity from any supported URL form.
func IdentityFromURL(kind Kind, rawURL string) (RepositoryIdentity, bool) {
	parsed, ok := ParseRepositoryURL(kind, rawURL)
	if !ok {
		return RepositoryIdentity{}, false
	}
	return RepositoryIdentity{
		Provider: kind,
		Domain:   parsed.Domain,
		Owner:    parsed.Owner,
		Name:     parsed.Repo,
	}, true
}

// CanonicalURL normalizes rawURL so clone, web and ssh forms of one
// repository compare equal. False when rawURL does not parse.
func CanonicalURL(kind Kind, rawURL string) (string, bool) {
	id, ok := IdentityFromURL(kind, rawURL)
	if !ok {
		return "", false
	}
	return id.URL(), true
}

// ExtractRepositoryURLPart returns one component of rawURL. Malformed input
// yields false for every part.
func ExtractRepositoryURLPart(kind Kind, rawURL string, part URLPart) (string, bool) {
	parsed, ok := ParseRepositoryURL(kind, rawURL)
	if !ok {
		return "", false
	}
	return parsed.Part(part)
}

// ParseRepositoryURL parses https, ssh:// and scp-like (git@host:owner/repo)
// URLs. At least two path segments are required.
func ParseRepositoryURL(kind Kind, rawURL string) (RepositoryURL, bool) {
	split, ok := splitRepositoryURL(rawURL)
	if !ok {
		return RepositoryURL{}, false
	}
	switch kind {
	case GitHub:
		return parseGitHubPath(split)
	case GitLab:
		return parseGitLabPath(split)
	default:
		return RepositoryURL{}, false
	}
}

var scpLike = regexp.MustCompile(`^[A-Za-z0-9._-]+@([A-Za-z0-9.-]+):(.+)$`)

type splitURL struct {
	// host keeps a non-default web port; hostname never has one.
	host     string
	hostname string
	segments []string
}

func splitRepositoryURL(rawURL string) (splitURL, bool) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return splitURL{}, false
	}

	var host, hostname, path string
	if m := scpLike.FindStringSubmatch(rawURL); m != nil && !strings.Contains(rawURL, "://") {
		host, path = m[1], m[2]
		hostname = host
	} else {
		u, err := url.Parse(rawURL)
		if err != nil {
			return splitURL{}, false
		}
		switch u.Scheme {
		case "http", "https", "ssh", "git":
		default:
			return splitURL{}, false
		}
		hostname, path = u.Hostname(), u.Path
		host = webHost(u)
	}
	if host == "" {
		return splitURL{}, false
	}

	var segments []string
	for _, s := range strings.Split(path, "/") {
		if s != "" {
			segments = append(segments, s)
		}
	}
	if len(segments) < 2 {
		return splitURL{}, false
	}
	return splitURL{host: strings.ToLower(host), hostname: strings.ToLower(hostname), segments: segments}, true
}

// webHost returns the host of an http(s) URL with its port unless it is the
// scheme default. Ports of ssh and git URLs are not web ports and are dropped.
func webHost(u *url.URL) string {
	port := u.Port()
	switch {
	case port == "":
	case u.Scheme == "https" && port == "443":
	case u.Scheme == "http" && port == "80":
	case u.Scheme == "http" || u.Scheme == "https":
		return u.Host
	}
	return u.Hostname()
}

func trimGitSuffix(name string) string {
	return strings.TrimSuffix(name, ".git")
}

// github.com/owner/repo[/tree/<branch...>|/commit/<sha>|/releases/tag/<tag...>]
func parseGitHubPath(s splitURL) (RepositoryURL, bool) {
	out := RepositoryURL{
		Domain: s.host,
		Owner:  s.segments[0],
		Repo:   trimGitSuffix(s.segments[1]),
	}
	if out.Owner == "" || out.Repo == "" {
		return RepositoryURL{}, false
	}

	rest := s.segments[2:]
	if len(rest) >= 2 {
		switch rest[0] {
		case "tree":
			out.Branch = strings.Join(rest[1:], "/")
		case "commit":
			out.Commit = rest[1]
		case "releases":
			if rest[1] == "tag" && len(rest) >= 3 {
				out.Tag = strings.Join(rest[2:], "/")
			}
		}
	}
	return out, true
}

// gitlab.example.org/group[/subgroup...]/repo[/-/tree|commit|tags/<ref...>]
func parseGitLabPath(s splitURL) (RepositoryURL, bool) {
	head := s.segments
	var rest []string
	for i, seg := range s.segments {
		if seg == "-" {
			head, rest = s.segments[:i], s.segments[i+1:]
			break
		}
	}
	if len(head) < 2 {
		return RepositoryURL{}, false
	}

	out := RepositoryURL{
		Domain: s.host,
		Owner:  strings.Join(head[:len(head)-1], "/"),
		Repo:   trimGitSuffix(head[len(head)-1]),
	}
	if out.Repo == "" {
		return RepositoryURL{}, false
	}

	if len(rest) >= 2 {
		switch rest[0] {
		case "tree":
			out.Branch = strings.Join(rest[1:], "/")
		case "commit":
			out.Commit = rest[1]
		case "tags":
			out.Tag = strings.Join(rest[1:], "/")
		}
	}
	return out, true
}
