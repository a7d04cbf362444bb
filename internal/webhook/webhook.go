// Package webhook turns provider push notifications into package pulls.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"

	"modelsync/internal/credentials"
	"modelsync/internal/gitsync"
	"modelsync/internal/logging"
	"modelsync/internal/packages"
	"modelsync/internal/provider"
)

// Puller re-synchronizes one package. *gitsync.Synchronizer implements it.
type Puller interface {
	Pull(ctx context.Context, req gitsync.PullRequest) (gitsync.PullResult, error)
}

// PackageFinder maps a repository to the packages linked to it.
type PackageFinder interface {
	FindByRepository(kind provider.Kind, rawURL string) ([]packages.Record, error)
}

type Options struct {
	Gateways *provider.Registry
	Packages PackageFinder
	Puller   Puller
	// Credentials supplies the identity used to fetch, normally the bot.
	Credentials func(kind provider.Kind) credentials.GitCredentials
	Logger      *logging.AppLogger
}

// Ingestor classifies deliveries and pulls the affected packages.
type Ingestor struct {
	opts Options
}

func NewIngestor(opts Options) *Ingestor {
	return &Ingestor{opts: opts}
}

// PackageOutcome is the pull result of one linked package.
type PackageOutcome struct {
	PackageIRI string `json:"packageIri"`
	CommitHash string `json:"commitHash,omitempty"`
	Changed    bool   `json:"changed"`
	Error      string `json:"error,omitempty"`
}

// Result describes what a delivery triggered. Ignored deliveries carry no
// provider data.
type Result struct {
	Ignored        bool             `json:"ignored"`
	Provider       provider.Kind    `json:"provider,omitempty"`
	CloneURL       string           `json:"cloneUrl,omitempty"`
	RepositoryName string           `json:"repositoryName,omitempty"`
	Branch         string           `json:"branch,omitempty"`
	Commits        []string         `json:"commits,omitempty"`
	Packages       []PackageOutcome `json:"packages,omitempty"`
}

// payloadShape holds the fields that tell providers apart when no event
// header is present.
type payloadShape struct {
	ObjectKind string          `json:"object_kind"`
	Pusher     json.RawMessage `json:"pusher"`
	HeadCommit json.RawMessage `json:"head_commit"`
	Repository json.RawMessage `json:"repository"`
}

// Classify picks the provider of a delivery: by event header first, then by
// payload shape. The returned header carries the event header the gateway
// expects.
func Classify(header http.Header, body []byte) (provider.Kind, http.Header, bool) {
	switch {
	case header.Get("X-GitHub-Event") != "":
		return provider.GitHub, header, true
	case header.Get("X-Gitlab-Event") != "":
		return provider.GitLab, header, true
	}

	var shape payloadShape
	if err := json.NewDecoder(bytes.NewReader(body)).Decode(&shape); err != nil {
		return "", header, false
	}
	h := header.Clone()
	if h == nil {
		h = http.Header{}
	}
	switch {
	case shape.ObjectKind == "push":
		h.Set("X-Gitlab-Event", "Push Hook")
		return provider.GitLab, h, true
	case shape.ObjectKind != "":
		return "", header, false
	case len(shape.Repository) > 0 && (len(shape.Pusher) > 0 || len(shape.HeadCommit) > 0):
		h.Set("X-GitHub-Event", "push")
		return provider.GitHub, h, true
	}
	return "", header, false
}

// Ingest handles one delivery. Payloads that cannot be classified or decoded
// are logged and reported as ignored, never as errors. Pull failures are
// recorded per package.
func (i *Ingestor) Ingest(ctx context.Context, header http.Header, body []byte) (*Result, error) {
	logger := i.opts.Logger

	kind, header, ok := Classify(header, body)
	if !ok {
		logger.Warn("Ignoring unclassifiable webhook", "bytes", len(body))
		return &Result{Ignored: true}, nil
	}
	gw, err := i.opts.Gateways.Get(kind)
	if err != nil {
		logger.Warn("Ignoring webhook for unconfigured provider", "provider", kind)
		return &Result{Ignored: true}, nil
	}
	data, ok := gw.ExtractWebhookData(header, body)
	if !ok {
		return &Result{Ignored: true}, nil
	}

	result := &Result{
		Provider:       data.Provider,
		CloneURL:       data.CloneURL,
		RepositoryName: data.RepositoryName,
		Branch:         data.Branch(),
		Commits:        data.Commits,
	}
	logger = logger.With("provider", kind, "repository", data.RepositoryName, "ref", data.Ref)
	if result.Branch == "" {
		logger.Debug("Ignoring push to a non-branch ref")
		return result, nil
	}

	linked, err := i.opts.Packages.FindByRepository(kind, data.CloneURL)
	if err != nil {
		return nil, err
	}
	if len(linked) == 0 {
		logger.Info("No package is linked to the pushed repository", "clone_url", data.CloneURL)
	}

	var creds credentials.GitCredentials
	if i.opts.Credentials != nil {
		creds = i.opts.Credentials(kind)
	}
	for _, rec := range linked {
		if rec.Link.Branch != "" && rec.Link.Branch != result.Branch {
			continue
		}
		outcome := PackageOutcome{PackageIRI: rec.IRI}
		res, err := i.opts.Puller.Pull(ctx, gitsync.PullRequest{
			Package:     rec,
			Branch:      result.Branch,
			Credentials: creds,
		})
		if err != nil {
			logger.Error("Failed to pull package after push", "package", rec.IRI, "error", err)
			outcome.Error = err.Error()
		} else {
			outcome.CommitHash = res.CommitHash
			outcome.Changed = res.Changed
			logger.Info("Pulled package after push", "package", rec.IRI, "commit", res.CommitHash, "changed", res.Changed)
		}
		result.Packages = append(result.Packages, outcome)
	}
	return result, nil
}
