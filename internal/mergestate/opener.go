package mergestate

import (
	"context"
	"fmt"

	"modelsync/internal/credentials"
	"modelsync/internal/gitsync"
	"modelsync/internal/logging"
	"modelsync/internal/modelfs"
	"modelsync/internal/packages"
	"modelsync/internal/provider"
)

// Opener gives access to the tree of a root. With pinned set a git root is
// read at its recorded commit hash rather than the current reference head.
type Opener interface {
	Open(ctx context.Context, root RootRef, pinned bool) (modelfs.Filesystem, string, error)
}

// PackageSource looks up local package records.
type PackageSource interface {
	Get(iri string) (packages.Record, error)
}

// RootOpener opens local roots from the package store and git roots through
// an in-memory clone.
type RootOpener struct {
	Packages PackageSource
	// Credentials supplies the identity used to read repositories.
	Credentials func(kind provider.Kind) credentials.GitCredentials
	Logger      *logging.AppLogger
}

func (o *RootOpener) Open(ctx context.Context, root RootRef, pinned bool) (modelfs.Filesystem, string, error) {
	if !root.IsGit() {
		return o.openLocal(ctx, root)
	}

	var creds credentials.GitCredentials
	if o.Credentials != nil {
		creds = o.Credentials(root.Provider())
	}
	ep, err := gitsync.SelectEndpoint(ctx, root.Provider(), root.RepositoryURL, creds, o.Logger)
	if err != nil {
		return nil, "", err
	}

	opts := modelfs.GitOptions{
		Kind:       root.FilesystemType,
		URL:        ep.URL,
		PackageIRI: root.PackageIRI,
		Auth:       ep.Auth,
	}
	switch {
	case pinned && root.CommitHash != "":
		opts.Commit = root.CommitHash
	case root.Reference.Kind == provider.RefCommit:
		opts.Commit = root.Reference.Value
	case root.Reference.Kind == provider.RefTag:
		opts.Tag = root.Reference.Value
	default:
		opts.Branch = root.Reference.Value
	}

	fs, err := modelfs.CloneGit(ctx, opts)
	if err != nil {
		return nil, "", err
	}
	return fs, fs.CommitHash(), nil
}

func (o *RootOpener) openLocal(ctx context.Context, root RootRef) (modelfs.Filesystem, string, error) {
	if o.Packages == nil {
		return nil, "", fmt.Errorf("no package store for local root %s", root.PackageIRI)
	}
	rec, err := o.Packages.Get(root.PackageIRI)
	if err != nil {
		return nil, "", err
	}
	fs := modelfs.NewDirFilesystem(rec.ContentDir, rec.IRI)
	fingerprint, err := modelfs.Fingerprint(ctx, fs)
	if err != nil {
		return nil, "", err
	}
	return fs, fingerprint, nil
}
