package packages

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"modelsync/internal/logging"
	"modelsync/internal/modelfs"
	"modelsync/pkg/fileops"

	"github.com/otiai10/copy"
	"gopkg.in/yaml.v3"
)

// ExportFormat selects how structured datastores are serialized in the repository.
type ExportFormat string

const (
	// FormatAsStored keeps every file as it is stored locally.
	FormatAsStored ExportFormat = ""
	FormatJSON     ExportFormat = "json"
	FormatYAML     ExportFormat = "yaml"
)

// ParseExportFormat accepts "", "json" and "yaml".
func ParseExportFormat(s string) (ExportFormat, error) {
	switch f := ExportFormat(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatAsStored, FormatJSON, FormatYAML:
		return f, nil
	default:
		return "", fmt.Errorf("unknown export format %q", s)
	}
}

// Exporter materializes a package tree into dir, the root of a working copy.
type Exporter interface {
	Export(ctx context.Context, pkg Record, dir string) error
}

// Importer is the inverse of Exporter: it replaces the package tree with the
// tree found in dir.
type Importer interface {
	Import(ctx context.Context, pkg Record, dir string) error
}

// isRepositoryAuxiliary matches root entries that belong to the repository
// rather than the package.
func isRepositoryAuxiliary(rel string) bool {
	first := strings.SplitN(filepath.ToSlash(rel), "/", 2)[0]
	return modelfs.IsAuxiliary(first)
}

func copyOptions(logger *logging.AppLogger) copy.Options {
	return copy.Options{
		OnSymlink: func(path string) copy.SymlinkAction {
			if logger != nil {
				logger.Warn("Ignoring symlink", "path", path)
			}
			return copy.Skip
		},
	}
}

// copyPackageTree copies every root entry of src that belongs to the package.
func copyPackageTree(src, dst string, logger *logging.AppLogger) error {
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	if err := fileops.EnsureDirectoryExists(dst); err != nil {
		return err
	}
	for _, entry := range entries {
		if isRepositoryAuxiliary(entry.Name()) {
			continue
		}
		if err := copy.Copy(filepath.Join(src, entry.Name()), filepath.Join(dst, entry.Name()), copyOptions(logger)); err != nil {
			return err
		}
	}
	return nil
}

// DirExporter copies the package content directory.
type DirExporter struct {
	// Format overrides the link's export format when set.
	Format ExportFormat
	Logger *logging.AppLogger
}

func (e *DirExporter) Export(ctx context.Context, pkg Record, dir string) error {
	if pkg.ContentDir == "" {
		return fmt.Errorf("package %s has no content directory", pkg.IRI)
	}
	if _, err := os.Stat(pkg.ContentDir); err != nil {
		if os.IsNotExist(err) {
			// A package without content exports an empty tree.
			return nil
		}
		return err
	}
	if err := copyPackageTree(pkg.ContentDir, dir, e.Logger); err != nil {
		return fmt.Errorf("failed to export %s: %w", pkg.IRI, err)
	}

	format := e.Format
	if format == FormatAsStored && pkg.Link != nil {
		format = pkg.Link.ExportFormat
	}
	if format == FormatAsStored {
		return nil
	}
	return convertTree(ctx, dir, format, e.Logger)
}

// DirImporter replaces the package content directory with the working copy.
type DirImporter struct {
	Logger *logging.AppLogger
}

func (i *DirImporter) Import(ctx context.Context, pkg Record, dir string) error {
	if pkg.ContentDir == "" {
		return fmt.Errorf("package %s has no content directory", pkg.IRI)
	}

	if content, err := os.ReadFile(filepath.Join(dir, ReadmeFile)); err == nil {
		if matter, _, err := ParseReadme(content); err != nil {
			i.Logger.Warn("Unreadable README frontmatter", "package", pkg.IRI, "error", err)
		} else if matter.Package != "" && matter.Package != pkg.IRI {
			i.Logger.Warn("Repository README names another package", "package", pkg.IRI, "readme", matter.Package)
		}
	}

	staging := pkg.ContentDir + ".import"
	if err := os.RemoveAll(staging); err != nil {
		return err
	}
	if err := copyPackageTree(dir, staging, i.Logger); err != nil {
		os.RemoveAll(staging)
		return fmt.Errorf("failed to import %s: %w", pkg.IRI, err)
	}
	if err := ctx.Err(); err != nil {
		os.RemoveAll(staging)
		return err
	}

	if err := os.RemoveAll(pkg.ContentDir); err != nil {
		return fmt.Errorf("failed to replace %s: %w", pkg.ContentDir, err)
	}
	if err := os.Rename(staging, pkg.ContentDir); err != nil {
		return fmt.Errorf("failed to replace %s: %w", pkg.ContentDir, err)
	}
	return nil
}

// convertTree rewrites structured datastore files under dir into format.
// Files that do not parse are left untouched.
func convertTree(ctx context.Context, dir string, format ExportFormat, logger *logging.AppLogger) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, _ := filepath.Rel(dir, path)
		if d.IsDir() {
			if rel != "." && isRepositoryAuxiliary(rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if isRepositoryAuxiliary(rel) {
			return nil
		}

		from := modelfs.FormatForFile(d.Name())
		target, ext := modelfs.FormatJSON, ".json"
		if format == FormatYAML {
			target, ext = modelfs.FormatYAML, ".yaml"
		}
		if (from != modelfs.FormatJSON && from != modelfs.FormatYAML) || from == target {
			return nil
		}

		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		converted, err := convert(content, from, target)
		if err != nil {
			logger.Warn("Leaving datastore unconverted", "file", rel, "error", err)
			return nil
		}
		dest := strings.TrimSuffix(path, filepath.Ext(path)) + ext
		if err := fileops.AtomicWriteFile(dest, converted); err != nil {
			return err
		}
		return os.Remove(path)
	})
}

func convert(content []byte, from, to modelfs.Format) ([]byte, error) {
	var v any
	if from == modelfs.FormatJSON {
		if err := json.Unmarshal(content, &v); err != nil {
			return nil, err
		}
	} else if err := yaml.Unmarshal(content, &v); err != nil {
		return nil, err
	}

	if to == modelfs.FormatYAML {
		return yaml.Marshal(v)
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(out, '\n'), nil
}
