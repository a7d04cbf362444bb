// Package modelfs models a package resource tree as tree-path addressed nodes
// carrying named datastores, and provides the filesystem backends the diff
// and merge machinery read from: a plain directory and a git commit tree.
//
// On disk a node is a directory and each datastore is a file named
// <type><ext> inside it, e.g. models/person/meta.json. The root node has the
// empty path "".
package modelfs

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
)

// Kind is the backend a root lives on.
type Kind string

const (
	KindLocal  Kind = "local"
	KindGitHub Kind = "github"
	KindGitLab Kind = "gitlab"
)

// Format is the declared serialization of a datastore.
type Format string

const (
	FormatJSON  Format = "json"
	FormatYAML  Format = "yaml"
	FormatText  Format = "text"
	FormatOther Format = "other"
)

// Datastore is one named artifact attached to a node.
type Datastore struct {
	Type   string `json:"type" yaml:"type"`
	Format Format `json:"format" yaml:"format"`
	// File is the file name inside the node directory.
	File string `json:"file" yaml:"file"`
}

// Metadata carries the owning package identity.
type Metadata struct {
	PackageIRI string `json:"packageIri" yaml:"package_iri"`
	IRI        string `json:"iri" yaml:"iri"`
}

// Node is one tree-path addressed resource.
type Node struct {
	Path       string               `json:"path" yaml:"path"`
	Name       string               `json:"name" yaml:"name"`
	Metadata   Metadata             `json:"metadata" yaml:"metadata"`
	Datastores map[string]Datastore `json:"datastores,omitempty" yaml:"datastores,omitempty"`
	Children   map[string]*Node     `json:"children,omitempty" yaml:"children,omitempty"`
}

// ErrNotFound is returned for missing nodes and datastores.
var ErrNotFound = errors.New("not found")

// Filesystem is a read-only view of one package root.
type Filesystem interface {
	Kind() Kind
	// Root returns the node structure. Datastore content is not loaded.
	Root(ctx context.Context) (*Node, error)
	ReadDatastore(ctx context.Context, treePath, datastoreType string) ([]byte, error)
}

// WritableFilesystem additionally accepts structural edits.
type WritableFilesystem interface {
	Filesystem
	// CreateNode creates name under parentPath and returns the new tree path.
	// Creating an existing node is not an error.
	CreateNode(ctx context.Context, parentPath, name string) (string, error)
	// WriteDatastore creates or replaces a datastore. An empty ds.File is
	// derived from the type and format.
	WriteDatastore(ctx context.Context, treePath string, ds Datastore, content []byte) error
	RemoveDatastore(ctx context.Context, treePath, datastoreType string) error
	RemoveNode(ctx context.Context, treePath string) error
}

// JoinPath appends a segment to a tree path.
func JoinPath(parent, segment string) string {
	if parent == "" {
		return segment
	}
	return parent + "/" + segment
}

// SplitPath returns the segments of a tree path. The root has none.
func SplitPath(treePath string) []string {
	if treePath == "" {
		return nil
	}
	return strings.Split(treePath, "/")
}

// ParentPath returns the parent tree path; the root is its own parent.
func ParentPath(treePath string) string {
	if i := strings.LastIndex(treePath, "/"); i >= 0 {
		return treePath[:i]
	}
	return ""
}

// NodeIRI derives a node identity from the package IRI and tree path.
func NodeIRI(packageIRI, treePath string) string {
	if treePath == "" {
		return packageIRI
	}
	return strings.TrimRight(packageIRI, "/") + "/" + treePath
}

// ValidateSegment rejects segments that cannot be a node directory name.
func ValidateSegment(segment string) error {
	switch {
	case segment == "":
		return fmt.Errorf("empty path segment")
	case segment == "." || segment == "..":
		return fmt.Errorf("path segment %q not allowed", segment)
	case strings.ContainsAny(segment, `/\`):
		return fmt.Errorf("path segment %q contains a separator", segment)
	case strings.HasPrefix(segment, "."):
		return fmt.Errorf("path segment %q must not start with a dot", segment)
	}
	return nil
}

// ValidateTreePath checks every segment of treePath.
func ValidateTreePath(treePath string) error {
	if treePath != path.Clean("/" + treePath)[1:] {
		return fmt.Errorf("tree path %q is not canonical", treePath)
	}
	for _, seg := range SplitPath(treePath) {
		if err := ValidateSegment(seg); err != nil {
			return err
		}
	}
	return nil
}

// NewNode creates an empty node at treePath.
func NewNode(packageIRI, treePath string) *Node {
	segs := SplitPath(treePath)
	name := ""
	if len(segs) > 0 {
		name = segs[len(segs)-1]
	}
	return &Node{
		Path:       treePath,
		Name:       name,
		Metadata:   Metadata{PackageIRI: packageIRI, IRI: NodeIRI(packageIRI, treePath)},
		Datastores: map[string]Datastore{},
		Children:   map[string]*Node{},
	}
}

// ChildNames returns child segments in lexical order.
func (n *Node) ChildNames() []string {
	if n == nil {
		return nil
	}
	names := make([]string, 0, len(n.Children))
	for name := range n.Children {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DatastoreTypes returns datastore types in lexical order.
func (n *Node) DatastoreTypes() []string {
	if n == nil {
		return nil
	}
	types := make([]string, 0, len(n.Datastores))
	for t := range n.Datastores {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Find returns the descendant at treePath.
func (n *Node) Find(treePath string) (*Node, bool) {
	cur := n
	for _, seg := range SplitPath(treePath) {
		if cur == nil {
			return nil, false
		}
		next, ok := cur.Children[seg]
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, cur != nil
}

// Walk visits every node breadth first, parents before children.
func (n *Node) Walk(fn func(*Node) error) error {
	queue := []*Node{n}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == nil {
			continue
		}
		if err := fn(cur); err != nil {
			return err
		}
		for _, name := range cur.ChildNames() {
			queue = append(queue, cur.Children[name])
		}
	}
	return nil
}

// FormatForFile maps a file extension to a datastore format.
func FormatForFile(name string) Format {
	switch strings.ToLower(path.Ext(name)) {
	case ".json", ".jsonld":
		return FormatJSON
	case ".yaml", ".yml":
		return FormatYAML
	case ".txt", ".md", ".ttl", ".csv", ".xml", ".owl", ".rq", ".sparql":
		return FormatText
	default:
		return FormatOther
	}
}

// FileName returns the file name for a new datastore of the given format.
func FileName(datastoreType string, format Format) string {
	switch format {
	case FormatJSON:
		return datastoreType + ".json"
	case FormatYAML:
		return datastoreType + ".yaml"
	case FormatText:
		return datastoreType + ".txt"
	default:
		return datastoreType + ".bin"
	}
}

// WithFile fills File from the type and format when unset.
func (d Datastore) WithFile() Datastore {
	if d.File == "" {
		d.File = FileName(d.Type, d.Format)
	}
	return d
}

// datastoreFromFile splits a file name into its datastore description.
func datastoreFromFile(name string) (Datastore, bool) {
	if strings.HasPrefix(name, ".") {
		return Datastore{}, false
	}
	ext := path.Ext(name)
	typ := strings.TrimSuffix(name, ext)
	if typ == "" {
		return Datastore{}, false
	}
	return Datastore{Type: typ, Format: FormatForFile(name), File: name}, true
}

// rootAuxiliary lists files at the root written by the exporter rather than
// belonging to the package tree.
var rootAuxiliary = map[string]bool{
	"README.md": true,
}

// IsAuxiliary reports whether a root level entry is exporter owned.
func IsAuxiliary(name string) bool {
	return rootAuxiliary[name] || strings.HasPrefix(name, ".")
}

// CopyTree writes every node and datastore of src into dst.
func CopyTree(ctx context.Context, src Filesystem, dst WritableFilesystem) error {
	root, err := src.Root(ctx)
	if err != nil {
		return fmt.Errorf("read source tree: %w", err)
	}
	return root.Walk(func(n *Node) error {
		if n.Path != "" {
			if _, err := dst.CreateNode(ctx, ParentPath(n.Path), n.Name); err != nil {
				return fmt.Errorf("create %s: %w", n.Path, err)
			}
		}
		for _, typ := range n.DatastoreTypes() {
			ds := n.Datastores[typ]
			content, err := src.ReadDatastore(ctx, n.Path, typ)
			if err != nil {
				return fmt.Errorf("read %s#%s: %w", n.Path, typ, err)
			}
			if err := dst.WriteDatastore(ctx, n.Path, ds, content); err != nil {
				return fmt.Errorf("write %s#%s: %w", n.Path, typ, err)
			}
		}
		return nil
	})
}
