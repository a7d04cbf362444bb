// Package difftree compares two package roots node by node and records, per
// tree path, which side holds the node and which datastores differ.
package difftree

import (
	"modelsync/internal/modelfs"
)

// Classification records which roots hold a node.
type Classification string

const (
	ExistsInOld  Classification = "exists-in-old"
	ExistsInNew  Classification = "exists-in-new"
	ExistsInBoth Classification = "exists-in-both"
)

// Change describes one datastore difference, seen from old to new.
type Change string

const (
	ChangeModified Change = "modified"
	ChangeRemoved  Change = "removed"
	ChangeAdded    Change = "added"
)

// Side names one of the two compared roots.
type Side string

const (
	SideOld Side = "old"
	SideNew Side = "new"
)

// Resource is the part of a node a comparison keeps. Children are reached
// through the comparison tree itself.
type Resource struct {
	IRI        string                       `json:"iri" yaml:"iri"`
	Datastores map[string]modelfs.Datastore `json:"datastores,omitempty" yaml:"datastores,omitempty"`
}

func resourceOf(n *modelfs.Node) *Resource {
	if n == nil {
		return nil
	}
	ds := make(map[string]modelfs.Datastore, len(n.Datastores))
	for k, v := range n.Datastores {
		ds[k] = v
	}
	return &Resource{IRI: n.Metadata.IRI, Datastores: ds}
}

// ComparisonData is one conflicting datastore.
type ComparisonData struct {
	ID            string         `json:"id" yaml:"id"`
	TreePath      string         `json:"treePath" yaml:"tree_path"`
	DatastoreType string         `json:"datastoreType" yaml:"datastore_type"`
	Format        modelfs.Format `json:"format" yaml:"format"`
	Change        Change         `json:"change" yaml:"change"`
	Resolved      bool           `json:"resolved" yaml:"resolved"`
}

// ComparisonID is the identity of the datastore comparison at treePath.
func ComparisonID(treePath, datastoreType string) string {
	return treePath + "#" + datastoreType
}

// ResourceComparison is one diff tree node.
type ResourceComparison struct {
	Path           string                         `json:"path" yaml:"path"`
	Classification Classification                 `json:"classification" yaml:"classification"`
	Old            *Resource                      `json:"old,omitempty" yaml:"old,omitempty"`
	New            *Resource                      `json:"new,omitempty" yaml:"new,omitempty"`
	Children       map[string]*ResourceComparison `json:"children,omitempty" yaml:"children,omitempty"`
	Datastores     []*ComparisonData              `json:"datastores,omitempty" yaml:"datastores,omitempty"`
}

// Tree is the result of comparing two roots.
type Tree struct {
	Root *ResourceComparison `json:"root" yaml:"root"`
	// ConflictCount is the number of comparisons when the tree was built.
	ConflictCount int `json:"conflictCount" yaml:"conflict_count"`
}

// walk visits comparisons breadth first in path order.
func (t *Tree) walk(fn func(*ResourceComparison) bool) {
	if t == nil || t.Root == nil {
		return
	}
	queue := []*ResourceComparison{t.Root}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if !fn(cur) {
			return
		}
		for _, name := range sortedKeys(cur.Children) {
			queue = append(queue, cur.Children[name])
		}
	}
}

// Conflicts lists every ComparisonData, parents before children.
func (t *Tree) Conflicts() []*ComparisonData {
	var out []*ComparisonData
	t.walk(func(rc *ResourceComparison) bool {
		out = append(out, rc.Datastores...)
		return true
	})
	return out
}

// Unresolved counts comparisons not marked resolved.
func (t *Tree) Unresolved() int {
	n := 0
	for _, c := range t.Conflicts() {
		if !c.Resolved {
			n++
		}
	}
	return n
}

// Find returns the comparison at treePath.
func (t *Tree) Find(treePath string) (*ResourceComparison, bool) {
	if t == nil || t.Root == nil {
		return nil, false
	}
	cur := t.Root
	for _, seg := range modelfs.SplitPath(treePath) {
		next, ok := cur.Children[seg]
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

// Comparison returns the ComparisonData with the given id.
func (t *Tree) Comparison(id string) (*ComparisonData, bool) {
	var found *ComparisonData
	t.walk(func(rc *ResourceComparison) bool {
		for _, c := range rc.Datastores {
			if c.ID == id {
				found = c
				return false
			}
		}
		return true
	})
	return found, found != nil
}
