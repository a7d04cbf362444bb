package difftree

import (
	"context"
	"fmt"
	"sort"
	"time"

	"modelsync/internal/logging"
	"modelsync/internal/modelfs"
)

// Builder compares two roots. Content is read through the cache so that a
// later resolution session reuses what the comparison already fetched.
type Builder struct {
	cache  *ContentCache
	logger *logging.AppLogger
}

// NewBuilder returns a builder reading through cache. A nil cache gets a
// private one.
func NewBuilder(cache *ContentCache, logger *logging.AppLogger) *Builder {
	if cache == nil {
		cache = NewContentCache()
	}
	return &Builder{cache: cache, logger: logger}
}

// Cache returns the content cache the builder reads through.
func (b *Builder) Cache() *ContentCache { return b.cache }

type pending struct {
	comparison *ResourceComparison
	old, new   *modelfs.Node
}

// Build walks old and new in lock step, breadth first, and returns the diff
// tree. Neither filesystem is modified.
func (b *Builder) Build(ctx context.Context, oldFS, newFS modelfs.Filesystem) (*Tree, error) {
	start := time.Now()

	oldRoot, err := oldFS.Root(ctx)
	if err != nil {
		return nil, fmt.Errorf("read old root: %w", err)
	}
	newRoot, err := newFS.Root(ctx)
	if err != nil {
		return nil, fmt.Errorf("read new root: %w", err)
	}

	tree := &Tree{Root: newComparison("", oldRoot, newRoot)}
	queue := []pending{{tree.Root, oldRoot, newRoot}}

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cur := queue[0]
		queue = queue[1:]

		conflicts, err := b.compareDatastores(ctx, cur, oldFS, newFS)
		if err != nil {
			return nil, err
		}
		cur.comparison.Datastores = conflicts
		tree.ConflictCount += len(conflicts)

		for _, name := range childUnion(cur.old, cur.new) {
			oldChild, newChild := child(cur.old, name), child(cur.new, name)
			childPath := modelfs.JoinPath(cur.comparison.Path, name)
			rc := newComparison(childPath, oldChild, newChild)
			cur.comparison.Children[name] = rc
			queue = append(queue, pending{rc, oldChild, newChild})
		}
	}

	b.logger.LogPerformance("difftree.build", start)
	b.logger.Debug("Built diff tree", "conflicts", tree.ConflictCount)
	return tree, nil
}

func (b *Builder) compareDatastores(ctx context.Context, p pending, oldFS, newFS modelfs.Filesystem) ([]*ComparisonData, error) {
	treePath := p.comparison.Path
	var out []*ComparisonData

	for _, typ := range datastoreUnion(p.old, p.new) {
		oldDS, inOld := datastore(p.old, typ)
		newDS, inNew := datastore(p.new, typ)

		cd := &ComparisonData{
			ID:            ComparisonID(treePath, typ),
			TreePath:      treePath,
			DatastoreType: typ,
		}
		switch {
		case inOld && !inNew:
			cd.Format, cd.Change = oldDS.Format, ChangeRemoved
		case !inOld && inNew:
			cd.Format, cd.Change = newDS.Format, ChangeAdded
		default:
			cd.Format, cd.Change = newDS.Format, ChangeModified
			if oldDS.Format != newDS.Format {
				// Same type stored in different formats only compares raw.
				cd.Format = modelfs.FormatOther
			}
			oldContent, err := b.cache.Fetch(ctx, oldFS, ContentKey{SideOld, treePath, typ})
			if err != nil {
				return nil, fmt.Errorf("fetch old %s: %w", cd.ID, err)
			}
			newContent, err := b.cache.Fetch(ctx, newFS, ContentKey{SideNew, treePath, typ})
			if err != nil {
				return nil, fmt.Errorf("fetch new %s: %w", cd.ID, err)
			}
			if Equal(cd.Format, oldContent, newContent) {
				continue
			}
			cd.Format = newDS.Format
		}
		out = append(out, cd)
	}
	return out, nil
}

func newComparison(treePath string, old, new *modelfs.Node) *ResourceComparison {
	rc := &ResourceComparison{
		Path:     treePath,
		Old:      resourceOf(old),
		New:      resourceOf(new),
		Children: map[string]*ResourceComparison{},
	}
	switch {
	case old != nil && new != nil:
		rc.Classification = ExistsInBoth
	case old != nil:
		rc.Classification = ExistsInOld
	default:
		rc.Classification = ExistsInNew
	}
	return rc
}

func child(n *modelfs.Node, name string) *modelfs.Node {
	if n == nil {
		return nil
	}
	return n.Children[name]
}

func datastore(n *modelfs.Node, typ string) (modelfs.Datastore, bool) {
	if n == nil {
		return modelfs.Datastore{}, false
	}
	ds, ok := n.Datastores[typ]
	return ds, ok
}

func childUnion(a, b *modelfs.Node) []string {
	set := map[string]struct{}{}
	for _, n := range []*modelfs.Node{a, b} {
		if n == nil {
			continue
		}
		for name := range n.Children {
			set[name] = struct{}{}
		}
	}
	return sortedKeys(set)
}

func datastoreUnion(a, b *modelfs.Node) []string {
	set := map[string]struct{}{}
	for _, n := range []*modelfs.Node{a, b} {
		if n == nil {
			continue
		}
		for typ := range n.Datastores {
			set[typ] = struct{}{}
		}
	}
	return sortedKeys(set)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
