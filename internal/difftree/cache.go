package difftree

import (
	"context"
	"sync"

	"modelsync/internal/modelfs"
)

// ContentKey addresses one datastore on one side.
type ContentKey struct {
	Side          Side
	TreePath      string
	DatastoreType string
}

// ContentCache holds fetched datastore content for the lifetime of one
// resolution session. The zero value is not usable, use NewContentCache.
type ContentCache struct {
	mu      sync.Mutex
	entries map[ContentKey][]byte
}

func NewContentCache() *ContentCache {
	return &ContentCache{entries: map[ContentKey][]byte{}}
}

// Fetch returns the cached content or reads it from fs and caches it.
func (c *ContentCache) Fetch(ctx context.Context, fs modelfs.Filesystem, key ContentKey) ([]byte, error) {
	c.mu.Lock()
	content, ok := c.entries[key]
	c.mu.Unlock()
	if ok {
		return content, nil
	}

	content, err := fs.ReadDatastore(ctx, key.TreePath, key.DatastoreType)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[key] = content
	c.mu.Unlock()
	return content, nil
}

// Get returns cached content without fetching.
func (c *ContentCache) Get(key ContentKey) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	content, ok := c.entries[key]
	return content, ok
}

// Put overwrites the cached content for key.
func (c *ContentCache) Put(key ContentKey, content []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = content
}

func (c *ContentCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
