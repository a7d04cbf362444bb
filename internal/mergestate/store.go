package mergestate

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"modelsync/internal/difftree"
	"modelsync/internal/logging"
	"modelsync/pkg/fileops"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

const (
	storeDir  = "mergestates"
	indexFile = "index.yaml"
)

// index maps root identities to merge state ids.
type index struct {
	Pairs map[string]string   `yaml:"pairs"`
	Roots map[string][]string `yaml:"roots"`
}

// Store keeps each merge state in <id>.yaml, its diff tree in
// <id>.diff.yaml, and the lookup index in index.yaml.
type Store struct {
	dir    string
	mu     sync.Mutex
	logger *logging.AppLogger
}

// NewStore returns a store under dataDir/mergestates.
func NewStore(dataDir string, logger *logging.AppLogger) *Store {
	return &Store{dir: filepath.Join(dataDir, storeDir), logger: logger}
}

func (s *Store) statePath(id string) string { return filepath.Join(s.dir, id+".yaml") }
func (s *Store) diffPath(id string) string  { return filepath.Join(s.dir, id+".diff.yaml") }

func validID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *Store) loadIndex() (*index, error) {
	idx := &index{Pairs: map[string]string{}, Roots: map[string][]string{}}
	content, err := os.ReadFile(filepath.Join(s.dir, indexFile))
	if err != nil {
		if os.IsNotExist(err) {
			return idx, nil
		}
		return nil, fmt.Errorf("failed to read merge state index: %w", err)
	}
	if err := yaml.Unmarshal(content, idx); err != nil {
		return nil, fmt.Errorf("failed to parse merge state index: %w", err)
	}
	if idx.Pairs == nil {
		idx.Pairs = map[string]string{}
	}
	if idx.Roots == nil {
		idx.Roots = map[string][]string{}
	}
	return idx, nil
}

func (s *Store) saveIndex(idx *index) error {
	for key, ids := range idx.Roots {
		if len(ids) == 0 {
			delete(idx.Roots, key)
			continue
		}
		sort.Strings(ids)
	}
	return s.writeYAML(filepath.Join(s.dir, indexFile), idx)
}

func (s *Store) writeYAML(path string, v any) error {
	content, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", filepath.Base(path), err)
	}
	if err := fileops.EnsureDirectoryExists(s.dir); err != nil {
		return err
	}
	return fileops.AtomicWriteFile(path, content)
}

func addUnique(ids []string, id string) []string {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}

func without(ids []string, id string) []string {
	out := ids[:0]
	for _, existing := range ids {
		if existing != id {
			out = append(out, existing)
		}
	}
	return out
}

// Save writes the state and indexes it. The diff file is written only when
// the state carries its diff tree.
func (s *Store) Save(state *MergeState) error {
	if err := validID(state.ID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if state.DiffTree != nil {
		if err := s.writeYAML(s.diffPath(state.ID), state.DiffTree); err != nil {
			return err
		}
	}
	if err := s.writeYAML(s.statePath(state.ID), state); err != nil {
		return err
	}

	idx, err := s.loadIndex()
	if err != nil {
		return err
	}
	idx.Pairs[pairKey(state.MergeFrom, state.MergeTo)] = state.ID
	for _, key := range []string{state.MergeFrom.Key(), state.MergeTo.Key()} {
		idx.Roots[key] = addUnique(idx.Roots[key], state.ID)
	}
	return s.saveIndex(idx)
}

// Load reads a state, with its diff tree when includeDiff is set.
func (s *Store) Load(id string, includeDiff bool) (*MergeState, error) {
	if err := validID(id); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(id, includeDiff)
}

func (s *Store) load(id string, includeDiff bool) (*MergeState, error) {
	content, err := os.ReadFile(s.statePath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read merge state %s: %w", id, err)
	}
	state := &MergeState{}
	if err := yaml.Unmarshal(content, state); err != nil {
		return nil, fmt.Errorf("failed to parse merge state %s: %w", id, err)
	}
	if state.Edits == nil {
		state.Edits = map[string]Edit{}
	}
	if !includeDiff {
		return state, nil
	}

	content, err = os.ReadFile(s.diffPath(id))
	if err != nil {
		return nil, fmt.Errorf("failed to read diff tree of %s: %w", id, err)
	}
	tree := &difftree.Tree{}
	if err := yaml.Unmarshal(content, tree); err != nil {
		return nil, fmt.Errorf("failed to parse diff tree of %s: %w", id, err)
	}
	state.DiffTree = tree
	return state, nil
}

// FindPair returns the id of the state for the (from, to) pair.
func (s *Store) FindPair(from, to RootRef) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, err := s.loadIndex()
	if err != nil {
		return "", false, err
	}
	id, ok := idx.Pairs[pairKey(from, to)]
	return id, ok, nil
}

// ListByRoot returns the states where root is either side.
func (s *Store) ListByRoot(root RootRef) ([]*MergeState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, err := s.loadIndex()
	if err != nil {
		return nil, err
	}
	var out []*MergeState
	for _, id := range idx.Roots[root.Key()] {
		state, err := s.load(id, false)
		if err != nil {
			s.logger.Warn("Skipping unreadable merge state", "id", id, "error", err)
			continue
		}
		out = append(out, state)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Delete removes the state files and index entries.
func (s *Store) Delete(id string) error {
	if err := validID(id); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(s.statePath(id)); os.IsNotExist(err) {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	for _, p := range []string{s.diffPath(id), s.statePath(id)} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove %s: %w", filepath.Base(p), err)
		}
	}

	idx, err := s.loadIndex()
	if err != nil {
		return err
	}
	for key, stateID := range idx.Pairs {
		if stateID == id {
			delete(idx.Pairs, key)
		}
	}
	for key, ids := range idx.Roots {
		idx.Roots[key] = without(ids, id)
	}
	return s.saveIndex(idx)
}
