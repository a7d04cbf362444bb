// Package packages persists package records and their repository links, and
// provides the exporter and importer that move a package tree in and out of
// a repository working directory.
package packages

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"modelsync/internal/logging"
	"modelsync/internal/provider"
	"modelsync/pkg/fileops"

	"gopkg.in/yaml.v3"
)

const storeFile = "packages.yaml"

// ErrNotFound is returned for unknown package IRIs.
var ErrNotFound = errors.New("package not found")

// ErrNotLinked is returned when a package has no repository link.
var ErrNotLinked = errors.New("package is not linked to a repository")

// RepositoryLink is the repository a package is published to.
type RepositoryLink struct {
	RepositoryURL  string        `yaml:"repository_url" json:"repositoryUrl"`
	Provider       provider.Kind `yaml:"provider" json:"provider"`
	Branch         string        `yaml:"branch" json:"branch"`
	LastCommitHash string        `yaml:"last_commit_hash,omitempty" json:"lastCommitHash,omitempty"`
	ExportFormat   ExportFormat  `yaml:"export_format,omitempty" json:"exportFormat,omitempty"`
	LinkedAt       time.Time     `yaml:"linked_at" json:"linkedAt"`
}

// Record is one package known to the system.
type Record struct {
	IRI   string `yaml:"iri" json:"iri"`
	Label string `yaml:"label,omitempty" json:"label,omitempty"`
	// ContentDir holds the package tree on local disk.
	ContentDir string          `yaml:"content_dir" json:"contentDir"`
	Link       *RepositoryLink `yaml:"link,omitempty" json:"link,omitempty"`
}

type storeDocument struct {
	Packages []Record `yaml:"packages"`
}

// Store keeps records in a single YAML file.
type Store struct {
	path   string
	mu     sync.Mutex
	logger *logging.AppLogger
}

// NewStore returns a store persisting to dataDir/packages.yaml.
func NewStore(dataDir string, logger *logging.AppLogger) *Store {
	return &Store{path: filepath.Join(dataDir, storeFile), logger: logger}
}

func (s *Store) load() (map[string]Record, error) {
	content, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]Record{}, nil
		}
		return nil, fmt.Errorf("failed to read package store: %w", err)
	}

	var doc storeDocument
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse package store: %w", err)
	}
	out := make(map[string]Record, len(doc.Packages))
	for _, r := range doc.Packages {
		out[r.IRI] = r
	}
	return out, nil
}

func (s *Store) save(records map[string]Record) error {
	doc := storeDocument{Packages: sortedRecords(records)}
	content, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode package store: %w", err)
	}
	if err := fileops.EnsureDirectoryExists(filepath.Dir(s.path)); err != nil {
		return err
	}
	return fileops.AtomicWriteFile(s.path, content)
}

func sortedRecords(records map[string]Record) []Record {
	out := make([]Record, 0, len(records))
	for _, r := range records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IRI < out[j].IRI })
	return out
}

// update runs fn on the record for iri under the store lock and saves it.
func (s *Store) update(iri string, fn func(*Record) error) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load()
	if err != nil {
		return Record{}, err
	}
	rec, ok := records[iri]
	if !ok {
		return Record{}, fmt.Errorf("%s: %w", iri, ErrNotFound)
	}
	if err := fn(&rec); err != nil {
		return Record{}, err
	}
	records[iri] = rec
	if err := s.save(records); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Put creates or replaces a record.
func (s *Store) Put(rec Record) error {
	if strings.TrimSpace(rec.IRI) == "" {
		return fmt.Errorf("package iri must not be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load()
	if err != nil {
		return err
	}
	records[rec.IRI] = rec
	return s.save(records)
}

func (s *Store) Get(iri string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load()
	if err != nil {
		return Record{}, err
	}
	rec, ok := records[iri]
	if !ok {
		return Record{}, fmt.Errorf("%s: %w", iri, ErrNotFound)
	}
	return rec, nil
}

// List returns all records ordered by IRI.
func (s *Store) List() ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load()
	if err != nil {
		return nil, err
	}
	return sortedRecords(records), nil
}

func (s *Store) Remove(iri string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := records[iri]; !ok {
		return fmt.Errorf("%s: %w", iri, ErrNotFound)
	}
	delete(records, iri)
	return s.save(records)
}

// SetLink attaches link to the package, replacing any previous link.
func (s *Store) SetLink(iri string, link RepositoryLink) (Record, error) {
	if link.LinkedAt.IsZero() {
		link.LinkedAt = time.Now().UTC()
	}
	return s.update(iri, func(r *Record) error {
		r.Link = &link
		return nil
	})
}

// ClearLink detaches the package from its repository.
func (s *Store) ClearLink(iri string) (Record, error) {
	return s.update(iri, func(r *Record) error {
		r.Link = nil
		return nil
	})
}

// UpdateCommitHash records the last synchronized commit of a linked package.
func (s *Store) UpdateCommitHash(iri, hash string) error {
	_, err := s.update(iri, func(r *Record) error {
		if r.Link == nil {
			return fmt.Errorf("%s: %w", iri, ErrNotLinked)
		}
		r.Link.LastCommitHash = hash
		return nil
	})
	if err == nil && s.logger != nil {
		s.logger.Debug("Updated package commit hash", "package", iri, "hash", hash)
	}
	return err
}

// FindByRepository returns the packages linked to the repository at
// rawURL. Clone, web and ssh URL forms of one repository match. URLs that
// do not parse as a provider URL, like local paths, match only themselves.
func (s *Store) FindByRepository(kind provider.Kind, rawURL string) ([]Record, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return nil, nil
	}
	want, canonical := provider.CanonicalURL(kind, rawURL)
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	var out []Record
	for _, r := range all {
		if r.Link == nil || r.Link.Provider != kind {
			continue
		}
		got, ok := provider.CanonicalURL(kind, r.Link.RepositoryURL)
		switch {
		case canonical && ok && strings.EqualFold(got, want):
			out = append(out, r)
		case !canonical && !ok && r.Link.RepositoryURL == rawURL:
			out = append(out, r)
		}
	}
	return out, nil
}
