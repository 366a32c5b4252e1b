// Package knowledge persists the trust knowledge base: for each environment,
// the process names an operator or the monitor has confirmed, with the
// explanation shown on later prompts.
package knowledge

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ppiankov/procwarden/internal/model"
)

// Uncatalogued is the explanation shown for names with no entry.
const Uncatalogued = "uncatalogued process: no entry in the local knowledge base"

// ManualPermitDetail is recorded when an operator permits a process.
const ManualPermitDetail = "manual permit"

// Store owns the knowledge base file. All mutation goes through it, under
// one mutex, so concurrent decisions never interleave writes.
type Store struct {
	path     string
	env      string
	log      logrus.FieldLogger
	now      func() time.Time
	mu       sync.Mutex
	kb       *KnowledgeBase
	lastHash [32]byte
}

// Entry is a flattened view of one trust record.
type Entry struct {
	Environment string `json:"environment"`
	Name        string `json:"name"`
	TrustEntry
}

// NewStore creates a store for path scoped to env. Call Load before use.
func NewStore(path, env string, log logrus.FieldLogger) *Store {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Store{
		path: path,
		env:  env,
		log:  log.WithField("component", "knowledge"),
		now:  time.Now,
		kb:   NewKnowledgeBase(),
	}
}

// DefaultPath returns the default knowledge base location.
func DefaultPath() string {
	if os.Geteuid() == 0 {
		return "/var/lib/procwarden/knowledge.json"
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "procwarden-knowledge.json")
	}
	return filepath.Join(home, ".procwarden", "knowledge.json")
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

// Environment returns the environment the store is scoped to.
func (s *Store) Environment() string { return s.env }

// Load reads the file into memory. A missing, unreadable or invalid file
// yields a fresh empty base with a warning; Load never fails.
func (s *Store) Load() *KnowledgeBase {
	s.mu.Lock()
	defer s.mu.Unlock()

	kb, data, err := s.readFile()
	switch {
	case err == nil:
		s.kb = kb
		s.lastHash = sha256.Sum256(data)
	case errors.Is(err, os.ErrNotExist):
		s.log.WithField("path", s.path).Info("no knowledge base yet, starting empty")
		s.kb = NewKnowledgeBase()
	default:
		s.log.WithError(err).WithField("path", s.path).Warn("knowledge base unusable, starting empty")
		s.kb = NewKnowledgeBase()
	}
	return s.snapshot()
}

// readFile decodes the backing file. It returns the raw bytes so callers can
// track the content hash.
func (s *Store) readFile() (*KnowledgeBase, []byte, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, nil, err
	}
	kb, migrated, err := Decode(data)
	if err != nil {
		return nil, nil, err
	}
	if migrated {
		s.log.WithField("path", s.path).Info("migrated legacy knowledge base layout")
	}
	return kb, data, nil
}

// Save persists the in-memory base atomically.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

func (s *Store) saveLocked() error {
	data, err := Encode(s.kb)
	if err != nil {
		return fmt.Errorf("knowledge: encode: %w", err)
	}
	if err := writeAtomic(s.path, data); err != nil {
		return fmt.Errorf("knowledge: save %s: %w", s.path, err)
	}
	s.lastHash = sha256.Sum256(data)
	return nil
}

// Lookup returns the entry for name in the current environment.
func (s *Store) Lookup(name string) (TrustEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.kb.Environments[s.env][name]
	return e, ok
}

// Explain returns the stored explanation for name, or Uncatalogued.
func (s *Store) Explain(name string) string {
	if e, ok := s.Lookup(name); ok {
		return e.Explanation
	}
	return Uncatalogued
}

// Record inserts or overwrites the entry for name and saves. On a save
// failure the entry stays in memory and is persisted by the next Save.
func (s *Store) Record(name, detail string) error {
	if !validName(name) {
		return fmt.Errorf("knowledge: invalid process name %q", name)
	}
	if detail == "" {
		detail = ManualPermitDetail
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	procs := s.kb.Environments[s.env]
	if procs == nil {
		procs = make(map[string]TrustEntry)
		s.kb.Environments[s.env] = procs
	}
	procs[name] = TrustEntry{
		Explanation: detail,
		VerifiedAt:  model.FormatTime(s.now()),
	}
	return s.saveLocked()
}

// Entries lists every entry, sorted by environment then name.
func (s *Store) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Entry
	for env, procs := range s.kb.Environments {
		for name, e := range procs {
			out = append(out, Entry{Environment: env, Name: name, TrustEntry: e})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Environment != out[j].Environment {
			return out[i].Environment < out[j].Environment
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// snapshot returns a deep copy of the in-memory base. Caller holds mu.
func (s *Store) snapshot() *KnowledgeBase {
	cp := NewKnowledgeBase()
	cp.Version = s.kb.Version
	for env, procs := range s.kb.Environments {
		m := make(map[string]TrustEntry, len(procs))
		for k, v := range procs {
			m[k] = v
		}
		cp.Environments[env] = m
	}
	return cp
}

// Merge reloads the file and folds newer external entries into memory. It is
// a no-op when the file content matches the last write or load. Entries
// present only in memory are kept.
func (s *Store) Merge() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		return 0, fmt.Errorf("knowledge: reload: %w", err)
	}
	h := sha256.Sum256(data)
	if h == s.lastHash {
		return 0, nil
	}
	incoming, _, err := Decode(data)
	if err != nil {
		return 0, fmt.Errorf("knowledge: reload: %w", err)
	}

	changed := s.foldLocked(incoming)
	s.lastHash = h
	return changed, nil
}

// Import folds every environment of kb into the store, with the same
// newer-wins rule as Merge, and saves.
func (s *Store) Import(kb *KnowledgeBase) (int, error) {
	if err := kb.Validate(); err != nil {
		return 0, fmt.Errorf("knowledge: import: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := s.foldLocked(kb)
	if changed == 0 {
		return 0, nil
	}
	return changed, s.saveLocked()
}

func (s *Store) foldLocked(incoming *KnowledgeBase) int {
	changed := 0
	for env, procs := range incoming.Environments {
		cur := s.kb.Environments[env]
		if cur == nil {
			cur = make(map[string]TrustEntry, len(procs))
			s.kb.Environments[env] = cur
		}
		for name, e := range procs {
			old, ok := cur[name]
			// Timestamps share one fixed-width UTC layout, so string order is time order.
			if !ok || (old != e && e.VerifiedAt >= old.VerifiedAt) {
				cur[name] = e
				changed++
			}
		}
	}
	return changed
}

// writeAtomic writes data to a temp file in the target directory, syncs it
// and renames it over path, so readers see either the old or the new file.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return err
	}

	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		d.Close()
	}
	return nil
}
