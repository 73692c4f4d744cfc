// File: internal/selmem/store.go
package selmem

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	homedir "github.com/mitchellh/go-homedir"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Record is one memorized selector that worked at least once for a given
// element key.
type Record struct {
	Selector     string    `json:"selector"`
	DiscoveredAt time.Time `json:"discovered_at"`
	SuccessCount int       `json:"success_count"`
	LastSuccess  time.Time `json:"last_success"`
}

// Store is a JSON-file backed selector memory. Writes go through an
// atomic rename so a crash never leaves a truncated file behind.
type Store struct {
	logger *zap.Logger
	path   string

	mu      sync.Mutex
	records map[string]Record
	now     func() time.Time
}

// NewStore opens (or lazily creates) the store at path. A leading "~" is
// expanded to the user's home directory. A missing or corrupt file yields
// an empty store; corruption is logged, not fatal.
func NewStore(path string, logger *zap.Logger) (*Store, error) {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return nil, fmt.Errorf("expanding selector store path: %w", err)
	}

	s := &Store{
		logger:  logger.Named("SelectorStore"),
		path:    expanded,
		records: make(map[string]Record),
		now:     time.Now,
	}

	data, err := os.ReadFile(expanded)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading selector store: %w", err)
		}
		return s, nil
	}

	if err := json.Unmarshal(data, &s.records); err != nil {
		s.logger.Warn("Selector store is corrupt, starting empty.",
			zap.String("path", expanded), zap.Error(err))
		s.records = make(map[string]Record)
	}
	return s, nil
}

// Get returns the memorized record for key, if any.
func (s *Store) Get(key string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	return rec, ok
}

// Put stores a newly discovered selector for key. Callers must only do
// this after the selector was confirmed against a live page.
func (s *Store) Put(key, selector string) error {
	s.mu.Lock()
	now := s.now()
	s.records[key] = Record{
		Selector:     selector,
		DiscoveredAt: now,
		SuccessCount: 1,
		LastSuccess:  now,
	}
	err := s.saveLocked()
	s.mu.Unlock()
	return err
}

// RecordSuccess bumps the success counter for key. Unknown keys are a
// no-op so tier-1 hits on never-memorized elements stay cheap.
func (s *Store) RecordSuccess(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		return nil
	}
	rec.SuccessCount++
	rec.LastSuccess = s.now()
	s.records[key] = rec
	return s.saveLocked()
}

// Prune drops records whose last success is older than maxAge and
// reports how many were removed.
func (s *Store) Prune(maxAge time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-maxAge)
	removed := 0
	for key, rec := range s.records {
		if rec.LastSuccess.Before(cutoff) {
			delete(s.records, key)
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	if err := s.saveLocked(); err != nil {
		return removed, err
	}
	s.logger.Info("Pruned stale selector records.",
		zap.Int("removed", removed), zap.Duration("max_age", maxAge))
	return removed, nil
}

// Len returns the number of memorized records.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// saveLocked writes the store via a temp file and atomic rename.
// Callers must hold s.mu.
func (s *Store) saveLocked() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("creating selector store directory: %w", err)
	}

	data, err := json.MarshalIndent(s.records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling selector store: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".selectors-*.json")
	if err != nil {
		return fmt.Errorf("creating temp selector store: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing temp selector store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp selector store: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing selector store: %w", err)
	}
	return nil
}

// SetClock overrides the store clock. Tests only.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}
