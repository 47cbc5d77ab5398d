package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusComplete   = "complete"
	StatusDegraded   = "degraded"
	StatusFailed     = "failed"
)

// FetchRecord tracks one reference through a batch run.
type FetchRecord struct {
	Reference    string    `json:"reference"`
	ProductID    string    `json:"product_id,omitempty"`
	URL          string    `json:"url,omitempty"`
	Title        string    `json:"title,omitempty"`
	Status       string    `json:"status"`
	Verdict      string    `json:"verdict,omitempty"`
	Signature    string    `json:"signature,omitempty"`
	Attempts     int       `json:"attempts,omitempty"`
	MarkdownPath string    `json:"markdown_path,omitempty"`
	Error        string    `json:"error,omitempty"`
	AddedAt      time.Time `json:"added_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ResultStore persists fetch records to a JSON file, keyed by reference.
// Every write rewrites the file atomically.
type ResultStore struct {
	mu       sync.RWMutex
	records  map[string]*FetchRecord
	filename string
}

func NewResultStore(filename string) (*ResultStore, error) {
	s := &ResultStore{
		records:  make(map[string]*FetchRecord),
		filename: filename,
	}

	if err := s.load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	return s, nil
}

// AddPending registers references that have no record yet and returns the
// ones that still need fetching, in input order. Completed references are
// skipped so an interrupted batch can resume.
func (s *ResultStore) AddPending(references []string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var todo []string
	for _, ref := range references {
		if ref == "" {
			continue
		}
		if r, ok := s.records[ref]; ok && r.Status == StatusComplete {
			continue
		}
		if _, ok := s.records[ref]; !ok {
			s.records[ref] = &FetchRecord{Reference: ref, Status: StatusPending, AddedAt: now, UpdatedAt: now}
		}
		todo = append(todo, ref)
	}

	return todo, s.save()
}

func (s *ResultStore) Get(reference string) (*FetchRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.records[reference]
	if !ok {
		return nil, false
	}
	cp := *r
	return &cp, true
}

// Update replaces the record for rec.Reference.
func (s *ResultStore) Update(rec *FetchRecord) error {
	if rec.Reference == "" {
		return fmt.Errorf("reference is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if old, ok := s.records[rec.Reference]; ok {
		rec.AddedAt = old.AddedAt
	} else {
		rec.AddedAt = now
	}
	rec.UpdatedAt = now
	cp := *rec
	s.records[rec.Reference] = &cp

	return s.save()
}

func (s *ResultStore) SetStatus(reference, status, errorMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[reference]
	if !ok {
		return fmt.Errorf("record not found: %s", reference)
	}
	r.Status = status
	r.Error = errorMsg
	r.UpdatedAt = time.Now()

	return s.save()
}

// Records returns copies of all records, oldest first.
func (s *ResultStore) Records() []*FetchRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*FetchRecord, 0, len(s.records))
	for _, r := range s.records {
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].AddedAt.Equal(out[j].AddedAt) {
			return out[i].AddedAt.Before(out[j].AddedAt)
		}
		return out[i].Reference < out[j].Reference
	})
	return out
}

func (s *ResultStore) Stats() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := make(map[string]int)
	for _, r := range s.records {
		stats[r.Status]++
	}
	stats["total"] = len(s.records)
	return stats
}

func (s *ResultStore) save() error {
	data, err := json.MarshalIndent(s.records, "", "  ")
	if err != nil {
		return err
	}

	if dir := filepath.Dir(s.filename); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create results directory: %w", err)
		}
	}

	tmp := s.filename + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.filename)
}

func (s *ResultStore) load() error {
	data, err := os.ReadFile(s.filename)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, &s.records); err != nil {
		return fmt.Errorf("failed to parse %s: %w", s.filename, err)
	}
	return nil
}
