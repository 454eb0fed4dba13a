package payments

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Record is one order tracked across provider polls.
type Record struct {
	ID        string    `json:"id"`
	ChatID    int64     `json:"chat_id"`
	Username  string    `json:"username"`
	Days      int       `json:"days"`
	Amount    string    `json:"amount"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists payment records in a single JSON file, rewritten on
// every change.
type Store struct {
	path    string
	logger  *slog.Logger
	mu      sync.Mutex
	records map[string]Record
}

func Open(path string, logger *slog.Logger) *Store {
	s := &Store{path: path, logger: logger, records: make(map[string]Record)}

	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("payments: failed to read store, starting empty", "path", path, "err", err)
		}
		return s
	}
	if err := json.Unmarshal(raw, &s.records); err != nil {
		logger.Warn("payments: corrupt store, starting empty", "path", path, "err", err)
		s.records = make(map[string]Record)
	}
	return s
}

func (s *Store) save() error {
	raw, err := json.MarshalIndent(s.records, "", "  ")
	if err != nil {
		return fmt.Errorf("payments: encoding store: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("payments: creating store dir: %w", err)
	}
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("payments: writing store: %w", err)
	}
	return os.Rename(tmp, s.path)
}

func (s *Store) Put(rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ID] = rec
	return s.save()
}

func (s *Store) SetStatus(id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return fmt.Errorf("payments: unknown payment %q", id)
	}
	rec.Status = status
	s.records[id] = rec
	return s.save()
}

// Pending returns all records still awaiting a terminal status.
func (s *Store) Pending() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Record
	for _, rec := range s.records {
		if rec.Status == StatusPending {
			out = append(out, rec)
		}
	}
	return out
}

func (s *Store) Get(id string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	return rec, ok
}
