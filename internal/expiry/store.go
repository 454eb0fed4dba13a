// Package expiry is the durable username -> (expiration time, traffic
// limit) store that drives scheduled deactivation.
package expiry

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Unlimited is the traffic-limit sentinel for users without a quota.
const Unlimited = "unlimited"

// Record holds one user's provisioning terms. A nil ExpirationTime means
// the configuration never expires.
type Record struct {
	Username       string
	ExpirationTime *time.Time
	TrafficLimit   string
}

type diskRecord struct {
	ExpirationTime string `json:"expiration_time,omitempty"`
	TrafficLimit   string `json:"traffic_limit"`
}

// Store is a file-backed keyed collection. Every mutation rewrites the
// whole file; fleet sizes are hundreds of users, not millions, so this
// stays cheap and keeps crash states trivially recoverable.
type Store struct {
	path   string
	logger *slog.Logger

	mu      sync.Mutex
	records map[string]diskRecord
}

// Open loads the store from path. A missing or corrupt file is treated as
// an empty store: the prior state is not recoverable here and startup must
// not fail over it.
func Open(path string, logger *slog.Logger) *Store {
	s := &Store{path: path, logger: logger, records: make(map[string]diskRecord)}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("expiry: unreadable store, starting empty", "path", path, "err", err)
		}
		return s
	}
	if err := json.Unmarshal(data, &s.records); err != nil {
		logger.Warn("expiry: corrupt store, starting empty", "path", path, "err", err)
		s.records = make(map[string]diskRecord)
	}
	return s
}

func (s *Store) save() error {
	data, err := json.Marshal(s.records)
	if err != nil {
		return fmt.Errorf("expiry: marshal store: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("expiry: create store directory: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("expiry: write store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("expiry: replace store: %w", err)
	}
	return nil
}

// Set creates or replaces the record for username. A nil expiration means
// the user never expires; limit is a human-readable size or Unlimited.
func (s *Store) Set(username string, expiration *time.Time, limit string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := diskRecord{TrafficLimit: limit}
	if rec.TrafficLimit == "" {
		rec.TrafficLimit = Unlimited
	}
	if expiration != nil {
		rec.ExpirationTime = expiration.UTC().Format(time.RFC3339)
	}
	s.records[username] = rec
	return s.save()
}

// Get returns the record for username. ok=false means no record exists,
// which callers must read as "unlimited, never expires".
func (s *Store) Get(username string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, ok := s.records[username]
	if !ok {
		return Record{}, false
	}
	return s.decode(username, raw), true
}

// Remove deletes the record for username. Removing an absent record is a
// no-op, which keeps deactivation idempotent.
func (s *Store) Remove(username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[username]; !ok {
		return nil
	}
	delete(s.records, username)
	return s.save()
}

// List returns all records sorted by username.
func (s *Store) List() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Record, 0, len(s.records))
	for username, raw := range s.records {
		out = append(out, s.decode(username, raw))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}

func (s *Store) decode(username string, raw diskRecord) Record {
	rec := Record{Username: username, TrafficLimit: raw.TrafficLimit}
	if rec.TrafficLimit == "" {
		rec.TrafficLimit = Unlimited
	}
	if raw.ExpirationTime != "" {
		t, err := time.Parse(time.RFC3339, raw.ExpirationTime)
		if err != nil {
			// A record with a mangled timestamp degrades to "never
			// expires" instead of poisoning every listing.
			s.logger.Warn("expiry: bad expiration timestamp", "username", username, "value", raw.ExpirationTime)
		} else {
			t = t.UTC()
			rec.ExpirationTime = &t
		}
	}
	return rec
}
