// Package connlog keeps an append-only per-user log of observed source
// IPs for display and audit. It is not part of the enforcement path.
package connlog

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// MaxEntries is the per-user cap; the oldest entries past it are evicted
// on each prune pass.
const MaxEntries = 100

// Entry is one observed source IP with its last-seen time.
type Entry struct {
	IP       string
	LastSeen time.Time
}

// Log stores one JSON file per username under dir, mapping source IP to
// the RFC3339 timestamp it was last seen at.
type Log struct {
	dir    string
	logger *slog.Logger
	mu     sync.Mutex
}

func New(dir string, logger *slog.Logger) *Log {
	return &Log{dir: dir, logger: logger}
}

func (l *Log) path(username string) string {
	return filepath.Join(l.dir, username+"_ip.json")
}

func (l *Log) read(username string) map[string]string {
	data, err := os.ReadFile(l.path(username))
	if err != nil {
		return map[string]string{}
	}
	entries := map[string]string{}
	if err := json.Unmarshal(data, &entries); err != nil {
		l.logger.Warn("connlog: corrupt log, resetting", "username", username, "err", err)
		return map[string]string{}
	}
	return entries
}

func (l *Log) write(username string, entries map[string]string) error {
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("connlog: marshal %s: %w", username, err)
	}
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return fmt.Errorf("connlog: create directory: %w", err)
	}
	if err := os.WriteFile(l.path(username), data, 0o600); err != nil {
		return fmt.Errorf("connlog: write %s: %w", username, err)
	}
	return nil
}

// Record notes that username was seen from endpoint ("ip:port" or a bare
// IP) at the given time. An unparsable endpoint is ignored.
func (l *Log) Record(username, endpoint string, now time.Time) error {
	ip := endpoint
	if host, _, err := net.SplitHostPort(endpoint); err == nil {
		ip = host
	}
	ip = strings.TrimSpace(ip)
	if ip == "" {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entries := l.read(username)
	entries[ip] = now.UTC().Format(time.RFC3339)
	return l.write(username, entries)
}

// Load returns the log for username, newest first.
func (l *Log) Load(username string) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return sortEntries(l.read(username))
}

// Prune caps the username's log at the MaxEntries most recently seen IPs.
func (l *Log) Prune(username string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries := l.read(username)
	if len(entries) <= MaxEntries {
		return nil
	}
	sorted := sortEntries(entries)
	kept := make(map[string]string, MaxEntries)
	for _, e := range sorted[:MaxEntries] {
		kept[e.IP] = e.LastSeen.UTC().Format(time.RFC3339)
	}
	return l.write(username, kept)
}

// PruneAll runs Prune for every username with a log file.
func (l *Log) PruneAll() {
	files, err := os.ReadDir(l.dir)
	if err != nil {
		return
	}
	for _, f := range files {
		name := f.Name()
		if f.IsDir() || !strings.HasSuffix(name, "_ip.json") {
			continue
		}
		username := strings.TrimSuffix(name, "_ip.json")
		if err := l.Prune(username); err != nil {
			l.logger.Warn("connlog: prune failed", "username", username, "err", err)
		}
	}
}

// Remove deletes the username's log file.
func (l *Log) Remove(username string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	err := os.Remove(l.path(username))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("connlog: remove %s: %w", username, err)
	}
	return nil
}

func sortEntries(entries map[string]string) []Entry {
	out := make([]Entry, 0, len(entries))
	for ip, ts := range entries {
		t, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			continue
		}
		out = append(out, Entry{IP: ip, LastSeen: t})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastSeen.After(out[j].LastSeen) })
	return out
}
