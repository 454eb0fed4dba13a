package traffic

import (
	"database/sql"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite"
)

// Record is the persisted cumulative traffic record for one username.
type Record struct {
	TotalIncoming int64
	TotalOutgoing int64
	LastIncoming  int64
	LastOutgoing  int64
}

// Total returns combined cumulative traffic in bytes.
func (r Record) Total() int64 {
	return r.TotalIncoming + r.TotalOutgoing
}

// Store is the SQLite-backed traffic ledger. Records are never deleted
// automatically: a user deactivated and later re-added under the same
// username keeps their history.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (or creates) the ledger database at path and initialises the
// schema.
func Open(path string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("traffic: open %q: %w", path, err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("traffic: %s: %w", pragma, err)
		}
	}

	s := &Store{db: db, logger: logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	const ddl = `
CREATE TABLE IF NOT EXISTS user_traffic (
  username TEXT PRIMARY KEY,
  total_incoming INTEGER NOT NULL DEFAULT 0,
  total_outgoing INTEGER NOT NULL DEFAULT 0,
  last_incoming INTEGER NOT NULL DEFAULT 0,
  last_outgoing INTEGER NOT NULL DEFAULT 0
);`
	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("traffic: init schema: %w", err)
	}
	return nil
}

// Flush folds one raw counter observation into the username's cumulative
// record and returns the updated record. The delta is floored at zero:
// a counter that went backwards (daemon restart, peer re-added) simply
// contributes nothing this cycle instead of corrupting the totals. The
// read-modify-write runs in a single transaction, so concurrent pollers
// for the same username cannot interleave.
func (s *Store) Flush(username string, incoming, outgoing int64) (Record, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return Record{}, fmt.Errorf("traffic: begin tx: %w", err)
	}
	defer tx.Rollback()

	var rec Record
	err = tx.QueryRow(
		`SELECT total_incoming, total_outgoing, last_incoming, last_outgoing
		 FROM user_traffic WHERE username = ?`, username).
		Scan(&rec.TotalIncoming, &rec.TotalOutgoing, &rec.LastIncoming, &rec.LastOutgoing)
	switch {
	case err == sql.ErrNoRows:
		rec = Record{
			TotalIncoming: incoming,
			TotalOutgoing: outgoing,
			LastIncoming:  incoming,
			LastOutgoing:  outgoing,
		}
		if _, err := tx.Exec(
			`INSERT INTO user_traffic
			 (username, total_incoming, total_outgoing, last_incoming, last_outgoing)
			 VALUES (?, ?, ?, ?, ?)`,
			username, rec.TotalIncoming, rec.TotalOutgoing, rec.LastIncoming, rec.LastOutgoing,
		); err != nil {
			return Record{}, fmt.Errorf("traffic: insert %s: %w", username, err)
		}
	case err != nil:
		return Record{}, fmt.Errorf("traffic: select %s: %w", username, err)
	default:
		rec.TotalIncoming += delta(incoming, rec.LastIncoming)
		rec.TotalOutgoing += delta(outgoing, rec.LastOutgoing)
		rec.LastIncoming = incoming
		rec.LastOutgoing = outgoing
		if _, err := tx.Exec(
			`UPDATE user_traffic
			 SET total_incoming = ?, total_outgoing = ?, last_incoming = ?, last_outgoing = ?
			 WHERE username = ?`,
			rec.TotalIncoming, rec.TotalOutgoing, rec.LastIncoming, rec.LastOutgoing, username,
		); err != nil {
			return Record{}, fmt.Errorf("traffic: update %s: %w", username, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return Record{}, fmt.Errorf("traffic: commit %s: %w", username, err)
	}
	return rec, nil
}

// delta floors at zero so counter resets never produce negative or
// double-counted totals.
func delta(curr, lastSeen int64) int64 {
	d := curr - lastSeen
	if d < 0 {
		return 0
	}
	return d
}

// Get returns the record for username. A username that was never flushed
// reads as all-zero.
func (s *Store) Get(username string) (Record, error) {
	var rec Record
	err := s.db.QueryRow(
		`SELECT total_incoming, total_outgoing, last_incoming, last_outgoing
		 FROM user_traffic WHERE username = ?`, username).
		Scan(&rec.TotalIncoming, &rec.TotalOutgoing, &rec.LastIncoming, &rec.LastOutgoing)
	if err == sql.ErrNoRows {
		return Record{}, nil
	}
	if err != nil {
		return Record{}, fmt.Errorf("traffic: get %s: %w", username, err)
	}
	return rec, nil
}

// All returns every persisted record keyed by username.
func (s *Store) All() (map[string]Record, error) {
	rows, err := s.db.Query(
		`SELECT username, total_incoming, total_outgoing, last_incoming, last_outgoing
		 FROM user_traffic`)
	if err != nil {
		return nil, fmt.Errorf("traffic: query all: %w", err)
	}
	defer rows.Close()

	out := make(map[string]Record)
	for rows.Next() {
		var username string
		var rec Record
		if err := rows.Scan(&username, &rec.TotalIncoming, &rec.TotalOutgoing,
			&rec.LastIncoming, &rec.LastOutgoing); err != nil {
			return nil, fmt.Errorf("traffic: scan record: %w", err)
		}
		out[username] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("traffic: iterate records: %w", err)
	}
	return out, nil
}
