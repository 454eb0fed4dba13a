package sched

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nsmelov/wgfleet/internal/expiry"
	"github.com/nsmelov/wgfleet/internal/peers"
	"github.com/nsmelov/wgfleet/internal/traffic"
	"github.com/nsmelov/wgfleet/internal/wgstatus"
)

type fakeFleet struct {
	clients map[string]wgstatus.ActiveClient
	err     error
}

func (f *fakeFleet) ActiveClients(ctx context.Context) (map[string]wgstatus.ActiveClient, error) {
	return f.clients, f.err
}

type fakeLedger struct {
	records map[string]traffic.Record
}

func (f *fakeLedger) Flush(username string, rx, tx int64) (traffic.Record, error) {
	rec := f.records[username]
	return rec, nil
}

type fakePeers struct {
	mu        sync.Mutex
	existing  map[string]string // username -> public key
	removeErr error
	removed   []string
	backfills int
}

func (f *fakePeers) Find(ctx context.Context, username string) (peers.Client, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pk, ok := f.existing[username]
	if !ok {
		return peers.Client{}, false, nil
	}
	return peers.Client{Name: username, PublicKey: pk}, true, nil
}

func (f *fakePeers) Remove(ctx context.Context, username, publicKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.removeErr != nil {
		return f.removeErr
	}
	delete(f.existing, username)
	f.removed = append(f.removed, username)
	return nil
}

func (f *fakePeers) Backfill(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.backfills++
	return nil
}

type fakeNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (f *fakeNotifier) NotifyAdmins(ctx context.Context, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, text)
}

func (f *fakeNotifier) all() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.messages...)
}

func testScheduler(t *testing.T, fl *fakeFleet, ld *fakeLedger, ps *fakePeers, nt *fakeNotifier) (*Scheduler, *expiry.Store) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	exp := expiry.Open(filepath.Join(t.TempDir(), "expirations.json"), logger)
	s := New(Options{
		Fleet:    fl,
		Ledger:   ld,
		Expiry:   exp,
		Peers:    ps,
		Notify:   nt,
		UsersDir: t.TempDir(),
		Logger:   logger,
	})
	return s, exp
}

func TestDeactivateIdempotent(t *testing.T) {
	ps := &fakePeers{existing: map[string]string{"alice": "KEYA"}}
	nt := &fakeNotifier{}
	s, exp := testScheduler(t, &fakeFleet{}, &fakeLedger{}, ps, nt)

	future := time.Now().Add(time.Hour)
	if err := exp.Set("alice", &future, "10 GB"); err != nil {
		t.Fatal(err)
	}
	s.ScheduleDeactivation("alice", future)

	if err := s.Deactivate(context.Background(), "alice", ReasonManual); err != nil {
		t.Fatalf("first deactivate: %v", err)
	}
	if _, ok := exp.Get("alice"); ok {
		t.Fatal("expiration record should be gone")
	}
	if s.HasJob("alice") {
		t.Fatal("pending job should be cancelled")
	}

	// Second call: peer and record are already gone, must not error.
	if err := s.Deactivate(context.Background(), "alice", ReasonManual); err != nil {
		t.Fatalf("second deactivate: %v", err)
	}
	if len(ps.removed) != 1 {
		t.Fatalf("peer removed %d times", len(ps.removed))
	}
}

func TestDeactivateCommandFailureReported(t *testing.T) {
	ps := &fakePeers{
		existing:  map[string]string{"bob": "KEYB"},
		removeErr: errors.New("exit status 1"),
	}
	nt := &fakeNotifier{}
	s, exp := testScheduler(t, &fakeFleet{}, &fakeLedger{}, ps, nt)
	if err := exp.Set("bob", nil, expiry.Unlimited); err != nil {
		t.Fatal(err)
	}

	err := s.Deactivate(context.Background(), "bob", ReasonQuota)
	if err == nil {
		t.Fatal("expected error from failed removal")
	}
	// Bookkeeping is cleaned up anyway so manual retry stays safe.
	if _, ok := exp.Get("bob"); ok {
		t.Fatal("expiration record should be removed even on command failure")
	}
	msgs := nt.all()
	if len(msgs) != 1 || !strings.Contains(msgs[0], "Failed to deactivate bob") {
		t.Fatalf("admins not notified of failure: %+v", msgs)
	}
}

func TestDeactivateRemovesUserArtifacts(t *testing.T) {
	ps := &fakePeers{existing: map[string]string{"carol": "KEYC"}}
	s, _ := testScheduler(t, &fakeFleet{}, &fakeLedger{}, ps, &fakeNotifier{})

	dir := filepath.Join(s.opts.UsersDir, "carol")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "carol.conf"), []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}

	if err := s.Deactivate(context.Background(), "carol", ReasonManual); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("artifacts dir should be gone: %v", err)
	}
}

func TestReconcileTrafficQuotaBoundary(t *testing.T) {
	// Exactly at the limit: >= triggers, not >.
	ps := &fakePeers{existing: map[string]string{"alice": "KEYA"}}
	nt := &fakeNotifier{}
	fl := &fakeFleet{clients: map[string]wgstatus.ActiveClient{
		"alice": {Username: "alice", Transfer: "10 GB received, 0 B sent", Server: "local"},
	}}
	ld := &fakeLedger{records: map[string]traffic.Record{
		"alice": {TotalIncoming: 10_000_000_000},
	}}
	s, exp := testScheduler(t, fl, ld, ps, nt)
	if err := exp.Set("alice", nil, "10 GB"); err != nil {
		t.Fatal(err)
	}

	s.ReconcileTraffic(context.Background())

	if len(ps.removed) != 1 || ps.removed[0] != "alice" {
		t.Fatalf("alice should be deactivated at exactly the limit: %+v", ps.removed)
	}
}

func TestReconcileTrafficUnderLimit(t *testing.T) {
	ps := &fakePeers{existing: map[string]string{"bob": "KEYB"}}
	fl := &fakeFleet{clients: map[string]wgstatus.ActiveClient{
		"bob": {Username: "bob", Transfer: "1 GB received, 1 GB sent"},
	}}
	ld := &fakeLedger{records: map[string]traffic.Record{
		"bob": {TotalIncoming: 1_000_000_000, TotalOutgoing: 1_000_000_000},
	}}
	s, exp := testScheduler(t, fl, ld, ps, &fakeNotifier{})
	if err := exp.Set("bob", nil, "10 GB"); err != nil {
		t.Fatal(err)
	}

	s.ReconcileTraffic(context.Background())
	if len(ps.removed) != 0 {
		t.Fatalf("bob is under quota: %+v", ps.removed)
	}
}

func TestReconcileTrafficUnlimitedUserNeverDeactivated(t *testing.T) {
	ps := &fakePeers{existing: map[string]string{"carol": "KEYC"}}
	fl := &fakeFleet{clients: map[string]wgstatus.ActiveClient{
		"carol": {Username: "carol", Transfer: "900 GB received, 100 GB sent"},
	}}
	ld := &fakeLedger{records: map[string]traffic.Record{
		"carol": {TotalIncoming: 900_000_000_000, TotalOutgoing: 100_000_000_000},
	}}
	s, exp := testScheduler(t, fl, ld, ps, &fakeNotifier{})
	if err := exp.Set("carol", nil, expiry.Unlimited); err != nil {
		t.Fatal(err)
	}

	s.ReconcileTraffic(context.Background())
	if len(ps.removed) != 0 {
		t.Fatalf("unlimited user deactivated: %+v", ps.removed)
	}
}

func TestRearmCatchesUpPastExpirations(t *testing.T) {
	ps := &fakePeers{existing: map[string]string{"late": "KEYL", "soon": "KEYS"}}
	nt := &fakeNotifier{}
	s, exp := testScheduler(t, &fakeFleet{}, &fakeLedger{}, ps, nt)

	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)
	if err := exp.Set("late", &past, "10 GB"); err != nil {
		t.Fatal(err)
	}
	if err := exp.Set("soon", &future, "10 GB"); err != nil {
		t.Fatal(err)
	}

	s.Rearm(context.Background())

	// Past expiration fired immediately instead of being dropped.
	if len(ps.removed) != 1 || ps.removed[0] != "late" {
		t.Fatalf("late should have been deactivated on rearm: %+v", ps.removed)
	}
	// Future expiration got a pending job.
	if !s.HasJob("soon") {
		t.Fatal("soon should have a re-armed job")
	}
}

func TestScheduleDeactivationReplaces(t *testing.T) {
	s, _ := testScheduler(t, &fakeFleet{}, &fakeLedger{}, &fakePeers{}, &fakeNotifier{})

	s.ScheduleDeactivation("alice", time.Now().Add(time.Hour))
	s.ScheduleDeactivation("alice", time.Now().Add(2*time.Hour))
	if !s.HasJob("alice") {
		t.Fatal("job missing")
	}

	s.CancelDeactivation("alice")
	if s.HasJob("alice") {
		t.Fatal("job should be cancelled")
	}
	// Cancelling again is harmless.
	s.CancelDeactivation("alice")
}

func TestExpirationTimerFires(t *testing.T) {
	ps := &fakePeers{existing: map[string]string{"flash": "KEYF"}}
	nt := &fakeNotifier{}
	s, exp := testScheduler(t, &fakeFleet{}, &fakeLedger{}, ps, nt)
	if err := exp.Set("flash", nil, expiry.Unlimited); err != nil {
		t.Fatal(err)
	}

	s.ScheduleDeactivation("flash", time.Now().Add(20*time.Millisecond))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		ps.mu.Lock()
		n := len(ps.removed)
		ps.mu.Unlock()
		if n == 1 {
			if s.HasJob("flash") {
				t.Fatal("fired job should be gone from the table")
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expiration job never fired")
}

func TestHousekeepingRunsBackfill(t *testing.T) {
	ps := &fakePeers{}
	evicted := 0
	s, _ := testScheduler(t, &fakeFleet{}, &fakeLedger{}, ps, &fakeNotifier{})
	s.opts.EvictCaches = func(now time.Time) { evicted++ }

	s.Housekeeping(context.Background())
	if ps.backfills != 1 {
		t.Fatalf("backfills: %d", ps.backfills)
	}
	if evicted != 1 {
		t.Fatalf("evictions: %d", evicted)
	}
}

func TestReconcileSurvivesFleetError(t *testing.T) {
	fl := &fakeFleet{err: fmt.Errorf("all servers down")}
	s, _ := testScheduler(t, fl, &fakeLedger{}, &fakePeers{}, &fakeNotifier{})
	// Must not panic or deactivate anyone.
	s.ReconcileTraffic(context.Background())
}
