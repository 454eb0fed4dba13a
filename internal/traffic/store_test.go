package traffic

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "traffic.sqlite")
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	s, err := Open(path, logger)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestFlushAccumulatesDeltas(t *testing.T) {
	s := testStore(t)

	// First flush of an unseen username seeds both totals and baselines.
	rec, err := s.Flush("alice", 100, 200)
	if err != nil {
		t.Fatal(err)
	}
	if rec.TotalIncoming != 100 || rec.TotalOutgoing != 200 {
		t.Fatalf("first flush: %+v", rec)
	}

	// Counter advanced: exact delta is added.
	rec, err = s.Flush("alice", 150, 250)
	if err != nil {
		t.Fatal(err)
	}
	if rec.TotalIncoming != 150 || rec.TotalOutgoing != 250 {
		t.Fatalf("second flush: %+v", rec)
	}
	if rec.LastIncoming != 150 || rec.LastOutgoing != 250 {
		t.Fatalf("baselines not advanced: %+v", rec)
	}
}

func TestFlushCounterReset(t *testing.T) {
	s := testStore(t)

	if _, err := s.Flush("bob", 1000, 2000); err != nil {
		t.Fatal(err)
	}
	// Counter went backwards (daemon restart): delta is floored at zero,
	// totals stay where they were, baseline moves to the new raw values.
	rec, err := s.Flush("bob", 30, 40)
	if err != nil {
		t.Fatal(err)
	}
	if rec.TotalIncoming != 1000 || rec.TotalOutgoing != 2000 {
		t.Fatalf("reset must not change totals: %+v", rec)
	}
	if rec.LastIncoming != 30 || rec.LastOutgoing != 40 {
		t.Fatalf("reset must rebase last-seen: %+v", rec)
	}

	// Next advance counts from the new baseline.
	rec, err = s.Flush("bob", 50, 45)
	if err != nil {
		t.Fatal(err)
	}
	if rec.TotalIncoming != 1020 || rec.TotalOutgoing != 2005 {
		t.Fatalf("post-reset accumulation: %+v", rec)
	}
}

func TestGetUnseenUsernameIsZero(t *testing.T) {
	s := testStore(t)
	rec, err := s.Get("nobody")
	if err != nil {
		t.Fatal(err)
	}
	if rec != (Record{}) {
		t.Fatalf("expected zero record, got %+v", rec)
	}
}

func TestAll(t *testing.T) {
	s := testStore(t)
	if _, err := s.Flush("alice", 10, 20); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Flush("bob", 30, 40); err != nil {
		t.Fatal(err)
	}
	all, err := s.All()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 records, got %d", len(all))
	}
	if all["alice"].Total() != 30 || all["bob"].Total() != 70 {
		t.Fatalf("totals: %+v", all)
	}
}

func TestDelta(t *testing.T) {
	tests := []struct {
		curr, last, want int64
	}{
		{100, 50, 50},
		{50, 50, 0},
		{10, 50, 0}, // reset, never negative
		{0, 0, 0},
	}
	for _, tt := range tests {
		if got := delta(tt.curr, tt.last); got != tt.want {
			t.Errorf("delta(%d, %d) = %d, want %d", tt.curr, tt.last, got, tt.want)
		}
	}
}
