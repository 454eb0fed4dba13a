package bot

import (
	"strings"
	"testing"
	"time"

	"github.com/nsmelov/wgfleet/internal/traffic"
	"github.com/nsmelov/wgfleet/internal/wgstatus"
)

func TestFormatBytes(t *testing.T) {
	cases := []struct {
		n    int64
		want string
	}{
		{0, "0 B"},
		{512, "512 B"},
		{1024, "1.00 KB"},
		{1536, "1.50 KB"},
		{5 * 1024 * 1024, "5.00 MB"},
		{3 * 1024 * 1024 * 1024, "3.00 GB"},
	}
	for _, tc := range cases {
		if got := formatBytes(tc.n); got != tc.want {
			t.Errorf("formatBytes(%d) = %q, want %q", tc.n, got, tc.want)
		}
	}
}

func TestParseHandshakeAgo(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
		ok   bool
	}{
		{"5 seconds ago", 5 * time.Second, true},
		{"1 minute, 3 seconds ago", time.Minute + 3*time.Second, true},
		{"2 hours, 10 minutes ago", 2*time.Hour + 10*time.Minute, true},
		{"1 day, 2 hours, 5 minutes, 1 second ago", 26*time.Hour + 5*time.Minute + time.Second, true},
		{"(none)", 0, false},
		{"", 0, false},
		{"garbage", 0, false},
	}
	for _, tc := range cases {
		got, ok := parseHandshakeAgo(tc.in)
		if ok != tc.ok || got != tc.want {
			t.Errorf("parseHandshakeAgo(%q) = (%v, %v), want (%v, %v)", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}

func TestFormatClientListOrdering(t *testing.T) {
	names := []string{"carol", "alice", "bob"}
	active := map[string]wgstatus.ActiveClient{
		"carol": {Username: "carol", LastHandshake: "10 seconds ago", Server: "local"},
	}
	ledger := map[string]traffic.Record{
		"carol": {TotalIncoming: 1024, TotalOutgoing: 1024},
	}

	out := formatClientList(names, active, ledger)

	carolAt := strings.Index(out, "carol")
	aliceAt := strings.Index(out, "alice")
	if carolAt < 0 || aliceAt < 0 {
		t.Fatalf("missing clients in output:\n%s", out)
	}
	if carolAt > aliceAt {
		t.Errorf("online client should sort first:\n%s", out)
	}
	if !strings.Contains(out, "🟢 carol") {
		t.Errorf("carol should be shown online:\n%s", out)
	}
	if !strings.Contains(out, "2.00 KB") {
		t.Errorf("carol's traffic total missing:\n%s", out)
	}
	if !strings.Contains(out, "⚪ alice — offline") {
		t.Errorf("alice should be shown offline:\n%s", out)
	}
}

func TestFormatClientListStaleHandshake(t *testing.T) {
	out := formatClientList(
		[]string{"dave"},
		map[string]wgstatus.ActiveClient{"dave": {Username: "dave", LastHandshake: "2 hours, 1 minute ago", Server: "backup"}},
		nil,
	)
	if !strings.Contains(out, "🟡 dave") {
		t.Errorf("stale client should be yellow:\n%s", out)
	}
	if !strings.Contains(out, "@backup") {
		t.Errorf("remote server tag missing:\n%s", out)
	}
}
