package bot

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/nsmelov/wgfleet/internal/expiry"
	"github.com/nsmelov/wgfleet/internal/traffic"
	"github.com/nsmelov/wgfleet/internal/wgstatus"
)

// offlineAfter is how stale a handshake may be before a client is shown
// as offline.
const offlineAfter = 3 * time.Minute

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.2f %cB", float64(n)/float64(div), "KMGTPE"[exp])
}

var handshakeUnits = map[string]time.Duration{
	"second": time.Second,
	"minute": time.Minute,
	"hour":   time.Hour,
	"day":    24 * time.Hour,
}

// parseHandshakeAgo converts the relative handshake phrase emitted by
// `wg show` ("1 minute, 3 seconds ago") into a duration. Returns false
// for phrases it cannot parse, including "(none)".
func parseHandshakeAgo(s string) (time.Duration, bool) {
	s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "ago"))
	if s == "" || s == "(none)" {
		return 0, false
	}
	var total time.Duration
	for _, part := range strings.Split(s, ",") {
		fields := strings.Fields(part)
		if len(fields) != 2 {
			return 0, false
		}
		n, err := strconv.Atoi(fields[0])
		if err != nil {
			return 0, false
		}
		unit, ok := handshakeUnits[strings.TrimSuffix(fields[1], "s")]
		if !ok {
			return 0, false
		}
		total += time.Duration(n) * unit
	}
	return total, true
}

func isOnline(c wgstatus.ActiveClient) bool {
	ago, ok := parseHandshakeAgo(c.LastHandshake)
	return ok && ago < offlineAfter
}

func formatExpiry(rec expiry.Record, ok bool, now time.Time) string {
	if !ok || rec.ExpirationTime == nil {
		return "♾️ unlimited"
	}
	left := rec.ExpirationTime.Sub(now)
	if left <= 0 {
		return "expired"
	}
	days := int(left.Hours()) / 24
	hours := int(left.Hours()) % 24
	if days > 0 {
		return fmt.Sprintf("%dd %dh left", days, hours)
	}
	return fmt.Sprintf("%dh %dm left", hours, int(left.Minutes())%60)
}

// formatClientList renders the /clients overview: one line per known peer,
// online peers first.
func formatClientList(names []string, byName map[string]wgstatus.ActiveClient, ledger map[string]traffic.Record) string {
	sorted := append([]string(nil), names...)
	sort.Slice(sorted, func(i, j int) bool {
		_, iOn := byName[sorted[i]]
		_, jOn := byName[sorted[j]]
		if iOn != jOn {
			return iOn
		}
		return sorted[i] < sorted[j]
	})

	var b strings.Builder
	b.WriteString("👥 Clients\n\n")
	if len(sorted) == 0 {
		b.WriteString("No clients configured\n")
		return b.String()
	}
	for _, name := range sorted {
		status := "⚪"
		detail := "offline"
		if c, ok := byName[name]; ok {
			if isOnline(c) {
				status = "🟢"
				detail = "online"
			} else {
				status = "🟡"
				detail = c.LastHandshake
			}
			if c.Server != "" && c.Server != "local" {
				detail += " @" + c.Server
			}
		}
		line := fmt.Sprintf("%s %s — %s", status, name, detail)
		if rec, ok := ledger[name]; ok {
			line += fmt.Sprintf(" (%s)", formatBytes(rec.Total()))
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	return b.String()
}

// formatUserDetail renders the /user view for one client.
func formatUserDetail(name string, c *wgstatus.ActiveClient, rec traffic.Record, exp expiry.Record, expOK bool, networks []string, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "👤 %s\n\n", name)

	switch {
	case c == nil:
		b.WriteString("Status: ⚪ offline\n")
	case isOnline(*c):
		fmt.Fprintf(&b, "Status: 🟢 online (%s)\n", c.Server)
	default:
		fmt.Fprintf(&b, "Status: 🟡 last handshake %s\n", c.LastHandshake)
	}
	if c != nil && c.Endpoint != "" {
		fmt.Fprintf(&b, "Endpoint: %s\n", c.Endpoint)
	}
	fmt.Fprintf(&b, "Traffic: ↓%s ↑%s (total %s)\n",
		formatBytes(rec.TotalIncoming), formatBytes(rec.TotalOutgoing), formatBytes(rec.Total()))
	fmt.Fprintf(&b, "Plan: %s, limit %s\n", formatExpiry(exp, expOK, now), expLimit(exp, expOK))

	if len(networks) > 0 {
		b.WriteString("\nRecent networks:\n")
		for _, s := range networks {
			fmt.Fprintf(&b, "  • %s\n", s)
		}
	}
	return b.String()
}

func expLimit(rec expiry.Record, ok bool) string {
	if !ok || rec.TrafficLimit == "" {
		return expiry.Unlimited
	}
	return rec.TrafficLimit
}
