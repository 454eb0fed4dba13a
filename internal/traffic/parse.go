// Package traffic converts daemon-reported transfer strings into byte
// counts and maintains the persistent per-user traffic ledger.
package traffic

import (
	"regexp"
	"strconv"
	"strings"
)

// unitBytes is the fixed unit table. Unrecognized units fall back to a
// multiplier of 1.
var unitBytes = map[string]int64{
	"B":   1,
	"KB":  1e3,
	"KiB": 1 << 10,
	"MB":  1e6,
	"MiB": 1 << 20,
	"GB":  1e9,
	"GiB": 1 << 30,
}

var valueUnitRe = regexp.MustCompile(`([\d.]+)\s*([A-Za-z]+)`)

func toBytes(value, unit string) int64 {
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0
	}
	mult, ok := unitBytes[unit]
	if !ok {
		mult = 1
	}
	return int64(f * float64(mult))
}

// ParseTransfer extracts (received, sent) byte counts from a free-form
// transfer string. Two shapes are recognized:
//
//	"1.20 GiB received, 3.4 MB sent"
//	"1.2 GB / 3.4 MB"
//
// A side that fails to parse yields zero for that side; ParseTransfer
// never fails outright.
func ParseTransfer(s string) (rx, tx int64) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, 0
	}

	if strings.Contains(s, "received") || strings.Contains(s, "sent") {
		for _, part := range strings.Split(s, ",") {
			m := valueUnitRe.FindStringSubmatch(part)
			if m == nil {
				continue
			}
			switch {
			case strings.Contains(part, "received"):
				rx = toBytes(m[1], m[2])
			case strings.Contains(part, "sent"):
				tx = toBytes(m[1], m[2])
			}
		}
		return rx, tx
	}

	parts := regexp.MustCompile(`[/,]`).Split(s, 2)
	if len(parts) < 2 {
		return 0, 0
	}
	if m := valueUnitRe.FindStringSubmatch(parts[0]); m != nil {
		rx = toBytes(m[1], m[2])
	}
	if m := valueUnitRe.FindStringSubmatch(parts[1]); m != nil {
		tx = toBytes(m[1], m[2])
	}
	return rx, tx
}

// ParseLimit converts a human-readable traffic limit like "10 GB" into a
// byte count. The sentinel "unlimited" (any case) and the empty string
// report limited=false.
func ParseLimit(s string) (limit int64, limited bool) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "unlimited") {
		return 0, false
	}
	m := valueUnitRe.FindStringSubmatch(s)
	if m == nil {
		return 0, false
	}
	return toBytes(m[1], m[2]), true
}
