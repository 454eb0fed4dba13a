// Package wgstatus parses the human-readable `wg show` status dump of a
// WireGuard/AmneziaWG daemon into structured peer records.
package wgstatus

import (
	"bufio"
	"strings"
)

// PeerSnapshot accumulates the recognized fields of a single peer block.
// All fields except PublicKey may be absent.
type PeerSnapshot struct {
	PublicKey       string
	Endpoint        string
	LatestHandshake string
	Transfer        string
}

// isActive reports whether the peer block describes a peer the daemon has
// actually talked to: it must carry a public key and at least one of a
// handshake or a transfer line.
func (p *PeerSnapshot) isActive() bool {
	return p.PublicKey != "" && (p.LatestHandshake != "" || p.Transfer != "")
}

// ActiveClient is one live peer resolved to its owning username.
type ActiveClient struct {
	Username      string
	LastHandshake string
	Transfer      string
	Endpoint      string
	Server        string // "local" or a remote server name
}

type parserState int

const (
	outsidePeer parserState = iota
	insidePeer
)

// ScanPeers splits raw status text into peer snapshots. A blank line
// terminates the current block; EOF is an implicit terminator, so a final
// block without a trailing blank line is still emitted. Lines without a
// colon and unrecognized fields are ignored. ScanPeers never fails:
// malformed input yields fewer or emptier snapshots, not an error.
func ScanPeers(raw string) []PeerSnapshot {
	var (
		snaps   []PeerSnapshot
		current PeerSnapshot
		state   = outsidePeer
	)

	flush := func() {
		if state == insidePeer && current.PublicKey != "" {
			snaps = append(snaps, current)
		}
		current = PeerSnapshot{}
		state = outsidePeer
	}

	scanner := bufio.NewScanner(strings.NewReader(raw))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			flush()
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		switch state {
		case outsidePeer:
			// The interface header block ("interface:", "listening port:",
			// "public key:") is skipped until the first peer line.
			if key == "peer" {
				current = PeerSnapshot{PublicKey: value}
				state = insidePeer
			}
		case insidePeer:
			switch key {
			case "peer":
				// New block with no separating blank line.
				flush()
				current = PeerSnapshot{PublicKey: value}
				state = insidePeer
			case "endpoint":
				current.Endpoint = value
			case "latest handshake":
				current.LatestHandshake = value
			case "transfer":
				current.Transfer = value
			}
		}
	}
	flush()
	return snaps
}

// Parse scans raw status text and resolves each active peer through the
// public-key to username map. Peers whose key does not resolve are
// dropped: they have no owning account, so their traffic is not tracked.
func Parse(raw string, keyToName map[string]string, server string) []ActiveClient {
	var clients []ActiveClient
	for _, snap := range ScanPeers(raw) {
		if !snap.isActive() {
			continue
		}
		username, ok := keyToName[snap.PublicKey]
		if !ok {
			continue
		}
		clients = append(clients, ActiveClient{
			Username:      username,
			LastHandshake: snap.LatestHandshake,
			Transfer:      snap.Transfer,
			Endpoint:      snap.Endpoint,
			Server:        server,
		})
	}
	return clients
}
