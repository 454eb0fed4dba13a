package peers

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"
)

// Backfill ensures every [Peer] block in the daemon config carries a
// human-readable "# name" comment and that every public key is present in
// the clientsTable. Unnamed peers get a label derived from their key.
// The rewritten files are copied back into the container only when
// something actually changed.
func (m *Manager) Backfill(ctx context.Context) error {
	content, err := m.catFile(ctx, m.wg.ConfigPath)
	if err != nil {
		return fmt.Errorf("peers: backfill: reading daemon config: %w", err)
	}

	names := m.clientsTable(ctx)
	newContent, added, changed := backfillNames(content, names)

	if changed {
		if err := m.copyIntoContainer(ctx, newContent, m.wg.ConfigPath); err != nil {
			return fmt.Errorf("peers: backfill: writing daemon config: %w", err)
		}
		m.logger.Info("peers: backfilled name comments", "count", len(added))
	}

	if len(added) > 0 {
		if err := m.extendClientsTable(ctx, added); err != nil {
			return err
		}
	}
	return nil
}

// backfillNames inserts "# name" comments into unnamed [Peer] blocks.
// It returns the rewritten config, the publicKey->name pairs that were
// invented for keys absent from the clientsTable, and whether anything
// changed.
func backfillNames(content string, tableNames map[string]string) (string, map[string]string, bool) {
	added := make(map[string]string)
	changed := false

	lines := strings.Split(content, "\n")
	var out []string
	for i := 0; i < len(lines); i++ {
		out = append(out, lines[i])
		if strings.TrimSpace(lines[i]) != "[Peer]" {
			continue
		}

		blockStart := len(out)
		hasName := false
		publicKey := ""
		for i+1 < len(lines) && strings.TrimSpace(lines[i+1]) != "" &&
			strings.TrimSpace(lines[i+1]) != "[Peer]" {
			i++
			line := strings.TrimSpace(lines[i])
			if strings.HasPrefix(line, "#") {
				hasName = true
			} else if strings.HasPrefix(line, "PublicKey") {
				if _, v, ok := strings.Cut(line, "="); ok {
					publicKey = strings.TrimSpace(v)
				}
			}
			out = append(out, lines[i])
		}

		if hasName || publicKey == "" {
			continue
		}
		name, ok := tableNames[publicKey]
		if !ok || name == "" {
			name = defaultName(publicKey)
			added[publicKey] = name
		}
		out = append(out[:blockStart], append([]string{"# " + name}, out[blockStart:]...)...)
		changed = true
	}

	return strings.Join(out, "\n"), added, changed
}

func defaultName(publicKey string) string {
	n := 6
	if len(publicKey) < n {
		n = len(publicKey)
	}
	return "client_" + publicKey[:n]
}

func (m *Manager) extendClientsTable(ctx context.Context, added map[string]string) error {
	out, err := m.catFile(ctx, m.wg.ClientsTablePath)
	var entries []tableEntry
	if err == nil {
		// A broken table is rebuilt from what we know.
		_ = json.Unmarshal([]byte(out), &entries)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	for publicKey, name := range added {
		var e tableEntry
		e.ClientID = publicKey
		e.UserData.ClientName = name
		e.UserData.CreationDate = now
		entries = append(entries, e)
	}

	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("peers: backfill: marshal clientsTable: %w", err)
	}
	if err := m.copyIntoContainer(ctx, string(data), m.wg.ClientsTablePath); err != nil {
		return fmt.Errorf("peers: backfill: writing clientsTable: %w", err)
	}
	m.logger.Info("peers: clientsTable extended", "count", len(added))
	return nil
}

// copyIntoContainer stages content in a temp file and docker-cp's it over
// the target path inside the daemon container.
func (m *Manager) copyIntoContainer(ctx context.Context, content, containerPath string) error {
	tmp, err := os.CreateTemp("", "wgfleet-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}

	_, err = m.run.Run(ctx, "docker", "cp", tmpPath, m.wg.Container+":"+containerPath)
	return err
}
