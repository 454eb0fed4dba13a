package peers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Client is one provisioned peer as recorded in the daemon config.
type Client struct {
	Name       string
	PublicKey  string
	AllowedIPs string
}

// tableEntry mirrors one record of the Amnezia clientsTable JSON file.
type tableEntry struct {
	ClientID string `json:"clientId"`
	UserData struct {
		ClientName   string `json:"clientName"`
		CreationDate string `json:"creationDate,omitempty"`
	} `json:"userData"`
}

func (m *Manager) catFile(ctx context.Context, path string) (string, error) {
	return m.run.Run(ctx, "docker", "exec", "-i", m.wg.Container, "cat", path)
}

// clientsTable reads the Amnezia clientsTable and returns public key ->
// client name. A missing or malformed table degrades to an empty map.
func (m *Manager) clientsTable(ctx context.Context) map[string]string {
	out, err := m.catFile(ctx, m.wg.ClientsTablePath)
	if err != nil {
		m.logger.Warn("peers: reading clientsTable failed", "err", err)
		return map[string]string{}
	}
	var entries []tableEntry
	if err := json.Unmarshal([]byte(out), &entries); err != nil {
		m.logger.Warn("peers: parsing clientsTable failed", "err", err)
		return map[string]string{}
	}
	names := make(map[string]string, len(entries))
	for _, e := range entries {
		names[e.ClientID] = e.UserData.ClientName
	}
	return names
}

// ClientList reads the daemon config and returns every [Peer] block as a
// Client. Names come from the clientsTable when present, otherwise from
// the block's "# name" comment.
func (m *Manager) ClientList(ctx context.Context) ([]Client, error) {
	content, err := m.catFile(ctx, m.wg.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("peers: reading daemon config: %w", err)
	}
	return parseClients(content, m.clientsTable(ctx)), nil
}

// KeyToName derives the public-key to username map used to resolve
// status snapshots.
func (m *Manager) KeyToName(ctx context.Context) (map[string]string, error) {
	clients, err := m.ClientList(ctx)
	if err != nil {
		return nil, err
	}
	keys := make(map[string]string, len(clients))
	for _, c := range clients {
		keys[c.PublicKey] = c.Name
	}
	return keys, nil
}

// Find returns the client provisioned under username.
func (m *Manager) Find(ctx context.Context, username string) (Client, bool, error) {
	clients, err := m.ClientList(ctx)
	if err != nil {
		return Client{}, false, err
	}
	for _, c := range clients {
		if c.Name == username {
			return c, true, nil
		}
	}
	return Client{}, false, nil
}

// parseClients walks [Peer] blocks of a wg config file. The comment line
// may carry a bracketed suffix ("alice [expires 2026-01-01]") which is
// stripped.
func parseClients(content string, tableNames map[string]string) []Client {
	var clients []Client
	lines := strings.Split(content, "\n")
	for i := 0; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) != "[Peer]" {
			continue
		}
		client := Client{Name: "Unknown"}
		for i++; i < len(lines); i++ {
			line := strings.TrimSpace(lines[i])
			if line == "" || line == "[Peer]" {
				if line == "[Peer]" {
					i--
				}
				break
			}
			switch {
			case strings.HasPrefix(line, "#"):
				client.Name = stripNameSuffix(strings.TrimSpace(line[1:]))
			case strings.HasPrefix(line, "PublicKey"):
				if _, v, ok := strings.Cut(line, "="); ok {
					client.PublicKey = strings.TrimSpace(v)
				}
			case strings.HasPrefix(line, "AllowedIPs"):
				if _, v, ok := strings.Cut(line, "="); ok {
					client.AllowedIPs = strings.TrimSpace(v)
				}
			}
		}
		if name, ok := tableNames[client.PublicKey]; ok && name != "" {
			client.Name = name
		}
		if client.PublicKey != "" {
			clients = append(clients, client)
		}
	}
	return clients
}

func stripNameSuffix(name string) string {
	if i := strings.Index(name, "["); i >= 0 {
		name = name[:i]
	}
	return strings.TrimSpace(name)
}
