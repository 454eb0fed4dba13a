// Package peers manages the daemon's peer roster: the lifecycle scripts
// that add and remove peers, the parsed client list, and the public-key
// to username mapping derived from it.
package peers

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nsmelov/wgfleet/internal/config"
	"github.com/nsmelov/wgfleet/internal/metrics"
	"github.com/nsmelov/wgfleet/internal/runner"
)

// Manager drives peer lifecycle against the local daemon container.
type Manager struct {
	wg     config.WireGuardConfig
	run    runner.Runner
	logger *slog.Logger
}

func NewManager(wg config.WireGuardConfig, run runner.Runner, logger *slog.Logger) *Manager {
	return &Manager{wg: wg, run: run, logger: logger}
}

// Add provisions a new peer for username through the external newclient
// script. The script generates keys, appends the peer to the daemon
// config, and writes the client .conf under users/<username>/.
func (m *Manager) Add(ctx context.Context, username string) error {
	_, err := m.run.Run(ctx, "./newclient.sh",
		username, m.wg.Endpoint, m.wg.ConfigPath, m.wg.Container)
	if err != nil {
		metrics.PeerCommandFailures.WithLabelValues("add").Inc()
		return fmt.Errorf("peers: add %s: %w", username, err)
	}
	m.logger.Info("peers: added", "username", username)
	return nil
}

// Remove strips the peer with publicKey from the daemon through the
// external removeclient script.
func (m *Manager) Remove(ctx context.Context, username, publicKey string) error {
	_, err := m.run.Run(ctx, "./removeclient.sh",
		username, publicKey, m.wg.ConfigPath, m.wg.Container)
	if err != nil {
		metrics.PeerCommandFailures.WithLabelValues("remove").Inc()
		return fmt.Errorf("peers: remove %s: %w", username, err)
	}
	m.logger.Info("peers: removed", "username", username)
	return nil
}
