// Package fleet queries one local and zero-or-more remote WireGuard
// daemons and merges their peer status into a single active-client view.
package fleet

import (
	"context"
	"fmt"
	"os"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/nsmelov/wgfleet/internal/config"
	"github.com/nsmelov/wgfleet/internal/runner"
)

// LocalName is the server identifier of the local daemon.
const LocalName = "local"

// Source supplies one fleet member's raw status dump.
type Source interface {
	Name() string
	QueryStatus(ctx context.Context) (string, error)
}

// LocalSource introspects the local daemon via docker exec.
type LocalSource struct {
	Container string
	Run       runner.Runner
}

func (s *LocalSource) Name() string { return LocalName }

func (s *LocalSource) QueryStatus(ctx context.Context) (string, error) {
	out, err := s.Run.Run(ctx, "docker", "exec", "-i", s.Container, "wg", "show")
	if err != nil {
		return "", fmt.Errorf("fleet: local status: %w", err)
	}
	return out, nil
}

// RemoteSource introspects a remote daemon: an SSH session runs the same
// docker exec command on the remote host.
type RemoteSource struct {
	Server  config.ServerConfig
	Timeout time.Duration
}

func (s *RemoteSource) Name() string { return s.Server.Name }

func (s *RemoteSource) QueryStatus(ctx context.Context) (string, error) {
	timeout := s.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}

	key, err := os.ReadFile(s.Server.KeyPath)
	if err != nil {
		return "", fmt.Errorf("fleet: %s: reading ssh key: %w", s.Server.Name, err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return "", fmt.Errorf("fleet: %s: parsing ssh key: %w", s.Server.Name, err)
	}

	clientCfg := &ssh.ClientConfig{
		User:            s.Server.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}

	addr := fmt.Sprintf("%s:%d", s.Server.Host, s.Server.Port)
	client, err := ssh.Dial("tcp", addr, clientCfg)
	if err != nil {
		return "", fmt.Errorf("fleet: %s: ssh dial %s: %w", s.Server.Name, addr, err)
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("fleet: %s: ssh session: %w", s.Server.Name, err)
	}
	defer session.Close()

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			session.Close()
		case <-done:
		}
	}()
	defer close(done)

	cmd := fmt.Sprintf("docker exec -i %s wg show", s.Server.Container)
	out, err := session.Output(cmd)
	if err != nil {
		return "", fmt.Errorf("fleet: %s: %q: %w", s.Server.Name, cmd, err)
	}
	return string(out), nil
}
