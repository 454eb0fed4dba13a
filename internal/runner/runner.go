// Package runner abstracts external command execution so that the fleet
// and peer-lifecycle code can be tested without docker or shell scripts.
package runner

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Runner executes an external command and returns its stdout.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

// Exec runs commands via os/exec on the local host.
type Exec struct{}

func (Exec) Run(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return "", fmt.Errorf("runner: %s: %w: %s", name, err, msg)
		}
		return "", fmt.Errorf("runner: %s: %w", name, err)
	}
	return stdout.String(), nil
}
