package bot

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/skip2/go-qrcode"

	"github.com/nsmelov/wgfleet/internal/expiry"
	"github.com/nsmelov/wgfleet/internal/sched"
)

// PeerAdder creates a WireGuard peer for a new client.
type PeerAdder interface {
	Add(ctx context.Context, username string) error
}

// Provisioned is the deliverable for a freshly created client.
type Provisioned struct {
	Username  string
	ConfName  string
	Conf      []byte
	QR        []byte
	ExpiresAt *time.Time
	Limit     string
}

// Provisioner creates clients end to end: peer, plan record, scheduled
// deactivation, and the config artifacts to hand to the user. The admin
// flow and the payment flow both go through it.
type Provisioner struct {
	Peers    PeerAdder
	Expiry   *expiry.Store
	Sched    *sched.Scheduler
	UsersDir string
	Logger   *slog.Logger
}

// Create provisions a client for the given number of days (0 means no
// expiration) with the given traffic limit.
func (p *Provisioner) Create(ctx context.Context, username string, days int, limit string) (*Provisioned, error) {
	if err := p.Peers.Add(ctx, username); err != nil {
		return nil, err
	}

	result := &Provisioned{Username: username, Limit: limit}
	if days > 0 {
		at := time.Now().Add(time.Duration(days) * 24 * time.Hour)
		if err := p.Expiry.Set(username, &at, limit); err != nil {
			return nil, fmt.Errorf("recording plan for %s: %w", username, err)
		}
		p.Sched.ScheduleDeactivation(sched.Username(username), at)
		result.ExpiresAt = &at
	} else if limit != expiry.Unlimited && limit != "" {
		if err := p.Expiry.Set(username, nil, limit); err != nil {
			return nil, fmt.Errorf("recording plan for %s: %w", username, err)
		}
	}

	confName := username + ".conf"
	conf, err := os.ReadFile(filepath.Join(p.UsersDir, username, confName))
	if err != nil {
		return nil, fmt.Errorf("reading generated config for %s: %w", username, err)
	}
	result.ConfName = confName
	result.Conf = conf

	qr, err := qrcode.Encode(string(conf), qrcode.Medium, 512)
	if err != nil {
		p.Logger.Warn("failed to render config QR", "user", username, "err", err)
	} else {
		result.QR = qr
	}
	return result, nil
}

// Extend pushes a client's expiration forward by the given number of
// days, from the later of now and the current expiration.
func (p *Provisioner) Extend(username string, days int) (time.Time, error) {
	base := time.Now()
	if rec, ok := p.Expiry.Get(username); ok && rec.ExpirationTime != nil && rec.ExpirationTime.After(base) {
		base = *rec.ExpirationTime
	}
	limit := expiry.Unlimited
	if rec, ok := p.Expiry.Get(username); ok && rec.TrafficLimit != "" {
		limit = rec.TrafficLimit
	}

	at := base.Add(time.Duration(days) * 24 * time.Hour)
	if err := p.Expiry.Set(username, &at, limit); err != nil {
		return time.Time{}, fmt.Errorf("extending plan for %s: %w", username, err)
	}
	p.Sched.ScheduleDeactivation(sched.Username(username), at)
	return at, nil
}
