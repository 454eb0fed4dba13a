// Package sched drives time-based enforcement: per-user expiration jobs,
// the periodic traffic reconciliation pass, and housekeeping.
package sched

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nsmelov/wgfleet/internal/expiry"
	"github.com/nsmelov/wgfleet/internal/metrics"
	"github.com/nsmelov/wgfleet/internal/peers"
	"github.com/nsmelov/wgfleet/internal/traffic"
	"github.com/nsmelov/wgfleet/internal/wgstatus"
)

// Username keys the job table. Strong typing keeps job identity distinct
// from arbitrary strings flowing through the bot layer.
type Username string

// Deactivation reasons, used for notifications and metrics labels.
const (
	ReasonExpired = "expired"
	ReasonQuota   = "quota"
	ReasonManual  = "manual"
)

// ClientSource supplies the merged active-client view.
type ClientSource interface {
	ActiveClients(ctx context.Context) (map[string]wgstatus.ActiveClient, error)
}

// Ledger folds raw counters into cumulative per-user traffic.
type Ledger interface {
	Flush(username string, incoming, outgoing int64) (traffic.Record, error)
}

// PeerStore looks up and removes provisioned peers.
type PeerStore interface {
	Find(ctx context.Context, username string) (peers.Client, bool, error)
	Remove(ctx context.Context, username, publicKey string) error
	Backfill(ctx context.Context) error
}

// Notifier delivers enforcement outcomes to administrators. Every
// Deactivate outcome, success or failure, goes through it.
type Notifier interface {
	NotifyAdmins(ctx context.Context, text string)
}

// ConnPruner caps connection logs during housekeeping.
type ConnPruner interface {
	PruneAll()
}

// Options wires the scheduler's collaborators.
type Options struct {
	Fleet  ClientSource
	Ledger Ledger
	Expiry *expiry.Store
	Peers  PeerStore
	Conns  ConnPruner
	Notify Notifier

	// UsersDir holds per-user generated artifacts (configs, QR codes),
	// removed on deactivation.
	UsersDir string

	TrafficInterval      time.Duration
	HousekeepingInterval time.Duration

	// EvictCaches, if set, runs on every housekeeping pass (e.g. ISP
	// cache TTL eviction).
	EvictCaches func(now time.Time)

	Logger *slog.Logger
}

type Scheduler struct {
	opts   Options
	logger *slog.Logger

	mu   sync.Mutex
	jobs map[Username]*time.Timer

	runCtx context.Context

	now func() time.Time
}

func New(opts Options) *Scheduler {
	if opts.TrafficInterval == 0 {
		opts.TrafficInterval = time.Minute
	}
	if opts.HousekeepingInterval == 0 {
		opts.HousekeepingInterval = time.Minute
	}
	return &Scheduler{
		opts:   opts,
		logger: opts.Logger,
		jobs:   make(map[Username]*time.Timer),
		now:    time.Now,
	}
}

// SetNotifier installs the admin notifier. The bot needs the scheduler
// for manual deactivations and the scheduler needs the bot to report
// outcomes, so the notifier is attached after construction, before Run.
func (s *Scheduler) SetNotifier(n Notifier) {
	s.opts.Notify = n
}

// Run re-arms outstanding expiration jobs and then drives the periodic
// loops until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.mu.Lock()
	s.runCtx = ctx
	s.mu.Unlock()

	s.Rearm(ctx)

	trafficTicker := time.NewTicker(s.opts.TrafficInterval)
	defer trafficTicker.Stop()
	houseTicker := time.NewTicker(s.opts.HousekeepingInterval)
	defer houseTicker.Stop()

	s.logger.Info("sched: running",
		"traffic_interval", s.opts.TrafficInterval,
		"housekeeping_interval", s.opts.HousekeepingInterval,
	)

	for {
		select {
		case <-ctx.Done():
			s.cancelAll()
			s.logger.Info("sched: stopped")
			return
		case <-trafficTicker.C:
			s.ReconcileTraffic(ctx)
		case <-houseTicker.C:
			s.Housekeeping(ctx)
		}
	}
}

// Rearm derives the expiration job set from the durable store. Future
// times are armed; already-passed times fire immediately instead of
// being dropped, so enforcement survives restarts.
func (s *Scheduler) Rearm(ctx context.Context) {
	now := s.now()
	for _, rec := range s.opts.Expiry.List() {
		if rec.ExpirationTime == nil {
			continue
		}
		if rec.ExpirationTime.After(now) {
			s.ScheduleDeactivation(Username(rec.Username), *rec.ExpirationTime)
			s.logger.Info("sched: re-armed expiration",
				"username", rec.Username, "at", rec.ExpirationTime.Format(time.RFC3339))
		} else {
			s.logger.Info("sched: expiration passed while down, deactivating",
				"username", rec.Username)
			s.Deactivate(ctx, rec.Username, ReasonExpired)
		}
	}
}

// ScheduleDeactivation arms (or replaces) the expiration job for
// username. An existing job for the same username is cancelled first, so
// concurrent re-provisioning can never leave two live timers behind.
func (s *Scheduler) ScheduleDeactivation(username Username, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.jobs[username]; ok {
		t.Stop()
	}
	d := at.Sub(s.now())
	if d < 0 {
		d = 0
	}
	s.jobs[username] = time.AfterFunc(d, func() { s.fireExpiration(username) })
}

// CancelDeactivation drops any pending expiration job for username.
// Cancelling a job that is firing right now is tolerated: deactivation
// is idempotent, so the late fire is a no-op.
func (s *Scheduler) CancelDeactivation(username Username) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.jobs[username]; ok {
		t.Stop()
		delete(s.jobs, username)
	}
}

func (s *Scheduler) cancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for u, t := range s.jobs {
		t.Stop()
		delete(s.jobs, u)
	}
}

func (s *Scheduler) fireExpiration(username Username) {
	s.mu.Lock()
	delete(s.jobs, username)
	ctx := s.runCtx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	s.Deactivate(ctx, string(username), ReasonExpired)
}

// ReconcileTraffic is the periodic quota-enforcement pass: poll the
// fleet, fold every active client through the ledger, and deactivate
// anyone whose cumulative total meets or exceeds their limit.
func (s *Scheduler) ReconcileTraffic(ctx context.Context) {
	start := s.now()
	defer func() {
		metrics.ReconcilePasses.Inc()
		metrics.ReconcileDuration.Observe(time.Since(start).Seconds())
	}()

	clients, err := s.opts.Fleet.ActiveClients(ctx)
	if err != nil {
		s.logger.Error("sched: fleet poll failed", "err", err)
		return
	}

	for username, client := range clients {
		rx, tx := traffic.ParseTransfer(client.Transfer)
		rec, err := s.opts.Ledger.Flush(username, rx, tx)
		if err != nil {
			s.logger.Error("sched: ledger flush failed", "username", username, "err", err)
			continue
		}

		exp, ok := s.opts.Expiry.Get(username)
		if !ok {
			continue
		}
		limitBytes, limited := traffic.ParseLimit(exp.TrafficLimit)
		if !limited {
			continue
		}
		// Inclusive boundary: hitting the limit exactly counts.
		if rec.Total() >= limitBytes {
			s.logger.Info("sched: traffic limit reached",
				"username", username, "total", rec.Total(), "limit", limitBytes)
			s.Deactivate(ctx, username, ReasonQuota)
		}
	}
}

// Housekeeping backfills peer names and prunes caches and logs.
func (s *Scheduler) Housekeeping(ctx context.Context) {
	if err := s.opts.Peers.Backfill(ctx); err != nil {
		s.logger.Warn("sched: peer name backfill failed", "err", err)
	}
	if s.opts.Conns != nil {
		s.opts.Conns.PruneAll()
	}
	if s.opts.EvictCaches != nil {
		s.opts.EvictCaches(s.now())
	}
}

// Deactivate removes the peer's network access and all enforcement
// bookkeeping: the daemon peer, the expiration record, any pending job,
// and the user's generated artifacts. It is idempotent; deactivating an
// already-deactivated user cleans up whatever is left and succeeds. The
// outcome is always reported to administrators.
func (s *Scheduler) Deactivate(ctx context.Context, username, reason string) error {
	client, found, err := s.opts.Peers.Find(ctx, username)
	if err != nil {
		s.logger.Error("sched: deactivate lookup failed", "username", username, "err", err)
	}

	var removeErr error
	if found {
		removeErr = s.opts.Peers.Remove(ctx, username, client.PublicKey)
	}

	// Bookkeeping cleanup happens even when the removal command failed:
	// the terms are void either way, and re-running Deactivate by hand
	// remains safe.
	if err := s.opts.Expiry.Remove(username); err != nil {
		s.logger.Error("sched: removing expiration record failed", "username", username, "err", err)
	}
	s.CancelDeactivation(Username(username))

	if s.opts.UsersDir != "" {
		dir := filepath.Join(s.opts.UsersDir, username)
		if err := os.RemoveAll(dir); err != nil {
			s.logger.Error("sched: removing user artifacts failed", "dir", dir, "err", err)
		}
	}

	if removeErr != nil {
		metrics.DeactivationFailures.Inc()
		s.logger.Error("sched: peer removal failed", "username", username, "err", removeErr)
		s.notify(ctx, fmt.Sprintf("⚠️ Failed to deactivate %s (%s): %v", username, reason, removeErr))
		return fmt.Errorf("sched: deactivate %s: %w", username, removeErr)
	}

	metrics.Deactivations.WithLabelValues(reason).Inc()
	s.logger.Info("sched: deactivated", "username", username, "reason", reason)
	if found {
		s.notify(ctx, fmt.Sprintf("🔒 %s deactivated (%s)", username, reason))
	}
	return nil
}

func (s *Scheduler) notify(ctx context.Context, text string) {
	if s.opts.Notify != nil {
		s.opts.Notify.NotifyAdmins(ctx, text)
	}
}

// HasJob reports whether a pending expiration job exists for username.
func (s *Scheduler) HasJob(username Username) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[username]
	return ok
}
