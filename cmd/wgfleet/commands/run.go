package commands

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nsmelov/wgfleet/internal/backup"
	"github.com/nsmelov/wgfleet/internal/bot"
	"github.com/nsmelov/wgfleet/internal/config"
	"github.com/nsmelov/wgfleet/internal/connlog"
	"github.com/nsmelov/wgfleet/internal/expiry"
	"github.com/nsmelov/wgfleet/internal/fleet"
	"github.com/nsmelov/wgfleet/internal/isp"
	"github.com/nsmelov/wgfleet/internal/payments"
	"github.com/nsmelov/wgfleet/internal/peers"
	"github.com/nsmelov/wgfleet/internal/runner"
	"github.com/nsmelov/wgfleet/internal/sched"
	"github.com/nsmelov/wgfleet/internal/telegram"
	"github.com/nsmelov/wgfleet/internal/traffic"
)

// Run starts the fleet control plane: the Telegram bot, the reconcile
// scheduler, and the observability server.
func Run(args []string, logger *slog.Logger) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "configs/wgfleet.yaml", "path to config file")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.ParseLogLevel()}))
	logger.Info("starting wgfleet",
		"container", cfg.WireGuard.Container, "servers", len(cfg.Servers))

	if obs := cfg.Observability; obs.Addr != "" {
		mux := http.NewServeMux()
		if obs.Pprof {
			// Re-register pprof handlers on our mux (net/http/pprof init registers on DefaultServeMux).
			mux.HandleFunc("/debug/pprof/", http.DefaultServeMux.ServeHTTP)
		}
		if obs.Metrics {
			mux.Handle("/metrics", promhttp.Handler())
		}
		go func() {
			logger.Info("starting observability server", "addr", obs.Addr, "pprof", obs.Pprof, "metrics", obs.Metrics)
			if err := http.ListenAndServe(obs.Addr, mux); err != nil {
				logger.Error("observability server failed", "err", err)
			}
		}()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("fleet error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	exec := runner.Exec{}
	manager := peers.NewManager(cfg.WireGuard, exec, logger)

	ledger, err := traffic.Open(filepath.Join(cfg.DataDir, "traffic.db"), logger)
	if err != nil {
		return err
	}
	defer ledger.Close()

	plans := expiry.Open(filepath.Join(cfg.DataDir, "expirations.json"), logger)
	conns := connlog.New(filepath.Join(cfg.DataDir, "connections"), logger)

	resolver, err := isp.New(
		cfg.ISP.MMDBPath,
		filepath.Join(cfg.DataDir, "isp_cache.json"),
		time.Duration(cfg.ISP.CacheTTL)*time.Second,
		time.Duration(cfg.ISP.Refresh)*time.Second,
		logger,
	)
	if err != nil {
		return err
	}
	defer resolver.Close()
	resolver.StartRefresh(ctx)

	local := &fleet.LocalSource{Container: cfg.WireGuard.Container, Run: exec}
	remotes := make([]fleet.Source, 0, len(cfg.Servers))
	for _, srv := range cfg.Servers {
		remotes = append(remotes, &fleet.RemoteSource{Server: srv})
	}
	agg := fleet.NewAggregator(local, remotes, manager, conns, logger)

	usersDir := filepath.Join(cfg.DataDir, "users")
	tgBot := telegram.NewBot(cfg.Telegram.Token)

	scheduler := sched.New(sched.Options{
		Fleet:                agg,
		Ledger:               ledger,
		Expiry:               plans,
		Peers:                manager,
		Conns:                conns,
		UsersDir:             usersDir,
		TrafficInterval:      time.Duration(cfg.Reconcile.TrafficInterval) * time.Second,
		HousekeepingInterval: time.Duration(cfg.Reconcile.HousekeepingInterval) * time.Second,
		EvictCaches:          resolver.Evict,
		Logger:               logger,
	})

	prov := &bot.Provisioner{
		Peers:    manager,
		Expiry:   plans,
		Sched:    scheduler,
		UsersDir: usersDir,
		Logger:   logger,
	}

	var pay *payments.Service
	if cfg.Payments.Enabled {
		store := payments.Open(filepath.Join(cfg.DataDir, "payments.json"), logger)
		pay = payments.NewService(payments.NewClient(cfg.Payments.ShopID, cfg.Payments.SecretKey), store, cfg, logger)
	}

	svc := bot.New(bot.Options{
		Bot:    tgBot,
		Config: cfg,
		Fleet:  agg,
		Peers:  manager,
		Prov:   prov,
		Sched:  scheduler,
		Ledger: ledger,
		Expiry: plans,
		Conns:  conns,
		ISP:    resolver,
		Backup: backup.New(cfg.DataDir),
		Pay:    pay,
		Logger: logger,
	})
	scheduler.SetNotifier(svc)

	if pay != nil {
		pay.OnPaid = svc.FulfillPayment
		go pay.Run(ctx)
	}
	go svc.Run(ctx)

	scheduler.Run(ctx)
	return nil
}
