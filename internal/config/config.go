package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel string `yaml:"log_level"`
	DataDir  string `yaml:"data_dir"`

	WireGuard     WireGuardConfig     `yaml:"wireguard"`
	Servers       []ServerConfig      `yaml:"servers"`
	Telegram      TelegramConfig      `yaml:"telegram"`
	Payments      PaymentsConfig      `yaml:"payments"`
	Reconcile     ReconcileConfig     `yaml:"reconcile"`
	ISP           ISPConfig           `yaml:"isp"`
	Observability ObservabilityConfig `yaml:"observability"`

	// TrafficLimits are the quota choices offered when provisioning a user.
	// "unlimited" is always a valid value regardless of this list.
	TrafficLimits []string `yaml:"traffic_limits"`
}

// WireGuardConfig describes the local daemon: an AmneziaWG/WireGuard
// instance running inside a Docker container, introspected via exec.
type WireGuardConfig struct {
	Container        string `yaml:"container"`
	ConfigPath       string `yaml:"config_path"`
	ClientsTablePath string `yaml:"clients_table_path"`
	Endpoint         string `yaml:"endpoint"`
}

// ServerConfig describes one remote fleet member reached over SSH.
type ServerConfig struct {
	Name      string `yaml:"name"`
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	User      string `yaml:"user"`
	KeyPath   string `yaml:"key_path"`
	Container string `yaml:"container"`
}

type TelegramConfig struct {
	Token    string  `yaml:"token"`
	VPNName  string  `yaml:"vpn_name"`
	AdminIDs []int64 `yaml:"admin_ids"`
}

type PaymentsConfig struct {
	Enabled   bool           `yaml:"enabled"`
	ShopID    string         `yaml:"shop_id"`
	SecretKey string         `yaml:"secret_key"`
	Tariffs   []TariffConfig `yaml:"tariffs"`
}

// TariffConfig maps a subscription period to its price and duration.
type TariffConfig struct {
	Months int `yaml:"months"`
	Days   int `yaml:"days"`
	Price  int `yaml:"price"` // RUB
}

type ReconcileConfig struct {
	TrafficInterval      int `yaml:"traffic_interval"`      // seconds
	HousekeepingInterval int `yaml:"housekeeping_interval"` // seconds
}

type ISPConfig struct {
	MMDBPath string `yaml:"mmdb_path"` // optional ASN database (local path)
	Refresh  int    `yaml:"refresh"`   // seconds
	CacheTTL int    `yaml:"cache_ttl"` // seconds
}

type ObservabilityConfig struct {
	Addr    string `yaml:"addr"`
	Metrics bool   `yaml:"metrics"`
	Pprof   bool   `yaml:"pprof"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "data"
	}

	if cfg.WireGuard.Container == "" {
		return nil, fmt.Errorf("wireguard: container is required")
	}
	if cfg.WireGuard.ConfigPath == "" {
		cfg.WireGuard.ConfigPath = "/opt/amnezia/awg/wg0.conf"
	}
	if cfg.WireGuard.ClientsTablePath == "" {
		cfg.WireGuard.ClientsTablePath = filepath.Join(filepath.Dir(cfg.WireGuard.ConfigPath), "clientsTable")
	}
	if cfg.WireGuard.Endpoint == "" {
		return nil, fmt.Errorf("wireguard: endpoint is required")
	}

	for i := range cfg.Servers {
		s := &cfg.Servers[i]
		if s.Host == "" {
			return nil, fmt.Errorf("server entry %d: host is required", i)
		}
		if s.Name == "" {
			s.Name = s.Host
		}
		if s.Port == 0 {
			s.Port = 22
		}
		if s.User == "" {
			s.User = "root"
		}
		if s.Container == "" {
			s.Container = cfg.WireGuard.Container
		}
	}

	if tok := os.Getenv("WGFLEET_BOT_TOKEN"); tok != "" {
		cfg.Telegram.Token = tok
	}
	if cfg.Telegram.Token == "" {
		return nil, fmt.Errorf("telegram: token is required")
	}
	if len(cfg.Telegram.AdminIDs) == 0 {
		return nil, fmt.Errorf("telegram: at least one admin_id is required")
	}

	if cfg.Payments.Enabled {
		if sec := os.Getenv("WGFLEET_PAYMENT_SECRET"); sec != "" {
			cfg.Payments.SecretKey = sec
		}
		if cfg.Payments.ShopID == "" || cfg.Payments.SecretKey == "" {
			return nil, fmt.Errorf("payments: shop_id and secret_key are required when enabled")
		}
		if len(cfg.Payments.Tariffs) == 0 {
			cfg.Payments.Tariffs = []TariffConfig{
				{Months: 1, Days: 30, Price: 299},
				{Months: 3, Days: 90, Price: 799},
				{Months: 6, Days: 180, Price: 1499},
				{Months: 12, Days: 365, Price: 2699},
			}
		}
		for i, t := range cfg.Payments.Tariffs {
			if t.Days == 0 || t.Price == 0 {
				return nil, fmt.Errorf("payments: tariff %d: days and price are required", i)
			}
		}
	}

	if cfg.Reconcile.TrafficInterval == 0 {
		cfg.Reconcile.TrafficInterval = 60
	}
	if cfg.Reconcile.HousekeepingInterval == 0 {
		cfg.Reconcile.HousekeepingInterval = 60
	}

	if cfg.ISP.Refresh == 0 {
		cfg.ISP.Refresh = 86400
	}
	if cfg.ISP.CacheTTL == 0 {
		cfg.ISP.CacheTTL = 86400
	}

	if len(cfg.TrafficLimits) == 0 {
		cfg.TrafficLimits = []string{"5 GB", "10 GB", "30 GB", "100 GB", "unlimited"}
	}

	return &cfg, nil
}

func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

func (c *Config) ParseLogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// InterfaceName derives the daemon interface name from the config path,
// e.g. /opt/amnezia/awg/wg0.conf -> wg0.
func (c *WireGuardConfig) InterfaceName() string {
	base := filepath.Base(c.ConfigPath)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// IsAdmin reports whether the given Telegram user ID is an administrator.
func (c *Config) IsAdmin(id int64) bool {
	for _, a := range c.Telegram.AdminIDs {
		if a == id {
			return true
		}
	}
	return false
}
