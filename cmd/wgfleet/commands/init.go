package commands

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// Init writes a starter config file.
func Init(args []string, logger *slog.Logger) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	configPath := fs.String("config", "configs/wgfleet.yaml", "path to config file")
	container := fs.String("container", "amnezia-awg", "WireGuard docker container name")
	endpoint := fs.String("endpoint", "", "public endpoint clients connect to (host:port)")
	adminID := fs.Int64("admin", 0, "Telegram admin user ID")
	fs.Parse(args)

	if *adminID == 0 {
		fmt.Fprintln(os.Stderr, "error: -admin is required (your Telegram user ID)")
		fs.Usage()
		os.Exit(1)
	}

	content := fmt.Sprintf(`log_level: info
data_dir: data

wireguard:
  container: "%s"
  config_path: /opt/amnezia/awg/wg0.conf
  endpoint: "%s"

# Remote fleet members, reached over SSH:
# servers:
#   - name: backup
#     host: 203.0.113.7
#     port: 22
#     user: root
#     key_path: /root/.ssh/id_ed25519
#     container: amnezia-awg

telegram:
  token: ""   # or set WGFLEET_BOT_TOKEN
  vpn_name: "My VPN"
  admin_ids: [%d]

reconcile:
  traffic_interval: 60
  housekeeping_interval: 60

observability:
  addr: "127.0.0.1:9090"
  metrics: true
  pprof: false
`, *container, *endpoint, *adminID)

	dir := filepath.Dir(*configPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		logger.Error("failed to create config directory", "err", err)
		os.Exit(1)
	}
	if err := os.WriteFile(*configPath, []byte(content), 0o600); err != nil {
		logger.Error("failed to write config", "err", err)
		os.Exit(1)
	}

	fmt.Println("=== Config initialized ===")
	fmt.Printf("Config: %s\n", *configPath)
	fmt.Println()
	fmt.Println("Set the bot token (WGFLEET_BOT_TOKEN or telegram.token), then run 'wgfleet run'.")
}
