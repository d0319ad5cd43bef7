package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"

	"fleetsync/pkg/fleet"
)

// EnvPrefix is prepended to every environment variable read by Load.
const EnvPrefix = "FLEET_"

var kanbanStrategies = map[string]struct{}{
	"server_primary":  {},
	"last_write_wins": {},
	"manual":          {},
}

// Config holds runtime configuration shared by the reporter, the registry and
// the kanban syncer. Values come from an optional YAML file and are then
// overridden by FLEET_* environment variables.
type Config struct {
	FleetMode      string `env:"MODE, overwrite" yaml:"fleet_mode"`
	LocalURL       string `env:"LOCAL_URL, overwrite, default=http://localhost:8082" yaml:"local_url"`
	RemoteURL      string `env:"REMOTE_URL, overwrite" yaml:"remote_url"`
	ServerURL      string `env:"SERVER_URL, overwrite" yaml:"server_url"`
	AuthToken      string `env:"AUTH_TOKEN, overwrite" yaml:"auth_token"`
	DashboardGroup string `env:"DASHBOARD_GROUP, overwrite" yaml:"dashboard_group"`

	ReportInterval  time.Duration `env:"REPORT_INTERVAL, overwrite, default=60s" yaml:"report_interval"`
	ConnectTimeout  time.Duration `env:"CONNECT_TIMEOUT, overwrite, default=10s" yaml:"connect_timeout"`
	RequestTimeout  time.Duration `env:"REQUEST_TIMEOUT, overwrite, default=30s" yaml:"request_timeout"`
	DeliveryRetries int           `env:"DELIVERY_ATTEMPTS, overwrite, default=3" yaml:"delivery_attempts"`
	RetryDelay      time.Duration `env:"RETRY_DELAY, overwrite, default=2s" yaml:"retry_delay"`

	HostnameOverride string   `env:"HOSTNAME, overwrite" yaml:"hostname"`
	StateDir         string   `env:"STATE_DIR, overwrite" yaml:"state_dir"`
	MachineIDFile    string   `env:"MACHINE_ID_FILE, overwrite" yaml:"machine_id_file"`
	MeshClient       string   `env:"MESH_CLIENT, overwrite, default=tailscale" yaml:"mesh_client"`
	SessionSockets   []string `env:"SESSION_SOCKETS, overwrite" yaml:"session_sockets"`
	SocketDir        string   `env:"SOCKET_DIR, overwrite" yaml:"socket_dir"`
	SidecarDir       string   `env:"SIDECAR_DIR, overwrite" yaml:"sidecar_dir"`
	BackupStatusFile string   `env:"BACKUP_STATUS_FILE, overwrite" yaml:"backup_status_file"`

	ListenAddr    string `env:"LISTEN_ADDR, overwrite, default=:8082" yaml:"listen_addr"`
	RegistryToken string `env:"REGISTRY_TOKEN, overwrite" yaml:"registry_token"`
	// LoopbackRequiresToken must be set when the registry sits behind a
	// reverse proxy on the same host; otherwise every proxied request looks
	// local and skips registry_token.
	LoopbackRequiresToken bool          `env:"LOOPBACK_REQUIRES_TOKEN, overwrite" yaml:"loopback_requires_token"`
	StaleAfter            time.Duration `env:"STALE_AFTER, overwrite, default=5m" yaml:"stale_after"`
	DatabaseDSN           string        `env:"DB_DSN, overwrite" yaml:"db_dsn"`
	NATSURL               string        `env:"NATS_URL, overwrite" yaml:"nats_url"`
	BoardStorePath        string        `env:"BOARD_STORE_PATH, overwrite" yaml:"board_store_path"`
	AllowedOrigins        []string      `env:"CORS_ALLOWED_ORIGINS, overwrite, default=*" yaml:"cors_allowed_origins"`
	IngestPerMin          int           `env:"INGEST_RATE_PER_MINUTE, overwrite, default=600" yaml:"ingest_rate_per_minute"`

	KanbanURL            string        `env:"KANBAN_URL, overwrite" yaml:"kanban_url"`
	KanbanDir            string        `env:"KANBAN_DIR, overwrite" yaml:"kanban_dir"`
	KanbanBoards         []string      `env:"KANBAN_BOARDS, overwrite" yaml:"kanban_boards"`
	KanbanServerStrategy string        `env:"KANBAN_SERVER_STRATEGY, overwrite, default=server_primary" yaml:"kanban_server_strategy"`
	KanbanClientStrategy string        `env:"KANBAN_CLIENT_STRATEGY, overwrite, default=server_primary" yaml:"kanban_client_strategy"`
	KanbanSyncInterval   time.Duration `env:"KANBAN_SYNC_INTERVAL, overwrite, default=30s" yaml:"kanban_sync_interval"`

	LogLevel     string `env:"LOG_LEVEL, overwrite, default=info" yaml:"log_level"`
	LogFormat    string `env:"LOG_FORMAT, overwrite, default=json" yaml:"log_format"`
	OTLPEndpoint string `env:"OTLP_ENDPOINT, overwrite" yaml:"otlp_endpoint"`
}

// Load reads .env (if present), the optional YAML file at path (or
// FLEET_CONFIG) and the process environment.
func Load(ctx context.Context, path string) (Config, error) {
	_ = godotenv.Load()

	if path == "" {
		path = os.Getenv(EnvPrefix + "CONFIG")
	}
	return load(ctx, path, envconfig.OsLookuper())
}

func load(ctx context.Context, path string, lookuper envconfig.Lookuper) (Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: envconfig.PrefixLookuper(EnvPrefix, lookuper),
	}); err != nil {
		return Config{}, fmt.Errorf("process environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate normalises enumerated values and fills path defaults derived from
// the state directory.
func (c *Config) Validate() error {
	mode, err := fleet.ParseMode(c.FleetMode)
	if err != nil {
		return err
	}
	c.FleetMode = string(mode)

	for _, field := range []*string{&c.KanbanServerStrategy, &c.KanbanClientStrategy} {
		*field = strings.ToLower(strings.TrimSpace(*field))
		if *field == "" {
			*field = "server_primary"
		}
		if _, ok := kanbanStrategies[*field]; !ok {
			return fmt.Errorf("unknown kanban strategy %q", *field)
		}
	}

	if c.DeliveryRetries <= 0 {
		return errors.New("delivery attempts must be positive")
	}
	if c.ReportInterval <= 0 {
		return errors.New("report interval must be positive")
	}

	if c.StateDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = os.TempDir()
		}
		c.StateDir = filepath.Join(home, ".fleetsync")
	}
	if c.MachineIDFile == "" {
		c.MachineIDFile = filepath.Join(c.StateDir, "machine-id")
	}
	if c.SidecarDir == "" {
		c.SidecarDir = filepath.Join(c.StateDir, "sessions")
	}
	if c.BackupStatusFile == "" {
		c.BackupStatusFile = filepath.Join(c.StateDir, "backup-status.json")
	}
	if c.KanbanDir == "" {
		c.KanbanDir = filepath.Join(c.StateDir, "kanban")
	}
	if c.BoardStorePath == "" {
		c.BoardStorePath = filepath.Join(c.StateDir, "boards.db")
	}
	if c.KanbanURL == "" {
		c.KanbanURL = c.primaryURL()
	}
	return nil
}

// Mode returns the parsed fleet mode.
func (c Config) Mode() fleet.Mode {
	mode, err := fleet.ParseMode(c.FleetMode)
	if err != nil {
		return fleet.ModeServer
	}
	return mode
}

// primaryURL picks the endpoint a client talks to for request/response calls
// such as kanban sync and registry queries.
func (c Config) primaryURL() string {
	switch c.Mode() {
	case fleet.ModeClient, fleet.ModeHybrid:
		if c.RemoteURL != "" {
			return c.RemoteURL
		}
	case fleet.ModeServer:
		if c.ServerURL != "" {
			return c.ServerURL
		}
	}
	return c.LocalURL
}

// RegistryURL is the base URL used by fleetctl queries.
func (c Config) RegistryURL() string {
	return c.primaryURL()
}
