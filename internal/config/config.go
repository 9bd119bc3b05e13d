package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix for every environment override (SWAPLIVE_PORT, ...).
const EnvPrefix = "SWAPLIVE"

// Busy policies applied when a second client connects while one is active.
const (
	BusyReject = "reject"
	BusyEvict  = "evict"
)

// Regions accepted by the tunnel agent.
var TunnelRegions = []string{"us", "eu", "ap", "au", "sa", "jp", "in"}

type ServerSettings struct {
	Host           string `yaml:"host" envconfig:"HOST"`
	Port           int    `yaml:"port" envconfig:"PORT"`
	PortRangeStart int    `yaml:"port_range_start" envconfig:"PORT_RANGE_START"`
	PortRangeEnd   int    `yaml:"port_range_end" envconfig:"PORT_RANGE_END"`
}

type SessionSettings struct {
	BusyPolicy        string        `yaml:"busy_policy" envconfig:"BUSY_POLICY"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT"`
	IdleCheckInterval time.Duration `yaml:"idle_check_interval" envconfig:"IDLE_CHECK_INTERVAL"`
	MaxFPS            float64       `yaml:"max_fps" envconfig:"MAX_FPS"`
	Burst             int           `yaml:"burst" envconfig:"BURST"`
	StatsWindow       int           `yaml:"stats_window" envconfig:"STATS_WINDOW"`
}

type UploadSettings struct {
	MaxBytes          int64    `yaml:"max_bytes" envconfig:"MAX_BYTES"`
	AllowedExtensions []string `yaml:"allowed_extensions" envconfig:"ALLOWED_EXTENSIONS"`
}

type EngineSettings struct {
	Command     string        `yaml:"command" envconfig:"COMMAND"`
	Args        []string      `yaml:"args" envconfig:"ARGS"`
	Device      string        `yaml:"device" envconfig:"DEVICE"`
	ModelsDir   string        `yaml:"models_dir" envconfig:"MODELS_DIR"`
	InitTimeout time.Duration `yaml:"init_timeout" envconfig:"INIT_TIMEOUT"`
	CallTimeout time.Duration `yaml:"call_timeout" envconfig:"CALL_TIMEOUT"`
	StopTimeout time.Duration `yaml:"stop_timeout" envconfig:"STOP_TIMEOUT"`
}

type TunnelSettings struct {
	Enabled        bool          `yaml:"enabled" envconfig:"ENABLED"`
	Binary         string        `yaml:"binary" envconfig:"BINARY"`
	AuthToken      string        `yaml:"auth_token" envconfig:"AUTH_TOKEN"`
	Region         string        `yaml:"region" envconfig:"REGION"`
	Subdomain      string        `yaml:"subdomain" envconfig:"SUBDOMAIN"`
	DashboardPort  int           `yaml:"dashboard_port" envconfig:"DASHBOARD_PORT"`
	VerifyAttempts int           `yaml:"verify_attempts" envconfig:"VERIFY_ATTEMPTS"`
	VerifyInterval time.Duration `yaml:"verify_interval" envconfig:"VERIFY_INTERVAL"`
	LaunchRetries  int           `yaml:"launch_retries" envconfig:"LAUNCH_RETRIES"`
	FallbackLocal  bool          `yaml:"fallback_local" envconfig:"FALLBACK_LOCAL"`
	StopTimeout    time.Duration `yaml:"stop_timeout" envconfig:"STOP_TIMEOUT"`
}

type LogSettings struct {
	Level  string `yaml:"level" envconfig:"LEVEL"`
	Format string `yaml:"format" envconfig:"FORMAT"`
	File   string `yaml:"file" envconfig:"FILE"`
}

type TelemetrySettings struct {
	ReportInterval time.Duration `yaml:"report_interval" envconfig:"REPORT_INTERVAL"`
	MQTTBroker     string        `yaml:"mqtt_broker" envconfig:"MQTT_BROKER"`
	MQTTTopic      string        `yaml:"mqtt_topic" envconfig:"MQTT_TOPIC"`
	MQTTClientID   string        `yaml:"mqtt_client_id" envconfig:"MQTT_CLIENT_ID"`
}

// Settings is the fully resolved process configuration. It is built once at
// startup and passed by value; nothing re-reads the environment afterwards.
type Settings struct {
	Server       ServerSettings    `yaml:"server" envconfig:"SERVER"`
	Session      SessionSettings   `yaml:"session" envconfig:"SESSION"`
	Upload       UploadSettings    `yaml:"upload" envconfig:"UPLOAD"`
	Engine       EngineSettings    `yaml:"engine" envconfig:"ENGINE"`
	Tunnel       TunnelSettings    `yaml:"tunnel" envconfig:"TUNNEL"`
	Log          LogSettings       `yaml:"log" envconfig:"LOG"`
	Telemetry    TelemetrySettings `yaml:"telemetry" envconfig:"TELEMETRY"`
	DatabasePath string            `yaml:"database_path" envconfig:"DATABASE_PATH"`
}

// Defaults returns the built-in configuration layer.
func Defaults() Settings {
	return Settings{
		Server: ServerSettings{
			Host:           "0.0.0.0",
			PortRangeStart: 3000,
			PortRangeEnd:   9999,
		},
		Session: SessionSettings{
			BusyPolicy:        BusyEvict,
			IdleTimeout:       60 * time.Second,
			IdleCheckInterval: 5 * time.Second,
			MaxFPS:            15,
			Burst:             15,
			StatsWindow:       30,
		},
		Upload: UploadSettings{
			MaxBytes:          10 * 1024 * 1024,
			AllowedExtensions: []string{".jpg", ".jpeg", ".png", ".bmp", ".webp"},
		},
		Engine: EngineSettings{
			Device:      "cuda",
			ModelsDir:   "models",
			InitTimeout: 2 * time.Minute,
			CallTimeout: 10 * time.Second,
			StopTimeout: 2 * time.Second,
		},
		Tunnel: TunnelSettings{
			Binary:         "ngrok",
			Region:         "us",
			DashboardPort:  4040,
			VerifyAttempts: 10,
			VerifyInterval: time.Second,
			LaunchRetries:  1,
			FallbackLocal:  true,
			StopTimeout:    5 * time.Second,
		},
		Log: LogSettings{
			Level:  "info",
			Format: "text",
		},
		Telemetry: TelemetrySettings{
			ReportInterval: 30 * time.Second,
			MQTTTopic:      "swaplive/stats",
			MQTTClientID:   "swaplive",
		},
		DatabasePath: "data/swaplive.db",
	}
}

// legacyEnv maps the tunnel agent's own variable names onto ours. The
// SWAPLIVE_* form wins when both are set.
var legacyEnv = []struct {
	name string
	key  string
	set  func(*Settings, string) error
}{
	{"NGROK_AUTHTOKEN", "_TUNNEL_AUTH_TOKEN", func(s *Settings, v string) error { s.Tunnel.AuthToken = v; return nil }},
	{"NGROK_AUTH_TOKEN", "_TUNNEL_AUTH_TOKEN", func(s *Settings, v string) error { s.Tunnel.AuthToken = v; return nil }},
	{"NGROK_REGION", "_TUNNEL_REGION", func(s *Settings, v string) error { s.Tunnel.Region = v; return nil }},
	{"NGROK_SUBDOMAIN", "_TUNNEL_SUBDOMAIN", func(s *Settings, v string) error { s.Tunnel.Subdomain = v; return nil }},
	{"NGROK_DASHBOARD_PORT", "_TUNNEL_DASHBOARD_PORT", func(s *Settings, v string) error {
		p, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("NGROK_DASHBOARD_PORT: %w", err)
		}
		s.Tunnel.DashboardPort = p
		return nil
	}},
}

// Load resolves configuration with precedence flags > environment > file >
// defaults. flags may be nil. The file path comes from the --config flag or
// SWAPLIVE_CONFIG.
func Load(flags *Flags) (Settings, error) {
	s := Defaults()

	path := os.Getenv(EnvPrefix + "_CONFIG")
	if flags != nil && flags.ConfigPath() != "" {
		path = flags.ConfigPath()
	}
	if path != "" {
		if err := loadFile(path, &s); err != nil {
			return Settings{}, err
		}
	}

	if err := loadEnv(&s); err != nil {
		return Settings{}, err
	}

	if flags != nil {
		flags.apply(&s)
	}

	s.Upload.AllowedExtensions = normalizeExtensions(s.Upload.AllowedExtensions)
	s.Tunnel.Region = strings.ToLower(strings.TrimSpace(s.Tunnel.Region))

	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func loadFile(path string, s *Settings) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, s); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func loadEnv(s *Settings) error {
	for _, l := range legacyEnv {
		if _, set := os.LookupEnv(EnvPrefix + l.key); set {
			continue
		}
		if v, ok := os.LookupEnv(l.name); ok && v != "" {
			if err := l.set(s, v); err != nil {
				return err
			}
		}
	}
	// Fields without a matching variable keep the value from earlier layers.
	if err := envconfig.Process(EnvPrefix, s); err != nil {
		return fmt.Errorf("load environment: %w", err)
	}
	return nil
}

func normalizeExtensions(exts []string) []string {
	out := make([]string, 0, len(exts))
	seen := make(map[string]bool, len(exts))
	for _, e := range exts {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		if seen[e] {
			continue
		}
		seen[e] = true
		out = append(out, e)
	}
	return out
}

// Validate reports every inconsistent value at once.
func (s Settings) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if s.Server.Port < 0 || s.Server.Port > 65535 {
		add("server.port %d out of range", s.Server.Port)
	}
	if s.Server.Port == 0 {
		if s.Server.PortRangeStart < 1 || s.Server.PortRangeEnd > 65535 || s.Server.PortRangeStart > s.Server.PortRangeEnd {
			add("server port range %d-%d is invalid", s.Server.PortRangeStart, s.Server.PortRangeEnd)
		}
	}

	switch s.Session.BusyPolicy {
	case BusyReject, BusyEvict:
	default:
		add("session.busy_policy must be %q or %q, got %q", BusyReject, BusyEvict, s.Session.BusyPolicy)
	}
	if s.Session.IdleTimeout <= 0 {
		add("session.idle_timeout must be positive")
	}
	if s.Session.IdleCheckInterval <= 0 {
		add("session.idle_check_interval must be positive")
	}
	if s.Session.MaxFPS <= 0 {
		add("session.max_fps must be positive")
	}
	if s.Session.Burst < 1 {
		add("session.burst must be at least 1")
	}
	if s.Session.StatsWindow < 1 {
		add("session.stats_window must be at least 1")
	}

	if s.Upload.MaxBytes <= 0 {
		add("upload.max_bytes must be positive")
	}
	if len(s.Upload.AllowedExtensions) == 0 {
		add("upload.allowed_extensions must not be empty")
	}

	switch s.Engine.Device {
	case "cuda", "cpu":
	default:
		add("engine.device must be cuda or cpu, got %q", s.Engine.Device)
	}
	if s.Engine.CallTimeout <= 0 || s.Engine.InitTimeout <= 0 {
		add("engine timeouts must be positive")
	}

	if s.Tunnel.Enabled {
		if s.Tunnel.Binary == "" {
			add("tunnel.binary is required when the tunnel is enabled")
		}
		if !validRegion(s.Tunnel.Region) {
			add("tunnel.region %q is not one of %s", s.Tunnel.Region, strings.Join(TunnelRegions, ", "))
		}
		if s.Tunnel.VerifyAttempts < 1 {
			add("tunnel.verify_attempts must be at least 1")
		}
		if s.Tunnel.VerifyInterval <= 0 {
			add("tunnel.verify_interval must be positive")
		}
		if s.Tunnel.LaunchRetries < 0 {
			add("tunnel.launch_retries must not be negative")
		}
		if s.Tunnel.DashboardPort < 1 || s.Tunnel.DashboardPort > 65535 {
			add("tunnel.dashboard_port %d out of range", s.Tunnel.DashboardPort)
		}
	}

	switch strings.ToLower(s.Log.Format) {
	case "text", "json":
	default:
		add("log.format must be text or json, got %q", s.Log.Format)
	}

	return errors.Join(errs...)
}

func validRegion(r string) bool {
	for _, known := range TunnelRegions {
		if r == known {
			return true
		}
	}
	return false
}
