package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// AgentEntry defines an agent known to the board. Agents are seeded into
// the store on startup; role LEAD marks the default reviewer/orchestrator.
type AgentEntry struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Role        string `yaml:"role"` // LEAD or MEMBER
	Description string `yaml:"description"`
	Avatar      string `yaml:"avatar"`
}

// RemoteEntry describes a remote OpenClaw-style scheduling endpoint whose
// cron jobs are mirrored into recurring tasks and back.
type RemoteEntry struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
	// APIURL is the endpoint base URL, e.g. https://agent.example.com.
	APIURL string `yaml:"api_url"`
	// GatewayToken is the bearer credential. A "${VAR}" value is resolved
	// from the environment at call time; an empty result skips the endpoint.
	GatewayToken string `yaml:"gateway_token"`
}

// ResolveToken expands a ${VAR} indirection against the environment.
// It returns the literal token otherwise.
func (r RemoteEntry) ResolveToken() string {
	tok := strings.TrimSpace(r.GatewayToken)
	if strings.HasPrefix(tok, "${") && strings.HasSuffix(tok, "}") {
		return os.Getenv(tok[2 : len(tok)-1])
	}
	return tok
}

// CORSConfig controls cross-origin access for the HTTP gateway.
type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// OTelConfig mirrors internal/otel.Config in yaml form.
type OTelConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr  string `yaml:"bind_addr"`
	LogLevel  string `yaml:"log_level"`
	AuthToken string `yaml:"auth_token"`

	// AllowOrigins controls accepted Origin headers for browser WS connections.
	// Empty list means "same-origin only" (no cross-origin WebSockets).
	AllowOrigins []string `yaml:"allow_origins"`

	CORS CORSConfig `yaml:"cors"`
	OTel OTelConfig `yaml:"otel"`

	// SchedulerIntervalSeconds is the recurring-task due check cadence. 0 = 60s.
	SchedulerIntervalSeconds int `yaml:"scheduler_interval_seconds"`

	// SyncIntervalMinutes is the periodic remote cron pull cadence. 0 disables it;
	// sync can still be requested through the API.
	SyncIntervalMinutes int `yaml:"sync_interval_minutes"`

	// AssignmentRules maps a lowercase tag to the agent a new task carrying
	// that tag is auto-assigned to. Injected into task creation; never a
	// process-global.
	AssignmentRules map[string]string `yaml:"assignment_rules"`

	// CompletionKeywords overrides the built-in completion keyword set used
	// by the activity auto-transition detector. Empty keeps the default.
	CompletionKeywords []string `yaml:"completion_keywords"`

	Agents  []AgentEntry  `yaml:"agents"`
	Remotes []RemoteEntry `yaml:"remotes"`

	NeedsGenesis bool `yaml:"-"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the active config.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|origins=%v|remotes=%d|agents=%d|sched=%d",
		c.BindAddr, c.LogLevel, c.AllowOrigins, len(c.Remotes), len(c.Agents), c.SchedulerIntervalSeconds)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// SchedulerInterval returns the effective scheduler tick interval.
func (c Config) SchedulerInterval() time.Duration {
	if c.SchedulerIntervalSeconds <= 0 {
		return time.Minute
	}
	return time.Duration(c.SchedulerIntervalSeconds) * time.Second
}

// SyncInterval returns the effective remote pull cadence, 0 when disabled.
func (c Config) SyncInterval() time.Duration {
	if c.SyncIntervalMinutes <= 0 {
		return 0
	}
	return time.Duration(c.SyncIntervalMinutes) * time.Minute
}

// LeadAgentID returns the configured LEAD agent, falling back to "main".
func (c Config) LeadAgentID() string {
	for _, a := range c.Agents {
		if strings.EqualFold(a.Role, "LEAD") {
			return a.ID
		}
	}
	return "main"
}

func defaultConfig() Config {
	return Config{
		BindAddr:                 "127.0.0.1:18890",
		LogLevel:                 "info",
		SchedulerIntervalSeconds: 60,
		CORS: CORSConfig{
			Enabled: false,
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("CLAWCONTROL_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".clawcontrol")
}

func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create clawcontrol home: %w", err)
	}

	configPath := ConfigPath(cfg.HomeDir)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadFrom reads a config rooted at an explicit home directory. Used by tests
// and by the -home flag.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create clawcontrol home: %w", err)
	}
	data, err := os.ReadFile(ConfigPath(homeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18890"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.SchedulerIntervalSeconds <= 0 {
		cfg.SchedulerIntervalSeconds = 60
	}
	// Lowercase assignment-rule tags so matching is case-insensitive.
	if len(cfg.AssignmentRules) > 0 {
		rules := make(map[string]string, len(cfg.AssignmentRules))
		for tag, agent := range cfg.AssignmentRules {
			rules[strings.ToLower(strings.TrimSpace(tag))] = agent
		}
		cfg.AssignmentRules = rules
	}
}

func validate(cfg *Config) error {
	seen := make(map[string]bool, len(cfg.Remotes))
	for _, r := range cfg.Remotes {
		if r.ID == "" {
			return fmt.Errorf("remote entry missing id (api_url=%s)", r.APIURL)
		}
		if seen[r.ID] {
			return fmt.Errorf("duplicate remote id %q", r.ID)
		}
		seen[r.ID] = true
	}
	leads := 0
	for _, a := range cfg.Agents {
		if a.ID == "" {
			return fmt.Errorf("agent entry missing id (name=%s)", a.Name)
		}
		if strings.EqualFold(a.Role, "LEAD") {
			leads++
		}
	}
	if leads > 1 {
		return fmt.Errorf("at most one LEAD agent allowed, found %d", leads)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("CLAWCONTROL_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("CLAWCONTROL_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("CLAWCONTROL_AUTH_TOKEN"); raw != "" {
		cfg.AuthToken = raw
	}
	if raw := os.Getenv("CLAWCONTROL_SCHEDULER_INTERVAL_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.SchedulerIntervalSeconds = v
		}
	}
	if raw := os.Getenv("CLAWCONTROL_SYNC_INTERVAL_MINUTES"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.SyncIntervalMinutes = v
		}
	}
}
