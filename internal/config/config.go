package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DefaultModel          = "claude-sonnet-4-5-20250929"
	DefaultMaxTokens      = 1024
	DefaultHost           = "0.0.0.0"
	DefaultPort           = 18790
	DefaultStoreDriver    = "sqlite"
	DefaultCreditBackend  = "memory"
	DefaultRedisPrefix    = "jurisbot"
	DefaultTokenTTL       = 24 * time.Hour
	DefaultReconnectGrace = 2 * time.Minute
	DefaultSendRetries    = 4
	DefaultBufSize        = 256
	DefaultObserverBuffer = 16
	DefaultSnapshotCron   = "@every 30s"
	DefaultAuditCron      = "@every 5m"
)

type Config struct {
	Gateway   GatewayConfig   `json:"gateway"`
	Store     StoreConfig     `json:"store"`
	Credits   CreditsConfig   `json:"credits"`
	Auth      AuthConfig      `json:"auth"`
	WhatsApp  WhatsAppConfig  `json:"whatsapp"`
	Provider  ProviderConfig  `json:"provider"`
	Pacing    PacingConfig    `json:"pacing"`
	Catalog   CatalogConfig   `json:"catalog"`
	Session   SessionConfig   `json:"session"`
	Broadcast BroadcastConfig `json:"broadcast"`
}

type GatewayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

func (g GatewayConfig) Addr() string {
	return fmt.Sprintf("%s:%d", g.Host, g.Port)
}

type StoreConfig struct {
	Driver string `json:"driver"` // "sqlite" (default) or "postgres"
	DSN    string `json:"dsn,omitempty"`
}

type CreditsConfig struct {
	Backend       string `json:"backend"` // "memory" (default) or "redis"
	RedisURL      string `json:"redisUrl,omitempty"`
	Prefix        string `json:"prefix,omitempty"`
	AuditSchedule string `json:"auditSchedule,omitempty"`
}

type AuthConfig struct {
	JWTSecret string   `json:"jwtSecret"`
	TokenTTL  Duration `json:"tokenTtl"`
}

type WhatsAppConfig struct {
	StorePath   string `json:"storePath,omitempty"`
	PrintQR     bool   `json:"printQr"`
	SendRetries int    `json:"sendRetries"`
}

type ProviderConfig struct {
	Type      string `json:"type,omitempty"` // "anthropic" (default), "openai" or "none"
	APIKey    string `json:"apiKey"`
	BaseURL   string `json:"baseUrl,omitempty"`
	Model     string `json:"model"`
	MaxTokens int    `json:"maxTokens"`
}

type BandConfig struct {
	Name              string   `json:"name"`
	StartHour         int      `json:"startHour"`
	EndHour           int      `json:"endHour"`
	MinDelay          Duration `json:"minDelay"`
	MaxDelay          Duration `json:"maxDelay"`
	UnavailableChance float64  `json:"unavailableChance"`
	MinUnavailable    Duration `json:"minUnavailable"`
	MaxUnavailable    Duration `json:"maxUnavailable"`
}

// PacingConfig overrides the built-in pacing profile. Zero fields keep the
// defaults; a non-empty Bands replaces every band.
type PacingConfig struct {
	MinResponse Duration     `json:"minResponse,omitempty"`
	MaxResponse Duration     `json:"maxResponse,omitempty"`
	MinTyping   Duration     `json:"minTyping,omitempty"`
	MaxTyping   Duration     `json:"maxTyping,omitempty"`
	Bands       []BandConfig `json:"bands,omitempty"`
	Timezone    string       `json:"timezone,omitempty"`
}

type CatalogConfig struct {
	Path string `json:"path,omitempty"`
}

type SessionConfig struct {
	ReconnectGrace Duration `json:"reconnectGrace"`
	BusSize        int      `json:"busSize"`
}

type BroadcastConfig struct {
	ObserverBuffer   int    `json:"observerBuffer"`
	SnapshotSchedule string `json:"snapshotSchedule,omitempty"`
}

func DefaultConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host: DefaultHost,
			Port: DefaultPort,
		},
		Store: StoreConfig{
			Driver: DefaultStoreDriver,
			DSN:    filepath.Join(ConfigDir(), "jurisbot.db"),
		},
		Credits: CreditsConfig{
			Backend:       DefaultCreditBackend,
			Prefix:        DefaultRedisPrefix,
			AuditSchedule: DefaultAuditCron,
		},
		Auth: AuthConfig{
			TokenTTL: Duration{DefaultTokenTTL},
		},
		WhatsApp: WhatsAppConfig{
			PrintQR:     true,
			SendRetries: DefaultSendRetries,
		},
		Provider: ProviderConfig{
			Model:     DefaultModel,
			MaxTokens: DefaultMaxTokens,
		},
		Session: SessionConfig{
			ReconnectGrace: Duration{DefaultReconnectGrace},
			BusSize:        DefaultBufSize,
		},
		Broadcast: BroadcastConfig{
			ObserverBuffer:   DefaultObserverBuffer,
			SnapshotSchedule: DefaultSnapshotCron,
		},
	}
}

func ConfigDir() string {
	if dir := os.Getenv("JURISBOT_HOME"); dir != "" {
		return dir
	}
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".jurisbot")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

// LoadConfig reads the config file, then .env files, then JURISBOT_*
// environment overrides, in increasing priority.
func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := loadDotEnv(".env", filepath.Join(ConfigDir(), ".env")); err != nil {
		return nil, err
	}
	applyEnv(cfg)

	if cfg.Store.Driver == "" {
		cfg.Store.Driver = DefaultStoreDriver
	}
	if cfg.Store.DSN == "" && cfg.Store.Driver == DefaultStoreDriver {
		cfg.Store.DSN = DefaultConfig().Store.DSN
	}
	if cfg.Credits.Backend == "" {
		cfg.Credits.Backend = DefaultCreditBackend
	}
	if cfg.Session.ReconnectGrace.Duration < 0 {
		cfg.Session.ReconnectGrace.Duration = DefaultReconnectGrace
	}
	if cfg.Session.BusSize <= 0 {
		cfg.Session.BusSize = DefaultBufSize
	}
	if cfg.Broadcast.ObserverBuffer <= 0 {
		cfg.Broadcast.ObserverBuffer = DefaultObserverBuffer
	}
	if cfg.Auth.TokenTTL.Duration <= 0 {
		cfg.Auth.TokenTTL.Duration = DefaultTokenTTL
	}

	return cfg, nil
}

func loadDotEnv(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("JURISBOT_HOST"); v != "" {
		cfg.Gateway.Host = v
	}
	if v := os.Getenv("JURISBOT_PORT"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.Gateway.Port = parsed
		}
	}
	if v := os.Getenv("JURISBOT_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("JURISBOT_DATABASE_URL"); v != "" {
		cfg.Store.DSN = v
	}
	if v := os.Getenv("JURISBOT_REDIS_URL"); v != "" {
		cfg.Credits.RedisURL = v
		if os.Getenv("JURISBOT_CREDIT_BACKEND") == "" {
			cfg.Credits.Backend = "redis"
		}
	}
	if v := os.Getenv("JURISBOT_CREDIT_BACKEND"); v != "" {
		cfg.Credits.Backend = v
	}
	if v := os.Getenv("JURISBOT_JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("JURISBOT_API_KEY"); v != "" {
		cfg.Provider.APIKey = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = v
		if cfg.Provider.Type == "" {
			cfg.Provider.Type = "openai"
		}
	}
	if v := os.Getenv("JURISBOT_BASE_URL"); v != "" {
		cfg.Provider.BaseURL = v
	}
	if v := os.Getenv("JURISBOT_MODEL"); v != "" {
		cfg.Provider.Model = v
	}
	if v := os.Getenv("JURISBOT_CATALOG"); v != "" {
		cfg.Catalog.Path = v
	}
	if v := os.Getenv("JURISBOT_TIMEZONE"); v != "" {
		cfg.Pacing.Timezone = v
	}
	if v := os.Getenv("JURISBOT_RECONNECT_GRACE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Session.ReconnectGrace.Duration = d
		}
	}
	if v := os.Getenv("JURISBOT_WHATSAPP_STORE"); v != "" {
		cfg.WhatsApp.StorePath = v
	}
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(ConfigPath(), data, 0600)
}

// ProviderType normalizes Provider.Type; an empty type with an API key
// means anthropic, and no key at all means "none".
func (c *Config) ProviderType() string {
	t := strings.ToLower(strings.TrimSpace(c.Provider.Type))
	if t == "" {
		if strings.TrimSpace(c.Provider.APIKey) == "" {
			return "none"
		}
		return "anthropic"
	}
	return t
}

// Duration marshals as a Go duration string such as "2m30s".
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		var n float64
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("duration must be a string: %w", err)
		}
		d.Duration = time.Duration(n) * time.Second
		return nil
	}
	if s == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}
