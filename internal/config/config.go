package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

const (
	DefaultConfigFile = "glashatay.yaml"

	DefaultVKServer         = "https://api.vk.com"
	DefaultVKAPIVersion     = "5.137"
	DefaultVKLanguage       = "ru"
	DefaultVKServiceKeyEnv  = "VK_SERVICE_KEY"
	DefaultVKRequestsPerSec = 3
	DefaultVKRequestTimeout = 30 * time.Second
	DefaultVKResponsesDir   = "vk-responses"
	DefaultTelegramAPIBase  = "https://api.telegram.org"
	DefaultBotTokenEnv      = "TELEGRAM_BOT_TOKEN"
	DefaultMessagesPerSec   = 1
	DefaultTelegramTimeout  = 60 * time.Second
	DefaultMaxPhotoBytes    = 10 << 20
	DefaultStorageDriver    = "sqlite"
	DefaultStoragePath      = "glashatay.db"
	DefaultRedisAddr        = "localhost:6379"
	DefaultRedisPrefix      = "glashatay:"
	DefaultPageSize         = 5
	DefaultWaitStep         = time.Second
	DefaultCycleTimeout     = 5 * time.Minute
	DefaultPollInterval     = 5 * time.Minute
	DefaultAdminListen      = "127.0.0.1:8080"
	DefaultLogLevel         = "info"
	DefaultLogFormat        = "console"
	maxPageSize             = 100
)

// Duration wraps time.Duration for YAML and TOML values like "5m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(s))
}

func (d *Duration) UnmarshalText(text []byte) error {
	s := string(text)
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

type Config struct {
	VK       VKConfig       `yaml:"vk" toml:"vk"`
	Telegram TelegramConfig `yaml:"telegram" toml:"telegram"`
	Storage  StorageConfig  `yaml:"storage" toml:"storage"`
	Poller   PollerConfig   `yaml:"poller" toml:"poller"`
	Admin    AdminConfig    `yaml:"admin" toml:"admin"`
	Log      LogConfig      `yaml:"log" toml:"log"`
	Privacy  PrivacyConfig  `yaml:"privacy" toml:"privacy"`
}

type VKConfig struct {
	Server            string        `yaml:"server" toml:"server"`
	APIVersion        string        `yaml:"api_version" toml:"api_version"`
	Language          string        `yaml:"language" toml:"language"`
	ServiceKeyEnv     string        `yaml:"service_key_env" toml:"service_key_env"`
	RequestsPerSecond float64       `yaml:"requests_per_second" toml:"requests_per_second"`
	RequestTimeout    Duration      `yaml:"request_timeout" toml:"request_timeout"`
	Debug             VKDebugConfig `yaml:"debug" toml:"debug"`

	// Resolved from env var at load time.
	ServiceKey string `yaml:"-" toml:"-"`
}

type VKDebugConfig struct {
	SaveResponses bool   `yaml:"save_responses" toml:"save_responses"`
	ResponsesDir  string `yaml:"responses_dir" toml:"responses_dir"`
}

type TelegramConfig struct {
	APIBase           string   `yaml:"api_base" toml:"api_base"`
	BotTokenEnv       string   `yaml:"bot_token_env" toml:"bot_token_env"`
	MessagesPerSecond float64  `yaml:"messages_per_second" toml:"messages_per_second"`
	RequestTimeout    Duration `yaml:"request_timeout" toml:"request_timeout"`
	MaxPhotoBytes     int64    `yaml:"max_photo_bytes" toml:"max_photo_bytes"`

	// Resolved from env var at load time.
	BotToken string `yaml:"-" toml:"-"`
}

type StorageConfig struct {
	Driver string      `yaml:"driver" toml:"driver"`
	Path   string      `yaml:"path" toml:"path"`
	Backup bool        `yaml:"backup" toml:"backup"`
	Redis  RedisConfig `yaml:"redis" toml:"redis"`
}

type RedisConfig struct {
	Addr        string `yaml:"addr" toml:"addr"`
	PasswordEnv string `yaml:"password_env" toml:"password_env"`
	DB          int    `yaml:"db" toml:"db"`
	Prefix      string `yaml:"prefix" toml:"prefix"`

	// Resolved from env var at load time.
	Password string `yaml:"-" toml:"-"`
}

type PollerConfig struct {
	PageSize        int      `yaml:"page_size" toml:"page_size"`
	WaitStep        Duration `yaml:"wait_step" toml:"wait_step"`
	CycleTimeout    Duration `yaml:"cycle_timeout" toml:"cycle_timeout"`
	DefaultInterval Duration `yaml:"default_interval" toml:"default_interval"`
}

type AdminConfig struct {
	Listen       string `yaml:"listen" toml:"listen"`
	JWTSecretEnv string `yaml:"jwt_secret_env" toml:"jwt_secret_env"`
	URL          string `yaml:"url" toml:"url"`

	// Resolved from env var at load time.
	JWTSecret string `yaml:"-" toml:"-"`
}

type LogConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

type PrivacyConfig struct {
	Redact RedactConfig `yaml:"redact" toml:"redact"`
}

type RedactConfig struct {
	Enabled  bool     `yaml:"enabled" toml:"enabled"`
	Patterns []string `yaml:"patterns" toml:"patterns"`
}

// Load reads the config file at path, applies defaults, resolves env vars,
// and validates. Files ending in .toml are parsed as TOML, anything else as YAML.
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("config path is required")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		err = toml.Unmarshal(data, &cfg)
	} else {
		err = yaml.Unmarshal(data, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(&cfg)
	resolveEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// RequireSecrets checks the secrets needed to run the forwarding service.
func (c *Config) RequireSecrets() error {
	if c.Telegram.BotToken == "" {
		return fmt.Errorf("telegram: bot token env %s is not set", c.Telegram.BotTokenEnv)
	}
	if c.VK.ServiceKey == "" {
		return fmt.Errorf("vk: service key env %s is not set", c.VK.ServiceKeyEnv)
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.VK.Server == "" {
		cfg.VK.Server = DefaultVKServer
	}
	if cfg.VK.APIVersion == "" {
		cfg.VK.APIVersion = DefaultVKAPIVersion
	}
	if cfg.VK.Language == "" {
		cfg.VK.Language = DefaultVKLanguage
	}
	if cfg.VK.ServiceKeyEnv == "" {
		cfg.VK.ServiceKeyEnv = DefaultVKServiceKeyEnv
	}
	if cfg.VK.RequestsPerSecond == 0 {
		cfg.VK.RequestsPerSecond = DefaultVKRequestsPerSec
	}
	if cfg.VK.RequestTimeout.Duration == 0 {
		cfg.VK.RequestTimeout.Duration = DefaultVKRequestTimeout
	}
	if cfg.VK.Debug.ResponsesDir == "" {
		cfg.VK.Debug.ResponsesDir = DefaultVKResponsesDir
	}

	if cfg.Telegram.APIBase == "" {
		cfg.Telegram.APIBase = DefaultTelegramAPIBase
	}
	if cfg.Telegram.BotTokenEnv == "" {
		cfg.Telegram.BotTokenEnv = DefaultBotTokenEnv
	}
	if cfg.Telegram.MessagesPerSecond == 0 {
		cfg.Telegram.MessagesPerSecond = DefaultMessagesPerSec
	}
	if cfg.Telegram.RequestTimeout.Duration == 0 {
		cfg.Telegram.RequestTimeout.Duration = DefaultTelegramTimeout
	}
	if cfg.Telegram.MaxPhotoBytes == 0 {
		cfg.Telegram.MaxPhotoBytes = DefaultMaxPhotoBytes
	}

	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = DefaultStorageDriver
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = DefaultStoragePath
	}
	if cfg.Storage.Redis.Addr == "" {
		cfg.Storage.Redis.Addr = DefaultRedisAddr
	}
	if cfg.Storage.Redis.Prefix == "" {
		cfg.Storage.Redis.Prefix = DefaultRedisPrefix
	}

	if cfg.Poller.PageSize == 0 {
		cfg.Poller.PageSize = DefaultPageSize
	}
	if cfg.Poller.WaitStep.Duration == 0 {
		cfg.Poller.WaitStep.Duration = DefaultWaitStep
	}
	if cfg.Poller.CycleTimeout.Duration == 0 {
		cfg.Poller.CycleTimeout.Duration = DefaultCycleTimeout
	}
	if cfg.Poller.DefaultInterval.Duration == 0 {
		cfg.Poller.DefaultInterval.Duration = DefaultPollInterval
	}

	if cfg.Admin.Listen == "" {
		cfg.Admin.Listen = DefaultAdminListen
	}
	if cfg.Admin.URL == "" {
		cfg.Admin.URL = "http://" + cfg.Admin.Listen
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = DefaultLogLevel
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = DefaultLogFormat
	}
}

func resolveEnv(cfg *Config) {
	if cfg.VK.ServiceKeyEnv != "" {
		cfg.VK.ServiceKey = os.Getenv(cfg.VK.ServiceKeyEnv)
	}
	if cfg.Telegram.BotTokenEnv != "" {
		cfg.Telegram.BotToken = os.Getenv(cfg.Telegram.BotTokenEnv)
	}
	if cfg.Storage.Redis.PasswordEnv != "" {
		cfg.Storage.Redis.Password = os.Getenv(cfg.Storage.Redis.PasswordEnv)
	}
	if cfg.Admin.JWTSecretEnv != "" {
		cfg.Admin.JWTSecret = os.Getenv(cfg.Admin.JWTSecretEnv)
	}
}

func validate(cfg *Config) error {
	switch cfg.Storage.Driver {
	case "sqlite", "redis":
		// valid
	default:
		return fmt.Errorf("storage.driver: unknown driver %q (want sqlite or redis)", cfg.Storage.Driver)
	}

	if cfg.Poller.PageSize < 1 || cfg.Poller.PageSize > maxPageSize {
		return fmt.Errorf("poller.page_size: %d out of range 1..%d", cfg.Poller.PageSize, maxPageSize)
	}
	durations := []struct {
		name  string
		value time.Duration
	}{
		{"poller.wait_step", cfg.Poller.WaitStep.Duration},
		{"poller.cycle_timeout", cfg.Poller.CycleTimeout.Duration},
		{"poller.default_interval", cfg.Poller.DefaultInterval.Duration},
		{"vk.request_timeout", cfg.VK.RequestTimeout.Duration},
		{"telegram.request_timeout", cfg.Telegram.RequestTimeout.Duration},
	}
	for _, d := range durations {
		if d.value < 0 {
			return fmt.Errorf("%s: must be positive, got %s", d.name, d.value)
		}
	}
	if cfg.Telegram.MaxPhotoBytes < 0 {
		return fmt.Errorf("telegram.max_photo_bytes: must be positive, got %d", cfg.Telegram.MaxPhotoBytes)
	}

	switch cfg.Log.Level {
	case "debug", "info", "warn", "error":
		// valid
	default:
		return fmt.Errorf("log.level: unknown level %q (want debug, info, warn or error)", cfg.Log.Level)
	}
	switch cfg.Log.Format {
	case "console", "json":
		// valid
	default:
		return fmt.Errorf("log.format: unknown format %q (want console or json)", cfg.Log.Format)
	}

	return nil
}
