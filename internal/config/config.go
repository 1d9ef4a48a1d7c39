package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v9"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// Provider names in the default fallback order.
const (
	ProviderRunware   = "runware"
	ProviderHFZeroGPU = "hfzerogpu"
	ProviderWavespeed = "wavespeed"
	ProviderFAL       = "fal"
	ProviderTogether  = "together"
	ProviderPixelDojo = "pixeldojo"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	LoRA       LoRAConfig       `yaml:"lora"`
	Providers  ProvidersConfig  `yaml:"providers"`
	Polling    PollingConfig    `yaml:"polling"`
	Fetch      FetchConfig      `yaml:"fetch"`
	Summarizer SummarizerConfig `yaml:"summarizer"`
	Mapping    MappingConfig    `yaml:"mapping"`
	Database   DatabaseConfig   `yaml:"database"`
	Queue      QueueConfig      `yaml:"queue"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type ServerConfig struct {
	Host         string        `yaml:"host" env:"BRIDGE_HOST"`
	Port         int           `yaml:"port" env:"BRIDGE_PORT"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type LoRAConfig struct {
	DictionaryPath string         `yaml:"dictionary_path" env:"LORA_DICT_PATH"`
	RoleCaps       map[string]int `yaml:"role_caps"`
}

type ProvidersConfig struct {
	Order           []string       `yaml:"order" env:"PROVIDER_ORDER" envSeparator:","`
	Primary         string         `yaml:"primary"`
	DefaultMaxLoRAs int            `yaml:"default_max_loras" env:"MAXLORAS_DEFAULT"`
	Runware         RunwareConfig  `yaml:"runware"`
	HFZeroGPU       HFSpaceConfig  `yaml:"hfzerogpu"`
	Wavespeed       EndpointConfig `yaml:"wavespeed"`
	FAL             EndpointConfig `yaml:"fal"`
	Together        TogetherConfig `yaml:"together"`
	PixelDojo       EndpointConfig `yaml:"pixeldojo"`
}

type RunwareConfig struct {
	Endpoint         string        `yaml:"endpoint" env:"RUNWARE_ENDPOINT"`
	APIKey           string        `yaml:"api_key" env:"RUNWARE_API_KEY"`
	Model            string        `yaml:"model" env:"RUNWARE_MODEL"`
	MaxLoRAs         int           `yaml:"max_loras" env:"MAXLORAS_RUNWARE"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	UploadTimeout    time.Duration `yaml:"upload_timeout"`
	AIRNamespace     string        `yaml:"air_namespace" env:"RUNWARE_AIR_NAMESPACE"`
	OptimisticUpload bool          `yaml:"optimistic_upload" env:"RUNWARE_OPTIMISTIC_UPLOAD"`
}

type HFSpaceConfig struct {
	Space    string        `yaml:"space" env:"HF_SPACE_NAME"`
	Token    string        `yaml:"token" env:"HF_TOKEN"`
	BaseURL  string        `yaml:"base_url" env:"HF_SPACE_URL"`
	APIName  string        `yaml:"api_name"`
	MaxLoRAs int           `yaml:"max_loras" env:"MAXLORAS_HF"`
	Timeout  time.Duration `yaml:"timeout"`
}

// EndpointConfig covers the plain HTTP providers.
type EndpointConfig struct {
	Endpoint string        `yaml:"endpoint"`
	APIKey   string        `yaml:"api_key"`
	MaxLoRAs int           `yaml:"max_loras"`
	Timeout  time.Duration `yaml:"timeout"`
}

type TogetherConfig struct {
	BaseURL  string        `yaml:"base_url"`
	APIKey   string        `yaml:"api_key" env:"TOGETHER_API_KEY"`
	Model    string        `yaml:"model"`
	MaxLoRAs int           `yaml:"max_loras" env:"MAXLORAS_TOGETHER"`
	Timeout  time.Duration `yaml:"timeout"`
}

type PollingConfig struct {
	Interval    time.Duration `yaml:"interval"`
	MaxAttempts int           `yaml:"max_attempts"`
}

type FetchConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

type SummarizerConfig struct {
	Enabled      bool          `yaml:"enabled" env:"ENABLE_SUMMARIZATION"`
	BaseURL      string        `yaml:"base_url"`
	Model        string        `yaml:"model" env:"DEEPSEEK_MODEL"`
	MaxLength    int           `yaml:"max_length" env:"SUMMARY_MAX_LENGTH"`
	Timeout      time.Duration `yaml:"timeout"`
	TemplateFile string        `yaml:"template_file" env:"SUMMARY_TEMPLATE_FILE"`
}

type MappingConfig struct {
	Backend string `yaml:"backend" env:"MAPPING_BACKEND"` // file, redis, mysql, sqlite
	File    string `yaml:"file" env:"MAPPING_FILE"`
}

type DatabaseConfig struct {
	MySQL  MySQLConfig  `yaml:"mysql"`
	Redis  RedisConfig  `yaml:"redis"`
	SQLite SQLiteConfig `yaml:"sqlite"`
}

type MySQLConfig struct {
	Host            string        `yaml:"host" env:"MYSQL_HOST"`
	Port            int           `yaml:"port" env:"MYSQL_PORT"`
	Username        string        `yaml:"username" env:"MYSQL_USER"`
	Password        string        `yaml:"password" env:"MYSQL_PASSWORD"`
	Database        string        `yaml:"database" env:"MYSQL_DATABASE"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type RedisConfig struct {
	Host     string `yaml:"host" env:"REDIS_HOST"`
	Port     int    `yaml:"port" env:"REDIS_PORT"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB"`
	PoolSize int    `yaml:"pool_size"`
	Key      string `yaml:"key"`
}

type SQLiteConfig struct {
	Path string `yaml:"path" env:"SQLITE_PATH"`
}

type QueueConfig struct {
	MaxWorkers   int `yaml:"max_workers"`
	MaxQueueSize int `yaml:"max_queue_size"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL"`
	Format string `yaml:"format" env:"LOG_FORMAT"`
}

// Default returns the configuration used when no file or environment overrides apply.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         7861,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 300 * time.Second,
		},
		LoRA: LoRAConfig{
			DictionaryPath: "master_lora_dict.json",
			RoleCaps: map[string]int{
				"character":  6,
				"nsfw":       4,
				"expression": 2,
				"general":    2,
				"misc":       1,
			},
		},
		Providers: ProvidersConfig{
			Order: []string{
				ProviderRunware,
				ProviderHFZeroGPU,
				ProviderWavespeed,
				ProviderFAL,
				ProviderTogether,
				ProviderPixelDojo,
			},
			Primary:         ProviderRunware,
			DefaultMaxLoRAs: 15,
			Runware: RunwareConfig{
				Endpoint:         "https://api.runware.ai/v1",
				Model:            "runware:101@1",
				MaxLoRAs:         12,
				RequestTimeout:   120 * time.Second,
				UploadTimeout:    60 * time.Second,
				AIRNamespace:     "fluxbridge",
				OptimisticUpload: true,
			},
			HFZeroGPU: HFSpaceConfig{
				APIName:  "/run_lora",
				MaxLoRAs: 10,
				Timeout:  300 * time.Second,
			},
			Wavespeed: EndpointConfig{
				Endpoint: "https://api.wavespeed.ai/api/v3/wavespeed-ai/flux-dev-lora",
				MaxLoRAs: 4,
				Timeout:  120 * time.Second,
			},
			FAL: EndpointConfig{
				Endpoint: "https://queue.fal.run/fal-ai/flux-lora",
				MaxLoRAs: 3,
				Timeout:  120 * time.Second,
			},
			Together: TogetherConfig{
				BaseURL:  "https://api.together.xyz/v1",
				Model:    "black-forest-labs/FLUX.1-dev-lora",
				MaxLoRAs: 2,
				Timeout:  120 * time.Second,
			},
			PixelDojo: EndpointConfig{
				Endpoint: "https://pixeldojo.ai/api/v1/flux",
				MaxLoRAs: 1,
				Timeout:  120 * time.Second,
			},
		},
		Polling: PollingConfig{
			Interval:    2 * time.Second,
			MaxAttempts: 60,
		},
		Fetch: FetchConfig{
			Timeout: 30 * time.Second,
		},
		Summarizer: SummarizerConfig{
			Enabled:   true,
			BaseURL:   "https://api.together.xyz/v1",
			Model:     "deepseek-ai/DeepSeek-V3",
			MaxLength: 300,
			Timeout:   30 * time.Second,
		},
		Mapping: MappingConfig{
			Backend: "file",
			File:    "runware_lora_mapping.json",
		},
		Database: DatabaseConfig{
			MySQL: MySQLConfig{
				Host:            "127.0.0.1",
				Port:            3306,
				Database:        "fluxbridge",
				MaxOpenConns:    10,
				MaxIdleConns:    5,
				ConnMaxLifetime: time.Hour,
			},
			Redis: RedisConfig{
				Host:     "127.0.0.1",
				Port:     6379,
				PoolSize: 10,
				Key:      "fluxbridge:lora_mapping",
			},
			SQLite: SQLiteConfig{
				Path: "fluxbridge.db",
			},
		},
		Queue: QueueConfig{
			MaxWorkers:   4,
			MaxQueueSize: 64,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// envOnly carries credentials whose variable names don't fit a struct tag on a shared type.
type envOnly struct {
	WavespeedAPIKey string `env:"WAVESPEED_API_KEY"`
	FALAPIKey       string `env:"FAL_API_KEY"`
	PixelDojoAPIKey string `env:"PIXELDOJO_API_KEY"`
	MaxLoRAsFAL     int    `env:"MAXLORAS_FAL"`
}

// Load reads configuration from a YAML file, then applies .env and environment overrides.
// A missing file is not an error; defaults are used instead.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	var extra envOnly
	if err := env.Parse(&extra); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	if extra.WavespeedAPIKey != "" {
		cfg.Providers.Wavespeed.APIKey = extra.WavespeedAPIKey
	}
	if extra.FALAPIKey != "" {
		cfg.Providers.FAL.APIKey = extra.FALAPIKey
	}
	if extra.PixelDojoAPIKey != "" {
		cfg.Providers.PixelDojo.APIKey = extra.PixelDojoAPIKey
	}
	if extra.MaxLoRAsFAL > 0 {
		cfg.Providers.FAL.MaxLoRAs = extra.MaxLoRAsFAL
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks invariants the rest of the service relies on.
func (c *Config) Validate() error {
	if len(c.Providers.Order) == 0 {
		return fmt.Errorf("providers.order must not be empty")
	}
	known := map[string]bool{
		ProviderRunware:   true,
		ProviderHFZeroGPU: true,
		ProviderWavespeed: true,
		ProviderFAL:       true,
		ProviderTogether:  true,
		ProviderPixelDojo: true,
	}
	for _, name := range c.Providers.Order {
		if !known[name] {
			return fmt.Errorf("unknown provider in providers.order: %q", name)
		}
	}
	if c.Polling.MaxAttempts <= 0 || c.Polling.Interval <= 0 {
		return fmt.Errorf("polling interval and max_attempts must be positive")
	}
	switch c.Mapping.Backend {
	case "file", "redis", "mysql", "sqlite":
	default:
		return fmt.Errorf("unknown mapping backend: %q", c.Mapping.Backend)
	}
	return nil
}

// MaxLoRAs returns the per-provider LoRA limit, falling back to the default for unknown names.
func (c *Config) MaxLoRAs(provider string) int {
	var n int
	switch provider {
	case ProviderRunware:
		n = c.Providers.Runware.MaxLoRAs
	case ProviderHFZeroGPU:
		n = c.Providers.HFZeroGPU.MaxLoRAs
	case ProviderWavespeed:
		n = c.Providers.Wavespeed.MaxLoRAs
	case ProviderFAL:
		n = c.Providers.FAL.MaxLoRAs
	case ProviderTogether:
		n = c.Providers.Together.MaxLoRAs
	case ProviderPixelDojo:
		n = c.Providers.PixelDojo.MaxLoRAs
	}
	if n <= 0 {
		return c.Providers.DefaultMaxLoRAs
	}
	return n
}

// HasCredentials reports whether the named provider has what it needs to be attempted.
func (c *Config) HasCredentials(provider string) bool {
	switch provider {
	case ProviderRunware:
		return c.Providers.Runware.APIKey != ""
	case ProviderHFZeroGPU:
		return c.Providers.HFZeroGPU.Space != "" || c.Providers.HFZeroGPU.BaseURL != ""
	case ProviderWavespeed:
		return c.Providers.Wavespeed.APIKey != ""
	case ProviderFAL:
		return c.Providers.FAL.APIKey != ""
	case ProviderTogether:
		return c.Providers.Together.APIKey != ""
	case ProviderPixelDojo:
		return c.Providers.PixelDojo.APIKey != ""
	}
	return false
}

// HasProvider reports whether name is part of the configured attempt order.
func (c *Config) HasProvider(name string) bool {
	for _, p := range c.Providers.Order {
		if p == name {
			return true
		}
	}
	return false
}
