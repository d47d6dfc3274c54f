// Package config loads extractor settings from a YAML file and
// DATASET_EXTRACT_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Sternrassler/dataset-extractor/internal/publish"
	"github.com/Sternrassler/dataset-extractor/pkg/extractor"
	"github.com/Sternrassler/dataset-extractor/pkg/logging"
	"github.com/Sternrassler/dataset-extractor/pkg/record"
)

// EnvPrefix prefixes every environment override, e.g.
// DATASET_EXTRACT_PROVIDERS_ZENODO_AFFILIATION.
const EnvPrefix = "DATASET_EXTRACT"

// Config is the full application configuration.
type Config struct {
	Log       LogConfig                 `mapstructure:"log"`
	Redis     RedisConfig               `mapstructure:"redis"`
	Database  DatabaseConfig            `mapstructure:"database"`
	Metrics   MetricsConfig             `mapstructure:"metrics"`
	Publish   PublishConfig             `mapstructure:"publish"`
	Providers map[string]ProviderConfig `mapstructure:"providers"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// RedisConfig enables the response cache and shared rate limit state.
// An empty Addr disables both.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// PublishConfig selects the S3 destination. An empty Bucket disables
// publishing.
type PublishConfig struct {
	Bucket          string `mapstructure:"bucket"`
	Prefix          string `mapstructure:"prefix"`
	QueueURL        string `mapstructure:"queue_url"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
}

// ProviderConfig mirrors extractor.Config in file form.
type ProviderConfig struct {
	Affiliation        string        `mapstructure:"affiliation"`
	BaseURL            string        `mapstructure:"base_url"`
	Token              string        `mapstructure:"token"`
	UserAgent          string        `mapstructure:"user_agent"`
	PageSize           int           `mapstructure:"page_size"`
	PageSleep          time.Duration `mapstructure:"page_sleep"`
	MaxPages           int           `mapstructure:"max_pages"`
	MaxRetries         int           `mapstructure:"max_retries"`
	BaseInterval       time.Duration `mapstructure:"base_interval"`
	BackoffFactor      float64       `mapstructure:"backoff_factor"`
	MaxInterval        time.Duration `mapstructure:"max_interval"`
	RetryNetworkErrors bool          `mapstructure:"retry_network_errors"`
	Timeout            time.Duration `mapstructure:"timeout"`
}

// New returns a viper instance with every key defaulted, so that
// AutomaticEnv can override any of them.
func New() *viper.Viper {
	v := viper.New()

	v.SetDefault("log.level", string(logging.LevelInfo))
	v.SetDefault("log.pretty", false)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("database.path", "dataset-extract.db")
	v.SetDefault("metrics.addr", "")
	v.SetDefault("publish.bucket", "")
	v.SetDefault("publish.prefix", "")
	v.SetDefault("publish.queue_url", "")
	v.SetDefault("publish.region", "")
	v.SetDefault("publish.endpoint", "")
	v.SetDefault("publish.access_key_id", "")
	v.SetDefault("publish.secret_access_key", "")

	for _, p := range extractor.Providers() {
		d, _ := extractor.DefaultConfig(p)
		key := "providers." + string(p) + "."
		v.SetDefault(key+"affiliation", d.Affiliation)
		v.SetDefault(key+"base_url", d.HTTP.BaseURL)
		v.SetDefault(key+"token", d.Token)
		v.SetDefault(key+"user_agent", d.HTTP.UserAgent)
		v.SetDefault(key+"page_size", d.PageSize)
		v.SetDefault(key+"page_sleep", d.PageSleep)
		v.SetDefault(key+"max_pages", d.MaxPages)
		v.SetDefault(key+"max_retries", d.HTTP.MaxRetries)
		v.SetDefault(key+"base_interval", d.HTTP.BaseInterval)
		v.SetDefault(key+"backoff_factor", d.HTTP.BackoffFactor)
		v.SetDefault(key+"max_interval", d.HTTP.MaxInterval)
		v.SetDefault(key+"retry_network_errors", d.HTTP.RetryNetworkErrors)
		v.SetDefault(key+"timeout", d.HTTP.Timeout)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v
}

// Load reads file (or dataset-extract.yaml from the working directory or
// ~/.config/dataset-extract when file is empty) and applies environment
// overrides. A missing default file is not an error.
func Load(v *viper.Viper, file string) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("dataset-extract")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "dataset-extract"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that cannot be checked by decoding alone.
func (c *Config) Validate() error {
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if c.Publish.Bucket == "" && c.Publish.QueueURL != "" {
		return fmt.Errorf("publish.queue_url requires publish.bucket")
	}
	for name, pc := range c.Providers {
		p, err := record.ParseProvider(name)
		if err != nil {
			return fmt.Errorf("providers.%s: %w", name, err)
		}
		if _, err := extractor.DefaultConfig(p); err != nil {
			return fmt.Errorf("providers.%s: %w", name, err)
		}
		if pc.PageSize <= 0 {
			return fmt.Errorf("providers.%s.page_size must be > 0 (got %d)", name, pc.PageSize)
		}
		if pc.PageSleep < 0 {
			return fmt.Errorf("providers.%s.page_sleep must be >= 0", name)
		}
	}
	return nil
}

// EnabledProviders returns the providers with an affiliation set, sorted.
func (c *Config) EnabledProviders() []record.Provider {
	var out []record.Provider
	for name, pc := range c.Providers {
		if pc.Affiliation != "" {
			out = append(out, record.Provider(name))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Extractor builds the extractor configuration for p on top of its
// defaults.
func (c *Config) Extractor(p record.Provider) (extractor.Config, error) {
	cfg, err := extractor.DefaultConfig(p)
	if err != nil {
		return extractor.Config{}, err
	}
	pc, ok := c.Providers[string(p)]
	if !ok {
		return cfg, nil
	}

	cfg.Affiliation = pc.Affiliation
	cfg.Token = pc.Token
	cfg.PageSize = pc.PageSize
	cfg.PageSleep = pc.PageSleep
	cfg.MaxPages = pc.MaxPages
	if pc.BaseURL != "" {
		cfg.HTTP.BaseURL = pc.BaseURL
	}
	if pc.UserAgent != "" {
		cfg.HTTP.UserAgent = pc.UserAgent
	}
	cfg.HTTP.MaxRetries = pc.MaxRetries
	cfg.HTTP.BaseInterval = pc.BaseInterval
	cfg.HTTP.BackoffFactor = pc.BackoffFactor
	cfg.HTTP.MaxInterval = pc.MaxInterval
	cfg.HTTP.RetryNetworkErrors = pc.RetryNetworkErrors
	cfg.HTTP.Timeout = pc.Timeout
	return cfg, nil
}

// Logging returns the logger configuration.
func (c *Config) Logging() logging.Config {
	lc := logging.DefaultConfig()
	lc.Level, _ = logging.ParseLevel(c.Log.Level)
	lc.Pretty = c.Log.Pretty
	lc.Service = "dataset-extract"
	return lc
}

// PublishTarget returns the publisher configuration and whether publishing
// is enabled.
func (c *Config) PublishTarget() (publish.Config, bool) {
	p := c.Publish
	return publish.Config{
		Bucket:          p.Bucket,
		Prefix:          p.Prefix,
		QueueURL:        p.QueueURL,
		Region:          p.Region,
		Endpoint:        p.Endpoint,
		AccessKeyID:     p.AccessKeyID,
		SecretAccessKey: p.SecretAccessKey,
	}, p.Bucket != ""
}
