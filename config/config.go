package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Tickflow TickflowConfig `yaml:"tickflow"`
	Channels ChannelsConfig `yaml:"channels"`
	Reader   ReaderConfig   `yaml:"reader"`
	Book     BookConfig     `yaml:"book"`
	Source   SourceConfig   `yaml:"source"`
	Journal  JournalConfig  `yaml:"journal"`
	Storage  StorageConfig  `yaml:"storage"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type TickflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type ChannelsConfig struct {
	RawBuffer  int `yaml:"raw_buffer"`
	FeedBuffer int `yaml:"feed_buffer"`
}

type ReaderConfig struct {
	Timeout           time.Duration `yaml:"timeout"`
	InactivityTimeout time.Duration `yaml:"inactivity_timeout"`
	Backoff           BackoffConfig `yaml:"backoff"`
	DialRatePerSecond float64       `yaml:"dial_rate_per_second"`
	DialBurst         int           `yaml:"dial_burst"`
}

type BackoffConfig struct {
	MinDelay time.Duration `yaml:"min_delay"`
	MaxDelay time.Duration `yaml:"max_delay"`
	Factor   float64       `yaml:"factor"`
	Jitter   bool          `yaml:"jitter"`
}

type BookConfig struct {
	// AllowGaps folds updates with any strictly greater sequence instead of
	// invalidating the book until the next snapshot.
	AllowGaps bool `yaml:"allow_gaps"`
}

type SourceConfig struct {
	Phemex PhemexSourceConfig `yaml:"phemex"`
}

type PhemexSourceConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Instance       string   `yaml:"instance"`
	WsURL          string   `yaml:"ws_url"`
	ProductsURL    string   `yaml:"products_url"`
	IncludeSymbols []string `yaml:"include_symbols"`
}

type JournalConfig struct {
	Enabled bool   `yaml:"enabled"`
	BaseDir string `yaml:"base_dir"`
	Dataset string `yaml:"dataset"`
	Books   bool   `yaml:"books"`
}

type StorageConfig struct {
	S3 S3Config `yaml:"s3"`
}

type S3Config struct {
	Enabled         bool          `yaml:"enabled"`
	Bucket          string        `yaml:"bucket"`
	Region          string        `yaml:"region"`
	Endpoint        string        `yaml:"endpoint"`
	PathStyle       bool          `yaml:"path_style"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
	Compression     string        `yaml:"compression"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	Output     string `yaml:"output"`
	MaxAge     int    `yaml:"max_age"`
	CloudWatch bool   `yaml:"cloudwatch"`
	Namespace  string `yaml:"namespace"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		Reader: ReaderConfig{
			Timeout:           10 * time.Second,
			InactivityTimeout: 60 * time.Second,
			Backoff: BackoffConfig{
				MinDelay: time.Second,
				MaxDelay: time.Minute,
				Factor:   2,
				Jitter:   true,
			},
			DialRatePerSecond: 1,
			DialBurst:         3,
		},
		Journal: JournalConfig{Books: true},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Override S3 settings from environment variables if available
	if config.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func validateConfig(cfg *Config) error {
	if cfg.Tickflow.Name == "" {
		return fmt.Errorf("tickflow.name is required")
	}
	if cfg.Tickflow.Version == "" {
		return fmt.Errorf("tickflow.version is required")
	}

	if cfg.Channels.RawBuffer <= 0 {
		return fmt.Errorf("channels.raw_buffer must be greater than 0")
	}
	if cfg.Channels.FeedBuffer <= 0 {
		return fmt.Errorf("channels.feed_buffer must be greater than 0")
	}

	if cfg.Reader.InactivityTimeout <= 0 {
		return fmt.Errorf("reader.inactivity_timeout must be greater than 0")
	}
	if cfg.Reader.Backoff.MinDelay <= 0 {
		return fmt.Errorf("reader.backoff.min_delay must be greater than 0")
	}
	if cfg.Reader.Backoff.MaxDelay < cfg.Reader.Backoff.MinDelay {
		return fmt.Errorf("reader.backoff.max_delay must be at least min_delay")
	}
	if cfg.Reader.Backoff.Factor < 1 {
		return fmt.Errorf("reader.backoff.factor must be at least 1")
	}

	if cfg.Source.Phemex.Enabled {
		if cfg.Source.Phemex.Instance == "" {
			return fmt.Errorf("source.phemex.instance is required")
		}
		if cfg.Source.Phemex.WsURL == "" {
			return fmt.Errorf("source.phemex.ws_url is required")
		}
		if cfg.Source.Phemex.ProductsURL == "" {
			return fmt.Errorf("source.phemex.products_url is required")
		}
	}

	if cfg.Journal.Enabled {
		if cfg.Journal.BaseDir == "" {
			return fmt.Errorf("journal.base_dir is required when journal is enabled")
		}
		if cfg.Journal.Dataset == "" {
			return fmt.Errorf("journal.dataset is required when journal is enabled")
		}
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
		if cfg.Storage.S3.FlushInterval <= 0 {
			return fmt.Errorf("storage.s3.flush_interval must be greater than 0")
		}
	}

	return nil
}
