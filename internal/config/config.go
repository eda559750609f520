// Package config loads the archiver configuration.
//
// Values are layered: Default, then an optional YAML file, then environment
// variables. Command-line arguments are applied last by the caller, followed
// by Validate.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// MaxWorkers caps the worker pool of every phase.
const MaxWorkers = 1000

type Config struct {
	Walk        WalkConfig        `yaml:"walk"`
	Ingest      IngestConfig      `yaml:"ingest"`
	Archive     ArchiveConfig     `yaml:"archive"`
	Cleanup     CleanupConfig     `yaml:"cleanup"`
	ObjectStore ObjectStoreConfig `yaml:"object_store"`
	Log         LogConfig         `yaml:"log"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Summary     SummaryConfig     `yaml:"summary"`
}

type WalkConfig struct {
	Workers int `yaml:"workers"`
}

type IngestConfig struct {
	MaxEntriesPerFile int `yaml:"max_entries_per_file"`
}

type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	Multiplier      float64       `yaml:"multiplier"`
	MaxInterval     time.Duration `yaml:"max_interval"`
}

type ArchiveConfig struct {
	ArchiverPath string            `yaml:"archiver_path"`
	StorageClass string            `yaml:"storage_class"`
	Verify       bool              `yaml:"verify"`
	Tags         map[string]string `yaml:"tags"`
	Retry        RetryConfig       `yaml:"retry"`
}

type CleanupConfig struct {
	BatchSize         int         `yaml:"batch_size"`
	RequestsPerSecond float64     `yaml:"requests_per_second"`
	Burst             int         `yaml:"burst"`
	Retry             RetryConfig `yaml:"retry"`
}

type ObjectStoreConfig struct {
	Backend     string `yaml:"backend"` // "cli" | "blob"
	AWSPath     string `yaml:"aws_path"`
	URLTemplate string `yaml:"url_template"`
	Region      string `yaml:"region"`
	Endpoint    string `yaml:"endpoint"`
}

type LogConfig struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

type MetricsConfig struct {
	Address   string `yaml:"address"` // empty = no metrics server
	Namespace string `yaml:"namespace"`
}

type SummaryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"` // default: the run's root directory
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Walk:   WalkConfig{Workers: 4},
		Ingest: IngestConfig{MaxEntriesPerFile: 500000},
		Archive: ArchiveConfig{
			ArchiverPath: "s3tar",
			StorageClass: "DEEP_ARCHIVE",
			Retry:        RetryConfig{MaxAttempts: 3, InitialInterval: 30 * time.Second, Multiplier: 2},
		},
		Cleanup: CleanupConfig{
			BatchSize: 250,
			Retry:     RetryConfig{MaxAttempts: 5, InitialInterval: 30 * time.Second, Multiplier: 2},
		},
		ObjectStore: ObjectStoreConfig{
			Backend: "cli",
			AWSPath: "aws",
			Region:  "us-east-1",
		},
		Log:     LogConfig{Format: "text", Level: "info"},
		Metrics: MetricsConfig{Namespace: "inventory_archiver"},
	}
}

// Load returns Default overlaid with the YAML file at path (if non-empty) and
// then the environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFile overlays the YAML file at path onto cfg.
func (c *Config) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays environment variables onto cfg.
func (c *Config) ApplyEnv() error {
	var errs []error
	intVar := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	floatVar := func(key string, dst *float64) {
		if v := os.Getenv(key); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = f
		}
	}
	durationVar := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	boolVar := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			*dst = v == "true"
		}
	}

	intVar("WORKERS", &c.Walk.Workers)
	intVar("MAX_ENTRIES_PER_FILE", &c.Ingest.MaxEntriesPerFile)

	c.Archive.ArchiverPath = getenvDefault("ARCHIVER_PATH", c.Archive.ArchiverPath)
	c.Archive.StorageClass = getenvDefault("STORAGE_CLASS", c.Archive.StorageClass)
	boolVar("ARCHIVE_VERIFY", &c.Archive.Verify)
	intVar("ARCHIVE_MAX_ATTEMPTS", &c.Archive.Retry.MaxAttempts)
	durationVar("ARCHIVE_RETRY_INTERVAL", &c.Archive.Retry.InitialInterval)

	intVar("DELETE_BATCH_SIZE", &c.Cleanup.BatchSize)
	floatVar("DELETE_REQUESTS_PER_SECOND", &c.Cleanup.RequestsPerSecond)
	intVar("DELETE_MAX_ATTEMPTS", &c.Cleanup.Retry.MaxAttempts)
	durationVar("DELETE_RETRY_INTERVAL", &c.Cleanup.Retry.InitialInterval)

	c.ObjectStore.Backend = getenvDefault("OBJECTSTORE_BACKEND", c.ObjectStore.Backend)
	c.ObjectStore.AWSPath = getenvDefault("AWS_CLI_PATH", c.ObjectStore.AWSPath)
	c.ObjectStore.URLTemplate = getenvDefault("OBJECTSTORE_URL", c.ObjectStore.URLTemplate)
	c.ObjectStore.Region = getenvDefault("AWS_REGION", c.ObjectStore.Region)
	c.ObjectStore.Endpoint = getenvDefault("S3_ENDPOINT", c.ObjectStore.Endpoint)

	c.Log.Format = getenvDefault("LOG_FORMAT", c.Log.Format)
	c.Log.Level = getenvDefault("LOG_LEVEL", c.Log.Level)

	c.Metrics.Address = getenvDefault("METRICS_ADDR", c.Metrics.Address)

	boolVar("SUMMARY_ENABLED", &c.Summary.Enabled)
	c.Summary.Dir = getenvDefault("SUMMARY_DIR", c.Summary.Dir)

	return errors.Join(errs...)
}

// Validate rejects unusable values and clamps the worker count to MaxWorkers.
func (c *Config) Validate() error {
	var errs []error

	if c.Walk.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be at least 1, got %d", c.Walk.Workers))
	}
	if c.Walk.Workers > MaxWorkers {
		c.Walk.Workers = MaxWorkers
	}
	if c.Ingest.MaxEntriesPerFile < 1 {
		errs = append(errs, fmt.Errorf("max_entries_per_file must be at least 1, got %d", c.Ingest.MaxEntriesPerFile))
	}
	if c.Cleanup.BatchSize < 1 || c.Cleanup.BatchSize > 250 {
		errs = append(errs, fmt.Errorf("cleanup batch_size must be between 1 and 250, got %d", c.Cleanup.BatchSize))
	}
	if c.Cleanup.RequestsPerSecond < 0 {
		errs = append(errs, fmt.Errorf("cleanup requests_per_second must not be negative"))
	}
	for name, r := range map[string]RetryConfig{"archive": c.Archive.Retry, "cleanup": c.Cleanup.Retry} {
		if r.MaxAttempts < 1 {
			errs = append(errs, fmt.Errorf("%s retry max_attempts must be at least 1", name))
		}
		if r.InitialInterval < 0 || r.Multiplier < 0 {
			errs = append(errs, fmt.Errorf("%s retry interval and multiplier must not be negative", name))
		}
	}
	switch c.ObjectStore.Backend {
	case "cli", "blob":
	default:
		errs = append(errs, fmt.Errorf("unknown object store backend %q", c.ObjectStore.Backend))
	}

	return errors.Join(errs...)
}

func getenvDefault(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}
