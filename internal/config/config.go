// Package config provides configuration loading and validation for scavd.
// Supports YAML files with environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPathEnv names the environment variable consulted by Load.
const DefaultPathEnv = "SCAVD_CONFIG"

// Run-log backends.
const (
	RunLogBackendMemory   = "memory"
	RunLogBackendOxia     = "oxia"
	RunLogBackendPostgres = "postgres"
)

// Config holds all configuration for a scavd node.
type Config struct {
	Node          NodeConfig          `yaml:"node"`
	Admin         AdminConfig         `yaml:"admin"`
	RunLog        RunLogConfig        `yaml:"runLog"`
	Chunks        ChunksConfig        `yaml:"chunks"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type NodeConfig struct {
	NodeID string `yaml:"nodeId" env:"SCAVD_NODE_ID"`
	// InitialState is the role announced to the coordinator at startup
	// (e.g. "Leader", "Follower").
	InitialState string `yaml:"initialState" env:"SCAVD_NODE_INITIAL_STATE"`
}

type AdminConfig struct {
	ListenAddr string `yaml:"listenAddr" env:"SCAVD_ADMIN_ADDR"`
	// UsersFile holds "user:password:role,role" lines.
	UsersFile string `yaml:"usersFile" env:"SCAVD_ADMIN_USERS_FILE"`
	// Users is an inline alternative to UsersFile, entries separated by ';'.
	Users string `yaml:"users" env:"SCAVD_ADMIN_USERS"`
}

type RunLogConfig struct {
	Backend string `yaml:"backend" env:"SCAVD_RUNLOG_BACKEND"`

	OxiaEndpoint string `yaml:"oxiaEndpoint" env:"SCAVD_OXIA_ENDPOINT"`
	Namespace    string `yaml:"namespace" env:"SCAVD_OXIA_NAMESPACE"`

	PostgresURL     string        `yaml:"postgresUrl" env:"SCAVD_POSTGRES_URL"`
	MaxOpenConns    int           `yaml:"maxOpenConns" env:"SCAVD_POSTGRES_MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"maxIdleConns" env:"SCAVD_POSTGRES_MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime" env:"SCAVD_POSTGRES_CONN_MAX_LIFETIME"`
}

type ChunksConfig struct {
	Endpoint     string `yaml:"endpoint" env:"SCAVD_S3_ENDPOINT"`
	Bucket       string `yaml:"bucket" env:"SCAVD_S3_BUCKET"`
	Region       string `yaml:"region" env:"SCAVD_S3_REGION"`
	AccessKey    string `yaml:"accessKey" env:"SCAVD_S3_ACCESS_KEY"`
	SecretKey    string `yaml:"secretKey" env:"SCAVD_S3_SECRET_KEY"`
	UsePathStyle bool   `yaml:"usePathStyle" env:"SCAVD_S3_PATH_STYLE"`
	// Prefix is the object key prefix under which chunk files live.
	Prefix string `yaml:"prefix" env:"SCAVD_CHUNKS_PREFIX"`
	// DefaultThreads is used when a start request does not ask for a thread count.
	DefaultThreads int `yaml:"defaultThreads" env:"SCAVD_CHUNKS_DEFAULT_THREADS"`
	// MaxThreads caps the thread count a request can ask for.
	MaxThreads int `yaml:"maxThreads" env:"SCAVD_CHUNKS_MAX_THREADS"`
}

type ObservabilityConfig struct {
	MetricsAddr string `yaml:"metricsAddr" env:"SCAVD_METRICS_ADDR"`
	LogLevel    string `yaml:"logLevel" env:"SCAVD_LOG_LEVEL"`
	LogFormat   string `yaml:"logFormat" env:"SCAVD_LOG_FORMAT"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			InitialState: "Leader",
		},
		Admin: AdminConfig{
			ListenAddr: ":2113",
		},
		RunLog: RunLogConfig{
			Backend:         RunLogBackendMemory,
			OxiaEndpoint:    "localhost:6648",
			Namespace:       "scavd",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Chunks: ChunksConfig{
			Region:         "us-east-1",
			Prefix:         "chunks/",
			DefaultThreads: 1,
			MaxThreads:     8,
		},
		Observability: ObservabilityConfig{
			MetricsAddr: ":9090",
			LogLevel:    "info",
			LogFormat:   "json",
		},
	}
}

// Load reads the file named by SCAVD_CONFIG, if set, then applies
// environment overrides and validates the result.
func Load() (*Config, error) {
	return LoadFromPath(os.Getenv(DefaultPathEnv))
}

// LoadFromPath reads the YAML file at path over the defaults, applies
// environment overrides and validates. An empty path skips the file.
func LoadFromPath(path string) (*Config, error) {
	cfg, err := LoadFromPathNoValidate(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromPathNoValidate is LoadFromPath without validation. Admin client
// commands use it because they only need a subset of the settings.
func LoadFromPathNoValidate(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := applyEnv(reflect.ValueOf(cfg).Elem(), os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	var errs []error

	if c.Admin.ListenAddr == "" {
		errs = append(errs, errors.New("admin.listenAddr is required"))
	}

	switch c.RunLog.Backend {
	case RunLogBackendMemory:
	case RunLogBackendOxia:
		if c.RunLog.OxiaEndpoint == "" {
			errs = append(errs, errors.New("runLog.oxiaEndpoint is required for the oxia backend"))
		}
		if c.RunLog.Namespace == "" {
			errs = append(errs, errors.New("runLog.namespace is required for the oxia backend"))
		}
	case RunLogBackendPostgres:
		if c.RunLog.PostgresURL == "" {
			errs = append(errs, errors.New("runLog.postgresUrl is required for the postgres backend"))
		}
		if c.RunLog.MaxOpenConns < 1 {
			errs = append(errs, errors.New("runLog.maxOpenConns must be >= 1"))
		}
		if c.RunLog.MaxIdleConns > c.RunLog.MaxOpenConns {
			errs = append(errs, errors.New("runLog.maxIdleConns must be <= runLog.maxOpenConns"))
		}
	default:
		errs = append(errs, fmt.Errorf("runLog.backend %q is not one of memory, oxia, postgres", c.RunLog.Backend))
	}

	if c.Chunks.DefaultThreads < 1 {
		errs = append(errs, errors.New("chunks.defaultThreads must be >= 1"))
	}
	if c.Chunks.MaxThreads < c.Chunks.DefaultThreads {
		errs = append(errs, errors.New("chunks.maxThreads must be >= chunks.defaultThreads"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// applyEnv walks the struct and overrides every field carrying an env tag
// whose variable is set.
func applyEnv(v reflect.Value, lookup func(string) (string, bool)) error {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		fv := v.Field(i)

		if field.Type.Kind() == reflect.Struct {
			if err := applyEnv(fv, lookup); err != nil {
				return err
			}
			continue
		}

		name := field.Tag.Get("env")
		if name == "" {
			continue
		}
		raw, ok := lookup(name)
		if !ok {
			continue
		}
		if err := setField(fv, strings.TrimSpace(raw)); err != nil {
			return fmt.Errorf("config: env %s: %w", name, err)
		}
	}
	return nil
}

var durationType = reflect.TypeOf(time.Duration(0))

func setField(fv reflect.Value, raw string) error {
	if fv.Type() == durationType {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}
		fv.SetInt(int64(d))
		return nil
	}

	switch fv.Kind() {
	case reflect.String:
		fv.SetString(raw)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		fv.SetBool(b)
	case reflect.Int, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return err
		}
		fv.SetInt(n)
	default:
		return fmt.Errorf("unsupported field kind %s", fv.Kind())
	}
	return nil
}
