// Package config loads daemon configuration from a JSON or YAML file with
// environment variable overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// OpenStackConfig holds credentials and placement settings for the
// OpenStack provider.
type OpenStackConfig struct {
	AuthURL     string            `json:"auth_url" yaml:"auth_url"`
	Username    string            `json:"username" yaml:"username"`
	Password    string            `json:"password" yaml:"password"`
	TenantName  string            `json:"tenant_name" yaml:"tenant_name"`
	Zone        string            `json:"zone" yaml:"zone"`
	ImagePrefix string            `json:"image_prefix" yaml:"image_prefix"`
	Metadata    map[string]string `json:"metadata" yaml:"metadata"`
}

// PostgresConfig holds the persistence DSN.
type PostgresConfig struct {
	DSN string `json:"dsn" yaml:"dsn"`
}

// RedisConfig holds Redis connection settings for the token cache.
type RedisConfig struct {
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
}

// LoggingConfig selects the operational log handler.
type LoggingConfig struct {
	Format string `json:"format" yaml:"format"`
	Level  string `json:"level" yaml:"level"`
}

// TracingConfig configures the OTLP trace exporter.
type TracingConfig struct {
	Enabled    bool    `json:"enabled" yaml:"enabled"`
	Endpoint   string  `json:"endpoint" yaml:"endpoint"`
	SampleRate float64 `json:"sample_rate" yaml:"sample_rate"`
}

// Config is the central configuration for the vmmaster daemon.
type Config struct {
	Addr string `json:"addr" yaml:"addr"`

	BaseDir        string `json:"base_dir" yaml:"base_dir"`
	ClonesDir      string `json:"clones_dir" yaml:"clones_dir"`
	OriginsDir     string `json:"origins_dir" yaml:"origins_dir"`
	ScreenshotsDir string `json:"screenshots_dir" yaml:"screenshots_dir"`

	UseKVM        bool           `json:"use_kvm" yaml:"use_kvm"`
	KVMMaxVMCount int            `json:"kvm_max_vm_count" yaml:"kvm_max_vm_count"`
	KVMPreloaded  map[string]int `json:"kvm_preloaded" yaml:"kvm_preloaded"`

	UseOpenStack        bool            `json:"use_openstack" yaml:"use_openstack"`
	OpenStackMaxVMCount int             `json:"openstack_max_vm_count" yaml:"openstack_max_vm_count"`
	OpenStackPreloaded  map[string]int  `json:"openstack_preloaded" yaml:"openstack_preloaded"`
	OpenStack           OpenStackConfig `json:"openstack" yaml:"openstack"`

	PreloaderFrequency    time.Duration `json:"preloader_frequency" yaml:"preloader_frequency"`
	VMCheck               bool          `json:"vm_check" yaml:"vm_check"`
	VMCheckFrequency      time.Duration `json:"vm_check_frequency" yaml:"vm_check_frequency"`
	VMCreateCheckPause    time.Duration `json:"vm_create_check_pause" yaml:"vm_create_check_pause"`
	VMCreateCheckAttempts int           `json:"vm_create_check_attempts" yaml:"vm_create_check_attempts"`

	SessionTimeout time.Duration `json:"session_timeout" yaml:"session_timeout"`
	PingTimeout    time.Duration `json:"ping_timeout" yaml:"ping_timeout"`
	GetVMTimeout   time.Duration `json:"get_vm_timeout" yaml:"get_vm_timeout"`

	SeleniumPort int `json:"selenium_port" yaml:"selenium_port"`
	AgentPort    int `json:"agent_port" yaml:"agent_port"`

	ThreadPoolMax int `json:"thread_pool_max" yaml:"thread_pool_max"`

	Postgres PostgresConfig `json:"postgres" yaml:"postgres"`
	Redis    RedisConfig    `json:"redis" yaml:"redis"`
	Logging  LoggingConfig  `json:"logging" yaml:"logging"`
	Tracing  TracingConfig  `json:"tracing" yaml:"tracing"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	base := "/var/lib/vmmaster"
	return &Config{
		Addr: ":9001",

		BaseDir:        base,
		ClonesDir:      filepath.Join(base, "clones"),
		OriginsDir:     filepath.Join(base, "origins"),
		ScreenshotsDir: filepath.Join(base, "screenshots"),

		UseKVM:        false,
		KVMMaxVMCount: 2,
		KVMPreloaded:  map[string]int{},

		UseOpenStack:        false,
		OpenStackMaxVMCount: 2,
		OpenStackPreloaded:  map[string]int{},
		OpenStack: OpenStackConfig{
			Zone:     "nova",
			Metadata: map[string]string{},
		},

		PreloaderFrequency:    3 * time.Second,
		VMCheck:               false,
		VMCheckFrequency:      30 * time.Minute,
		VMCreateCheckPause:    5 * time.Second,
		VMCreateCheckAttempts: 1000,

		SessionTimeout: 6 * time.Minute,
		PingTimeout:    3 * time.Minute,
		GetVMTimeout:   90 * time.Second,

		SeleniumPort: 4455,
		AgentPort:    9000,

		ThreadPoolMax: 100,

		Redis:   RedisConfig{Addr: "", DB: 0},
		Logging: LoggingConfig{Format: "text", Level: "info"},
		Tracing: TracingConfig{SampleRate: 1.0},
	}
}

// LoadFromFile loads configuration on top of the defaults. The format is
// selected by extension: .yaml/.yml use YAML, anything else JSON.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	return cfg, nil
}

// LoadFromEnv applies VMMASTER_* environment overrides to the config.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("VMMASTER_ADDR"); v != "" {
		cfg.Addr = v
	}
	if v := os.Getenv("VMMASTER_POSTGRES_DSN"); v != "" {
		cfg.Postgres.DSN = v
	}
	if v := os.Getenv("VMMASTER_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("VMMASTER_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("VMMASTER_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("VMMASTER_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("VMMASTER_SCREENSHOTS_DIR"); v != "" {
		cfg.ScreenshotsDir = v
	}
	if v := os.Getenv("VMMASTER_OPENSTACK_PASSWORD"); v != "" {
		cfg.OpenStack.Password = v
	}
	if v := os.Getenv("VMMASTER_SELENIUM_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.SeleniumPort = p
		}
	}
	if v := os.Getenv("VMMASTER_AGENT_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.AgentPort = p
		}
	}
}

// Capacity returns the total VM cap across all enabled providers.
func (c *Config) Capacity() int {
	max := 0
	if c.UseKVM {
		max += c.KVMMaxVMCount
	}
	if c.UseOpenStack {
		max += c.OpenStackMaxVMCount
	}
	return max
}

// Preloaded merges the per-provider preload maps of all enabled providers.
func (c *Config) Preloaded() map[string]int {
	out := map[string]int{}
	if c.UseKVM {
		for p, n := range c.KVMPreloaded {
			out[p] = n
		}
	}
	if c.UseOpenStack {
		for p, n := range c.OpenStackPreloaded {
			out[p] = n
		}
	}
	return out
}
