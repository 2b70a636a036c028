package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

var defaultConfigFilenames = []string{
	"ganttd.yaml",
	"ganttd.yml",
	"ganttd.toml",
	".ganttd.yaml",
	".ganttd.yml",
	".ganttd.toml",
}

type FileConfig struct {
	DSN    string           `yaml:"dsn" toml:"dsn"`
	Driver string           `yaml:"driver" toml:"driver"`
	Server ServerFileConfig `yaml:"server" toml:"server"`
	Chart  ChartFileConfig  `yaml:"chart" toml:"chart"`
	Demo   DemoFileConfig   `yaml:"demo" toml:"demo"`
}

type ServerFileConfig struct {
	Addr            string   `yaml:"addr" toml:"addr"`
	ServiceID       string   `yaml:"service_id" toml:"service_id"`
	AuthToken       string   `yaml:"auth_token" toml:"auth_token"`
	SessionSecret   string   `yaml:"session_secret" toml:"session_secret"`
	AllowCIDRs      []string `yaml:"allow_cidrs" toml:"allow_cidrs"`
	AuthLimit       *int     `yaml:"auth_limit" toml:"auth_limit"`
	AuthWindow      string   `yaml:"auth_window" toml:"auth_window"`
	AuthMaxEntries  *int     `yaml:"auth_max_entries" toml:"auth_max_entries"`
	TLSCert         string   `yaml:"tls_cert" toml:"tls_cert"`
	TLSKey          string   `yaml:"tls_key" toml:"tls_key"`
	TLSClientCA     string   `yaml:"tls_client_ca" toml:"tls_client_ca"`
	ShutdownTimeout string   `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
}

type ChartFileConfig struct {
	DefaultDag      string   `yaml:"default_dag" toml:"default_dag"`
	Width           *float64 `yaml:"width" toml:"width"`
	RefreshInterval string   `yaml:"refresh_interval" toml:"refresh_interval"`
	FailCacheTTL    string   `yaml:"fail_cache_ttl" toml:"fail_cache_ttl"`
	MetricsInterval string   `yaml:"metrics_interval" toml:"metrics_interval"`
	Retention       string   `yaml:"retention" toml:"retention"`
}

type DemoFileConfig struct {
	Enabled *bool  `yaml:"enabled" toml:"enabled"`
	Tick    string `yaml:"tick" toml:"tick"`
	Seed    *int64 `yaml:"seed" toml:"seed"`
}

// ResolveConfigPath picks the config file: --config flag first, then
// GANTTD_CONFIG, then well-known filenames in the working directory.
// An empty result means run on built-in defaults.
func ResolveConfigPath(args []string) (string, error) {
	if path, ok, err := parseConfigFlag(args); err != nil || ok {
		return path, err
	}
	if env := os.Getenv("GANTTD_CONFIG"); env != "" {
		return env, nil
	}
	for _, name := range defaultConfigFilenames {
		if fileExists(name) {
			return name, nil
		}
	}
	return "", nil
}

// LoadFileConfig reads, schema-validates, and decodes one config file.
// A nil result with nil error means no file was given.
func LoadFileConfig(path string) (*FileConfig, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	ext := strings.ToLower(filepath.Ext(path))
	if err := ValidateFileConfig(data, ext); err != nil {
		return nil, err
	}

	var cfg FileConfig
	if err := decodeFileConfig(data, ext, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decodeFileConfig(data []byte, ext string, cfg *FileConfig) error {
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse yaml config: %w", err)
		}
		return nil
	case ".toml":
		if err := toml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse toml config: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unsupported config extension: %s", ext)
	}
}

func ApplyFileConfig(cfg *Config, fileCfg *FileConfig) error {
	if fileCfg == nil {
		return nil
	}

	if fileCfg.DSN != "" {
		cfg.DatabaseURL = fileCfg.DSN
		cfg.Driver = DetectDriver(fileCfg.DSN)
	}
	if fileCfg.Driver != "" {
		if fileCfg.Driver != DriverPostgres && fileCfg.Driver != DriverSQLite {
			return fmt.Errorf("unsupported driver %q in config file", fileCfg.Driver)
		}
		cfg.Driver = fileCfg.Driver
	}

	if fileCfg.Server.Addr != "" {
		cfg.ListenAddr = fileCfg.Server.Addr
	}
	if fileCfg.Server.ServiceID != "" {
		cfg.ServiceID = fileCfg.Server.ServiceID
	}
	if fileCfg.Server.AuthToken != "" {
		cfg.AuthToken = fileCfg.Server.AuthToken
	}
	if fileCfg.Server.SessionSecret != "" {
		cfg.SessionSecret = fileCfg.Server.SessionSecret
	}
	if len(fileCfg.Server.AllowCIDRs) > 0 {
		cfg.AllowCIDRs = append([]string{}, fileCfg.Server.AllowCIDRs...)
	}
	if fileCfg.Server.AuthLimit != nil {
		cfg.AuthLimit = *fileCfg.Server.AuthLimit
	}
	if fileCfg.Server.AuthWindow != "" {
		parsed, err := parseDurationField("server.auth_window", fileCfg.Server.AuthWindow)
		if err != nil {
			return err
		}
		cfg.AuthWindow = parsed
	}
	if fileCfg.Server.AuthMaxEntries != nil {
		cfg.AuthMaxEntries = *fileCfg.Server.AuthMaxEntries
	}
	if fileCfg.Server.TLSCert != "" {
		cfg.TLSCert = fileCfg.Server.TLSCert
	}
	if fileCfg.Server.TLSKey != "" {
		cfg.TLSKey = fileCfg.Server.TLSKey
	}
	if fileCfg.Server.TLSClientCA != "" {
		cfg.TLSClientCA = fileCfg.Server.TLSClientCA
	}
	if fileCfg.Server.ShutdownTimeout != "" {
		parsed, err := parseDurationField("server.shutdown_timeout", fileCfg.Server.ShutdownTimeout)
		if err != nil {
			return err
		}
		cfg.ShutdownTimeout = parsed
	}

	if fileCfg.Chart.DefaultDag != "" {
		cfg.DefaultDagID = fileCfg.Chart.DefaultDag
	}
	if fileCfg.Chart.Width != nil {
		if *fileCfg.Chart.Width <= 0 {
			return fmt.Errorf("chart.width must be positive")
		}
		cfg.GanttWidth = *fileCfg.Chart.Width
	}
	if fileCfg.Chart.RefreshInterval != "" {
		parsed, err := parseDurationField("chart.refresh_interval", fileCfg.Chart.RefreshInterval)
		if err != nil {
			return err
		}
		cfg.RefreshInterval = parsed
	}
	if fileCfg.Chart.FailCacheTTL != "" {
		parsed, err := parseDurationField("chart.fail_cache_ttl", fileCfg.Chart.FailCacheTTL)
		if err != nil {
			return err
		}
		cfg.FailCacheTTL = parsed
	}
	if fileCfg.Chart.MetricsInterval != "" {
		parsed, err := parseDurationField("chart.metrics_interval", fileCfg.Chart.MetricsInterval)
		if err != nil {
			return err
		}
		cfg.MetricsInterval = parsed
	}
	if fileCfg.Chart.Retention != "" {
		parsed, err := parseDurationField("chart.retention", fileCfg.Chart.Retention)
		if err != nil {
			return err
		}
		cfg.Retention = parsed
	}

	if fileCfg.Demo.Enabled != nil {
		cfg.DemoMode = *fileCfg.Demo.Enabled
	}
	if fileCfg.Demo.Tick != "" {
		parsed, err := parseDurationField("demo.tick", fileCfg.Demo.Tick)
		if err != nil {
			return err
		}
		cfg.DemoTick = parsed
	}
	if fileCfg.Demo.Seed != nil {
		cfg.DemoSeed = *fileCfg.Demo.Seed
	}

	return nil
}

// parseConfigFlag scans raw args for --config in either form. The bool
// reports whether the flag was present at all.
func parseConfigFlag(args []string) (string, bool, error) {
	for i, arg := range args {
		var value string
		switch {
		case strings.HasPrefix(arg, "--config="):
			value = arg[len("--config="):]
		case arg == "--config" || arg == "-config":
			if i+1 < len(args) {
				value = args[i+1]
			}
		default:
			continue
		}
		if value == "" {
			return "", true, fmt.Errorf("missing value for --config")
		}
		return value, true, nil
	}
	return "", false, nil
}

func parseDurationField(field, value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", field, err)
	}
	return d, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().IsRegular()
}
