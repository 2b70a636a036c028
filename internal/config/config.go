package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type Config struct {
	DatabaseURL     string
	Driver          string // "postgres" or "sqlite"
	ServiceID       string
	ListenAddr      string
	DefaultDagID    string        // dag shown when none is requested
	GanttWidth      float64       // chart width in pixels
	RefreshInterval time.Duration // SSE change-poll cadence
	FailCacheTTL    time.Duration // retry-history cache lifetime
	MetricsInterval time.Duration // state-count collector cadence
	Retention       time.Duration // prune cutoff age
	ShutdownTimeout time.Duration

	AuthToken      string
	SessionSecret  string
	AllowCIDRs     []string
	AuthLimit      int
	AuthWindow     time.Duration
	AuthMaxEntries int
	TLSCert        string
	TLSKey         string
	TLSClientCA    string

	DemoMode bool
	DemoTick time.Duration
	DemoSeed int64
}

func (c *Config) BindFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.DatabaseURL, "dsn", c.DatabaseURL, "Database connection string (postgres URL or sqlite path)")
	fs.StringVar(&c.Driver, "driver", c.Driver, "Database driver (postgres|sqlite)")
	fs.StringVar(&c.ServiceID, "service-id", c.ServiceID, "Unique service instance ID")
	fs.StringVar(&c.ListenAddr, "listen-addr", c.ListenAddr, "HTTP listen address")
	fs.StringVar(&c.DefaultDagID, "dag", c.DefaultDagID, "Default dag to display")
	fs.Float64Var(&c.GanttWidth, "gantt-width", c.GanttWidth, "Chart width in pixels")
	fs.DurationVar(&c.RefreshInterval, "refresh-interval", c.RefreshInterval, "Change-poll interval for live updates")
	fs.DurationVar(&c.FailCacheTTL, "fail-cache-ttl", c.FailCacheTTL, "Retry-history cache lifetime")
	fs.DurationVar(&c.Retention, "retention", c.Retention, "Age after which runs are pruned")
	fs.DurationVar(&c.ShutdownTimeout, "shutdown-timeout", c.ShutdownTimeout, "Time to wait for connections on shutdown")
	fs.StringVar(&c.AuthToken, "auth-token", c.AuthToken, "Bearer token protecting the API (empty disables)")
	fs.StringVar(&c.TLSCert, "tls-cert", c.TLSCert, "TLS certificate file")
	fs.StringVar(&c.TLSKey, "tls-key", c.TLSKey, "TLS key file")
	fs.StringVar(&c.TLSClientCA, "tls-client-ca", c.TLSClientCA, "Client CA bundle for mutual TLS")
	fs.BoolVar(&c.DemoMode, "demo", c.DemoMode, "Seed and animate demo dags")
}

// DefaultConfig returns the baseline settings. File config, environment
// and flags layer over it, in that order.
func DefaultConfig() *Config {
	hostname, _ := os.Hostname()
	return &Config{
		DatabaseURL:     "gantt.db",
		Driver:          DriverSQLite,
		ServiceID:       fmt.Sprintf("ganttd-%s-%d", hostname, time.Now().Unix()),
		ListenAddr:      ":8080",
		GanttWidth:      500,
		RefreshInterval: 3 * time.Second,
		FailCacheTTL:    30 * time.Second,
		MetricsInterval: 15 * time.Second,
		Retention:       30 * 24 * time.Hour,
		ShutdownTimeout: 10 * time.Second,
		AuthLimit:       10,
		AuthWindow:      time.Minute,
		AuthMaxEntries:  4096,
		DemoTick:        2 * time.Second,
		DemoSeed:        1,
	}
}

// ApplyEnv layers environment variables over cfg.
func ApplyEnv(cfg *Config) error {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
		cfg.Driver = DetectDriver(v)
	}
	if v := os.Getenv("DATABASE_DRIVER"); v != "" {
		if v != DriverPostgres && v != DriverSQLite {
			return fmt.Errorf("unsupported DATABASE_DRIVER %q", v)
		}
		cfg.Driver = v
	}
	if v := os.Getenv("SERVICE_ID"); v != "" {
		cfg.ServiceID = v
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("DEFAULT_DAG"); v != "" {
		cfg.DefaultDagID = v
	}
	if raw := os.Getenv("GANTT_WIDTH"); raw != "" {
		if f, err := strconv.ParseFloat(raw, 64); err == nil && f > 0 {
			cfg.GanttWidth = f
		}
	}
	cfg.RefreshInterval = durationEnv("REFRESH_INTERVAL", cfg.RefreshInterval)
	cfg.FailCacheTTL = durationEnv("FAIL_CACHE_TTL", cfg.FailCacheTTL)
	cfg.MetricsInterval = durationEnv("METRICS_INTERVAL", cfg.MetricsInterval)
	cfg.Retention = durationEnv("RETENTION", cfg.Retention)
	cfg.ShutdownTimeout = durationEnv("SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)

	if v := os.Getenv("AUTH_TOKEN"); v != "" {
		cfg.AuthToken = v
	}
	if v := os.Getenv("SESSION_SECRET"); v != "" {
		cfg.SessionSecret = v
	}
	if raw := os.Getenv("ALLOW_CIDRS"); raw != "" {
		cfg.AllowCIDRs = nil
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				cfg.AllowCIDRs = append(cfg.AllowCIDRs, part)
			}
		}
	}
	if v := os.Getenv("TLS_CERT"); v != "" {
		cfg.TLSCert = v
	}
	if v := os.Getenv("TLS_KEY"); v != "" {
		cfg.TLSKey = v
	}
	if v := os.Getenv("TLS_CLIENT_CA"); v != "" {
		cfg.TLSClientCA = v
	}
	if raw := os.Getenv("DEMO_MODE"); raw == "1" || strings.EqualFold(raw, "true") {
		cfg.DemoMode = true
	}
	cfg.DemoTick = durationEnv("DEMO_TICK", cfg.DemoTick)
	return nil
}

// Load builds a config from defaults and environment only. Callers that
// support config files apply those between the two.
func Load() (*Config, error) {
	cfg := DefaultConfig()
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DetectDriver picks the driver from the DSN shape: postgres URLs keep
// their scheme, everything else is treated as a sqlite path.
func DetectDriver(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return DriverPostgres
	}
	return DriverSQLite
}

func durationEnv(key string, fallback time.Duration) time.Duration {
	if raw := os.Getenv(key); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil {
			return d
		}
	}
	return fallback
}
