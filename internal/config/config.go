// Package config loads the process-level server configuration: a YAML file
// for scheduler/monitor/server tuning, plus the required and optional
// environment variables spec.md §6 names (JWT_SECRET, CORS_ORIGIN, PORT,
// MPI_LAUNCHER).
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrMissingJWTSecret is returned by LoadEnv when JWT_SECRET is unset. The
// caller (cmd/server) must treat this as fatal and exit before serving any
// WebSocket or HTTP traffic (spec.md §6 Environment).
var ErrMissingJWTSecret = errors.New("config: JWT_SECRET environment variable must be set")

// MPILauncher is the closed set of supported MPI launch commands.
type MPILauncher string

const (
	MPILauncherSrun    MPILauncher = "srun"
	MPILauncherMpirun  MPILauncher = "mpirun"
)

// Env holds the process's environment-derived configuration.
type Env struct {
	JWTSecret   string
	CORSOrigin  string
	Port        int
	MPILauncher MPILauncher
}

// LoadEnv reads JWT_SECRET, CORS_ORIGIN, PORT, and MPI_LAUNCHER from the
// process environment, applying spec.md §6 defaults (PORT=8001,
// MPI_LAUNCHER=srun) and failing fast if JWT_SECRET is unset.
func LoadEnv() (Env, error) {
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		return Env{}, ErrMissingJWTSecret
	}

	port := 8001
	if raw := os.Getenv("PORT"); raw != "" {
		var parsed int
		if _, err := fmt.Sscanf(raw, "%d", &parsed); err == nil && parsed > 0 {
			port = parsed
		}
	}

	launcher := MPILauncherSrun
	switch MPILauncher(os.Getenv("MPI_LAUNCHER")) {
	case MPILauncherMpirun:
		launcher = MPILauncherMpirun
	case "", MPILauncherSrun:
		launcher = MPILauncherSrun
	}

	return Env{
		JWTSecret:   secret,
		CORSOrigin:  os.Getenv("CORS_ORIGIN"),
		Port:        port,
		MPILauncher: launcher,
	}, nil
}

// Config is the YAML-file server configuration (spec.md §9 ambient stack).
type Config struct {
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	Watcher   WatcherConfig   `yaml:"watcher"`
	Store     StoreConfig     `yaml:"store"`
	WS        WSConfig        `yaml:"websocket"`
}

// SchedulerConfig tunes the Command Executor.
type SchedulerConfig struct {
	RateLimitPerSecond float64       `yaml:"rate_limit_per_second"`
	RateLimitBurst     int           `yaml:"rate_limit_burst"`
	CommandTimeout     time.Duration `yaml:"command_timeout"`
}

// MonitorConfig tunes the SLURM Monitor.
type MonitorConfig struct {
	PollInterval   time.Duration `yaml:"poll_interval"`
	GhostThreshold int           `yaml:"ghost_threshold"`
}

// WatcherConfig tunes the File Watcher.
type WatcherConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

// StoreConfig locates the SQLite database file.
type StoreConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// WSConfig tunes the WebSocket Hub.
type WSConfig struct {
	MaxConnections    int           `yaml:"max_connections"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// Load reads and parses a YAML config file at path, applying defaults for
// any field the file omits.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault loads config from path, or returns the default config if
// the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return defaultConfig(), nil
	}
	return Load(path)
}

func defaultConfig() *Config {
	return &Config{
		Scheduler: SchedulerConfig{
			RateLimitPerSecond: 10,
			RateLimitBurst:     10,
			CommandTimeout:     10 * time.Second,
		},
		Monitor: MonitorConfig{
			PollInterval:   5 * time.Second,
			GhostThreshold: 60,
		},
		Watcher: WatcherConfig{
			PollInterval: 5 * time.Second,
		},
		Store: StoreConfig{
			DatabasePath: DefaultDatabasePath(),
		},
		WS: WSConfig{
			MaxConnections:    200,
			HeartbeatInterval: 30 * time.Second,
		},
	}
}

func defaultStateDir() string {
	if v := os.Getenv("XDG_STATE_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".local", "state")
}

// DefaultDatabasePath returns the XDG-compliant default SQLite file path.
func DefaultDatabasePath() string {
	return filepath.Join(defaultStateDir(), "cryoprocess", "cryoprocess.db")
}

func defaultConfigDir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config")
}

// DefaultConfigPath returns the XDG-compliant default config file path.
func DefaultConfigPath() string {
	return filepath.Join(defaultConfigDir(), "cryoprocess", "config.yaml")
}
