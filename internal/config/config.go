// Package config handles process-level configuration for the mcdaqd
// daemon: listen address, file paths, pool and buffer sizing, and the
// remote-store connection settings. PLC, tag, and polling-group records
// live in the SQLite store (internal/sqlconfig), not here.
//
// Precedence is file < environment: Load reads the YAML file first, then
// applies any recognised environment variables over it.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// WebConfig holds the control-surface HTTP listener settings.
type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	// APIKeyHash is a bcrypt hash of the API key clients must present in
	// X-API-Key. Empty disables authentication.
	APIKeyHash string `yaml:"api_key_hash,omitempty"`
}

// OracleConfig holds the remote time-series store connection settings.
type OracleConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Service  string `yaml:"service"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	PoolMin  int    `yaml:"pool_min"`
	PoolMax  int    `yaml:"pool_max"`
}

// DSN assembles the session-pool connection string.
func (o OracleConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s", o.User, o.Password, o.Host, o.Port, o.Service)
}

// BufferConfig holds the circular-buffer and writer tunables.
type BufferConfig struct {
	MaxSize       int           `yaml:"max_size"`
	BatchSize     int           `yaml:"batch_size"`
	WriteInterval time.Duration `yaml:"write_interval"`
	RetryCount    int           `yaml:"retry_count"`
}

// Config is the daemon's complete process configuration.
type Config struct {
	DatabasePath   string `yaml:"database_path"`
	BackupPath     string `yaml:"backup_path"`
	FailureLogPath string `yaml:"failure_log_path"`
	TraceLogPath   string `yaml:"trace_log,omitempty"`

	PoolSizePerPLC    int           `yaml:"pool_size_per_plc"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
	ReadTimeout       time.Duration `yaml:"read_timeout,omitempty"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	MaxPollingGroups  int           `yaml:"max_polling_groups"`
	DataQueueSize     int           `yaml:"data_queue_size"`

	Buffer BufferConfig `yaml:"buffer"`
	Oracle OracleConfig `yaml:"oracle"`
	Web    WebConfig    `yaml:"web"`
}

// Default returns the built-in configuration used when no file exists.
func Default() *Config {
	return &Config{
		DatabasePath:      "mcdaq.db",
		BackupPath:        "backup",
		FailureLogPath:    ".",
		PoolSizePerPLC:    5,
		ConnectionTimeout: 5 * time.Second,
		IdleTimeout:       600 * time.Second,
		MaxPollingGroups:  10,
		DataQueueSize:     10000,
		Buffer: BufferConfig{
			MaxSize:       10000,
			BatchSize:     500,
			WriteInterval: time.Second,
			RetryCount:    3,
		},
		Oracle: OracleConfig{
			Port:    5432,
			PoolMin: 2,
			PoolMax: 5,
		},
		Web: WebConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8080,
		},
	}
}

// Load reads path (YAML), falling back to defaults when the file does not
// exist, then applies environment-variable overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.applyEnv()
	return cfg, nil
}

// Save writes the configuration back to path as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	envStr("DATABASE_PATH", &c.DatabasePath)
	envStr("BACKUP_FILE_PATH", &c.BackupPath)
	envInt("POOL_SIZE_PER_PLC", &c.PoolSizePerPLC)
	envSeconds("CONNECTION_TIMEOUT", &c.ConnectionTimeout)
	envSeconds("READ_TIMEOUT", &c.ReadTimeout)
	envSeconds("IDLE_TIMEOUT", &c.IdleTimeout)
	envInt("MAX_POLLING_GROUPS", &c.MaxPollingGroups)
	envInt("DATA_QUEUE_SIZE", &c.DataQueueSize)
	envInt("BUFFER_MAX_SIZE", &c.Buffer.MaxSize)
	envInt("BUFFER_BATCH_SIZE", &c.Buffer.BatchSize)
	envSeconds("BUFFER_WRITE_INTERVAL", &c.Buffer.WriteInterval)
	envInt("BUFFER_RETRY_COUNT", &c.Buffer.RetryCount)

	envStr("ORACLE_HOST", &c.Oracle.Host)
	envInt("ORACLE_PORT", &c.Oracle.Port)
	envStr("ORACLE_SERVICE", &c.Oracle.Service)
	envStr("ORACLE_USER", &c.Oracle.User)
	envStr("ORACLE_PASSWORD", &c.Oracle.Password)
	envInt("ORACLE_POOL_MIN", &c.Oracle.PoolMin)
	envInt("ORACLE_POOL_MAX", &c.Oracle.PoolMax)
}

func envStr(name string, dst *string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func envInt(name string, dst *int) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envSeconds(name string, dst *time.Duration) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(n) * time.Second
		}
	}
}
