package relay

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// FileConfig is the daemon's yaml configuration. Intervals are plain seconds
// so config files stay readable; zero values fall back to defaults at
// component construction.
type FileConfig struct {
	// ServerURL is the collection backend base URL (scheme + host).
	ServerURL string `yaml:"server_url"`
	// DB is the SQLite database path.
	DB string `yaml:"db"`
	// SettingsPath is the connection-settings file path.
	SettingsPath string `yaml:"settings_path"`
	// ListenAddr is the local HTTP surface bind address.
	ListenAddr string `yaml:"listen_addr"`
	Debug      bool   `yaml:"debug"`

	RetryIntervalSeconds  int `yaml:"retry_interval_seconds"`
	PingIntervalSeconds   int `yaml:"ping_interval_seconds"`
	RetryConcurrency      int `yaml:"retry_concurrency"`
	MaxAttempts           int `yaml:"max_attempts"`
	InitialBackoffSeconds int `yaml:"initial_backoff_seconds"`
	MaxBackoffSeconds     int `yaml:"max_backoff_seconds"`
	RequestTimeoutSeconds int `yaml:"request_timeout_seconds"`
}

func LoadConfig(path string) (*FileConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg FileConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// CoordinatorConfig maps the file values onto the retry coordinator settings.
func (c *FileConfig) CoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		Interval:       seconds(c.RetryIntervalSeconds),
		Concurrency:    c.RetryConcurrency,
		MaxAttempts:    c.MaxAttempts,
		InitialBackoff: seconds(c.InitialBackoffSeconds),
		MaxBackoff:     seconds(c.MaxBackoffSeconds),
	}
}
