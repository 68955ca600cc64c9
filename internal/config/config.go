// Package config loads the forwarding engine's tunables from YAML, using
// gopkg.in/yaml.v3 (present in both docker-compose and
// aws-karpenter-provider-aws's dependency closures; the teacher itself
// takes all configuration as Go struct literals, so this is adopted from
// the rest of the pack rather than the teacher).
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the process-wide tunables mirroring spec.md §9's "Global
// state": the default SERVER_NAME/SERVER_PORT fallback, the Write
// Channel's high watermark, and the header-serialization pool chunk size.
type Config struct {
	DefaultServerName string        `yaml:"default_server_name"`
	DefaultServerPort string        `yaml:"default_server_port"`
	HighWatermark     int           `yaml:"high_watermark"`
	PoolChunkSize     int           `yaml:"pool_chunk_size"`

	ListenAddress string `yaml:"listen_address"`
	LogLevel      string `yaml:"log_level"`

	Pool struct {
		MaxIdleConnsPerGroup int           `yaml:"max_idle_conns_per_group"`
		MaxConnsPerGroup     int           `yaml:"max_conns_per_group"`
		MaxIdleTime          time.Duration `yaml:"max_idle_time"`
		WaitTimeout          time.Duration `yaml:"wait_timeout"`
		StaleCheckThreshold  time.Duration `yaml:"stale_check_threshold"`
	} `yaml:"pool"`
}

// Default returns the built-in defaults, used when no config file is
// given and as the base that a loaded file's zero-value fields fall back
// to is not needed here (Load just unmarshals over Default()).
func Default() Config {
	var c Config
	c.DefaultServerName = "localhost"
	c.DefaultServerPort = "80"
	c.HighWatermark = 128 * 1024
	c.PoolChunkSize = 8 * 1024
	c.ListenAddress = ":3000"
	c.LogLevel = "info"
	c.Pool.MaxIdleConnsPerGroup = 2
	c.Pool.MaxConnsPerGroup = 0
	c.Pool.MaxIdleTime = 90 * time.Second
	c.Pool.StaleCheckThreshold = time.Second
	return c
}

// Load reads and parses the YAML file at path, starting from Default()
// and letting any fields present in the file override it.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}
