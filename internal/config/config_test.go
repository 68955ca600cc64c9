package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	c := Default()
	if c.ListenAddress != ":3000" {
		t.Fatalf("ListenAddress = %q, want :3000", c.ListenAddress)
	}
	if c.HighWatermark != 128*1024 {
		t.Fatalf("HighWatermark = %d, want %d", c.HighWatermark, 128*1024)
	}
	if c.Pool.MaxIdleConnsPerGroup != 2 {
		t.Fatalf("Pool.MaxIdleConnsPerGroup = %d, want 2", c.Pool.MaxIdleConnsPerGroup)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	contents := []byte(`
listen_address: ":9999"
log_level: debug
pool:
  max_conns_per_group: 50
  wait_timeout: 5s
`)
	if err := os.WriteFile(path, contents, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.ListenAddress != ":9999" {
		t.Fatalf("ListenAddress = %q, want :9999", c.ListenAddress)
	}
	if c.LogLevel != "debug" {
		t.Fatalf("LogLevel = %q, want debug", c.LogLevel)
	}
	if c.Pool.MaxConnsPerGroup != 50 {
		t.Fatalf("Pool.MaxConnsPerGroup = %d, want 50", c.Pool.MaxConnsPerGroup)
	}
	if c.Pool.WaitTimeout != 5*time.Second {
		t.Fatalf("Pool.WaitTimeout = %v, want 5s", c.Pool.WaitTimeout)
	}
	// Fields absent from the file keep their Default() values.
	if c.DefaultServerName != "localhost" {
		t.Fatalf("DefaultServerName = %q, want localhost (untouched default)", c.DefaultServerName)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatalf("expected an error for a missing config file")
	}
}
