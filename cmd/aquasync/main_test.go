package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// TestRun_InvalidConfig verifies run fails with invalid config path.
func TestRun_InvalidConfig(t *testing.T) {
	originalEnv := os.Getenv("AQUASYNC_CONFIG")
	defer os.Setenv("AQUASYNC_CONFIG", originalEnv)

	os.Setenv("AQUASYNC_CONFIG", "/nonexistent/path/config.yaml")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx); err == nil {
		t.Fatal("run() should fail with invalid config path")
	}
}

// TestRun_MissingDocstorePath verifies run fails when the docstore
// path is empty (caught by config validation).
func TestRun_MissingDocstorePath(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "test-config.yaml")

	configContent := `
service:
  id: test-core

docstore:
  path: ""
  wal_mode: true
  busy_timeout: 5000

mqtt:
  broker:
    host: "127.0.0.1"
    port: 1883
    client_id: "test-client"
    tls: false
  qos: 1
  reconnect:
    initial_delay: 1
    max_delay: 60

influxdb:
  enabled: false

logging:
  level: info
  format: text
  output: stdout

api:
  host: "127.0.0.1"
  port: 3001
  timeouts:
    read: 30
    write: 30
    idle: 60
`
	if err := os.WriteFile(configPath, []byte(configContent), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	originalEnv := os.Getenv("AQUASYNC_CONFIG")
	defer os.Setenv("AQUASYNC_CONFIG", originalEnv)
	os.Setenv("AQUASYNC_CONFIG", configPath)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx); err == nil {
		t.Fatal("run() should fail with empty docstore path")
	}
}

// TestGetConfigPath_Default verifies default config path.
func TestGetConfigPath_Default(t *testing.T) {
	originalEnv := os.Getenv("AQUASYNC_CONFIG")
	defer os.Setenv("AQUASYNC_CONFIG", originalEnv)

	os.Unsetenv("AQUASYNC_CONFIG")

	if path := getConfigPath(); path != defaultConfigPath {
		t.Errorf("getConfigPath() = %q, want %q", path, defaultConfigPath)
	}
}

// TestGetConfigPath_EnvOverride verifies environment variable override.
func TestGetConfigPath_EnvOverride(t *testing.T) {
	originalEnv := os.Getenv("AQUASYNC_CONFIG")
	defer os.Setenv("AQUASYNC_CONFIG", originalEnv)

	expected := "/custom/path/config.yaml"
	os.Setenv("AQUASYNC_CONFIG", expected)

	if path := getConfigPath(); path != expected {
		t.Errorf("getConfigPath() = %q, want %q", path, expected)
	}
}
