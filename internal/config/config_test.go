// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML loading, env var expansion, and duration parsing

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_ValidConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	catalogPath := filepath.Join(tmpDir, "agents.toml")

	if err := os.WriteFile(catalogPath, []byte("[agents.echo]\ncommand = \"echo\"\n"), 0644); err != nil {
		t.Fatalf("failed to write catalog file: %v", err)
	}

	configContent := `
server:
  http_addr: "0.0.0.0:8080"

auth:
  jwt_secret: "test-secret"

agents:
  catalog_path: "` + catalogPath + `"

sessions:
  idempotency_ttl: "5m"

logging:
  level: "debug"
  format: "json"
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "0.0.0.0:8080" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "0.0.0.0:8080")
	}
	if cfg.Auth.JWTSecret != "test-secret" {
		t.Errorf("Auth.JWTSecret = %q, want %q", cfg.Auth.JWTSecret, "test-secret")
	}
	if cfg.Agents.CatalogPath != catalogPath {
		t.Errorf("Agents.CatalogPath = %q, want %q", cfg.Agents.CatalogPath, catalogPath)
	}
	if cfg.Sessions.IdempotencyTTL != 5*time.Minute {
		t.Errorf("Sessions.IdempotencyTTL = %v, want %v", cfg.Sessions.IdempotencyTTL, 5*time.Minute)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "debug")
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %q, want %q", cfg.Logging.Format, "json")
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	t.Setenv("SIGHTGLASS_TEST_SECRET", "expanded-secret-value")

	configContent := `
server:
  http_addr: "localhost:8080"

auth:
  jwt_secret: "${SIGHTGLASS_TEST_SECRET}"
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Auth.JWTSecret != "expanded-secret-value" {
		t.Errorf("Auth.JWTSecret = %q, want %q", cfg.Auth.JWTSecret, "expanded-secret-value")
	}
}

func TestLoad_UnsetEnvVarExpandsEmpty(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  http_addr: "localhost:8080"

auth:
  jwt_secret: "${SIGHTGLASS_DEFINITELY_UNSET_VAR}"
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Auth.JWTSecret != "" {
		t.Errorf("Auth.JWTSecret = %q, want empty string", cfg.Auth.JWTSecret)
	}
}

func TestLoad_MissingHTTPAddr(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
logging:
  level: "info"
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Load() expected error for missing http_addr, got nil")
	}
	if !strings.Contains(err.Error(), "http_addr") {
		t.Errorf("Load() error = %v, want mention of http_addr", err)
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  http_addr: "localhost:8080"

sessions:
  idempotency_ttl: "not-a-duration"
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Load() expected error for invalid duration, got nil")
	}
	if !strings.Contains(err.Error(), "idempotency_ttl") {
		t.Errorf("Load() error = %v, want mention of idempotency_ttl", err)
	}
}

func TestLoad_MissingCatalogFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  http_addr: "localhost:8080"

agents:
  catalog_path: "` + filepath.Join(tmpDir, "missing.toml") + `"
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Load() expected error for missing catalog file, got nil")
	}
	if !strings.Contains(err.Error(), "catalog_path") {
		t.Errorf("Load() error = %v, want mention of catalog_path", err)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Fatal("Load() expected error for missing file, got nil")
	}
}
