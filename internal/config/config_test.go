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

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing config file: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	configContent := `
server:
  http_addr: "0.0.0.0:8080"

database:
  path: "./profiles.db"

store:
  root: "./data"

ssh:
  dial_timeout: "15s"

agent:
  system_prompt: "You help with servers."
  max_tool_rounds: 6
  model_timeout: "90s"

logging:
  level: "debug"
  format: "json"
`
	cfg, err := Load(writeConfig(t, configContent))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.HTTPAddr != "0.0.0.0:8080" {
		t.Errorf("HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "0.0.0.0:8080")
	}
	if cfg.Database.Path != "./profiles.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "./profiles.db")
	}
	if cfg.Store.Root != "./data" {
		t.Errorf("Store.Root = %q, want %q", cfg.Store.Root, "./data")
	}
	if cfg.SSH.DialTimeout != 15*time.Second {
		t.Errorf("SSH.DialTimeout = %v, want 15s", cfg.SSH.DialTimeout)
	}
	if cfg.Agent.ModelTimeout != 90*time.Second {
		t.Errorf("Agent.ModelTimeout = %v, want 90s", cfg.Agent.ModelTimeout)
	}
	if cfg.Agent.MaxToolRounds != 6 {
		t.Errorf("Agent.MaxToolRounds = %d, want 6", cfg.Agent.MaxToolRounds)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "debug")
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("OPSCONSOLE_TEST_SECRET", "s3cret")

	configContent := `
server:
  http_addr: "127.0.0.1:8080"
database:
  path: "./profiles.db"
store:
  root: "./data"
auth:
  jwt_secret: "${OPSCONSOLE_TEST_SECRET}"
`
	cfg, err := Load(writeConfig(t, configContent))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Auth.JWTSecret != "s3cret" {
		t.Errorf("JWTSecret = %q, want %q", cfg.Auth.JWTSecret, "s3cret")
	}
}

func TestLoad_UnsetEnvVarExpandsToEmpty(t *testing.T) {
	configContent := `
server:
  http_addr: "127.0.0.1:8080"
database:
  path: "./profiles.db"
store:
  root: "./data"
auth:
  jwt_secret: "${OPSCONSOLE_DEFINITELY_UNSET_VAR}"
`
	cfg, err := Load(writeConfig(t, configContent))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Auth.JWTSecret != "" {
		t.Errorf("JWTSecret = %q, want empty", cfg.Auth.JWTSecret)
	}
}

func TestLoad_MissingRequiredFields(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name: "missing http_addr",
			content: `
database:
  path: "./profiles.db"
store:
  root: "./data"
`,
			wantErr: "server.http_addr",
		},
		{
			name: "missing database path",
			content: `
server:
  http_addr: "127.0.0.1:8080"
store:
  root: "./data"
`,
			wantErr: "database.path",
		},
		{
			name: "missing store root",
			content: `
server:
  http_addr: "127.0.0.1:8080"
database:
  path: "./profiles.db"
`,
			wantErr: "store.root",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			if err == nil {
				t.Fatal("Load succeeded, want error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	configContent := `
server:
  http_addr: "127.0.0.1:8080"
database:
  path: "./profiles.db"
store:
  root: "./data"
agent:
  model_timeout: "ninety seconds"
`
	_, err := Load(writeConfig(t, configContent))
	if err == nil {
		t.Fatal("Load succeeded, want duration parse error")
	}
	if !strings.Contains(err.Error(), "model_timeout") {
		t.Errorf("error = %v, want mention of model_timeout", err)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("Load succeeded, want error")
	}
}
