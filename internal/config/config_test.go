package config

import (
	"strings"
	"testing"
)

const validYAML = `
name: proxy
type: vless
server: vless.example.com
port: 443
uuid: 3fa85f64-5717-4562-b3fc-2c963f66afa6
network: tcp
tls: true
listen:
  bind: 127.0.0.1
  port: 1080
`

func TestParseValid(t *testing.T) {
	cfg, err := Parse([]byte(validYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Server != "vless.example.com" {
		t.Errorf("Server = %q", cfg.Server)
	}
	if cfg.ListenAddress() != "127.0.0.1:1080" {
		t.Errorf("ListenAddress() = %q", cfg.ListenAddress())
	}
	if cfg.Connections.ConnectTimeout == 0 {
		t.Error("expected default ConnectTimeout to survive unmarshal")
	}
}

func TestParseExpandsEnvVars(t *testing.T) {
	t.Setenv("VLESS_UUID", "3fa85f64-5717-4562-b3fc-2c963f66afa6")

	yaml := `
server: vless.example.com
port: 443
uuid: ${VLESS_UUID}
network: tcp
listen:
  bind: 127.0.0.1
  port: 1080
`
	cfg, err := Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.UUID != "3fa85f64-5717-4562-b3fc-2c963f66afa6" {
		t.Errorf("UUID = %q", cfg.UUID)
	}
}

func TestParseEnvVarDefault(t *testing.T) {
	yaml := `
server: vless.example.com
port: 443
uuid: ${VLESS_UUID:-3fa85f64-5717-4562-b3fc-2c963f66afa6}
network: tcp
listen:
  bind: 127.0.0.1
  port: 1080
`
	cfg, err := Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.UUID != "3fa85f64-5717-4562-b3fc-2c963f66afa6" {
		t.Errorf("UUID = %q", cfg.UUID)
	}
}

func TestValidateRejectsMissingServer(t *testing.T) {
	cfg := Default()
	cfg.Port = 443
	cfg.UUID = "3fa85f64-5717-4562-b3fc-2c963f66afa6"
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "server is required") {
		t.Fatalf("expected server-required error, got %v", err)
	}
}

func TestValidateRejectsBadUUID(t *testing.T) {
	cfg := Default()
	cfg.Server = "vless.example.com"
	cfg.Port = 443
	cfg.UUID = "not-a-uuid"
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "uuid is invalid") {
		t.Fatalf("expected uuid-invalid error, got %v", err)
	}
}

func TestValidateRejectsAuthWithoutUsername(t *testing.T) {
	cfg := Default()
	cfg.Server = "vless.example.com"
	cfg.Port = 443
	cfg.UUID = "3fa85f64-5717-4562-b3fc-2c963f66afa6"
	cfg.Auth.Enabled = true
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "auth.username is required") {
		t.Fatalf("expected auth-username error, got %v", err)
	}
}

func TestRedactedHidesSecrets(t *testing.T) {
	cfg := Default()
	cfg.UUID = "3fa85f64-5717-4562-b3fc-2c963f66afa6"
	cfg.Auth.PasswordHash = "$2a$10$abcdefghijklmnopqrstuv"

	redacted := cfg.Redacted()
	if redacted.UUID == cfg.UUID {
		t.Error("expected UUID to be redacted")
	}
	if redacted.Auth.PasswordHash == cfg.Auth.PasswordHash {
		t.Error("expected PasswordHash to be redacted")
	}
	if cfg.UUID != "3fa85f64-5717-4562-b3fc-2c963f66afa6" {
		t.Error("Redacted must not mutate the receiver")
	}
}
