package config

import (
	"testing"
	"time"
)

// clearEnv sets each key to empty, which getEnv/getEnvInt/getEnvList/
// getEnvDuration all treat the same as unset.
func clearEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		t.Setenv(k, "")
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	clearEnv(t, "PORT", "CORS_ORIGINS", "DATABASE_URL", "MASTER_ENCRYPTION_KEY",
		"DEFAULT_MODEL", "PUSH_TIMEOUT", "SECRET_MAX_COUNT")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Port)
	}
	if len(cfg.CORSOrigins) != 1 || cfg.CORSOrigins[0] != "http://localhost:3000" {
		t.Errorf("CORSOrigins = %v", cfg.CORSOrigins)
	}
	if cfg.PushTimeout != 180*time.Second {
		t.Errorf("PushTimeout = %v, want 180s", cfg.PushTimeout)
	}
	if cfg.SecretMaxCount != 50 {
		t.Errorf("SecretMaxCount = %d, want 50", cfg.SecretMaxCount)
	}
	if len(cfg.EncryptionKey) != 32 {
		t.Errorf("EncryptionKey length = %d, want 32", len(cfg.EncryptionKey))
	}
	if cfg.DefaultModel != "claude-sonnet-4-5" {
		t.Errorf("DefaultModel = %q", cfg.DefaultModel)
	}
}

func TestLoadOverridesFromEnvironment(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("CORS_ORIGINS", "https://a.test,https://b.test")
	t.Setenv("PUSH_TIMEOUT", "5s")
	t.Setenv("SECRET_MAX_COUNT", "10")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 9090 {
		t.Errorf("Port = %d, want 9090", cfg.Port)
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "https://b.test" {
		t.Errorf("CORSOrigins = %v", cfg.CORSOrigins)
	}
	if cfg.PushTimeout != 5*time.Second {
		t.Errorf("PushTimeout = %v, want 5s", cfg.PushTimeout)
	}
	if cfg.SecretMaxCount != 10 {
		t.Errorf("SecretMaxCount = %d, want 10", cfg.SecretMaxCount)
	}
}

func TestLoadRejectsMalformedEncryptionKey(t *testing.T) {
	t.Setenv("MASTER_ENCRYPTION_KEY", "not-hex!!")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for non-hex encryption key")
	}
}

func TestLoadRejectsWrongLengthEncryptionKey(t *testing.T) {
	t.Setenv("MASTER_ENCRYPTION_KEY", "deadbeef")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for a key shorter than 32 bytes")
	}
}
