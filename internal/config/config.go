// Package config loads coordinator configuration from the environment.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the coordinator process.
type Config struct {
	// Server settings
	Port        int
	CORSOrigins []string

	// Process-wide store (repository secrets, §4.7)
	DatabaseDSN string

	// Per-session store (§4.1). SessionID identifies which session's SQLite
	// file this instance owns; the transport-layer proxy resolves each
	// request to the right instance before it ever reaches this process.
	SessionDBDir string
	SessionID    string

	// Security
	EncryptionKey []byte // 32 bytes for AES-256-GCM

	// Outbound callback signing (§6)
	CallbackSecret string

	// Provider port (§6, §11)
	DockerHost      string
	SandboxImage    string
	ControlPlaneURL string

	// Identity port (§6, §11)
	GitHubAppID         string
	GitHubAppPrivateKey string

	// Circuit breaker (§4.4.1)
	CircuitBreakerThreshold int
	CircuitBreakerWindow    time.Duration

	// Spawn decision (§4.4.2)
	SpawnCooldown  time.Duration
	SpawnReadyWait time.Duration

	// Inactivity timeout (§4.4.5)
	InactivityTimeout   time.Duration
	InactivityExtension time.Duration
	InactivityMinCheck  time.Duration

	// Heartbeat health (§4.4.6)
	HeartbeatInterval time.Duration
	HeartbeatStale    time.Duration

	// Connection Hub (§4.2)
	AuthDeadline time.Duration

	// Pull-request path (§4.6)
	PushTimeout     time.Duration
	TokenSkew       time.Duration
	UpstreamTimeout time.Duration

	// Repository Secrets Store (§4.7)
	SecretMaxCount      int
	SecretMaxValueBytes int
	SecretMaxTotalBytes int

	// Default model when neither message nor session specify one (§9)
	DefaultModel string
}

// Load reads configuration from the environment, loading a local .env file
// first if present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}

	cfg.Port = getEnvInt("PORT", 8080)
	cfg.CORSOrigins = getEnvList("CORS_ORIGINS", []string{"http://localhost:3000"})

	cfg.DatabaseDSN = getEnv("DATABASE_URL", "postgres://localhost:5432/sandboxctl?sslmode=disable")
	cfg.SessionDBDir = getEnv("SESSION_DB_DIR", "./data/sessions")
	cfg.SessionID = getEnv("SESSION_ID", "")

	encryptionKeyStr := getEnv("MASTER_ENCRYPTION_KEY", "")
	if encryptionKeyStr == "" {
		encryptionKeyStr = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
	}
	encryptionKey, err := hex.DecodeString(encryptionKeyStr)
	if err != nil {
		return nil, fmt.Errorf("MASTER_ENCRYPTION_KEY must be hex encoded: %w", err)
	}
	if len(encryptionKey) != 32 {
		return nil, fmt.Errorf("MASTER_ENCRYPTION_KEY must be exactly 32 bytes (64 hex chars), got %d bytes", len(encryptionKey))
	}
	cfg.EncryptionKey = encryptionKey

	cfg.CallbackSecret = getEnv("INTERNAL_CALLBACK_SECRET", "")

	cfg.DockerHost = getEnv("DOCKER_HOST", "")
	cfg.SandboxImage = getEnv("SANDBOX_IMAGE", "sandboxctl/agent:latest")
	cfg.ControlPlaneURL = getEnv("CONTROL_PLANE_URL", "http://localhost:8080")

	cfg.GitHubAppID = getEnv("GITHUB_APP_ID", "")
	cfg.GitHubAppPrivateKey = getEnv("GITHUB_APP_PRIVATE_KEY", "")

	cfg.CircuitBreakerThreshold = getEnvInt("CIRCUIT_BREAKER_THRESHOLD", 3)
	cfg.CircuitBreakerWindow = getEnvDuration("CIRCUIT_BREAKER_WINDOW", 5*time.Minute)

	cfg.SpawnCooldown = getEnvDuration("SPAWN_COOLDOWN", 30*time.Second)
	cfg.SpawnReadyWait = getEnvDuration("SPAWN_READY_WAIT", 60*time.Second)

	cfg.InactivityTimeout = getEnvDuration("INACTIVITY_TIMEOUT", 10*time.Minute)
	cfg.InactivityExtension = getEnvDuration("INACTIVITY_EXTENSION", 5*time.Minute)
	cfg.InactivityMinCheck = getEnvDuration("INACTIVITY_MIN_CHECK", 30*time.Second)

	cfg.HeartbeatInterval = getEnvDuration("HEARTBEAT_INTERVAL", 30*time.Second)
	cfg.HeartbeatStale = getEnvDuration("HEARTBEAT_STALE", 90*time.Second)

	cfg.AuthDeadline = getEnvDuration("WS_AUTH_DEADLINE", 30*time.Second)

	cfg.PushTimeout = getEnvDuration("PUSH_TIMEOUT", 180*time.Second)
	cfg.TokenSkew = getEnvDuration("TOKEN_SKEW", 60*time.Second)
	cfg.UpstreamTimeout = getEnvDuration("UPSTREAM_TIMEOUT", 60*time.Second)

	cfg.SecretMaxCount = getEnvInt("SECRET_MAX_COUNT", 50)
	cfg.SecretMaxValueBytes = getEnvInt("SECRET_MAX_VALUE_BYTES", 16*1024)
	cfg.SecretMaxTotalBytes = getEnvInt("SECRET_MAX_TOTAL_BYTES", 64*1024)

	cfg.DefaultModel = getEnv("DEFAULT_MODEL", "claude-sonnet-4-5")

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Split(value, ",")
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
