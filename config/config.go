// Package config provides configuration for chatbridge.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the chatbridge configuration.
type Config struct {
	// Server settings
	HTTPPort int

	// Storage
	DataDir      string // conversation JSONL logs
	StateDBPath  string // generation-state database
	SettingsPath string // optional YAML defaults for ChatSettings

	// Engine locations
	OllamaURL string // local-inference control plane
	CodexBin  string // session-capable engine executable
	ClaudeBin string
	GeminiBin string

	// Timeouts
	ProbeTimeout     time.Duration
	GenerateTimeout  time.Duration
	IdleSessionAge   time.Duration
	StaleGeneration  time.Duration
	RecoveryInterval time.Duration
	RecoveryMaxWait  time.Duration
}

// Load loads configuration from a .env file (if present) and environment
// variables.
func Load() *Config {
	// Missing .env is fine; env vars still apply.
	_ = godotenv.Load()

	dataDir := getEnv("CHATBRIDGE_DATA_DIR", defaultDataDir())

	cfg := &Config{
		HTTPPort:         getEnvInt("HTTP_PORT", 8484),
		DataDir:          dataDir,
		StateDBPath:      getEnv("CHATBRIDGE_STATE_DB", filepath.Join(dataDir, "state.db")),
		SettingsPath:     getEnv("CHATBRIDGE_SETTINGS", filepath.Join(dataDir, "settings.yaml")),
		OllamaURL:        getEnv("OLLAMA_URL", "http://localhost:11434"),
		CodexBin:         getEnv("CODEX_BIN", "codex"),
		ClaudeBin:        getEnv("CLAUDE_BIN", "claude"),
		GeminiBin:        getEnv("GEMINI_BIN", "gemini"),
		ProbeTimeout:     time.Duration(getEnvInt("PROBE_TIMEOUT_MS", 3000)) * time.Millisecond,
		GenerateTimeout:  time.Duration(getEnvInt("GENERATE_TIMEOUT_MS", 600000)) * time.Millisecond,
		IdleSessionAge:   time.Duration(getEnvInt("IDLE_SESSION_MIN", 15)) * time.Minute,
		StaleGeneration:  time.Duration(getEnvInt("STALE_GENERATION_MIN", 30)) * time.Minute,
		RecoveryInterval: time.Duration(getEnvInt("RECOVERY_POLL_MS", 1000)) * time.Millisecond,
		RecoveryMaxWait:  time.Duration(getEnvInt("RECOVERY_MAX_WAIT_MIN", 5)) * time.Minute,
	}
	return cfg
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".chatbridge"
	}
	return filepath.Join(home, ".chatbridge")
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}
