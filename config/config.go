// Package config loads server configuration from the environment, with
// defaults and clamped ranges for every numeric limit.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the resolved server configuration.
type Config struct {
	// Server
	Host    string
	Port    int
	DevMode bool
	Debug   bool

	// Agent CLI
	ClaudeCmd     string
	ClaudeModel   string
	ClaudeTimeout time.Duration // per-turn wall-clock deadline

	// Limits
	MaxConcurrent  int
	MaxInputLength int

	// Rate windows: per-origin and per-identity turn admission
	// (count per rolling window).
	OriginLimit    int
	OriginWindow   time.Duration
	IdentityLimit  int
	IdentityWindow time.Duration

	// Connection liveness: a connection silent for 3x PingInterval is
	// treated as disconnected.
	PingInterval time.Duration

	// Web search. An empty key disables the feature.
	BraveAPIKey string

	// Storage
	DBPath string

	// AuthTokens maps bearer token → username for the static
	// authenticator ("token:user" pairs, comma-separated). Empty in
	// dev mode.
	AuthTokens map[string]string
}

// Load reads configuration from the environment.
func Load() *Config {
	return &Config{
		Host:    envString("HOST", "127.0.0.1"),
		Port:    envInt("PORT", 8450, 1, 65535),
		DevMode: envBool("DEV_MODE"),
		Debug:   envBool("DEBUG"),

		ClaudeCmd:     envString("CLAUDE_CMD", "claude"),
		ClaudeModel:   envString("CLAUDE_MODEL", "opus"),
		ClaudeTimeout: time.Duration(envInt("CLAUDE_TIMEOUT", 300, 30, 1800)) * time.Second,

		MaxConcurrent:  envInt("MAX_CONCURRENT", 3, 1, 10),
		MaxInputLength: envInt("MAX_INPUT_LENGTH", 10000, 100, 100000),

		OriginLimit:    envInt("ORIGIN_LIMIT", 10, 1, 1000),
		OriginWindow:   time.Duration(envInt("ORIGIN_WINDOW", 60, 1, 86400)) * time.Second,
		IdentityLimit:  envInt("IDENTITY_LIMIT", 60, 1, 10000),
		IdentityWindow: time.Duration(envInt("IDENTITY_WINDOW", 3600, 1, 86400)) * time.Second,

		PingInterval: time.Duration(envInt("PING_INTERVAL", 30, 5, 300)) * time.Second,

		BraveAPIKey: os.Getenv("BRAVE_API_KEY"),

		DBPath: envString("DB_PATH", "data/chatgate.db"),

		AuthTokens: parseAuthTokens(os.Getenv("AUTH_TOKENS")),
	}
}

// Addr returns the host:port listen address.
func (c *Config) Addr() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// envInt reads an integer env var, clamping to [lo, hi].
func envInt(key string, def, lo, hi int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}

func envBool(key string) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "true", "1", "yes", "on":
		return true
	}
	return false
}

// parseAuthTokens parses comma-separated "token:user" pairs.
func parseAuthTokens(raw string) map[string]string {
	tokens := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		token, user, ok := strings.Cut(pair, ":")
		if !ok || token == "" || user == "" {
			continue
		}
		tokens[token] = user
	}
	return tokens
}
