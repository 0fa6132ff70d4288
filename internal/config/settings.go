package config

import (
	"strconv"
	"strings"
	"time"
)

// Settings holds every tunable of the session panel. All values come from
// the environment with defaults matching the behavior the panel shipped
// with; the backoff schedule must stay monotonically non-decreasing.
type Settings struct {
	Port       string
	DataDir    string // user.json, akses.json, user_sessions.json
	AuthDir    string // per-device credential material
	JWTSecret  []byte
	SessionTTL time.Duration // web session lifetime

	TransportDriver string

	// Supervisor
	PairingGraceDelay time.Duration
	ConnectTimeout    time.Duration
	ReconnectDelays   []time.Duration
	MaxReconnects     int

	// Reload coordinator
	StartupReloadDelay time.Duration
	ReloadObserveDelay time.Duration
	MaxReloadAttempts  int
	HealthInterval     time.Duration

	// Event fanout
	HeartbeatInterval time.Duration

	// Telegram bot (disabled when token is empty)
	TelegramToken  string
	TelegramAPIURL string

	// Telegram IDs with implicit developer access
	DeveloperIDs []string
}

// Load builds Settings from the environment.
func Load() Settings {
	return Settings{
		Port:       GetEnv("PORT", "18080"),
		DataDir:    GetEnv("DATA_DIR", "database"),
		AuthDir:    GetEnv("AUTH_DIR", "auth"),
		JWTSecret:  []byte(GetEnv("JWT_SECRET", "")),
		SessionTTL: GetEnvDuration("SESSION_TTL", time.Hour),

		TransportDriver: GetEnv("TRANSPORT_DRIVER", "memory"),

		PairingGraceDelay: GetEnvDuration("PAIRING_GRACE_DELAY", 3*time.Second),
		ConnectTimeout:    GetEnvDuration("CONNECT_TIMEOUT", 120*time.Second),
		ReconnectDelays:   getEnvDelays("RECONNECT_DELAYS", defaultReconnectDelays),
		MaxReconnects:     GetEnvInt("MAX_RECONNECT_ATTEMPTS", 5),

		StartupReloadDelay: GetEnvDuration("STARTUP_RELOAD_DELAY", 15*time.Second),
		ReloadObserveDelay: GetEnvDuration("RELOAD_OBSERVE_DELAY", 30*time.Second),
		MaxReloadAttempts:  GetEnvInt("MAX_RELOAD_ATTEMPTS", 3),
		HealthInterval:     GetEnvDuration("HEALTH_CHECK_INTERVAL", 10*time.Minute),

		HeartbeatInterval: GetEnvDuration("EVENT_HEARTBEAT_INTERVAL", 30*time.Second),

		TelegramToken:  GetEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramAPIURL: GetEnv("TELEGRAM_API_URL", "https://api.telegram.org"),

		DeveloperIDs: getEnvList("DEVELOPER_IDS"),
	}
}

// getEnvList parses a comma-separated list, dropping empty entries.
func getEnvList(key string) []string {
	raw := GetEnv(key, "")
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}

var defaultReconnectDelays = []time.Duration{
	2 * time.Second,
	5 * time.Second,
	10 * time.Second,
	20 * time.Second,
	30 * time.Second,
}

// getEnvDelays parses a comma-separated list of second counts, e.g. "2,5,10".
func getEnvDelays(key string, defaultValue []time.Duration) []time.Duration {
	raw := GetEnv(key, "")
	if raw == "" {
		return defaultValue
	}
	parts := strings.Split(raw, ",")
	delays := make([]time.Duration, 0, len(parts))
	for _, p := range parts {
		secs, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || secs < 0 {
			return defaultValue
		}
		delays = append(delays, time.Duration(secs)*time.Second)
	}
	if len(delays) == 0 {
		return defaultValue
	}
	return delays
}
