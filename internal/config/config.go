package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds service configuration.
type Config struct {
	ServerAddr  string
	DatabaseURL string

	// Long-poll dispatcher tuning.
	LongPollDefaultWait time.Duration
	LongPollMaxWait     time.Duration
	LongPollHeartbeat   time.Duration
	MaxWaitersPerClient int
	SweepInterval       time.Duration

	// Boundary guard thresholds.
	IntensityFlagThreshold    float64
	ContextEmergencyThreshold float64
	LongMessageLength         int
	LongMessageIntensity      float64

	// Hex-encoded 32-byte master key for content encryption. Empty disables
	// encryption (development only).
	FieldKeyHex string

	// Bearer token specs, "subject:bcrypt-hash" comma separated. Empty
	// disables authentication (development only).
	AuthTokens           string
	PrivilegedAuthTokens string
}

// Load reads configuration from environment.
func Load() (*Config, error) {
	return &Config{
		ServerAddr:  getenv("SERVER_ADDR", "0.0.0.0:8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),

		LongPollDefaultWait: parseDuration(getenv("LONGPOLL_DEFAULT_WAIT", "20s"), 20*time.Second),
		LongPollMaxWait:     parseDuration(getenv("LONGPOLL_MAX_WAIT", "60s"), 60*time.Second),
		LongPollHeartbeat:   parseDuration(getenv("LONGPOLL_HEARTBEAT", "30s"), 30*time.Second),
		MaxWaitersPerClient: parseInt(getenv("LONGPOLL_MAX_WAITERS", "8"), 8),
		SweepInterval:       parseDuration(getenv("LONGPOLL_SWEEP_INTERVAL", "1m"), time.Minute),

		IntensityFlagThreshold:    parseFloat(getenv("BOUNDARY_INTENSITY_FLAG_THRESHOLD", "0.8"), 0.8),
		ContextEmergencyThreshold: parseFloat(getenv("BOUNDARY_CONTEXT_EMERGENCY_THRESHOLD", "0.7"), 0.7),
		LongMessageLength:         parseInt(getenv("BOUNDARY_LONG_MESSAGE_LENGTH", "1000"), 1000),
		LongMessageIntensity:      parseFloat(getenv("BOUNDARY_LONG_MESSAGE_INTENSITY", "0.6"), 0.6),

		FieldKeyHex: os.Getenv("FIELD_KEY_HEX"),

		AuthTokens:           os.Getenv("AUTH_TOKENS"),
		PrivilegedAuthTokens: os.Getenv("PRIVILEGED_AUTH_TOKENS"),
	}, nil
}

func getenv(key, def string) string {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	return val
}

func parseDuration(val string, def time.Duration) time.Duration {
	if val == "" {
		return def
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return def
	}
	return d
}

func parseInt(val string, def int) int {
	if val == "" {
		return def
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return def
	}
	return n
}

func parseFloat(val string, def float64) float64 {
	if val == "" {
		return def
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return def
	}
	return f
}
