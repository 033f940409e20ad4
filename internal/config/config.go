// Package config loads configuration from environment variables.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// DefaultBots is the fixed set of known distribution bots.
var DefaultBots = []string{
	"CR-HOLLAND|NEW",
	"CR-ARUTHA|NEW",
	"ARUTHA-BATCH|1080p",
	"ARUTHA-BATCH|720p",
	"ARUTHA-BATCH|SD",
}

// Config holds all client configuration.
type Config struct {
	// IRC network
	Server  string
	Port    int
	Channel string
	Bots    []string

	// Logging
	LogLevel  string
	LogFormat string

	// Metrics (optional; empty disables the listener)
	MetricsAddr string

	// Listing cache
	CacheDir string

	// Timeouts
	ConnectTimeout  time.Duration
	ListTimeout     time.Duration
	DownloadTimeout time.Duration

	// Multi-bot fan-out
	Concurrency int
}

// Load reads configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		Server:          envOr("XDCC_SERVER", "irc.rizon.net"),
		Port:            envInt("XDCC_PORT", 6670),
		Channel:         envOr("XDCC_CHANNEL", "#subsplease"),
		Bots:            envList("XDCC_BOTS", DefaultBots),
		LogLevel:        envOr("LOG_LEVEL", "info"),
		LogFormat:       envOr("LOG_FORMAT", "console"),
		MetricsAddr:     envOr("METRICS_ADDR", ""),
		CacheDir:        envOr("XDCC_CACHE_DIR", filepath.Join(os.TempDir(), "xdcc_cache")),
		ConnectTimeout:  envDuration("XDCC_CONNECT_TIMEOUT", 30*time.Second),
		ListTimeout:     envDuration("XDCC_LIST_TIMEOUT", 2*time.Minute),
		DownloadTimeout: envDuration("XDCC_DOWNLOAD_TIMEOUT", 30*time.Minute),
		Concurrency:     envInt("XDCC_CONCURRENCY", 5),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func envList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
