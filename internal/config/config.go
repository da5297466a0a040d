// Package config loads and holds all proxy configuration.
// Settings are layered: defaults → config file (JSON) → environment
// variables (env vars win). There is no CLI flag layer; the core is
// embedded by an outer shell that owns its own argument parsing.
package config

import (
	"encoding/json"
	"log"
	"os"
	"strconv"
)

// Config holds the full configuration for one proxy instance.
type Config struct {
	Port        int    `json:"port"`
	Host        string `json:"host"`
	EnableHTTPS bool   `json:"enableHttps"`

	CaptureBodyCapBytes      int64 `json:"captureBodyCapBytes"`
	IdleTimeoutMs            int   `json:"idleTimeoutMs"`
	UpstreamConnectTimeoutMs int   `json:"upstreamConnectTimeoutMs"`
	UpstreamHeaderTimeoutMs  int   `json:"upstreamHeaderTimeoutMs"`

	// DataDir is the per-install root under which certificates/ and
	// data/ are rooted.
	DataDir           string `json:"dataDir"`
	TrafficDBFile     string `json:"trafficDbFile"`     // filename under DataDir/data/
	LeafCacheCapacity int    `json:"leafCacheCapacity"` // 0 = certminter default

	LogLevel string `json:"logLevel"`
}

// Load returns config with defaults overridden by proxy-config.json and
// then by environment variables.
func Load() *Config {
	cfg := defaults()
	loadFile(cfg, "proxy-config.json")
	loadEnv(cfg)
	return cfg
}

func defaults() *Config {
	return &Config{
		Port:        8888,
		Host:        "0.0.0.0",
		EnableHTTPS: true,

		CaptureBodyCapBytes:      10 * 1024 * 1024,
		IdleTimeoutMs:            60000,
		UpstreamConnectTimeoutMs: 30000,
		UpstreamHeaderTimeoutMs:  60000,

		DataDir:           ".",
		TrafficDBFile:     "traffic.db",
		LeafCacheCapacity: 0,

		LogLevel: "info",
	}
}

func loadFile(cfg *Config, path string) {
	data, err := os.ReadFile(path) //nolint:gosec // G703: fixed config file name, not user input
	if err != nil {
		return // file is optional
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		log.Printf("[CONFIG] Warning: could not parse %s: %v", path, err)
	} else {
		log.Printf("[CONFIG] Loaded %s", path)
	}
}

func loadEnv(cfg *Config) {
	if v := os.Getenv("PROXY_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Port = n
		}
	}
	if v := os.Getenv("PROXY_HOST"); v != "" {
		cfg.Host = v
	}
	if v := os.Getenv("ENABLE_HTTPS"); v == "false" {
		cfg.EnableHTTPS = false
	}
	if v := os.Getenv("CAPTURE_BODY_CAP_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.CaptureBodyCapBytes = n
		}
	}
	if v := os.Getenv("IDLE_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.IdleTimeoutMs = n
		}
	}
	if v := os.Getenv("UPSTREAM_CONNECT_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.UpstreamConnectTimeoutMs = n
		}
	}
	if v := os.Getenv("UPSTREAM_HEADER_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.UpstreamHeaderTimeoutMs = n
		}
	}
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("TRAFFIC_DB_FILE"); v != "" {
		cfg.TrafficDBFile = v
	}
	if v := os.Getenv("LEAF_CACHE_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.LeafCacheCapacity = n
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}
