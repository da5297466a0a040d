package config

import (
	"encoding/json"
	"os"
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg := defaults()

	if cfg.Port != 8888 {
		t.Errorf("Port: got %d, want 8888", cfg.Port)
	}
	if cfg.Host != "0.0.0.0" {
		t.Errorf("Host: got %s", cfg.Host)
	}
	if !cfg.EnableHTTPS {
		t.Error("EnableHTTPS should default to true")
	}
	if cfg.CaptureBodyCapBytes != 10*1024*1024 {
		t.Errorf("CaptureBodyCapBytes: got %d, want 10MiB", cfg.CaptureBodyCapBytes)
	}
	if cfg.IdleTimeoutMs != 60000 {
		t.Errorf("IdleTimeoutMs: got %d, want 60000", cfg.IdleTimeoutMs)
	}
	if cfg.UpstreamConnectTimeoutMs != 30000 {
		t.Errorf("UpstreamConnectTimeoutMs: got %d, want 30000", cfg.UpstreamConnectTimeoutMs)
	}
	if cfg.UpstreamHeaderTimeoutMs != 60000 {
		t.Errorf("UpstreamHeaderTimeoutMs: got %d, want 60000", cfg.UpstreamHeaderTimeoutMs)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel: got %s", cfg.LogLevel)
	}
	if cfg.TrafficDBFile != "traffic.db" {
		t.Errorf("TrafficDBFile: got %s", cfg.TrafficDBFile)
	}
}

func TestLoadEnv_Port(t *testing.T) {
	t.Setenv("PROXY_PORT", "9090")
	cfg := defaults()
	loadEnv(cfg)
	if cfg.Port != 9090 {
		t.Errorf("Port: got %d, want 9090", cfg.Port)
	}
}

func TestLoadEnv_Host(t *testing.T) {
	t.Setenv("PROXY_HOST", "127.0.0.1")
	cfg := defaults()
	loadEnv(cfg)
	if cfg.Host != "127.0.0.1" {
		t.Errorf("Host: got %s", cfg.Host)
	}
}

func TestLoadEnv_DisableHTTPS(t *testing.T) {
	t.Setenv("ENABLE_HTTPS", "false")
	cfg := defaults()
	loadEnv(cfg)
	if cfg.EnableHTTPS {
		t.Error("EnableHTTPS should be false")
	}
}

func TestLoadEnv_CaptureBodyCapBytes(t *testing.T) {
	t.Setenv("CAPTURE_BODY_CAP_BYTES", "2048")
	cfg := defaults()
	loadEnv(cfg)
	if cfg.CaptureBodyCapBytes != 2048 {
		t.Errorf("CaptureBodyCapBytes: got %d, want 2048", cfg.CaptureBodyCapBytes)
	}
}

func TestLoadEnv_CaptureBodyCapBytes_ZeroIgnored(t *testing.T) {
	t.Setenv("CAPTURE_BODY_CAP_BYTES", "0")
	cfg := defaults()
	loadEnv(cfg)
	if cfg.CaptureBodyCapBytes != 10*1024*1024 {
		t.Errorf("CaptureBodyCapBytes: got %d, want default (zero should be ignored)", cfg.CaptureBodyCapBytes)
	}
}

func TestLoadEnv_IdleTimeoutMs(t *testing.T) {
	t.Setenv("IDLE_TIMEOUT_MS", "45000")
	cfg := defaults()
	loadEnv(cfg)
	if cfg.IdleTimeoutMs != 45000 {
		t.Errorf("IdleTimeoutMs: got %d, want 45000", cfg.IdleTimeoutMs)
	}
}

func TestLoadEnv_UpstreamConnectTimeoutMs(t *testing.T) {
	t.Setenv("UPSTREAM_CONNECT_TIMEOUT_MS", "5000")
	cfg := defaults()
	loadEnv(cfg)
	if cfg.UpstreamConnectTimeoutMs != 5000 {
		t.Errorf("UpstreamConnectTimeoutMs: got %d, want 5000", cfg.UpstreamConnectTimeoutMs)
	}
}

func TestLoadEnv_UpstreamHeaderTimeoutMs(t *testing.T) {
	t.Setenv("UPSTREAM_HEADER_TIMEOUT_MS", "9000")
	cfg := defaults()
	loadEnv(cfg)
	if cfg.UpstreamHeaderTimeoutMs != 9000 {
		t.Errorf("UpstreamHeaderTimeoutMs: got %d, want 9000", cfg.UpstreamHeaderTimeoutMs)
	}
}

func TestLoadEnv_DataDir(t *testing.T) {
	t.Setenv("DATA_DIR", "/var/lib/mitmcore")
	cfg := defaults()
	loadEnv(cfg)
	if cfg.DataDir != "/var/lib/mitmcore" {
		t.Errorf("DataDir: got %s", cfg.DataDir)
	}
}

func TestLoadEnv_TrafficDBFile(t *testing.T) {
	t.Setenv("TRAFFIC_DB_FILE", "custom-traffic.db")
	cfg := defaults()
	loadEnv(cfg)
	if cfg.TrafficDBFile != "custom-traffic.db" {
		t.Errorf("TrafficDBFile: got %s", cfg.TrafficDBFile)
	}
}

func TestLoadEnv_LeafCacheCapacity(t *testing.T) {
	t.Setenv("LEAF_CACHE_CAPACITY", "500")
	cfg := defaults()
	loadEnv(cfg)
	if cfg.LeafCacheCapacity != 500 {
		t.Errorf("LeafCacheCapacity: got %d, want 500", cfg.LeafCacheCapacity)
	}
}

func TestLoadEnv_LogLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "debug")
	cfg := defaults()
	loadEnv(cfg)
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel: got %s", cfg.LogLevel)
	}
}

func TestLoadEnv_InvalidPort_Ignored(t *testing.T) {
	t.Setenv("PROXY_PORT", "not-a-number")
	cfg := defaults()
	loadEnv(cfg)
	if cfg.Port != 8888 {
		t.Errorf("Port: got %d, want 8888 (invalid env should be ignored)", cfg.Port)
	}
}

func TestLoadFile_ValidJSON(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "config-*.json")
	if err != nil {
		t.Fatal(err)
	}

	data, marshalErr := json.Marshal(map[string]any{
		"port":        9999,
		"enableHttps": false,
		"logLevel":    "debug",
	})
	if marshalErr != nil {
		t.Fatal(marshalErr)
	}
	if _, err := f.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	cfg := defaults()
	loadFile(cfg, f.Name())

	if cfg.Port != 9999 {
		t.Errorf("Port: got %d, want 9999", cfg.Port)
	}
	if cfg.EnableHTTPS {
		t.Error("EnableHTTPS should be false after file load")
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel: got %s", cfg.LogLevel)
	}
}

func TestLoadFile_Missing_IsNoOp(t *testing.T) {
	cfg := defaults()
	loadFile(cfg, "/nonexistent/path/config.json")
	if cfg.Port != 8888 {
		t.Errorf("Port changed unexpectedly: %d", cfg.Port)
	}
}

func TestLoadFile_InvalidJSON_PreservesDefaults(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "config-bad-*.json")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString("{this is not json}"); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	cfg := defaults()
	loadFile(cfg, f.Name())
	if cfg.Port != 8888 {
		t.Errorf("Port changed on bad JSON: %d", cfg.Port)
	}
}

func TestLoad_ReturnsNonNil(t *testing.T) {
	cfg := Load()
	if cfg == nil {
		t.Fatal("Load() returned nil")
	}
	if cfg.Port <= 0 {
		t.Errorf("Port should be positive, got %d", cfg.Port)
	}
}
