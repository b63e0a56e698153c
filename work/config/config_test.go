package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func loadFresh(t *testing.T, path string) *Config {
	t.Helper()
	ClearConfigCache()
	t.Setenv("STREAMSHARE_CONFIG", path)
	t.Cleanup(ClearConfigCache)
	return LoadConfig()
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg := loadFresh(t, filepath.Join(t.TempDir(), "missing.json"))

	if cfg.ListenPort != 8080 {
		t.Errorf("ListenPort = %d, want 8080", cfg.ListenPort)
	}
	if cfg.KeyPrefix != "ssp" {
		t.Errorf("KeyPrefix = %q, want ssp", cfg.KeyPrefix)
	}
	if cfg.SegmentMaxCount != 64 || cfg.SegmentMaxAge != 60*time.Second {
		t.Errorf("segment retention = (%d, %s)", cfg.SegmentMaxCount, cfg.SegmentMaxAge)
	}
	if cfg.ChunkTargetBytes != 256*1024 || cfg.ChunkFlushInterval != 500*time.Millisecond {
		t.Errorf("chunking = (%d, %s)", cfg.ChunkTargetBytes, cfg.ChunkFlushInterval)
	}
	if cfg.StartupWindow != 15*time.Second || cfg.StartupWindowLimit != 3 {
		t.Errorf("startup = (%s, %d)", cfg.StartupWindow, cfg.StartupWindowLimit)
	}
	if cfg.StartRetries != 3 || cfg.StopGracePeriod != 5*time.Second {
		t.Errorf("supervision = (%d, %s)", cfg.StartRetries, cfg.StopGracePeriod)
	}
	if cfg.SessionTTL != 60*time.Second || cfg.MonitorInterval != 30*time.Second {
		t.Errorf("liveness = (%s, %s)", cfg.SessionTTL, cfg.MonitorInterval)
	}
	if cfg.InstanceID == "" {
		t.Error("InstanceID should default to the hostname")
	}
	if cfg.FFmpegPath != "ffmpeg" {
		t.Errorf("FFmpegPath = %q", cfg.FFmpegPath)
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{
		"listenPort": 9090,
		"logLevel": "DEBUG",
		"obfuscateUrls": true,
		"redisAddr": "redis:6379",
		"keyPrefix": "relay",
		"segmentMaxAge": "90s",
		"chunkFlushInterval": "250ms",
		"startupWindow": "10s",
		"sessionTTL": "2m",
		"keepWarmGrace": "30s",
		"profiles": [
			{"name": "main", "url": "http://panel.example.com", "username": "u", "password": "p", "isPrimary": true, "maxConnections": 3},
			{"name": "broken", "url": "", "username": "x", "password": "y"}
		]
	}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := loadFresh(t, path)

	if cfg.ListenPort != 9090 || cfg.LogLevel != "DEBUG" || !cfg.ObfuscateURLs {
		t.Errorf("basic fields = (%d, %q, %v)", cfg.ListenPort, cfg.LogLevel, cfg.ObfuscateURLs)
	}
	if cfg.RedisAddr != "redis:6379" || cfg.KeyPrefix != "relay" {
		t.Errorf("store fields = (%q, %q)", cfg.RedisAddr, cfg.KeyPrefix)
	}
	if cfg.SegmentMaxAge != 90*time.Second || cfg.ChunkFlushInterval != 250*time.Millisecond {
		t.Errorf("durations = (%s, %s)", cfg.SegmentMaxAge, cfg.ChunkFlushInterval)
	}
	if cfg.StartupWindow != 10*time.Second || cfg.SessionTTL != 2*time.Minute || cfg.KeepWarmGrace != 30*time.Second {
		t.Errorf("timing = (%s, %s, %s)", cfg.StartupWindow, cfg.SessionTTL, cfg.KeepWarmGrace)
	}

	// The URL-less profile is dropped, the rest survive validation.
	if len(cfg.Profiles) != 1 || cfg.Profiles[0].Name != "main" {
		t.Errorf("profiles = %+v", cfg.Profiles)
	}

	// Unset fields still get defaults.
	if cfg.SegmentMaxCount != 64 || cfg.StartRetries != 3 {
		t.Errorf("defaults not applied: (%d, %d)", cfg.SegmentMaxCount, cfg.StartRetries)
	}
}

func TestLegacySourceBecomesPrimaryProfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{"source": {"url": "http://old.example.com", "username": "legacy", "password": "pw", "maxConnections": 2}}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := loadFresh(t, path)

	if len(cfg.Profiles) != 1 {
		t.Fatalf("profiles = %d, want 1 derived from legacy source", len(cfg.Profiles))
	}
	p := cfg.Profiles[0]
	if !p.IsPrimary || p.URL != "http://old.example.com" || p.Username != "legacy" || p.MaxConnections != 2 {
		t.Errorf("derived profile = %+v", p)
	}
}

func TestLoadConfigCaches(t *testing.T) {
	cfg := loadFresh(t, filepath.Join(t.TempDir(), "missing.json"))
	if again := LoadConfig(); again != cfg {
		t.Error("LoadConfig should return the cached instance")
	}
}
