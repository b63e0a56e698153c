package config

import (
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"os"
	"sync"
	"time"
)

// Config holds all runtime settings for the shared-stream relay. It covers
// the shared store connection, buffering and eviction ceilings, upstream
// process supervision timing, session liveness, and the credential profiles
// used for connection-pool arbitration.
type Config struct {
	ListenPort    int    `json:"listenPort"`    // HTTP listen port
	LogLevel      string `json:"logLevel"`      // DEBUG, INFO, WARN or ERROR
	Debug         bool   `json:"debug"`         // enables verbose per-chunk logging
	ObfuscateURLs bool   `json:"obfuscateUrls"` // mask credentials in logged URLs
	InstanceID    string `json:"instanceId"`    // identifies this worker in shared records

	RedisAddr     string `json:"redisAddr"`     // empty selects the in-memory store
	RedisPassword string `json:"redisPassword"` // optional AUTH password
	KeyPrefix     string `json:"keyPrefix"`     // namespace prefix for all shared keys

	DatabasePath string `json:"databasePath"` // SQLite file for profile persistence
	ScratchDir   string `json:"scratchDir"`   // working directory for segmented output

	WorkerThreads int `json:"workerThreads"` // monitor sweep worker pool size

	// Buffering and eviction.
	SegmentMaxCount     int           `json:"segmentMaxCount"`     // per-stream retained segment ceiling
	SegmentMaxAge       time.Duration `json:"segmentMaxAge"`       // per-segment age ceiling
	ChunkTargetBytes    int64         `json:"chunkTargetBytes"`    // raw-mode commit threshold
	ChunkFlushInterval  time.Duration `json:"chunkFlushInterval"`  // raw-mode latency bound
	GlobalBufferBudget  int64         `json:"globalBufferBudget"`  // aggregate buffer budget in MB
	MinRetainedSegments int           `json:"minRetainedSegments"` // global trim never goes below this

	// Upstream process supervision.
	StartupWindow      time.Duration `json:"startupWindow"`      // max wait for first data
	StartupWindowLimit int           `json:"startupWindowLimit"` // empty windows before escalation to failed
	StartRetries       int           `json:"startRetries"`       // spawn attempts before UpstreamStartFailed
	StartRetryDelay    time.Duration `json:"startRetryDelay"`    // base backoff between spawn attempts
	StallThreshold     time.Duration `json:"stallThreshold"`     // silence length reported as a stall warning
	StopGracePeriod    time.Duration `json:"stopGracePeriod"`    // SIGTERM to SIGKILL escalation window
	AutoRestart        bool          `json:"autoRestart"`        // restart crashed streams with clients attached
	HLSSegmentSeconds  int           `json:"hlsSegmentSeconds"`  // target segment duration for segmented output

	FFmpegPath      string   `json:"ffmpegPath"`      // reader binary, defaults to ffmpeg on PATH
	FFmpegPreInput  []string `json:"ffmpegPreInput"`  // extra arguments before -i
	FFmpegPreOutput []string `json:"ffmpegPreOutput"` // extra arguments before the output target
	UserAgent       string   `json:"userAgent"`       // default user agent for upstream requests

	// Sessions and health monitoring.
	SessionTTL      time.Duration `json:"sessionTTL"`      // inactivity window before a session is reaped
	MonitorInterval time.Duration `json:"monitorInterval"` // health sweep cadence
	KeepWarmGrace   time.Duration `json:"keepWarmGrace"`   // keep a clientless stream alive this long

	// Provider reconciliation.
	ProviderRefreshInterval time.Duration `json:"providerRefreshInterval"` // profile drift correction cadence
	ProviderRatePerSecond   int           `json:"providerRatePerSecond"`   // who-am-i call rate limit
	ProviderCacheTTL        time.Duration `json:"providerCacheTTL"`        // who-am-i response cache lifetime

	Profiles []ProfileConfig `json:"profiles"` // upstream credential profiles

	// Legacy single-credential configuration, auto-derived into a primary
	// profile when no explicit profiles are configured.
	LegacySource *LegacySourceConfig `json:"source,omitempty"`
}

// ProfileConfig is one upstream credential set as configured on disk.
// Profiles configured here are upserted into the profile database on boot.
type ProfileConfig struct {
	Name           string `json:"name"`
	URL            string `json:"url"`
	Username       string `json:"username"`
	Password       string `json:"password"`
	Priority       int    `json:"priority"`
	IsPrimary      bool   `json:"isPrimary"`
	Disabled       bool   `json:"disabled,omitempty"`
	MaxConnections int    `json:"maxConnections"`
}

// LegacySourceConfig mirrors the pre-profile single-credential layout.
type LegacySourceConfig struct {
	URL            string `json:"url"`
	Username       string `json:"username"`
	Password       string `json:"password"`
	MaxConnections int    `json:"maxConnections"`
}

// configFile is the on-disk shape: durations are strings like "30s" or "5m".
type configFile struct {
	ListenPort    int    `json:"listenPort"`
	LogLevel      string `json:"logLevel"`
	Debug         bool   `json:"debug"`
	ObfuscateURLs bool   `json:"obfuscateUrls"`
	InstanceID    string `json:"instanceId"`

	RedisAddr     string `json:"redisAddr"`
	RedisPassword string `json:"redisPassword"`
	KeyPrefix     string `json:"keyPrefix"`

	DatabasePath string `json:"databasePath"`
	ScratchDir   string `json:"scratchDir"`

	WorkerThreads int `json:"workerThreads"`

	SegmentMaxCount     int    `json:"segmentMaxCount"`
	SegmentMaxAge       string `json:"segmentMaxAge"`
	ChunkTargetBytes    int64  `json:"chunkTargetBytes"`
	ChunkFlushInterval  string `json:"chunkFlushInterval"`
	GlobalBufferBudget  int64  `json:"globalBufferBudget"`
	MinRetainedSegments int    `json:"minRetainedSegments"`

	StartupWindow      string `json:"startupWindow"`
	StartupWindowLimit int    `json:"startupWindowLimit"`
	StartRetries       int    `json:"startRetries"`
	StartRetryDelay    string `json:"startRetryDelay"`
	StallThreshold     string `json:"stallThreshold"`
	StopGracePeriod    string `json:"stopGracePeriod"`
	AutoRestart        bool   `json:"autoRestart"`
	HLSSegmentSeconds  int    `json:"hlsSegmentSeconds"`

	FFmpegPath      string   `json:"ffmpegPath"`
	FFmpegPreInput  []string `json:"ffmpegPreInput"`
	FFmpegPreOutput []string `json:"ffmpegPreOutput"`
	UserAgent       string   `json:"userAgent"`

	SessionTTL      string `json:"sessionTTL"`
	MonitorInterval string `json:"monitorInterval"`
	KeepWarmGrace   string `json:"keepWarmGrace"`

	ProviderRefreshInterval string `json:"providerRefreshInterval"`
	ProviderRatePerSecond   int    `json:"providerRatePerSecond"`
	ProviderCacheTTL        string `json:"providerCacheTTL"`

	Profiles     []ProfileConfig     `json:"profiles"`
	LegacySource *LegacySourceConfig `json:"source,omitempty"`
}

var (
	configCache *Config
	configMutex sync.RWMutex
)

// DefaultConfigPath is consulted when no explicit path is supplied. The
// STREAMSHARE_CONFIG environment variable overrides it.
const DefaultConfigPath = "/settings/config.json"

// LoadConfig loads the configuration from file or returns the cached
// instance. Falls back to defaults when the file is missing or invalid, then
// validates so every field carries a safe value.
func LoadConfig() *Config {
	configMutex.RLock()
	if configCache != nil {
		defer configMutex.RUnlock()
		return configCache
	}
	configMutex.RUnlock()

	configMutex.Lock()
	defer configMutex.Unlock()

	if configCache != nil {
		return configCache
	}

	path := os.Getenv("STREAMSHARE_CONFIG")
	if path == "" {
		path = DefaultConfigPath
	}

	cfg, err := loadFromFile(path)
	if err != nil {
		log.Printf("Failed to load config from %s: %v", path, err)
		log.Printf("Falling back to default configuration...")
		cfg = getDefaultConfig()
	}

	validateAndSetDefaults(cfg)
	configCache = cfg
	return cfg
}

// ClearConfigCache drops the cached configuration so the next LoadConfig
// re-reads the file. Used by the graceful-restart path.
func ClearConfigCache() {
	configMutex.Lock()
	defer configMutex.Unlock()
	configCache = nil
}

func loadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var file configFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("invalid config JSON: %w", err)
	}

	cfg := &Config{
		ListenPort:            file.ListenPort,
		LogLevel:              file.LogLevel,
		Debug:                 file.Debug,
		ObfuscateURLs:         file.ObfuscateURLs,
		InstanceID:            file.InstanceID,
		RedisAddr:             file.RedisAddr,
		RedisPassword:         file.RedisPassword,
		KeyPrefix:             file.KeyPrefix,
		DatabasePath:          file.DatabasePath,
		ScratchDir:            file.ScratchDir,
		WorkerThreads:         file.WorkerThreads,
		SegmentMaxCount:       file.SegmentMaxCount,
		ChunkTargetBytes:      file.ChunkTargetBytes,
		GlobalBufferBudget:    file.GlobalBufferBudget,
		MinRetainedSegments:   file.MinRetainedSegments,
		StartupWindowLimit:    file.StartupWindowLimit,
		StartRetries:          file.StartRetries,
		AutoRestart:           file.AutoRestart,
		HLSSegmentSeconds:     file.HLSSegmentSeconds,
		FFmpegPath:            file.FFmpegPath,
		FFmpegPreInput:        file.FFmpegPreInput,
		FFmpegPreOutput:       file.FFmpegPreOutput,
		UserAgent:             file.UserAgent,
		ProviderRatePerSecond: file.ProviderRatePerSecond,
		Profiles:              file.Profiles,
		LegacySource:          file.LegacySource,
	}

	cfg.SegmentMaxAge = parseDuration(file.SegmentMaxAge)
	cfg.ChunkFlushInterval = parseDuration(file.ChunkFlushInterval)
	cfg.StartupWindow = parseDuration(file.StartupWindow)
	cfg.StartRetryDelay = parseDuration(file.StartRetryDelay)
	cfg.StallThreshold = parseDuration(file.StallThreshold)
	cfg.StopGracePeriod = parseDuration(file.StopGracePeriod)
	cfg.SessionTTL = parseDuration(file.SessionTTL)
	cfg.MonitorInterval = parseDuration(file.MonitorInterval)
	cfg.KeepWarmGrace = parseDuration(file.KeepWarmGrace)
	cfg.ProviderRefreshInterval = parseDuration(file.ProviderRefreshInterval)
	cfg.ProviderCacheTTL = parseDuration(file.ProviderCacheTTL)

	return cfg, nil
}

func parseDuration(s string) time.Duration {
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}

func getDefaultConfig() *Config {
	return &Config{}
}

// validateAndSetDefaults fills every unset field with a safe operational
// default so the rest of the code never has to guard against zero values.
func validateAndSetDefaults(cfg *Config) {
	if cfg.ListenPort <= 0 || cfg.ListenPort > 65535 {
		cfg.ListenPort = 8080
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "INFO"
	}
	if cfg.InstanceID == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "streamshare"
		}
		cfg.InstanceID = host
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "ssp"
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = "/settings/streamshare.db"
	}
	if cfg.ScratchDir == "" {
		cfg.ScratchDir = os.TempDir()
	}
	if cfg.WorkerThreads <= 0 {
		cfg.WorkerThreads = 8
	}
	if cfg.SegmentMaxCount <= 0 {
		cfg.SegmentMaxCount = 64
	}
	if cfg.SegmentMaxAge <= 0 {
		cfg.SegmentMaxAge = 60 * time.Second
	}
	if cfg.ChunkTargetBytes <= 0 {
		cfg.ChunkTargetBytes = 256 * 1024
	}
	if cfg.ChunkFlushInterval <= 0 {
		cfg.ChunkFlushInterval = 500 * time.Millisecond
	}
	if cfg.GlobalBufferBudget <= 0 {
		cfg.GlobalBufferBudget = 256 // MB
	}
	if cfg.MinRetainedSegments <= 0 {
		cfg.MinRetainedSegments = 4
	}
	if cfg.StartupWindow <= 0 {
		cfg.StartupWindow = 15 * time.Second
	}
	if cfg.StartupWindowLimit <= 0 {
		cfg.StartupWindowLimit = 3
	}
	if cfg.StartRetries <= 0 {
		cfg.StartRetries = 3
	}
	if cfg.StartRetryDelay <= 0 {
		cfg.StartRetryDelay = 2 * time.Second
	}
	if cfg.StallThreshold <= 0 {
		cfg.StallThreshold = 10 * time.Second
	}
	if cfg.StopGracePeriod <= 0 {
		cfg.StopGracePeriod = 5 * time.Second
	}
	if cfg.HLSSegmentSeconds <= 0 {
		cfg.HLSSegmentSeconds = 4
	}
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "VLC/3.0.20 LibVLC/3.0.20"
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 60 * time.Second
	}
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = 30 * time.Second
	}
	if cfg.ProviderRefreshInterval <= 0 {
		cfg.ProviderRefreshInterval = 6 * time.Hour
	}
	if cfg.ProviderRatePerSecond <= 0 {
		cfg.ProviderRatePerSecond = 2
	}
	if cfg.ProviderCacheTTL <= 0 {
		cfg.ProviderCacheTTL = 5 * time.Minute
	}

	// Derive a primary profile from a legacy single-credential source when
	// no explicit profiles exist.
	if len(cfg.Profiles) == 0 && cfg.LegacySource != nil && cfg.LegacySource.URL != "" {
		cfg.Profiles = []ProfileConfig{{
			Name:           "default",
			URL:            cfg.LegacySource.URL,
			Username:       cfg.LegacySource.Username,
			Password:       cfg.LegacySource.Password,
			Priority:       0,
			IsPrimary:      true,
			MaxConnections: cfg.LegacySource.MaxConnections,
		}}
	}

	valid := cfg.Profiles[:0]
	for _, p := range cfg.Profiles {
		if p.URL == "" {
			log.Printf("Ignoring profile %q: missing endpoint URL", p.Name)
			continue
		}
		if _, err := url.Parse(p.URL); err != nil {
			log.Printf("Ignoring profile %q: invalid endpoint URL: %v", p.Name, err)
			continue
		}
		valid = append(valid, p)
	}
	cfg.Profiles = valid
}
