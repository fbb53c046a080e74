package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	_ "time/tzdata" // site time zones must resolve in minimal containers

	"gopkg.in/yaml.v3"
)

// Site is one radar the service can serve.
type Site struct {
	Code     string  `yaml:"code"`
	Lat      float64 `yaml:"lat"`
	Lon      float64 `yaml:"lon"`
	Timezone string  `yaml:"timezone"`
}

// Config holds service configuration loaded from YAML and env.
type Config struct {
	ServerPort string

	Sites        []Site
	DefaultSite  string
	Bucket       string
	LookbackDays int

	StorageEndpoint  string
	StorageTimeout   time.Duration
	MaxDownloadBytes int64

	RequestTimeout time.Duration

	CacheTTL              time.Duration
	CacheBackend          string // "in_memory", "memcached" or "redis"
	CacheMaxEntries       int
	CoalesceTimeout       time.Duration
	MemcachedAddrs        string
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	RedisTimeout          time.Duration

	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	RateLimitRPS   int
	RateLimitBurst int

	CircuitBreakerEnabled          bool
	CircuitBreakerFailureThreshold int
	CircuitBreakerSuccessThreshold int
	CircuitBreakerTimeout          time.Duration

	StreamAutoStart      bool
	StreamPollInterval   time.Duration
	StreamErrorInterval  time.Duration
	StreamRotationPeriod time.Duration
	StreamBufferSize     int

	OverlayElevation float64
	OverlayThreshold float64
	OverlayDensity   int
	BoundsRangeKm    float64

	KafkaEnabled      bool
	KafkaBrokers      []string
	KafkaTopic        string
	KafkaBatchTimeout time.Duration
	KafkaWriteTimeout time.Duration

	WarmCache      bool
	WarmElevations []float64
	WarmInterval   time.Duration

	ReadyDelay           time.Duration
	OverloadWindow       time.Duration
	OverloadThresholdPct int
	DegradedWindow       time.Duration
	DegradedErrorPct     int

	ShutdownTimeout               time.Duration
	ShutdownInFlightTimeout       time.Duration
	ShutdownInFlightCheckInterval time.Duration

	TrackedSites []string
}

type fileConfig struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	Radar struct {
		DefaultSite  string `yaml:"default_site"`
		Bucket       string `yaml:"bucket"`
		LookbackDays int    `yaml:"lookback_days"`
		Sites        []Site `yaml:"sites"`
	} `yaml:"radar"`

	Storage struct {
		Endpoint         string `yaml:"endpoint"`
		Timeout          string `yaml:"timeout"`
		MaxDownloadBytes int64  `yaml:"max_download_bytes"`
	} `yaml:"storage"`

	Request struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"request"`

	Cache struct {
		Backend         string `yaml:"backend"`
		TTL             string `yaml:"ttl"`
		MaxEntries      int    `yaml:"max_entries"`
		CoalesceTimeout string `yaml:"coalesce_timeout"`
		Memcached       struct {
			Addrs        string `yaml:"addrs"`
			Timeout      string `yaml:"timeout"`
			MaxIdleConns int    `yaml:"max_idle_conns"`
		} `yaml:"memcached"`
		Redis struct {
			Addr     string `yaml:"addr"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
			Timeout  string `yaml:"timeout"`
		} `yaml:"redis"`
	} `yaml:"cache"`

	Reliability struct {
		RetryMaxAttempts int    `yaml:"retry_max_attempts"`
		RetryBaseDelay   string `yaml:"retry_base_delay"`
		RetryMaxDelay    string `yaml:"retry_max_delay"`
		RateLimitRPS     int    `yaml:"rate_limit_rps"`
		RateLimitBurst   int    `yaml:"rate_limit_burst"`
	} `yaml:"reliability"`

	CircuitBreaker struct {
		Enabled          *bool  `yaml:"enabled"`
		FailureThreshold int    `yaml:"failure_threshold"`
		SuccessThreshold int    `yaml:"success_threshold"`
		Timeout          string `yaml:"timeout"`
	} `yaml:"circuit_breaker"`

	Stream struct {
		AutoStart      bool   `yaml:"auto_start"`
		PollInterval   string `yaml:"poll_interval"`
		ErrorInterval  string `yaml:"error_interval"`
		RotationPeriod string `yaml:"rotation_period"`
		BufferSize     int    `yaml:"buffer_size"`
	} `yaml:"stream"`

	Overlay struct {
		Elevation     *float64 `yaml:"elevation"`
		Threshold     *float64 `yaml:"threshold"`
		Density       int      `yaml:"density"`
		BoundsRangeKm float64  `yaml:"bounds_range_km"`
	} `yaml:"overlay"`

	Kafka struct {
		Enabled      bool     `yaml:"enabled"`
		Brokers      []string `yaml:"brokers"`
		Topic        string   `yaml:"topic"`
		BatchTimeout string   `yaml:"batch_timeout"`
		WriteTimeout string   `yaml:"write_timeout"`
	} `yaml:"kafka"`

	Warm struct {
		Enabled    bool      `yaml:"enabled"`
		Elevations []float64 `yaml:"elevations"`
		Interval   string    `yaml:"interval"`
	} `yaml:"warm"`

	Shutdown struct {
		Timeout               string `yaml:"timeout"`
		InFlightTimeout       string `yaml:"in_flight_timeout"`
		InFlightCheckInterval string `yaml:"in_flight_check_interval"`
	} `yaml:"shutdown"`

	Lifecycle struct {
		ReadyDelay           string `yaml:"ready_delay"`
		OverloadWindow       string `yaml:"overload_window"`
		OverloadThresholdPct int    `yaml:"overload_threshold_pct"`
		DegradedWindow       string `yaml:"degraded_window"`
		DegradedErrorPct     int    `yaml:"degraded_error_pct"`
	} `yaml:"lifecycle"`

	Metrics struct {
		TrackedSites []string `yaml:"tracked_sites"`
	} `yaml:"metrics"`
}

// defaultSite is used when the file lists no sites: the Mobile, AL WSR-88D.
var defaultSite = Site{Code: "KMOB", Lat: 30.6795, Lon: -88.2397, Timezone: "America/Chicago"}

// Load reads configuration from config/{ENV_NAME}.yaml (default dev). Call from project root.
// RADAR_SITE, CACHE_BACKEND, MEMCACHED_ADDRS, REDIS_ADDR and KAFKA_BROKERS override the file.
func Load() (*Config, error) {
	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "dev"
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}
	configPath := filepath.Join(cwd, "config", env+".yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", configPath)
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg := &Config{}
	cfg.ServerPort = fc.Server.Port
	if cfg.ServerPort == "" {
		cfg.ServerPort = "8080"
	}

	cfg.Sites = make([]Site, 0, len(fc.Radar.Sites))
	for _, s := range fc.Radar.Sites {
		s.Code = strings.ToUpper(strings.TrimSpace(s.Code))
		if s.Timezone == "" {
			s.Timezone = "UTC"
		}
		cfg.Sites = append(cfg.Sites, s)
	}
	if len(cfg.Sites) == 0 {
		cfg.Sites = []Site{defaultSite}
	}
	cfg.DefaultSite = envOr("RADAR_SITE", fc.Radar.DefaultSite)
	cfg.DefaultSite = strings.ToUpper(cfg.DefaultSite)
	if cfg.DefaultSite == "" {
		cfg.DefaultSite = cfg.Sites[0].Code
	}
	cfg.Bucket = strings.TrimSpace(fc.Radar.Bucket)
	if cfg.Bucket == "" {
		cfg.Bucket = "noaa-nexrad-level2"
	}
	cfg.LookbackDays = fc.Radar.LookbackDays
	if cfg.LookbackDays <= 0 {
		cfg.LookbackDays = 1
	}

	cfg.StorageEndpoint = strings.TrimSpace(fc.Storage.Endpoint)
	cfg.StorageTimeout = parseDuration(fc.Storage.Timeout, 30*time.Second)
	cfg.MaxDownloadBytes = fc.Storage.MaxDownloadBytes
	if cfg.MaxDownloadBytes <= 0 {
		cfg.MaxDownloadBytes = 64 << 20
	}

	cfg.RequestTimeout = parseDuration(fc.Request.Timeout, 45*time.Second)

	cfg.CacheTTL = parseDuration(fc.Cache.TTL, 10*time.Minute)
	cfg.CacheBackend = strings.ToLower(envOr("CACHE_BACKEND", fc.Cache.Backend))
	if cfg.CacheBackend == "" {
		cfg.CacheBackend = "in_memory"
	}
	cfg.CacheMaxEntries = fc.Cache.MaxEntries
	if cfg.CacheMaxEntries <= 0 {
		cfg.CacheMaxEntries = 256
	}
	cfg.CoalesceTimeout = parseDurationOrZero(fc.Cache.CoalesceTimeout, 60*time.Second)
	cfg.MemcachedAddrs = envOr("MEMCACHED_ADDRS", fc.Cache.Memcached.Addrs)
	if cfg.MemcachedAddrs == "" {
		cfg.MemcachedAddrs = "localhost:11211"
	}
	cfg.MemcachedTimeout = parseDuration(fc.Cache.Memcached.Timeout, 500*time.Millisecond)
	cfg.MemcachedMaxIdleConns = fc.Cache.Memcached.MaxIdleConns
	if cfg.MemcachedMaxIdleConns <= 0 {
		cfg.MemcachedMaxIdleConns = 2
	}
	cfg.RedisAddr = envOr("REDIS_ADDR", fc.Cache.Redis.Addr)
	if cfg.RedisAddr == "" {
		cfg.RedisAddr = "localhost:6379"
	}
	cfg.RedisPassword = fc.Cache.Redis.Password
	cfg.RedisDB = fc.Cache.Redis.DB
	cfg.RedisTimeout = parseDuration(fc.Cache.Redis.Timeout, 500*time.Millisecond)

	cfg.RetryAttempts = fc.Reliability.RetryMaxAttempts
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	cfg.RetryBaseDelay = parseDuration(fc.Reliability.RetryBaseDelay, 200*time.Millisecond)
	cfg.RetryMaxDelay = parseDuration(fc.Reliability.RetryMaxDelay, 5*time.Second)
	cfg.RateLimitRPS = fc.Reliability.RateLimitRPS
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 20
	}
	cfg.RateLimitBurst = fc.Reliability.RateLimitBurst
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 40
	}

	cfg.CircuitBreakerEnabled = true
	if fc.CircuitBreaker.Enabled != nil {
		cfg.CircuitBreakerEnabled = *fc.CircuitBreaker.Enabled
	}
	cfg.CircuitBreakerFailureThreshold = fc.CircuitBreaker.FailureThreshold
	if cfg.CircuitBreakerFailureThreshold <= 0 {
		cfg.CircuitBreakerFailureThreshold = 5
	}
	cfg.CircuitBreakerSuccessThreshold = fc.CircuitBreaker.SuccessThreshold
	if cfg.CircuitBreakerSuccessThreshold <= 0 {
		cfg.CircuitBreakerSuccessThreshold = 2
	}
	cfg.CircuitBreakerTimeout = parseDuration(fc.CircuitBreaker.Timeout, 30*time.Second)

	cfg.StreamAutoStart = fc.Stream.AutoStart
	cfg.StreamPollInterval = parseDuration(fc.Stream.PollInterval, 30*time.Second)
	cfg.StreamErrorInterval = parseDuration(fc.Stream.ErrorInterval, 60*time.Second)
	cfg.StreamRotationPeriod = parseDuration(fc.Stream.RotationPeriod, 10*time.Second)
	cfg.StreamBufferSize = fc.Stream.BufferSize
	if cfg.StreamBufferSize <= 0 {
		cfg.StreamBufferSize = 16
	}

	cfg.OverlayElevation = 0.5
	if fc.Overlay.Elevation != nil {
		cfg.OverlayElevation = *fc.Overlay.Elevation
	}
	cfg.OverlayThreshold = 7
	if fc.Overlay.Threshold != nil {
		cfg.OverlayThreshold = *fc.Overlay.Threshold
	}
	cfg.OverlayDensity = fc.Overlay.Density
	if cfg.OverlayDensity <= 0 {
		cfg.OverlayDensity = 2
	}
	cfg.BoundsRangeKm = fc.Overlay.BoundsRangeKm
	if cfg.BoundsRangeKm <= 0 {
		cfg.BoundsRangeKm = 230
	}

	cfg.KafkaEnabled = fc.Kafka.Enabled
	cfg.KafkaBrokers = fc.Kafka.Brokers
	if v := strings.TrimSpace(os.Getenv("KAFKA_BROKERS")); v != "" {
		cfg.KafkaBrokers = splitList(v)
	}
	cfg.KafkaTopic = strings.TrimSpace(fc.Kafka.Topic)
	if cfg.KafkaTopic == "" {
		cfg.KafkaTopic = "radar.overlays"
	}
	cfg.KafkaBatchTimeout = parseDuration(fc.Kafka.BatchTimeout, 100*time.Millisecond)
	cfg.KafkaWriteTimeout = parseDuration(fc.Kafka.WriteTimeout, 10*time.Second)

	cfg.WarmCache = fc.Warm.Enabled
	cfg.WarmElevations = fc.Warm.Elevations
	if len(cfg.WarmElevations) == 0 {
		cfg.WarmElevations = []float64{cfg.OverlayElevation}
	}
	cfg.WarmInterval = parseDurationOrZero(fc.Warm.Interval, 0)

	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 30*time.Second)
	cfg.ShutdownInFlightTimeout = parseDuration(fc.Shutdown.InFlightTimeout, 10*time.Second)
	cfg.ShutdownInFlightCheckInterval = parseDuration(fc.Shutdown.InFlightCheckInterval, 100*time.Millisecond)

	cfg.ReadyDelay = parseDurationOrZero(fc.Lifecycle.ReadyDelay, 0)
	cfg.OverloadWindow = parseDuration(fc.Lifecycle.OverloadWindow, 60*time.Second)
	cfg.OverloadThresholdPct = fc.Lifecycle.OverloadThresholdPct
	if cfg.OverloadThresholdPct <= 0 {
		cfg.OverloadThresholdPct = 80
	}
	cfg.DegradedWindow = parseDuration(fc.Lifecycle.DegradedWindow, 60*time.Second)
	cfg.DegradedErrorPct = fc.Lifecycle.DegradedErrorPct
	if cfg.DegradedErrorPct <= 0 {
		cfg.DegradedErrorPct = 50
	}
	cfg.TrackedSites = fc.Metrics.TrackedSites
	if len(cfg.TrackedSites) == 0 {
		for _, s := range cfg.Sites {
			cfg.TrackedSites = append(cfg.TrackedSites, s.Code)
		}
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Location returns the site's time zone, falling back to UTC when the name is unknown.
func (s Site) Location() *time.Location {
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// parseDuration parses a duration string and returns defaultVal if parsing fails or result is <= 0.
// Used for parsing duration fields from YAML config with safe fallback to defaults.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	d := parseDurationOrZero(s, defaultVal)
	if d <= 0 {
		return defaultVal
	}
	return d
}

// parseDurationOrZero parses a duration string, returning defaultVal on empty string or parse error.
// Returns zero or negative durations as-is (caller should handle fallback).
func parseDurationOrZero(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}

func envOr(key, fileVal string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return strings.TrimSpace(fileVal)
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// validate performs post-load validation of configuration values.
// Rejects malformed sites, an unknown default site, an unknown cache backend and
// kafka enabled without brokers.
func validate(cfg *Config) error {
	seen := make(map[string]bool, len(cfg.Sites))
	for _, s := range cfg.Sites {
		if len(s.Code) != 4 {
			return fmt.Errorf("radar.sites: code %q must be 4 characters", s.Code)
		}
		if s.Lat < -90 || s.Lat > 90 || s.Lon < -180 || s.Lon > 180 {
			return fmt.Errorf("radar.sites: %s has invalid coordinates (%v, %v)", s.Code, s.Lat, s.Lon)
		}
		if _, err := time.LoadLocation(s.Timezone); err != nil {
			return fmt.Errorf("radar.sites: %s timezone: %w", s.Code, err)
		}
		if seen[s.Code] {
			return fmt.Errorf("radar.sites: duplicate code %s", s.Code)
		}
		seen[s.Code] = true
	}
	if !seen[cfg.DefaultSite] {
		return fmt.Errorf("radar.default_site %q is not in radar.sites", cfg.DefaultSite)
	}
	switch cfg.CacheBackend {
	case "in_memory", "memcached", "redis":
		// valid
	default:
		return fmt.Errorf("cache.backend must be in_memory, memcached or redis, got %q", cfg.CacheBackend)
	}
	if cfg.KafkaEnabled && len(cfg.KafkaBrokers) == 0 {
		return fmt.Errorf("kafka.enabled requires kafka.brokers or KAFKA_BROKERS")
	}
	if cfg.OverlayElevation < -1 || cfg.OverlayElevation > 90 {
		return fmt.Errorf("overlay.elevation must be within [-1, 90], got %v", cfg.OverlayElevation)
	}
	return nil
}
