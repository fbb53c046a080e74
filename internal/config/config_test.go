package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

const minimalEnvYAML = `
server:
  port: "8080"
radar:
  default_site: KMOB
  sites:
    - code: kmob
      lat: 30.6795
      lon: -88.2397
      timezone: America/Chicago
    - code: KLIX
      lat: 30.3367
      lon: -89.8256
request:
  timeout: "45s"
cache:
  ttl: "10m"
reliability:
  retry_max_attempts: 3
  retry_base_delay: "100ms"
  retry_max_delay: "2s"
  rate_limit_rps: 5
  rate_limit_burst: 10
shutdown:
  timeout: "10s"
`

// chdirTemp writes content as config/dev.yaml in a temp dir and changes into it for
// the duration of the test.
func chdirTemp(t *testing.T, content string) {
	t.Helper()
	origWd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd: %v", err)
	}
	dir := t.TempDir()
	writeEnvFile(t, dir, content)
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("Chdir: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(origWd) })
}

func clearOverrides(t *testing.T) {
	for _, k := range []string{"ENV_NAME", "RADAR_SITE", "CACHE_BACKEND", "MEMCACHED_ADDRS", "REDIS_ADDR", "KAFKA_BROKERS"} {
		t.Setenv(k, "")
	}
}

// TestLoad_MinimalFileUsesDefaults verifies omitted sections fall back to the
// documented defaults and site codes are normalized.
func TestLoad_MinimalFileUsesDefaults(t *testing.T) {
	clearOverrides(t)
	chdirTemp(t, minimalEnvYAML)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.DefaultSite != "KMOB" || cfg.Sites[0].Code != "KMOB" {
		t.Errorf("DefaultSite = %q, Sites[0] = %q, want KMOB", cfg.DefaultSite, cfg.Sites[0].Code)
	}
	if cfg.Sites[1].Timezone != "UTC" {
		t.Errorf("KLIX timezone = %q, want UTC when omitted", cfg.Sites[1].Timezone)
	}
	if cfg.Bucket != "noaa-nexrad-level2" {
		t.Errorf("Bucket = %q", cfg.Bucket)
	}
	checks := []struct {
		name string
		got  time.Duration
		want time.Duration
	}{
		{"StreamPollInterval", cfg.StreamPollInterval, 30 * time.Second},
		{"StreamErrorInterval", cfg.StreamErrorInterval, 60 * time.Second},
		{"StreamRotationPeriod", cfg.StreamRotationPeriod, 10 * time.Second},
		{"CoalesceTimeout", cfg.CoalesceTimeout, 60 * time.Second},
		{"CircuitBreakerTimeout", cfg.CircuitBreakerTimeout, 30 * time.Second},
		{"KafkaWriteTimeout", cfg.KafkaWriteTimeout, 10 * time.Second},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
	if cfg.StreamBufferSize != 16 {
		t.Errorf("StreamBufferSize = %d, want 16", cfg.StreamBufferSize)
	}
	if cfg.OverlayElevation != 0.5 || cfg.OverlayThreshold != 7 || cfg.OverlayDensity != 2 {
		t.Errorf("overlay defaults = %v/%v/%d, want 0.5/7/2", cfg.OverlayElevation, cfg.OverlayThreshold, cfg.OverlayDensity)
	}
	if cfg.CacheBackend != "in_memory" {
		t.Errorf("CacheBackend = %q, want in_memory", cfg.CacheBackend)
	}
	if !cfg.CircuitBreakerEnabled {
		t.Error("CircuitBreakerEnabled = false, want true by default")
	}
	if !reflect.DeepEqual(cfg.TrackedSites, []string{"KMOB", "KLIX"}) {
		t.Errorf("TrackedSites = %v, want configured sites", cfg.TrackedSites)
	}
	if !reflect.DeepEqual(cfg.WarmElevations, []float64{0.5}) {
		t.Errorf("WarmElevations = %v, want [0.5]", cfg.WarmElevations)
	}
}

func TestLoad_NoSitesUsesMobile(t *testing.T) {
	clearOverrides(t)
	chdirTemp(t, "server:\n  port: \"9090\"\n")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ServerPort != "9090" {
		t.Errorf("ServerPort = %q", cfg.ServerPort)
	}
	if len(cfg.Sites) != 1 || cfg.DefaultSite != "KMOB" {
		t.Errorf("Sites = %+v, DefaultSite = %q; want the KMOB default", cfg.Sites, cfg.DefaultSite)
	}
	if cfg.Sites[0].Location().String() != "America/Chicago" {
		t.Errorf("Location() = %v", cfg.Sites[0].Location())
	}
}

func TestLoad_EnvFileNotFound(t *testing.T) {
	clearOverrides(t)
	t.Setenv("ENV_NAME", "nonexistent")
	chdirTemp(t, minimalEnvYAML)

	cfg, err := Load()
	if err == nil {
		t.Fatal("Load() expected error for missing env file, got nil")
	}
	if cfg != nil {
		t.Fatalf("Load() expected nil config on error, got %+v", cfg)
	}
	if !strings.Contains(err.Error(), "not found") {
		t.Errorf("Load() error = %v, want message about config file not found", err)
	}
}

// TestLoad_EnvOverrides verifies RADAR_SITE, CACHE_BACKEND, MEMCACHED_ADDRS,
// REDIS_ADDR and KAFKA_BROKERS take precedence over the file.
func TestLoad_EnvOverrides(t *testing.T) {
	clearOverrides(t)
	t.Setenv("RADAR_SITE", "klix")
	t.Setenv("CACHE_BACKEND", "Redis")
	t.Setenv("MEMCACHED_ADDRS", "mc1:11211,mc2:11211")
	t.Setenv("REDIS_ADDR", "redis:6380")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
	chdirTemp(t, minimalEnvYAML+"kafka:\n  enabled: true\n")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.DefaultSite != "KLIX" {
		t.Errorf("DefaultSite = %q, want KLIX", cfg.DefaultSite)
	}
	if cfg.CacheBackend != "redis" {
		t.Errorf("CacheBackend = %q, want redis", cfg.CacheBackend)
	}
	if cfg.MemcachedAddrs != "mc1:11211,mc2:11211" || cfg.RedisAddr != "redis:6380" {
		t.Errorf("MemcachedAddrs = %q, RedisAddr = %q", cfg.MemcachedAddrs, cfg.RedisAddr)
	}
	if !reflect.DeepEqual(cfg.KafkaBrokers, []string{"k1:9092", "k2:9092"}) {
		t.Errorf("KafkaBrokers = %v", cfg.KafkaBrokers)
	}
}

func TestLoad_InvalidDurationFallsBackToDefault(t *testing.T) {
	clearOverrides(t)
	chdirTemp(t, minimalEnvYAML+"stream:\n  poll_interval: \"soon\"\n  error_interval: \"-5s\"\n")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.StreamPollInterval != 30*time.Second {
		t.Errorf("StreamPollInterval = %v, want 30s default", cfg.StreamPollInterval)
	}
	if cfg.StreamErrorInterval != 60*time.Second {
		t.Errorf("StreamErrorInterval = %v, want 60s default", cfg.StreamErrorInterval)
	}
}

// TestLoad_ZeroCoalesceTimeoutDisables verifies an explicit 0s is kept, which turns
// request coalescing off.
func TestLoad_ZeroCoalesceTimeoutDisables(t *testing.T) {
	clearOverrides(t)
	chdirTemp(t, strings.Replace(minimalEnvYAML, "  ttl: \"10m\"\n", "  ttl: \"10m\"\n  coalesce_timeout: \"0s\"\n", 1))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.CoalesceTimeout != 0 {
		t.Errorf("CoalesceTimeout = %v, want 0", cfg.CoalesceTimeout)
	}
}

func TestLoad_ExplicitZeroThresholdKept(t *testing.T) {
	clearOverrides(t)
	chdirTemp(t, minimalEnvYAML+"overlay:\n  threshold: 0\n  elevation: 1.5\n")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.OverlayThreshold != 0 || cfg.OverlayElevation != 1.5 {
		t.Errorf("overlay = %v/%v, want 0/1.5", cfg.OverlayThreshold, cfg.OverlayElevation)
	}
}

// TestLoad_ValidationErrors verifies each rejected configuration fails Load with a
// message naming the offending setting.
func TestLoad_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		env     map[string]string
		wantErr string
	}{
		{
			name:    "unknown default site",
			yaml:    minimalEnvYAML,
			env:     map[string]string{"RADAR_SITE": "KTLX"},
			wantErr: "default_site",
		},
		{
			name:    "bad cache backend",
			yaml:    minimalEnvYAML,
			env:     map[string]string{"CACHE_BACKEND": "disk"},
			wantErr: "cache.backend",
		},
		{
			name:    "kafka without brokers",
			yaml:    minimalEnvYAML + "kafka:\n  enabled: true\n",
			wantErr: "kafka",
		},
		{
			name:    "short site code",
			yaml:    "radar:\n  sites:\n    - code: KMO\n      lat: 30\n      lon: -88\n",
			wantErr: "4 characters",
		},
		{
			name:    "bad coordinates",
			yaml:    "radar:\n  sites:\n    - code: KMOB\n      lat: 130\n      lon: -88\n",
			wantErr: "coordinates",
		},
		{
			name:    "bad timezone",
			yaml:    "radar:\n  sites:\n    - code: KMOB\n      lat: 30\n      lon: -88\n      timezone: Mars/Olympus\n",
			wantErr: "timezone",
		},
		{
			name:    "duplicate site",
			yaml:    "radar:\n  sites:\n    - code: KMOB\n      lat: 30\n      lon: -88\n    - code: kmob\n      lat: 30\n      lon: -88\n",
			wantErr: "duplicate",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			clearOverrides(t)
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			chdirTemp(t, tc.yaml)

			cfg, err := Load()
			if err == nil {
				t.Fatalf("Load() error = nil, cfg = %+v", cfg)
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("Load() error = %v, want containing %q", err, tc.wantErr)
			}
		})
	}
}

func TestLoad_InvalidConfigYAML(t *testing.T) {
	clearOverrides(t)
	chdirTemp(t, "server: [unclosed\n")

	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "parse config file") {
		t.Errorf("Load() error = %v, want parse error", err)
	}
}

// TestLoad_DevYAML verifies the checked-in dev configuration loads.
func TestLoad_DevYAML(t *testing.T) {
	clearOverrides(t)
	origWd, _ := os.Getwd()
	if err := os.Chdir(findProjectRoot(t)); err != nil {
		t.Fatal(err)
	}
	defer os.Chdir(origWd)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(cfg.Sites) < 1 || cfg.DefaultSite == "" {
		t.Errorf("dev config has no sites: %+v", cfg.Sites)
	}
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"", time.Minute},
		{"bogus", time.Minute},
		{"0s", time.Minute},
		{"-1s", time.Minute},
		{"90s", 90 * time.Second},
	}
	for _, tt := range tests {
		if got := parseDuration(tt.in, time.Minute); got != tt.want {
			t.Errorf("parseDuration(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
	if got := parseDurationOrZero("0s", time.Minute); got != 0 {
		t.Errorf("parseDurationOrZero(0s) = %v, want 0", got)
	}
}

func writeEnvFile(t *testing.T, dir, content string) {
	t.Helper()
	configDir := filepath.Join(dir, "config")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("mkdir config: %v", err)
	}
	if err := os.WriteFile(filepath.Join(configDir, "dev.yaml"), []byte(content), 0644); err != nil {
		t.Fatalf("write config file: %v", err)
	}
}

func findProjectRoot(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "config", "dev.yaml")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatal("config/dev.yaml not found (run tests from project root)")
		}
		dir = parent
	}
}
