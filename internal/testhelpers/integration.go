//go:build integration
// +build integration

package testhelpers

import (
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/kjstillabower/radar-overlay-service/internal/locator"
	"github.com/kjstillabower/radar-overlay-service/internal/observability"
	"github.com/kjstillabower/radar-overlay-service/internal/storage"
)

// IntegrationTestConfig holds configuration for tests against the live NOAA bucket.
type IntegrationTestConfig struct {
	Bucket        string
	Endpoint      string
	Site          string
	LookbackDays  int
	CacheBackend  string // "in_memory", "memcached" or "redis"
	MemcachedAddr string
	RedisAddr     string
}

// GetIntegrationConfig loads integration test configuration from environment.
// Skips the test unless NEXRAD_INTEGRATION is set.
func GetIntegrationConfig(t *testing.T) IntegrationTestConfig {
	if os.Getenv("NEXRAD_INTEGRATION") == "" {
		t.Skip("NEXRAD_INTEGRATION not set, skipping integration test")
	}
	cfg := IntegrationTestConfig{
		Bucket:        envOr("NEXRAD_BUCKET", "noaa-nexrad-level2"),
		Endpoint:      os.Getenv("NEXRAD_ENDPOINT"),
		Site:          envOr("RADAR_SITE", "KMOB"),
		LookbackDays:  2,
		CacheBackend:  os.Getenv("INTEGRATION_CACHE_BACKEND"),
		MemcachedAddr: envOr("MEMCACHED_ADDRS", "localhost:11211"),
		RedisAddr:     envOr("REDIS_ADDR", "localhost:6379"),
	}
	if v, err := strconv.Atoi(os.Getenv("NEXRAD_LOOKBACK_DAYS")); err == nil && v >= 0 {
		cfg.LookbackDays = v
	}
	return cfg
}

// SetupIntegrationStorage creates a storage client and locator against the live bucket.
func SetupIntegrationStorage(t *testing.T, cfg IntegrationTestConfig) (*storage.S3Client, *locator.Locator) {
	logger, err := observability.NewLogger()
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	client, err := storage.NewS3Client(storage.Config{
		Endpoint:       cfg.Endpoint,
		Timeout:        60 * time.Second,
		RetryAttempts:  3,
		RetryBaseDelay: 200 * time.Millisecond,
		RetryMaxDelay:  2 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewS3Client() error = %v", err)
	}
	return client, locator.New(client, cfg.Bucket, cfg.LookbackDays, nil, logger)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
