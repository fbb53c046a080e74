package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/radar-overlay-service/internal/cache"
	"github.com/kjstillabower/radar-overlay-service/internal/circuitbreaker"
	"github.com/kjstillabower/radar-overlay-service/internal/config"
	httphandler "github.com/kjstillabower/radar-overlay-service/internal/http"
	"github.com/kjstillabower/radar-overlay-service/internal/lifecycle"
	"github.com/kjstillabower/radar-overlay-service/internal/locator"
	"github.com/kjstillabower/radar-overlay-service/internal/observability"
	"github.com/kjstillabower/radar-overlay-service/internal/overlay"
	"github.com/kjstillabower/radar-overlay-service/internal/publish"
	"github.com/kjstillabower/radar-overlay-service/internal/service"
	"github.com/kjstillabower/radar-overlay-service/internal/storage"
	"github.com/kjstillabower/radar-overlay-service/internal/stream"
)

const storageComponent = "object_storage"

func main() {
	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}
	clock := clockwork.NewRealClock()

	var breaker *circuitbreaker.CircuitBreaker
	if cfg.CircuitBreakerEnabled {
		breaker = circuitbreaker.New(circuitbreaker.Config{
			FailureThreshold: cfg.CircuitBreakerFailureThreshold,
			SuccessThreshold: cfg.CircuitBreakerSuccessThreshold,
			Timeout:          cfg.CircuitBreakerTimeout,
			Component:        storageComponent,
			OnStateChange: func(component string, from, to circuitbreaker.State) {
				observability.RecordCircuitBreakerTransition(component, from.String(), to.String(), int(to))
				logger.Warn("circuit breaker state change",
					zap.String("component", component), zap.String("from", from.String()), zap.String("to", to.String()))
			},
			Clock: clock,
		})
		observability.CircuitBreakerState.WithLabelValues(storageComponent).Set(0)
		logger.Info("circuit breaker enabled",
			zap.Int("failure_threshold", cfg.CircuitBreakerFailureThreshold), zap.Duration("timeout", cfg.CircuitBreakerTimeout))
	}

	storageClient, err := storage.NewS3Client(storage.Config{
		Endpoint:         cfg.StorageEndpoint,
		Timeout:          cfg.StorageTimeout,
		RetryAttempts:    cfg.RetryAttempts,
		RetryBaseDelay:   cfg.RetryBaseDelay,
		RetryMaxDelay:    cfg.RetryMaxDelay,
		MaxDownloadBytes: cfg.MaxDownloadBytes,
		Breaker:          breaker,
		Clock:            clock,
	})
	if err != nil {
		logger.Fatal("storage client", zap.Error(err))
	}
	loc := locator.New(storageClient, cfg.Bucket, cfg.LookbackDays, clock, logger)
	loader := service.NewVolumeLoader(storageClient, cfg.Bucket, nil, logger)
	pipeline := overlay.NewPipeline(nil, nil, logger)

	var cacheSvc cache.Cache
	var cachePing func(ctx context.Context) error
	var cacheClose func() error
	switch cfg.CacheBackend {
	case "memcached":
		mc, err := cache.NewMemcachedCache(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns)
		if err != nil {
			logger.Fatal("memcached cache", zap.Error(err))
		}
		cacheSvc, cachePing, cacheClose = mc, mc.Ping, mc.Close
		logger.Info("cache backend: memcached", zap.String("addrs", cfg.MemcachedAddrs))
	case "redis":
		rc := cache.NewRedisCache(cache.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Timeout:  cfg.RedisTimeout,
		})
		cacheSvc, cachePing, cacheClose = rc, rc.Ping, rc.Close
		logger.Info("cache backend: redis", zap.String("addr", cfg.RedisAddr))
	default:
		cacheSvc = cache.NewInMemoryCache(cfg.CacheMaxEntries)
		logger.Info("cache backend: in_memory", zap.Int("max_entries", cfg.CacheMaxEntries))
	}

	sites, defaultSite := buildSites(cfg.Sites, cfg.DefaultSite)
	defaults := overlay.Params{Elevation: cfg.OverlayElevation, MinDbz: cfg.OverlayThreshold, Stride: cfg.OverlayDensity}

	overlays, err := service.NewOverlayService(sites, loc, loader, pipeline, cacheSvc, service.Config{
		DefaultSite:     cfg.DefaultSite,
		CacheTTL:        cfg.CacheTTL,
		CacheType:       cfg.CacheBackend,
		CoalesceTimeout: cfg.CoalesceTimeout,
		WarmParams:      defaults,
	}, logger)
	if err != nil {
		logger.Fatal("overlay service", zap.Error(err))
	}

	hub := stream.NewHub(cfg.StreamBufferSize, logger)
	coordinator := stream.NewCoordinator(defaultSite, hub, loc, loader, pipeline, stream.Config{
		PollInterval:   cfg.StreamPollInterval,
		ErrorInterval:  cfg.StreamErrorInterval,
		RotationPeriod: cfg.StreamRotationPeriod,
	}, clock, logger)

	var publisher *publish.Publisher
	pubCtx, pubCancel := context.WithCancel(context.Background())
	defer pubCancel()
	unsubscribe := func() {}
	if cfg.KafkaEnabled {
		publisher = publish.NewKafkaPublisher(publish.Config{
			Brokers:      cfg.KafkaBrokers,
			Topic:        cfg.KafkaTopic,
			BatchTimeout: cfg.KafkaBatchTimeout,
			WriteTimeout: cfg.KafkaWriteTimeout,
		}, logger)
		var msgs <-chan stream.Message
		msgs, unsubscribe = coordinator.Subscribe()
		publisher.Start(pubCtx, msgs)
		logger.Info("kafka publisher enabled", zap.Strings("brokers", cfg.KafkaBrokers), zap.String("topic", cfg.KafkaTopic))
	}

	if cfg.StreamAutoStart {
		if err := coordinator.Start(defaults); err != nil {
			logger.Error("stream auto-start", zap.Error(err))
		}
	}

	healthConfig := &httphandler.HealthConfig{
		OverloadWindow:       cfg.OverloadWindow,
		OverloadThresholdPct: cfg.OverloadThresholdPct,
		RateLimitRPS:         cfg.RateLimitRPS,
		RateLimitBurst:       cfg.RateLimitBurst,
		DegradedWindow:       cfg.DegradedWindow,
		DegradedErrorPct:     cfg.DegradedErrorPct,
		CachePing:            cachePing,
	}
	if breaker != nil {
		healthConfig.BreakerState = breaker.State
	}

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}
	handler := httphandler.NewHandler(overlays, coordinator, healthConfig,
		httphandler.Defaults{Params: defaults, BoundsRangeKm: cfg.BoundsRangeKm}, logger)

	observability.RegisterRateLimitGauges(cfg.OverloadWindow)
	if len(cfg.TrackedSites) > 0 {
		observability.SetTrackedSites(cfg.TrackedSites)
	}

	warmCtx, warmCancel := context.WithCancel(context.Background())
	defer warmCancel()
	if cfg.WarmCache && len(cfg.TrackedSites) > 0 {
		targets := warmTargets(cfg.TrackedSites, cfg.WarmElevations)
		warmer := cache.NewCacheWarmer(overlays, clock, logger)
		go func() {
			initCtx, cancel := context.WithTimeout(warmCtx, cfg.RequestTimeout)
			if err := warmer.Warm(initCtx, targets); err != nil {
				logger.Warn("cache warming failed", zap.Error(err))
			}
			cancel()
			if cfg.WarmInterval > 0 {
				if err := warmer.WarmPeriodic(warmCtx, targets, cfg.WarmInterval); err != nil && err != context.Canceled {
					logger.Error("periodic cache warming stopped", zap.Error(err))
				}
			}
		}()
	}

	lifecycle.SetReadyAt(clock.Now().Add(cfg.ReadyDelay))

	srv := &http.Server{
		Addr:        ":" + cfg.ServerPort,
		Handler:     httphandler.NewRouter(handler, logger, limiter, cfg.RequestTimeout),
		ReadTimeout: 10 * time.Second,
		// The stream handler clears its own write deadline.
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
	}

	go func() {
		logger.Info("server starting", zap.String("addr", srv.Addr), zap.String("default_site", cfg.DefaultSite))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	<-ctx.Done()
	stop()

	logger.Info("graceful shutdown triggered")
	lifecycle.SetShuttingDown(true)
	warmCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	err = lifecycle.RunShutdown(shutdownCtx, logger,
		lifecycle.Step{Name: "stream", Fn: func(ctx context.Context) error {
			err := coordinator.Shutdown(ctx)
			// Closing the hub ends open event streams so the server can drain.
			hub.Close()
			return err
		}},
		lifecycle.Step{Name: "http_server", Fn: srv.Shutdown},
		lifecycle.Step{Name: "in_flight", Fn: func(ctx context.Context) error {
			inFlight := httphandler.InFlightCount()
			logger.Info("waiting for in-flight requests", zap.Int64("count", inFlight))
			observability.RecordShutdownInFlight(inFlight)
			waitCtx, waitCancel := context.WithTimeout(ctx, cfg.ShutdownInFlightTimeout)
			defer waitCancel()
			return httphandler.WaitForInFlight(waitCtx, cfg.ShutdownInFlightCheckInterval)
		}},
		lifecycle.Step{Name: "telemetry", Fn: func(ctx context.Context) error {
			pubCancel()
			unsubscribe()
			if publisher == nil {
				return observability.FlushTelemetry(ctx, logger)
			}
			return observability.FlushTelemetry(ctx, logger, publisher)
		}},
		lifecycle.Step{Name: "cache", Fn: func(context.Context) error {
			if cacheClose == nil {
				return nil
			}
			return cacheClose()
		}},
	)
	if err != nil {
		logger.Warn("shutdown finished with errors", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

// buildSites converts configured sites and picks out the default one.
func buildSites(configured []config.Site, defaultCode string) ([]overlay.Site, overlay.Site) {
	sites := make([]overlay.Site, 0, len(configured))
	var def overlay.Site
	for _, s := range configured {
		site := overlay.Site{Code: s.Code, Lat: s.Lat, Lon: s.Lon, Location: s.Location()}
		sites = append(sites, site)
		if s.Code == defaultCode {
			def = site
		}
	}
	return sites, def
}

// warmTargets is the cross product of tracked sites and elevations.
func warmTargets(sites []string, elevations []float64) []cache.Target {
	targets := make([]cache.Target, 0, len(sites)*len(elevations))
	for _, s := range sites {
		for _, e := range elevations {
			targets = append(targets, cache.Target{Site: s, Elevation: e})
		}
	}
	return targets
}
