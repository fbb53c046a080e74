package service

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/radar-overlay-service/internal/cache"
	"github.com/kjstillabower/radar-overlay-service/internal/locator"
	"github.com/kjstillabower/radar-overlay-service/internal/models"
	"github.com/kjstillabower/radar-overlay-service/internal/observability"
	"github.com/kjstillabower/radar-overlay-service/internal/overlay"
	"github.com/kjstillabower/radar-overlay-service/internal/radar"
	"github.com/kjstillabower/radar-overlay-service/internal/volume"
)

// Locator finds the newest volume of a site.
type Locator interface {
	LatestNow(ctx context.Context, site string) (locator.VolumeID, error)
}

// Loader downloads and decodes a volume.
type Loader interface {
	Load(ctx context.Context, id locator.VolumeID) (*volume.Volume, error)
}

// Params selects the site and the overlay parameters of one computeOverlay call.
// An empty Site selects the default site.
type Params struct {
	Site string
	overlay.Params
}

// Config holds service tuning. Zero CoalesceTimeout disables request coalescing.
type Config struct {
	DefaultSite     string
	CacheTTL        time.Duration
	CacheType       string
	CoalesceTimeout time.Duration
	// WarmParams are the threshold and density used when warming; elevation comes
	// from the warm target.
	WarmParams overlay.Params
}

type memoEntry struct {
	id  locator.VolumeID
	vol *volume.Volume
}

// OverlayService computes overlays on demand using the cache-aside pattern, with the
// volume locator and decoder behind it.
type OverlayService struct {
	sites     map[string]overlay.Site
	locator   Locator
	loader    Loader
	pipeline  *overlay.Pipeline
	cache     cache.Cache
	cfg       Config
	coalescer *requestCoalescer[models.OverlayResult] // nil if disabled
	logger    *zap.Logger

	memoMu sync.Mutex
	memo   map[string]memoEntry // site -> last decoded volume
}

// NewOverlayService wires the service. sites must contain cfg.DefaultSite.
func NewOverlayService(sites []overlay.Site, loc Locator, loader Loader, pipeline *overlay.Pipeline, c cache.Cache, cfg Config, logger *zap.Logger) (*OverlayService, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if pipeline == nil {
		pipeline = overlay.NewPipeline(nil, nil, logger)
	}
	if c == nil {
		c = cache.NewInMemoryCache(0)
	}
	if cfg.CacheType == "" {
		cfg.CacheType = cache.BackendInMemory
	}
	cfg.DefaultSite = normalizeSite(cfg.DefaultSite)
	s := &OverlayService{
		sites:    make(map[string]overlay.Site, len(sites)),
		locator:  loc,
		loader:   loader,
		pipeline: pipeline,
		cache:    c,
		cfg:      cfg,
		logger:   logger,
		memo:     make(map[string]memoEntry),
	}
	for _, site := range sites {
		site.Code = normalizeSite(site.Code)
		s.sites[site.Code] = site
	}
	if _, ok := s.sites[cfg.DefaultSite]; !ok {
		return nil, fmt.Errorf("default site %q is not configured", cfg.DefaultSite)
	}
	if cfg.CoalesceTimeout > 0 {
		s.coalescer = newRequestCoalescer[models.OverlayResult](cfg.CoalesceTimeout)
	}
	return s, nil
}

// loggerFromContext extracts a zap.Logger from request context if present.
func (s *OverlayService) loggerFromContext(ctx context.Context) *zap.Logger {
	if v := ctx.Value("logger"); v != nil {
		if l, ok := v.(*zap.Logger); ok && l != nil {
			return l
		}
	}
	return s.logger
}

// Site returns the configured site for code; an empty code selects the default.
func (s *OverlayService) Site(code string) (overlay.Site, error) {
	code = normalizeSite(code)
	if code == "" {
		code = s.cfg.DefaultSite
	}
	site, ok := s.sites[code]
	if !ok {
		return overlay.Site{}, fmt.Errorf("%w: unknown site %q", models.ErrInvalidParameter, code)
	}
	return site, nil
}

// Sites returns the configured site codes in order.
func (s *OverlayService) Sites() []string {
	out := make([]string, 0, len(s.sites))
	for code := range s.sites {
		out = append(out, code)
	}
	sort.Strings(out)
	return out
}

// ComputeOverlay validates p, locates the newest volume for the site and returns its
// overlay, from cache when an identical request was already computed.
func (s *OverlayService) ComputeOverlay(ctx context.Context, p Params) (models.OverlayResult, error) {
	site, err := s.Site(p.Site)
	if err != nil {
		return models.OverlayResult{}, err
	}
	if err := p.Params.Validate(); err != nil {
		return models.OverlayResult{}, err
	}
	start := time.Now()
	logger := s.loggerFromContext(ctx)
	observability.RecordOverlayQuery(site.Code)

	id, err := s.locator.LatestNow(ctx, site.Code)
	if err != nil {
		observability.PipelineRunsTotal.WithLabelValues(string(CategorizeError(err))).Inc()
		return models.OverlayResult{}, fmt.Errorf("locate volume for %s: %w", site.Code, err)
	}

	key := CacheKey(site.Code, id, p.Params)
	if res, ok := s.cacheGet(ctx, key, logger); ok {
		logger.Debug("overlay served", zap.String("key", key), zap.Bool("cached", true), zap.Duration("duration", time.Since(start)))
		return res, nil
	}

	compute := func(ctx context.Context) (models.OverlayResult, error) {
		return s.compute(ctx, site, id, p.Params)
	}
	var res models.OverlayResult
	if s.coalescer != nil {
		var shared bool
		res, shared, err = s.coalescer.GetOrDo(ctx, key, compute)
		if shared && err == nil {
			observability.RequestCoalescingHitsTotal.Inc()
		}
	} else {
		res, err = compute(ctx)
	}
	if err != nil {
		return models.OverlayResult{}, err
	}

	s.cacheSet(ctx, key, res, logger)
	logger.Debug("overlay served",
		zap.String("key", key),
		zap.Bool("cached", false),
		zap.Int("points", len(res.Points)),
		zap.Int("polygons", len(res.Polygons)),
		zap.Duration("duration", time.Since(start)))
	return res, nil
}

// WarmOverlay implements cache.OverlayFetcher.
func (s *OverlayService) WarmOverlay(ctx context.Context, t cache.Target) error {
	p := s.cfg.WarmParams
	p.Elevation = t.Elevation
	_, err := s.ComputeOverlay(ctx, Params{Site: t.Site, Params: p})
	return err
}

// GetBounds returns the bounding box rangeKm around the site's radar.
func (s *OverlayService) GetBounds(siteCode string, rangeKm float64) (models.Bounds, error) {
	site, err := s.Site(siteCode)
	if err != nil {
		return models.Bounds{}, err
	}
	if !(rangeKm > 0) {
		return models.Bounds{}, fmt.Errorf("%w: range_km must be positive", models.ErrInvalidParameter)
	}
	return radar.GetBounds(site.Lat, site.Lon, rangeKm), nil
}

// compute runs the uncached path: decoded volume (memoized per site), then pipeline.
func (s *OverlayService) compute(ctx context.Context, site overlay.Site, id locator.VolumeID, p overlay.Params) (models.OverlayResult, error) {
	vol, err := s.volumeFor(ctx, site.Code, id)
	if err != nil {
		observability.PipelineRunsTotal.WithLabelValues(string(CategorizeError(err))).Inc()
		return models.OverlayResult{}, err
	}
	res, err := s.pipeline.Run(ctx, site, id.String(), vol, p)
	if err != nil {
		observability.PipelineRunsTotal.WithLabelValues(string(CategorizeError(err))).Inc()
		return models.OverlayResult{}, fmt.Errorf("overlay %s: %w", id, err)
	}
	observability.PipelineRunsTotal.WithLabelValues("ok").Inc()
	return res, nil
}

// volumeFor returns the memoized volume when id is the last one decoded for the site.
// The lock is not held while loading; two concurrent loads of a new id both decode and
// the later one wins the memo.
func (s *OverlayService) volumeFor(ctx context.Context, siteCode string, id locator.VolumeID) (*volume.Volume, error) {
	s.memoMu.Lock()
	m, ok := s.memo[siteCode]
	s.memoMu.Unlock()
	if ok && m.id == id {
		observability.VolumeMemoHitsTotal.Inc()
		return m.vol, nil
	}
	vol, err := s.loader.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	s.memoMu.Lock()
	s.memo[siteCode] = memoEntry{id: id, vol: vol}
	s.memoMu.Unlock()
	return vol, nil
}

func (s *OverlayService) cacheGet(ctx context.Context, key string, logger *zap.Logger) (models.OverlayResult, bool) {
	getStart := time.Now()
	res, ok, err := s.cache.Get(ctx, key)
	getDuration := time.Since(getStart).Seconds()
	switch {
	case err != nil:
		observability.CacheErrorsTotal.WithLabelValues("get", categorizeCacheError(err)).Inc()
		observability.CacheOperationDuration.WithLabelValues("get", "error").Observe(getDuration)
		observability.CacheMissesTotal.WithLabelValues(s.cfg.CacheType).Inc()
		logger.Warn("cache get failed", zap.String("key", key), zap.Error(err))
		return models.OverlayResult{}, false
	case ok:
		observability.CacheOperationDuration.WithLabelValues("get", "success").Observe(getDuration)
		observability.CacheHitsTotal.WithLabelValues(s.cfg.CacheType).Inc()
		return res, true
	default:
		observability.CacheOperationDuration.WithLabelValues("get", "success").Observe(getDuration)
		observability.CacheMissesTotal.WithLabelValues(s.cfg.CacheType).Inc()
		return models.OverlayResult{}, false
	}
}

func (s *OverlayService) cacheSet(ctx context.Context, key string, res models.OverlayResult, logger *zap.Logger) {
	setStart := time.Now()
	if err := s.cache.Set(ctx, key, res, s.cfg.CacheTTL); err != nil {
		observability.CacheErrorsTotal.WithLabelValues("set", categorizeCacheError(err)).Inc()
		observability.CacheOperationDuration.WithLabelValues("set", "error").Observe(time.Since(setStart).Seconds())
		logger.Warn("cache set failed", zap.String("key", key), zap.Error(err))
		return
	}
	observability.CacheOperationDuration.WithLabelValues("set", "success").Observe(time.Since(setStart).Seconds())
}

// CacheKey identifies one overlay: site|volumeId|elevation|minDbz|stride. Floats keep
// full precision; thresholds that differ at all must not share samples.
func CacheKey(site string, id locator.VolumeID, p overlay.Params) string {
	return strings.Join([]string{
		normalizeSite(site),
		string(id),
		strconv.FormatFloat(p.Elevation, 'g', -1, 64),
		strconv.FormatFloat(p.MinDbz, 'g', -1, 64),
		strconv.Itoa(p.Stride),
	}, "|")
}

// categorizeCacheError returns a stable label for cache error metrics (timeout, connection, decode, unknown).
func categorizeCacheError(err error) string {
	if err == nil {
		return "unknown"
	}
	errStr := err.Error()
	switch {
	case strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline"):
		return "timeout"
	case strings.Contains(errStr, "connection") || strings.Contains(errStr, "network") || strings.Contains(errStr, "dial"):
		return "connection"
	case strings.Contains(errStr, "decode") || strings.Contains(errStr, "decompress"):
		return "decode"
	default:
		return "unknown"
	}
}

func normalizeSite(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
