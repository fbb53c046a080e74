package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/radar-overlay-service/internal/circuitbreaker"
	"github.com/kjstillabower/radar-overlay-service/internal/lifecycle"
	"github.com/kjstillabower/radar-overlay-service/internal/models"
	"github.com/kjstillabower/radar-overlay-service/internal/observability"
	"github.com/kjstillabower/radar-overlay-service/internal/overlay"
	"github.com/kjstillabower/radar-overlay-service/internal/service"
	"github.com/kjstillabower/radar-overlay-service/internal/stream"
	"github.com/kjstillabower/radar-overlay-service/internal/traffic"
	"github.com/kjstillabower/radar-overlay-service/internal/validation"
)

// OverlayService computes synchronous overlays and radar bounds.
type OverlayService interface {
	ComputeOverlay(ctx context.Context, p service.Params) (models.OverlayResult, error)
	GetBounds(site string, rangeKm float64) (models.Bounds, error)
}

// StreamCoordinator is the streaming surface the handlers drive.
type StreamCoordinator interface {
	Start(params overlay.Params) error
	Stop() bool
	Status() stream.Status
	Subscribe() (<-chan stream.Message, func())
	Recompute(ctx context.Context, params overlay.Params) (models.OverlayResult, error)
}

// HealthConfig holds lifecycle thresholds for the health handler.
type HealthConfig struct {
	OverloadWindow       time.Duration
	OverloadThresholdPct int
	RateLimitRPS         int
	RateLimitBurst       int // 0 when rate limiter disabled
	DegradedWindow       time.Duration
	DegradedErrorPct     int
	// CachePing, when set, is called to check cache reachability (memcached, redis).
	CachePing func(ctx context.Context) error
	// BreakerState, when set, reports the object storage circuit breaker.
	BreakerState func() circuitbreaker.State
}

// Defaults are the overlay parameters used for absent query keys.
type Defaults struct {
	Params        overlay.Params
	BoundsRangeKm float64
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	overlays         OverlayService
	stream           StreamCoordinator
	healthConfig     *HealthConfig
	defaults         Defaults
	logger           *zap.Logger
	keepAlive        time.Duration
	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// NewHandler returns a new Handler.
func NewHandler(
	overlays OverlayService,
	coordinator StreamCoordinator,
	healthConfig *HealthConfig,
	defaults Defaults,
	logger *zap.Logger,
) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if defaults.BoundsRangeKm <= 0 {
		defaults.BoundsRangeKm = 230
	}
	return &Handler{
		overlays:     overlays,
		stream:       coordinator,
		healthConfig: healthConfig,
		defaults:     defaults,
		logger:       logger,
		keepAlive:    15 * time.Second,
	}
}

// GetRadarData handles GET /api/radar_data.
func (h *Handler) GetRadarData(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	site, err := validation.ValidateSite(q.Get("site"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	params, err := validation.OverlayParams(q, h.defaults.Params)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	result, err := h.overlays.ComputeOverlay(r.Context(), service.Params{Site: site, Params: params})
	if err != nil {
		if !errors.Is(err, models.ErrInvalidParameter) {
			traffic.RecordError()
		}
		writeServiceError(w, r, err)
		return
	}
	traffic.RecordSuccess()
	writeJSON(w, http.StatusOK, result)
}

// GetRadarBounds handles GET /api/radar_bounds.
func (h *Handler) GetRadarBounds(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	site, err := validation.ValidateSite(q.Get("site"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	rangeKm, err := validation.RangeKm(q, h.defaults.BoundsRangeKm)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	bounds, err := h.overlays.GetBounds(site, rangeKm)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bounds)
}

// PostStreamStart handles POST /api/stream/start. Starting an active stream restarts it
// with the new parameters.
func (h *Handler) PostStreamStart(w http.ResponseWriter, r *http.Request) {
	params, err := validation.OverlayParams(r.URL.Query(), h.defaults.Params)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if err := h.stream.Start(params); err != nil {
		writeServiceError(w, r, err)
		return
	}
	requestLogger(r, h.logger).Info("stream start requested",
		zap.Float64("elevation", params.Elevation),
		zap.Float64("min_dbz", params.MinDbz),
		zap.Int("density", params.Stride))
	writeJSON(w, http.StatusOK, h.stream.Status())
}

// PostStreamStop handles POST /api/stream/stop.
func (h *Handler) PostStreamStop(w http.ResponseWriter, r *http.Request) {
	wasActive := h.stream.Stop()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"stopped": wasActive,
		"status":  h.stream.Status(),
	})
}

// GetStreamStatus handles GET /api/stream/status.
func (h *Handler) GetStreamStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.stream.Status())
}

// GetStream handles GET /api/stream as server-sent events. Each hub message becomes an
// event named by its type. With recompute=1 the subscriber first receives an overlay
// computed with its own parameters from the last decoded volume.
func (h *Handler) GetStream(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	defaults := h.defaults.Params
	if st := h.stream.Status(); st.Params != nil {
		defaults = *st.Params
	}
	params, err := validation.OverlayParams(q, defaults)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	logger := requestLogger(r, h.logger)

	rc := http.NewResponseController(w)
	// The server write timeout would otherwise cut the stream.
	_ = rc.SetWriteDeadline(time.Time{})

	msgs, cancel := h.stream.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		logger.Debug("stream flush unsupported", zap.Error(err))
		return
	}
	logger.Debug("stream subscriber connected")
	defer logger.Debug("stream subscriber disconnected")

	if validation.Flag(q, "recompute") {
		res, err := h.stream.Recompute(r.Context(), params)
		switch {
		case err == nil:
			if writeEvent(w, string(stream.TypeRadarData), &res) != nil || rc.Flush() != nil {
				return
			}
		case errors.Is(err, models.ErrNoDataAvailable):
			// nothing decoded yet; the next broadcast will follow
		default:
			logger.Warn("stream recompute failed", zap.Error(err))
		}
	}

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case m, ok := <-msgs:
			if !ok {
				return
			}
			if err := writeEvent(w, string(m.Type), m.Payload()); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, event string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

// healthResult holds the computed health status and metadata for logging.
type healthResult struct {
	status     string
	statusCode int
	reason     string
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	result := h.computeHealthStatus()

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	checks := make(map[string]string)
	if result.status == "degraded" {
		checks["pipeline"] = "unhealthy"
	} else {
		checks["pipeline"] = "healthy"
	}
	if h.healthConfig != nil && h.healthConfig.CachePing != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		if h.healthConfig.CachePing(ctx) == nil {
			checks["cache"] = "healthy"
		} else {
			checks["cache"] = "unhealthy"
		}
		cancel()
	}
	if h.healthConfig != nil && h.healthConfig.BreakerState != nil {
		checks["storage"] = h.healthConfig.BreakerState().String()
	}
	if h.stream != nil {
		checks["stream"] = string(h.stream.Status().State)
	}
	resp := map[string]interface{}{
		"status":    result.status,
		"service":   observability.ServiceName,
		"version":   "dev",
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	writeJSON(w, result.statusCode, resp)
}

// computeHealthStatus evaluates conditions in priority order:
// shutting-down > starting > overloaded > degraded > healthy.
func (h *Handler) computeHealthStatus() healthResult {
	switch lifecycle.CurrentPhase(time.Now()) {
	case lifecycle.PhaseShuttingDown:
		return healthResult{"shutting-down", http.StatusServiceUnavailable, "signal"}
	case lifecycle.PhaseStarting:
		return healthResult{"starting", http.StatusServiceUnavailable, "ready_delay"}
	}
	if h.healthConfig == nil {
		return healthResult{"healthy", http.StatusOK, ""}
	}
	if h.healthConfig.RateLimitRPS > 0 && h.healthConfig.OverloadWindow > 0 {
		threshold := float64(h.healthConfig.RateLimitRPS) * h.healthConfig.OverloadWindow.Seconds() * float64(h.healthConfig.OverloadThresholdPct) / 100
		if float64(traffic.RequestCount(h.healthConfig.OverloadWindow)) > threshold {
			return healthResult{"overloaded", http.StatusServiceUnavailable, "overload_threshold"}
		}
	}
	if h.healthConfig.DegradedWindow > 0 && h.healthConfig.DegradedErrorPct > 0 {
		errCount, total := traffic.ErrorRate(h.healthConfig.DegradedWindow)
		if total > 0 {
			pct := float64(errCount) * 100 / float64(total)
			if pct >= float64(h.healthConfig.DegradedErrorPct) {
				return healthResult{"degraded", http.StatusServiceUnavailable, "error_rate_breach"}
			}
		}
	}
	return healthResult{"healthy", http.StatusOK, ""}
}

// writeJSON writes a JSON response with the specified HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes an error response in the standard error format with code, message,
// and requestId (correlation ID) if available in request context.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	corrID, _ := r.Context().Value("correlation_id").(string)
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": corrID,
		},
	})
}

// writeServiceError maps a pipeline error to its API code and status. Invalid
// parameter messages are returned to the caller; other causes are logged and replaced
// with a generic message.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	code := stream.ErrorCode(err)
	if code == "INTERNAL_ERROR" && errors.Is(err, context.DeadlineExceeded) {
		code = "UPSTREAM_UNAVAILABLE"
	}
	status, message := errorStatus(code)
	if code == "INVALID_PARAMETER" {
		message = err.Error()
	}
	logger := requestLogger(r, nil)
	if status >= http.StatusInternalServerError {
		logger.Warn("overlay request failed", zap.String("code", code), zap.Error(err))
	} else {
		logger.Debug("overlay request rejected", zap.String("code", code), zap.Error(err))
	}
	writeError(w, r, status, code, message)
}

func errorStatus(code string) (int, string) {
	switch code {
	case "INVALID_PARAMETER":
		return http.StatusBadRequest, "Invalid parameter"
	case "NO_DATA":
		return http.StatusNotFound, "No radar data available"
	case "DECODE_FAILURE":
		return http.StatusBadGateway, "Radar volume could not be decoded"
	case "UPSTREAM_UNAVAILABLE":
		return http.StatusServiceUnavailable, "Radar archive unavailable"
	default:
		return http.StatusInternalServerError, "Internal error"
	}
}

// requestLogger returns the request-scoped logger, else fallback, else a no-op logger.
func requestLogger(r *http.Request, fallback *zap.Logger) *zap.Logger {
	if l, ok := r.Context().Value("logger").(*zap.Logger); ok && l != nil {
		return l
	}
	if fallback != nil {
		return fallback
	}
	return zap.NewNop()
}
