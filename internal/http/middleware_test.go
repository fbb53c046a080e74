package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/radar-overlay-service/internal/models"
	"github.com/kjstillabower/radar-overlay-service/internal/observability"
	"github.com/kjstillabower/radar-overlay-service/internal/service"
	"github.com/kjstillabower/radar-overlay-service/internal/traffic"
)

// blockingOverlayService waits for the request context to end.
type blockingOverlayService struct {
	mockOverlayService
}

func (b *blockingOverlayService) ComputeOverlay(ctx context.Context, p service.Params) (models.OverlayResult, error) {
	<-ctx.Done()
	return models.OverlayResult{}, ctx.Err()
}

func TestMiddleware_CorrelationIDGenerated(t *testing.T) {
	w := serve(newTestHandler(&mockOverlayService{}, nil, nil), "GET", "/api/radar_data")
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if w.Header().Get("X-Correlation-ID") == "" {
		t.Error("X-Correlation-ID header missing")
	}
}

// TestMiddleware_CorrelationIDPropagated verifies a client-supplied id is echoed, used
// as the error requestId and attached to the request logger.
func TestMiddleware_CorrelationIDPropagated(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	h := newTestHandler(&mockOverlayService{}, nil, nil)
	router := NewRouter(h, zap.New(core), nil, 0)

	req := httptest.NewRequest("GET", "/api/radar_data?density=0", nil)
	req.Header.Set("X-Correlation-ID", "client-provided-id")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if got := w.Header().Get("X-Correlation-ID"); got != "client-provided-id" {
		t.Errorf("X-Correlation-ID = %q, want client-provided-id", got)
	}
	if _, _, reqID := decodeError(t, w); reqID != "client-provided-id" {
		t.Errorf("requestId = %q, want client-provided-id", reqID)
	}
	entries := logs.FilterMessage("overlay request rejected").All()
	if len(entries) != 1 || entries[0].ContextMap()["correlation_id"] != "client-provided-id" {
		t.Errorf("request log = %v, want one entry carrying the correlation id", entries)
	}
}

// TestTimeoutMiddleware_CancelsContextAfterTimeout verifies the synchronous route gets a
// deadline and reports it as upstream unavailable.
func TestTimeoutMiddleware_CancelsContextAfterTimeout(t *testing.T) {
	h := newTestHandler(&blockingOverlayService{}, nil, nil)
	router := NewRouter(h, zap.NewNop(), nil, 50*time.Millisecond)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/api/radar_data", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d (timeout should surface as upstream error)", w.Code, http.StatusServiceUnavailable)
	}
}

func TestRateLimitMiddleware_Returns429WhenExceeded(t *testing.T) {
	traffic.Reset()
	defer traffic.Reset()
	h := newTestHandler(&mockOverlayService{}, nil, nil)
	router := NewRouter(h, zap.NewNop(), rate.NewLimiter(1, 2), 0)

	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest("GET", "/api/radar_data", nil))

		if i < 2 {
			if w.Code != http.StatusOK {
				t.Errorf("request %d: status = %d, want 200", i, w.Code)
			}
			continue
		}
		if w.Code != http.StatusTooManyRequests {
			t.Fatalf("request %d: status = %d, want 429", i, w.Code)
		}
		var errResp struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		if err := json.NewDecoder(w.Body).Decode(&errResp); err != nil {
			t.Fatalf("decode 429 response: %v", err)
		}
		if errResp.Error.Code != "RATE_LIMITED" {
			t.Errorf("error.code = %q, want RATE_LIMITED", errResp.Error.Code)
		}
	}
	if got := traffic.DenialCount(time.Minute); got != 1 {
		t.Errorf("DenialCount = %d, want 1", got)
	}

	// Health stays outside the limiter.
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))
	if w.Code == http.StatusTooManyRequests {
		t.Error("/health was rate limited")
	}
}

func TestRateLimitMiddleware_NilLimiterPassesThrough(t *testing.T) {
	router := mux.NewRouter()
	router.Use(RateLimitMiddleware(nil))
	router.HandleFunc("/x", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	for i := 0; i < 50; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest("GET", "/x", nil))
		if w.Code != http.StatusOK {
			t.Fatalf("request %d status = %d, want 200 (nil limiter should allow)", i, w.Code)
		}
	}
}

func TestMiddleware_GetRoute(t *testing.T) {
	router := mux.NewRouter()
	var got string
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got = getRoute(r)
			next.ServeHTTP(w, r)
		})
	})
	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/radar_data", func(w http.ResponseWriter, r *http.Request) {})

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/api/radar_data?elev=1", nil))
	if got != "/api/radar_data" {
		t.Errorf("getRoute() = %q, want /api/radar_data", got)
	}

	if r := getRoute(httptest.NewRequest("GET", "/favicon.ico", nil)); r != "other" {
		t.Errorf("getRoute(unmatched) = %q, want other", r)
	}
}

func TestMiddleware_MetricsRoute(t *testing.T) {
	w := serve(newTestHandler(&mockOverlayService{}, nil, nil), "GET", "/metrics")
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), "httpRequestsTotal") {
		t.Error("metrics output missing httpRequestsTotal")
	}
}

func TestMiddleware_MetricsRecordsRouteTemplate(t *testing.T) {
	c := observability.HTTPRequestsTotal.WithLabelValues("GET", "/api/radar_bounds", "4xx")
	before := counterValue(c)
	serve(newTestHandler(&mockOverlayService{}, nil, nil), "GET", "/api/radar_bounds?range_km=0")
	if got := counterValue(c); got != before+1 {
		t.Errorf("httpRequestsTotal{/api/radar_bounds,4xx} = %v, want %v", got, before+1)
	}
}

func counterValue(c prometheus.Counter) float64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}
