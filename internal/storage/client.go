// Package storage reads radar archives from S3-compatible object storage over its REST
// API with bounded retries, an optional circuit breaker and per-call metrics.
package storage

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/kjstillabower/radar-overlay-service/internal/circuitbreaker"
	"github.com/kjstillabower/radar-overlay-service/internal/models"
	"github.com/kjstillabower/radar-overlay-service/internal/observability"
)

// DefaultEndpoint addresses a bucket virtual-host style; {bucket} is substituted.
const DefaultEndpoint = "https://{bucket}.s3.amazonaws.com"

// Object is one listing entry.
type Object struct {
	Key          string
	LastModified time.Time
	Size         int64
}

// Client lists and downloads objects.
type Client interface {
	ListObjects(ctx context.Context, bucket, prefix string) ([]Object, error)
	Download(ctx context.Context, bucket, key string) ([]byte, error)
}

var (
	ErrObjectNotFound  = errors.New("object not found")
	ErrAccessDenied    = errors.New("access denied")
	ErrThrottled       = errors.New("throttled")
	ErrUpstreamFailure = errors.New("upstream failure")
	ErrTooLarge        = errors.New("object exceeds download limit")
)

// StatusError is an unexpected HTTP status; it wraps ErrUpstreamFailure.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%v: HTTP %d", ErrUpstreamFailure, e.StatusCode)
}

func (e *StatusError) Unwrap() error {
	return ErrUpstreamFailure
}

// Config configures an S3Client. Zero values select defaults.
type Config struct {
	Endpoint         string
	Timeout          time.Duration
	RetryAttempts    int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
	MaxDownloadBytes int64
	Breaker          *circuitbreaker.CircuitBreaker
	HTTPClient       *http.Client
	Clock            clockwork.Clock
}

// S3Client talks to the S3 REST API anonymously, as for public open-data buckets.
type S3Client struct {
	endpoint         string
	timeout          time.Duration
	retryAttempts    int
	retryBaseDelay   time.Duration
	retryMaxDelay    time.Duration
	maxDownloadBytes int64
	breaker          *circuitbreaker.CircuitBreaker
	client           *http.Client
	clock            clockwork.Clock
}

// NewS3Client validates cfg and returns a client.
func NewS3Client(cfg Config) (*S3Client, error) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	sample := strings.ReplaceAll(cfg.Endpoint, "{bucket}", "bucket")
	if u, err := url.Parse(sample); err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid storage endpoint %q", cfg.Endpoint)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 200 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 5 * time.Second
	}
	if cfg.MaxDownloadBytes <= 0 {
		cfg.MaxDownloadBytes = 64 << 20
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &S3Client{
		endpoint:         strings.TrimRight(cfg.Endpoint, "/"),
		timeout:          cfg.Timeout,
		retryAttempts:    cfg.RetryAttempts,
		retryBaseDelay:   cfg.RetryBaseDelay,
		retryMaxDelay:    cfg.RetryMaxDelay,
		maxDownloadBytes: cfg.MaxDownloadBytes,
		breaker:          cfg.Breaker,
		client:           cfg.HTTPClient,
		clock:            cfg.Clock,
	}, nil
}

type listBucketResult struct {
	IsTruncated           bool   `xml:"IsTruncated"`
	NextContinuationToken string `xml:"NextContinuationToken"`
	Contents              []struct {
		Key          string    `xml:"Key"`
		LastModified time.Time `xml:"LastModified"`
		Size         int64     `xml:"Size"`
	} `xml:"Contents"`
}

// ListObjects returns every object under prefix, following continuation tokens.
func (c *S3Client) ListObjects(ctx context.Context, bucket, prefix string) ([]Object, error) {
	var out []Object
	token := ""
	for {
		var page listBucketResult
		err := c.withRetry(ctx, "list", func(ctx context.Context) error {
			page = listBucketResult{}
			q := url.Values{}
			q.Set("list-type", "2")
			q.Set("prefix", prefix)
			if token != "" {
				q.Set("continuation-token", token)
			}
			body, err := c.get(ctx, c.bucketURL(bucket)+"/?"+q.Encode(), 16<<20)
			if err != nil {
				return err
			}
			if err := xml.Unmarshal(body, &page); err != nil {
				return fmt.Errorf("parse listing: %w", err)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("%w: list %s/%s: %w", models.ErrTransportFailure, bucket, prefix, err)
		}
		for _, o := range page.Contents {
			out = append(out, Object{Key: o.Key, LastModified: o.LastModified, Size: o.Size})
		}
		if !page.IsTruncated || page.NextContinuationToken == "" {
			return out, nil
		}
		token = page.NextContinuationToken
	}
}

// Download returns the object body, refusing objects larger than the configured limit.
func (c *S3Client) Download(ctx context.Context, bucket, key string) ([]byte, error) {
	var body []byte
	err := c.withRetry(ctx, "download", func(ctx context.Context) error {
		b, err := c.get(ctx, c.bucketURL(bucket)+"/"+escapeKey(key), c.maxDownloadBytes)
		body = b
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: download %s/%s: %w", models.ErrTransportFailure, bucket, key, err)
	}
	return body, nil
}

func (c *S3Client) withRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < c.retryAttempts; attempt++ {
		if attempt > 0 {
			observability.StorageRetriesTotal.WithLabelValues(op).Inc()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-c.clock.After(c.calculateBackoff(attempt)):
			}
		}

		err := c.attempt(ctx, op, fn)
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil || !isRetryable(err) {
			return err
		}
	}
	return fmt.Errorf("exhausted retries: %w", lastErr)
}

func (c *S3Client) attempt(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	start := time.Now()
	call := func() error {
		reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		return fn(reqCtx)
	}
	var err error
	if c.breaker != nil {
		// Only upstream faults count against the breaker; a missing key does not.
		var callErr error
		err = c.breaker.Call(ctx, func() error {
			callErr = call()
			if isRetryable(callErr) {
				return callErr
			}
			return nil
		})
		if err == nil {
			err = callErr
		}
	} else {
		err = call()
	}
	status := statusLabel(err)
	observability.StorageCallsTotal.WithLabelValues(op, status).Inc()
	observability.StorageDuration.WithLabelValues(op, status).Observe(time.Since(start).Seconds())
	return err
}

func (c *S3Client) get(ctx context.Context, rawURL string, limit int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if corrID := extractCorrelationID(ctx); corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("request timeout: %w", err)
		}
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	if err := handleErrorResponse(resp); err != nil {
		return nil, err
	}
	if resp.ContentLength > limit {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, resp.ContentLength)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, limit)
	}
	return body, nil
}

func (c *S3Client) bucketURL(bucket string) string {
	if strings.Contains(c.endpoint, "{bucket}") {
		return strings.ReplaceAll(c.endpoint, "{bucket}", bucket)
	}
	return c.endpoint + "/" + url.PathEscape(bucket)
}

func (c *S3Client) calculateBackoff(attempt int) time.Duration {
	delay := float64(c.retryBaseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(c.retryMaxDelay) {
		delay = float64(c.retryMaxDelay)
	}
	jitter := delay * 0.1 * rand.Float64()
	return time.Duration(delay + jitter)
}

func handleErrorResponse(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return ErrObjectNotFound
	case resp.StatusCode == http.StatusForbidden:
		return ErrAccessDenied
	case resp.StatusCode == http.StatusTooManyRequests:
		return ErrThrottled
	default:
		return &StatusError{StatusCode: resp.StatusCode}
	}
}

func isRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrObjectNotFound), errors.Is(err, ErrAccessDenied),
		errors.Is(err, ErrTooLarge), errors.Is(err, circuitbreaker.ErrOpen):
		return false
	case errors.Is(err, ErrThrottled):
		return true
	case errors.Is(err, ErrUpstreamFailure):
		var se *StatusError
		if errors.As(err, &se) {
			return se.StatusCode >= 500
		}
		return true
	case errors.Is(err, context.DeadlineExceeded):
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

func statusLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrObjectNotFound):
		return "not_found"
	case errors.Is(err, ErrAccessDenied):
		return "denied"
	case errors.Is(err, ErrThrottled):
		return "throttled"
	case errors.Is(err, circuitbreaker.ErrOpen):
		return "circuit_open"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, ErrUpstreamFailure):
		return "server_error"
	default:
		return "error"
	}
}

// escapeKey escapes each path segment of an object key.
func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

func extractCorrelationID(ctx context.Context) string {
	if corrIDVal := ctx.Value("correlation_id"); corrIDVal != nil {
		if corrID, ok := corrIDVal.(string); ok {
			return corrID
		}
	}
	return ""
}
