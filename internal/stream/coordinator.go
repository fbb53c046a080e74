// Package stream polls for new radar volumes and broadcasts overlays to subscribers.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/kjstillabower/radar-overlay-service/internal/locator"
	"github.com/kjstillabower/radar-overlay-service/internal/models"
	"github.com/kjstillabower/radar-overlay-service/internal/observability"
	"github.com/kjstillabower/radar-overlay-service/internal/overlay"
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

// Config holds loop timing. Zero values select the defaults.
type Config struct {
	PollInterval   time.Duration
	ErrorInterval  time.Duration
	RotationPeriod time.Duration
}

const (
	DefaultPollInterval   = 30 * time.Second
	DefaultErrorInterval  = 60 * time.Second
	DefaultRotationPeriod = 10 * time.Second
)

// State of the coordinator.
type State string

const (
	StateIdle   State = "idle"
	StateActive State = "active"
)

// Status is a point-in-time view of the coordinator.
type Status struct {
	State        State           `json:"state"`
	Params       *overlay.Params `json:"params,omitempty"`
	LastVolumeID string          `json:"lastVolumeId,omitempty"`
	LastUpdate   *time.Time      `json:"lastUpdate,omitempty"`
	Subscribers  int             `json:"subscribers"`
}

// session is owned by exactly one polling goroutine. lastID is touched only by that
// goroutine, so a session never dedups against another session's broadcasts.
type session struct {
	gen    uint64
	params overlay.Params
	stop   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
	lastID locator.VolumeID
}

// Coordinator runs at most one polling goroutine per process.
type Coordinator struct {
	mu      sync.Mutex
	session *session
	// stopped is the last session ended by Stop. Its in-flight iteration may still be
	// running; the next Start or Shutdown cancels it.
	stopped *session

	hub      *Hub
	locator  Locator
	loader   Loader
	pipeline *overlay.Pipeline
	site     overlay.Site
	cfg      Config
	clock    clockwork.Clock
	logger   *zap.Logger

	// Written by polling goroutines only; read by Status and Recompute.
	stateMu     sync.RWMutex
	broadcastID locator.VolumeID
	lastUpdate  time.Time
	current    *volume.Volume
	currentID  locator.VolumeID
}

// NewCoordinator wires a coordinator for one site. A nil clock selects the real clock.
func NewCoordinator(site overlay.Site, hub *Hub, loc Locator, loader Loader, pipeline *overlay.Pipeline, cfg Config, clock clockwork.Clock, logger *zap.Logger) *Coordinator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.ErrorInterval <= 0 {
		cfg.ErrorInterval = DefaultErrorInterval
	}
	if cfg.RotationPeriod <= 0 {
		cfg.RotationPeriod = DefaultRotationPeriod
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if hub == nil {
		hub = NewHub(DefaultBufferSize, logger)
	}
	if pipeline == nil {
		pipeline = overlay.NewPipeline(nil, nil, logger)
	}
	return &Coordinator{
		hub:      hub,
		locator:  loc,
		loader:   loader,
		pipeline: pipeline,
		site:     site,
		cfg:      cfg,
		clock:    clock,
		logger:   logger.With(zap.String("component", "stream"), zap.String("site", site.Code)),
	}
}

// Hub returns the broadcast hub.
func (c *Coordinator) Hub() *Hub {
	return c.hub
}

// Subscribe registers a subscriber on the hub.
func (c *Coordinator) Subscribe() (<-chan Message, func()) {
	return c.hub.Subscribe()
}

// Start begins polling with params. Starting while active restarts: the previous
// session's work is cancelled and anything it still produces is dropped.
func (c *Coordinator) Start(params overlay.Params) error {
	if err := params.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if old := c.session; old != nil {
		close(old.stop)
		old.cancel()
		c.logger.Info("stream restarting", zap.Uint64("previous_generation", old.gen))
	}
	if c.stopped != nil {
		c.stopped.cancel()
		c.stopped = nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		gen:    c.hub.Advance(),
		params: params,
		stop:   make(chan struct{}),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	c.session = s

	c.logger.Info("stream started",
		zap.Uint64("generation", s.gen),
		zap.Float64("elevation", params.Elevation),
		zap.Float64("min_dbz", params.MinDbz),
		zap.Int("density", params.Stride))
	go c.run(ctx, s)
	return nil
}

// Stop returns the coordinator to idle. An iteration already in progress completes and
// still broadcasts unless Start is called again first, which cancels it. Stop reports
// whether a session was active.
func (c *Coordinator) Stop() bool {
	c.mu.Lock()
	s := c.session
	c.session = nil
	if s != nil {
		if c.stopped != nil {
			c.stopped.cancel()
		}
		c.stopped = s
	}
	c.mu.Unlock()
	if s == nil {
		return false
	}
	close(s.stop)
	c.logger.Info("stream stopped", zap.Uint64("generation", s.gen))
	return true
}

// Shutdown stops the session, cancels its work and that of a previously stopped session,
// and waits for both polling goroutines to exit or ctx to expire.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	s, stopped := c.session, c.stopped
	c.session, c.stopped = nil, nil
	c.mu.Unlock()
	if s != nil {
		close(s.stop)
	}
	for _, sess := range []*session{s, stopped} {
		if sess == nil {
			continue
		}
		sess.cancel()
		select {
		case <-sess.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Status reports state, params, last broadcast id and subscriber count.
func (c *Coordinator) Status() Status {
	st := Status{State: StateIdle, Subscribers: c.hub.Count()}
	c.mu.Lock()
	if c.session != nil {
		st.State = StateActive
		p := c.session.params
		st.Params = &p
	}
	c.mu.Unlock()

	c.stateMu.RLock()
	st.LastVolumeID = string(c.broadcastID)
	if !c.lastUpdate.IsZero() {
		t := c.lastUpdate
		st.LastUpdate = &t
	}
	c.stateMu.RUnlock()
	return st
}

// Recompute runs the pipeline with params against the most recently decoded volume,
// for subscribers joining between volume changes. The cached volume is only read.
func (c *Coordinator) Recompute(ctx context.Context, params overlay.Params) (models.OverlayResult, error) {
	if err := params.Validate(); err != nil {
		return models.OverlayResult{}, err
	}
	c.stateMu.RLock()
	vol, id := c.current, c.currentID
	c.stateMu.RUnlock()
	if vol == nil {
		return models.OverlayResult{}, fmt.Errorf("%w: no volume decoded yet", models.ErrNoDataAvailable)
	}
	return c.pipeline.Run(ctx, c.site, string(id), vol, params)
}

// SweepAngle is the cosmetic antenna angle: (now mod period) / period × 360.
func SweepAngle(now time.Time, period time.Duration) float64 {
	if period <= 0 {
		return 0
	}
	frac := now.UnixNano() % int64(period)
	if frac < 0 {
		frac += int64(period)
	}
	return float64(frac) / float64(period) * 360
}

func (c *Coordinator) run(ctx context.Context, s *session) {
	defer close(s.done)
	for {
		wait := c.iterate(ctx, s)
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case <-c.clock.After(wait):
		}
	}
}

// iterate performs one poll and returns how long to sleep before the next.
func (c *Coordinator) iterate(ctx context.Context, s *session) (wait time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("stream iteration panicked", zap.Uint64("generation", s.gen), zap.Any("panic", r))
			observability.StreamIterationsTotal.WithLabelValues("panic").Inc()
			c.publishError(s, fmt.Errorf("internal error: %v", r))
			wait = c.cfg.ErrorInterval
		}
	}()

	id, err := c.locator.LatestNow(ctx, c.site.Code)
	if err != nil {
		return c.fail(ctx, s, "locate", err)
	}

	if id == s.lastID {
		observability.StreamIterationsTotal.WithLabelValues("unchanged").Inc()
		return c.cfg.PollInterval
	}

	vol, err := c.volumeFor(ctx, id)
	if err != nil {
		return c.fail(ctx, s, "load", err)
	}
	res, err := c.pipeline.Run(ctx, c.site, string(id), vol, s.params)
	if err != nil {
		return c.fail(ctx, s, "pipeline", err)
	}

	now := c.clock.Now()
	delivered := c.hub.Publish(s.gen,
		Message{Type: TypeRadarData, Time: now, Overlay: &res},
		Message{Type: TypeSweepAngle, Time: now, Angle: SweepAngle(now, c.cfg.RotationPeriod)},
	)
	if !delivered {
		observability.StreamIterationsTotal.WithLabelValues("superseded").Inc()
		c.logger.Debug("dropping superseded result", zap.Uint64("generation", s.gen), zap.String("volume_id", string(id)))
		return c.cfg.PollInterval
	}

	s.lastID = id
	c.stateMu.Lock()
	c.broadcastID = id
	c.lastUpdate = now
	c.stateMu.Unlock()
	observability.StreamIterationsTotal.WithLabelValues("broadcast").Inc()
	c.logger.Info("overlay broadcast",
		zap.String("volume_id", string(id)),
		zap.Int("points", len(res.Points)),
		zap.Int("polygons", len(res.Polygons)),
		zap.Int("subscribers", c.hub.Count()))
	return c.cfg.PollInterval
}

// volumeFor reuses the cached decoded volume when id matches it.
func (c *Coordinator) volumeFor(ctx context.Context, id locator.VolumeID) (*volume.Volume, error) {
	c.stateMu.RLock()
	if c.current != nil && c.currentID == id {
		v := c.current
		c.stateMu.RUnlock()
		return v, nil
	}
	c.stateMu.RUnlock()

	v, err := c.loader.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	c.stateMu.Lock()
	c.current, c.currentID = v, id
	c.stateMu.Unlock()
	return v, nil
}

func (c *Coordinator) fail(ctx context.Context, s *session, stage string, err error) time.Duration {
	if ctx.Err() != nil {
		// Restarted; the new session owns the broadcast now.
		return c.cfg.ErrorInterval
	}
	observability.StreamIterationsTotal.WithLabelValues("error").Inc()
	c.logger.Warn("stream iteration failed", zap.String("stage", stage), zap.Uint64("generation", s.gen), zap.Error(err))
	c.publishError(s, err)
	return c.cfg.ErrorInterval
}

func (c *Coordinator) publishError(s *session, err error) {
	c.hub.Publish(s.gen, Message{Type: TypeError, Time: c.clock.Now(), Error: err.Error(), Code: ErrorCode(err)})
}

// ErrorCode maps pipeline errors to the codes used by the HTTP API.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, models.ErrInvalidParameter):
		return "INVALID_PARAMETER"
	case errors.Is(err, models.ErrNoDataAvailable):
		return "NO_DATA"
	case errors.Is(err, models.ErrDecodeFailure):
		return "DECODE_FAILURE"
	case errors.Is(err, models.ErrTransportFailure):
		return "UPSTREAM_UNAVAILABLE"
	default:
		return "INTERNAL_ERROR"
	}
}
