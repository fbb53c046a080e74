// Package overlay runs the per-sweep product pipeline: project, filter, cluster and
// contour.
package overlay

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/radar-overlay-service/internal/cluster"
	"github.com/kjstillabower/radar-overlay-service/internal/contour"
	"github.com/kjstillabower/radar-overlay-service/internal/models"
	"github.com/kjstillabower/radar-overlay-service/internal/observability"
	"github.com/kjstillabower/radar-overlay-service/internal/radar"
	"github.com/kjstillabower/radar-overlay-service/internal/volume"
)

// Site is a radar location. Location is used to stamp results in the radar's local time;
// nil means UTC.
type Site struct {
	Code     string
	Lat      float64
	Lon      float64
	Location *time.Location
}

// Params selects the sweep and filtering for one run.
type Params struct {
	Elevation float64 `json:"elevation"`
	MinDbz    float64 `json:"minDbz"`
	Stride    int     `json:"density"`
}

// Validate rejects parameters the pipeline cannot run with.
func (p Params) Validate() error {
	if p.Stride < 1 {
		return fmt.Errorf("%w: density must be >= 1, got %d", models.ErrInvalidParameter, p.Stride)
	}
	if math.IsNaN(p.MinDbz) || math.IsInf(p.MinDbz, 0) {
		return fmt.Errorf("%w: threshold must be finite", models.ErrInvalidParameter)
	}
	if math.IsNaN(p.Elevation) || p.Elevation < -1 || p.Elevation > 90 {
		return fmt.Errorf("%w: elevation must be within [-1, 90] degrees, got %v", models.ErrInvalidParameter, p.Elevation)
	}
	return nil
}

// Pipeline is safe for concurrent use; every run allocates its own intermediates.
type Pipeline struct {
	clusters *cluster.Engine
	contours *contour.Builder
	logger   *zap.Logger
}

// NewPipeline wires the cluster engine and contour builder. Nil collaborators select
// the defaults.
func NewPipeline(clusters *cluster.Engine, contours *contour.Builder, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clusters == nil {
		clusters = cluster.NewEngine(nil, logger)
	}
	if contours == nil {
		contours = contour.NewBuilder(nil, logger)
	}
	return &Pipeline{clusters: clusters, contours: contours, logger: logger}
}

// Run selects the sweep nearest params.Elevation and derives its overlay.
func (p *Pipeline) Run(ctx context.Context, site Site, volumeID string, vol *volume.Volume, params Params) (models.OverlayResult, error) {
	if err := params.Validate(); err != nil {
		return models.OverlayResult{}, err
	}
	sw, err := volume.SelectSweep(vol, params.Elevation)
	if err != nil {
		return models.OverlayResult{}, err
	}
	return p.RunSweep(ctx, site, volumeID, vol.Time, sw, params)
}

// RunSweep derives the overlay for one sweep. Context cancellation is checked between
// stages; a stage in progress always completes.
func (p *Pipeline) RunSweep(ctx context.Context, site Site, volumeID string, scanTime time.Time, sw volume.Sweep, params Params) (models.OverlayResult, error) {
	if err := params.Validate(); err != nil {
		return models.OverlayResult{}, err
	}

	start := time.Now()
	grid := radar.Project(sw, site.Lat, site.Lon)
	observability.ObserveStage("project", start)

	start = time.Now()
	points, err := radar.Filter(sw, grid, params.MinDbz, params.Stride)
	if err != nil {
		return models.OverlayResult{}, err
	}
	observability.ObserveStage("filter", start)
	if err := ctx.Err(); err != nil {
		return models.OverlayResult{}, err
	}

	start = time.Now()
	bands := p.clusters.Run(points, site.Lat, site.Lon)
	observability.ObserveStage("cluster", start)
	if err := ctx.Err(); err != nil {
		return models.OverlayResult{}, err
	}

	start = time.Now()
	polygons := p.contours.BuildAll(bands)
	observability.ObserveStage("contour", start)

	if points == nil {
		points = []models.ReflectivitySample{}
	}
	if polygons == nil {
		polygons = []models.ContourPolygon{}
	}
	loc := site.Location
	if loc == nil {
		loc = time.UTC
	}

	p.logger.Debug("overlay computed",
		zap.String("site", site.Code),
		zap.String("volume_id", volumeID),
		zap.Float64("elevation", sw.FixedAngle),
		zap.Int("points", len(points)),
		zap.Int("polygons", len(polygons)))

	return models.OverlayResult{
		VolumeID:  volumeID,
		Site:      site.Code,
		Timestamp: scanTime.In(loc),
		Elevation: sw.FixedAngle,
		RadarLat:  site.Lat,
		RadarLon:  site.Lon,
		Points:    points,
		Polygons:  polygons,
		FilterInfo: models.FilterInfo{
			MinDbz:     params.MinDbz,
			Density:    params.Stride,
			PointCount: len(points),
		},
	}, nil
}
