// Package contour turns clusters of reflectivity samples into smoothed, non-overlapping
// outline polygons per band.
package contour

import (
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/kjstillabower/radar-overlay-service/internal/cluster"
	"github.com/kjstillabower/radar-overlay-service/internal/models"
	"github.com/kjstillabower/radar-overlay-service/internal/observability"
)

// MinPartArea drops slivers left over by the smoothing buffers (deg²).
const MinPartArea = 1e-7

var baseRadius = map[cluster.Tier]float64{
	cluster.TierLight:    0.015,
	cluster.TierModerate: 0.012,
	cluster.TierHeavy:    0.010,
	cluster.TierExtreme:  0.008,
}

// Builder outlines clusters through a geometry Engine.
type Builder struct {
	engine Engine
	logger *zap.Logger
}

// NewBuilder returns a Builder. A nil engine selects the ctessum-backed PlanarEngine.
func NewBuilder(engine Engine, logger *zap.Logger) *Builder {
	if engine == nil {
		engine = NewPlanarEngine()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Builder{engine: engine, logger: logger}
}

// DistanceScale widens disks for clusters far from the radar, where gates spread apart.
func DistanceScale(meanDistance float64) float64 {
	switch {
	case meanDistance <= cluster.NearDistance:
		return 1.0
	case meanDistance <= cluster.MediumDistance:
		return 1.3
	default:
		return 1.6
	}
}

// SizeScale grows disks with membership, bounded to [0.5, 1.5].
func SizeScale(n int) float64 {
	return math.Min(1.5, math.Max(0.5, float64(n)/5))
}

// Radius is the disk radius in degrees used to outline c.
func Radius(c cluster.Cluster, band cluster.Band) float64 {
	return baseRadius[cluster.TierFor(band.MinDbz)] * DistanceScale(c.MeanDistance()) * SizeScale(len(c.Points))
}

// BuildPolygons outlines one cluster. Clusters with fewer than two members and clusters
// whose geometry fails yield nothing; failures are logged and counted.
func (b *Builder) BuildPolygons(c cluster.Cluster, band cluster.Band, bandIndex int) []models.ContourPolygon {
	if len(c.Points) < 2 {
		return nil
	}
	polys, err := b.build(c, band, bandIndex)
	if err != nil {
		observability.GeometryFailuresTotal.WithLabelValues(band.Label).Inc()
		b.logger.Warn("contour skipped",
			zap.String("band", band.Label),
			zap.Int("cluster", c.Index),
			zap.Int("points", len(c.Points)),
			zap.Error(err))
		return nil
	}
	return polys
}

// BuildAll outlines every cluster of every band result, in result order.
func (b *Builder) BuildAll(results []cluster.BandResult) []models.ContourPolygon {
	var out []models.ContourPolygon
	for _, r := range results {
		for _, c := range r.Clusters {
			out = append(out, b.BuildPolygons(c, r.Band, r.BandIndex)...)
		}
	}
	return out
}

func (b *Builder) build(c cluster.Cluster, band cluster.Band, bandIndex int) (polys []models.ContourPolygon, err error) {
	defer func() {
		if r := recover(); r != nil {
			polys = nil
			err = fmt.Errorf("%w: panic: %v", models.ErrGeometryFailure, r)
		}
	}()

	r := Radius(c, band)
	centers := make([]Point, len(c.Points))
	for i, p := range c.Points {
		centers[i] = Point{X: p.Lon, Y: p.Lat}
	}

	shape, err := b.engine.UnionDisks(centers, r)
	if err != nil {
		return nil, fmt.Errorf("%w: union: %v", models.ErrGeometryFailure, err)
	}
	if shape, err = b.engine.Simplify(shape, 0.15*r); err != nil {
		return nil, fmt.Errorf("%w: simplify: %v", models.ErrGeometryFailure, err)
	}
	if shape, err = b.engine.Buffer(shape, 0.1*r); err != nil {
		return nil, fmt.Errorf("%w: dilate: %v", models.ErrGeometryFailure, err)
	}
	if shape, err = b.engine.Buffer(shape, -0.1*r); err != nil {
		return nil, fmt.Errorf("%w: erode: %v", models.ErrGeometryFailure, err)
	}

	var parts []Polygon
	for _, p := range shape {
		if p.Area() >= MinPartArea {
			parts = append(parts, p)
		}
	}

	for i, p := range parts {
		id := fmt.Sprintf("b%d-c%d", bandIndex, c.Index)
		if len(parts) > 1 {
			id = fmt.Sprintf("%s-p%d", id, i)
		}
		polys = append(polys, models.ContourPolygon{
			ID:              id,
			Band:            band.Label,
			Color:           band.Color,
			BackgroundColor: band.BackgroundColor,
			MinDbz:          band.MinDbz,
			MaxDbz:          band.MaxDbz,
			PointCount:      len(c.Points),
			Ring:            latLonRing(p.Exterior),
		})
	}
	return polys, nil
}

// latLonRing emits a closed [lat, lon] ring.
func latLonRing(r Ring) [][2]float64 {
	out := make([][2]float64, 0, len(r)+1)
	for _, p := range r {
		out = append(out, [2]float64{p.Y, p.X})
	}
	if len(r) > 0 {
		out = append(out, [2]float64{r[0].Y, r[0].X})
	}
	return out
}
