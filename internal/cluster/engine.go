// Package cluster groups reflectivity samples per band with a distance-adaptive
// density-based clustering pass.
package cluster

import (
	"go.uber.org/zap"

	"github.com/kjstillabower/radar-overlay-service/internal/models"
)

// MinCandidates is the smallest candidate set worth clustering.
const MinCandidates = 3

var baseEps = map[Tier]float64{
	TierLight:    0.02,
	TierModerate: 0.015,
	TierHeavy:    0.012,
	TierExtreme:  0.008,
}

// Cluster is a maximal group of same-band samples. Distances[i] is the degree-space
// distance of Points[i] from the radar origin.
type Cluster struct {
	BandIndex int
	Index     int
	Points    []models.ReflectivitySample
	Distances []float64
}

// MeanDistance returns the average member distance from the radar.
func (c Cluster) MeanDistance() float64 {
	if len(c.Distances) == 0 {
		return 0
	}
	sum := 0.0
	for _, d := range c.Distances {
		sum += d
	}
	return sum / float64(len(c.Distances))
}

// BandResult is the outcome of clustering one band.
type BandResult struct {
	Band       Band
	BandIndex  int
	Candidates int
	Params     Params
	Clusters   []Cluster
	Noise      int
}

// Engine clusters samples band by band.
type Engine struct {
	bands  []Band
	logger *zap.Logger
}

// NewEngine returns an Engine over bands (ascending by MinDbz). Nil bands selects
// DefaultBands; a nil logger disables logging.
func NewEngine(bands []Band, logger *zap.Logger) *Engine {
	if bands == nil {
		bands = DefaultBands
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{bands: bands, logger: logger}
}

// Bands returns the configured bands in ascending order.
func (e *Engine) Bands() []Band {
	return e.bands
}

// Candidates returns every sample at or above the band's minimum, including samples
// that also qualify for higher bands.
func Candidates(points []models.ReflectivitySample, band Band) []models.ReflectivitySample {
	var out []models.ReflectivitySample
	for _, p := range points {
		if p.Value >= band.MinDbz {
			out = append(out, p)
		}
	}
	return out
}

// DistanceFactor scales eps by distance from the radar: 1x within 1 degree, 1.5x
// within 2 degrees, 2x beyond.
func DistanceFactor(d float64) float64 {
	switch {
	case d <= NearDistance:
		return 1.0
	case d <= MediumDistance:
		return 1.5
	default:
		return 2.0
	}
}

// AdaptiveParams picks eps and minimum samples for a band pass. One eps is used for the
// whole pass: the largest adaptive value among the candidates.
func AdaptiveParams(band Band, distances []float64) Params {
	tier := TierFor(band.MinDbz)
	maxFactor := 1.0
	for _, d := range distances {
		if f := DistanceFactor(d); f > maxFactor {
			maxFactor = f
		}
	}
	return Params{
		Eps:    baseEps[tier] * maxFactor,
		MinPts: minSamples(tier, len(distances)),
	}
}

func minSamples(tier Tier, n int) int {
	switch tier {
	case TierLight:
		return clamp(n/100, 3, 8)
	case TierModerate:
		return 3
	default:
		return 2
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ClusterBand clusters the candidates of bands[bandIndex]. Bands with fewer than
// MinCandidates candidates yield no clusters; noise points are counted and dropped.
func (e *Engine) ClusterBand(points []models.ReflectivitySample, bandIndex int, radarLat, radarLon float64) BandResult {
	band := e.bands[bandIndex]
	cands := Candidates(points, band)
	res := BandResult{Band: band, BandIndex: bandIndex, Candidates: len(cands)}
	if len(cands) < MinCandidates {
		return res
	}

	xs := make([]float64, len(cands))
	ys := make([]float64, len(cands))
	dists := make([]float64, len(cands))
	for i, p := range cands {
		xs[i], ys[i] = p.Lon, p.Lat
		dists[i] = distance(p.Lat, p.Lon, radarLat, radarLon)
	}
	res.Params = AdaptiveParams(band, dists)

	labels := DBSCAN(xs, ys, res.Params)
	byLabel := make(map[int]int)
	for i, l := range labels {
		if l == Noise {
			res.Noise++
			continue
		}
		ci, ok := byLabel[l]
		if !ok {
			ci = len(res.Clusters)
			byLabel[l] = ci
			res.Clusters = append(res.Clusters, Cluster{BandIndex: bandIndex, Index: ci})
		}
		res.Clusters[ci].Points = append(res.Clusters[ci].Points, cands[i])
		res.Clusters[ci].Distances = append(res.Clusters[ci].Distances, dists[i])
	}

	e.logger.Debug("band clustered",
		zap.String("band", band.Label),
		zap.Int("candidates", len(cands)),
		zap.Float64("eps", res.Params.Eps),
		zap.Int("min_samples", res.Params.MinPts),
		zap.Int("clusters", len(res.Clusters)),
		zap.Int("noise", res.Noise))
	return res
}

// Run clusters every band from the highest minimum to the lowest.
func (e *Engine) Run(points []models.ReflectivitySample, radarLat, radarLon float64) []BandResult {
	out := make([]BandResult, 0, len(e.bands))
	for i := len(e.bands) - 1; i >= 0; i-- {
		out = append(out, e.ClusterBand(points, i, radarLat, radarLon))
	}
	return out
}
