// Package radar converts a decoded sweep into geographic samples: flat-Earth projection,
// threshold filtering and the display color table.
package radar

import (
	"math"

	"github.com/kjstillabower/radar-overlay-service/internal/models"
	"github.com/kjstillabower/radar-overlay-service/internal/volume"
)

// MetersPerDegree is the flat-Earth conversion used for projection and bounds.
// Valid only within the radar's operational range (about 230 km).
const MetersPerDegree = 111320.0

// Grid holds latitude/longitude per (ray, gate), aligned with the sweep's field.
type Grid struct {
	Rows int
	Cols int
	Lat  []float64
	Lon  []float64
}

// At returns the coordinates of (row, col).
func (g Grid) At(row, col int) (lat, lon float64) {
	i := row*g.Cols + col
	return g.Lat[i], g.Lon[i]
}

// Project converts every (azimuth, range) pair of the sweep to lat/lon around the radar.
// The grid is clipped to the common shape of azimuths, ranges and the reflectivity field.
func Project(sw volume.Sweep, radarLat, radarLon float64) Grid {
	rows := minInt(len(sw.Azimuths), sw.Reflectivity.Rows)
	cols := minInt(len(sw.Ranges), sw.Reflectivity.Cols)
	if rows <= 0 || cols <= 0 {
		return Grid{}
	}
	g := Grid{
		Rows: rows,
		Cols: cols,
		Lat:  make([]float64, rows*cols),
		Lon:  make([]float64, rows*cols),
	}
	lonScale := MetersPerDegree * math.Cos(radarLat*math.Pi/180)
	for r := 0; r < rows; r++ {
		az := sw.Azimuths[r] * math.Pi / 180
		sinAz, cosAz := math.Sin(az), math.Cos(az)
		for c := 0; c < cols; c++ {
			rng := sw.Ranges[c]
			i := r*cols + c
			g.Lat[i] = radarLat + rng*cosAz/MetersPerDegree
			g.Lon[i] = radarLon + rng*sinAz/lonScale
		}
	}
	return g
}

// GetBounds returns the bounding box rangeKm around the radar using the same
// flat-Earth conversion as Project.
func GetBounds(radarLat, radarLon, rangeKm float64) models.Bounds {
	rangeM := rangeKm * 1000
	dLat := rangeM / MetersPerDegree
	dLon := rangeM / (MetersPerDegree * math.Cos(radarLat*math.Pi/180))
	return models.Bounds{
		North: radarLat + dLat,
		South: radarLat - dLat,
		East:  radarLon + dLon,
		West:  radarLon - dLon,
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
