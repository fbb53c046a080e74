package radar

import (
	"fmt"

	"github.com/kjstillabower/radar-overlay-service/internal/models"
	"github.com/kjstillabower/radar-overlay-service/internal/volume"
)

// colorBuckets maps reflectivity to display color: the first bucket whose upper bound
// exceeds the value wins, values >= 65 fall through to lastBucketColor.
var colorBuckets = []struct {
	upper float64
	color string
}{
	{-10, "#000000"},
	{0, "#9C9C9C"},
	{5, "#00ECEC"},
	{10, "#019FF4"},
	{15, "#0300F4"},
	{20, "#02FD02"},
	{25, "#01C501"},
	{30, "#008E00"},
	{35, "#FDF802"},
	{40, "#E5BC00"},
	{45, "#FD9500"},
	{50, "#FD0000"},
	{55, "#D40000"},
	{60, "#BC0000"},
	{65, "#FD00FD"},
}

const lastBucketColor = "#9854C6"

// ColorFor returns the display color for a dBZ value. Boundary values map to the
// upper bucket (10.0 is in the 10-15 bucket).
func ColorFor(dbz float64) string {
	for _, b := range colorBuckets {
		if dbz < b.upper {
			return b.color
		}
	}
	return lastBucketColor
}

// Filter walks the grid with the given stride in both dimensions and returns one sample
// per valid cell whose value is at least minDbz.
func Filter(sw volume.Sweep, grid Grid, minDbz float64, stride int) ([]models.ReflectivitySample, error) {
	if stride < 1 {
		return nil, fmt.Errorf("%w: stride must be >= 1, got %d", models.ErrInvalidParameter, stride)
	}
	rows := minInt(grid.Rows, sw.Reflectivity.Rows)
	cols := minInt(grid.Cols, sw.Reflectivity.Cols)

	var out []models.ReflectivitySample
	for r := 0; r < rows; r += stride {
		for c := 0; c < cols; c += stride {
			v, ok := sw.Reflectivity.At(r, c)
			if !ok || v < minDbz {
				continue
			}
			lat, lon := grid.At(r, c)
			out = append(out, models.ReflectivitySample{
				Lat:   lat,
				Lon:   lon,
				Value: v,
				Color: ColorFor(v),
			})
		}
	}
	return out, nil
}
