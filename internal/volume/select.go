package volume

import (
	"fmt"
	"math"

	"github.com/kjstillabower/radar-overlay-service/internal/models"
)

const angleTieTolerance = 1e-6

// SelectSweep returns the sweep whose fixed angle is nearest the requested elevation.
// On equal distance a sweep carrying reflectivity wins over one that does not.
func SelectSweep(v *Volume, elevation float64) (Sweep, error) {
	if v == nil || len(v.Sweeps) == 0 {
		return Sweep{}, fmt.Errorf("%w: volume has no sweeps", models.ErrNoDataAvailable)
	}
	best := 0
	bestDiff := math.Abs(v.Sweeps[0].FixedAngle - elevation)
	for i := 1; i < len(v.Sweeps); i++ {
		diff := math.Abs(v.Sweeps[i].FixedAngle - elevation)
		switch {
		case diff < bestDiff-angleTieTolerance:
			best, bestDiff = i, diff
		case math.Abs(diff-bestDiff) <= angleTieTolerance:
			if !v.Sweeps[best].HasReflectivity() && v.Sweeps[i].HasReflectivity() {
				best, bestDiff = i, diff
			}
		}
	}
	return v.Sweeps[best], nil
}
