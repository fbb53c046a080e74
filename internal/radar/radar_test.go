package radar

import (
	"errors"
	"math"
	"testing"

	"github.com/kjstillabower/radar-overlay-service/internal/models"
	"github.com/kjstillabower/radar-overlay-service/internal/volume"
)

const (
	kmobLat = 30.6794
	kmobLon = -88.2397
)

func TestProject_Cardinals(t *testing.T) {
	sw := volume.Sweep{
		Azimuths:     []float64{0, 90, 180, 270},
		Ranges:       []float64{0, MetersPerDegree},
		Reflectivity: volume.NewField(4, 2),
	}
	g := Project(sw, kmobLat, kmobLon)
	if g.Rows != 4 || g.Cols != 2 {
		t.Fatalf("grid = %dx%d, want 4x2", g.Rows, g.Cols)
	}
	lonDeg := 1 / math.Cos(kmobLat*math.Pi/180)
	tests := []struct {
		row     int
		wantLat float64
		wantLon float64
	}{
		{0, kmobLat + 1, kmobLon},
		{1, kmobLat, kmobLon + lonDeg},
		{2, kmobLat - 1, kmobLon},
		{3, kmobLat, kmobLon - lonDeg},
	}
	for _, tt := range tests {
		lat, lon := g.At(tt.row, 1)
		if math.Abs(lat-tt.wantLat) > 1e-9 || math.Abs(lon-tt.wantLon) > 1e-9 {
			t.Errorf("row %d: (%v,%v), want (%v,%v)", tt.row, lat, lon, tt.wantLat, tt.wantLon)
		}
		lat0, lon0 := g.At(tt.row, 0)
		if lat0 != kmobLat || lon0 != kmobLon {
			t.Errorf("row %d range 0: (%v,%v), want radar origin", tt.row, lat0, lon0)
		}
	}
}

// TestProject_ClipsToCommonShape verifies mismatched azimuth/range/field sizes are
// clipped to the minimum common shape.
func TestProject_ClipsToCommonShape(t *testing.T) {
	tests := []struct {
		name                 string
		azimuths, ranges     int
		fieldRows, fieldCols int
		wantRows, wantCols   int
	}{
		{"extra azimuth", 5, 3, 4, 3, 4, 3},
		{"extra field rows", 3, 3, 5, 3, 3, 3},
		{"short ranges", 4, 2, 4, 6, 4, 2},
		{"no ranges", 4, 0, 4, 0, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sw := volume.Sweep{
				Azimuths:     make([]float64, tt.azimuths),
				Ranges:       make([]float64, tt.ranges),
				Reflectivity: volume.NewField(tt.fieldRows, tt.fieldCols),
			}
			g := Project(sw, kmobLat, kmobLon)
			if g.Rows != tt.wantRows || g.Cols != tt.wantCols {
				t.Errorf("grid = %dx%d, want %dx%d", g.Rows, g.Cols, tt.wantRows, tt.wantCols)
			}
			if g.Rows > sw.Reflectivity.Rows || g.Cols > sw.Reflectivity.Cols {
				t.Error("grid exceeds reflectivity shape")
			}
			// Filter must not index past either array.
			if _, err := Filter(sw, g, -100, 1); err != nil {
				t.Errorf("Filter() error = %v", err)
			}
		})
	}
}

func TestColorFor(t *testing.T) {
	tests := []struct {
		dbz  float64
		want string
	}{
		{-30, "#000000"},
		{-10, "#9C9C9C"},
		{0, "#00ECEC"},
		{4.99, "#00ECEC"},
		{5, "#019FF4"},
		{9.999, "#019FF4"},
		{10, "#0300F4"},
		{35, "#E5BC00"},
		{64.9, "#FD00FD"},
		{65, "#9854C6"},
		{80, "#9854C6"},
	}
	for _, tt := range tests {
		if got := ColorFor(tt.dbz); got != tt.want {
			t.Errorf("ColorFor(%v) = %s, want %s", tt.dbz, got, tt.want)
		}
		if ColorFor(tt.dbz) != ColorFor(tt.dbz) {
			t.Errorf("ColorFor(%v) not deterministic", tt.dbz)
		}
	}
}

// TestFilter_ThresholdStrideAndMask verifies no sub-threshold or masked cell leaks
// through and that the stride applies in both dimensions.
func TestFilter_ThresholdStrideAndMask(t *testing.T) {
	grid := [][]float64{
		{40, 5, 20, 30},
		{50, 60, 70, 80},
		{7, 6, 8, 9},
		{10, 11, 12, 13},
	}
	mask := [][]bool{
		{true, true, false, true},
		{true, true, true, true},
		{true, true, true, true},
		{true, true, true, true},
	}
	sw := volume.Sweep{
		Azimuths:     []float64{0, 90, 180, 270},
		Ranges:       []float64{1000, 2000, 3000, 4000},
		Reflectivity: volume.FieldFromGrid(grid, mask),
	}
	g := Project(sw, kmobLat, kmobLon)

	tests := []struct {
		name      string
		minDbz    float64
		stride    int
		wantCount int
	}{
		{"all valid above 7", 7, 1, 13},
		{"stride 2", 7, 2, 3}, // (0,0)=40, (0,2) masked, (2,0)=7, (2,2)=8
		{"high threshold", 55, 1, 3},
		{"nothing qualifies", 90, 1, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pts, err := Filter(sw, g, tt.minDbz, tt.stride)
			if err != nil {
				t.Fatalf("Filter() error = %v", err)
			}
			if len(pts) != tt.wantCount {
				t.Errorf("Filter() returned %d points, want %d", len(pts), tt.wantCount)
			}
			for _, p := range pts {
				if p.Value < tt.minDbz {
					t.Errorf("sample %v below threshold %v", p.Value, tt.minDbz)
				}
				if p.Color != ColorFor(p.Value) {
					t.Errorf("sample color %s, want %s", p.Color, ColorFor(p.Value))
				}
			}
		})
	}
}

func TestFilter_InvalidStride(t *testing.T) {
	for _, stride := range []int{0, -1} {
		_, err := Filter(volume.Sweep{}, Grid{}, 7, stride)
		if !errors.Is(err, models.ErrInvalidParameter) {
			t.Errorf("Filter(stride=%d) error = %v, want ErrInvalidParameter", stride, err)
		}
	}
}

// TestGetBounds verifies the box is symmetric, uses the flat-Earth constant and is
// bit-identical across calls.
func TestGetBounds(t *testing.T) {
	b1 := GetBounds(kmobLat, kmobLon, 230)
	b2 := GetBounds(kmobLat, kmobLon, 230)
	if b1 != b2 {
		t.Errorf("GetBounds not idempotent: %+v vs %+v", b1, b2)
	}
	wantDLat := 230000 / MetersPerDegree
	if math.Abs((b1.North-kmobLat)-wantDLat) > 1e-12 || math.Abs((kmobLat-b1.South)-wantDLat) > 1e-12 {
		t.Errorf("lat extent = %v/%v, want %v", b1.North-kmobLat, kmobLat-b1.South, wantDLat)
	}
	if !(b1.East > kmobLon && b1.West < kmobLon) {
		t.Errorf("east/west not around radar: %+v", b1)
	}
	if (b1.East - kmobLon) <= wantDLat {
		t.Error("longitude extent should exceed latitude extent away from the equator")
	}
}
