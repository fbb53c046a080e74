// Package volume holds the in-memory representation of a decoded radar volume and the
// decoder adapter that produces it from archive bytes.
package volume

import (
	"fmt"
	"time"

	"github.com/kjstillabower/radar-overlay-service/internal/models"
)

// Decoder turns raw (possibly gzip-compressed) archive bytes into a Volume.
// Failures are returned as *DecodeError.
type Decoder interface {
	Decode(data []byte) (*Volume, error)
}

// DecodeError reports archive bytes the decoder could not read.
// It matches models.ErrDecodeFailure with errors.Is.
type DecodeError struct {
	Op  string
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.Op, e.Err)
}

func (e *DecodeError) Unwrap() []error {
	return []error{models.ErrDecodeFailure, e.Err}
}

// Field is a 2-D grid indexed [ray][gate] with a validity mask of the same shape.
// Invalid cells carry no echo or fall outside the sampled range.
type Field struct {
	Rows   int
	Cols   int
	Values []float64
	Valid  []bool
}

// NewField allocates an all-invalid field.
func NewField(rows, cols int) Field {
	return Field{
		Rows:   rows,
		Cols:   cols,
		Values: make([]float64, rows*cols),
		Valid:  make([]bool, rows*cols),
	}
}

// FieldFromGrid builds a field from row slices. A nil mask marks every cell valid.
// Ragged rows are padded with invalid cells up to the longest row.
func FieldFromGrid(grid [][]float64, mask [][]bool) Field {
	cols := 0
	for _, row := range grid {
		if len(row) > cols {
			cols = len(row)
		}
	}
	f := NewField(len(grid), cols)
	for r, row := range grid {
		for c, v := range row {
			valid := true
			if mask != nil {
				valid = r < len(mask) && c < len(mask[r]) && mask[r][c]
			}
			f.Values[r*cols+c] = v
			f.Valid[r*cols+c] = valid
		}
	}
	return f
}

// At returns the value at (row, col) and whether it is valid. Out-of-range is invalid.
func (f Field) At(row, col int) (float64, bool) {
	if row < 0 || col < 0 || row >= f.Rows || col >= f.Cols {
		return 0, false
	}
	i := row*f.Cols + col
	return f.Values[i], f.Valid[i]
}

// Set stores a valid value at (row, col).
func (f *Field) Set(row, col int, v float64) {
	i := row*f.Cols + col
	f.Values[i] = v
	f.Valid[i] = true
}

// Sweep is one elevation of a volume.
type Sweep struct {
	Index        int
	FixedAngle   float64
	Azimuths     []float64
	Ranges       []float64
	StartRay     int
	EndRay       int
	Reflectivity Field
}

// HasReflectivity reports whether the sweep carried a reflectivity moment at all.
// Split-cut Doppler sweeps at the lowest tilts do not.
func (s Sweep) HasReflectivity() bool {
	return s.Reflectivity.Cols > 0 && len(s.Ranges) > 0
}

// Volume is a decoded archive: site, nominal scan time and its sweeps in scan order.
type Volume struct {
	Site   string
	Time   time.Time
	Sweeps []Sweep
}

// SweepCount returns the number of sweeps.
func (v *Volume) SweepCount() int {
	return len(v.Sweeps)
}

// FixedAngles returns the nominal tilt of each sweep in scan order.
func (v *Volume) FixedAngles() []float64 {
	out := make([]float64, len(v.Sweeps))
	for i, s := range v.Sweeps {
		out[i] = s.FixedAngle
	}
	return out
}

// Sweep returns sweep i in scan order.
func (v *Volume) Sweep(i int) (Sweep, error) {
	if i < 0 || i >= len(v.Sweeps) {
		return Sweep{}, fmt.Errorf("%w: sweep index %d out of range [0,%d)", models.ErrInvalidParameter, i, len(v.Sweeps))
	}
	return v.Sweeps[i], nil
}

// ReflectivityField returns the reflectivity grid and mask of sweep i.
func (v *Volume) ReflectivityField(i int) (Field, error) {
	if i < 0 || i >= len(v.Sweeps) {
		return Field{}, fmt.Errorf("%w: sweep index %d out of range [0,%d)", models.ErrInvalidParameter, i, len(v.Sweeps))
	}
	return v.Sweeps[i].Reflectivity, nil
}
