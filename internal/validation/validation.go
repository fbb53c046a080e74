// Package validation parses and checks request parameters. Every error wraps
// models.ErrInvalidParameter so handlers map it to 400 INVALID_PARAMETER.
package validation

import (
	"errors"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"

	"github.com/kjstillabower/radar-overlay-service/internal/models"
	"github.com/kjstillabower/radar-overlay-service/internal/overlay"
)

// ErrSiteInvalid is returned when a site is not a four character ICAO radar identifier.
var ErrSiteInvalid = errors.New("site must be a 4 character radar identifier")

// MaxRangeKm bounds radar_bounds requests; NEXRAD reflectivity does not reach past it.
const MaxRangeKm = 1000.0

// ValidateSite trims and upper-cases a site code. Empty input returns "" and no error;
// callers substitute the default site.
func ValidateSite(input string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(input))
	if s == "" {
		return "", nil
	}
	if len(s) != 4 {
		return "", fmt.Errorf("%w: %w", models.ErrInvalidParameter, ErrSiteInvalid)
	}
	for _, c := range s {
		if (c < 'A' || c > 'Z') && (c < '0' || c > '9') {
			return "", fmt.Errorf("%w: %w", models.ErrInvalidParameter, ErrSiteInvalid)
		}
	}
	return s, nil
}

// OverlayParams reads elev, threshold and density from q, falling back to defaults
// for absent keys, and validates the result.
func OverlayParams(q url.Values, defaults overlay.Params) (overlay.Params, error) {
	p := defaults
	var err error
	if p.Elevation, err = Float(q, "elev", defaults.Elevation); err != nil {
		return overlay.Params{}, err
	}
	if p.MinDbz, err = Float(q, "threshold", defaults.MinDbz); err != nil {
		return overlay.Params{}, err
	}
	if p.Stride, err = Int(q, "density", defaults.Stride); err != nil {
		return overlay.Params{}, err
	}
	if err := p.Validate(); err != nil {
		return overlay.Params{}, err
	}
	return p, nil
}

// RangeKm reads range_km, which must lie in (0, MaxRangeKm].
func RangeKm(q url.Values, def float64) (float64, error) {
	r, err := Float(q, "range_km", def)
	if err != nil {
		return 0, err
	}
	if !(r > 0) || r > MaxRangeKm {
		return 0, fmt.Errorf("%w: range_km must be within (0, %g], got %v", models.ErrInvalidParameter, MaxRangeKm, r)
	}
	return r, nil
}

// Float parses a finite float query value.
func Float(q url.Values, name string, def float64) (float64, error) {
	raw := strings.TrimSpace(q.Get(name))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w: %s must be a number, got %q", models.ErrInvalidParameter, name, raw)
	}
	return v, nil
}

// Int parses an integer query value.
func Int(q url.Values, name string, def int) (int, error) {
	raw := strings.TrimSpace(q.Get(name))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer, got %q", models.ErrInvalidParameter, name, raw)
	}
	return v, nil
}

// Flag reports whether a boolean-ish query value is set ("1", "true", "yes").
func Flag(q url.Values, name string) bool {
	switch strings.ToLower(strings.TrimSpace(q.Get(name))) {
	case "1", "true", "yes":
		return true
	}
	return false
}
