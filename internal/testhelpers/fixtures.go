// Package testhelpers holds fixtures shared by package tests: synthetic volumes with a
// known reflectivity clump, and in-memory locator and loader fakes.
package testhelpers

import (
	"context"
	"sync"
	"time"

	"github.com/kjstillabower/radar-overlay-service/internal/locator"
	"github.com/kjstillabower/radar-overlay-service/internal/overlay"
	"github.com/kjstillabower/radar-overlay-service/internal/volume"
)

// Mobile is the KMOB radar used throughout the tests.
var Mobile = overlay.Site{Code: "KMOB", Lat: 30.6794, Lon: -88.2397, Location: time.UTC}

// ClumpSweep returns a sweep of five adjacent rays near azimuth 44 degrees and three gates
// near 50 km; the first two gates of every ray hold value dBZ, giving ten qualifying
// cells that form one tight cluster.
func ClumpSweep(fixed, value float64) volume.Sweep {
	f := volume.NewField(5, 3)
	for r := 0; r < 5; r++ {
		f.Set(r, 0, value)
		f.Set(r, 1, value)
	}
	return volume.Sweep{
		FixedAngle:   fixed,
		Azimuths:     []float64{44.0, 44.1, 44.2, 44.3, 44.4},
		Ranges:       []float64{49750, 50000, 50250},
		EndRay:       4,
		Reflectivity: f,
	}
}

// ClumpVolume returns a volume with one 40 dBZ ClumpSweep per fixed angle.
func ClumpVolume(site string, scan time.Time, angles ...float64) *volume.Volume {
	if len(angles) == 0 {
		angles = []float64{0.5}
	}
	v := &volume.Volume{Site: site, Time: scan}
	for i, a := range angles {
		sw := ClumpSweep(a, 40)
		sw.Index = i
		v.Sweeps = append(v.Sweeps, sw)
	}
	return v
}

// StaticLocator returns ID (or Err) for every site and counts calls.
type StaticLocator struct {
	mu    sync.Mutex
	ID    locator.VolumeID
	Err   error
	calls int
}

// LatestNow implements the locator interface of the service and stream packages.
func (l *StaticLocator) LatestNow(ctx context.Context, site string) (locator.VolumeID, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.Err != nil {
		return "", l.Err
	}
	return l.ID, nil
}

// Set replaces the returned id.
func (l *StaticLocator) Set(id locator.VolumeID) {
	l.mu.Lock()
	l.ID = id
	l.mu.Unlock()
}

// Calls returns the number of LatestNow calls.
func (l *StaticLocator) Calls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

// CountingLoader returns Vol (or Err) and records each id it was asked to load. When
// Gate is non-nil every Load blocks until it is closed or ctx ends.
type CountingLoader struct {
	mu    sync.Mutex
	Vol   *volume.Volume
	Err   error
	Gate  chan struct{}
	loads []locator.VolumeID
}

// Load implements the loader interface of the service and stream packages.
func (l *CountingLoader) Load(ctx context.Context, id locator.VolumeID) (*volume.Volume, error) {
	l.mu.Lock()
	l.loads = append(l.loads, id)
	gate, vol, err := l.Gate, l.Vol, l.Err
	l.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return vol, err
}

// Loads returns the number of Load calls.
func (l *CountingLoader) Loads() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.loads)
}
