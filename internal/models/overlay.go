package models

import "time"

// ReflectivitySample is one qualifying grid cell projected to geographic coordinates.
type ReflectivitySample struct {
	Lat   float64 `json:"lat"`
	Lon   float64 `json:"lon"`
	Value float64 `json:"value"`
	Color string  `json:"color"`
}

// ContourPolygon is a single smoothed band polygon derived from one cluster.
// Ring is closed (first vertex repeated last) and stored as [lat, lon] pairs.
type ContourPolygon struct {
	ID              string       `json:"id"`
	Band            string       `json:"band"`
	Color           string       `json:"color"`
	BackgroundColor string       `json:"backgroundColor"`
	MinDbz          float64      `json:"minDbz"`
	MaxDbz          float64      `json:"maxDbz"`
	PointCount      int          `json:"pointCount"`
	Ring            [][2]float64 `json:"ring"`
}

// FilterInfo echoes the parameters used to produce the point list.
type FilterInfo struct {
	MinDbz     float64 `json:"minDbz"`
	Density    int     `json:"density"`
	PointCount int     `json:"pointCount"`
}

// OverlayResult is the output of one pipeline run. Treat as immutable once built.
type OverlayResult struct {
	VolumeID   string               `json:"volumeId"`
	Site       string               `json:"site"`
	Timestamp  time.Time            `json:"timestamp"`
	Elevation  float64              `json:"elevation"`
	RadarLat   float64              `json:"radarLat"`
	RadarLon   float64              `json:"radarLon"`
	Points     []ReflectivitySample `json:"points"`
	Polygons   []ContourPolygon     `json:"polygons"`
	FilterInfo FilterInfo           `json:"filterInfo"`
}

// Bounds is a static bounding box around the radar.
type Bounds struct {
	North float64 `json:"north"`
	South float64 `json:"south"`
	East  float64 `json:"east"`
	West  float64 `json:"west"`
}
