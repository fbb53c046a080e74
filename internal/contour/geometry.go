package contour

import "math"

// Point is a planar coordinate: X is longitude, Y is latitude (degrees).
type Point struct {
	X, Y float64
}

// Ring is an open vertex sequence; the closing edge from the last vertex back to the
// first is implied.
type Ring []Point

// Polygon is one simple part: an exterior ring and optional holes.
type Polygon struct {
	Exterior Ring
	Holes    []Ring
}

// MultiPolygon is a possibly disjoint set of parts.
type MultiPolygon []Polygon

// Engine is the planar-geometry capability set the contour builder needs.
type Engine interface {
	// UnionDisks returns the union of disks of the given radius around each center.
	UnionDisks(centers []Point, radius float64) (MultiPolygon, error)
	// Simplify removes vertices within tolerance without introducing self-intersections.
	Simplify(mp MultiPolygon, tolerance float64) (MultiPolygon, error)
	// Buffer grows (distance > 0) or shrinks (distance < 0) the shape.
	Buffer(mp MultiPolygon, distance float64) (MultiPolygon, error)
}

// SignedArea is the shoelace area of the ring; positive when counter-clockwise.
func (r Ring) SignedArea() float64 {
	n := len(r)
	if n < 3 {
		return 0
	}
	sum := 0.0
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		sum += r[j].X*r[i].Y - r[i].X*r[j].Y
	}
	return sum / 2
}

// Area is the absolute ring area.
func (r Ring) Area() float64 {
	return math.Abs(r.SignedArea())
}

// Contains reports whether pt lies inside the ring (even-odd rule).
func (r Ring) Contains(pt Point) bool {
	n := len(r)
	if n < 3 {
		return false
	}
	inside := false
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		xi, yi := r[i].X, r[i].Y
		xj, yj := r[j].X, r[j].Y
		if (yi > pt.Y) != (yj > pt.Y) && pt.X < (xj-xi)*(pt.Y-yi)/(yj-yi)+xi {
			inside = !inside
		}
	}
	return inside
}

// Area is the exterior area minus the hole areas.
func (p Polygon) Area() float64 {
	a := p.Exterior.Area()
	for _, h := range p.Holes {
		a -= h.Area()
	}
	return a
}

// Area sums the area of all parts.
func (mp MultiPolygon) Area() float64 {
	a := 0.0
	for _, p := range mp {
		a += p.Area()
	}
	return a
}

// openRing drops a duplicated closing vertex and consecutive duplicates.
func openRing(pts []Point) Ring {
	out := make(Ring, 0, len(pts))
	for _, p := range pts {
		if len(out) > 0 && out[len(out)-1] == p {
			continue
		}
		out = append(out, p)
	}
	if len(out) > 1 && out[0] == out[len(out)-1] {
		out = out[:len(out)-1]
	}
	return out
}

// assembleParts turns an unordered set of boundary rings into parts by nesting depth:
// rings at even depth are exteriors, rings at odd depth are holes of the smallest
// exterior that contains them.
func assembleParts(rings []Ring) MultiPolygon {
	var valid []Ring
	for _, r := range rings {
		r = openRing(r)
		if len(r) >= 3 && r.Area() > 0 {
			valid = append(valid, r)
		}
	}
	depth := make([]int, len(valid))
	for i, r := range valid {
		pt0 := r[0]
		for j, other := range valid {
			if i != j && other.Contains(pt0) {
				depth[i]++
			}
		}
	}

	var parts MultiPolygon
	partOf := make(map[int]int)
	for i, r := range valid {
		if depth[i]%2 == 0 {
			partOf[i] = len(parts)
			parts = append(parts, Polygon{Exterior: r})
		}
	}
	for i, r := range valid {
		if depth[i]%2 == 0 {
			continue
		}
		parent := -1
		for j, ext := range valid {
			if depth[j] != depth[i]-1 || !ext.Contains(r[0]) {
				continue
			}
			if parent < 0 || ext.Area() < valid[parent].Area() {
				parent = j
			}
		}
		if parent >= 0 {
			p := partOf[parent]
			parts[p].Holes = append(parts[p].Holes, r)
		}
	}
	return parts
}
