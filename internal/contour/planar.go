package contour

import (
	"fmt"
	"math"

	"github.com/ctessum/geom"

	"github.com/kjstillabower/radar-overlay-service/internal/models"
)

// DefaultSegments is the vertex count used to approximate a disk.
const DefaultSegments = 32

// PlanarEngine implements Engine with ctessum/geom boolean operations. Buffers are
// built from edge capsules: a rectangle along every edge plus a disk at every vertex,
// unioned with the shape to dilate or subtracted from it to erode.
type PlanarEngine struct {
	Segments int
}

// NewPlanarEngine returns an engine approximating disks with DefaultSegments vertices.
func NewPlanarEngine() *PlanarEngine {
	return &PlanarEngine{Segments: DefaultSegments}
}

func (e *PlanarEngine) segments() int {
	if e.Segments < 8 {
		return DefaultSegments
	}
	return e.Segments
}

// UnionDisks implements Engine.
func (e *PlanarEngine) UnionDisks(centers []Point, radius float64) (MultiPolygon, error) {
	if radius <= 0 || math.IsNaN(radius) {
		return nil, fmt.Errorf("disk radius %v must be positive", radius)
	}
	if len(centers) == 0 {
		return nil, nil
	}
	disks := make([]geom.Polygon, len(centers))
	for i, c := range centers {
		disks[i] = e.disk(c, radius)
	}
	return fromGeom(unionAll(disks)), nil
}

// Simplify implements Engine.
func (e *PlanarEngine) Simplify(mp MultiPolygon, tolerance float64) (MultiPolygon, error) {
	var rings []Ring
	for _, p := range mp {
		simplified := toGeom(MultiPolygon{p}).Simplify(tolerance)
		switch g := simplified.(type) {
		case geom.Polygon:
			rings = append(rings, ringsOf(g)...)
		case geom.MultiPolygon:
			for _, sp := range g {
				rings = append(rings, ringsOf(sp)...)
			}
		default:
			return nil, fmt.Errorf("simplify: unexpected geometry %T", simplified)
		}
	}
	return assembleParts(rings), nil
}

// Buffer implements Engine. Each capsule is merged into (or cut from) the shape in turn.
// A buffer that leaves the area unchanged is a geometry failure.
func (e *PlanarEngine) Buffer(mp MultiPolygon, distance float64) (MultiPolygon, error) {
	if distance == 0 || len(mp) == 0 {
		return mp, nil
	}
	if math.IsNaN(distance) || math.IsInf(distance, 0) {
		return nil, fmt.Errorf("%w: buffer distance %v", models.ErrGeometryFailure, distance)
	}
	d := math.Abs(distance)
	var caps []geom.Polygon
	for _, p := range mp {
		for _, r := range append([]Ring{p.Exterior}, p.Holes...) {
			caps = append(caps, e.capsules(r, d)...)
		}
	}
	if len(caps) == 0 {
		return nil, fmt.Errorf("%w: buffer: no edges", models.ErrGeometryFailure)
	}

	base := toGeom(mp)
	before := base.Area()
	shape := base
	for _, c := range caps {
		if c.Area() <= 0 {
			return nil, fmt.Errorf("%w: buffer: empty capsule", models.ErrGeometryFailure)
		}
		if distance > 0 {
			shape = flatten(shape.Union(c))
		} else {
			shape = flatten(shape.Difference(c))
		}
	}
	after := shape.Area()
	switch {
	case math.IsNaN(after):
		return nil, fmt.Errorf("%w: buffer: invalid area", models.ErrGeometryFailure)
	case distance > 0 && after <= before:
		return nil, fmt.Errorf("%w: dilation left area at %v", models.ErrGeometryFailure, after)
	case distance < 0 && after >= before:
		return nil, fmt.Errorf("%w: erosion left area at %v", models.ErrGeometryFailure, after)
	}
	return fromGeom(shape), nil
}

// disk is rotated half a step so its vertices never land on capsule rectangle corners.
func (e *PlanarEngine) disk(c Point, r float64) geom.Polygon {
	n := e.segments()
	ring := make([]geom.Point, n+1)
	for i := 0; i < n; i++ {
		a := 2 * math.Pi * (float64(i) + 0.5) / float64(n)
		ring[i] = geom.Point{X: c.X + r*math.Cos(a), Y: c.Y + r*math.Sin(a)}
	}
	ring[n] = ring[0]
	return geom.Polygon{ring}
}

// capsules covers every point within d of the ring's boundary: a disk per vertex and a
// rectangle per edge. Rectangles overhang their edge slightly so their short sides are
// never collinear with a neighbouring edge.
func (e *PlanarEngine) capsules(r Ring, d float64) []geom.Polygon {
	r = dropCollinear(r)
	n := len(r)
	out := make([]geom.Polygon, 0, 2*n)
	overhang := d * 1e-3
	for i := 0; i < n; i++ {
		a, b := r[i], r[(i+1)%n]
		out = append(out, e.disk(a, d))
		dx, dy := b.X-a.X, b.Y-a.Y
		l := math.Hypot(dx, dy)
		if l == 0 {
			continue
		}
		ux, uy := dx/l, dy/l
		nx, ny := -uy*d, ux*d
		a0 := Point{X: a.X - ux*overhang, Y: a.Y - uy*overhang}
		b0 := Point{X: b.X + ux*overhang, Y: b.Y + uy*overhang}
		out = append(out, geom.Polygon{{
			{X: a0.X - nx, Y: a0.Y - ny},
			{X: b0.X - nx, Y: b0.Y - ny},
			{X: b0.X + nx, Y: b0.Y + ny},
			{X: a0.X + nx, Y: a0.Y + ny},
			{X: a0.X - nx, Y: a0.Y - ny},
		}})
	}
	return out
}

// dropCollinear removes vertices lying on the segment between their neighbours.
func dropCollinear(r Ring) Ring {
	r = openRing(r)
	if len(r) < 4 {
		return r
	}
	out := make(Ring, 0, len(r))
	n := len(r)
	for i := 0; i < n; i++ {
		prev, cur, next := r[(i+n-1)%n], r[i], r[(i+1)%n]
		cross := (cur.X-prev.X)*(next.Y-cur.Y) - (cur.Y-prev.Y)*(next.X-cur.X)
		scale := math.Hypot(cur.X-prev.X, cur.Y-prev.Y) * math.Hypot(next.X-cur.X, next.Y-cur.Y)
		if scale > 0 && math.Abs(cross) <= 1e-12*scale {
			continue
		}
		out = append(out, cur)
	}
	if len(out) < 3 {
		return r
	}
	return out
}

// unionAll merges polygons pairwise so each boolean operation stays small.
func unionAll(polys []geom.Polygon) geom.Polygon {
	if len(polys) == 0 {
		return nil
	}
	for len(polys) > 1 {
		next := make([]geom.Polygon, 0, (len(polys)+1)/2)
		for i := 0; i < len(polys); i += 2 {
			if i+1 == len(polys) {
				next = append(next, polys[i])
				continue
			}
			next = append(next, flatten(polys[i].Union(polys[i+1])))
		}
		polys = next
	}
	return polys[0]
}

// flatten collects the rings of a boolean result into one even-odd polygon.
func flatten(g geom.Polygonal) geom.Polygon {
	if g == nil {
		return nil
	}
	if p, ok := g.(geom.Polygon); ok {
		return p
	}
	var out geom.Polygon
	for _, p := range g.Polygons() {
		out = append(out, p...)
	}
	return out
}

func toGeom(mp MultiPolygon) geom.Polygon {
	var out geom.Polygon
	add := func(r Ring) {
		if len(r) < 3 {
			return
		}
		path := make([]geom.Point, 0, len(r)+1)
		for _, p := range r {
			path = append(path, geom.Point{X: p.X, Y: p.Y})
		}
		path = append(path, path[0])
		out = append(out, path)
	}
	for _, p := range mp {
		add(p.Exterior)
		for _, h := range p.Holes {
			add(h)
		}
	}
	return out
}

func ringsOf(p geom.Polygon) []Ring {
	rings := make([]Ring, 0, len(p))
	for _, path := range p {
		r := make([]Point, len(path))
		for i, pt := range path {
			r[i] = Point{X: pt.X, Y: pt.Y}
		}
		rings = append(rings, r)
	}
	return rings
}

func fromGeom(p geom.Polygon) MultiPolygon {
	if len(p) == 0 {
		return nil
	}
	return assembleParts(ringsOf(p))
}
