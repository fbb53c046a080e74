package cluster

import (
	"math"

	"github.com/ctessum/geom"
	"github.com/ctessum/geom/index/rtree"
)

// Noise is the label DBSCAN assigns to points that belong to no cluster.
const Noise = -1

const unvisited = -2

// Params holds density-based clustering parameters.
type Params struct {
	Eps    float64 // neighbourhood radius in degrees
	MinPts int     // neighbours (self included) required for a core point
}

// indexedPoint is a geom.Point that remembers its input position.
type indexedPoint struct {
	geom.Point
	idx int
}

// DBSCAN labels each (x, y) with a cluster number starting at 0, or Noise. Core points
// have at least MinPts neighbours within Eps; border points join the first core
// cluster that reaches them.
func DBSCAN(xs, ys []float64, p Params) []int {
	n := len(xs)
	labels := make([]int, n)
	if n == 0 {
		return labels
	}
	tree := rtree.NewTree(25, 50)
	for i := 0; i < n; i++ {
		tree.Insert(&indexedPoint{Point: geom.Point{X: xs[i], Y: ys[i]}, idx: i})
		labels[i] = unvisited
	}

	eps2 := p.Eps * p.Eps
	region := func(i int) []int {
		box := &geom.Bounds{
			Min: geom.Point{X: xs[i] - p.Eps, Y: ys[i] - p.Eps},
			Max: geom.Point{X: xs[i] + p.Eps, Y: ys[i] + p.Eps},
		}
		var out []int
		for _, item := range tree.SearchIntersect(box) {
			q := item.(*indexedPoint)
			dx, dy := q.X-xs[i], q.Y-ys[i]
			if dx*dx+dy*dy <= eps2 {
				out = append(out, q.idx)
			}
		}
		return out
	}

	next := 0
	for i := 0; i < n; i++ {
		if labels[i] != unvisited {
			continue
		}
		neighbours := region(i)
		if len(neighbours) < p.MinPts {
			labels[i] = Noise
			continue
		}
		labels[i] = next
		queue := neighbours
		for k := 0; k < len(queue); k++ {
			j := queue[k]
			if labels[j] == Noise {
				labels[j] = next
			}
			if labels[j] != unvisited {
				continue
			}
			labels[j] = next
			if jn := region(j); len(jn) >= p.MinPts {
				queue = append(queue, jn...)
			}
		}
		next++
	}
	return labels
}

// distance is the Euclidean distance in degree space.
func distance(lat1, lon1, lat2, lon2 float64) float64 {
	return math.Hypot(lat1-lat2, lon1-lon2)
}
