// Package geometry validates input field polygons before any crop or export work.
package geometry

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"

	"github.com/dabom10/Nong-View/internal/core/model"
)

const minRingPoints = 4

// Validate runs the checks in order (closure, vertex count, topology, area)
// and returns every distinct failure. An empty slice means valid.
func Validate(g model.Geometry) []string {
	var errs []string
	add := func(msg string) {
		for _, e := range errs {
			if e == msg {
				return
			}
		}
		errs = append(errs, msg)
	}

	if g.GeometryType != "" && g.GeometryType != "Polygon" {
		add(fmt.Sprintf("unsupported geometry type %q (want Polygon)", g.GeometryType))
	}
	if len(g.Coordinates) == 0 || len(g.Coordinates[0]) == 0 {
		add("polygon has no exterior ring")
		return errs
	}
	shell := g.Coordinates[0]

	if !shell.Closed() {
		add("exterior ring is not closed (first point != last point)")
	}
	if len(shell) < minRingPoints {
		add(fmt.Sprintf("exterior ring needs at least %d points, got %d", minRingPoints, len(shell)))
	}

	poly := closedPolygon(g.Coordinates)
	if len(dedupe(poly[0])) < minRingPoints {
		add("polygon is empty or degenerate")
		add("area must be greater than zero")
		return errs
	}
	for _, reason := range topologyErrors(poly) {
		add(reason)
	}
	if a := Area(poly); !(a > 0) {
		add("area must be greater than zero")
	}
	return errs
}

// ValidateAll validates a batch; each message is prefixed with the geometry index.
func ValidateAll(gs []model.Geometry) []string {
	var out []string
	for i, g := range gs {
		for _, e := range Validate(g) {
			out = append(out, fmt.Sprintf("geometry %d: %s", i, e))
		}
	}
	return out
}

// Area returns the planar area of p (shell minus holes) in CRS units.
func Area(p orb.Polygon) float64 {
	return math.Abs(planar.Area(closedPolygon(p)))
}

// ToPolygon converts an input geometry into a closed orb polygon.
func ToPolygon(g model.Geometry) orb.Polygon {
	return closedPolygon(g.Coordinates)
}

func closedPolygon(rings []orb.Ring) orb.Polygon {
	out := make(orb.Polygon, 0, len(rings))
	for _, r := range rings {
		cp := make(orb.Ring, len(r), len(r)+1)
		copy(cp, r)
		if len(cp) > 0 && !cp.Closed() {
			cp = append(cp, cp[0])
		}
		out = append(out, cp)
	}
	return out
}

// drops consecutive duplicate points
func dedupe(r orb.Ring) orb.Ring {
	out := make(orb.Ring, 0, len(r))
	for i, p := range r {
		if i > 0 && p.Equal(r[i-1]) {
			continue
		}
		out = append(out, p)
	}
	return out
}

func topologyErrors(p orb.Polygon) []string {
	var errs []string
	for ri, r := range p {
		for _, pt := range r {
			if math.IsNaN(pt[0]) || math.IsNaN(pt[1]) || math.IsInf(pt[0], 0) || math.IsInf(pt[1], 0) {
				errs = append(errs, "polygon has non-finite coordinates")
				return errs
			}
		}
		if ri > 0 && len(dedupe(r)) < minRingPoints {
			errs = append(errs, fmt.Sprintf("hole %d has fewer than %d distinct points", ri-1, minRingPoints-1))
			continue
		}
		if ringSelfIntersects(dedupe(r)) {
			if ri == 0 {
				errs = append(errs, "exterior ring self-intersects")
			} else {
				errs = append(errs, fmt.Sprintf("hole %d self-intersects", ri-1))
			}
		}
	}
	shell := dedupe(p[0])
	for hi := 1; hi < len(p); hi++ {
		hole := dedupe(p[hi])
		if len(hole) < minRingPoints {
			continue
		}
		if ringsCross(shell, hole) {
			errs = append(errs, fmt.Sprintf("hole %d intersects the exterior ring", hi-1))
			continue
		}
		if !planar.RingContains(shell, hole[0]) {
			errs = append(errs, fmt.Sprintf("hole %d lies outside the exterior ring", hi-1))
		}
		for hj := hi + 1; hj < len(p); hj++ {
			other := dedupe(p[hj])
			if len(other) >= minRingPoints && ringsCross(hole, other) {
				errs = append(errs, fmt.Sprintf("holes %d and %d intersect", hi-1, hj-1))
			}
		}
	}
	return errs
}

// ring must be closed and free of consecutive duplicates
func ringSelfIntersects(r orb.Ring) bool {
	n := len(r) - 1 // segment count
	for i := 0; i < n; i++ {
		a1, a2 := r[i], r[i+1]
		for j := i + 1; j < n; j++ {
			b1, b2 := r[j], r[j+1]
			adjacent := j == i+1 || (i == 0 && j == n-1)
			if adjacent {
				if collinearOverlap(a1, a2, b1, b2) {
					return true
				}
				continue
			}
			if segmentsIntersect(a1, a2, b1, b2) {
				return true
			}
		}
	}
	return false
}

func ringsCross(a, b orb.Ring) bool {
	for i := 0; i+1 < len(a); i++ {
		for j := 0; j+1 < len(b); j++ {
			if segmentsIntersect(a[i], a[i+1], b[j], b[j+1]) {
				return true
			}
		}
	}
	return false
}

func orient(a, b, c orb.Point) float64 {
	return (b[0]-a[0])*(c[1]-a[1]) - (b[1]-a[1])*(c[0]-a[0])
}

func onSegment(a, b, p orb.Point) bool {
	return math.Min(a[0], b[0]) <= p[0] && p[0] <= math.Max(a[0], b[0]) &&
		math.Min(a[1], b[1]) <= p[1] && p[1] <= math.Max(a[1], b[1])
}

// true when the closed segments share at least one point
func segmentsIntersect(p1, p2, q1, q2 orb.Point) bool {
	d1 := orient(q1, q2, p1)
	d2 := orient(q1, q2, p2)
	d3 := orient(p1, p2, q1)
	d4 := orient(p1, p2, q2)
	if ((d1 > 0 && d2 < 0) || (d1 < 0 && d2 > 0)) && ((d3 > 0 && d4 < 0) || (d3 < 0 && d4 > 0)) {
		return true
	}
	switch {
	case d1 == 0 && onSegment(q1, q2, p1):
		return true
	case d2 == 0 && onSegment(q1, q2, p2):
		return true
	case d3 == 0 && onSegment(p1, p2, q1):
		return true
	case d4 == 0 && onSegment(p1, p2, q2):
		return true
	}
	return false
}

// adjacent segments a1-a2, a2-b2 (sharing a2 == b1) folding back onto each other
func collinearOverlap(a1, a2, b1, b2 orb.Point) bool {
	var shared, x, y orb.Point
	switch {
	case a2.Equal(b1):
		shared, x, y = a2, a1, b2
	case a1.Equal(b2):
		shared, x, y = a1, a2, b1
	default:
		return false
	}
	if orient(shared, x, y) != 0 {
		return false
	}
	// spike: both other ends lie on the same side of the shared vertex
	dx1, dy1 := x[0]-shared[0], x[1]-shared[1]
	dx2, dy2 := y[0]-shared[0], y[1]-shared[1]
	return dx1*dx2+dy1*dy2 > 0
}
