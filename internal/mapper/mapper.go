// Package mapper tags geographic positions with H3 cells so crops and
// exported layers can be indexed spatially by downstream consumers.
package mapper

import "github.com/paulmach/orb"

type Interface interface {
	// CellForPoint expects lon/lat degrees.
	CellForPoint(lonlat orb.Point, res int) (string, error)
	// Cover expects a lon/lat geometry and returns sorted unique cells.
	Cover(g orb.Geometry, res int) ([]string, error)
}
