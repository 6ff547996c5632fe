// Package crs holds the coordinate reference systems the service can
// reproject between and builds cached point pipelines for CRS pairs.
package crs

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/project"
)

// Projection maps geographic lon/lat degrees to the CRS plane and back.
type Projection interface {
	Forward(lonlat orb.Point) (orb.Point, error)
	Inverse(xy orb.Point) (orb.Point, error)
}

// Definition describes one registered CRS.
type Definition struct {
	Code       int
	Name       string
	Geographic bool
	proj       Projection
}

// ID returns the canonical "EPSG:<code>" form.
func (d Definition) ID() string { return fmt.Sprintf("EPSG:%d", d.Code) }

const (
	grs80A = 6378137.0
	grs80F = 1 / 298.257222101
	wgs84F = 1 / 298.257223563
)

// Korea 2000 (GRS80) is treated as coincident with WGS84; the datum offset is
// below a centimetre and no grid shift is applied.
var registry = map[int]Definition{
	4326:  {Code: 4326, Name: "WGS 84", Geographic: true, proj: geographic{}},
	3857:  {Code: 3857, Name: "WGS 84 / Pseudo-Mercator", proj: webMercator{}},
	5179:  {Code: 5179, Name: "Korea 2000 / Unified CS", proj: newTM(grs80A, grs80F, 38, 127.5, 0.9996, 1000000, 2000000)},
	5185:  {Code: 5185, Name: "Korea 2000 / West Belt 2010", proj: newTM(grs80A, grs80F, 38, 125, 1, 200000, 600000)},
	5186:  {Code: 5186, Name: "Korea 2000 / Central Belt 2010", proj: newTM(grs80A, grs80F, 38, 127, 1, 200000, 600000)},
	5187:  {Code: 5187, Name: "Korea 2000 / East Belt 2010", proj: newTM(grs80A, grs80F, 38, 129, 1, 200000, 600000)},
	5188:  {Code: 5188, Name: "Korea 2000 / East Sea Belt 2010", proj: newTM(grs80A, grs80F, 38, 131, 1, 200000, 600000)},
	32651: {Code: 32651, Name: "WGS 84 / UTM zone 51N", proj: newTM(grs80A, wgs84F, 0, 123, 0.9996, 500000, 0)},
	32652: {Code: 32652, Name: "WGS 84 / UTM zone 52N", proj: newTM(grs80A, wgs84F, 0, 129, 0.9996, 500000, 0)},
}

// ParseCode accepts "EPSG:5186", "epsg:5186", "5186" and the OGC URN form.
func ParseCode(s string) (int, error) {
	v := strings.TrimSpace(s)
	up := strings.ToUpper(v)
	switch {
	case strings.HasPrefix(up, "URN:OGC:DEF:CRS:EPSG:"):
		v = v[strings.LastIndex(v, ":")+1:]
	case strings.HasPrefix(up, "EPSG:"):
		v = v[len("EPSG:"):]
	}
	code, err := strconv.Atoi(v)
	if err != nil || code <= 0 {
		return 0, fmt.Errorf("invalid CRS identifier %q", s)
	}
	return code, nil
}

// Lookup resolves a CRS identifier against the registry.
func Lookup(id string) (Definition, error) {
	code, err := ParseCode(id)
	if err != nil {
		return Definition{}, err
	}
	d, ok := registry[code]
	if !ok {
		return Definition{}, fmt.Errorf("unsupported CRS EPSG:%d", code)
	}
	return d, nil
}

// Normalize returns the canonical id for a supported CRS.
func Normalize(id string) (string, error) {
	d, err := Lookup(id)
	if err != nil {
		return "", err
	}
	return d.ID(), nil
}

// Supported lists registered codes in ascending order.
func Supported() []int {
	out := make([]int, 0, len(registry))
	for c := range registry {
		out = append(out, c)
	}
	sort.Ints(out)
	return out
}

type geographic struct{}

func (geographic) Forward(p orb.Point) (orb.Point, error) { return checkLonLat(p) }
func (geographic) Inverse(p orb.Point) (orb.Point, error) { return checkLonLat(p) }

// web mercator is undefined at the poles
const maxMercatorLat = 85.05112878

type webMercator struct{}

func (webMercator) Forward(p orb.Point) (orb.Point, error) {
	if _, err := checkLonLat(p); err != nil {
		return orb.Point{}, err
	}
	if math.Abs(p[1]) > maxMercatorLat {
		return orb.Point{}, fmt.Errorf("latitude %.6f outside mercator range", p[1])
	}
	return project.WGS84.ToMercator(p), nil
}

func (webMercator) Inverse(p orb.Point) (orb.Point, error) {
	if !finite(p) {
		return orb.Point{}, fmt.Errorf("non-finite coordinate %v", p)
	}
	return project.Mercator.ToWGS84(p), nil
}

func checkLonLat(p orb.Point) (orb.Point, error) {
	if !finite(p) {
		return orb.Point{}, fmt.Errorf("non-finite coordinate %v", p)
	}
	if p[1] < -90 || p[1] > 90 {
		return orb.Point{}, fmt.Errorf("latitude %.6f out of range", p[1])
	}
	return p, nil
}

func finite(p orb.Point) bool {
	return !math.IsNaN(p[0]) && !math.IsNaN(p[1]) && !math.IsInf(p[0], 0) && !math.IsInf(p[1], 0)
}
