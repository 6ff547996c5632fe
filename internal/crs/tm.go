package crs

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
)

// transverseMercator implements the Krüger series to fourth order in n.
type transverseMercator struct {
	lon0, k0, fe, fn float64
	sqrtTerm         float64 // 2*sqrt(n)/(1+n)
	bigA             float64
	alpha, beta      [4]float64
	delta            [4]float64
	xi0              float64
}

// maximum longitude offset from the central meridian before the series diverges
const maxTMLonOffset = 60.0

func newTM(a, f, lat0, lon0, k0, fe, fn float64) *transverseMercator {
	n := f / (2 - f)
	n2, n3, n4 := n*n, n*n*n, n*n*n*n
	tm := &transverseMercator{
		lon0:     lon0,
		k0:       k0,
		fe:       fe,
		fn:       fn,
		sqrtTerm: 2 * math.Sqrt(n) / (1 + n),
		bigA:     a / (1 + n) * (1 + n2/4 + n4/64),
		alpha: [4]float64{
			n/2 - 2*n2/3 + 5*n3/16 + 41*n4/180,
			13*n2/48 - 3*n3/5 + 557*n4/1440,
			61*n3/240 - 103*n4/140,
			49561 * n4 / 161280,
		},
		beta: [4]float64{
			n/2 - 2*n2/3 + 37*n3/96 - n4/360,
			n2/48 + n3/15 - 437*n4/1440,
			17*n3/480 - 37*n4/840,
			4397 * n4 / 161280,
		},
		delta: [4]float64{
			2*n - 2*n2/3 - 2*n3 + 116*n4/45,
			7*n2/3 - 8*n3/5 - 227*n4/45,
			56*n3/15 - 136*n4/35,
			4279 * n4 / 630,
		},
	}
	xi, _ := tm.gauss(lat0*math.Pi/180, 0)
	tm.xi0 = xi
	return tm
}

// gauss returns (xi, eta) on the unit sphere scaled by A.
func (tm *transverseMercator) gauss(phi, dlam float64) (float64, float64) {
	s := math.Sin(phi)
	t := math.Sinh(math.Atanh(s) - tm.sqrtTerm*math.Atanh(tm.sqrtTerm*s))
	xiP := math.Atan2(t, math.Cos(dlam))
	etaP := math.Atanh(math.Sin(dlam) / math.Sqrt(1+t*t))
	xi, eta := xiP, etaP
	for j := 0; j < 4; j++ {
		k := float64(2 * (j + 1))
		xi += tm.alpha[j] * math.Sin(k*xiP) * math.Cosh(k*etaP)
		eta += tm.alpha[j] * math.Cos(k*xiP) * math.Sinh(k*etaP)
	}
	return xi, eta
}

func (tm *transverseMercator) Forward(p orb.Point) (orb.Point, error) {
	if _, err := checkLonLat(p); err != nil {
		return orb.Point{}, err
	}
	dlon := p[0] - tm.lon0
	if math.Abs(dlon) > maxTMLonOffset {
		return orb.Point{}, fmt.Errorf("longitude %.6f too far from central meridian %.1f", p[0], tm.lon0)
	}
	xi, eta := tm.gauss(p[1]*math.Pi/180, dlon*math.Pi/180)
	out := orb.Point{
		tm.fe + tm.k0*tm.bigA*eta,
		tm.fn + tm.k0*tm.bigA*(xi-tm.xi0),
	}
	if !finite(out) {
		return orb.Point{}, fmt.Errorf("projection of %v is not finite", p)
	}
	return out, nil
}

// Inverse evaluates the inverse series, then polishes with Newton steps so
// that Forward(Inverse(x)) reproduces x to well below a millimetre.
func (tm *transverseMercator) Inverse(p orb.Point) (orb.Point, error) {
	if !finite(p) {
		return orb.Point{}, fmt.Errorf("non-finite coordinate %v", p)
	}
	xi := (p[1]-tm.fn)/(tm.k0*tm.bigA) + tm.xi0
	eta := (p[0] - tm.fe) / (tm.k0 * tm.bigA)
	xiP, etaP := xi, eta
	for j := 0; j < 4; j++ {
		k := float64(2 * (j + 1))
		xiP -= tm.beta[j] * math.Sin(k*xi) * math.Cosh(k*eta)
		etaP -= tm.beta[j] * math.Cos(k*xi) * math.Sinh(k*eta)
	}
	chi := math.Asin(math.Sin(xiP) / math.Cosh(etaP))
	phi := chi
	for j := 0; j < 4; j++ {
		phi += tm.delta[j] * math.Sin(float64(2*(j+1))*chi)
	}
	guess := orb.Point{tm.lon0 + math.Atan2(math.Sinh(etaP), math.Cos(xiP))*180/math.Pi, phi * 180 / math.Pi}
	if !finite(guess) {
		return orb.Point{}, fmt.Errorf("inverse projection of %v is not finite", p)
	}
	return tm.polish(guess, p)
}

const (
	newtonSteps = 8
	newtonTol   = 1e-9 // metres
	newtonStep  = 1e-7 // degrees
)

func (tm *transverseMercator) polish(guess, target orb.Point) (orb.Point, error) {
	ll := guess
	for i := 0; i < newtonSteps; i++ {
		f, err := tm.Forward(ll)
		if err != nil {
			return orb.Point{}, err
		}
		rx, ry := f[0]-target[0], f[1]-target[1]
		if math.Hypot(rx, ry) < newtonTol {
			return ll, nil
		}
		fx, err := tm.Forward(orb.Point{ll[0] + newtonStep, ll[1]})
		if err != nil {
			return orb.Point{}, err
		}
		fy, err := tm.Forward(orb.Point{ll[0], ll[1] + newtonStep})
		if err != nil {
			return orb.Point{}, err
		}
		j11, j21 := (fx[0]-f[0])/newtonStep, (fx[1]-f[1])/newtonStep
		j12, j22 := (fy[0]-f[0])/newtonStep, (fy[1]-f[1])/newtonStep
		det := j11*j22 - j12*j21
		if det == 0 || math.IsNaN(det) {
			return orb.Point{}, fmt.Errorf("singular projection near %v", ll)
		}
		ll = orb.Point{
			ll[0] - (j22*rx-j12*ry)/det,
			ll[1] - (-j21*rx+j11*ry)/det,
		}
	}
	f, err := tm.Forward(ll)
	if err != nil {
		return orb.Point{}, err
	}
	if math.Hypot(f[0]-target[0], f[1]-target[1]) > 1e-6 {
		return orb.Point{}, fmt.Errorf("inverse projection did not converge for %v", target)
	}
	return ll, nil
}
