package calibration

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/projcalib/rimage/transform"
	"go.viam.com/projcalib/spatialmath"
)

// p3p returns every pose that maps three world points onto the rays of their normalized image
// points, following Grunert's elimination: with s2 = u·s1 and s3 = v·s1 the three law of cosines
// constraints reduce to a quartic in v. There are at most four poses.
func p3p(world [3]r3.Vector, norm [3]r2.Point) []*transform.Extrinsics {
	var f [3]r3.Vector
	for i, p := range norm {
		f[i] = r3.Vector{X: p.X, Y: p.Y, Z: 1}.Normalize()
	}
	a2 := world[1].Sub(world[2]).Norm2()
	b2 := world[0].Sub(world[2]).Norm2()
	c2 := world[0].Sub(world[1]).Norm2()
	if b2 == 0 {
		return nil
	}
	cosA, cosB, cosG := f[1].Dot(f[2]), f[0].Dot(f[2]), f[0].Dot(f[1])
	k := (a2 - c2) / b2
	c := c2 / b2

	// u = n(v) / d(v)
	n := []float64{1 + k, -2 * k * cosB, k - 1}
	d := []float64{2 * cosG, -2 * cosA}
	q := []float64{1 - c, 2 * c * cosB, -c}
	quartic := polyAdd(
		polyAdd(polyMul(n, n), polyScale(polyMul(n, d), -2*cosG)),
		polyMul(q, polyMul(d, d)),
	)

	var poses []*transform.Extrinsics
	for _, v := range polyRealRoots(quartic) {
		if v <= 0 {
			continue
		}
		dv := polyEval(d, v)
		if math.Abs(dv) < 1e-12 {
			continue
		}
		u := polyEval(n, v) / dv
		den := 1 + v*v - 2*v*cosB
		if u <= 0 || den <= 0 {
			continue
		}
		s1 := math.Sqrt(b2 / den)
		cam := [3]r3.Vector{f[0].Mul(s1), f[1].Mul(u * s1), f[2].Mul(v * s1)}
		pose, err := alignPoints(world[:], cam[:])
		if err != nil {
			continue
		}
		poses = append(poses, pose)
	}
	return poses
}

// alignPoints returns the rigid transform taking each src point closest to its dst point.
func alignPoints(src, dst []r3.Vector) (*transform.Extrinsics, error) {
	var cs, cd r3.Vector
	for i := range src {
		cs = cs.Add(src[i])
		cd = cd.Add(dst[i])
	}
	cs = cs.Mul(1 / float64(len(src)))
	cd = cd.Mul(1 / float64(len(dst)))

	cov := mat.NewDense(3, 3, nil)
	for i := range src {
		ps, pd := src[i].Sub(cs), dst[i].Sub(cd)
		s := [3]float64{ps.X, ps.Y, ps.Z}
		t := [3]float64{pd.X, pd.Y, pd.Z}
		for r := 0; r < 3; r++ {
			for col := 0; col < 3; col++ {
				cov.Set(r, col, cov.At(r, col)+t[r]*s[col])
			}
		}
	}
	rot, err := spatialmath.NearestRotation(cov)
	if err != nil {
		return nil, err
	}
	return &transform.Extrinsics{Rotation: *rot, Translation: cd.Sub(rot.RotateVector(cs))}, nil
}

// Polynomials are coefficient slices in ascending order of degree.

func polyMul(a, b []float64) []float64 {
	out := make([]float64, len(a)+len(b)-1)
	for i, x := range a {
		for j, y := range b {
			out[i+j] += x * y
		}
	}
	return out
}

func polyAdd(a, b []float64) []float64 {
	if len(a) < len(b) {
		a, b = b, a
	}
	out := append([]float64{}, a...)
	for i, y := range b {
		out[i] += y
	}
	return out
}

func polyScale(a []float64, s float64) []float64 {
	out := make([]float64, len(a))
	for i, x := range a {
		out[i] = s * x
	}
	return out
}

func polyEval(a []float64, x float64) float64 {
	v := 0.0
	for i := len(a) - 1; i >= 0; i-- {
		v = v*x + a[i]
	}
	return v
}

// polyRealRoots returns the real roots of a polynomial from the eigenvalues of its companion
// matrix, each polished with a few Newton steps.
func polyRealRoots(a []float64) []float64 {
	scale := 0.0
	for _, x := range a {
		scale = math.Max(scale, math.Abs(x))
	}
	if scale == 0 {
		return nil
	}
	deg := len(a) - 1
	for deg > 0 && math.Abs(a[deg]) <= 1e-12*scale {
		deg--
	}
	switch deg {
	case 0:
		return nil
	case 1:
		return []float64{-a[0] / a[1]}
	}

	companion := mat.NewDense(deg, deg, nil)
	for i := 0; i < deg; i++ {
		if i > 0 {
			companion.Set(i, i-1, 1)
		}
		companion.Set(i, deg-1, -a[i]/a[deg])
	}
	var eig mat.Eigen
	if ok := eig.Factorize(companion, mat.EigenNone); !ok {
		return nil
	}
	deriv := make([]float64, deg)
	for i := 1; i <= deg; i++ {
		deriv[i-1] = float64(i) * a[i]
	}
	var roots []float64
	for _, z := range eig.Values(nil) {
		if math.Abs(imag(z)) > 1e-6*(1+math.Abs(real(z))) {
			continue
		}
		x := real(z)
		for iter := 0; iter < 5; iter++ {
			dp := polyEval(deriv, x)
			if dp == 0 {
				break
			}
			next := x - polyEval(a[:deg+1], x)/dp
			if math.Abs(polyEval(a[:deg+1], next)) >= math.Abs(polyEval(a[:deg+1], x)) {
				break
			}
			x = next
		}
		roots = append(roots, x)
	}
	return roots
}
