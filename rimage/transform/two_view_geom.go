package transform

import (
	"errors"
	"math"

	"github.com/golang/geo/r2"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/projcalib/spatialmath"
)

// EssentialMatrixFromPose returns E = [t]x·R for the relative pose taking view A coordinates
// into view B coordinates, so that xB^T·E·xA = 0 for normalized points.
func EssentialMatrixFromPose(rel *Extrinsics) *mat.Dense {
	skew := spatialmath.SkewSymmetric(rel.Translation)
	var e mat.Dense
	e.Mul(mat.NewDense(3, 3, skew[:]), rel.Rotation.Dense())
	return &e
}

// FundamentalFromEssential returns F = kB^-T·E·kA^-1, so that pB^T·F·pA = 0 for pixels.
func FundamentalFromEssential(kA, kB, essMat mat.Matrix) (*mat.Dense, error) {
	var kAInv, kBInv, f mat.Dense
	if err := kAInv.Inverse(kA); err != nil {
		return nil, err
	}
	if err := kBInv.Inverse(kB); err != nil {
		return nil, err
	}
	f.Mul(kBInv.T(), essMat)
	f.Mul(&f, &kAInv)
	return &f, nil
}

// EpipolarDistance returns the distance in pixels from pB to the epipolar line F·pA.
func EpipolarDistance(f mat.Matrix, pA, pB r2.Point) float64 {
	a := f.At(0, 0)*pA.X + f.At(0, 1)*pA.Y + f.At(0, 2)
	b := f.At(1, 0)*pA.X + f.At(1, 1)*pA.Y + f.At(1, 2)
	c := f.At(2, 0)*pA.X + f.At(2, 1)*pA.Y + f.At(2, 2)
	n := math.Hypot(a, b)
	if n == 0 {
		return math.Inf(1)
	}
	return math.Abs(a*pB.X+b*pB.Y+c) / n
}

// EstimateFundamental fits F to at least 8 pixel correspondences with the normalized 8-point
// algorithm and projects it onto the rank 2 matrices, so that pB^T·F·pA ≈ 0.
func EstimateFundamental(pixA, pixB []r2.Point) (*mat.Dense, error) {
	if len(pixA) != len(pixB) {
		return nil, errors.New("sets of points pixA and pixB must have the same number of elements")
	}
	if len(pixA) < 8 {
		return nil, errors.New("sets of points must have at least 8 elements")
	}
	normA, tA := NormalizePoints(pixA)
	normB, tB := NormalizePoints(pixB)

	a := mat.NewDense(len(pixA), 9, nil)
	for i, pa := range normA {
		pb := normB[i]
		a.SetRow(i, []float64{
			pb.X * pa.X, pb.X * pa.Y, pb.X,
			pb.Y * pa.X, pb.Y * pa.Y, pb.Y,
			pa.X, pa.Y, 1,
		})
	}
	null, ok := nullVector(a)
	if !ok {
		return nil, errors.New("fundamental matrix SVD failed")
	}
	fn := mat.NewDense(3, 3, null)

	var svd mat.SVD
	if ok := svd.Factorize(fn, mat.SVDFull); !ok {
		return nil, errors.New("fundamental matrix SVD failed")
	}
	var u, v, f mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	values := svd.Values(nil)
	values[2] = 0
	f.Mul(&u, mat.NewDiagDense(3, values))
	f.Mul(&f, v.T())

	// F = T_B^T · Fn · T_A
	f.Mul(tB.T(), &f)
	f.Mul(&f, tA)
	return &f, nil
}

// nullVector returns the right singular vector of a with the smallest singular value.
func nullVector(a *mat.Dense) ([]float64, bool) {
	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDFullV); !ok {
		return nil, false
	}
	var v mat.Dense
	svd.VTo(&v)
	_, n := a.Dims()
	return mat.Col(nil, n-1, &v), true
}

// NormalizePoints normalizes points as described in Multiple View Geometry, Alg 4.2: the
// centroid moves to the origin and the mean distance to it becomes sqrt(2).
func NormalizePoints(pts []r2.Point) ([]r2.Point, *mat.Dense) {
	nPoints := len(pts)
	mu := r2.Point{}
	for _, pt := range pts {
		mu = mu.Add(pt)
	}
	mu = mu.Mul(1. / float64(nPoints))
	d := 0.0
	for _, pt := range pts {
		d += pt.Sub(mu).Norm() / float64(nPoints)
	}
	scale := 1.0
	if d > 0 {
		scale = math.Sqrt(2) / d
	}
	T := mat.NewDense(3, 3, []float64{
		scale, 0, -scale * mu.X,
		0, scale, -scale * mu.Y,
		0, 0, 1,
	})
	pointsTransformed := make([]r2.Point, nPoints)
	for i := range pointsTransformed {
		pointsTransformed[i] = pts[i].Sub(mu).Mul(scale)
	}
	return pointsTransformed, T
}
