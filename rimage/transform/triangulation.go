package transform

import (
	"errors"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/projcalib/spatialmath"
)

// TriangulatePoints computes 3D points in the frame of view A with the linear method, given
// the pose of view B relative to view A and matching normalized points in both views.
func TriangulatePoints(rel *Extrinsics, ptsA, ptsB []r2.Point) ([]r3.Vector, error) {
	if len(ptsA) != len(ptsB) {
		return nil, errors.New("the 2 sets of points don't have the same number of elements")
	}
	// identity pose for view A
	P := mat.NewDense(3, 4, nil)
	P.Set(0, 0, 1)
	P.Set(1, 1, 1)
	P.Set(2, 2, 1)
	Pdash := mat.NewDense(3, 4, nil)
	Pdash.Copy(rel.Rotation.Dense())
	Pdash.Set(0, 3, rel.Translation.X)
	Pdash.Set(1, 3, rel.Translation.Y)
	Pdash.Set(2, 3, rel.Translation.Z)

	pts3d := make([]r3.Vector, len(ptsA))
	for i := range ptsA {
		p1Cross := crossProductMat(r3.Vector{X: ptsA[i].X, Y: ptsA[i].Y, Z: 1})
		p2Cross := crossProductMat(r3.Vector{X: ptsB[i].X, Y: ptsB[i].Y, Z: 1})
		p1CrossP := mat.NewDense(3, 4, nil)
		p1CrossP.Mul(p1Cross, P)
		p2CrossPdash := mat.NewDense(3, 4, nil)
		p2CrossPdash.Mul(p2Cross, Pdash)
		var A mat.Dense
		A.Stack(p1CrossP, p2CrossPdash)

		var svd mat.SVD
		if ok := svd.Factorize(&A, mat.SVDFull); !ok {
			return nil, errors.New("failed to factorize A")
		}
		// Determine the rank of the A matrix with a near zero condition threshold.
		const rcond = 1e-15
		if svd.Rank(rcond) == 0 {
			return nil, errors.New("zero rank system")
		}
		var V mat.Dense
		svd.VTo(&V)
		w := V.At(3, 3)
		if w == 0 {
			return nil, errors.New("point at infinity")
		}
		pts3d[i] = r3.Vector{X: V.At(0, 3) / w, Y: V.At(1, 3) / w, Z: V.At(2, 3) / w}
	}
	return pts3d, nil
}

// crossProductMat returns the matrix of the cross product with p.
func crossProductMat(p r3.Vector) *mat.Dense {
	skew := spatialmath.SkewSymmetric(p)
	return mat.NewDense(3, 3, skew[:])
}
