package calibration

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/projcalib/rimage/transform"
	"go.viam.com/projcalib/spatialmath"
)

// minDLTPoints is the number of non-coplanar points needed by the direct linear transform.
const minDLTPoints = 6

// normalizedPoints removes the camera matrix and the lens distortion from pixels.
func normalizedPoints(in *transform.Intrinsics, pixels []r2.Point) []r2.Point {
	out := make([]r2.Point, len(pixels))
	for i, p := range pixels {
		out[i].X, out[i].Y = in.PixelToNormalized(p.X, p.Y)
	}
	return out
}

// seedPose returns a closed form pose estimate from world points and normalized image points.
// Planar sets, and sets too small for the direct linear transform, go through a homography to
// their best fit plane.
func seedPose(world []r3.Vector, norm []r2.Point) (*transform.Extrinsics, error) {
	g, err := analyzeWorldPoints(world)
	if err != nil {
		return nil, err
	}
	if g.planar() || len(world) < minDLTPoints {
		return poseFromPlane(g, world, norm)
	}
	pose, err := poseFromDLT(world, norm)
	if err != nil {
		return poseFromPlane(g, world, norm)
	}
	return pose, nil
}

// seedPoseCandidates returns the starting poses worth refining. A single closed form seed is
// enough for planar sets and for sets large enough for the direct linear transform. Smaller
// non-planar sets are ambiguous from a best fit plane alone, so every P3P solution of every
// point triple is returned along with the plane seed.
func seedPoseCandidates(world []r3.Vector, norm []r2.Point) ([]*transform.Extrinsics, error) {
	g, err := analyzeWorldPoints(world)
	if err != nil {
		return nil, err
	}
	if g.planar() || len(world) >= minDLTPoints {
		pose, err := seedPose(world, norm)
		if err != nil {
			return nil, err
		}
		return []*transform.Extrinsics{pose}, nil
	}

	var candidates []*transform.Extrinsics
	if pose, err := poseFromPlane(g, world, norm); err == nil {
		candidates = append(candidates, pose)
	}
	span := g.singular[0] * g.singular[0]
	for i := 0; i < len(world); i++ {
		for j := i + 1; j < len(world); j++ {
			for k := j + 1; k < len(world); k++ {
				area := world[j].Sub(world[i]).Cross(world[k].Sub(world[i])).Norm()
				if area <= collinearityThreshold*span {
					continue
				}
				for _, pose := range p3p(
					[3]r3.Vector{world[i], world[j], world[k]},
					[3]r2.Point{norm[i], norm[j], norm[k]},
				) {
					// noise free triples of the same set agree on the true pose
					if !lo.ContainsBy(candidates, func(c *transform.Extrinsics) bool { return samePose(c, pose) }) {
						candidates = append(candidates, pose)
					}
				}
			}
		}
	}
	if len(candidates) == 0 {
		return nil, newConvergenceError("no pose hypothesis fits the %d points", len(world))
	}
	return candidates, nil
}

func samePose(a, b *transform.Extrinsics) bool {
	return spatialmath.OrientationAlmostEqual(&a.Rotation, &b.Rotation) &&
		a.Translation.Sub(b.Translation).Norm() <= 1e-5*(1+b.Translation.Norm())
}

// poseFromPlane decomposes the homography from plane coordinates to normalized image
// coordinates, H ∝ [r1 r2 t].
func poseFromPlane(g *pointGeometry, world []r3.Vector, norm []r2.Point) (*transform.Extrinsics, error) {
	plane := make([]r2.Point, len(world))
	for i, p := range world {
		plane[i] = g.toPlane(p)
	}
	h, err := transform.EstimateHomography(plane, norm)
	if err != nil {
		return nil, errors.Wrap(err, "cannot estimate target homography")
	}
	h1, h2, h3 := h.Column(0), h.Column(1), h.Column(2)
	n1 := math.Sqrt(h1[0]*h1[0] + h1[1]*h1[1] + h1[2]*h1[2])
	n2 := math.Sqrt(h2[0]*h2[0] + h2[1]*h2[1] + h2[2]*h2[2])
	if n1 == 0 || n2 == 0 {
		return nil, newConvergenceError("degenerate target homography")
	}
	s := 2 / (n1 + n2)
	// the target is in front of the camera
	if h3[2] < 0 {
		s = -s
	}
	r1 := r3.Vector{X: s * h1[0], Y: s * h1[1], Z: s * h1[2]}
	r2v := r3.Vector{X: s * h2[0], Y: s * h2[1], Z: s * h2[2]}
	r3v := r1.Cross(r2v)
	t := r3.Vector{X: s * h3[0], Y: s * h3[1], Z: s * h3[2]}
	approx := mat.NewDense(3, 3, []float64{
		r1.X, r2v.X, r3v.X,
		r1.Y, r2v.Y, r3v.Y,
		r1.Z, r2v.Z, r3v.Z,
	})
	rh, err := spatialmath.NearestRotation(approx)
	if err != nil {
		return nil, err
	}
	rot := rh.Mul(g.frame)
	return &transform.Extrinsics{
		Rotation:    *rot,
		Translation: t.Sub(rot.RotateVector(g.centroid)),
	}, nil
}

// poseFromDLT extracts [R|t] from the projection matrix estimated on normalized image points.
func poseFromDLT(world []r3.Vector, norm []r2.Point) (*transform.Extrinsics, error) {
	p, err := projectionDLT(world, norm)
	if err != nil {
		return nil, err
	}
	m := p.Slice(0, 3, 0, 3)
	if mat.Det(m) < 0 {
		p.Scale(-1, p)
	}
	var svd mat.SVD
	if ok := svd.Factorize(p.Slice(0, 3, 0, 3), mat.SVDFull); !ok {
		return nil, newConvergenceError("could not factorize projection matrix")
	}
	var u, v, r mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	r.Mul(&u, v.T())
	values := svd.Values(nil)
	scale := (values[0] + values[1] + values[2]) / 3
	if scale == 0 {
		return nil, newConvergenceError("degenerate projection matrix")
	}
	rot, err := spatialmath.NewRotationMatrixFromDense(&r)
	if err != nil {
		return nil, err
	}
	return &transform.Extrinsics{
		Rotation:    *rot,
		Translation: r3.Vector{X: p.At(0, 3) / scale, Y: p.At(1, 3) / scale, Z: p.At(2, 3) / scale},
	}, nil
}

// projectionDLT estimates the 3x4 projection matrix mapping world points to image points with
// the normalized direct linear transform.
func projectionDLT(world []r3.Vector, img []r2.Point) (*mat.Dense, error) {
	if len(world) < minDLTPoints {
		return nil, newInputError("need at least %d points for a direct linear transform, got %d",
			minDLTPoints, len(world))
	}
	imgN, tImg := transform.NormalizePoints(img)
	worldN, tWorld := normalizeWorldPoints(world)

	a := mat.NewDense(2*len(world), 12, nil)
	for i, w := range worldN {
		x, y := imgN[i].X, imgN[i].Y
		a.SetRow(2*i, []float64{w.X, w.Y, w.Z, 1, 0, 0, 0, 0, -x * w.X, -x * w.Y, -x * w.Z, -x})
		a.SetRow(2*i+1, []float64{0, 0, 0, 0, w.X, w.Y, w.Z, 1, -y * w.X, -y * w.Y, -y * w.Z, -y})
	}
	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDFullV); !ok {
		return nil, newConvergenceError("could not factorize DLT system")
	}
	var v mat.Dense
	svd.VTo(&v)
	pn := mat.NewDense(3, 4, nil)
	for k := 0; k < 12; k++ {
		pn.Set(k/4, k%4, v.At(k, 11))
	}

	// P = T_img^-1 · Pn · T_world
	var tImgInv, p mat.Dense
	if err := tImgInv.Inverse(tImg); err != nil {
		return nil, newInputError("degenerate image points")
	}
	p.Mul(&tImgInv, pn)
	p.Mul(&p, tWorld)
	return &p, nil
}

// normalizeWorldPoints moves the centroid to the origin and scales the mean distance to sqrt(3).
func normalizeWorldPoints(pts []r3.Vector) ([]r3.Vector, *mat.Dense) {
	var mu r3.Vector
	for _, p := range pts {
		mu = mu.Add(p)
	}
	mu = mu.Mul(1 / float64(len(pts)))
	d := 0.0
	for _, p := range pts {
		d += p.Sub(mu).Norm() / float64(len(pts))
	}
	scale := 1.0
	if d > 0 {
		scale = math.Sqrt(3) / d
	}
	out := make([]r3.Vector, len(pts))
	for i, p := range pts {
		out[i] = p.Sub(mu).Mul(scale)
	}
	return out, mat.NewDense(4, 4, []float64{
		scale, 0, 0, -scale * mu.X,
		0, scale, 0, -scale * mu.Y,
		0, 0, scale, -scale * mu.Z,
		0, 0, 0, 1,
	})
}

// focalFromHomographies estimates fx and fy from plane-to-pixel homographies with the principal
// point held at (cx, cy). Each homography gives two constraints on ω = diag(1/fx², 1/fy², 1):
// the images of the plane axes are orthogonal and of equal length.
func focalFromHomographies(hs []*transform.Homography, cx, cy float64) (float64, float64, bool) {
	if len(hs) == 0 {
		return 0, 0, false
	}
	a := mat.NewDense(2*len(hs), 2, nil)
	b := mat.NewVecDense(2*len(hs), nil)
	for i, h := range hs {
		var col1, col2, d1, d2 [3]float64
		for j := 0; j < 3; j++ {
			// shift the principal point to the origin
			t0, t1 := h.At(j, 0), h.At(j, 1)
			if j < 2 {
				off := cx
				if j == 1 {
					off = cy
				}
				t0 -= off * h.At(2, 0)
				t1 -= off * h.At(2, 1)
			}
			col1[j], col2[j] = t0, t1
			d1[j], d2[j] = (t0+t1)/2, (t0-t1)/2
		}
		normalize3(&col1)
		normalize3(&col2)
		normalize3(&d1)
		normalize3(&d2)
		a.SetRow(2*i, []float64{col1[0] * col2[0], col1[1] * col2[1]})
		a.SetRow(2*i+1, []float64{d1[0] * d2[0], d1[1] * d2[1]})
		b.SetVec(2*i, -col1[2]*col2[2])
		b.SetVec(2*i+1, -d1[2]*d2[2])
	}
	var f mat.VecDense
	if err := f.SolveVec(a, b); err != nil {
		return 0, 0, false
	}
	if !(f.AtVec(0) > 0) || !(f.AtVec(1) > 0) {
		return 0, 0, false
	}
	fx, fy := math.Sqrt(1/f.AtVec(0)), math.Sqrt(1/f.AtVec(1))
	if !finite(fx) || !finite(fy) {
		return 0, 0, false
	}
	return fx, fy, true
}

func normalize3(v *[3]float64) {
	n := math.Sqrt(v[0]*v[0] + v[1]*v[1] + v[2]*v[2])
	if n == 0 {
		return
	}
	for i := range v {
		v[i] /= n
	}
}

// cameraFromProjection splits P = K·[R|t] with an RQ decomposition of its left 3x3 block and
// returns the focal lengths and principal point of K. The diagonal of K is made positive, which
// absorbs the negated fy of the solver camera matrix.
func cameraFromProjection(p *mat.Dense) (fx, fy, cx, cy float64, err error) {
	m := mat.DenseCopyOf(p.Slice(0, 3, 0, 3))
	flip := mat.NewDense(3, 3, []float64{0, 0, 1, 0, 1, 0, 1, 0, 0})

	// (J·M)ᵀ = Q̃·R̃ gives M = (J·R̃ᵀ·J)·(J·Q̃ᵀ)
	var jm, a mat.Dense
	jm.Mul(flip, m)
	a.CloneFrom(jm.T())
	var qr mat.QR
	qr.Factorize(&a)
	var rt mat.Dense
	qr.RTo(&rt)
	var k mat.Dense
	k.Mul(flip, rt.T())
	k.Mul(&k, flip)

	for i := 0; i < 3; i++ {
		if k.At(i, i) < 0 {
			for r := 0; r < 3; r++ {
				k.Set(r, i, -k.At(r, i))
			}
		}
	}
	if k.At(2, 2) == 0 {
		return 0, 0, 0, 0, newConvergenceError("degenerate camera matrix")
	}
	k.Scale(1/k.At(2, 2), &k)
	fx, fy, cx, cy = k.At(0, 0), k.At(1, 1), k.At(0, 2), k.At(1, 2)
	if !(fx > 0) || !(fy > 0) || !finite(cx) || !finite(cy) {
		return 0, 0, 0, 0, newConvergenceError("camera matrix from projection is not valid")
	}
	return fx, fy, cx, cy, nil
}
