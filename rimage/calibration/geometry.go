package calibration

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/projcalib/spatialmath"
)

const (
	// a spread ratio below this means the points lie on a line
	collinearityThreshold = 1e-6
	// a thickness ratio below this means the points are treated as a plane
	planarityThreshold = 1e-3
)

// pointGeometry describes the principal axes of a world point set.
type pointGeometry struct {
	centroid r3.Vector
	// rows are the principal axes, largest spread first; det = +1
	frame    *spatialmath.RotationMatrix
	singular [3]float64
}

func (g *pointGeometry) planar() bool {
	return g.singular[2] <= planarityThreshold*g.singular[0]
}

// toPlane expresses p in the principal frame and drops the out of plane component.
func (g *pointGeometry) toPlane(p r3.Vector) r2.Point {
	q := g.frame.RotateVector(p.Sub(g.centroid))
	return r2.Point{X: q.X, Y: q.Y}
}

// analyzeWorldPoints finds the principal axes of pts and rejects identical or collinear sets.
func analyzeWorldPoints(pts []r3.Vector) (*pointGeometry, error) {
	if len(pts) < 3 {
		return nil, newInputError("need at least 3 points to describe their geometry, got %d", len(pts))
	}
	var centroid r3.Vector
	scale := 1.0
	for _, p := range pts {
		centroid = centroid.Add(p)
		scale = math.Max(scale, p.Norm())
	}
	centroid = centroid.Mul(1 / float64(len(pts)))

	centered := mat.NewDense(len(pts), 3, nil)
	for i, p := range pts {
		d := p.Sub(centroid)
		centered.SetRow(i, []float64{d.X, d.Y, d.Z})
	}
	var svd mat.SVD
	if ok := svd.Factorize(centered, mat.SVDThinV); !ok {
		return nil, newConvergenceError("could not factorize world points")
	}
	values := svd.Values(nil)
	var g pointGeometry
	g.centroid = centroid
	copy(g.singular[:], values)
	if g.singular[0] <= 1e-9*scale {
		return nil, newInputError("all %d world points are identical", len(pts))
	}
	if g.singular[1] <= collinearityThreshold*g.singular[0] {
		return nil, newInputError("world points are collinear")
	}

	var v mat.Dense
	svd.VTo(&v)
	if mat.Det(&v) < 0 {
		for i := 0; i < 3; i++ {
			v.Set(i, 2, -v.At(i, 2))
		}
	}
	frame, err := spatialmath.NewRotationMatrixFromDense(v.T())
	if err != nil {
		return nil, err
	}
	g.frame = frame
	return &g, nil
}

// checkImageSpread rejects image point sets that are identical or lie on a line.
func checkImageSpread(pts []r2.Point, name string) error {
	var mean r2.Point
	for _, p := range pts {
		mean = mean.Add(p)
	}
	mean = mean.Mul(1 / float64(len(pts)))
	// 2x2 scatter matrix
	var sxx, sxy, syy float64
	for _, p := range pts {
		d := p.Sub(mean)
		sxx += d.X * d.X
		sxy += d.X * d.Y
		syy += d.Y * d.Y
	}
	tr := sxx + syy
	if tr == 0 {
		return newInputError("all %s points are identical", name)
	}
	disc := math.Sqrt(math.Max(0, (sxx-syy)*(sxx-syy)/4+sxy*sxy))
	small := tr/2 - disc
	large := tr/2 + disc
	if math.Sqrt(math.Max(small, 0)/large) <= collinearityThreshold {
		return newInputError("%s points are collinear", name)
	}
	return nil
}
