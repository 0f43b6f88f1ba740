package transform

import (
	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Homography is a 3x3 matrix (represented as a 2D array) used to transform one plane into
// another, for example a planar calibration target into the image. Indices are [row][column].
type Homography [3][3]float64

// NewHomography creates a Homography from a slice of 9 row major values.
func NewHomography(vals []float64) (*Homography, error) {
	if len(vals) != 9 {
		return nil, errors.Errorf("input to NewHomography must have length of 9. Has length of %d", len(vals))
	}
	var h Homography
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			h[i][j] = vals[3*i+j]
		}
	}
	return &h, nil
}

// At returns the value at row, col.
func (h *Homography) At(row, col int) float64 {
	return h[row][col]
}

// Dims returns the matrix dimensions so a Homography can be used as a mat.Matrix.
func (h *Homography) Dims() (int, int) {
	return 3, 3
}

// T returns the transpose.
func (h *Homography) T() mat.Matrix {
	return mat.Transpose{Matrix: h}
}

// Apply maps a point through the homography.
func (h *Homography) Apply(pt r2.Point) r2.Point {
	x := h.At(0, 0)*pt.X + h.At(0, 1)*pt.Y + h.At(0, 2)
	y := h.At(1, 0)*pt.X + h.At(1, 1)*pt.Y + h.At(1, 2)
	z := h.At(2, 0)*pt.X + h.At(2, 1)*pt.Y + h.At(2, 2)
	return r2.Point{X: x / z, Y: y / z}
}

// Column returns column j as a 3-vector.
func (h *Homography) Column(j int) [3]float64 {
	return [3]float64{h[0][j], h[1][j], h[2][j]}
}

// Inverse returns the inverse homography.
func (h *Homography) Inverse() (*Homography, error) {
	var inv mat.Dense
	if err := inv.Inverse(h); err != nil {
		return nil, errors.Wrap(err, "homography is singular")
	}
	return homographyFromDense(&inv), nil
}

// EstimateHomography computes the homography mapping src onto dst with the normalized direct
// linear transform (Multiple View Geometry, Alg 4.2). At least 4 correspondences are needed.
func EstimateHomography(src, dst []r2.Point) (*Homography, error) {
	if len(src) != len(dst) {
		return nil, errors.New("sets of points src and dst must have the same number of elements")
	}
	if len(src) < 4 {
		return nil, errors.New("sets of points must have at least 4 elements")
	}
	srcN, tSrc := NormalizePoints(src)
	dstN, tDst := NormalizePoints(dst)

	a := mat.NewDense(2*len(src), 9, nil)
	for i := range srcN {
		x, y := srcN[i].X, srcN[i].Y
		u, v := dstN[i].X, dstN[i].Y
		a.SetRow(2*i, []float64{-x, -y, -1, 0, 0, 0, u * x, u * y, u})
		a.SetRow(2*i+1, []float64{0, 0, 0, -x, -y, -1, v * x, v * y, v})
	}
	null, ok := nullVector(a)
	if !ok {
		return nil, errors.New("homography SVD failed")
	}
	hn := mat.NewDense(3, 3, null)

	// H = T_dst^-1 · Hn · T_src
	var tDstInv, out mat.Dense
	if err := tDstInv.Inverse(tDst); err != nil {
		return nil, errors.Wrap(err, "degenerate destination points")
	}
	out.Mul(&tDstInv, hn)
	out.Mul(&out, tSrc)
	if out.At(2, 2) != 0 {
		out.Scale(1/out.At(2, 2), &out)
	}
	return homographyFromDense(&out), nil
}

func homographyFromDense(m mat.Matrix) *Homography {
	var h Homography
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			h[i][j] = m.At(i, j)
		}
	}
	return &h
}
