package spatialmath

import (
	"math"

	"github.com/golang/geo/r3"
)

// RotationVectorToMatrix converts a Rodrigues rotation vector (axis scaled by angle in radians)
// to a rotation matrix.
func RotationVectorToMatrix(rvec r3.Vector) *RotationMatrix {
	theta := rvec.Norm()
	if theta < 1e-12 {
		// first order expansion, R = I + [r]x
		return &RotationMatrix{[9]float64{
			1, -rvec.Z, rvec.Y,
			rvec.Z, 1, -rvec.X,
			-rvec.Y, rvec.X, 1,
		}}
	}
	aa := R3ToR4(rvec)
	k := r3.Vector{X: aa.RX, Y: aa.RY, Z: aa.RZ}
	s, c := math.Sin(aa.Theta), math.Cos(aa.Theta)
	t := 1 - c
	return &RotationMatrix{[9]float64{
		c + k.X*k.X*t, k.X*k.Y*t - k.Z*s, k.X*k.Z*t + k.Y*s,
		k.Y*k.X*t + k.Z*s, c + k.Y*k.Y*t, k.Y*k.Z*t - k.X*s,
		k.Z*k.X*t - k.Y*s, k.Z*k.Y*t + k.X*s, c + k.Z*k.Z*t,
	}}
}

// MatrixToRotationVector converts a rotation matrix to a Rodrigues rotation vector whose norm
// is in [0, π].
func MatrixToRotationVector(rm *RotationMatrix) r3.Vector {
	return rm.AxisAngles().ToR3()
}

// SkewSymmetric returns the cross product matrix [p]x in row major order, so that
// [p]x · v = p × v.
func SkewSymmetric(p r3.Vector) [9]float64 {
	return [9]float64{
		0, -p.Z, p.Y,
		p.Z, 0, -p.X,
		-p.Y, p.X, 0,
	}
}
