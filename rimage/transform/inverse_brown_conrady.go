package transform

import "math"

// InverseBrownConrady applies the inverse of the Brown-Conrady distortion model.
// Given distorted points, it computes the corresponding undistorted points using
// an iterative Newton-Raphson method.
type InverseBrownConrady struct {
	*BrownConrady
}

// NewInverseBrownConrady takes in a slice of floats in the same order as NewBrownConrady.
func NewInverseBrownConrady(inp []float64) (*InverseBrownConrady, error) {
	bc, err := NewBrownConrady(inp)
	if err != nil {
		return nil, err
	}
	return &InverseBrownConrady{bc}, nil
}

// CheckValid checks if the fields for InverseBrownConrady have valid inputs.
func (ibc *InverseBrownConrady) CheckValid() error {
	if ibc == nil || ibc.BrownConrady == nil {
		return InvalidDistortionError("InverseBrownConrady shaped distortion_parameters not provided")
	}
	return ibc.BrownConrady.CheckValid()
}

// ModelType returns the type of distortion model.
func (ibc *InverseBrownConrady) ModelType() DistortionType {
	return InverseBrownConradyDistortionType
}

// Transform converts distorted normalized points to undistorted normalized points.
func (ibc *InverseBrownConrady) Transform(xd, yd float64) (float64, float64) {
	if ibc == nil {
		return xd, yd
	}
	return Undistort(ibc.BrownConrady, xd, yd)
}

// Undistort finds the undistorted point that bc.Distort maps onto (xd, yd). It starts from the
// distorted point and runs Newton-Raphson iterations with a central difference Jacobian of the
// forward model, so every term of the model is inverted, including the rational and tilt ones.
func Undistort(bc *BrownConrady, xd, yd float64) (float64, float64) {
	if bc == nil {
		return xd, yd
	}
	xu, yu := xd, yd

	const maxIterations = 50
	const tolerance = 1e-14
	const h = 1e-7

	for i := 0; i < maxIterations; i++ {
		xdEst, ydEst := bc.Distort(xu, yu)
		errX := xdEst - xd
		errY := ydEst - yd
		if !isFinite(errX) || !isFinite(errY) {
			break
		}
		if errX*errX+errY*errY < tolerance*tolerance {
			break
		}

		// J = [[dxd/dxu, dxd/dyu], [dyd/dxu, dyd/dyu]]
		xp, yp := bc.Distort(xu+h, yu)
		xm, ym := bc.Distort(xu-h, yu)
		dxdDxu := (xp - xm) / (2 * h)
		dydDxu := (yp - ym) / (2 * h)
		xp, yp = bc.Distort(xu, yu+h)
		xm, ym = bc.Distort(xu, yu-h)
		dxdDyu := (xp - xm) / (2 * h)
		dydDyu := (yp - ym) / (2 * h)

		det := dxdDxu*dydDyu - dxdDyu*dydDxu
		if det == 0 || math.IsNaN(det) {
			break
		}

		// Update: [xu, yu] -= J^-1 * [errX, errY]
		nextX := xu - (dydDyu*errX-dxdDyu*errY)/det
		nextY := yu - (-dydDxu*errX+dxdDxu*errY)/det
		if !isFinite(nextX) || !isFinite(nextY) {
			break
		}
		xu, yu = nextX, nextY
	}

	return xu, yu
}
