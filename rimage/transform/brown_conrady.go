package transform

import (
	"fmt"
	"math"
)

const maxDistortionCoefficients = 14

// legalCoefficientCounts are the coefficient vector lengths accepted by NewBrownConrady. Zero
// means no distortion.
var legalCoefficientCounts = []int{0, 4, 5, 8, 12, 14}

// BrownConrady is the radial, tangential, thin prism and sensor tilt lens model. Transform maps
// undistorted normalized coordinates to distorted normalized coordinates.
type BrownConrady struct {
	RadialK1     float64 `json:"rk1"`
	RadialK2     float64 `json:"rk2"`
	TangentialP1 float64 `json:"tp1"`
	TangentialP2 float64 `json:"tp2"`
	RadialK3     float64 `json:"rk3"`
	RadialK4     float64 `json:"rk4"`
	RadialK5     float64 `json:"rk5"`
	RadialK6     float64 `json:"rk6"`
	PrismS1      float64 `json:"s1"`
	PrismS2      float64 `json:"s2"`
	PrismS3      float64 `json:"s3"`
	PrismS4      float64 `json:"s4"`
	TiltX        float64 `json:"tau_x"`
	TiltY        float64 `json:"tau_y"`

	tilt *[9]float64
}

// NewBrownConrady takes in a slice of coefficients in k1, k2, p1, p2, k3, k4, k5, k6, s1, s2,
// s3, s4, τx, τy order. The slice length must be 0, 4, 5, 8, 12 or 14.
func NewBrownConrady(inp []float64) (*BrownConrady, error) {
	legal := false
	for _, n := range legalCoefficientCounts {
		if len(inp) == n {
			legal = true
			break
		}
	}
	if !legal {
		return nil, InvalidDistortionError(
			fmt.Sprintf("expected 0, 4, 5, 8, 12 or 14 coefficients, got %d", len(inp)))
	}
	var c [maxDistortionCoefficients]float64
	copy(c[:], inp)
	bc := &BrownConrady{
		RadialK1: c[0], RadialK2: c[1], TangentialP1: c[2], TangentialP2: c[3],
		RadialK3: c[4], RadialK4: c[5], RadialK5: c[6], RadialK6: c[7],
		PrismS1: c[8], PrismS2: c[9], PrismS3: c[10], PrismS4: c[11],
		TiltX: c[12], TiltY: c[13],
	}
	if bc.TiltX != 0 || bc.TiltY != 0 {
		tilt := tiltProjectionMatrix(bc.TiltX, bc.TiltY)
		bc.tilt = &tilt
	}
	return bc, nil
}

// CheckValid checks that every coefficient is finite.
func (bc *BrownConrady) CheckValid() error {
	if bc == nil {
		return InvalidDistortionError("BrownConrady shaped distortion_parameters not provided")
	}
	for i, c := range bc.all() {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return InvalidDistortionError(fmt.Sprintf("coefficient %d is not finite (%v)", i, c))
		}
	}
	return nil
}

// ModelType returns the type of distortion model.
func (bc *BrownConrady) ModelType() DistortionType {
	return BrownConradyDistortionType
}

// Parameters returns the coefficients in the shortest legal length that holds every non-zero term.
func (bc *BrownConrady) Parameters() []float64 {
	if bc == nil {
		return []float64{}
	}
	all := bc.all()
	last := -1
	for i, c := range all {
		if c != 0 {
			last = i
		}
	}
	for _, n := range legalCoefficientCounts {
		if n > last {
			out := make([]float64, n)
			copy(out, all[:n])
			return out
		}
	}
	return all[:]
}

// Transform distorts a point in normalized coordinates.
func (bc *BrownConrady) Transform(x, y float64) (float64, float64) {
	return bc.Distort(x, y)
}

// Distort applies the forward model:
//
//	r2 = x² + y²
//	radial = (1 + k1·r2 + k2·r2² + k3·r2³) / (1 + k4·r2 + k5·r2² + k6·r2³)
//	x' = x·radial + 2·p1·x·y + p2·(r2 + 2x²) + s1·r2 + s2·r2²
//	y' = y·radial + p1·(r2 + 2y²) + 2·p2·x·y + s3·r2 + s4·r2²
//
// followed by the sensor tilt projection when τx or τy is set. A zero radial denominator yields
// a non-finite result.
func (bc *BrownConrady) Distort(x, y float64) (float64, float64) {
	if bc == nil {
		return x, y
	}
	r2 := x*x + y*y
	r4 := r2 * r2
	r6 := r4 * r2
	radial := (1 + bc.RadialK1*r2 + bc.RadialK2*r4 + bc.RadialK3*r6) /
		(1 + bc.RadialK4*r2 + bc.RadialK5*r4 + bc.RadialK6*r6)
	xd := x*radial + 2*bc.TangentialP1*x*y + bc.TangentialP2*(r2+2*x*x) + bc.PrismS1*r2 + bc.PrismS2*r4
	yd := y*radial + bc.TangentialP1*(r2+2*y*y) + 2*bc.TangentialP2*x*y + bc.PrismS3*r2 + bc.PrismS4*r4
	if bc.tilt == nil {
		return xd, yd
	}
	t := bc.tilt
	tx := t[0]*xd + t[1]*yd + t[2]
	ty := t[3]*xd + t[4]*yd + t[5]
	tz := t[6]*xd + t[7]*yd + t[8]
	invProj := 1.0
	if tz != 0 {
		invProj = 1 / tz
	}
	return tx * invProj, ty * invProj
}

// RadialDenominator returns 1 + k4·r2 + k5·r2² + k6·r2³ at the given squared radius.
func (bc *BrownConrady) RadialDenominator(r2 float64) float64 {
	return 1 + bc.RadialK4*r2 + bc.RadialK5*r2*r2 + bc.RadialK6*r2*r2*r2
}

func (bc *BrownConrady) all() [maxDistortionCoefficients]float64 {
	return [maxDistortionCoefficients]float64{
		bc.RadialK1, bc.RadialK2, bc.TangentialP1, bc.TangentialP2,
		bc.RadialK3, bc.RadialK4, bc.RadialK5, bc.RadialK6,
		bc.PrismS1, bc.PrismS2, bc.PrismS3, bc.PrismS4,
		bc.TiltX, bc.TiltY,
	}
}

// tiltProjectionMatrix returns the row major matrix that projects the image plane onto a sensor
// tilted by tauX about x and tauY about y.
func tiltProjectionMatrix(tauX, tauY float64) [9]float64 {
	cX, sX := math.Cos(tauX), math.Sin(tauX)
	cY, sY := math.Cos(tauY), math.Sin(tauY)
	rotX := [9]float64{1, 0, 0, 0, cX, sX, 0, -sX, cX}
	rotY := [9]float64{cY, 0, -sY, 0, 1, 0, sY, 0, cY}
	rotXY := mul3(rotY, rotX)
	projZ := [9]float64{
		rotXY[8], 0, -rotXY[2],
		0, rotXY[8], -rotXY[5],
		0, 0, 1,
	}
	return mul3(projZ, rotXY)
}

func mul3(a, b [9]float64) [9]float64 {
	var out [9]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			for k := 0; k < 3; k++ {
				out[3*i+j] += a[3*i+k] * b[3*k+j]
			}
		}
	}
	return out
}
