package calibration

import (
	"math"
	"math/rand"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"go.viam.com/projcalib/rimage/transform"
)

func testIntrinsics() *transform.Intrinsics {
	return transform.NewIntrinsics(640, 480, 500, 500, 320, 240)
}

func distortedIntrinsics() *transform.Intrinsics {
	in := transform.NewIntrinsics(640, 480, 520, 510, 315, 245)
	in.Distortion = []float64{-0.2, 0.05, 0.001, -0.0015, 0}
	return in
}

// gridPoints returns a planar target in the z = 0 plane centred on the origin.
func gridPoints(rows, cols int, spacing float64) []r3.Vector {
	pts := make([]r3.Vector, 0, rows*cols)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			pts = append(pts, r3.Vector{
				X: (float64(c) - float64(cols-1)/2) * spacing,
				Y: (float64(r) - float64(rows-1)/2) * spacing,
			})
		}
	}
	return pts
}

// boxPoints returns points spread through a 0.2 m cube centred on the origin.
func boxPoints(n int, seed int64) []r3.Vector {
	rng := rand.New(rand.NewSource(seed))
	pts := make([]r3.Vector, n)
	for i := range pts {
		pts[i] = r3.Vector{X: rng.Float64()*0.2 - 0.1, Y: rng.Float64()*0.2 - 0.1, Z: rng.Float64()*0.2 - 0.1}
	}
	return pts
}

// viewPoses returns target poses seen from varied orientations half a meter away.
func viewPoses() []*transform.Extrinsics {
	return []*transform.Extrinsics{
		transform.NewExtrinsicsFromVectors(r3.Vector{X: 0.35, Y: 0.05}, r3.Vector{X: 0.01, Y: -0.02, Z: 0.5}),
		transform.NewExtrinsicsFromVectors(r3.Vector{X: -0.3, Y: 0.2, Z: 0.1}, r3.Vector{X: -0.03, Y: 0.01, Z: 0.55}),
		transform.NewExtrinsicsFromVectors(r3.Vector{X: 0.1, Y: -0.4, Z: -0.05}, r3.Vector{X: 0.02, Y: 0.03, Z: 0.45}),
		transform.NewExtrinsicsFromVectors(r3.Vector{Y: 0.35, Z: 0.3}, r3.Vector{X: -0.01, Y: -0.03, Z: 0.6}),
		transform.NewExtrinsicsFromVectors(r3.Vector{X: -0.2, Y: -0.25, Z: -0.2}, r3.Vector{X: 0.04, Z: 0.5}),
		transform.NewExtrinsicsFromVectors(r3.Vector{X: 0.25, Y: 0.3, Z: 0.15}, r3.Vector{X: -0.02, Y: 0.02, Z: 0.52}),
	}
}

func projectAll(t *testing.T, in *transform.Intrinsics, pose *transform.Extrinsics, world []r3.Vector) []r2.Point {
	t.Helper()
	out := make([]r2.Point, len(world))
	for i, p := range world {
		px, ok := in.ProjectPoint(pose, p)
		test.That(t, ok, test.ShouldBeTrue)
		out[i] = px
	}
	return out
}

func addNoise(pts []r2.Point, sigma float64, rng *rand.Rand) []r2.Point {
	out := make([]r2.Point, len(pts))
	for i, p := range pts {
		out[i] = r2.Point{X: p.X + sigma*rng.NormFloat64(), Y: p.Y + sigma*rng.NormFloat64()}
	}
	return out
}

func syntheticSamples(t *testing.T, in *transform.Intrinsics, poses []*transform.Extrinsics, world []r3.Vector) []Sample {
	t.Helper()
	samples := make([]Sample, len(poses))
	for i, pose := range poses {
		samples[i] = Sample{WorldPoints: world, ImagePoints: projectAll(t, in, pose, world)}
	}
	return samples
}

// poseError returns the rotation angle and translation distance between two poses.
func poseError(a, b *transform.Extrinsics) (float64, float64) {
	return a.Compose(b.Inverse()).RotationVector().Norm(), a.Translation.Sub(b.Translation).Norm()
}

func relativeError(got, want float64) float64 {
	return math.Abs(got-want) / math.Abs(want)
}

func rngFor(seed int64) *rand.Rand {
	return rand.New(rand.NewSource(seed))
}
