package transform

import (
	"encoding/json"
	"math"
	"path/filepath"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"go.viam.com/test"
)

func sampleIntrinsics() *Intrinsics {
	return &Intrinsics{
		Cx:         962.25,
		Cy:         541.125,
		Fx:         1403.5,
		Fy:         1399.75,
		Distortion: []float64{0.11, -0.23, 0.0012, -0.0007, 0.05},
		Width:      1920,
		Height:     1080,
		RMSError:   0.231,
	}
}

func TestIntrinsicsRecordRoundTrip(t *testing.T) {
	in := sampleIntrinsics()
	record := in.Record()
	test.That(t, record["resolution.x"], test.ShouldEqual, 1920)
	test.That(t, record["distortionCoeffs"], test.ShouldResemble, in.Distortion)

	out, err := NewIntrinsicsFromRecord(record)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cmp.Diff(in, out), test.ShouldBeEmpty)
	test.That(t, out.IsValid(), test.ShouldBeTrue)

	record["focal"] = 12.0
	_, err = NewIntrinsicsFromRecord(record)
	test.That(t, err, test.ShouldNotBeNil)

	delete(record, "focal")
	delete(record, "distortionCoeffs")
	out, err = NewIntrinsicsFromRecord(record)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out.IsValid(), test.ShouldBeFalse)
	test.That(t, errors.Is(out.CheckValid(), ErrNoIntrinsics), test.ShouldBeTrue)
}

func TestIntrinsicsJSONRoundTrip(t *testing.T) {
	in := sampleIntrinsics()
	b, err := json.Marshal(in)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(b), test.ShouldContainSubstring, `"resolution.x":1920`)
	test.That(t, string(b), test.ShouldContainSubstring, `"distortionCoeffs":[0.11,-0.23,0.0012,-0.0007,0.05]`)

	out := &Intrinsics{}
	test.That(t, json.Unmarshal(b, out), test.ShouldBeNil)
	test.That(t, cmp.Diff(in, out), test.ShouldBeEmpty)

	path := filepath.Join(t.TempDir(), "intrinsics.json")
	test.That(t, in.WriteJSONFile(path), test.ShouldBeNil)
	fromFile, err := NewIntrinsicsFromJSONFile(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cmp.Diff(in, fromFile), test.ShouldBeEmpty)

	_, err = NewIntrinsicsFromJSONFile(filepath.Join(t.TempDir(), "missing.json"))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestIntrinsicsCheckValid(t *testing.T) {
	test.That(t, sampleIntrinsics().CheckValid(), test.ShouldBeNil)
	test.That(t, NewIntrinsics(640, 480, 500, 500, 320, 240).CheckValid(), test.ShouldBeNil)

	var nilIntrinsics *Intrinsics
	test.That(t, errors.Is(nilIntrinsics.CheckValid(), ErrNoIntrinsics), test.ShouldBeTrue)

	bad := sampleIntrinsics()
	bad.Fx = 0
	test.That(t, errors.Is(bad.CheckValid(), ErrNoIntrinsics), test.ShouldBeTrue)

	bad = sampleIntrinsics()
	bad.Width = 0
	test.That(t, errors.Is(bad.CheckValid(), ErrNoIntrinsics), test.ShouldBeTrue)

	bad = sampleIntrinsics()
	bad.Cy = math.NaN()
	test.That(t, errors.Is(bad.CheckValid(), ErrNoIntrinsics), test.ShouldBeTrue)

	bad = sampleIntrinsics()
	bad.Distortion = []float64{0.1, 0.2, 0.3}
	test.That(t, errors.Is(bad.CheckValid(), ErrInvalidDistortion), test.ShouldBeTrue)

	bad = sampleIntrinsics()
	bad.Distortion[1] = math.Inf(1)
	test.That(t, errors.Is(bad.CheckValid(), ErrInvalidDistortion), test.ShouldBeTrue)
}

func TestCameraMatrixAndCoefficients(t *testing.T) {
	in := sampleIntrinsics()
	k := in.CameraMatrix()
	test.That(t, k.At(0, 0), test.ShouldEqual, in.Fx)
	test.That(t, k.At(1, 1), test.ShouldEqual, in.Fy)
	test.That(t, k.At(0, 2), test.ShouldEqual, in.Cx)
	test.That(t, k.At(1, 2), test.ShouldEqual, in.Cy)
	test.That(t, k.At(2, 2), test.ShouldEqual, 1.)

	coeffs := in.DistortionCoefficients()
	test.That(t, len(coeffs), test.ShouldEqual, 14)
	test.That(t, coeffs[:5], test.ShouldResemble, in.Distortion)
	test.That(t, coeffs[5:], test.ShouldResemble, make([]float64, 9))

	solver := SolverCameraMatrix(in)
	back, err := NewIntrinsicsFromCameraMatrix(solver, in.Distortion, in.Width, in.Height)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, back.Fy, test.ShouldEqual, in.Fy)
	test.That(t, back.Distortion, test.ShouldResemble, in.Distortion)
}

func TestProjectionMatrix(t *testing.T) {
	in := NewIntrinsics(1000, 500, 500, 400, 500, 250)
	m, err := in.ProjectionMatrix(0.1, 100)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, m.At(0, 0), test.ShouldAlmostEqual, 1.)
	test.That(t, m.At(0, 2), test.ShouldAlmostEqual, 0.)
	test.That(t, m.At(1, 1), test.ShouldAlmostEqual, 1.6)
	test.That(t, m.At(1, 2), test.ShouldAlmostEqual, 0.)
	test.That(t, m.At(2, 2), test.ShouldAlmostEqual, -100.1/99.9)
	test.That(t, m.At(2, 3), test.ShouldAlmostEqual, -20/99.9)
	test.That(t, m.At(3, 2), test.ShouldEqual, -1.)
	test.That(t, m.At(3, 3), test.ShouldEqual, 0.)

	off := NewIntrinsics(1000, 500, 500, 400, 400, 300)
	m, err = off.ProjectionMatrix(0.1, 100)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, m.At(0, 2), test.ShouldAlmostEqual, 0.2)
	test.That(t, m.At(1, 2), test.ShouldAlmostEqual, 0.2)

	_, err = in.ProjectionMatrix(1, 1)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestPhysicalCamera(t *testing.T) {
	in := NewIntrinsics(1920, 1080, 1000, 1000, 960, 540)
	pc, err := in.ToPhysicalCamera(36)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pc.FocalLength, test.ShouldAlmostEqual, 18.75)
	test.That(t, pc.SensorSize.X, test.ShouldAlmostEqual, 36.)
	test.That(t, pc.SensorSize.Y, test.ShouldAlmostEqual, 20.25)
	test.That(t, pc.LensShift.X, test.ShouldAlmostEqual, 0.)
	test.That(t, pc.LensShift.Y, test.ShouldAlmostEqual, 0.)

	in = NewIntrinsics(1920, 1080, 1403.5, 1399.75, 900, 600)
	pc, err = in.ToPhysicalCamera(23.5)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pc.LensShift.X, test.ShouldAlmostEqual, 60./1920)
	test.That(t, pc.LensShift.Y, test.ShouldAlmostEqual, 60./1080)
	back, err := NewIntrinsicsFromPhysicalCamera(pc)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, back.Fx, test.ShouldAlmostEqual, in.Fx)
	test.That(t, back.Fy, test.ShouldAlmostEqual, in.Fy)
	test.That(t, back.Cx, test.ShouldAlmostEqual, in.Cx)
	test.That(t, back.Cy, test.ShouldAlmostEqual, in.Cy)

	_, err = in.ToPhysicalCamera(0)
	test.That(t, err, test.ShouldNotBeNil)
	_, err = NewIntrinsicsFromPhysicalCamera(nil)
	test.That(t, errors.Is(err, ErrNoIntrinsics), test.ShouldBeTrue)
}

func TestRescale(t *testing.T) {
	in := sampleIntrinsics()
	half, err := in.Rescale(960, 540)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, half.Fx, test.ShouldAlmostEqual, in.Fx/2)
	test.That(t, half.Fy, test.ShouldAlmostEqual, in.Fy/2)
	test.That(t, half.Cx, test.ShouldAlmostEqual, in.Cx/2)
	test.That(t, half.Cy, test.ShouldAlmostEqual, in.Cy/2)
	test.That(t, half.Distortion, test.ShouldResemble, in.Distortion)
	test.That(t, half.RMSError, test.ShouldEqual, in.RMSError)
	test.That(t, in.Width, test.ShouldEqual, 1920)

	_, err = in.Rescale(0, 10)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestPixelConversions(t *testing.T) {
	in := NewIntrinsics(1000, 800, 1000, 1000, 500, 400)
	u, v := in.NormalizedToPixel(0.1, 0.2)
	test.That(t, u, test.ShouldAlmostEqual, 600.)
	// y up in the camera frame, rows grow downwards
	test.That(t, v, test.ShouldAlmostEqual, 200.)

	distorted := sampleIntrinsics()
	for _, p := range [][2]float64{{0, 0}, {0.2, -0.1}, {-0.3, 0.25}, {0.4, 0.3}} {
		u, v := distorted.NormalizedToPixel(p[0], p[1])
		x, y := distorted.PixelToNormalized(u, v)
		test.That(t, x, test.ShouldAlmostEqual, p[0], 1e-9)
		test.That(t, y, test.ShouldAlmostEqual, p[1], 1e-9)
	}

	pose := NewExtrinsicsFromVectors(r3.Vector{}, r3.Vector{Z: 2})
	px, ok := in.ProjectPoint(pose, r3.Vector{X: 0.2, Y: 0.4})
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, px.X, test.ShouldAlmostEqual, 600.)
	test.That(t, px.Y, test.ShouldAlmostEqual, 200.)
	_, ok = in.ProjectPoint(pose, r3.Vector{Z: -3})
	test.That(t, ok, test.ShouldBeFalse)

	f, err := distorted.PixelFunc(BrownConradyDistortionType)
	test.That(t, err, test.ShouldBeNil)
	x, y := f(distorted.Cx, distorted.Cy)
	test.That(t, x, test.ShouldAlmostEqual, distorted.Cx)
	test.That(t, y, test.ShouldAlmostEqual, distorted.Cy)
}
