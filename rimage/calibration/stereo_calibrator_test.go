package calibration

import (
	"math"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/projcalib/logging"
	"go.viam.com/projcalib/rimage/transform"
)

// camera B sits 12 cm to the right of camera A and is turned slightly towards it
func stereoTruth() *transform.Extrinsics {
	return transform.NewExtrinsicsFromVectors(r3.Vector{X: 0.02, Y: 0.1, Z: -0.01}, r3.Vector{X: -0.12, Y: 0.005, Z: 0.01})
}

func stereoSamples(t *testing.T, inA, inB *transform.Intrinsics, rel *transform.Extrinsics, n int) []StereoSample {
	t.Helper()
	world := gridPoints(6, 7, 0.025)
	samples := make([]StereoSample, 0, n)
	for _, poseA := range viewPoses()[:n] {
		samples = append(samples, StereoSample{
			WorldPoints:  world,
			ImagePointsA: projectAll(t, inA, poseA, world),
			ImagePointsB: projectAll(t, inB, rel.Compose(poseA), world),
		})
	}
	return samples
}

func TestCalibrateStereoRecoversRelativePose(t *testing.T) {
	logger := logging.NewTestLogger(t)
	inA := testIntrinsics()
	inB := distortedIntrinsics()
	truth := stereoTruth()

	for _, n := range []int{1, 3} {
		samples := stereoSamples(t, inA, inB, truth, n)
		calib, err := CalibrateStereo(inA, inB, samples, SolverOptions{}, logger)
		test.That(t, err, test.ShouldBeNil)
		rotErr, transErr := poseError(calib.Extrinsics, truth)
		test.That(t, rotErr, test.ShouldBeLessThan, 1e-3)
		test.That(t, transErr, test.ShouldBeLessThan, 1e-3)
		test.That(t, calib.RMSError, test.ShouldBeLessThan, 0.1)
		test.That(t, calib.PatternPoses, test.ShouldHaveLength, n)
		test.That(t, calib.PerSampleRMS, test.ShouldHaveLength, n)
		// intrinsics are held fixed
		test.That(t, calib.IntrinsicsB, test.ShouldResemble, inB)
	}
}

func TestStereoEpipolarGeometry(t *testing.T) {
	inA := testIntrinsics()
	inB := testIntrinsics()
	inB.Fx, inB.Fy, inB.Cx = 480, 485, 330
	truth := stereoTruth()
	samples := stereoSamples(t, inA, inB, truth, 2)

	calib, err := CalibrateStereo(inA, inB, samples, SolverOptions{}, nil)
	test.That(t, err, test.ShouldBeNil)

	f, err := calib.Fundamental()
	test.That(t, err, test.ShouldBeNil)
	for i, pA := range samples[0].ImagePointsA {
		pB := samples[0].ImagePointsB[i]
		test.That(t, transform.EpipolarDistance(f, pA, pB), test.ShouldBeLessThan, 0.05)
	}
	test.That(t, calib.EpipolarRMS, test.ShouldBeLessThan, 0.05)
	test.That(t, calib.FreeEpipolarRMS, test.ShouldBeLessThan, 0.05)

	// a wrong principal point of B moves every epipolar line, a free fit does not care
	shifted := *calib
	shifted.IntrinsicsB = inB.Copy()
	shifted.IntrinsicsB.Cy += 20
	test.That(t, newStereoSolver(nil).measureEpipolar(&shifted, samples), test.ShouldBeNil)
	test.That(t, shifted.EpipolarRMS, test.ShouldBeGreaterThan, 1)
	test.That(t, shifted.FreeEpipolarRMS, test.ShouldBeLessThan, 0.05)

	e := calib.Essential()
	normA := normalizedPoints(inA, samples[1].ImagePointsA)
	normB := normalizedPoints(inB, samples[1].ImagePointsB)
	for i := range normA {
		a := mat.NewVecDense(3, []float64{normA[i].X, normA[i].Y, 1})
		b := mat.NewVecDense(3, []float64{normB[i].X, normB[i].Y, 1})
		var eb mat.VecDense
		eb.MulVec(e, a)
		test.That(t, mat.Dot(b, &eb), test.ShouldAlmostEqual, 0, 1e-6)
	}

	world := samples[1].WorldPoints
	points, err := calib.Triangulate(samples[1].ImagePointsA, samples[1].ImagePointsB)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, points, test.ShouldHaveLength, len(world))
	poseA := viewPoses()[1]
	for i, p := range points {
		test.That(t, p.Sub(poseA.Apply(world[i])).Norm(), test.ShouldBeLessThan, 1e-3)
	}
}

func TestCalibrateStereoRejectsBadInput(t *testing.T) {
	inA := testIntrinsics()
	samples := stereoSamples(t, inA, inA, stereoTruth(), 1)

	_, err := CalibrateStereo(inA, inA, nil, SolverOptions{}, nil)
	test.That(t, errors.Is(err, ErrInvalidInput), test.ShouldBeTrue)

	bad := testIntrinsics()
	bad.Distortion = []float64{1, 2}
	_, err = CalibrateStereo(inA, bad, samples, SolverOptions{}, nil)
	test.That(t, errors.Is(err, ErrInvalidInput), test.ShouldBeTrue)

	short := samples[0]
	short.ImagePointsB = short.ImagePointsB[:5]
	_, err = CalibrateStereo(inA, inA, []StereoSample{short}, SolverOptions{}, nil)
	test.That(t, errors.Is(err, ErrInvalidInput), test.ShouldBeTrue)

	flat := samples[0]
	flat.ImagePointsA = make([]r2.Point, len(flat.WorldPoints))
	_, err = CalibrateStereo(inA, inA, []StereoSample{flat}, SolverOptions{}, nil)
	test.That(t, errors.Is(err, ErrInvalidInput), test.ShouldBeTrue)
}

func TestStereoCalibratorUpdate(t *testing.T) {
	inA := testIntrinsics()
	inB := testIntrinsics()
	truth := stereoTruth()
	samples := stereoSamples(t, inA, inB, truth, 3)

	test.That(t, func() { NewStereoCalibrator(nil, inB, nil) }, test.ShouldPanic)

	c := NewStereoCalibrator(inA, inB, logging.NewTestLogger(t))
	c.TargetSamples = 2
	test.That(t, c.State(), test.ShouldEqual, StateIdle)
	test.That(t, c.Ready(), test.ShouldBeFalse)

	test.That(t, c.AddSample(samples[0]), test.ShouldBeNil)
	_, err := c.Update()
	test.That(t, errors.Is(err, ErrInvalidInput), test.ShouldBeTrue)
	test.That(t, c.State(), test.ShouldEqual, StateAccumulating)

	// a sample whose B view is flat fails the solve without losing the good one
	broken := samples[1]
	broken.ImagePointsB = make([]r2.Point, len(broken.WorldPoints))
	test.That(t, c.AddSample(broken), test.ShouldBeNil)
	test.That(t, c.Ready(), test.ShouldBeTrue)
	_, err = c.Update()
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, c.State(), test.ShouldEqual, StateFailed)
	test.That(t, c.LastError(), test.ShouldEqual, err)
	test.That(t, c.Result(), test.ShouldBeNil)

	c.ClearSamples()
	test.That(t, c.State(), test.ShouldEqual, StateIdle)
	for _, s := range samples {
		test.That(t, c.AddSample(s), test.ShouldBeNil)
	}
	test.That(t, c.Samples(), test.ShouldHaveLength, 3)
	calib, err := c.Update()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, c.State(), test.ShouldEqual, StateSolved)
	test.That(t, c.Result(), test.ShouldEqual, calib)
	rotErr, transErr := poseError(calib.Extrinsics, truth)
	test.That(t, rotErr, test.ShouldBeLessThan, 1e-3)
	test.That(t, transErr, test.ShouldBeLessThan, 1e-3)

	// updating again with the same samples is safe
	again, err := c.Update()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, again.Extrinsics.AlmostEqual(calib.Extrinsics, 1e-9), test.ShouldBeTrue)
}

func TestStereoWarnsOnDisagreeingSamples(t *testing.T) {
	logger, logs := logging.NewObservedTestLogger(t)
	in := testIntrinsics()
	samples := stereoSamples(t, in, in, stereoTruth(), 2)
	// the second pair was taken after camera B was turned by 5 degrees
	turned := transform.NewExtrinsicsFromVectors(r3.Vector{X: 0.02, Y: 0.1 + 5*math.Pi/180, Z: -0.01}, stereoTruth().Translation)
	samples[1].ImagePointsB = projectAll(t, in, turned.Compose(viewPoses()[1]), samples[1].WorldPoints)

	//nolint:errcheck
	CalibrateStereo(in, in, samples, SolverOptions{}, logger)
	test.That(t, logs.FilterMessage("sample disagrees with the others on the relative rotation").Len(), test.ShouldEqual, 2)

	logger, logs = logging.NewObservedTestLogger(t)
	_, err := CalibrateStereo(in, in, stereoSamples(t, in, in, stereoTruth(), 3), SolverOptions{}, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, logs.FilterMessage("sample disagrees with the others on the relative rotation").Len(), test.ShouldEqual, 0)
}
