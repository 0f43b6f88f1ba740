package calibration

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"

	"go.viam.com/projcalib/logging"
	"go.viam.com/projcalib/rimage/transform"
	"go.viam.com/projcalib/spatialmath"
)

// StereoCalibration is the pose of camera B relative to camera A.
type StereoCalibration struct {
	// Extrinsics maps camera A coordinates to camera B coordinates: X_B = R·X_A + t.
	Extrinsics  *transform.Extrinsics `json:"extrinsics"`
	IntrinsicsA *transform.Intrinsics `json:"intrinsics_a"`
	IntrinsicsB *transform.Intrinsics `json:"intrinsics_b"`
	// PatternPoses are the target poses relative to camera A, one per sample.
	PatternPoses []*transform.Extrinsics `json:"pattern_poses"`
	RMSError     float64                 `json:"rms_error"`
	PerSampleRMS []float64               `json:"per_sample_rms"`
	// EpipolarRMS is the RMS distance in undistorted pixels of B from the epipolar lines of the
	// matching points of A under the calibrated pose.
	EpipolarRMS float64 `json:"epipolar_rms"`
	// FreeEpipolarRMS is the same distance under a fundamental matrix fitted to the points alone.
	// It is the floor EpipolarRMS approaches when the intrinsics are right, and is zero when
	// fewer than 8 point pairs were observed.
	FreeEpipolarRMS float64             `json:"free_epipolar_rms,omitempty"`
	Iterations      int                 `json:"iterations"`
	Report          *ReprojectionReport `json:"-"`
}

// Essential returns the essential matrix of the pair in solver normalized coordinates.
func (sc *StereoCalibration) Essential() *mat.Dense {
	return transform.EssentialMatrixFromPose(sc.Extrinsics)
}

// Fundamental returns the fundamental matrix relating undistorted pixels of A to B.
func (sc *StereoCalibration) Fundamental() (*mat.Dense, error) {
	return transform.FundamentalFromEssential(
		transform.SolverCameraMatrix(sc.IntrinsicsA),
		transform.SolverCameraMatrix(sc.IntrinsicsB),
		sc.Essential(),
	)
}

// Triangulate returns the points seen at matching pixels of A and B, in camera A coordinates.
func (sc *StereoCalibration) Triangulate(pixelsA, pixelsB []r2.Point) ([]r3.Vector, error) {
	return transform.TriangulatePoints(sc.Extrinsics,
		normalizedPoints(sc.IntrinsicsA, pixelsA),
		normalizedPoints(sc.IntrinsicsB, pixelsB))
}

// CalibrateStereo estimates the pose of camera B relative to camera A from targets observed by
// both at once. Both intrinsics, distortion included, are held fixed; the solve minimizes the
// reprojection error in both views over the relative pose and one target pose per sample.
func CalibrateStereo(
	intrinsicsA, intrinsicsB *transform.Intrinsics,
	samples []StereoSample,
	options SolverOptions,
	logger logging.Logger,
) (*StereoCalibration, error) {
	return newStereoSolver(logger).solve(intrinsicsA, intrinsicsB, samples, options)
}

// maxSeedSpread is the angle in radians by which a sample's relative rotation may differ from
// the mean before it is reported.
const maxSeedSpread = 2 * math.Pi / 180

type stereoSolver struct {
	logger logging.Logger
	ws     *workspace
	pnp    *PnPSolver
}

func newStereoSolver(logger logging.Logger) *stereoSolver {
	if logger == nil {
		logger = logging.NewBlankLogger("stereo")
	}
	return &stereoSolver{logger: logger, ws: newWorkspace(), pnp: NewPnPSolver(logger.Sublogger("pnp"))}
}

func validateStereoInput(intrA, intrB *transform.Intrinsics, samples []StereoSample) error {
	if err := intrA.CheckValid(); err != nil {
		return wrapInputError(err, "invalid intrinsics of camera A")
	}
	if err := intrB.CheckValid(); err != nil {
		return wrapInputError(err, "invalid intrinsics of camera B")
	}
	if len(samples) == 0 {
		return newInputError("need at least one sample")
	}
	var err error
	for i, s := range samples {
		if e := s.Validate(); e != nil {
			err = multierr.Append(err, errors.Wrapf(e, "sample %d", i))
			continue
		}
		if _, e := analyzeWorldPoints(s.WorldPoints); e != nil {
			err = multierr.Append(err, errors.Wrapf(e, "sample %d", i))
		}
		if e := checkImageSpread(s.ImagePointsA, "image A"); e != nil {
			err = multierr.Append(err, errors.Wrapf(e, "sample %d", i))
		}
		if e := checkImageSpread(s.ImagePointsB, "image B"); e != nil {
			err = multierr.Append(err, errors.Wrapf(e, "sample %d", i))
		}
	}
	return err
}

func (ss *stereoSolver) solve(
	intrA, intrB *transform.Intrinsics,
	samples []StereoSample,
	opts SolverOptions,
) (*StereoCalibration, error) {
	if err := validateStereoInput(intrA, intrB, samples); err != nil {
		return nil, err
	}

	// seed: each sample gives a relative pose poseB ∘ poseA⁻¹
	x0 := make([]float64, poseParams*(1+len(samples)))
	rotations := make([]quat.Number, 0, len(samples))
	var translation r3.Vector
	for i, s := range samples {
		poseA, _, err := ss.pnp.refine(s.A(), intrA, nil)
		if err != nil {
			return nil, errors.Wrapf(err, "cannot seed the pose of sample %d in camera A", i)
		}
		poseB, _, err := ss.pnp.refine(s.B(), intrB, nil)
		if err != nil {
			return nil, errors.Wrapf(err, "cannot seed the pose of sample %d in camera B", i)
		}
		rel := poseB.Compose(poseA.Inverse())
		rotations = append(rotations, rel.Quaternion())
		translation = translation.Add(rel.Translation)
		packPose(x0[poseParams*(1+i):], poseA)
	}
	mean := spatialmath.Quaternion(spatialmath.AverageQuaternions(rotations))
	for i, q := range rotations {
		q := spatialmath.Quaternion(q)
		if spread := spatialmath.AngleBetween(&mean, &q); spread > maxSeedSpread {
			ss.logger.Warnw("sample disagrees with the others on the relative rotation",
				"sample", i, "degrees", spread*180/math.Pi)
		}
	}
	packPose(x0, &transform.Extrinsics{
		Rotation:    *mean.RotationMatrix(),
		Translation: translation.Mul(1 / float64(len(samples))),
	})

	camA, camB := newPinhole(intrA), newPinhole(intrB)
	offsets := make([]int, len(samples))
	m := 0
	for i, s := range samples {
		offsets[i] = m
		m += 4 * len(s.WorldPoints)
	}
	f := func(dst, x []float64) {
		rel := newPoseTransform(x)
		for i, s := range samples {
			pattern := newPoseTransform(x[poseParams*(1+i):])
			out := dst[offsets[i]:]
			for j, p := range s.WorldPoints {
				pa := pattern.apply(p)
				pxA := camA.project(pa)
				pxB := camB.project(rel.apply(pa))
				out[4*j] = pxA.X - s.ImagePointsA[j].X
				out[4*j+1] = pxA.Y - s.ImagePointsA[j].Y
				out[4*j+2] = pxB.X - s.ImagePointsB[j].X
				out[4*j+3] = pxB.Y - s.ImagePointsB[j].Y
			}
		}
	}
	res, err := ss.ws.minimize(f, m, x0, opts)
	if err != nil {
		ss.logger.Warnw("stereo calibration failed", "error", err)
		return nil, err
	}
	switch {
	case res.Stalled:
		ss.logger.Warnw("stereo calibration stalled before converging", "iterations", res.Iterations, "cost", res.Cost)
	case !res.Converged:
		ss.logger.Warnw("stereo calibration stopped at the iteration limit", "iterations", res.Iterations)
	}

	rel := unpackPose(res.X)
	if !rel.IsValid() {
		return nil, newConvergenceError("relative pose is not a rigid transform")
	}
	calib := &StereoCalibration{
		Extrinsics:  rel,
		IntrinsicsA: intrA.Copy(),
		IntrinsicsB: intrB.Copy(),
		Iterations:  res.Iterations,
	}
	residuals := make([][]r2.Point, len(samples))
	for i, s := range samples {
		poseA := unpackPose(res.X[poseParams*(1+i):])
		poseB := rel.Compose(poseA)
		if !poseA.IsValid() || !inFront(poseA, s.WorldPoints) || !inFront(poseB, s.WorldPoints) {
			ss.logger.Warnw("stereo calibration ended with a target behind a camera", "sample", i)
			return nil, newConvergenceError("sample %d ends behind a camera", i)
		}
		calib.PatternPoses = append(calib.PatternPoses, poseA)
		residuals[i] = append(pixelResiduals(intrA, poseA, s.A()), pixelResiduals(intrB, poseB, s.B())...)
	}
	report, err := NewReprojectionReport(residuals)
	if err != nil {
		return nil, err
	}
	calib.Report = report
	calib.RMSError = report.RMS
	calib.PerSampleRMS = report.PerSampleRMS
	if err := ss.measureEpipolar(calib, samples); err != nil {
		return nil, err
	}

	ss.logger.Debugw("stereo calibration finished",
		"samples", len(samples),
		"iterations", res.Iterations,
		"rms", report.RMS,
		"epipolar_rms", calib.EpipolarRMS,
		"baseline", rel.Translation.Norm())
	return calib, nil
}

// measureEpipolar fills the epipolar errors of calib over every point pair of samples.
func (ss *stereoSolver) measureEpipolar(calib *StereoCalibration, samples []StereoSample) error {
	f, err := calib.Fundamental()
	if err != nil {
		return newConvergenceError("calibrated pair has no fundamental matrix: %v", err)
	}
	var pixA, pixB []r2.Point
	for _, s := range samples {
		pixA = append(pixA, idealPixels(calib.IntrinsicsA, s.ImagePointsA)...)
		pixB = append(pixB, idealPixels(calib.IntrinsicsB, s.ImagePointsB)...)
	}
	calib.EpipolarRMS = epipolarRMS(f, pixA, pixB)
	if len(pixA) < 8 {
		return nil
	}
	free, err := transform.EstimateFundamental(pixA, pixB)
	if err != nil {
		ss.logger.Debugw("no free fundamental matrix for the point pairs", "error", err)
		return nil
	}
	calib.FreeEpipolarRMS = epipolarRMS(free, pixA, pixB)
	return nil
}

// idealPixels removes the lens distortion from pixels while keeping the camera matrix.
func idealPixels(in *transform.Intrinsics, pixels []r2.Point) []r2.Point {
	cam := newPinhole(in)
	out := normalizedPoints(in, pixels)
	for i, p := range out {
		out[i] = r2.Point{X: cam.k00*p.X + cam.k02, Y: cam.k11*p.Y + cam.k12}
	}
	return out
}

func epipolarRMS(f mat.Matrix, pixA, pixB []r2.Point) float64 {
	if len(pixA) == 0 {
		return 0
	}
	sum := 0.0
	for i := range pixA {
		d := transform.EpipolarDistance(f, pixA[i], pixB[i])
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(pixA)))
}

// StereoCalibrator accumulates samples of a camera pair and recomputes their relative pose once
// TargetSamples samples are available. Calls must be serialized by the caller.
type StereoCalibrator struct {
	// TargetSamples is the number of samples Update waits for. Zero means one.
	TargetSamples int
	Options       SolverOptions

	intrA, intrB *transform.Intrinsics
	logger       logging.Logger
	solver       *stereoSolver
	samples      []StereoSample
	state        State
	result       *StereoCalibration
	lastErr      error
}

// NewStereoCalibrator returns an idle calibrator for a camera pair. It panics on nil intrinsics.
func NewStereoCalibrator(intrinsicsA, intrinsicsB *transform.Intrinsics, logger logging.Logger) *StereoCalibrator {
	if intrinsicsA == nil || intrinsicsB == nil {
		panic("stereo calibrator needs the intrinsics of both cameras")
	}
	if logger == nil {
		logger = logging.NewBlankLogger("stereo")
	}
	return &StereoCalibrator{
		intrA:  intrinsicsA.Copy(),
		intrB:  intrinsicsB.Copy(),
		logger: logger,
		solver: newStereoSolver(logger),
	}
}

// AddSample validates and stores a sample.
func (c *StereoCalibrator) AddSample(s StereoSample) error {
	if err := s.Validate(); err != nil {
		return err
	}
	c.samples = append(c.samples, StereoSample{
		WorldPoints:  append(s.WorldPoints[:0:0], s.WorldPoints...),
		ImagePointsA: append(s.ImagePointsA[:0:0], s.ImagePointsA...),
		ImagePointsB: append(s.ImagePointsB[:0:0], s.ImagePointsB...),
	})
	c.state = StateAccumulating
	return nil
}

// ClearSamples drops every sample. The last result is kept.
func (c *StereoCalibrator) ClearSamples() {
	c.samples = nil
	c.state = StateIdle
}

// Samples returns the accumulated samples.
func (c *StereoCalibrator) Samples() []StereoSample {
	return append([]StereoSample{}, c.samples...)
}

// Ready reports whether enough samples were accumulated for Update.
func (c *StereoCalibrator) Ready() bool {
	return len(c.samples) >= max(1, c.TargetSamples)
}

// State returns the lifecycle stage.
func (c *StereoCalibrator) State() State {
	return c.state
}

// Result returns the last successful calibration, or nil.
func (c *StereoCalibrator) Result() *StereoCalibration {
	return c.result
}

// LastError returns the error of the last failed solve, or nil after a success.
func (c *StereoCalibrator) LastError() error {
	return c.lastErr
}

// Update recomputes the relative pose from every accumulated sample. It fails with
// ErrInvalidInput until TargetSamples samples are available. On failure the samples and the
// previous result are kept.
func (c *StereoCalibrator) Update() (*StereoCalibration, error) {
	if !c.Ready() {
		return nil, newInputError("have %d samples, need %d", len(c.samples), max(1, c.TargetSamples))
	}
	c.state = StateSolving
	calib, err := c.solver.solve(c.intrA, c.intrB, c.samples, c.Options)
	if err != nil {
		c.state = StateFailed
		c.lastErr = err
		return nil, err
	}
	c.state = StateSolved
	c.lastErr = nil
	c.result = calib
	return calib, nil
}
