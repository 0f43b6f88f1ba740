package calibration

import (
	"context"
	"math"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.uber.org/multierr"
	"go.viam.com/utils"

	"go.viam.com/projcalib/logging"
	"go.viam.com/projcalib/rimage/transform"
)

const (
	defaultDistortionCount  = 5
	rationalDistortionCount = 8
)

// CalibrationOptions selects which parameters a camera calibration estimates.
type CalibrationOptions struct {
	// AssumeNoDistortion holds every distortion coefficient at zero, for points that were
	// undistorted upstream or a virtual camera such as a projector.
	AssumeNoDistortion bool `json:"assume_no_distortion,omitempty"`
	// FixAspectRatio holds fx/fy at the ratio of IntrinsicGuess, or 1 without a guess.
	FixAspectRatio bool `json:"fix_aspect_ratio,omitempty"`
	// FixFocalLength holds fx and fy at the values of IntrinsicGuess, which is then required.
	FixFocalLength bool `json:"fix_focal_length,omitempty"`
	// FixPrincipalPoint holds cx and cy at IntrinsicGuess, or at the image centre without a guess.
	FixPrincipalPoint bool `json:"fix_principal_point,omitempty"`
	// ZeroTangentDistortion holds p1 and p2 at zero.
	ZeroTangentDistortion bool `json:"zero_tangent_distortion,omitempty"`
	// RationalModel also estimates k4, k5 and k6.
	RationalModel bool `json:"rational_model,omitempty"`
	// IntrinsicGuess seeds the solve. Guesses at another resolution are rescaled.
	IntrinsicGuess *transform.Intrinsics `json:"intrinsic_guess,omitempty"`

	SolverOptions
}

// CameraCalibration is the result of a camera calibration.
type CameraCalibration struct {
	Intrinsics *transform.Intrinsics `json:"intrinsics"`
	// Poses of each sample's target relative to the camera in the scene convention.
	Poses []*transform.Extrinsics `json:"poses"`
	// SolverPoses are the same poses in the solver convention.
	SolverPoses  []*transform.Extrinsics `json:"solver_poses"`
	RMSError     float64                 `json:"rms_error"`
	PerSampleRMS []float64               `json:"per_sample_rms"`
	Iterations   int                     `json:"iterations"`
	Report       *ReprojectionReport     `json:"-"`
}

// CalibrateCamera jointly estimates intrinsics, lens distortion and one target pose per sample
// by minimizing the reprojection error over every point of every sample.
//
// More samples at varied orientations condition the problem better. A single planar sample
// with little depth variation yields unreliable focal lengths even when it solves.
func CalibrateCamera(
	samples []Sample,
	width, height int,
	options CalibrationOptions,
	logger logging.Logger,
) (*CameraCalibration, error) {
	return newCameraSolver(logger).solve(samples, width, height, options)
}

type cameraSolver struct {
	logger logging.Logger
	ws     *workspace
	pnp    *PnPSolver
}

func newCameraSolver(logger logging.Logger) *cameraSolver {
	if logger == nil {
		logger = logging.NewBlankLogger("calibration")
	}
	return &cameraSolver{
		logger: logger,
		ws:     newWorkspace(),
		pnp:    NewPnPSolver(logger.Sublogger("pnp")),
	}
}

// intrinsicLayout maps the free intrinsic parameters into the parameter vector. The full
// intrinsic vector is fx, fy, cx, cy followed by the distortion coefficients.
type intrinsicLayout struct {
	base          []float64
	free          []int
	aspect        float64
	fixAspect     bool
	width, height int
}

func (l *intrinsicLayout) unpack(x []float64) *transform.Intrinsics {
	full := append([]float64{}, l.base...)
	for j, idx := range l.free {
		full[idx] = x[j]
	}
	if l.fixAspect {
		full[0] = l.aspect * full[1]
	}
	return &transform.Intrinsics{
		Fx:         full[0],
		Fy:         full[1],
		Cx:         full[2],
		Cy:         full[3],
		Distortion: full[4:],
		Width:      l.width,
		Height:     l.height,
	}
}

func (cs *cameraSolver) solve(samples []Sample, width, height int, opts CalibrationOptions) (*CameraCalibration, error) {
	guess, err := validateCameraInput(samples, width, height, opts)
	if err != nil {
		return nil, err
	}
	opts.IntrinsicGuess = guess

	layout := newIntrinsicLayout(samples, width, height, opts)
	nFree := len(layout.free)
	x0 := make([]float64, nFree+poseParams*len(samples))
	for j, idx := range layout.free {
		x0[j] = layout.base[idx]
	}
	initial := layout.unpack(x0)
	cs.logger.Debugw("initial intrinsics", "fx", initial.Fx, "fy", initial.Fy, "cx", initial.Cx, "cy", initial.Cy)
	for i, s := range samples {
		pose, err := cs.seedSamplePose(s, initial)
		if err != nil {
			return nil, errors.Wrapf(err, "cannot seed the pose of sample %d", i)
		}
		packPose(x0[nFree+poseParams*i:], pose)
	}

	offsets := make([]int, len(samples))
	m := 0
	for i, s := range samples {
		offsets[i] = m
		m += 2 * len(s.WorldPoints)
	}
	f := func(dst, x []float64) {
		cam := newPinhole(layout.unpack(x))
		for i, s := range samples {
			pose := newPoseTransform(x[nFree+poseParams*i:])
			writeResiduals(dst[offsets[i]:], &cam, pose, s.WorldPoints, s.ImagePoints)
		}
	}
	res, err := cs.ws.minimize(f, m, x0, opts.SolverOptions)
	if err != nil {
		cs.logger.Warnw("camera calibration failed", "error", err)
		return nil, err
	}
	switch {
	case res.Stalled:
		cs.logger.Warnw("camera calibration stalled before converging", "iterations", res.Iterations, "cost", res.Cost)
	case !res.Converged:
		cs.logger.Warnw("camera calibration stopped at the iteration limit", "iterations", res.Iterations)
	}

	intrinsics := layout.unpack(res.X)
	if err := intrinsics.CheckValid(); err != nil {
		cs.logger.Warnw("camera calibration ended with invalid intrinsics", "error", err)
		return nil, newConvergenceError("solve ended with invalid intrinsics: %v", err)
	}
	calib := &CameraCalibration{Intrinsics: intrinsics, Iterations: res.Iterations}
	residuals := make([][]r2.Point, len(samples))
	for i, s := range samples {
		pose := unpackPose(res.X[nFree+poseParams*i:])
		if !pose.IsValid() || !inFront(pose, s.WorldPoints) {
			cs.logger.Warnw("camera calibration ended with a target behind the camera", "sample", i)
			return nil, newConvergenceError("sample %d ends behind the camera", i)
		}
		calib.SolverPoses = append(calib.SolverPoses, pose)
		calib.Poses = append(calib.Poses, transform.SolverToScene(pose))
		residuals[i] = pixelResiduals(intrinsics, pose, s)
	}
	report, err := NewReprojectionReport(residuals)
	if err != nil {
		return nil, err
	}
	calib.Report = report
	calib.RMSError = report.RMS
	calib.PerSampleRMS = report.PerSampleRMS
	intrinsics.RMSError = report.RMS

	cs.logger.Debugw("camera calibration finished",
		"samples", len(samples),
		"points", lo.SumBy(samples, func(s Sample) int { return len(s.WorldPoints) }),
		"iterations", res.Iterations,
		"rms", report.RMS)
	return calib, nil
}

// seedSamplePose estimates the target pose of one sample with the starting intrinsics. The
// closed form seed is used directly when the pose refinement fails.
func (cs *cameraSolver) seedSamplePose(s Sample, initial *transform.Intrinsics) (*transform.Extrinsics, error) {
	pose, _, err := cs.pnp.refine(s, initial, nil)
	if err == nil {
		return pose, nil
	}
	cs.logger.Debugw("pose refinement of the seed failed, using the closed form pose", "error", err)
	return seedPose(s.WorldPoints, normalizedPoints(initial, s.ImagePoints))
}

// validateCameraInput checks every sample and the options before anything is solved. It
// returns the intrinsic guess at the target resolution, if any.
func validateCameraInput(samples []Sample, width, height int, opts CalibrationOptions) (*transform.Intrinsics, error) {
	if len(samples) == 0 {
		return nil, newInputError("need at least one sample")
	}
	if width <= 0 || height <= 0 {
		return nil, newInputError("invalid resolution (%d, %d)", width, height)
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
		if e := checkImageSpread(s.ImagePoints, "image"); e != nil {
			err = multierr.Append(err, errors.Wrapf(e, "sample %d", i))
		}
	}
	if err != nil {
		return nil, err
	}

	guess := opts.IntrinsicGuess
	if guess == nil {
		if opts.FixFocalLength {
			return nil, newInputError("fixing the focal length requires an intrinsic guess")
		}
		return nil, nil
	}
	if e := guess.CheckValid(); e != nil {
		return nil, wrapInputError(e, "invalid intrinsic guess")
	}
	if guess.Width != width || guess.Height != height {
		return guess.Rescale(width, height)
	}
	return guess.Copy(), nil
}

// newIntrinsicLayout picks the starting intrinsics and the free parameters. Without a guess the
// focal lengths come from the target homographies of planar samples with the principal point at
// the image centre, else from a direct linear transform of a non-planar sample, else from the
// image size.
func newIntrinsicLayout(samples []Sample, width, height int, opts CalibrationOptions) *intrinsicLayout {
	nDist := defaultDistortionCount
	if opts.RationalModel {
		nDist = rationalDistortionCount
	}
	guess := opts.IntrinsicGuess
	if guess != nil && len(guess.Distortion) > nDist {
		nDist = len(guess.Distortion)
	}

	base := make([]float64, 4+nDist)
	aspect := 1.0
	if guess != nil {
		base[0], base[1], base[2], base[3] = guess.Fx, guess.Fy, guess.Cx, guess.Cy
		copy(base[4:], guess.Distortion)
		aspect = guess.Fx / guess.Fy
	} else {
		fx, fy, cx, cy := initialCamera(samples, width, height)
		if opts.FixAspectRatio {
			fy = math.Sqrt(fx * fy)
			fx = fy
		}
		base[0], base[1] = fx, fy
		base[2], base[3] = cx, cy
		if opts.FixPrincipalPoint {
			base[2], base[3] = float64(width)/2, float64(height)/2
		}
	}

	layout := &intrinsicLayout{
		base:      base,
		aspect:    aspect,
		fixAspect: opts.FixAspectRatio,
		width:     width,
		height:    height,
	}
	if !opts.FixFocalLength {
		if !opts.FixAspectRatio {
			layout.free = append(layout.free, 0)
		}
		layout.free = append(layout.free, 1)
	}
	if !opts.FixPrincipalPoint {
		layout.free = append(layout.free, 2, 3)
	}

	dist := base[4:]
	switch {
	case opts.AssumeNoDistortion:
		for i := range dist {
			dist[i] = 0
		}
	default:
		// k1, k2
		layout.free = append(layout.free, 4, 5)
		if opts.ZeroTangentDistortion {
			dist[2], dist[3] = 0, 0
		} else {
			layout.free = append(layout.free, 6, 7)
		}
		// k3
		layout.free = append(layout.free, 8)
		if opts.RationalModel {
			layout.free = append(layout.free, 9, 10, 11)
		}
	}
	return layout
}

// initialCamera returns a starting camera matrix when no guess is given.
func initialCamera(samples []Sample, width, height int) (fx, fy, cx, cy float64) {
	cx, cy = float64(width)/2, float64(height)/2

	var homographies []*transform.Homography
	for _, s := range samples {
		g, err := analyzeWorldPoints(s.WorldPoints)
		if err != nil || !g.planar() {
			continue
		}
		plane := make([]r2.Point, len(s.WorldPoints))
		for i, p := range s.WorldPoints {
			plane[i] = g.toPlane(p)
		}
		h, err := transform.EstimateHomography(plane, s.ImagePoints)
		if err != nil {
			continue
		}
		homographies = append(homographies, h)
	}
	if fx, fy, ok := focalFromHomographies(homographies, cx, cy); ok {
		return fx, fy, cx, cy
	}

	for _, s := range samples {
		if len(s.WorldPoints) < minDLTPoints {
			continue
		}
		if g, err := analyzeWorldPoints(s.WorldPoints); err != nil || g.planar() {
			continue
		}
		p, err := projectionDLT(s.WorldPoints, s.ImagePoints)
		if err != nil {
			continue
		}
		dfx, dfy, dcx, dcy, err := cameraFromProjection(p)
		if err != nil {
			continue
		}
		if dcx > 0 && dcx < float64(width) && dcy > 0 && dcy < float64(height) {
			cx, cy = dcx, dcy
		}
		return dfx, dfy, cx, cy
	}

	f := math.Max(float64(width), float64(height))
	return f, f, cx, cy
}

// CameraCalibrator accumulates samples and calibrates a camera from them on demand. Calls must
// be serialized by the caller.
type CameraCalibrator struct {
	Width, Height int
	Options       CalibrationOptions

	logger  logging.Logger
	solver  *cameraSolver
	samples []Sample
	state   State
	result  *CameraCalibration
	lastErr error
}

// NewCameraCalibrator returns an idle calibrator for images of the given resolution.
func NewCameraCalibrator(width, height int, options CalibrationOptions, logger logging.Logger) *CameraCalibrator {
	if logger == nil {
		logger = logging.NewBlankLogger("calibration")
	}
	return &CameraCalibrator{
		Width:   width,
		Height:  height,
		Options: options,
		logger:  logger,
		solver:  newCameraSolver(logger),
	}
}

// AddSample validates and stores a sample.
func (c *CameraCalibrator) AddSample(s Sample) error {
	if err := s.Validate(); err != nil {
		return err
	}
	c.samples = append(c.samples, Sample{
		WorldPoints: append(s.WorldPoints[:0:0], s.WorldPoints...),
		ImagePoints: append(s.ImagePoints[:0:0], s.ImagePoints...),
	})
	c.state = StateAccumulating
	return nil
}

// ClearSamples drops every sample. The last result is kept.
func (c *CameraCalibrator) ClearSamples() {
	c.samples = nil
	c.state = StateIdle
}

// Samples returns the accumulated samples.
func (c *CameraCalibrator) Samples() []Sample {
	return append([]Sample{}, c.samples...)
}

// State returns the lifecycle stage.
func (c *CameraCalibrator) State() State {
	return c.state
}

// Result returns the last successful calibration, or nil.
func (c *CameraCalibrator) Result() *CameraCalibration {
	return c.result
}

// LastError returns the error of the last failed solve, or nil after a success.
func (c *CameraCalibrator) LastError() error {
	return c.lastErr
}

// Calibrate solves with every accumulated sample. On failure the samples and the previous
// result are kept.
func (c *CameraCalibrator) Calibrate() (*CameraCalibration, error) {
	if len(c.samples) == 0 {
		return nil, newInputError("no samples to calibrate with")
	}
	c.state = StateSolving
	calib, err := c.solver.solve(c.samples, c.Width, c.Height, c.Options)
	c.finish(calib, err)
	return calib, err
}

// CalibrateContext is Calibrate bounded by ctx. A solve that outlives ctx keeps running in the
// background with its own buffers, and its result is discarded.
func (c *CameraCalibrator) CalibrateContext(ctx context.Context) (*CameraCalibration, error) {
	if len(c.samples) == 0 {
		return nil, newInputError("no samples to calibrate with")
	}
	samples := c.Samples()
	width, height, options := c.Width, c.Height, c.Options
	type outcome struct {
		calib *CameraCalibration
		err   error
	}
	done := make(chan outcome, 1)
	c.state = StateSolving
	utils.PanicCapturingGo(func() {
		var out outcome
		defer func() {
			if r := recover(); r != nil {
				out = outcome{err: errors.Errorf("camera calibration panicked: %v", r)}
			}
			done <- out
		}()
		out.calib, out.err = newCameraSolver(c.logger).solve(samples, width, height, options)
	})
	select {
	case <-ctx.Done():
		c.logger.Warnw("camera calibration abandoned", "error", ctx.Err())
		c.finish(nil, ctx.Err())
		return nil, ctx.Err()
	case out := <-done:
		c.finish(out.calib, out.err)
		return out.calib, out.err
	}
}

func (c *CameraCalibrator) finish(calib *CameraCalibration, err error) {
	if err != nil {
		c.state = StateFailed
		c.lastErr = err
		return
	}
	c.state = StateSolved
	c.lastErr = nil
	c.result = calib
}
