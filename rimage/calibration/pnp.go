package calibration

import (
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"

	"go.viam.com/projcalib/logging"
	"go.viam.com/projcalib/rimage/transform"
)

// PnPSolver estimates the pose of a camera with known intrinsics from 3D-2D correspondences.
// A solver keeps its working buffers between calls but no state from previous solves; it must
// not be used from more than one goroutine at a time.
type PnPSolver struct {
	Options SolverOptions

	logger logging.Logger
	ws     *workspace
}

// NewPnPSolver returns a solver that logs to logger. A nil logger disables logging.
func NewPnPSolver(logger logging.Logger) *PnPSolver {
	if logger == nil {
		logger = logging.NewBlankLogger("pnp")
	}
	return &PnPSolver{logger: logger, ws: newWorkspace()}
}

// Solve returns the pose taking world points into the camera frame of intrinsics. The pose is
// in the solver convention: x right, y up, z forward. A nil error means success; on failure no
// pose is returned and the caller should keep its last known good pose.
func (s *PnPSolver) Solve(world []r3.Vector, image []r2.Point, intrinsics *transform.Intrinsics) (*transform.Extrinsics, error) {
	return s.solve(world, image, intrinsics, nil)
}

// SolveWithGuess refines a prior pose instead of starting from a closed form estimate.
func (s *PnPSolver) SolveWithGuess(
	world []r3.Vector,
	image []r2.Point,
	intrinsics *transform.Intrinsics,
	guess *transform.Extrinsics,
) (*transform.Extrinsics, error) {
	if guess == nil || !guess.IsValid() {
		return nil, newInputError("pose guess is not a valid rigid transform")
	}
	return s.solve(world, image, intrinsics, guess)
}

func (s *PnPSolver) solve(
	world []r3.Vector,
	image []r2.Point,
	intrinsics *transform.Intrinsics,
	guess *transform.Extrinsics,
) (*transform.Extrinsics, error) {
	sample := Sample{WorldPoints: world, ImagePoints: image}
	if err := sample.Validate(); err != nil {
		return nil, err
	}
	if err := intrinsics.CheckValid(); err != nil {
		return nil, wrapInputError(err, "invalid intrinsics")
	}
	if _, err := analyzeWorldPoints(world); err != nil {
		return nil, err
	}
	if err := checkImageSpread(image, "image"); err != nil {
		return nil, err
	}

	pose, res, err := s.refine(sample, intrinsics, guess)
	if err != nil {
		s.logger.Warnw("pose solve failed", "points", len(world), "error", err)
		return nil, err
	}
	switch {
	case res.Stalled:
		s.logger.Warnw("pose solve stalled before converging", "iterations", res.Iterations, "cost", res.Cost)
	case !res.Converged:
		s.logger.Warnw("pose solve stopped at the iteration limit", "iterations", res.Iterations)
	}
	s.logger.Debugw("pose solve finished", "points", len(world), "iterations", res.Iterations,
		"rms", rmsOf(pixelResiduals(intrinsics, pose, sample)))
	return pose, nil
}

// refine seeds the pose when no guess is given and minimizes the reprojection error over the
// six pose parameters. With several seeds each one is refined and the lowest cost pose that
// keeps every point in front of the camera wins.
func (s *PnPSolver) refine(
	sample Sample,
	intrinsics *transform.Intrinsics,
	guess *transform.Extrinsics,
) (*transform.Extrinsics, *lmResult, error) {
	starts := []*transform.Extrinsics{guess}
	if guess == nil {
		seeds, err := seedPoseCandidates(sample.WorldPoints, normalizedPoints(intrinsics, sample.ImagePoints))
		if err != nil {
			return nil, nil, err
		}
		starts = seeds
	}

	cam := newPinhole(intrinsics)
	f := func(dst, x []float64) {
		writeResiduals(dst, &cam, newPoseTransform(x), sample.WorldPoints, sample.ImagePoints)
	}
	x0 := make([]float64, poseParams)
	var (
		best    *transform.Extrinsics
		bestRes *lmResult
		lastErr error
	)
	for _, start := range starts {
		packPose(x0, start)
		res, err := s.ws.minimize(f, 2*len(sample.WorldPoints), x0, s.Options)
		if err != nil {
			lastErr = err
			continue
		}
		pose := unpackPose(res.X)
		if !pose.IsValid() || !inFront(pose, sample.WorldPoints) {
			lastErr = newConvergenceError("pose solve ended with points behind the camera")
			continue
		}
		if bestRes == nil || res.Cost < bestRes.Cost {
			best, bestRes = pose, res
		}
	}
	if best == nil {
		return nil, nil, lastErr
	}
	if len(starts) > 1 {
		s.logger.Debugw("pose chosen among seeds", "seeds", len(starts), "cost", bestRes.Cost)
	}
	return best, bestRes, nil
}
