package transform

import (
	"gonum.org/v1/gonum/mat"

	"go.viam.com/projcalib/spatialmath"
)

// The solvers work in a camera frame with x right, y up and z forward while pixel rows grow
// downwards. The mismatch is absorbed by negating fy in the sensor matrix handed to the solver.
// Scene poses use the engine camera frame, which is rotated 180 degrees about y from the solver
// frame.

func solverFy(fy float64) float64 {
	return -fy
}

// SolverCameraMatrix returns the sensor matrix used by the solvers:
// [[fx 0 cx], [0 -fy cy], [0 0 1]].
func SolverCameraMatrix(params *Intrinsics) *mat.Dense {
	k := params.CameraMatrix()
	k.Set(1, 1, solverFy(params.Fy))
	return k
}

// SolverToScene converts a solver pose to the scene convention by rotating the camera frame
// 180 degrees about y: R' = Ry(π)·R, t' = Ry(π)·t.
func SolverToScene(pose *Extrinsics) *Extrinsics {
	return flipAboutY(pose)
}

// SceneToSolver is the inverse of SolverToScene. The flip is its own inverse.
func SceneToSolver(pose *Extrinsics) *Extrinsics {
	return flipAboutY(pose)
}

func flipAboutY(pose *Extrinsics) *Extrinsics {
	// Ry(π) is exactly diag(-1, 1, -1); cos/sin would leave 1e-16 residue.
	rot, _ := spatialmath.NewRotationMatrix([]float64{-1, 0, 0, 0, 1, 0, 0, 0, -1})
	return &Extrinsics{
		Rotation:    *rot.Mul(&pose.Rotation),
		Translation: rot.RotateVector(pose.Translation),
	}
}
