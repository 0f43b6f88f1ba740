package calibration

import (
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"

	"go.viam.com/projcalib/rimage/transform"
	"go.viam.com/projcalib/spatialmath"
)

// pinhole is the solver form of a set of intrinsics: the entries of the solver camera matrix
// and the forward lens model.
type pinhole struct {
	k00, k02, k11, k12 float64
	lens               *transform.BrownConrady
}

func newPinhole(in *transform.Intrinsics) pinhole {
	k := transform.SolverCameraMatrix(in)
	return pinhole{
		k00:  k.At(0, 0),
		k02:  k.At(0, 2),
		k11:  k.At(1, 1),
		k12:  k.At(1, 2),
		lens: in.Distorter(),
	}
}

// project maps a point in camera coordinates to a pixel.
func (p *pinhole) project(pc r3.Vector) r2.Point {
	xd, yd := p.lens.Distort(pc.X/pc.Z, pc.Y/pc.Z)
	return r2.Point{X: p.k00*xd + p.k02, Y: p.k11*yd + p.k12}
}

// poseParams is the size of a pose in a parameter vector: a Rodrigues vector then a translation.
const poseParams = 6

func packPose(dst []float64, pose *transform.Extrinsics) {
	r := pose.RotationVector()
	dst[0], dst[1], dst[2] = r.X, r.Y, r.Z
	dst[3], dst[4], dst[5] = pose.Translation.X, pose.Translation.Y, pose.Translation.Z
}

func unpackPose(src []float64) *transform.Extrinsics {
	return transform.NewExtrinsicsFromVectors(
		r3.Vector{X: src[0], Y: src[1], Z: src[2]},
		r3.Vector{X: src[3], Y: src[4], Z: src[5]},
	)
}

// poseTransform is an unpacked pose cheap to apply to many points.
type poseTransform struct {
	rot *spatialmath.RotationMatrix
	t   r3.Vector
}

func newPoseTransform(src []float64) poseTransform {
	return poseTransform{
		rot: spatialmath.RotationVectorToMatrix(r3.Vector{X: src[0], Y: src[1], Z: src[2]}),
		t:   r3.Vector{X: src[3], Y: src[4], Z: src[5]},
	}
}

func (pt poseTransform) apply(p r3.Vector) r3.Vector {
	return pt.rot.RotateVector(p).Add(pt.t)
}

// writeResiduals writes the predicted minus observed pixel offsets of one sample into dst.
func writeResiduals(dst []float64, cam *pinhole, pose poseTransform, world []r3.Vector, image []r2.Point) {
	for i, p := range world {
		px := cam.project(pose.apply(p))
		dst[2*i] = px.X - image[i].X
		dst[2*i+1] = px.Y - image[i].Y
	}
}

// inFront reports whether every point lies in front of the camera.
func inFront(pose *transform.Extrinsics, world []r3.Vector) bool {
	for _, p := range world {
		if pose.Apply(p).Z <= 0 {
			return false
		}
	}
	return true
}

// pixelResiduals reprojects a sample and returns the per point offsets.
func pixelResiduals(in *transform.Intrinsics, pose *transform.Extrinsics, s Sample) []r2.Point {
	cam := newPinhole(in)
	out := make([]r2.Point, len(s.WorldPoints))
	for i, p := range s.WorldPoints {
		out[i] = cam.project(pose.Apply(p)).Sub(s.ImagePoints[i])
	}
	return out
}
