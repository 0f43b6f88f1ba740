package transform

import (
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"go.viam.com/test"
)

func twoViewScene() (*Extrinsics, []r3.Vector) {
	rel := NewExtrinsicsFromVectors(r3.Vector{X: 0.02, Y: -0.15, Z: 0.01}, r3.Vector{X: -0.3, Y: 0.02, Z: 0.05})
	var pts []r3.Vector
	for i := 0; i < 4; i++ {
		for j := 0; j < 3; j++ {
			pts = append(pts, r3.Vector{
				X: -0.6 + 0.4*float64(i),
				Y: -0.4 + 0.35*float64(j),
				Z: 2 + 0.3*float64((i+j)%3),
			})
		}
	}
	return rel, pts
}

func TestEssentialAndFundamental(t *testing.T) {
	rel, pts := twoViewScene()
	inA := NewIntrinsics(1280, 720, 900, 905, 640, 360)
	inB := NewIntrinsics(1280, 720, 1000, 995, 630, 370)

	e := EssentialMatrixFromPose(rel)
	f, err := FundamentalFromEssential(SolverCameraMatrix(inA), SolverCameraMatrix(inB), e)
	test.That(t, err, test.ShouldBeNil)

	identity := NewExtrinsics()
	pixA := make([]r2.Point, len(pts))
	pixB := make([]r2.Point, len(pts))
	normA := make([]r2.Point, len(pts))
	normB := make([]r2.Point, len(pts))
	for i, p := range pts {
		var ok bool
		pixA[i], ok = inA.ProjectPoint(identity, p)
		test.That(t, ok, test.ShouldBeTrue)
		pixB[i], ok = inB.ProjectPoint(rel, p)
		test.That(t, ok, test.ShouldBeTrue)
		normA[i] = r2.Point{X: p.X / p.Z, Y: p.Y / p.Z}
		pb := rel.Apply(p)
		normB[i] = r2.Point{X: pb.X / pb.Z, Y: pb.Y / pb.Z}

		test.That(t, EpipolarDistance(f, pixA[i], pixB[i]), test.ShouldBeLessThan, 1e-6)
		test.That(t, EpipolarDistance(e, normA[i], normB[i]), test.ShouldBeLessThan, 1e-9)
	}

	estimated, err := EstimateFundamental(pixA, pixB)
	test.That(t, err, test.ShouldBeNil)
	for i := range pixA {
		test.That(t, EpipolarDistance(estimated, pixA[i], pixB[i]), test.ShouldBeLessThan, 1e-4)
	}

	_, err = EstimateFundamental(pixA[:7], pixB[:7])
	test.That(t, err, test.ShouldNotBeNil)
}

func TestTriangulatePoints(t *testing.T) {
	rel, pts := twoViewScene()
	normA := make([]r2.Point, len(pts))
	normB := make([]r2.Point, len(pts))
	for i, p := range pts {
		normA[i] = r2.Point{X: p.X / p.Z, Y: p.Y / p.Z}
		pb := rel.Apply(p)
		normB[i] = r2.Point{X: pb.X / pb.Z, Y: pb.Y / pb.Z}
	}
	got, err := TriangulatePoints(rel, normA, normB)
	test.That(t, err, test.ShouldBeNil)
	for i := range pts {
		test.That(t, got[i].Sub(pts[i]).Norm(), test.ShouldBeLessThan, 1e-6)
	}

	_, err = TriangulatePoints(rel, normA, normB[:2])
	test.That(t, err, test.ShouldNotBeNil)
}
