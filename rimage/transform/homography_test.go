package transform

import (
	"errors"
	"testing"

	"github.com/golang/geo/r2"
	"go.viam.com/test"
)

func TestNewHomography(t *testing.T) {
	_, err := NewHomography([]float64{})
	test.That(t, err, test.ShouldBeError, errors.New("input to NewHomography must have length of 9. Has length of 0"))

	vals := []float64{
		2.32700501e-01, -8.33535395e-03, -3.61894025e+01,
		-1.90671303e-03, 2.35303232e-01, 8.38582614e+00,
		-6.39101664e-05, -4.64582754e-05, 1.00000000e+00,
	}
	h, err := NewHomography(vals)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, h.At(0, 2), test.ShouldEqual, vals[2])
	test.That(t, h.Column(1), test.ShouldResemble, [3]float64{vals[1], vals[4], vals[7]})

	inv, err := h.Inverse()
	test.That(t, err, test.ShouldBeNil)
	pt := r2.Point{X: 320, Y: 200}
	back := inv.Apply(h.Apply(pt))
	test.That(t, back.X, test.ShouldAlmostEqual, pt.X, 1e-6)
	test.That(t, back.Y, test.ShouldAlmostEqual, pt.Y, 1e-6)
}

func TestEstimateHomography(t *testing.T) {
	truth, err := NewHomography([]float64{
		1.2, 0.1, 30,
		-0.05, 0.9, 12,
		1e-4, -2e-4, 1,
	})
	test.That(t, err, test.ShouldBeNil)

	src := []r2.Point{{X: 0, Y: 0}, {X: 100, Y: 0}, {X: 100, Y: 80}, {X: 0, Y: 80}, {X: 50, Y: 40}, {X: 20, Y: 70}}
	dst := make([]r2.Point, len(src))
	for i, p := range src {
		dst[i] = truth.Apply(p)
	}
	h, err := EstimateHomography(src, dst)
	test.That(t, err, test.ShouldBeNil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			test.That(t, h.At(i, j), test.ShouldAlmostEqual, truth.At(i, j), 1e-8)
		}
	}

	// four points determine the homography exactly
	h, err = EstimateHomography(src[:4], dst[:4])
	test.That(t, err, test.ShouldBeNil)
	got := h.Apply(src[4])
	test.That(t, got.X, test.ShouldAlmostEqual, dst[4].X, 1e-6)
	test.That(t, got.Y, test.ShouldAlmostEqual, dst[4].Y, 1e-6)

	_, err = EstimateHomography(src[:3], dst[:3])
	test.That(t, err, test.ShouldNotBeNil)
	_, err = EstimateHomography(src, dst[:5])
	test.That(t, err, test.ShouldNotBeNil)
}
