package calibration

import (
	"math"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"go.viam.com/test"
)

func TestReprojectionReport(t *testing.T) {
	residuals := [][]r2.Point{
		{{X: 3, Y: 4}, {X: 0, Y: 0}},
		{{X: 1, Y: 0}, {X: 0, Y: -2}, {X: 0, Y: 0.5}},
	}
	report, err := NewReprojectionReport(residuals)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, report.RMS, test.ShouldAlmostEqual, math.Sqrt((25+0+1+4+0.25)/5))
	test.That(t, report.PerSampleRMS, test.ShouldHaveLength, 2)
	test.That(t, report.PerSampleRMS[0], test.ShouldAlmostEqual, math.Sqrt(25./2))
	test.That(t, report.PerSampleRMS[1], test.ShouldAlmostEqual, math.Sqrt(5.25/3))
	test.That(t, report.Mean, test.ShouldAlmostEqual, (5+0+1+2+0.5)/5.)
	test.That(t, report.Median, test.ShouldAlmostEqual, 1.)
	test.That(t, report.Max, test.ShouldAlmostEqual, 5.)
	test.That(t, report.Outliers(1.5), test.ShouldResemble, [][2]int{{0, 0}, {1, 1}})

	_, err = NewReprojectionReport([][]r2.Point{{}, nil})
	test.That(t, errors.Is(err, ErrInvalidInput), test.ShouldBeTrue)
}
