package calibration

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"go.uber.org/multierr"
)

// MinPointsPerSample is the smallest number of correspondences any solve accepts.
const MinPointsPerSample = 4

// Sample is one observation of a target: world points and the pixels they were seen at, matched
// index for index. World units are free but must be consistent; millimeters are recommended.
type Sample struct {
	WorldPoints []r3.Vector `json:"world_points"`
	ImagePoints []r2.Point  `json:"image_points"`
}

// Validate checks lengths and that every coordinate is finite.
func (s Sample) Validate() error {
	var err error
	if len(s.WorldPoints) != len(s.ImagePoints) {
		err = multierr.Append(err, newInputError("%d world points but %d image points",
			len(s.WorldPoints), len(s.ImagePoints)))
	}
	if len(s.WorldPoints) < MinPointsPerSample {
		err = multierr.Append(err, newInputError("need at least %d points, got %d",
			MinPointsPerSample, len(s.WorldPoints)))
	}
	err = multierr.Append(err, checkFiniteWorld(s.WorldPoints))
	err = multierr.Append(err, checkFiniteImage(s.ImagePoints, "image"))
	return err
}

// StereoSample is one observation of a target seen at the same time by camera A and camera B.
type StereoSample struct {
	WorldPoints  []r3.Vector `json:"world_points"`
	ImagePointsA []r2.Point  `json:"image_points_a"`
	ImagePointsB []r2.Point  `json:"image_points_b"`
}

// Validate checks lengths and that every coordinate is finite.
func (s StereoSample) Validate() error {
	var err error
	if len(s.WorldPoints) != len(s.ImagePointsA) || len(s.WorldPoints) != len(s.ImagePointsB) {
		err = multierr.Append(err, newInputError("%d world points but %d and %d image points",
			len(s.WorldPoints), len(s.ImagePointsA), len(s.ImagePointsB)))
	}
	if len(s.WorldPoints) < MinPointsPerSample {
		err = multierr.Append(err, newInputError("need at least %d points, got %d",
			MinPointsPerSample, len(s.WorldPoints)))
	}
	err = multierr.Append(err, checkFiniteWorld(s.WorldPoints))
	err = multierr.Append(err, checkFiniteImage(s.ImagePointsA, "image A"))
	err = multierr.Append(err, checkFiniteImage(s.ImagePointsB, "image B"))
	return err
}

// A returns the observation of camera A as a plain sample.
func (s StereoSample) A() Sample {
	return Sample{WorldPoints: s.WorldPoints, ImagePoints: s.ImagePointsA}
}

// B returns the observation of camera B as a plain sample.
func (s StereoSample) B() Sample {
	return Sample{WorldPoints: s.WorldPoints, ImagePoints: s.ImagePointsB}
}

func checkFiniteWorld(pts []r3.Vector) error {
	for i, p := range pts {
		if !finite(p.X) || !finite(p.Y) || !finite(p.Z) {
			return newInputError("world point %d is not finite: %v", i, p)
		}
	}
	return nil
}

func checkFiniteImage(pts []r2.Point, name string) error {
	for i, p := range pts {
		if !finite(p.X) || !finite(p.Y) {
			return newInputError("%s point %d is not finite: %v", name, i, p)
		}
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
