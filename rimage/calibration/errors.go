// Package calibration estimates camera and projector intrinsics and poses from 3D-2D point
// correspondences: pose-only solves with known intrinsics, full single camera calibration, and
// the relative pose of two calibrated cameras.
package calibration

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrInvalidInput is returned when the caller supplied input a solve cannot use: too few or
	// degenerate points, mismatched lengths, non-finite values or invalid intrinsics.
	ErrInvalidInput = errors.New("invalid calibration input")
	// ErrConvergence is returned when the solver does not reach a valid solution.
	ErrConvergence = errors.New("calibration did not converge")
)

func newInputError(format string, args ...interface{}) error {
	return errors.Wrapf(ErrInvalidInput, format, args...)
}

// wrapInputError marks err as an input error while keeping it in the chain.
func wrapInputError(err error, msg string) error {
	return fmt.Errorf("%w: %s: %w", ErrInvalidInput, msg, err)
}

func newConvergenceError(format string, args ...interface{}) error {
	return errors.Wrapf(ErrConvergence, format, args...)
}
