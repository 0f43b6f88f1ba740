package calibration

import (
	"io"
	"os"

	"github.com/invopop/jsonschema"
	"github.com/pkg/errors"
	"github.com/yosuke-furukawa/json5/encoding/json5"
	"go.uber.org/multierr"
	"go.viam.com/utils"

	"go.viam.com/projcalib/rimage/transform"
)

// Resolution is the size of the images a job's pixels were measured in.
type Resolution struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// JobConfig describes one calibration job read from a JSON file. Which fields are used depends
// on the kind of job.
type JobConfig struct {
	Resolution    Resolution            `json:"resolution"`
	Samples       []Sample              `json:"samples,omitempty"`
	StereoSamples []StereoSample        `json:"stereo_samples,omitempty"`
	Intrinsics    *transform.Intrinsics `json:"intrinsics,omitempty"`
	IntrinsicsB   *transform.Intrinsics `json:"intrinsics_b,omitempty"`
	Options       CalibrationOptions    `json:"options"`
	TargetSamples int                   `json:"target_samples,omitempty"`
}

// NewJobConfigFromJSONFile reads a job file. Job files are JSON5, so they may carry comments.
func NewJobConfigFromJSONFile(jsonPath string) (*JobConfig, error) {
	//nolint:gosec
	jsonFile, err := os.Open(jsonPath)
	if err != nil {
		return nil, errors.Wrap(err, "error opening job file")
	}
	defer utils.UncheckedErrorFunc(jsonFile.Close)
	data, err := io.ReadAll(jsonFile)
	if err != nil {
		return nil, errors.Wrap(err, "error reading job file")
	}
	cfg := &JobConfig{}
	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "error parsing job file")
	}
	return cfg, nil
}

// ValidateCamera checks the fields a camera calibration job needs.
func (cfg *JobConfig) ValidateCamera() error {
	var err error
	if cfg.Resolution.Width <= 0 || cfg.Resolution.Height <= 0 {
		err = multierr.Append(err, newInputError("invalid resolution (%d, %d)",
			cfg.Resolution.Width, cfg.Resolution.Height))
	}
	if len(cfg.Samples) == 0 {
		err = multierr.Append(err, newInputError("\"samples\" is required"))
	}
	err = multierr.Append(err, validateSamples(cfg.Samples))
	if cfg.Options.FixFocalLength && cfg.Options.IntrinsicGuess == nil {
		err = multierr.Append(err, newInputError("\"fix_focal_length\" requires \"intrinsic_guess\""))
	}
	return err
}

// ValidatePnP checks the fields a pose job needs: intrinsics and one sample per pose.
func (cfg *JobConfig) ValidatePnP() error {
	var err error
	err = multierr.Append(err, checkIntrinsics(cfg.Intrinsics, "intrinsics"))
	if len(cfg.Samples) == 0 {
		err = multierr.Append(err, newInputError("\"samples\" is required"))
	}
	err = multierr.Append(err, validateSamples(cfg.Samples))
	return err
}

// ValidateStereo checks the fields a stereo job needs.
func (cfg *JobConfig) ValidateStereo() error {
	var err error
	err = multierr.Append(err, checkIntrinsics(cfg.Intrinsics, "intrinsics"))
	err = multierr.Append(err, checkIntrinsics(cfg.IntrinsicsB, "intrinsics_b"))
	if len(cfg.StereoSamples) == 0 {
		err = multierr.Append(err, newInputError("\"stereo_samples\" is required"))
	}
	for i, s := range cfg.StereoSamples {
		if e := s.Validate(); e != nil {
			err = multierr.Append(err, errors.Wrapf(e, "stereo sample %d", i))
		}
	}
	if cfg.TargetSamples < 0 {
		err = multierr.Append(err, newInputError("\"target_samples\" cannot be negative"))
	}
	return err
}

func validateSamples(samples []Sample) error {
	var err error
	for i, s := range samples {
		if e := s.Validate(); e != nil {
			err = multierr.Append(err, errors.Wrapf(e, "sample %d", i))
		}
	}
	return err
}

func checkIntrinsics(in *transform.Intrinsics, field string) error {
	if in == nil {
		return newInputError("%q is required", field)
	}
	if err := in.CheckValid(); err != nil {
		return wrapInputError(err, field)
	}
	return nil
}

// JobSchema returns the JSON schema of job files.
func JobSchema() *jsonschema.Schema {
	return jsonschema.Reflect(&JobConfig{})
}
