package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"

	"go.viam.com/projcalib/logging"
)

const (
	generalFlagDebug    = "debug"
	generalFlagLogLevel = "log-level"
	generalFlagLogFile  = "log-file"

	jobFlagPath       = "job"
	jobFlagOut        = "out"
	jobFlagPlot       = "plot"
	jobFlagIntrinsics = "intrinsics"

	loggerKey = "logger"
)

var jobFlags = []cli.Flag{
	&cli.PathFlag{
		Name:     jobFlagPath,
		Aliases:  []string{"j"},
		Required: true,
		Usage:    "calibration job `FILE`",
	},
	&cli.PathFlag{
		Name:  jobFlagOut,
		Usage: "write the result as JSON to `FILE`",
	},
}

var remapFlags = []cli.Flag{
	&cli.PathFlag{
		Name:     jobFlagIntrinsics,
		Aliases:  []string{"i"},
		Required: true,
		Usage:    "intrinsics JSON `FILE`",
	},
}

var app = &cli.App{
	Name:            "calibrate",
	Usage:           "calibrate cameras and projectors from point correspondences",
	HideHelpCommand: true,
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:    generalFlagDebug,
			Aliases: []string{"vvv"},
			Usage:   "enable debug logging",
		},
		&cli.StringFlag{
			Name:  generalFlagLogLevel,
			Value: "info",
			Usage: "lowest `LEVEL` logged: debug, info, warn or error",
		},
		&cli.PathFlag{
			Name:  generalFlagLogFile,
			Usage: "also write logs to a rotated `FILE`",
		},
	},
	Before: setupLogging,
	After:  closeLogging,
	Commands: []*cli.Command{
		{
			Name:   "camera",
			Usage:  "estimate intrinsics, distortion and target poses from the job samples",
			Flags:  append(jobFlags, &cli.PathFlag{Name: jobFlagPlot, Usage: "save a residual scatter plot to `FILE`"}),
			Action: CameraAction,
		},
		{
			Name:   "pnp",
			Usage:  "estimate the pose of each job sample with the job intrinsics",
			Flags:  jobFlags,
			Action: PnPAction,
		},
		{
			Name:   "stereo",
			Usage:  "estimate the pose of camera B relative to camera A",
			Flags:  append(jobFlags, &cli.PathFlag{Name: jobFlagPlot, Usage: "save a residual scatter plot to `FILE`"}),
			Action: StereoAction,
		},
		{
			Name:      "undistort",
			Usage:     "remove the lens distortion from a captured image",
			ArgsUsage: "<image in> <image out>",
			Flags:     remapFlags,
			Action:    UndistortAction,
		},
		{
			Name:      "predistort",
			Usage:     "warp an image so a projector with these intrinsics displays it undistorted",
			ArgsUsage: "<image in> <image out>",
			Flags:     remapFlags,
			Action:    PredistortAction,
		},
		{
			Name:   "schema",
			Usage:  "print the JSON schema of job files",
			Action: SchemaAction,
		},
	},
}

// NewApp returns a new app with the calibration commands, Writer set to out, and ErrWriter
// set to errOut.
func NewApp(out, errOut io.Writer) *cli.App {
	app.Writer = out
	app.ErrWriter = errOut
	return app
}

type loggerState struct {
	logger logging.Logger
	closer io.Closer
}

func setupLogging(c *cli.Context) error {
	level, err := logging.LevelFromString(c.String(generalFlagLogLevel))
	if err != nil {
		return err
	}
	if c.Bool(generalFlagDebug) {
		level = logging.DEBUG
	}
	logger := logging.NewBlankLogger("calibrate")
	logger.SetLevel(level)
	logger.AddAppender(logging.NewWriterAppender(c.App.ErrWriter))
	state := &loggerState{logger: logger}
	if path := c.Path(generalFlagLogFile); path != "" {
		appender, closer := logging.NewFileAppender(path)
		logger.AddAppender(appender)
		state.closer = closer
	}
	if c.App.Metadata == nil {
		c.App.Metadata = map[string]interface{}{}
	}
	c.App.Metadata[loggerKey] = state
	return nil
}

func closeLogging(c *cli.Context) error {
	state, ok := c.App.Metadata[loggerKey].(*loggerState)
	if !ok {
		return nil
	}
	err := state.logger.Sync()
	if state.closer != nil {
		err = multierr.Append(err, state.closer.Close())
	}
	return err
}

func loggerFrom(c *cli.Context) logging.Logger {
	if state, ok := c.App.Metadata[loggerKey].(*loggerState); ok {
		return state.logger
	}
	return logging.NewBlankLogger("calibrate")
}

func printf(w io.Writer, format string, a ...interface{}) {
	//nolint:errcheck
	fmt.Fprintf(w, format+"\n", a...)
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return errors.Wrapf(err, "cannot write %q", path)
	}
	return nil
}
