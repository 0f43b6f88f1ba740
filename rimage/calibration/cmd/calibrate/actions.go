package main

import (
	"encoding/json"
	"fmt"
	"math"
	"runtime"

	"github.com/disintegration/imaging"
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"go.viam.com/projcalib/rimage/calibration"
	"go.viam.com/projcalib/rimage/transform"
	"go.viam.com/projcalib/spatialmath"
)

const radToDeg = 180 / math.Pi

// CameraAction calibrates a camera or projector from the samples of a job.
func CameraAction(c *cli.Context) error {
	cfg, err := calibration.NewJobConfigFromJSONFile(c.Path(jobFlagPath))
	if err != nil {
		return err
	}
	if err := cfg.ValidateCamera(); err != nil {
		return err
	}
	calib, err := calibration.CalibrateCamera(
		cfg.Samples, cfg.Resolution.Width, cfg.Resolution.Height, cfg.Options, loggerFrom(c))
	if err != nil {
		return err
	}

	printf(c.App.Writer, "%s", intrinsicsTable(calib.Intrinsics))
	printf(c.App.Writer, "%s", poseTable(calib.Poses, calib.PerSampleRMS))
	printf(c.App.Writer, "rms reprojection error %.4f px after %d iterations", calib.RMSError, calib.Iterations)
	if path := c.Path(jobFlagPlot); path != "" {
		if err := saveResidualPlot(calib.Report, path); err != nil {
			return err
		}
	}
	if path := c.Path(jobFlagOut); path != "" {
		return writeJSON(path, calib)
	}
	return nil
}

type pnpResult struct {
	Poses        []*transform.Extrinsics `json:"poses"`
	PerSampleRMS []float64               `json:"per_sample_rms"`
}

// PnPAction estimates the pose of every sample of a job with the job intrinsics.
func PnPAction(c *cli.Context) error {
	cfg, err := calibration.NewJobConfigFromJSONFile(c.Path(jobFlagPath))
	if err != nil {
		return err
	}
	if err := cfg.ValidatePnP(); err != nil {
		return err
	}
	// a solver serves one goroutine, so every sample gets its own
	result := pnpResult{
		Poses:        make([]*transform.Extrinsics, len(cfg.Samples)),
		PerSampleRMS: make([]float64, len(cfg.Samples)),
	}
	logger := loggerFrom(c)
	g, _ := errgroup.WithContext(c.Context)
	g.SetLimit(runtime.NumCPU())
	for i, s := range cfg.Samples {
		i, s := i, s
		g.Go(func() error {
			solver := calibration.NewPnPSolver(logger.Sublogger(fmt.Sprintf("sample%d", i)))
			solver.Options = cfg.Options.SolverOptions
			pose, err := solver.Solve(s.WorldPoints, s.ImagePoints, cfg.Intrinsics)
			if err != nil {
				return errors.Wrapf(err, "sample %d", i)
			}
			residuals := make([]r2.Point, len(s.WorldPoints))
			for j, p := range s.WorldPoints {
				px, _ := cfg.Intrinsics.ProjectPoint(pose, p)
				residuals[j] = px.Sub(s.ImagePoints[j])
			}
			report, err := calibration.NewReprojectionReport([][]r2.Point{residuals})
			if err != nil {
				return err
			}
			result.Poses[i] = pose
			result.PerSampleRMS[i] = report.RMS
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	printf(c.App.Writer, "%s", poseTable(result.Poses, result.PerSampleRMS))
	if path := c.Path(jobFlagOut); path != "" {
		return writeJSON(path, result)
	}
	return nil
}

// StereoAction estimates the pose of camera B relative to camera A from the stereo samples of
// a job, once the job's target sample count is reached.
func StereoAction(c *cli.Context) error {
	cfg, err := calibration.NewJobConfigFromJSONFile(c.Path(jobFlagPath))
	if err != nil {
		return err
	}
	if err := cfg.ValidateStereo(); err != nil {
		return err
	}
	calibrator := calibration.NewStereoCalibrator(cfg.Intrinsics, cfg.IntrinsicsB, loggerFrom(c))
	calibrator.TargetSamples = cfg.TargetSamples
	calibrator.Options = cfg.Options.SolverOptions
	for _, s := range cfg.StereoSamples {
		if err := calibrator.AddSample(s); err != nil {
			return err
		}
	}
	calib, err := calibrator.Update()
	if err != nil {
		return err
	}

	rel := calib.Extrinsics
	t := table.NewWriter()
	t.AppendHeader(table.Row{"Rotation (deg)", "Angle (deg)", "Translation", "Baseline", "RMS (px)", "Epipolar (px)"})
	t.AppendRow(table.Row{
		formatVector(rel.RotationVector().Mul(radToDeg), "%.3f"),
		fmt.Sprintf("%.3f", spatialmath.AngleBetween(spatialmath.NewZeroOrientation(), &rel.Rotation)*radToDeg),
		formatVector(rel.Translation, "%.4f"),
		fmt.Sprintf("%.4f", rel.Translation.Norm()),
		fmt.Sprintf("%.4f", calib.RMSError),
		fmt.Sprintf("%.4f / %.4f", calib.EpipolarRMS, calib.FreeEpipolarRMS),
	})
	printf(c.App.Writer, "%s", t.Render())
	if path := c.Path(jobFlagPlot); path != "" {
		if err := saveResidualPlot(calib.Report, path); err != nil {
			return err
		}
	}
	if path := c.Path(jobFlagOut); path != "" {
		return writeJSON(path, calib)
	}
	return nil
}

// UndistortAction writes a copy of a captured image with the lens distortion removed.
func UndistortAction(c *cli.Context) error {
	return remapImage(c, transform.NewDistortionMap)
}

// PredistortAction writes the frame a projector must display for its lens to show the input
// image undistorted.
func PredistortAction(c *cli.Context) error {
	return remapImage(c, transform.NewPredistortionMap)
}

func remapImage(c *cli.Context, newMap func(*transform.Intrinsics) (*transform.DistortionMap, error)) error {
	if c.NArg() != 2 {
		return errors.Errorf("%s needs <image in> <image out>", c.Command.Name)
	}
	intrinsics, err := transform.NewIntrinsicsFromJSONFile(c.Path(jobFlagIntrinsics))
	if err != nil {
		return err
	}
	img, err := imaging.Open(c.Args().Get(0))
	if err != nil {
		return err
	}
	b := img.Bounds()
	if b.Dx() != intrinsics.Width || b.Dy() != intrinsics.Height {
		loggerFrom(c).Infow("rescaling intrinsics to the image",
			"from", []int{intrinsics.Width, intrinsics.Height}, "to", []int{b.Dx(), b.Dy()})
		if intrinsics, err = intrinsics.Rescale(b.Dx(), b.Dy()); err != nil {
			return err
		}
	}
	dm, err := newMap(intrinsics)
	if err != nil {
		return err
	}
	out, err := dm.Remap(img)
	if err != nil {
		return err
	}
	return imaging.Save(out, c.Args().Get(1))
}

// SchemaAction prints the JSON schema of job files.
func SchemaAction(c *cli.Context) error {
	data, err := json.MarshalIndent(calibration.JobSchema(), "", "  ")
	if err != nil {
		return err
	}
	printf(c.App.Writer, "%s", data)
	return nil
}

func intrinsicsTable(in *transform.Intrinsics) string {
	t := table.NewWriter()
	t.AppendHeader(table.Row{"Resolution", "Fx", "Fy", "Cx", "Cy", "Distortion"})
	t.AppendRow(table.Row{
		fmt.Sprintf("%dx%d", in.Width, in.Height),
		fmt.Sprintf("%.3f", in.Fx),
		fmt.Sprintf("%.3f", in.Fy),
		fmt.Sprintf("%.3f", in.Cx),
		fmt.Sprintf("%.3f", in.Cy),
		fmt.Sprint(lo.Map(in.Distortion, func(k float64, _ int) string { return fmt.Sprintf("%.5f", k) })),
	})
	return t.Render()
}

func poseTable(poses []*transform.Extrinsics, rms []float64) string {
	t := table.NewWriter()
	t.AppendHeader(table.Row{"#", "Rotation (deg)", "Translation", "Camera position", "RMS (px)"})
	for i, pose := range poses {
		t.AppendRow(table.Row{
			i,
			formatVector(pose.RotationVector().Mul(radToDeg), "%.3f"),
			formatVector(pose.Translation, "%.4f"),
			formatVector(pose.CameraPosition(), "%.4f"),
			fmt.Sprintf("%.4f", rms[i]),
		})
	}
	return t.Render()
}

func formatVector(v r3.Vector, verb string) string {
	return fmt.Sprintf("X:"+verb+", Y:"+verb+", Z:"+verb, v.X, v.Y, v.Z)
}
