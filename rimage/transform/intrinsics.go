package transform

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/go-viper/mapstructure/v2"
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/utils"
	"gonum.org/v1/gonum/mat"
)

// ErrNoIntrinsics is when a camera does not have intrinsics parameters or other parameters.
var ErrNoIntrinsics = errors.New("camera intrinsic parameters are not available")

// NewNoIntrinsicsError is used when the intrinsics are not defined.
func NewNoIntrinsicsError(msg string) error {
	return errors.Wrap(ErrNoIntrinsics, msg)
}

// Intrinsics holds the pinhole parameters and lens distortion of a camera or projector at a fixed
// reference resolution. Values are in pixels with the origin at the top-left corner, x right and
// y down. They are not resolution independent: use Rescale when the image is resized.
//
// The JSON and key-value record forms are flat and carry no derived data, so a round trip
// reproduces every field exactly.
type Intrinsics struct {
	Cx float64 `json:"cx" mapstructure:"cx"`
	Cy float64 `json:"cy" mapstructure:"cy"`
	Fx float64 `json:"fx" mapstructure:"fx"`
	Fy float64 `json:"fy" mapstructure:"fy"`
	// Distortion holds the coefficients in the order k1, k2, p1, p2[, k3[, k4, k5, k6[, s1, s2,
	// s3, s4[, τx, τy]]]]. Absent terms are zero.
	Distortion []float64 `json:"distortionCoeffs" mapstructure:"distortionCoeffs"`
	Width      int       `json:"resolution.x" mapstructure:"resolution.x"`
	Height     int       `json:"resolution.y" mapstructure:"resolution.y"`
	// RMSError is the reprojection error reported by the solver that produced these values.
	RMSError float64 `json:"rmsError" mapstructure:"rmsError"`
}

// NewIntrinsics returns distortion-free intrinsics.
func NewIntrinsics(width, height int, fx, fy, cx, cy float64) *Intrinsics {
	return &Intrinsics{
		Cx:         cx,
		Cy:         cy,
		Fx:         fx,
		Fy:         fy,
		Distortion: []float64{},
		Width:      width,
		Height:     height,
	}
}

// NewIntrinsicsFromCameraMatrix builds intrinsics from a 3x3 camera matrix as produced by a
// solver and its distortion coefficients.
func NewIntrinsicsFromCameraMatrix(k mat.Matrix, distortion []float64, width, height int) (*Intrinsics, error) {
	if r, c := k.Dims(); r != 3 || c != 3 {
		return nil, errors.Errorf("camera matrix must be 3x3, got %dx%d", r, c)
	}
	intrinsics := &Intrinsics{
		Cx:         k.At(0, 2),
		Cy:         k.At(1, 2),
		Fx:         k.At(0, 0),
		Fy:         math.Abs(k.At(1, 1)),
		Distortion: append([]float64{}, distortion...),
		Width:      width,
		Height:     height,
	}
	if err := intrinsics.CheckValid(); err != nil {
		return nil, err
	}
	return intrinsics, nil
}

// IsValid reports whether the instance was fully constructed or deserialized. It does not check
// the values themselves, see CheckValid for that.
func (params *Intrinsics) IsValid() bool {
	return params != nil && params.Distortion != nil
}

// CheckValid checks if the fields for Intrinsics have valid inputs.
func (params *Intrinsics) CheckValid() error {
	if params == nil {
		return NewNoIntrinsicsError("Intrinsics do not exist")
	}
	if params.Width <= 0 || params.Height <= 0 {
		return NewNoIntrinsicsError(fmt.Sprintf("Invalid size (%#v, %#v)", params.Width, params.Height))
	}
	if !(params.Fx > 0) || math.IsInf(params.Fx, 0) {
		return NewNoIntrinsicsError(fmt.Sprintf("Invalid focal length Fx = %#v", params.Fx))
	}
	if !(params.Fy > 0) || math.IsInf(params.Fy, 0) {
		return NewNoIntrinsicsError(fmt.Sprintf("Invalid focal length Fy = %#v", params.Fy))
	}
	if !isFinite(params.Cx) || !isFinite(params.Cy) {
		return NewNoIntrinsicsError(fmt.Sprintf("Invalid principal point (%#v, %#v)", params.Cx, params.Cy))
	}
	if params.Distortion == nil {
		return NewNoIntrinsicsError("distortion coefficients missing")
	}
	bc, err := NewBrownConrady(params.Distortion)
	if err != nil {
		return err
	}
	return bc.CheckValid()
}

// CameraMatrix returns the 3x3 pinhole camera matrix in image convention.
// Camera matrix:
// [[fx 0  cx],
//
//	[0  fy cy],
//	[0  0  1]]
func (params *Intrinsics) CameraMatrix() *mat.Dense {
	if params == nil {
		return nil
	}
	return mat.NewDense(3, 3, []float64{
		params.Fx, 0, params.Cx,
		0, params.Fy, params.Cy,
		0, 0, 1,
	})
}

// DistortionCoefficients returns all 14 coefficients with absent terms set to zero.
func (params *Intrinsics) DistortionCoefficients() []float64 {
	out := make([]float64, maxDistortionCoefficients)
	copy(out, params.Distortion)
	return out
}

// Distorter returns the forward lens model of these intrinsics.
func (params *Intrinsics) Distorter() *BrownConrady {
	bc, err := NewBrownConrady(params.Distortion)
	if err != nil {
		// an illegal coefficient count still yields a usable model over the known prefix
		bc, _ = NewBrownConrady(params.DistortionCoefficients())
	}
	return bc
}

// HasDistortion reports whether any distortion coefficient is non-zero.
func (params *Intrinsics) HasDistortion() bool {
	for _, c := range params.Distortion {
		if c != 0 {
			return true
		}
	}
	return false
}

// Copy returns a deep copy.
func (params *Intrinsics) Copy() *Intrinsics {
	out := *params
	if params.Distortion != nil {
		out.Distortion = append([]float64{}, params.Distortion...)
	}
	return &out
}

// NormalizedToPixel applies the lens distortion and then the solver camera matrix to a point in
// normalized camera coordinates.
func (params *Intrinsics) NormalizedToPixel(x, y float64) (float64, float64) {
	xd, yd := params.Distorter().Distort(x, y)
	return params.Fx*xd + params.Cx, solverFy(params.Fy)*yd + params.Cy
}

// PixelToNormalized inverts NormalizedToPixel: it removes the solver camera matrix and then the
// lens distortion.
func (params *Intrinsics) PixelToNormalized(u, v float64) (float64, float64) {
	xd := (u - params.Cx) / params.Fx
	yd := (v - params.Cy) / solverFy(params.Fy)
	if !params.HasDistortion() {
		return xd, yd
	}
	return Undistort(params.Distorter(), xd, yd)
}

// ProjectPoint projects a world point into the image through the pose and these intrinsics. The
// second return is false when the point lies on or behind the camera plane.
func (params *Intrinsics) ProjectPoint(pose *Extrinsics, p r3.Vector) (r2.Point, bool) {
	pc := pose.Apply(p)
	if pc.Z <= 0 {
		return r2.Point{}, false
	}
	u, v := params.NormalizedToPixel(pc.X/pc.Z, pc.Y/pc.Z)
	return r2.Point{X: u, Y: v}, true
}

// PixelFunc returns the mapping of pixels through the lens model of the given type, with the
// camera matrix removed before and applied after it. BrownConradyDistortionType maps an
// undistorted pixel to the distorted pixel the lens sends it to; InverseBrownConradyDistortionType
// goes the other way.
func (params *Intrinsics) PixelFunc(model DistortionType) (func(u, v float64) (float64, float64), error) {
	d, err := NewDistorter(model, params.Distortion)
	if err != nil {
		return nil, err
	}
	if err := d.CheckValid(); err != nil {
		return nil, err
	}
	fy := solverFy(params.Fy)
	return func(u, v float64) (float64, float64) {
		x, y := d.Transform((u-params.Cx)/params.Fx, (v-params.Cy)/fy)
		return x*params.Fx + params.Cx, y*fy + params.Cy
	}, nil
}

// ProjectionMatrix returns an OpenGL style 4x4 perspective projection matrix for a y-up camera
// looking down -z, reproducing the pinhole parameters at this resolution.
func (params *Intrinsics) ProjectionMatrix(near, far float64) (*mat.Dense, error) {
	if err := params.CheckValid(); err != nil {
		return nil, err
	}
	if !(near > 0) || !(far > near) {
		return nil, errors.Errorf("invalid clip planes near=%v far=%v", near, far)
	}
	w, h := float64(params.Width), float64(params.Height)
	return mat.NewDense(4, 4, []float64{
		2 * params.Fx / w, 0, 1 - 2*params.Cx/w, 0,
		0, 2 * params.Fy / h, 2*params.Cy/h - 1, 0,
		0, 0, -(far + near) / (far - near), -2 * far * near / (far - near),
		0, 0, -1, 0,
	}), nil
}

// Rescale returns intrinsics for the same lens at a different resolution. Distortion acts on
// normalized coordinates and is unchanged; RMSError keeps its original value.
func (params *Intrinsics) Rescale(width, height int) (*Intrinsics, error) {
	if err := params.CheckValid(); err != nil {
		return nil, err
	}
	if width <= 0 || height <= 0 {
		return nil, errors.Errorf("invalid target size (%d, %d)", width, height)
	}
	sx := float64(width) / float64(params.Width)
	sy := float64(height) / float64(params.Height)
	out := params.Copy()
	out.Width, out.Height = width, height
	out.Fx *= sx
	out.Cx *= sx
	out.Fy *= sy
	out.Cy *= sy
	return out, nil
}

// PhysicalCamera is the lens description used by engine physical cameras.
type PhysicalCamera struct {
	// FocalLength in millimeters.
	FocalLength float64 `json:"focal_length_mm"`
	// SensorSize in millimeters.
	SensorSize r2.Point `json:"sensor_size_mm"`
	// LensShift as a fraction of the sensor size, x right and y up.
	LensShift r2.Point `json:"lens_shift"`
	Width     int      `json:"width_px"`
	Height    int      `json:"height_px"`
}

// ToPhysicalCamera converts the pinhole parameters to a physical camera with the given sensor
// width. The sensor height is chosen so that fy is preserved.
func (params *Intrinsics) ToPhysicalCamera(sensorWidthMM float64) (*PhysicalCamera, error) {
	if err := params.CheckValid(); err != nil {
		return nil, err
	}
	if !(sensorWidthMM > 0) {
		return nil, errors.Errorf("invalid sensor width %v", sensorWidthMM)
	}
	w, h := float64(params.Width), float64(params.Height)
	focal := params.Fx * sensorWidthMM / w
	return &PhysicalCamera{
		FocalLength: focal,
		SensorSize:  r2.Point{X: sensorWidthMM, Y: focal * h / params.Fy},
		LensShift:   r2.Point{X: (w/2 - params.Cx) / w, Y: (params.Cy - h/2) / h},
		Width:       params.Width,
		Height:      params.Height,
	}, nil
}

// NewIntrinsicsFromPhysicalCamera converts a physical camera description to distortion-free
// pinhole intrinsics.
func NewIntrinsicsFromPhysicalCamera(pc *PhysicalCamera) (*Intrinsics, error) {
	if pc == nil {
		return nil, NewNoIntrinsicsError("physical camera is nil")
	}
	if !(pc.FocalLength > 0) || !(pc.SensorSize.X > 0) || !(pc.SensorSize.Y > 0) {
		return nil, NewNoIntrinsicsError(fmt.Sprintf("invalid physical camera %+v", *pc))
	}
	w, h := float64(pc.Width), float64(pc.Height)
	intrinsics := NewIntrinsics(pc.Width, pc.Height,
		pc.FocalLength*w/pc.SensorSize.X,
		pc.FocalLength*h/pc.SensorSize.Y,
		w/2-pc.LensShift.X*w,
		h/2+pc.LensShift.Y*h,
	)
	if err := intrinsics.CheckValid(); err != nil {
		return nil, err
	}
	return intrinsics, nil
}

// Record returns the flat key-value form of the intrinsics.
func (params *Intrinsics) Record() map[string]interface{} {
	var dist []float64
	if params.Distortion != nil {
		dist = append([]float64{}, params.Distortion...)
	}
	return map[string]interface{}{
		"cx":               params.Cx,
		"cy":               params.Cy,
		"fx":               params.Fx,
		"fy":               params.Fy,
		"distortionCoeffs": dist,
		"resolution.x":     params.Width,
		"resolution.y":     params.Height,
		"rmsError":         params.RMSError,
	}
}

// NewIntrinsicsFromRecord decodes the flat key-value form. Unknown keys are rejected. A record
// without distortion coefficients decodes to an instance for which IsValid is false.
func NewIntrinsicsFromRecord(record map[string]interface{}) (*Intrinsics, error) {
	intrinsics := &Intrinsics{}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		ErrorUnused: true,
		Result:      intrinsics,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(record); err != nil {
		return nil, errors.Wrap(err, "error decoding intrinsics record")
	}
	return intrinsics, nil
}

// NewIntrinsicsFromJSONFile takes in a file path to a JSON and turns it into Intrinsics.
func NewIntrinsicsFromJSONFile(jsonPath string) (*Intrinsics, error) {
	//nolint:gosec
	jsonFile, err := os.Open(jsonPath)
	if err != nil {
		return nil, errors.Wrap(err, "error opening JSON file")
	}
	defer utils.UncheckedErrorFunc(jsonFile.Close)
	byteValue, err := io.ReadAll(jsonFile)
	if err != nil {
		return nil, errors.Wrap(err, "error reading JSON data")
	}
	intrinsics := &Intrinsics{}
	if err := json.Unmarshal(byteValue, intrinsics); err != nil {
		return nil, errors.Wrap(err, "error parsing JSON string")
	}
	return intrinsics, nil
}

// WriteJSONFile writes the intrinsics to a JSON file.
func (params *Intrinsics) WriteJSONFile(jsonPath string) error {
	b, err := json.MarshalIndent(params, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(jsonPath, b, 0o644)
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
