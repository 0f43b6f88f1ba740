package transform

import (
	"encoding/json"
	"math"

	"github.com/go-viper/mapstructure/v2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"

	"go.viam.com/projcalib/spatialmath"
)

// Extrinsics is the rigid transform taking world coordinates into camera coordinates:
// Xc = Rotation·Xw + Translation.
type Extrinsics struct {
	Rotation    spatialmath.RotationMatrix
	Translation r3.Vector
}

// NewExtrinsics returns the identity pose.
func NewExtrinsics() *Extrinsics {
	return &Extrinsics{Rotation: *spatialmath.IdentityRotation()}
}

// NewExtrinsicsFromVectors builds a pose from a Rodrigues rotation vector and a translation.
func NewExtrinsicsFromVectors(rvec, tvec r3.Vector) *Extrinsics {
	return &Extrinsics{Rotation: *spatialmath.RotationVectorToMatrix(rvec), Translation: tvec}
}

// NewExtrinsicsFromTransform builds the world-to-camera pose of a camera whose position and
// orientation in the world are known, for example from a manually placed rig.
func NewExtrinsicsFromTransform(position r3.Vector, orientation quat.Number) *Extrinsics {
	camToWorld := spatialmath.QuatToRotationMatrix(orientation)
	rot := camToWorld.Transpose()
	return &Extrinsics{Rotation: *rot, Translation: rot.RotateVector(position).Mul(-1)}
}

// RotationVector returns the rotation as a Rodrigues vector.
func (e *Extrinsics) RotationVector() r3.Vector {
	return spatialmath.MatrixToRotationVector(&e.Rotation)
}

// Quaternion returns the rotation as a unit quaternion.
func (e *Extrinsics) Quaternion() quat.Number {
	return e.Rotation.Quaternion()
}

// Apply maps a world point into camera coordinates.
func (e *Extrinsics) Apply(p r3.Vector) r3.Vector {
	return e.Rotation.RotateVector(p).Add(e.Translation)
}

// Compose returns the pose that applies other first and then e.
func (e *Extrinsics) Compose(other *Extrinsics) *Extrinsics {
	return &Extrinsics{
		Rotation:    *e.Rotation.Mul(&other.Rotation),
		Translation: e.Rotation.RotateVector(other.Translation).Add(e.Translation),
	}
}

// Inverse returns the camera-to-world transform.
func (e *Extrinsics) Inverse() *Extrinsics {
	rt := e.Rotation.Transpose()
	return &Extrinsics{Rotation: *rt, Translation: rt.RotateVector(e.Translation).Mul(-1)}
}

// CameraPosition returns the camera centre in world coordinates.
func (e *Extrinsics) CameraPosition() r3.Vector {
	return e.Inverse().Translation
}

// Matrix returns the 4x4 homogeneous transform.
func (e *Extrinsics) Matrix() *mat.Dense {
	m := mat.NewDense(4, 4, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			m.Set(i, j, e.Rotation.At(i, j))
		}
	}
	m.Set(0, 3, e.Translation.X)
	m.Set(1, 3, e.Translation.Y)
	m.Set(2, 3, e.Translation.Z)
	m.Set(3, 3, 1)
	return m
}

// IsValid reports whether every value is finite and the rotation is proper.
func (e *Extrinsics) IsValid() bool {
	if e == nil {
		return false
	}
	for _, v := range e.Rotation.Data() {
		if !isFinite(v) {
			return false
		}
	}
	return isFinite(e.Translation.X) && isFinite(e.Translation.Y) && isFinite(e.Translation.Z) &&
		e.Rotation.IsProperRotation(1e-6)
}

// AlmostEqual compares rotation entries and translation components within tol.
func (e *Extrinsics) AlmostEqual(other *Extrinsics, tol float64) bool {
	a, b := e.Rotation.Data(), other.Rotation.Data()
	for i := range a {
		if math.Abs(a[i]-b[i]) > tol {
			return false
		}
	}
	return e.Translation.Sub(other.Translation).Norm() <= tol
}

type extrinsicsJSON struct {
	Rotation    []float64 `json:"rotation" mapstructure:"rotation"`
	Translation []float64 `json:"translation" mapstructure:"translation"`
}

// MarshalJSON writes the rotation as 9 row major values and the translation as 3 values.
func (e Extrinsics) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.toJSON())
}

// UnmarshalJSON reads the form written by MarshalJSON.
func (e *Extrinsics) UnmarshalJSON(data []byte) error {
	var raw extrinsicsJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	return e.fromJSON(raw)
}

// Record returns the flat key-value form of the pose.
func (e *Extrinsics) Record() map[string]interface{} {
	raw := e.toJSON()
	return map[string]interface{}{
		"rotation":    raw.Rotation,
		"translation": raw.Translation,
	}
}

// NewExtrinsicsFromRecord decodes the flat key-value form. Numbers may be of any numeric type,
// as in a record read back from JSON. Unknown keys are rejected.
func NewExtrinsicsFromRecord(record map[string]interface{}) (*Extrinsics, error) {
	var raw extrinsicsJSON
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		ErrorUnused: true,
		Result:      &raw,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(record); err != nil {
		return nil, errors.Wrap(err, "error decoding extrinsics record")
	}
	e := &Extrinsics{}
	if err := e.fromJSON(raw); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Extrinsics) toJSON() extrinsicsJSON {
	return extrinsicsJSON{
		Rotation:    e.Rotation.Data(),
		Translation: []float64{e.Translation.X, e.Translation.Y, e.Translation.Z},
	}
}

func (e *Extrinsics) fromJSON(raw extrinsicsJSON) error {
	rot, err := spatialmath.NewRotationMatrix(raw.Rotation)
	if err != nil {
		return errors.Wrap(err, "invalid extrinsics rotation")
	}
	if len(raw.Translation) != 3 {
		return errors.Errorf("extrinsics translation has %d elements, need exactly 3", len(raw.Translation))
	}
	e.Rotation = *rot
	e.Translation = r3.Vector{X: raw.Translation[0], Y: raw.Translation[1], Z: raw.Translation[2]}
	return nil
}
