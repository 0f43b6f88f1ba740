package transform

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
	"gonum.org/v1/gonum/num/quat"

	"go.viam.com/projcalib/spatialmath"
)

func TestExtrinsicsAlgebra(t *testing.T) {
	pose := NewExtrinsicsFromVectors(r3.Vector{X: 0.1, Y: -0.4, Z: 0.25}, r3.Vector{X: 0.2, Y: 0.1, Z: 2.5})
	test.That(t, pose.IsValid(), test.ShouldBeTrue)

	rvec := pose.RotationVector()
	test.That(t, rvec.X, test.ShouldAlmostEqual, 0.1)
	test.That(t, rvec.Y, test.ShouldAlmostEqual, -0.4)
	test.That(t, rvec.Z, test.ShouldAlmostEqual, 0.25)

	identity := pose.Compose(pose.Inverse())
	test.That(t, identity.AlmostEqual(NewExtrinsics(), 1e-12), test.ShouldBeTrue)

	p := r3.Vector{X: 1, Y: -2, Z: 0.5}
	back := pose.Inverse().Apply(pose.Apply(p))
	test.That(t, back.Sub(p).Norm(), test.ShouldBeLessThan, 1e-12)

	// the camera centre maps to the camera origin
	test.That(t, pose.Apply(pose.CameraPosition()).Norm(), test.ShouldBeLessThan, 1e-12)

	other := NewExtrinsicsFromVectors(r3.Vector{Z: 0.3}, r3.Vector{X: -1})
	composed := pose.Compose(other)
	test.That(t, composed.Apply(p).Sub(pose.Apply(other.Apply(p))).Norm(), test.ShouldBeLessThan, 1e-12)

	m := pose.Matrix()
	test.That(t, m.At(0, 3), test.ShouldEqual, 0.2)
	test.That(t, m.At(2, 3), test.ShouldEqual, 2.5)
	test.That(t, m.At(3, 3), test.ShouldEqual, 1.)
	test.That(t, m.At(1, 2), test.ShouldEqual, pose.Rotation.At(1, 2))

	q := pose.Quaternion()
	test.That(t, spatialmath.QuaternionAlmostEqual(q, spatialmath.NewR4AA().Quaternion(), 1e-3), test.ShouldBeFalse)
	test.That(t, quat.Abs(q), test.ShouldAlmostEqual, 1.)

	bad := NewExtrinsics()
	bad.Translation.Z = math.NaN()
	test.That(t, bad.IsValid(), test.ShouldBeFalse)
}

func TestExtrinsicsFromTransform(t *testing.T) {
	position := r3.Vector{X: 1, Y: 2, Z: -3}
	// camera turned to look along world +x
	orientation := (&spatialmath.R4AA{Theta: math.Pi / 2, RY: 1}).Quaternion()
	pose := NewExtrinsicsFromTransform(position, orientation)

	test.That(t, pose.Apply(position).Norm(), test.ShouldBeLessThan, 1e-12)
	ahead := pose.Apply(position.Add(r3.Vector{X: 2}))
	test.That(t, ahead.X, test.ShouldAlmostEqual, 0.)
	test.That(t, ahead.Y, test.ShouldAlmostEqual, 0.)
	test.That(t, ahead.Z, test.ShouldAlmostEqual, 2.)

	c := pose.CameraPosition()
	test.That(t, c.Sub(position).Norm(), test.ShouldBeLessThan, 1e-12)
}

func TestExtrinsicsSerialization(t *testing.T) {
	pose := NewExtrinsicsFromVectors(r3.Vector{X: 0.3, Y: 0.2, Z: -0.1}, r3.Vector{X: 0.5, Y: -0.25, Z: 3})

	b, err := json.Marshal(pose)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(b), test.ShouldContainSubstring, `"translation":[0.5,-0.25,3]`)
	var fromJSON Extrinsics
	test.That(t, json.Unmarshal(b, &fromJSON), test.ShouldBeNil)
	test.That(t, fromJSON.Rotation.Data(), test.ShouldResemble, pose.Rotation.Data())
	test.That(t, fromJSON.Translation, test.ShouldResemble, pose.Translation)

	fromRecord, err := NewExtrinsicsFromRecord(pose.Record())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, fromRecord.AlmostEqual(pose, 0), test.ShouldBeTrue)

	// a record stored as text comes back with generic slices
	b, err = json.Marshal(pose.Record())
	test.That(t, err, test.ShouldBeNil)
	var generic map[string]interface{}
	test.That(t, json.Unmarshal(b, &generic), test.ShouldBeNil)
	fromRecord, err = NewExtrinsicsFromRecord(generic)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, fromRecord.AlmostEqual(pose, 1e-15), test.ShouldBeTrue)

	_, err = NewExtrinsicsFromRecord(map[string]interface{}{"rotation": []float64{1, 0, 0}})
	test.That(t, err, test.ShouldNotBeNil)
	_, err = NewExtrinsicsFromRecord(map[string]interface{}{
		"rotation":    []float64{1, 0, 0, 0, 1, 0, 0, 0, 1},
		"translation": []float64{0, 0, 1},
		"scale":       2,
	})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, json.Unmarshal([]byte(`{"rotation":[1,0,0,0,1,0,0,0,1],"translation":[1,2]}`), &fromJSON), test.ShouldNotBeNil)
}
