package spatialmath

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
	"gonum.org/v1/gonum/num/quat"
)

func rotZ(theta float64) quat.Number {
	return quat.Number{Real: math.Cos(theta / 2), Kmag: math.Sin(theta / 2)}
}

func TestPoseComposeInvert(t *testing.T) {
	p := NewPose(rotZ(math.Pi/3), r3.Vector{X: 1, Y: -2, Z: 0.5})
	q := NewPose(rotZ(-math.Pi/5), r3.Vector{X: 0.2, Y: 3, Z: -1})

	roundTrip := p.Compose(p.Invert())
	test.That(t, roundTrip.AlmostEqual(NewZeroPose(), 1e-9), test.ShouldBeTrue)

	// applying a composition matches applying the parts in order
	v := r3.Vector{X: 4, Y: 5, Z: 6}
	got := p.Compose(q).TransformPoint(v)
	want := p.TransformPoint(q.TransformPoint(v))
	test.That(t, got.Sub(want).Norm(), test.ShouldBeLessThan, 1e-9)
}

func TestRotate(t *testing.T) {
	v := Rotate(rotZ(math.Pi/2), r3.Vector{X: 1})
	test.That(t, v.X, test.ShouldAlmostEqual, 0, 1e-12)
	test.That(t, v.Y, test.ShouldAlmostEqual, 1, 1e-12)
	test.That(t, v.Z, test.ShouldAlmostEqual, 0, 1e-12)
}

func TestSim3Compose(t *testing.T) {
	a := NewSim3(rotZ(math.Pi/4), r3.Vector{X: 1, Y: 2, Z: 3}, 2)
	b := NewSim3(rotZ(math.Pi/7), r3.Vector{X: -1, Y: 0.5, Z: 2}, 0.5)

	v := r3.Vector{X: 0.3, Y: -0.7, Z: 1.1}
	got := a.Compose(b).TransformPoint(v)
	want := a.TransformPoint(b.TransformPoint(v))
	test.That(t, got.Sub(want).Norm(), test.ShouldBeLessThan, 1e-9)
}

func TestSim3Invert(t *testing.T) {
	a := NewSim3(rotZ(-math.Pi/3), r3.Vector{X: 2, Y: 1, Z: -4}, 3)
	id := a.Compose(a.Invert())
	test.That(t, id.AlmostEqual(IdentitySim3(), 1e-9), test.ShouldBeTrue)

	v := r3.Vector{X: 9, Y: -2, Z: 0.1}
	back := a.Invert().TransformPoint(a.TransformPoint(v))
	test.That(t, back.Sub(v).Norm(), test.ShouldBeLessThan, 1e-9)
}

func TestSim3PoseFoldsScale(t *testing.T) {
	a := NewSim3(rotZ(math.Pi/6), r3.Vector{X: 4, Y: -6, Z: 2}, 2)
	p := a.Pose()
	test.That(t, p.T.X, test.ShouldAlmostEqual, 2)
	test.That(t, p.T.Y, test.ShouldAlmostEqual, -3)
	test.That(t, p.T.Z, test.ShouldAlmostEqual, 1)
	test.That(t, p.R, test.ShouldResemble, a.R)
}

func TestSim3FromPoseIdentityScale(t *testing.T) {
	p := NewPose(rotZ(1), r3.Vector{X: 1})
	s := Sim3FromPose(p)
	test.That(t, s.S, test.ShouldEqual, 1.0)
	test.That(t, s.Pose().AlmostEqual(p, 1e-12), test.ShouldBeTrue)
}

func TestRotationMatrixRoundTrip(t *testing.T) {
	q := Normalize(quat.Number{Real: 0.7, Imag: 0.2, Jmag: -0.5, Kmag: 0.4})
	back := QuatFromRotationMatrix(RotationMatrix(q))

	v := r3.Vector{X: 1, Y: 2, Z: 3}
	test.That(t, Rotate(back, v).Sub(Rotate(q, v)).Norm(), test.ShouldBeLessThan, 1e-9)
}
