package spatialmath

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"
)

// Sim3 is a similarity transform: rotation, translation and an isotropic
// scale. Applying it to a point computes s*R*p + t. Scale stays fixed at 1
// for stereo and depth sensing; a single camera leaves it free.
type Sim3 struct {
	R quat.Number
	T r3.Vector
	S float64
}

// NewSim3 returns a similarity transform from its parts.
func NewSim3(r quat.Number, t r3.Vector, s float64) Sim3 {
	return Sim3{R: Normalize(r), T: t, S: s}
}

// IdentitySim3 returns the identity similarity transform.
func IdentitySim3() Sim3 {
	return Sim3{R: quat.Number{Real: 1}, S: 1}
}

// Sim3FromPose lifts a rigid transform into a similarity with unit scale.
func Sim3FromPose(p Pose) Sim3 {
	return Sim3{R: p.R, T: p.T, S: 1}
}

// Compose returns a*b, the transform that applies b first and then a.
func (a Sim3) Compose(b Sim3) Sim3 {
	return Sim3{
		R: quat.Mul(a.R, b.R),
		T: Rotate(a.R, b.T).Mul(a.S).Add(a.T),
		S: a.S * b.S,
	}
}

// Invert returns the inverse similarity transform.
func (a Sim3) Invert() Sim3 {
	rInv := quat.Conj(a.R)
	invS := 1 / a.S
	return Sim3{
		R: rInv,
		T: Rotate(rInv, a.T).Mul(-invS),
		S: invS,
	}
}

// TransformPoint applies the similarity transform to a point.
func (a Sim3) TransformPoint(v r3.Vector) r3.Vector {
	return Rotate(a.R, v).Mul(a.S).Add(a.T)
}

// Pose converts the similarity to a rigid transform by folding the scale
// into the translation: [R t/s].
func (a Sim3) Pose() Pose {
	return Pose{R: a.R, T: a.T.Mul(1 / a.S)}
}

// AlmostEqual reports whether two similarity transforms agree within tol.
func (a Sim3) AlmostEqual(b Sim3, tol float64) bool {
	return a.Pose().AlmostEqual(b.Pose(), tol) &&
		math.Abs(a.S-b.S) < tol &&
		a.T.Sub(b.T).Norm() < tol
}
