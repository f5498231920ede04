// Package spatialmath defines the rigid and similarity transforms used by the
// sparse map and the loop-closing pipeline.
package spatialmath

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"
)

// Pose is a rigid transform, stored as a unit rotation quaternion and a
// translation. Keyframe poses follow the world-to-camera convention: applying
// the pose to a world point yields camera-frame coordinates.
type Pose struct {
	R quat.Number
	T r3.Vector
}

// NewPose returns a pose from the given rotation and translation.
func NewPose(r quat.Number, t r3.Vector) Pose {
	return Pose{R: Normalize(r), T: t}
}

// NewZeroPose returns the identity pose.
func NewZeroPose() Pose {
	return Pose{R: quat.Number{Real: 1}}
}

// Compose returns p*q, the transform that applies q first and then p.
func (p Pose) Compose(q Pose) Pose {
	return Pose{
		R: quat.Mul(p.R, q.R),
		T: Rotate(p.R, q.T).Add(p.T),
	}
}

// Invert returns the inverse transform.
func (p Pose) Invert() Pose {
	rInv := quat.Conj(p.R)
	return Pose{
		R: rInv,
		T: Rotate(rInv, p.T).Mul(-1),
	}
}

// TransformPoint applies the pose to a point.
func (p Pose) TransformPoint(v r3.Vector) r3.Vector {
	return Rotate(p.R, v).Add(p.T)
}

// AlmostEqual reports whether two poses agree within tol on every component.
// A quaternion and its negation describe the same rotation.
func (p Pose) AlmostEqual(o Pose, tol float64) bool {
	q := o.R
	if p.R.Real*q.Real+p.R.Imag*q.Imag+p.R.Jmag*q.Jmag+p.R.Kmag*q.Kmag < 0 {
		q = quat.Scale(-1, q)
	}
	return math.Abs(p.R.Real-q.Real) < tol &&
		math.Abs(p.R.Imag-q.Imag) < tol &&
		math.Abs(p.R.Jmag-q.Jmag) < tol &&
		math.Abs(p.R.Kmag-q.Kmag) < tol &&
		p.T.Sub(o.T).Norm() < tol
}

// Rotate applies the rotation q to the vector v.
func Rotate(q quat.Number, v r3.Vector) r3.Vector {
	qv := quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}
	res := quat.Mul(quat.Mul(q, qv), quat.Conj(q))
	return r3.Vector{X: res.Imag, Y: res.Jmag, Z: res.Kmag}
}

// Normalize scales q to unit norm. The zero quaternion normalizes to the
// identity rotation.
func Normalize(q quat.Number) quat.Number {
	n := math.Sqrt(q.Real*q.Real + q.Imag*q.Imag + q.Jmag*q.Jmag + q.Kmag*q.Kmag)
	if n == 0 {
		return quat.Number{Real: 1}
	}
	return quat.Scale(1/n, q)
}

// RotationMatrix converts a unit quaternion to a 3x3 rotation matrix.
func RotationMatrix(q quat.Number) mgl64.Mat3 {
	mq := mgl64.Quat{W: q.Real, V: mgl64.Vec3{q.Imag, q.Jmag, q.Kmag}}
	return mq.Mat4().Mat3()
}

// QuatFromRotationMatrix converts a 3x3 rotation matrix to a unit quaternion.
func QuatFromRotationMatrix(m mgl64.Mat3) quat.Number {
	mq := mgl64.Mat4ToQuat(m.Mat4())
	return Normalize(quat.Number{Real: mq.W, Imag: mq.V[0], Jmag: mq.V[1], Kmag: mq.V[2]})
}
