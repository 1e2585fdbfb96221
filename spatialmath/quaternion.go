// Package spatialmath defines rigid and similarity transforms, their quaternion rotations, and the
// absolute orientation solver used to relate two coordinate frames.
package spatialmath

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"
)

const (
	radToDeg = 180 / math.Pi
	degToRad = math.Pi / 180

	// quaternions closer than this (as a dot product) are interpolated linearly.
	slerpLinearThreshold = 0.9995
)

// RotationMatrix is a row-major 3x3 rotation matrix.
type RotationMatrix [9]float64

// IdentityQuat returns the identity rotation.
func IdentityQuat() quat.Number {
	return quat.Number{Real: 1}
}

// Normalize returns q scaled to unit length. The zero quaternion becomes the identity.
func Normalize(q quat.Number) quat.Number {
	norm := quat.Abs(q)
	if norm < 1e-12 {
		return IdentityQuat()
	}
	return quat.Scale(1/norm, q)
}

// QuatDot is the 4D dot product of two quaternions.
func QuatDot(a, b quat.Number) float64 {
	return a.Real*b.Real + a.Imag*b.Imag + a.Jmag*b.Jmag + a.Kmag*b.Kmag
}

// RotateVector rotates v by the unit quaternion q.
func RotateVector(q quat.Number, v r3.Vector) r3.Vector {
	return QuatToRotationMatrix(q).Mul(v)
}

// QuatFromAxisAngle returns the rotation of angle radians around axis.
func QuatFromAxisAngle(axis r3.Vector, angle float64) quat.Number {
	norm := axis.Norm()
	if norm < 1e-12 {
		return IdentityQuat()
	}
	axis = axis.Mul(1 / norm)
	s := math.Sin(angle / 2)
	return quat.Number{Real: math.Cos(angle / 2), Imag: axis.X * s, Jmag: axis.Y * s, Kmag: axis.Z * s}
}

// QuatFromRotationVector converts an axis-angle vector (axis scaled by the angle) to a quaternion.
func QuatFromRotationVector(w r3.Vector) quat.Number {
	theta := w.Norm()
	if theta < 1e-12 {
		return Normalize(quat.Number{Real: 1, Imag: w.X / 2, Jmag: w.Y / 2, Kmag: w.Z / 2})
	}
	return QuatFromAxisAngle(w, theta)
}

// QuatToRotationVector converts a quaternion to an axis-angle vector with angle in [0, pi].
func QuatToRotationVector(q quat.Number) r3.Vector {
	q = Normalize(q)
	if q.Real < 0 {
		q = quat.Scale(-1, q)
	}
	v := r3.Vector{X: q.Imag, Y: q.Jmag, Z: q.Kmag}
	sinHalf := v.Norm()
	if sinHalf < 1e-12 {
		return v.Mul(2)
	}
	theta := 2 * math.Atan2(sinHalf, q.Real)
	return v.Mul(theta / sinHalf)
}

// QuatAngle returns the rotation angle in radians between two rotations, in [0, pi].
func QuatAngle(a, b quat.Number) float64 {
	d := quat.Mul(quat.Conj(Normalize(a)), Normalize(b))
	sinHalf := math.Sqrt(d.Imag*d.Imag + d.Jmag*d.Jmag + d.Kmag*d.Kmag)
	return 2 * math.Atan2(sinHalf, math.Abs(d.Real))
}

// Slerp spherically interpolates between two unit quaternions along the shortest arc; t = 0 gives
// a and t = 1 gives b (or its antipode, which is the same rotation).
func Slerp(a, b quat.Number, t float64) quat.Number {
	dot := QuatDot(a, b)
	if dot < 0 {
		b = quat.Scale(-1, b)
		dot = -dot
	}
	if dot > slerpLinearThreshold {
		return Normalize(quat.Add(a, quat.Scale(t, quat.Sub(b, a))))
	}
	theta0 := math.Acos(dot)
	theta := theta0 * t
	sinTheta0 := math.Sin(theta0)
	s0 := math.Cos(theta) - dot*math.Sin(theta)/sinTheta0
	s1 := math.Sin(theta) / sinTheta0
	return Normalize(quat.Add(quat.Scale(s0, a), quat.Scale(s1, b)))
}

// QuatToRotationMatrix returns the rotation matrix of a unit quaternion.
func QuatToRotationMatrix(q quat.Number) RotationMatrix {
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag
	return RotationMatrix{
		1 - 2*(y*y+z*z), 2 * (x*y - w*z), 2 * (x*z + w*y),
		2 * (x*y + w*z), 1 - 2*(x*x+z*z), 2 * (y*z - w*x),
		2 * (x*z - w*y), 2 * (y*z + w*x), 1 - 2*(x*x+y*y),
	}
}

// QuatFromRotationMatrix converts a rotation matrix to a unit quaternion with a non-negative real
// part.
func QuatFromRotationMatrix(m RotationMatrix) quat.Number {
	var q quat.Number
	trace := m[0] + m[4] + m[8]
	switch {
	case trace > 0:
		s := math.Sqrt(trace+1) * 2
		q = quat.Number{Real: 0.25 * s, Imag: (m[7] - m[5]) / s, Jmag: (m[2] - m[6]) / s, Kmag: (m[3] - m[1]) / s}
	case m[0] > m[4] && m[0] > m[8]:
		s := math.Sqrt(1+m[0]-m[4]-m[8]) * 2
		q = quat.Number{Real: (m[7] - m[5]) / s, Imag: 0.25 * s, Jmag: (m[1] + m[3]) / s, Kmag: (m[2] + m[6]) / s}
	case m[4] > m[8]:
		s := math.Sqrt(1+m[4]-m[0]-m[8]) * 2
		q = quat.Number{Real: (m[2] - m[6]) / s, Imag: (m[1] + m[3]) / s, Jmag: 0.25 * s, Kmag: (m[5] + m[7]) / s}
	default:
		s := math.Sqrt(1+m[8]-m[0]-m[4]) * 2
		q = quat.Number{Real: (m[3] - m[1]) / s, Imag: (m[2] + m[6]) / s, Jmag: (m[5] + m[7]) / s, Kmag: 0.25 * s}
	}
	q = Normalize(q)
	if q.Real < 0 {
		q = quat.Scale(-1, q)
	}
	return q
}

// Mul applies the matrix to a vector.
func (m RotationMatrix) Mul(v r3.Vector) r3.Vector {
	return r3.Vector{
		X: m[0]*v.X + m[1]*v.Y + m[2]*v.Z,
		Y: m[3]*v.X + m[4]*v.Y + m[5]*v.Z,
		Z: m[6]*v.X + m[7]*v.Y + m[8]*v.Z,
	}
}

// QuatAlmostEqual reports whether two quaternions represent the same rotation within tol radians.
func QuatAlmostEqual(a, b quat.Number, tol float64) bool {
	return QuatAngle(a, b) <= tol
}

// DegToRad converts degrees to radians.
func DegToRad(degrees float64) float64 {
	return degrees * degToRad
}

// RadToDeg converts radians to degrees.
func RadToDeg(radians float64) float64 {
	return radians * radToDeg
}
