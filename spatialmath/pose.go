package spatialmath

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"
)

// Pose is a rigid transformation `frame_T_object`: it maps points given in the object's
// coordinate system into the frame, p_frame = R * p_object + t. A pose carries the timestamp (in
// seconds) of the observation it came from, and can be explicitly invalid, meaning "not known".
// Consumers must check IsValid before using one.
type Pose struct {
	Rotation    quat.Number
	Translation r3.Vector
	Timestamp   float64
	valid       bool
}

// NewPose returns a valid pose. The rotation is normalized.
func NewPose(rotation quat.Number, translation r3.Vector) Pose {
	return Pose{Rotation: Normalize(rotation), Translation: translation, valid: true}
}

// NewPoseFromMatrix returns a valid pose from the rotation and translation blocks of a row-major
// homogeneous matrix. Any scale in the upper 3x3 block is removed.
func NewPoseFromMatrix(m [16]float64) Pose {
	return SimilarityFromMatrix(m).AsPose()
}

// IdentityPose returns the valid identity transformation.
func IdentityPose() Pose {
	return NewPose(IdentityQuat(), r3.Vector{})
}

// InvalidPose returns a pose that is not valid.
func InvalidPose() Pose {
	return Pose{Rotation: IdentityQuat()}
}

// IsValid reports whether the pose holds a transformation.
func (p Pose) IsValid() bool {
	return p.valid
}

// WithTimestamp returns a copy of the pose stamped with ts.
func (p Pose) WithTimestamp(ts float64) Pose {
	p.Timestamp = ts
	return p
}

// Compose returns p * other, i.e. `a_T_c` from p = `a_T_b` and other = `b_T_c`. The result is
// invalid if either input is. The timestamp of p is kept.
func (p Pose) Compose(other Pose) Pose {
	if !p.valid || !other.valid {
		return InvalidPose()
	}
	return Pose{
		Rotation:    Normalize(quat.Mul(p.Rotation, other.Rotation)),
		Translation: RotateVector(p.Rotation, other.Translation).Add(p.Translation),
		Timestamp:   p.Timestamp,
		valid:       true,
	}
}

// Inverse returns `b_T_a` for p = `a_T_b`.
func (p Pose) Inverse() Pose {
	if !p.valid {
		return InvalidPose()
	}
	inv := quat.Conj(p.Rotation)
	return Pose{
		Rotation:    inv,
		Translation: RotateVector(inv, p.Translation).Mul(-1),
		Timestamp:   p.Timestamp,
		valid:       true,
	}
}

// Transform maps a point from the object's coordinate system into the frame.
func (p Pose) Transform(point r3.Vector) r3.Vector {
	return RotateVector(p.Rotation, point).Add(p.Translation)
}

// RotationMatrix returns the rotation of the pose as a matrix, handy in tight loops.
func (p Pose) RotationMatrix() RotationMatrix {
	return QuatToRotationMatrix(p.Rotation)
}

// Matrix returns the row-major homogeneous 4x4 matrix of the pose.
func (p Pose) Matrix() [16]float64 {
	return Similarity{Rotation: p.Rotation, Translation: p.Translation, Scale: 1}.Matrix()
}

// AlmostEqual reports whether two valid poses differ by at most posTol in translation and angTol
// radians in rotation.
func (p Pose) AlmostEqual(other Pose, posTol, angTol float64) bool {
	if !p.valid || !other.valid {
		return false
	}
	return p.Translation.Sub(other.Translation).Norm() <= posTol && QuatAngle(p.Rotation, other.Rotation) <= angTol
}

// String returns a human readable pose.
func (p Pose) String() string {
	if !p.valid {
		return "Pose{invalid}"
	}
	rv := QuatToRotationVector(p.Rotation)
	return fmt.Sprintf("Pose{t: (%.4f, %.4f, %.4f), angle: %.2fdeg, ts: %.3f}",
		p.Translation.X, p.Translation.Y, p.Translation.Z, rv.Norm()*radToDeg, p.Timestamp)
}

// IsFinite reports whether every component of the pose is a finite number.
func (p Pose) IsFinite() bool {
	for _, v := range []float64{
		p.Rotation.Real, p.Rotation.Imag, p.Rotation.Jmag, p.Rotation.Kmag,
		p.Translation.X, p.Translation.Y, p.Translation.Z,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
