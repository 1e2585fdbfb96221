package spatialmath

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"
)

// Similarity is a rotation, translation and uniform scale: p' = Scale * R * p + Translation. The
// zero value is not a valid similarity, use IdentitySimilarity.
type Similarity struct {
	Rotation    quat.Number
	Translation r3.Vector
	Scale       float64
}

// IdentitySimilarity returns the identity transformation.
func IdentitySimilarity() Similarity {
	return Similarity{Rotation: IdentityQuat(), Scale: 1}
}

// SimilarityFromPose returns the similarity of a rigid pose (scale 1).
func SimilarityFromPose(p Pose) Similarity {
	return Similarity{Rotation: p.Rotation, Translation: p.Translation, Scale: 1}
}

// SimilarityFromMatrix decomposes a row-major homogeneous matrix whose upper 3x3 block is a scaled
// rotation.
func SimilarityFromMatrix(m [16]float64) Similarity {
	cols := [3]r3.Vector{
		{X: m[0], Y: m[4], Z: m[8]},
		{X: m[1], Y: m[5], Z: m[9]},
		{X: m[2], Y: m[6], Z: m[10]},
	}
	scale := (cols[0].Norm() + cols[1].Norm() + cols[2].Norm()) / 3
	if scale < 1e-12 {
		return Similarity{Rotation: IdentityQuat(), Translation: r3.Vector{X: m[3], Y: m[7], Z: m[11]}, Scale: 0}
	}
	var rot RotationMatrix
	for c := 0; c < 3; c++ {
		col := cols[c].Mul(1 / scale)
		rot[c], rot[3+c], rot[6+c] = col.X, col.Y, col.Z
	}
	return Similarity{
		Rotation:    QuatFromRotationMatrix(rot),
		Translation: r3.Vector{X: m[3], Y: m[7], Z: m[11]},
		Scale:       scale,
	}
}

// IsValid reports whether the similarity has a positive, finite scale.
func (s Similarity) IsValid() bool {
	return s.Scale > 0 && !math.IsInf(s.Scale, 0) && !math.IsNaN(s.Scale)
}

// Apply maps a point through the similarity.
func (s Similarity) Apply(p r3.Vector) r3.Vector {
	return RotateVector(s.Rotation, p).Mul(s.Scale).Add(s.Translation)
}

// Compose returns s * other.
func (s Similarity) Compose(other Similarity) Similarity {
	return Similarity{
		Rotation:    Normalize(quat.Mul(s.Rotation, other.Rotation)),
		Translation: RotateVector(s.Rotation, other.Translation).Mul(s.Scale).Add(s.Translation),
		Scale:       s.Scale * other.Scale,
	}
}

// ComposePose returns s * p as a similarity, e.g. `map_T_camera` from s = `map_T_local` and
// p = `local_T_camera`.
func (s Similarity) ComposePose(p Pose) Similarity {
	return s.Compose(SimilarityFromPose(p))
}

// Inverse returns the inverse similarity.
func (s Similarity) Inverse() Similarity {
	inv := quat.Conj(s.Rotation)
	invScale := 1 / s.Scale
	return Similarity{
		Rotation:    inv,
		Translation: RotateVector(inv, s.Translation).Mul(-invScale),
		Scale:       invScale,
	}
}

// AsPose drops the scale and returns the rigid part as a valid pose.
func (s Similarity) AsPose() Pose {
	return NewPose(s.Rotation, s.Translation)
}

// Matrix returns the row-major homogeneous 4x4 matrix.
func (s Similarity) Matrix() [16]float64 {
	r := QuatToRotationMatrix(s.Rotation)
	return [16]float64{
		s.Scale * r[0], s.Scale * r[1], s.Scale * r[2], s.Translation.X,
		s.Scale * r[3], s.Scale * r[4], s.Scale * r[5], s.Translation.Y,
		s.Scale * r[6], s.Scale * r[7], s.Scale * r[8], s.Translation.Z,
		0, 0, 0, 1,
	}
}

// InterpolateSimilarity blends two similarities: translation and scale linearly, rotation by
// slerp. t is clamped to [0, 1].
func InterpolateSimilarity(a, b Similarity, t float64) Similarity {
	t = math.Max(0, math.Min(1, t))
	return Similarity{
		Rotation:    Slerp(a.Rotation, b.Rotation, t),
		Translation: a.Translation.Add(b.Translation.Sub(a.Translation).Mul(t)),
		Scale:       a.Scale + (b.Scale-a.Scale)*t,
	}
}

// AlmostEqual reports whether two similarities are within posTol, angTol radians and scaleTol.
func (s Similarity) AlmostEqual(other Similarity, posTol, angTol, scaleTol float64) bool {
	return s.Translation.Sub(other.Translation).Norm() <= posTol &&
		QuatAngle(s.Rotation, other.Rotation) <= angTol &&
		math.Abs(s.Scale-other.Scale) <= scaleTol
}
