package spatialmath

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
)

func TestSimilarityAlgebra(t *testing.T) {
	s := Similarity{Rotation: QuatFromAxisAngle(r3.Vector{Y: 1}, 0.7), Translation: r3.Vector{X: 1, Y: 0, Z: -2}, Scale: 1.3}
	o := Similarity{Rotation: QuatFromAxisAngle(r3.Vector{X: 1}, -0.2), Translation: r3.Vector{Y: 4}, Scale: 0.5}
	p := r3.Vector{X: 1, Y: 2, Z: 3}

	composed := s.Compose(o).Apply(p)
	expected := s.Apply(o.Apply(p))
	test.That(t, composed.Sub(expected).Norm(), test.ShouldBeLessThan, 1e-9)

	back := s.Inverse().Apply(s.Apply(p))
	test.That(t, back.Sub(p).Norm(), test.ShouldBeLessThan, 1e-9)

	fromMatrix := SimilarityFromMatrix(s.Matrix())
	test.That(t, fromMatrix.AlmostEqual(s, 1e-9, 1e-9, 1e-9), test.ShouldBeTrue)

	rigid := s.AsPose()
	test.That(t, rigid.IsValid(), test.ShouldBeTrue)
	test.That(t, rigid.Translation, test.ShouldResemble, s.Translation)

	test.That(t, IdentitySimilarity().IsValid(), test.ShouldBeTrue)
	test.That(t, Similarity{}.IsValid(), test.ShouldBeFalse)
}

func TestInterpolateSimilarity(t *testing.T) {
	a := IdentitySimilarity()
	b := Similarity{Rotation: QuatFromAxisAngle(r3.Vector{Z: 1}, math.Pi/3), Translation: r3.Vector{X: 2}, Scale: 1.2}

	start := InterpolateSimilarity(a, b, 0)
	test.That(t, start.AlmostEqual(a, 1e-12, 1e-7, 1e-12), test.ShouldBeTrue)
	end := InterpolateSimilarity(a, b, 1)
	test.That(t, end.AlmostEqual(b, 1e-12, 1e-7, 1e-12), test.ShouldBeTrue)

	mid := InterpolateSimilarity(a, b, 0.5)
	test.That(t, mid.Translation.X, test.ShouldAlmostEqual, 1.0)
	test.That(t, mid.Scale, test.ShouldAlmostEqual, 1.1)
	test.That(t, QuatAngle(mid.Rotation, a.Rotation), test.ShouldAlmostEqual, math.Pi/6, 1e-7)

	clamped := InterpolateSimilarity(a, b, 3)
	test.That(t, clamped.AlmostEqual(b, 1e-12, 1e-7, 1e-12), test.ShouldBeTrue)
}
