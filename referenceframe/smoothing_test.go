package referenceframe

import (
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"go.viam.com/mapshare/spatialmath"
)

var (
	simA = spatialmath.Similarity{
		Rotation:    spatialmath.QuatFromAxisAngle(r3.Vector{Z: 1}, 0.1),
		Translation: r3.Vector{X: 1},
		Scale:       1,
	}
	simB = spatialmath.Similarity{
		Rotation:    spatialmath.QuatFromAxisAngle(r3.Vector{X: 1, Z: 1}, 0.6),
		Translation: r3.Vector{X: 2, Y: -1, Z: 0.5},
		Scale:       1.05,
	}
)

func TestSmoothedTransformBoundaries(t *testing.T) {
	s := NewSmoothedTransform(1)
	test.That(t, s.Interval(), test.ShouldEqual, 1.0)
	_, ok := s.Transformation(0)
	test.That(t, ok, test.ShouldBeFalse)

	// the first transformation is shown right away
	s.SetTransformation(simA, 0)
	for _, ts := range []float64{-1, 0, 0.5, 5} {
		got, ok := s.Transformation(ts)
		test.That(t, ok, test.ShouldBeTrue)
		test.That(t, got, test.ShouldResemble, simA)
	}

	s.SetTransformation(simB, 10)
	for _, ts := range []float64{9, 10} {
		got, _ := s.Transformation(ts)
		test.That(t, got, test.ShouldResemble, simA)
	}
	for _, ts := range []float64{11, 12} {
		got, _ := s.Transformation(ts)
		test.That(t, got, test.ShouldResemble, simB)
	}
	mid, _ := s.Transformation(10.5)
	test.That(t, mid.AlmostEqual(spatialmath.InterpolateSimilarity(simA, simB, 0.5), 1e-12, 1e-12, 1e-12), test.ShouldBeTrue)
	stamp, ok := s.Timestamp()
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, stamp, test.ShouldEqual, 10.0)
}

func TestSmoothedTransformContinuity(t *testing.T) {
	s := NewSmoothedTransform(2)
	s.SetTransformation(simA, 0)
	s.SetTransformation(simB, 1)
	for _, eps := range []float64{1e-3, 1e-5, 1e-7} {
		start, _ := s.Transformation(1 + eps)
		end, _ := s.Transformation(3 - eps)
		bound := 10 * eps
		test.That(t, start.AlmostEqual(simA, bound, bound, bound), test.ShouldBeTrue)
		test.That(t, end.AlmostEqual(simB, bound, bound, bound), test.ShouldBeTrue)
	}

	// a new target in the middle of a blend starts from what was shown
	before, _ := s.Transformation(2)
	s.SetTransformation(simA, 2)
	after, _ := s.Transformation(2)
	test.That(t, after.AlmostEqual(before, 1e-12, 1e-12, 1e-12), test.ShouldBeTrue)
	final, _ := s.Transformation(4)
	test.That(t, final, test.ShouldResemble, simA)
}

func TestSmoothedTransformReset(t *testing.T) {
	s := NewSmoothedTransform(0.5)
	s.SetTransformation(simA, 1)
	s.Reset()
	_, ok := s.Transformation(2)
	test.That(t, ok, test.ShouldBeFalse)
	_, ok = s.Timestamp()
	test.That(t, ok, test.ShouldBeFalse)
	test.That(t, s.Interval(), test.ShouldEqual, 0.5)

	// without smoothing the new transformation applies from its timestamp on
	none := NewSmoothedTransform(0)
	none.SetTransformation(simA, 0)
	none.SetTransformation(simB, 1)
	got, _ := none.Transformation(1)
	test.That(t, got, test.ShouldResemble, simB)
	got, _ = none.Transformation(0.5)
	test.That(t, got, test.ShouldResemble, simA)
}
