package utils

import (
	"math"
	"testing"

	"github.com/golang/geo/r2"
	"go.viam.com/test"
)

func TestRansacIterations(t *testing.T) {
	test.That(t, RansacIterations(3, 0.99, 0), test.ShouldEqual, 1)
	test.That(t, RansacIterations(3, 0.99, 1), test.ShouldEqual, math.MaxInt32)
	// log(0.01) / log(1 - 0.5^3)
	test.That(t, RansacIterations(3, 0.99, 0.5), test.ShouldEqual, 35)
	test.That(t, RansacIterations(3, 0.99, 0.3), test.ShouldBeLessThan, RansacIterations(3, 0.99, 0.5))
	test.That(t, RansacIterations(4, 0.99, 0.5), test.ShouldBeGreaterThan, RansacIterations(3, 0.99, 0.5))
}

func TestClamp(t *testing.T) {
	test.That(t, Clamp(-1, 0, 1), test.ShouldEqual, 0.0)
	test.That(t, Clamp(0.5, 0, 1), test.ShouldEqual, 0.5)
	test.That(t, Clamp(3, 0, 1), test.ShouldEqual, 1.0)
}

func TestSquaredDistance2D(t *testing.T) {
	test.That(t, SquaredDistance2D(r2.Point{X: 1, Y: 2}, r2.Point{X: 4, Y: 6}), test.ShouldEqual, 25.0)
	test.That(t, SquaredDistance2D(r2.Point{X: -3, Y: 0.5}, r2.Point{X: -3, Y: 0.5}), test.ShouldEqual, 0.0)
}
