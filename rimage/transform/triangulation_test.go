package transform

import (
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"go.viam.com/mapshare/spatialmath"
)

func observe(t *testing.T, intrinsics *PinholeCameraIntrinsics, worldTCamera spatialmath.Pose, point r3.Vector) Observation {
	t.Helper()
	pixel, ok := ProjectWorldPoint(intrinsics, worldTCamera.Inverse(), point)
	test.That(t, ok, test.ShouldBeTrue)
	return Observation{Intrinsics: intrinsics, WorldTCamera: worldTCamera, Pixel: pixel}
}

func TestTriangulatePoint(t *testing.T) {
	intrinsics := testIntrinsics()
	point := r3.Vector{X: 0.3, Y: -0.2, Z: 3}
	cameras := []spatialmath.Pose{
		spatialmath.IdentityPose(),
		spatialmath.NewPose(spatialmath.QuatFromAxisAngle(r3.Vector{Y: 1}, -0.1), r3.Vector{X: 0.4}),
		spatialmath.NewPose(spatialmath.QuatFromAxisAngle(r3.Vector{X: 1}, 0.05), r3.Vector{Y: 0.2, Z: 0.1}),
	}
	observations := make([]Observation, 0, len(cameras))
	for _, c := range cameras {
		observations = append(observations, observe(t, intrinsics, c, point))
	}

	got, err := TriangulatePoint(observations)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, got.Sub(point).Norm(), test.ShouldBeLessThan, 1e-6)
	for _, obs := range observations {
		e, ok := ReprojectionError(obs, got)
		test.That(t, ok, test.ShouldBeTrue)
		test.That(t, e, test.ShouldBeLessThan, 1e-6)
	}

	_, err = TriangulatePoint(observations[:1])
	test.That(t, err, test.ShouldNotBeNil)
}

func TestTriangulatePointBehindCamera(t *testing.T) {
	intrinsics := testIntrinsics()
	// rays of the point (0.1, 0.1, -2) meet behind both cameras
	a := Observation{Intrinsics: intrinsics, WorldTCamera: spatialmath.IdentityPose(), Pixel: r2.Point{X: 295, Y: 215}}
	b := Observation{
		Intrinsics:   intrinsics,
		WorldTCamera: spatialmath.NewPose(spatialmath.IdentityQuat(), r3.Vector{X: 0.5}),
		Pixel:        r2.Point{X: 420, Y: 215},
	}
	_, err := TriangulatePoint([]Observation{a, b})
	test.That(t, err, test.ShouldNotBeNil)

	_, err = TriangulatePoint([]Observation{a, {Intrinsics: intrinsics, WorldTCamera: spatialmath.InvalidPose(), Pixel: b.Pixel}})
	test.That(t, err, test.ShouldNotBeNil)
}
