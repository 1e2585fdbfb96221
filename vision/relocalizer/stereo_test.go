package relocalizer

import (
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"go.viam.com/mapshare/config"
	"go.viam.com/mapshare/spatialmath"
)

func TestStereoPairer(t *testing.T) {
	cfg := config.DefaultRelocalizerConfig()
	frame := func(x, z, ts float64) StereoFrame {
		return StereoFrame{
			LocalTCamera: spatialmath.NewPose(spatialmath.IdentityQuat(), r3.Vector{X: x, Z: z}),
			Timestamp:    ts,
		}
	}

	t.Run("insufficient baseline", func(t *testing.T) {
		p := NewStereoPairer(cfg)
		_, ok := p.Add(frame(0, 0, 0))
		test.That(t, ok, test.ShouldBeFalse)
		_, ok = p.Add(frame(0.02, 0, 0.1))
		test.That(t, ok, test.ShouldBeFalse)
		// moving along the viewing direction does not count
		_, ok = p.Add(frame(0, 0.5, 0.2))
		test.That(t, ok, test.ShouldBeFalse)

		pair, ok := p.Add(frame(0.1, 0, 0.3))
		test.That(t, ok, test.ShouldBeTrue)
		test.That(t, pair.Cameras, test.ShouldHaveLength, 2)
		test.That(t, pair.Cameras[0].DeviceTCamera.AlmostEqual(spatialmath.IdentityPose(), 1e-12, 1e-12), test.ShouldBeTrue)
		test.That(t, pair.Cameras[1].DeviceTCamera.Translation.X, test.ShouldAlmostEqual, 0.1)
		test.That(t, pair.LocalTDevice.Timestamp, test.ShouldEqual, 0.0)
		test.That(t, pair.Timestamp, test.ShouldEqual, 0.3)

		// starts over after a pair
		_, ok = p.Add(frame(0.3, 0, 0.4))
		test.That(t, ok, test.ShouldBeFalse)
	})

	t.Run("stale first frame is replaced", func(t *testing.T) {
		p := NewStereoPairer(cfg)
		p.Add(frame(0, 0, 0))
		_, ok := p.Add(frame(0.5, 0, 10))
		test.That(t, ok, test.ShouldBeFalse)
		pair, ok := p.Add(frame(0.6, 0, 10.5))
		test.That(t, ok, test.ShouldBeTrue)
		test.That(t, pair.Cameras[1].DeviceTCamera.Translation.X, test.ShouldAlmostEqual, 0.1)
	})

	t.Run("reset", func(t *testing.T) {
		p := NewStereoPairer(cfg)
		p.Add(frame(0, 0, 0))
		p.Reset()
		_, ok := p.Add(frame(0.5, 0, 0.1))
		test.That(t, ok, test.ShouldBeFalse)
	})
}

type fixedAlignment struct {
	sim spatialmath.Similarity
	ts  float64
	ok  bool
}

func (f fixedAlignment) LatestAlignment() (spatialmath.Similarity, float64, bool) {
	return f.sim, f.ts, f.ok
}

func TestRoughPrior(t *testing.T) {
	mapTLocal := spatialmath.Similarity{
		Rotation:    spatialmath.QuatFromAxisAngle(r3.Vector{Z: 1}, 0.3),
		Translation: r3.Vector{X: 1, Y: 2},
		Scale:       1.02,
	}
	localTCamera := spatialmath.NewPose(spatialmath.QuatFromAxisAngle(r3.Vector{Y: 1}, 0.2), r3.Vector{X: 0.5})
	deviceTCamera := spatialmath.IdentityPose()

	prior := RoughPrior(fixedAlignment{sim: mapTLocal, ts: 10, ok: true}, localTCamera, deviceTCamera, 11, 2)
	test.That(t, prior.IsValid(), test.ShouldBeTrue)
	expected := mapTLocal.ComposePose(localTCamera)
	test.That(t, prior.Translation.Sub(expected.Translation).Norm(), test.ShouldBeLessThan, 1e-12)
	test.That(t, spatialmath.QuatAngle(prior.Rotation, expected.Rotation), test.ShouldBeLessThan, 1e-9)
	test.That(t, prior.Timestamp, test.ShouldEqual, 11.0)

	// too old
	test.That(t, RoughPrior(fixedAlignment{sim: mapTLocal, ts: 10, ok: true}, localTCamera, deviceTCamera, 12, 2).IsValid(),
		test.ShouldBeFalse)
	// nothing accepted yet
	test.That(t, RoughPrior(fixedAlignment{}, localTCamera, deviceTCamera, 11, 2).IsValid(), test.ShouldBeFalse)
	test.That(t, RoughPrior(nil, localTCamera, deviceTCamera, 11, 2).IsValid(), test.ShouldBeFalse)
}
