package relocalizer

import (
	"context"
	"math/rand"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"go.viam.com/mapshare/config"
	"go.viam.com/mapshare/rimage/transform"
	"go.viam.com/mapshare/spatialmath"
	"go.viam.com/mapshare/testutils"
	"go.viam.com/mapshare/vision/keypoints"
)

var matchingIntrinsics = &transform.PinholeCameraIntrinsics{Width: 640, Height: 480, Fx: 500, Fy: 500, Ppx: 320, Ppy: 240}

func TestMatchUnguidedKeepsClosestFeature(t *testing.T) {
	ctx := context.Background()
	scene := testutils.NewScene(100, 21)
	fm, err := scene.FeatureMap(ctx, config.DefaultFeatureMapConfig())
	test.That(t, err, test.ShouldBeNil)

	rng := rand.New(rand.NewSource(1))
	target := scene.Landmarks[5]
	features := keypoints.Features{
		Points: []r2.Point{{X: 10, Y: 10}, {X: 20, Y: 20}, {X: 30, Y: 30}, {X: 40, Y: 40}},
		Descriptors: []keypoints.Descriptor{
			testutils.FlipBits(target.Descriptor, 20, rng),
			target.Descriptor,
			target.Descriptor,
			scene.Landmarks[7].Descriptor,
		},
	}
	matches, err := matchUnguided(ctx, fm, 0, features, keypoints.MaxDistanceFromFraction(0.25))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, matches, test.ShouldHaveLength, 2)
	test.That(t, matches[0].LandmarkID, test.ShouldEqual, target.ID)
	test.That(t, matches[0].Feature, test.ShouldEqual, 1)
	test.That(t, matches[0].World, test.ShouldResemble, target.Position)
	test.That(t, matches[1].LandmarkID, test.ShouldEqual, scene.Landmarks[7].ID)
	test.That(t, matches[1].Feature, test.ShouldEqual, 3)
}

func TestMatchGuided(t *testing.T) {
	ctx := context.Background()
	scene := testutils.NewScene(200, 23)
	fm, err := scene.FeatureMap(ctx, config.DefaultFeatureMapConfig())
	test.That(t, err, test.ShouldBeNil)

	worldTCamera := testutils.LookAt(r3.Vector{}, r3.Vector{Z: 5})
	detector := &testutils.SceneDetector{Scene: scene, PixelNoise: 1, FlippedBits: 10}
	features, err := detector.Detect(ctx, testutils.NewSceneImage(worldTCamera), matchingIntrinsics, 0)
	test.That(t, err, test.ShouldBeNil)
	visible := scene.Visible(matchingIntrinsics, worldTCamera)
	test.That(t, features.Len(), test.ShouldEqual, len(visible))

	var existing []Correspondence
	for i := 0; i < 10; i++ {
		l := scene.Landmarks[visible[i]]
		existing = append(existing, Correspondence{Feature: i, Pixel: features.Points[i], LandmarkID: l.ID, World: l.Position})
	}
	cameras := []transform.Camera{transform.NewMonoCamera(matchingIntrinsics)}
	added := matchGuided(fm, cameras, []keypoints.Features{features}, worldTCamera.Inverse(), existing, 20, 64)

	test.That(t, len(added), test.ShouldBeGreaterThanOrEqualTo, (len(visible)-10)*9/10)
	usedFeatures := map[int]bool{}
	for _, c := range added {
		test.That(t, c.Feature, test.ShouldBeGreaterThanOrEqualTo, 10)
		test.That(t, usedFeatures[c.Feature], test.ShouldBeFalse)
		usedFeatures[c.Feature] = true
		test.That(t, c.LandmarkID, test.ShouldEqual, scene.Landmarks[visible[c.Feature]].ID)
	}

	// nothing detected
	none := matchGuided(fm, cameras, []keypoints.Features{{}}, worldTCamera.Inverse(), nil, 20, 64)
	test.That(t, none, test.ShouldBeEmpty)
}

func TestRefinePose(t *testing.T) {
	scene := testutils.NewScene(150, 29)
	worldTCamera := testutils.LookAt(r3.Vector{X: 0.2}, r3.Vector{Z: 5})
	truth := worldTCamera.Inverse()
	cameras := []transform.Camera{transform.NewMonoCamera(matchingIntrinsics)}
	r := newRig(cameras)

	var correspondences []Correspondence
	var indices []int
	for n, i := range scene.Visible(matchingIntrinsics, worldTCamera) {
		l := scene.Landmarks[i]
		pixel, _ := transform.ProjectWorldPoint(matchingIntrinsics, truth, l.Position)
		correspondences = append(correspondences, Correspondence{Pixel: pixel, LandmarkID: l.ID, World: l.Position})
		indices = append(indices, n)
	}
	start := spatialmath.NewPose(spatialmath.QuatFromAxisAngle(r3.Vector{X: 1, Z: 1}, 0.02), r3.Vector{Y: 0.05}).Compose(truth)
	refined := refinePose(r, start, correspondences, indices, 20)
	test.That(t, refined.AlmostEqual(truth, 1e-6, 1e-6), test.ShouldBeTrue)
	test.That(t, reprojectionCost(r, refined, correspondences, indices), test.ShouldBeLessThan, 1e-6)

	// too few correspondences leave the pose alone
	test.That(t, refinePose(r, start, correspondences, indices[:2], 20), test.ShouldResemble, start)
}

func TestSolveRANSACWithOutliers(t *testing.T) {
	scene := testutils.NewScene(200, 31)
	worldTCamera := testutils.LookAt(r3.Vector{X: -0.1}, r3.Vector{Z: 5})
	truth := worldTCamera.Inverse()
	cameras := []transform.Camera{transform.NewMonoCamera(matchingIntrinsics)}
	rng := rand.New(rand.NewSource(4))

	var correspondences []Correspondence
	for n, i := range scene.Visible(matchingIntrinsics, worldTCamera) {
		l := scene.Landmarks[i]
		pixel, _ := transform.ProjectWorldPoint(matchingIntrinsics, truth, l.Position)
		if n%3 == 0 {
			pixel = r2.Point{X: rng.Float64() * 640, Y: rng.Float64() * 480}
		}
		correspondences = append(correspondences, Correspondence{Pixel: pixel, LandmarkID: l.ID, World: l.Position})
	}
	res := solveRANSAC(context.Background(), newRig(cameras), correspondences, spatialmath.InvalidPose(), ransacParams{
		maxError:      2,
		maxIterations: 500,
		minPerCamera:  3,
		confidence:    0.99,
	}, rand.New(rand.NewSource(1)))
	test.That(t, res.deviceTWorld.AlmostEqual(truth, 1e-6, 1e-6), test.ShouldBeTrue)
	test.That(t, len(res.inliers), test.ShouldBeGreaterThanOrEqualTo, len(correspondences)*2/3)
	test.That(t, res.iterations, test.ShouldBeLessThan, 500)
}
