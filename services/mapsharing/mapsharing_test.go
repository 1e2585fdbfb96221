package mapsharing_test

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/geo/r3"
	"go.viam.com/test"
	gotestutils "go.viam.com/utils/testutils"

	"go.viam.com/mapshare/config"
	"go.viam.com/mapshare/logging"
	"go.viam.com/mapshare/mapsync"
	"go.viam.com/mapshare/rimage/transform"
	"go.viam.com/mapshare/services/mapsharing"
	"go.viam.com/mapshare/spatialmath"
	"go.viam.com/mapshare/testutils"
	"go.viam.com/mapshare/vision/featuremap"
	"go.viam.com/mapshare/vision/mapbuilder"
	"go.viam.com/mapshare/vision/relocalizer"
)

var testIntrinsics = &transform.PinholeCameraIntrinsics{Width: 640, Height: 480, Fx: 500, Fy: 500, Ppx: 320, Ppy: 240}

func testConfig() config.Config {
	cfg := *config.Default()
	cfg.Sync.MaxPublishHz = 1000
	cfg.Relocalizer.StereoMinCorrespondences = 60
	return cfg
}

// waitFor polls an assertion for up to ten seconds.
func waitFor(t *testing.T, assertion func(tb testing.TB)) {
	t.Helper()
	gotestutils.WaitForAssertionWithSleep(t, 20*time.Millisecond, 500, assertion)
}

func TestLifecycle(t *testing.T) {
	scene := testutils.NewScene(50, 1)
	transport := mapsync.NewMemoryTransport(4)
	creator, err := mapsharing.NewCreator(&testutils.SceneDetector{Scene: scene}, transport, testConfig(), nil, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	test.That(t, creator.Stop(), test.ShouldBeError, mapsharing.ErrNotStarted)
	test.That(t, creator.Start(), test.ShouldBeNil)
	test.That(t, creator.Status().Running, test.ShouldBeTrue)
	test.That(t, creator.Start(), test.ShouldBeError, mapsharing.ErrAlreadyStarted)
	test.That(t, creator.Stop(), test.ShouldBeNil)
	test.That(t, creator.Status().Running, test.ShouldBeFalse)

	_, err = mapsharing.NewCreator(nil, transport, testConfig(), nil, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeError, mapbuilder.ErrNoDetector)
	_, err = mapsharing.NewFollower(nil, transport, testConfig(), nil, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeError, relocalizer.ErrNoDetector)
	_, err = mapsharing.NewFollower(&testutils.SceneDetector{Scene: scene}, nil, testConfig(), nil, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldNotBeNil)

	bad := testConfig()
	bad.Sync.Compression = "brotli"
	_, err = mapsharing.NewFollower(&testutils.SceneDetector{Scene: scene}, transport, bad, nil, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldNotBeNil)

	// a follower blocked in receive stops
	follower, err := mapsharing.NewFollower(&testutils.SceneDetector{Scene: scene}, transport, testConfig(), nil, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, follower.Start(), test.ShouldBeNil)
	test.That(t, follower.Stop(), test.ShouldBeNil)
}

func sendMap(t *testing.T, transport mapsync.Transport, fm *featuremap.FeatureMap, version uint64) {
	t.Helper()
	encoded, err := mapsync.EncodeMap(mapsync.NewMapMessage(fm))
	test.That(t, err, test.ShouldBeNil)
	payload, err := mapsync.Compress(config.CompressionLZ4, encoded)
	test.That(t, err, test.ShouldBeNil)
	err = transport.Send(context.Background(), mapsync.Container{Channel: "map", Version: version, Payload: payload})
	test.That(t, err, test.ShouldBeNil)
}

func TestFollowerKeepsNewestMap(t *testing.T) {
	ctx := context.Background()
	transport := mapsync.NewMemoryTransport(8)
	bigScene, smallScene := testutils.NewScene(120, 2), testutils.NewScene(60, 3)
	big, err := bigScene.FeatureMap(ctx, config.DefaultFeatureMapConfig())
	test.That(t, err, test.ShouldBeNil)
	small, err := smallScene.FeatureMap(ctx, config.DefaultFeatureMapConfig())
	test.That(t, err, test.ShouldBeNil)

	follower, err := mapsharing.NewFollower(&testutils.SceneDetector{Scene: bigScene}, transport, testConfig(), nil, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, follower.Start(), test.ShouldBeNil)
	defer func() { test.That(t, follower.Stop(), test.ShouldBeNil) }()

	sendMap(t, transport, big, 3)
	sendMap(t, transport, small, 2)
	// a corrupt container with a newer version is dropped after decoding fails
	test.That(t, transport.Send(ctx, mapsync.Container{Channel: "map", Version: 4, Payload: []byte("garbage")}), test.ShouldBeNil)
	marker, err := mapsync.EncodeRoomObjects([]mapsync.RoomObject{{Identifier: "done"}})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, transport.Send(ctx, mapsync.Container{Channel: "room_objects", Version: 1, Payload: marker}), test.ShouldBeNil)

	waitFor(t, func(tb testing.TB) {
		tb.Helper()
		objects, ok := follower.RoomObjects()
		test.That(tb, ok, test.ShouldBeTrue)
		test.That(tb, objects, test.ShouldHaveLength, 1)
	})
	status := follower.Status()
	test.That(t, status.MapVersion, test.ShouldEqual, uint64(3))
	test.That(t, status.MapLandmarks, test.ShouldEqual, 120)
	test.That(t, status.MapsRejected, test.ShouldEqual, uint64(1))
}

func TestCreatorToFollower(t *testing.T) {
	scene := testutils.NewScene(500, 21)
	logger := logging.NewTestLogger(t)
	clk := clock.NewMock()
	clk.Set(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	transport := mapsync.NewMemoryTransport(64)
	cfg := testConfig()

	creator, err := mapsharing.NewCreator(&testutils.SceneDetector{Scene: scene}, transport, cfg, clk, logger.Sublogger("creator"))
	test.That(t, err, test.ShouldBeNil)
	follower, err := mapsharing.NewFollower(&testutils.SceneDetector{Scene: scene}, transport, cfg, clk, logger.Sublogger("follower"))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, creator.Start(), test.ShouldBeNil)
	defer func() { test.That(t, creator.Stop(), test.ShouldBeNil) }()
	test.That(t, follower.Start(), test.ShouldBeNil)
	defer func() { test.That(t, follower.Stop(), test.ShouldBeNil) }()

	_, ok := follower.Tick(0)
	test.That(t, ok, test.ShouldBeFalse)

	// the creator scans in the map frame
	poses := testutils.Trajectory(40, 1, 0.4)
	for i, pose := range poses {
		creator.SubmitFrame(mapbuilder.Frame{
			Image:        testutils.NewSceneImage(pose),
			Intrinsics:   testIntrinsics,
			WorldTCamera: pose,
			Timestamp:    float64(i) / 10,
		})
		waitFor(t, func(tb testing.TB) {
			tb.Helper()
			test.That(tb, creator.Status().FramesProcessed, test.ShouldEqual, uint64(i+1))
		})
	}
	// the publish rate is measured on the creator's clock, which has not moved: only the first
	// snapshot went out and the newest one waits
	waitFor(t, func(tb testing.TB) {
		tb.Helper()
		status := creator.Status()
		test.That(tb, status.MapsPublished, test.ShouldEqual, uint64(1))
		test.That(tb, status.MapPending, test.ShouldBeTrue)
	})
	test.That(t, creator.Status().LastPublish, test.ShouldEqual, clk.Now())

	waitFor(t, func(tb testing.TB) {
		tb.Helper()
		clk.Add(time.Second)
		status := creator.Status()
		test.That(tb, status.MapPending, test.ShouldBeFalse)
		test.That(tb, follower.MapVersion(), test.ShouldEqual, status.MapVersion)
	})
	status := creator.Status()
	test.That(t, status.MapVersion, test.ShouldEqual, uint64(2))
	test.That(t, status.MapsPublished, test.ShouldEqual, status.MapVersion)
	test.That(t, status.LastPublish.After(clk.Now()), test.ShouldBeFalse)
	test.That(t, follower.Status().MapLandmarks, test.ShouldEqual, status.LastLandmarks)

	// the follower tracks in its own frame
	mapTLocal := spatialmath.Similarity{
		Rotation:    spatialmath.QuatFromAxisAngle(r3.Vector{X: 0.2, Y: 1}, 0.4),
		Translation: r3.Vector{X: 1, Y: -0.5, Z: 2},
		Scale:       1,
	}
	localTMap := mapTLocal.Inverse().AsPose()
	order := []int{0, 5, 10, 15, 20, 25, 30, 35, 37, 32, 27, 22, 17, 12, 7, 2}
	for n, i := range order {
		ts := 10 + float64(n)/10
		follower.SubmitFrame(relocalizer.StereoFrame{
			Image:        testutils.NewSceneImage(poses[i]),
			Intrinsics:   testIntrinsics,
			LocalTCamera: localTMap.Compose(poses[i]),
			Timestamp:    ts,
		})
		waitFor(t, func(tb testing.TB) {
			tb.Helper()
			test.That(tb, follower.Status().FramesProcessed, test.ShouldEqual, uint64(n+1))
		})
	}

	fs := follower.Status()
	test.That(t, fs.Attempts, test.ShouldEqual, uint64(len(order)/2))
	test.That(t, fs.Relocalizations, test.ShouldBeGreaterThanOrEqualTo, uint64(3))
	test.That(t, fs.AlignmentsAccepted, test.ShouldBeGreaterThanOrEqualTo, uint64(1))
	test.That(t, fs.LastRelocalization, test.ShouldEqual, clk.Now())

	alignment, ok := follower.Tick(100)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, alignment.AlmostEqual(mapTLocal, 0.02, 0.01, 0.01), test.ShouldBeTrue)

	_, ok = follower.RemotePose()
	test.That(t, ok, test.ShouldBeFalse)

	// room objects published by the creator reach the follower
	_, err = creator.PublishRoomObjects(context.Background(), []mapsync.RoomObject{{
		Type:       mapsync.RoomObjectVolumetric,
		Identifier: "table",
		Confidence: 0.5,
		Transform:  spatialmath.IdentityPose().Matrix(),
		Dimensions: r3.Vector{X: 1, Y: 1, Z: 0.5},
	}})
	test.That(t, err, test.ShouldBeNil)
	waitFor(t, func(tb testing.TB) {
		tb.Helper()
		objects, ok := follower.RoomObjects()
		test.That(tb, ok, test.ShouldBeTrue)
		test.That(tb, objects[0].Identifier, test.ShouldEqual, "table")
	})
}
