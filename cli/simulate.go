package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang/geo/r3"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	"go.viam.com/utils"

	"go.viam.com/mapshare/config"
	"go.viam.com/mapshare/mapsync"
	"go.viam.com/mapshare/rimage/transform"
	"go.viam.com/mapshare/services/mapsharing"
	"go.viam.com/mapshare/spatialmath"
	"go.viam.com/mapshare/testutils"
	"go.viam.com/mapshare/vision/mapbuilder"
	"go.viam.com/mapshare/vision/relocalizer"
)

const (
	defaultStepTimeout = 10 * time.Second
	stepPollInterval   = 5 * time.Millisecond
	followerStride     = 5
)

var simulatedIntrinsics = &transform.PinholeCameraIntrinsics{
	Width: 640, Height: 480,
	Fx: 500, Fy: 500,
	Ppx: 320, Ppy: 240,
}

// simulatedMapTLocal is where the follower's tracking frame sits in the map frame.
var simulatedMapTLocal = spatialmath.Similarity{
	Rotation:    spatialmath.QuatFromAxisAngle(r3.Vector{X: 0.2, Y: 1}, 0.4),
	Translation: r3.Vector{X: 1, Y: -0.5, Z: 2},
	Scale:       1,
}

// recordingTransport keeps the last payload sent on one channel.
type recordingTransport struct {
	*mapsync.MemoryTransport
	channel string

	mu   sync.Mutex
	last []byte
}

func (t *recordingTransport) Send(ctx context.Context, c mapsync.Container) error {
	if c.Channel == t.channel {
		t.mu.Lock()
		t.last = append([]byte(nil), c.Payload...)
		t.mu.Unlock()
	}
	return t.MemoryTransport.Send(ctx, c)
}

func (t *recordingTransport) lastPayload() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

// waitUntil polls done until it holds or timeout passes.
func waitUntil(ctx context.Context, timeout time.Duration, what string, done func() bool) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	for !done() {
		if !utils.SelectContextOrWait(ctx, stepPollInterval) {
			return errors.Errorf("timed out waiting for %s", what)
		}
	}
	return nil
}

// followerOrder visits every followerStride-th frame forwards, then walks back on a shifted set
// of frames, so that the follower sees the scene from both directions.
func followerOrder(frames int) []int {
	var order []int
	for i := 0; i < frames; i += followerStride {
		order = append(order, i)
	}
	for i := frames - 3; i >= 0; i -= followerStride {
		order = append(order, i)
	}
	return order
}

type simulationResult struct {
	creator   mapsharing.CreatorStatus
	follower  mapsharing.FollowerStatus
	alignment spatialmath.Similarity
	aligned   bool
	mapBytes  []byte
	elapsed   time.Duration
}

// SimulateAction runs a creator and a follower against one synthetic scene, connected by an in
// memory transport, and prints how well the follower recovered its alignment.
func SimulateAction(c *cli.Context) (err error) {
	cfg, err := config.Load(c.String(generalFlagConfig))
	if err != nil {
		return err
	}
	if compression := c.String(simulateFlagCompression); compression != "" {
		cfg.Sync.Compression = compression
	}
	if c.Int(simulateFlagFrames) < 2*followerStride {
		return errors.Errorf("need at least %d frames", 2*followerStride)
	}
	cl, err := commandLogger(c, cfg)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, cl.Close())
	}()

	result, err := simulate(c.Context, c, cfg, cl)
	if err != nil {
		return err
	}
	if path := c.String(simulateFlagOut); path != "" {
		if len(result.mapBytes) == 0 {
			return errors.New("no map was published")
		}
		if err := os.WriteFile(filepath.Clean(path), result.mapBytes, 0o600); err != nil {
			return errors.Wrap(err, "error writing map message")
		}
	}
	fmt.Fprint(c.App.Writer, renderSimulation(result))
	return nil
}

func simulate(ctx context.Context, c *cli.Context, cfg *config.Config, cl *commandLogging) (simulationResult, error) {
	start := time.Now()
	timeout := c.Duration(simulateFlagTimeout)
	seed := c.Int64(simulateFlagSeed)
	scene := testutils.NewScene(c.Int(simulateFlagLandmarks), seed)
	detector := &testutils.SceneDetector{Scene: scene, PixelNoise: c.Float64(simulateFlagPixelNoise), Seed: seed}
	transport := &recordingTransport{MemoryTransport: mapsync.NewMemoryTransport(64), channel: cfg.Sync.MapChannel}
	defer utils.UncheckedErrorFunc(transport.Close)

	creator, err := mapsharing.NewCreator(detector, transport, *cfg, nil, cl.sublogger("creator"))
	if err != nil {
		return simulationResult{}, err
	}
	follower, err := mapsharing.NewFollower(detector, transport, *cfg, nil, cl.sublogger("follower"))
	if err != nil {
		return simulationResult{}, err
	}
	if err := creator.Start(); err != nil {
		return simulationResult{}, err
	}
	defer utils.UncheckedErrorFunc(creator.Stop)
	if err := follower.Start(); err != nil {
		return simulationResult{}, err
	}
	defer utils.UncheckedErrorFunc(follower.Stop)

	poses := testutils.Trajectory(c.Int(simulateFlagFrames), 1, 0.4)
	for i, pose := range poses {
		creator.SubmitFrame(mapbuilder.Frame{
			Image:        testutils.NewSceneImage(pose),
			Intrinsics:   simulatedIntrinsics,
			WorldTCamera: pose,
			Timestamp:    float64(i) / 10,
		})
		want := uint64(i + 1)
		if err := waitUntil(ctx, timeout, "map builder", func() bool {
			return creator.Status().FramesProcessed >= want
		}); err != nil {
			return simulationResult{}, err
		}
	}
	if err := waitUntil(ctx, timeout, "map delivery", func() bool {
		status := creator.Status()
		return !status.MapPending && status.MapVersion > 0 && follower.MapVersion() == status.MapVersion
	}); err != nil {
		return simulationResult{}, errors.Wrap(err, "the creator published no map the follower could use")
	}

	localTMap := simulatedMapTLocal.Inverse().AsPose()
	base := float64(len(poses))/10 + 1
	var ts float64
	for n, i := range followerOrder(len(poses)) {
		ts = base + float64(n)/10
		follower.SubmitFrame(relocalizer.StereoFrame{
			Image:        testutils.NewSceneImage(poses[i]),
			Intrinsics:   simulatedIntrinsics,
			LocalTCamera: localTMap.Compose(poses[i]),
			Timestamp:    ts,
		})
		want := uint64(n + 1)
		if err := waitUntil(ctx, timeout, "relocalizer", func() bool {
			return follower.Status().FramesProcessed >= want
		}); err != nil {
			return simulationResult{}, err
		}
	}

	// render well after the last observation so that smoothing has settled
	alignment, aligned := follower.Tick(ts + 10*cfg.Aligner.SmoothingIntervalSec + 1)
	return simulationResult{
		creator:   creator.Status(),
		follower:  follower.Status(),
		alignment: alignment,
		aligned:   aligned,
		mapBytes:  transport.lastPayload(),
		elapsed:   time.Since(start),
	}, nil
}

func renderSimulation(r simulationResult) string {
	t := table.NewWriter()
	t.AppendHeader(table.Row{"Stage", "Metric", "Value"})
	t.AppendRows([]table.Row{
		{"creator", "frames processed", fmt.Sprintf("%d/%d", r.creator.FramesProcessed, r.creator.FramesSubmitted)},
		{"creator", "landmarks tracked/located", fmt.Sprintf("%d/%d", r.creator.Tracked, r.creator.Located)},
		{"creator", "maps published", r.creator.MapsPublished},
		{"creator", "last map landmarks", r.creator.LastLandmarks},
		{"sync", "map version", r.follower.MapVersion},
		{"sync", "maps rejected", r.follower.MapsRejected},
		{"sync", "last map bytes", len(r.mapBytes)},
		{"follower", "relocalized/attempts", fmt.Sprintf("%d/%d", r.follower.Relocalizations, r.follower.Attempts)},
		{"follower", "alignments accepted", r.follower.AlignmentsAccepted},
		{"follower", "last correspondences", r.follower.LastCorrespondences},
	})
	t.AppendSeparator()
	if r.aligned {
		t.AppendRows([]table.Row{
			{"alignment", "translation error (m)",
				fmt.Sprintf("%.4f", r.alignment.Translation.Sub(simulatedMapTLocal.Translation).Norm())},
			{"alignment", "rotation error (deg)",
				fmt.Sprintf("%.3f", spatialmath.RadToDeg(spatialmath.QuatAngle(r.alignment.Rotation, simulatedMapTLocal.Rotation)))},
			{"alignment", "scale", fmt.Sprintf("%.4f", r.alignment.Scale)},
		})
	} else {
		t.AppendRow(table.Row{"alignment", "status", "not aligned"})
	}
	t.AppendFooter(table.Row{"", "elapsed", r.elapsed.Round(time.Millisecond)})
	return t.Render() + "\n"
}
