package mapsharing

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"golang.org/x/time/rate"

	"go.viam.com/mapshare/config"
	"go.viam.com/mapshare/logging"
	"go.viam.com/mapshare/mapsync"
	"go.viam.com/mapshare/utils"
	"go.viam.com/mapshare/vision/keypoints"
	"go.viam.com/mapshare/vision/mapbuilder"
)

// CreatorStatus summarizes what a creator did so far.
type CreatorStatus struct {
	Running         bool
	State           mapbuilder.State
	FramesSubmitted uint64
	FramesProcessed uint64
	Tracked         int
	Located         int
	MapsPublished   uint64
	MapVersion      uint64
	LastLandmarks   int
	LastPublish     time.Time
	// MapPending is set while a snapshot waits for the publish rate limit.
	MapPending      bool
}

// Creator scans frames into landmark maps and publishes them on the map channel.
type Creator struct {
	cfg       config.Config
	logger    logging.Logger
	clock     clock.Clock
	builder   *mapbuilder.MapBuilder
	sender    *mapsync.Sender
	limiter   *rate.Limiter
	lifecycle lifecycle

	frames    utils.Slot[mapbuilder.Frame]
	snapshots utils.Slot[mapbuilder.Snapshot]

	framesSubmitted atomic.Uint64
	framesProcessed atomic.Uint64
	mapsPublished   atomic.Uint64
	lastLandmarks   atomic.Int64
	lastPublish     atomic.Time
	lastSnapshot    atomic.Uint64
}

// NewCreator returns a stopped creator publishing through transport. A nil clock means the wall
// clock.
func NewCreator(
	detector keypoints.Detector,
	transport mapsync.Transport,
	cfg config.Config,
	clk clock.Clock,
	logger logging.Logger,
) (*Creator, error) {
	if transport == nil {
		return nil, errors.New("creator needs a transport")
	}
	if err := cfg.Validate("config"); err != nil {
		return nil, err
	}
	builder, err := mapbuilder.New(detector, cfg.MapBuilder, logger.Sublogger("mapbuilder"))
	if err != nil {
		return nil, err
	}
	return &Creator{
		cfg:     cfg,
		logger:  logger,
		clock:   newClock(clk),
		builder: builder,
		sender:  mapsync.NewSender(transport),
		limiter: rate.NewLimiter(rate.Limit(cfg.Sync.MaxPublishHz), 1),
	}, nil
}

// Start launches the map-building and sync workers.
func (c *Creator) Start() error {
	return c.lifecycle.start(c.buildWorker, c.syncWorker)
}

// Stop waits for the workers to finish their current unit of work and exit.
func (c *Creator) Stop() error {
	return c.lifecycle.stop()
}

// SubmitFrame hands a tracked frame to the map builder. A frame the builder did not get to before
// the next one arrives is dropped.
func (c *Creator) SubmitFrame(frame mapbuilder.Frame) uint64 {
	c.framesSubmitted.Inc()
	framesSubmitted.WithLabelValues("creator").Inc()
	return c.frames.Update(frame)
}

// SenderID returns the identity stamped on published maps.
func (c *Creator) SenderID() string {
	return c.sender.ID().String()
}

// PublishRoomObjects sends a room object set on the room objects channel.
func (c *Creator) PublishRoomObjects(ctx context.Context, objects []mapsync.RoomObject) (uint64, error) {
	encoded, err := mapsync.EncodeRoomObjects(objects)
	if err != nil {
		return 0, err
	}
	return publish(ctx, c.sender, c.cfg.Sync.Compression, c.cfg.Sync.RoomObjectsChannel, encoded, c.logger)
}

// Status returns a summary of the creator.
func (c *Creator) Status() CreatorStatus {
	tracked, located := c.builder.LandmarkCount()
	return CreatorStatus{
		Running:         c.lifecycle.running(),
		State:           c.builder.State(),
		FramesSubmitted: c.framesSubmitted.Load(),
		FramesProcessed: c.framesProcessed.Load(),
		Tracked:         tracked,
		Located:         located,
		MapsPublished:   c.mapsPublished.Load(),
		MapVersion:      c.sender.Version(c.cfg.Sync.MapChannel),
		LastLandmarks:   int(c.lastLandmarks.Load()),
		LastPublish:     c.lastPublish.Load(),
		MapPending:      c.snapshots.Version() > c.lastSnapshot.Load(),
	}
}

func (c *Creator) buildWorker(ctx context.Context) {
	var lastFrame uint64
	utils.PollUntilStopped(ctx, pollInterval, func(ctx context.Context) bool {
		frame, version, ok := c.frames.TakeIfNewer(lastFrame)
		if !ok {
			return false
		}
		lastFrame = version
		if err := c.builder.Process(ctx, frame); err != nil {
			c.logger.Debugw("skipping frame", "timestamp", frame.Timestamp, "error", err)
			return true
		}
		c.framesProcessed.Inc()
		if snapshot, ok := c.builder.LatestFeatureMap(frame.Timestamp); ok {
			c.snapshots.Update(snapshot)
		}
		return true
	})
}

// syncWorker publishes the newest snapshot once the rate limit allows it. The limit is measured
// on the creator's clock, and a snapshot waiting for it is replaced by newer ones.
func (c *Creator) syncWorker(ctx context.Context) {
	utils.PollUntilStopped(ctx, pollInterval, func(ctx context.Context) bool {
		lastSnapshot := c.lastSnapshot.Load()
		if _, _, ok := c.snapshots.PeekIfNewer(lastSnapshot); !ok || !c.limiter.AllowN(c.clock.Now(), 1) {
			return false
		}
		snapshot, version, ok := c.snapshots.TakeIfNewer(lastSnapshot)
		if !ok {
			return false
		}
		defer c.lastSnapshot.Store(version)
		encoded, err := mapsync.EncodeMap(mapsync.MapMessage{Landmarks: snapshot.Landmarks, Descriptors: snapshot.Descriptors})
		if err != nil {
			c.logger.Warnw("cannot encode map snapshot", "landmarks", len(snapshot.Landmarks), "error", err)
			return true
		}
		if _, err := publish(ctx, c.sender, c.cfg.Sync.Compression, c.cfg.Sync.MapChannel, encoded, c.logger); err != nil {
			c.logger.Infow("map publish failed", "error", err)
			return true
		}
		c.mapsPublished.Inc()
		mapsPublished.Inc()
		c.lastLandmarks.Store(int64(len(snapshot.Landmarks)))
		c.lastPublish.Store(c.clock.Now())
		return true
	})
}
