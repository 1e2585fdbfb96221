package mapsharing

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.uber.org/atomic"

	"go.viam.com/mapshare/config"
	"go.viam.com/mapshare/logging"
	"go.viam.com/mapshare/mapsync"
	"go.viam.com/mapshare/referenceframe"
	"go.viam.com/mapshare/spatialmath"
	"go.viam.com/mapshare/utils"
	"go.viam.com/mapshare/vision/featuremap"
	"go.viam.com/mapshare/vision/keypoints"
	"go.viam.com/mapshare/vision/relocalizer"
)

// RemotePose is the latest `map_T_device` another device reported.
type RemotePose struct {
	Sender uuid.UUID
	Pose   spatialmath.Pose
}

// FollowerStatus summarizes what a follower did so far.
type FollowerStatus struct {
	Running             bool
	FramesSubmitted     uint64
	FramesProcessed     uint64
	MapVersion          uint64
	MapLandmarks        int
	MapsRejected        uint64
	Attempts            uint64
	Relocalizations     uint64
	AlignmentsAccepted  uint64
	AlignmentPairs      int
	LastRelocalization  time.Time
	LastCorrespondences int
}

// Follower relocalizes camera frames against the maps it receives and aligns its local tracking
// frame with the map frame.
type Follower struct {
	cfg         config.Config
	logger      logging.Logger
	clock       clock.Clock
	transport   mapsync.Transport
	receiver    *mapsync.Receiver
	sender      *mapsync.Sender
	relocalizer *relocalizer.Relocalizer
	aligner     *referenceframe.FrameAligner
	pairer      *relocalizer.StereoPairer
	lifecycle   lifecycle

	maps        utils.Slot[*featuremap.FeatureMap]
	frames      utils.Slot[relocalizer.StereoFrame]
	roomObjects utils.Slot[[]mapsync.RoomObject]
	remotePoses utils.Slot[RemotePose]

	framesSubmitted     atomic.Uint64
	framesProcessed     atomic.Uint64
	mapVersion          atomic.Uint64
	mapLandmarks        atomic.Int64
	mapsRejected        atomic.Uint64
	attempts            atomic.Uint64
	relocalizations     atomic.Uint64
	alignmentsAccepted  atomic.Uint64
	lastRelocalization  atomic.Time
	lastCorrespondences atomic.Int64
}

// NewFollower returns a stopped follower receiving maps through transport. A nil clock means the
// wall clock.
func NewFollower(
	detector keypoints.Detector,
	transport mapsync.Transport,
	cfg config.Config,
	clk clock.Clock,
	logger logging.Logger,
) (*Follower, error) {
	if transport == nil {
		return nil, errors.New("follower needs a transport")
	}
	if err := cfg.Validate("config"); err != nil {
		return nil, err
	}
	reloc, err := relocalizer.New(detector, cfg.Relocalizer, logger.Sublogger("relocalizer"))
	if err != nil {
		return nil, err
	}
	aligner, err := referenceframe.NewFrameAligner(cfg.Aligner, logger.Sublogger("aligner"))
	if err != nil {
		return nil, err
	}
	return &Follower{
		cfg:         cfg,
		logger:      logger,
		clock:       newClock(clk),
		transport:   transport,
		receiver:    mapsync.NewReceiver(logger.Sublogger("receiver")),
		sender:      mapsync.NewSender(transport),
		relocalizer: reloc,
		aligner:     aligner,
		pairer:      relocalizer.NewStereoPairer(cfg.Relocalizer),
	}, nil
}

// Start launches the receive and relocalization workers.
func (f *Follower) Start() error {
	return f.lifecycle.start(f.receiveWorker, f.relocalizeWorker)
}

// Stop waits for the workers to exit. A blocked receive is interrupted through its context.
func (f *Follower) Stop() error {
	return f.lifecycle.stop()
}

// SubmitFrame hands a locally tracked camera frame to the relocalizer.
func (f *Follower) SubmitFrame(frame relocalizer.StereoFrame) uint64 {
	f.framesSubmitted.Inc()
	framesSubmitted.WithLabelValues("follower").Inc()
	return f.frames.Update(frame)
}

// Tick returns the smoothed `map_T_local` alignment to render with at timestamp, which callers
// advance monotonically.
func (f *Follower) Tick(timestamp float64) (spatialmath.Similarity, bool) {
	return f.aligner.CurrentAlignment(timestamp)
}

// MapVersion returns the version of the map relocalization currently uses, 0 before the first.
func (f *Follower) MapVersion() uint64 {
	return f.mapVersion.Load()
}

// RoomObjects returns the latest room object set received.
func (f *Follower) RoomObjects() ([]mapsync.RoomObject, bool) {
	objects, _, ok := f.roomObjects.PeekIfNewer(0)
	return objects, ok
}

// RemotePose returns the latest pose another device reported.
func (f *Follower) RemotePose() (RemotePose, bool) {
	p, _, ok := f.remotePoses.PeekIfNewer(0)
	return p, ok
}

// Status returns a summary of the follower.
func (f *Follower) Status() FollowerStatus {
	return FollowerStatus{
		Running:             f.lifecycle.running(),
		FramesSubmitted:     f.framesSubmitted.Load(),
		FramesProcessed:     f.framesProcessed.Load(),
		MapVersion:          f.mapVersion.Load(),
		MapLandmarks:        int(f.mapLandmarks.Load()),
		MapsRejected:        f.mapsRejected.Load(),
		Attempts:            f.attempts.Load(),
		Relocalizations:     f.relocalizations.Load(),
		AlignmentsAccepted:  f.alignmentsAccepted.Load(),
		AlignmentPairs:      f.aligner.PairCount(),
		LastRelocalization:  f.lastRelocalization.Load(),
		LastCorrespondences: int(f.lastCorrespondences.Load()),
	}
}

func (f *Follower) receiveWorker(ctx context.Context) {
	channels := lo.SliceToMap(
		[]string{f.cfg.Sync.MapChannel, f.cfg.Sync.PoseChannel, f.cfg.Sync.RoomObjectsChannel},
		func(name string) (string, bool) { return name, true })
	for {
		c, err := f.transport.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, mapsync.ErrTransportClosed) {
				return
			}
			f.logger.Debugw("receive failed", "error", err)
			continue
		}
		if c.Sender == f.sender.ID() || !channels[c.Channel] || !f.receiver.Accept(c) {
			continue
		}
		if err := f.handle(ctx, c); err != nil {
			f.receiver.Reject(c, err)
			if c.Channel == f.cfg.Sync.MapChannel {
				f.mapsRejected.Inc()
			}
		}
	}
}

// handle decodes an accepted container. Decompression, decoding and indexing all happen here,
// before the result is swapped into its slot.
func (f *Follower) handle(ctx context.Context, c mapsync.Container) error {
	payload, err := mapsync.Decompress(c.Payload)
	if err != nil {
		return err
	}
	switch c.Channel {
	case f.cfg.Sync.MapChannel:
		msg, err := mapsync.DecodeMap(payload)
		if err != nil {
			return err
		}
		fm, err := msg.Build(ctx, f.cfg.FeatureMap)
		if err != nil {
			return err
		}
		f.maps.Update(fm)
		f.mapVersion.Store(c.Version)
		f.mapLandmarks.Store(int64(fm.Size()))
		mapLandmarks.Set(float64(fm.Size()))
		f.logger.Infow("received map", "version", c.Version, "landmarks", fm.Size(), "from", c.Sender)
	case f.cfg.Sync.PoseChannel:
		pose, err := mapsync.DecodePose(payload)
		if err != nil {
			return err
		}
		f.remotePoses.Update(RemotePose{Sender: c.Sender, Pose: pose})
	case f.cfg.Sync.RoomObjectsChannel:
		objects, err := mapsync.DecodeRoomObjects(payload)
		if err != nil {
			return err
		}
		f.roomObjects.Update(objects)
	}
	return nil
}

func (f *Follower) relocalizeWorker(ctx context.Context) {
	var lastMap, lastFrame uint64
	utils.PollUntilStopped(ctx, pollInterval, func(ctx context.Context) bool {
		if fm, version, ok := f.maps.TakeIfNewer(lastMap); ok {
			lastMap = version
			f.relocalizer.SetFeatureMap(fm)
		}
		frame, version, ok := f.frames.TakeIfNewer(lastFrame)
		if !ok {
			return false
		}
		lastFrame = version
		defer f.framesProcessed.Inc()
		pair, ok := f.pairer.Add(frame)
		if !ok || f.relocalizer.FeatureMap() == nil {
			return true
		}
		f.relocalizePair(ctx, pair)
		return true
	})
}

func (f *Follower) relocalizePair(ctx context.Context, pair relocalizer.StereoPair) {
	f.attempts.Inc()
	prior := relocalizer.RoughPrior(f.aligner, pair.LocalTDevice, spatialmath.IdentityPose(),
		pair.LocalTDevice.Timestamp, f.cfg.Relocalizer.PriorValiditySec)
	result, err := f.relocalizer.Relocalize(ctx, pair.Cameras, pair.Images,
		relocalizer.StereoParameters(f.cfg.Relocalizer), prior)
	if err != nil {
		f.logger.Debugw("relocalization failed", "error", err)
		return
	}
	f.lastCorrespondences.Store(int64(result.Correspondences))
	if !result.Pose.IsValid() {
		return
	}
	f.relocalizations.Inc()
	f.lastRelocalization.Store(f.clock.Now())

	mapTDevice := result.Pose.WithTimestamp(pair.LocalTDevice.Timestamp)
	if f.aligner.Observe(pair.LocalTDevice, mapTDevice, pair.LocalTDevice.Timestamp) {
		f.alignmentsAccepted.Inc()
	}
	encoded, err := mapsync.EncodePose(mapTDevice)
	if err != nil {
		return
	}
	if _, err := publish(ctx, f.sender, config.CompressionNone, f.cfg.Sync.PoseChannel, encoded, f.logger); err != nil {
		f.logger.Debugw("pose publish failed", "error", err)
	}
}
