// Package mapbuilder turns a stream of posed camera frames into a sparse landmark map. Features
// are tracked from frame to frame, triangulated once seen from several places, and periodically
// extracted into a snapshot from which a feature map is built.
package mapbuilder

import (
	"context"
	"image"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/pkg/errors"

	"go.viam.com/mapshare/config"
	"go.viam.com/mapshare/logging"
	"go.viam.com/mapshare/rimage/transform"
	"go.viam.com/mapshare/spatialmath"
	"go.viam.com/mapshare/utils"
	"go.viam.com/mapshare/vision/keypoints"
)

// State of a map builder.
type State int

// The map builder is idle until it gets its first frame, then alternates between tracking and
// extracting snapshots.
const (
	StateIdle State = iota
	StateTracking
	StateExtracting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateTracking:
		return "tracking"
	case StateExtracting:
		return "extracting"
	default:
		return "unknown"
	}
}

var (
	// ErrNoDetector is returned when a map builder is constructed without a feature detector.
	ErrNoDetector = errors.New("map builder needs a feature detector")
	// ErrNilImage is returned for frames without an image.
	ErrNilImage = errors.New("frame has no image")
)

// Frame is one camera image with the pose of the camera in the scanning device's world.
type Frame struct {
	Image        image.Image
	Intrinsics   *transform.PinholeCameraIntrinsics
	WorldTCamera spatialmath.Pose
	Timestamp    float64
}

// MapBuilder tracks landmarks across frames. It is safe for concurrent use; frames are processed
// one at a time.
type MapBuilder struct {
	detector keypoints.Detector
	cfg      config.MapBuilderConfig
	logger   logging.Logger

	mu              sync.Mutex
	state           State
	tracks          map[uint32]*track
	order           []uint32
	located         *roaring.Bitmap
	nextID          uint32
	lastNewFeatures float64
	hasNewFeatures  bool
	lastExtraction  float64
	interval        float64
	frames          int
}

// New returns an idle map builder.
func New(detector keypoints.Detector, cfg config.MapBuilderConfig, logger logging.Logger) (*MapBuilder, error) {
	if detector == nil {
		return nil, ErrNoDetector
	}
	if err := cfg.Validate("map_builder"); err != nil {
		return nil, err
	}
	return &MapBuilder{
		detector: detector,
		cfg:      cfg,
		logger:   logger,
		tracks:   make(map[uint32]*track),
		located:  roaring.New(),
		nextID:   1,
		interval: cfg.InitialExtractionIntervalSec,
	}, nil
}

// State returns the current state.
func (b *MapBuilder) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// ExtractionInterval returns the current time between two snapshots, in seconds.
func (b *MapBuilder) ExtractionInterval() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.interval
}

// LandmarkCount returns the number of landmarks tracked, and how many of them are located.
func (b *MapBuilder) LandmarkCount() (int, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.tracks), int(b.located.GetCardinality())
}

// Process tracks the landmarks of the map in one frame. Frames without a valid pose are skipped.
func (b *MapBuilder) Process(ctx context.Context, frame Frame) error {
	if frame.Image == nil {
		return ErrNilImage
	}
	if err := frame.Intrinsics.CheckValid(); err != nil {
		return err
	}
	if !frame.WorldTCamera.IsValid() {
		b.logger.Debugw("skipping frame without pose", "timestamp", frame.Timestamp)
		return nil
	}
	features, err := b.detector.Detect(ctx, frame.Image, frame.Intrinsics, b.cfg.MaxFeaturesPerFrame)
	if err != nil {
		return errors.Wrap(err, "detecting features")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateIdle {
		b.lastExtraction = frame.Timestamp
		b.state = StateTracking
	}
	b.frames++

	associated := b.associate(frame, features)
	if !b.hasNewFeatures || frame.Timestamp-b.lastNewFeatures >= b.cfg.NewFeaturesIntervalSec {
		b.addCandidates(frame, features, associated)
		b.lastNewFeatures = frame.Timestamp
		b.hasNewFeatures = true
	}
	b.retire(frame.Timestamp)
	return nil
}

// associate matches the features of a frame to the tracked landmarks: mutual nearest descriptors
// that also lie within the association radius of the landmark's predicted position. It returns
// which features were used.
func (b *MapBuilder) associate(frame Frame, features keypoints.Features) []bool {
	used := make([]bool, features.Len())
	if len(b.order) == 0 || features.Len() == 0 {
		return used
	}
	cameraTWorld := frame.WorldTCamera.Inverse()
	trackDescriptors := make([]keypoints.Descriptor, len(b.order))
	for i, id := range b.order {
		trackDescriptors[i] = b.tracks[id].lastDesc
	}
	maxDistance := keypoints.MaxDistanceFromFraction(b.cfg.MaxDescriptorDistanceFraction)
	matches := keypoints.MatchDescriptors(trackDescriptors, features.Descriptors, &keypoints.MatchingConfig{
		DoCrossCheck: true,
		MaxDist:      maxDistance + 1,
	})
	radius2 := utils.Square(b.cfg.AssociationRadiusPx)
	minAngle := spatialmath.DegToRad(b.cfg.MultiViewAngleDeg)
	for _, m := range matches {
		t := b.tracks[b.order[m.Idx1]]
		predicted, ok := t.predictedPixel(frame.Intrinsics, cameraTWorld)
		if !ok || utils.SquaredDistance2D(predicted, features.Points[m.Idx2]) > radius2 {
			continue
		}
		used[m.Idx2] = true
		obs := transform.Observation{Intrinsics: frame.Intrinsics, WorldTCamera: frame.WorldTCamera, Pixel: features.Points[m.Idx2]}
		t.observe(obs, features.Descriptors[m.Idx2], frame.Timestamp, minAngle, b.cfg.MaxDescriptorsPerLandmark)
		t.update(b.cfg.MaxReprojectionErrorPx, b.cfg.MinObservations)
		if t.triangulated {
			b.located.Add(t.id)
		} else {
			b.located.Remove(t.id)
		}
	}
	return used
}

func (b *MapBuilder) addCandidates(frame Frame, features keypoints.Features, used []bool) {
	added := 0
	for i := range features.Points {
		if used[i] {
			continue
		}
		obs := transform.Observation{Intrinsics: frame.Intrinsics, WorldTCamera: frame.WorldTCamera, Pixel: features.Points[i]}
		id := b.nextID
		b.nextID++
		b.tracks[id] = newTrack(id, obs, features.Descriptors[i], frame.Timestamp)
		b.order = append(b.order, id)
		added++
	}
	if added > 0 {
		b.logger.Debugw("new landmark candidates", "count", added, "tracked", len(b.order))
	}
}

// retire drops the candidates that were not seen for a while before becoming mature.
func (b *MapBuilder) retire(now float64) {
	kept := b.order[:0]
	for _, id := range b.order {
		t := b.tracks[id]
		if t.observed < b.cfg.MinObservations && now-t.lastSeen > b.cfg.CandidateTimeoutSec {
			delete(b.tracks, id)
			b.located.Remove(id)
			continue
		}
		kept = append(kept, id)
	}
	b.order = kept
}

// LatestFeatureMap extracts a snapshot of the mature landmarks if the extraction interval elapsed
// since the previous one. After every extraction the interval grows by the backoff factor, up to
// its maximum. Nothing is extracted while no landmark qualifies.
func (b *MapBuilder) LatestFeatureMap(timestamp float64) (Snapshot, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateIdle || timestamp < b.lastExtraction+b.interval {
		return Snapshot{}, false
	}
	b.state = StateExtracting
	defer func() { b.state = StateTracking }()

	snapshot := b.snapshot(timestamp)
	if len(snapshot.Landmarks) == 0 {
		return Snapshot{}, false
	}
	b.lastExtraction = timestamp
	b.interval = min(b.interval*b.cfg.ExtractionBackoff, b.cfg.MaxExtractionIntervalSec)
	b.logger.Debugw("extracted map snapshot",
		"landmarks", len(snapshot.Landmarks), "tracked", len(b.order), "next_interval", b.interval)
	return snapshot, true
}
