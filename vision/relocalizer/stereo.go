package relocalizer

import (
	"image"
	"math"

	"go.viam.com/mapshare/config"
	"go.viam.com/mapshare/rimage/transform"
	"go.viam.com/mapshare/spatialmath"
)

// StereoFrame is one camera frame of a device tracked in its own local world.
type StereoFrame struct {
	Image        image.Image
	Intrinsics   *transform.PinholeCameraIntrinsics
	LocalTCamera spatialmath.Pose
	Timestamp    float64
}

// StereoPair is a virtual stereo rig made of two frames of a moving camera. The device is the
// first camera, so `device_T_cameraA` is the identity and `device_T_cameraB` is the relative
// motion between both frames.
type StereoPair struct {
	Cameras      []transform.Camera
	Images       []image.Image
	LocalTDevice spatialmath.Pose
	Timestamp    float64
}

// StereoPairer builds stereo pairs from consecutive frames of one camera once it moved far
// enough sideways.
type StereoPairer struct {
	minBaseline float64
	maxAge      float64
	first       *StereoFrame
}

// NewStereoPairer returns a pairer with the baseline and frame age limits of cfg.
func NewStereoPairer(cfg config.RelocalizerConfig) *StereoPairer {
	return &StereoPairer{minBaseline: cfg.MinStereoBaselineM, maxAge: cfg.PriorValiditySec}
}

// Baseline returns the sideways distance between two camera poses, measured in the first camera
// frame with the viewing direction ignored.
func Baseline(localTCameraA, localTCameraB spatialmath.Pose) float64 {
	t := localTCameraA.Inverse().Compose(localTCameraB).Translation
	return math.Hypot(t.X, t.Y)
}

// Add offers a frame. The first frame is remembered; a later one completes a pair if its baseline
// to the first is large enough. A first frame that got too old is replaced.
func (p *StereoPairer) Add(frame StereoFrame) (StereoPair, bool) {
	if !frame.LocalTCamera.IsValid() {
		return StereoPair{}, false
	}
	if p.first == nil || frame.Timestamp-p.first.Timestamp > p.maxAge || frame.Timestamp < p.first.Timestamp {
		p.first = &frame
		return StereoPair{}, false
	}
	if Baseline(p.first.LocalTCamera, frame.LocalTCamera) < p.minBaseline {
		return StereoPair{}, false
	}
	first := *p.first
	p.first = nil
	return StereoPair{
		Cameras: []transform.Camera{
			{Intrinsics: first.Intrinsics, DeviceTCamera: spatialmath.IdentityPose()},
			{Intrinsics: frame.Intrinsics, DeviceTCamera: first.LocalTCamera.Inverse().Compose(frame.LocalTCamera)},
		},
		Images:       []image.Image{first.Image, frame.Image},
		LocalTDevice: first.LocalTCamera.WithTimestamp(first.Timestamp),
		Timestamp:    frame.Timestamp,
	}, true
}

// Reset forgets the pending first frame.
func (p *StereoPairer) Reset() {
	p.first = nil
}

// AlignmentSource provides the latest accepted `map_T_local` alignment and its timestamp.
type AlignmentSource interface {
	LatestAlignment() (spatialmath.Similarity, float64, bool)
}

// RoughPrior predicts `map_T_device` for a frame from the latest accepted alignment. It is
// invalid when there is no alignment or it is older than validitySec at frameTimestamp. The
// scale of the alignment is dropped.
func RoughPrior(
	source AlignmentSource,
	localTCamera, deviceTCamera spatialmath.Pose,
	frameTimestamp, validitySec float64,
) spatialmath.Pose {
	if source == nil || !localTCamera.IsValid() || !deviceTCamera.IsValid() {
		return spatialmath.InvalidPose()
	}
	mapTLocal, ts, ok := source.LatestAlignment()
	if !ok || ts+validitySec <= frameTimestamp {
		return spatialmath.InvalidPose()
	}
	mapTCamera := mapTLocal.ComposePose(localTCamera).AsPose()
	return mapTCamera.Compose(deviceTCamera.Inverse()).WithTimestamp(frameTimestamp)
}
