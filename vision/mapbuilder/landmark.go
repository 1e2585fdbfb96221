package mapbuilder

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"

	"go.viam.com/mapshare/rimage/transform"
	"go.viam.com/mapshare/spatialmath"
	"go.viam.com/mapshare/vision/keypoints"
)

// maxStoredObservations bounds the observations kept per landmark. The first one is always kept
// for its baseline, the others are the most recent.
const maxStoredObservations = 40

// track is a landmark under construction.
type track struct {
	id           uint32
	observations []transform.Observation
	observed     int
	lastSeen     float64
	lastPixel    r2.Point
	lastDesc     keypoints.Descriptor

	// multi-view appearance: descriptors with the viewing direction they were seen from
	descriptors []keypoints.Descriptor
	directions  []r3.Vector

	position     r3.Vector
	triangulated bool
	stability    float64
}

func newTrack(id uint32, obs transform.Observation, desc keypoints.Descriptor, timestamp float64) *track {
	t := &track{id: id}
	t.observe(obs, desc, timestamp, 0, 1)
	return t
}

// viewingDirection is the unit direction from the camera toward the observed point, in world
// coordinates.
func viewingDirection(obs transform.Observation) r3.Vector {
	bearing := obs.Intrinsics.Unproject(obs.Pixel)
	return obs.WorldTCamera.RotationMatrix().Mul(bearing).Normalize()
}

// observe records a new observation. A descriptor seen from a direction more than minAngle
// radians away from all stored ones is added to the multi-view set, up to maxDescriptors.
func (t *track) observe(obs transform.Observation, desc keypoints.Descriptor, timestamp, minAngle float64, maxDescriptors int) {
	t.observations = append(t.observations, obs)
	if len(t.observations) > maxStoredObservations {
		t.observations = append(t.observations[:1], t.observations[2:]...)
	}
	t.observed++
	t.lastSeen = timestamp
	t.lastPixel = obs.Pixel
	t.lastDesc = desc

	if len(t.descriptors) >= maxDescriptors {
		return
	}
	dir := viewingDirection(obs)
	for _, other := range t.directions {
		if math.Acos(math.Max(-1, math.Min(1, dir.Dot(other)))) <= minAngle {
			return
		}
	}
	t.descriptors = append(t.descriptors, desc)
	t.directions = append(t.directions, dir)
}

// update re-triangulates the landmark from its observations and recomputes its stability: the
// share of observations reprojecting within maxError pixels, damped while the landmark has fewer
// than 2 * minObservations observations.
func (t *track) update(maxError float64, minObservations int) {
	if len(t.observations) < 2 {
		return
	}
	position, err := transform.TriangulatePoint(t.observations)
	if err != nil {
		t.triangulated = false
		t.stability = 0
		return
	}
	t.position = position
	t.triangulated = true

	good := 0
	for _, obs := range t.observations {
		if e, ok := transform.ReprojectionError(obs, position); ok && e <= maxError {
			good++
		}
	}
	maturity := math.Min(1, float64(t.observed)/float64(2*minObservations))
	t.stability = float64(good) / float64(len(t.observations)) * maturity
}

// predictedPixel is where the landmark is expected in a camera at `camera_T_world`.
// Landmarks without a position are expected where they were seen last.
func (t *track) predictedPixel(intrinsics *transform.PinholeCameraIntrinsics, cameraTWorld spatialmath.Pose) (r2.Point, bool) {
	if !t.triangulated {
		return t.lastPixel, true
	}
	return transform.ProjectWorldPoint(intrinsics, cameraTWorld, t.position)
}

// cameraSpread is the diagonal of the bounding box of the observing camera centers.
func (t *track) cameraSpread() float64 {
	if len(t.observations) == 0 {
		return 0
	}
	lo := t.observations[0].WorldTCamera.Translation
	hi := lo
	for _, obs := range t.observations[1:] {
		c := obs.WorldTCamera.Translation
		lo = r3.Vector{X: math.Min(lo.X, c.X), Y: math.Min(lo.Y, c.Y), Z: math.Min(lo.Z, c.Z)}
		hi = r3.Vector{X: math.Max(hi.X, c.X), Y: math.Max(hi.Y, c.Y), Z: math.Max(hi.Z, c.Z)}
	}
	return hi.Sub(lo).Norm()
}
