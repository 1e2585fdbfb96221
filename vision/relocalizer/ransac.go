package relocalizer

import (
	"context"
	"math"
	"math/rand"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"

	"go.viam.com/mapshare/rimage/transform"
	"go.viam.com/mapshare/spatialmath"
	"go.viam.com/mapshare/utils"
)

// Correspondence is an image feature of one camera matched to a landmark.
type Correspondence struct {
	Camera     int
	Feature    int
	Pixel      r2.Point
	LandmarkID uint32
	World      r3.Vector
}

// rig holds the cameras of one relocalization with their precomputed inverse rig poses.
type rig struct {
	cameras       []transform.Camera
	cameraTDevice []spatialmath.Pose
}

func newRig(cameras []transform.Camera) rig {
	r := rig{cameras: cameras, cameraTDevice: make([]spatialmath.Pose, len(cameras))}
	for i, c := range cameras {
		r.cameraTDevice[i] = c.DeviceTCamera.Inverse()
	}
	return r
}

// squaredReprojectionError of c under `device_T_world`; ok is false when the landmark is behind
// the camera.
func (r rig) squaredReprojectionError(deviceTWorld spatialmath.Pose, c Correspondence) (float64, bool) {
	inCamera := r.cameraTDevice[c.Camera].Transform(deviceTWorld.Transform(c.World))
	pixel, ok := r.cameras[c.Camera].Intrinsics.Project(inCamera)
	if !ok {
		return 0, false
	}
	return utils.SquaredDistance2D(pixel, c.Pixel), true
}

// inliers returns the indices of the correspondences within maxError pixels under
// `device_T_world`.
func (r rig) inliers(deviceTWorld spatialmath.Pose, correspondences []Correspondence, maxError float64) []int {
	maxSquared := maxError * maxError
	out := make([]int, 0, len(correspondences))
	for i, c := range correspondences {
		if e, ok := r.squaredReprojectionError(deviceTWorld, c); ok && e <= maxSquared {
			out = append(out, i)
		}
	}
	return out
}

type ransacParams struct {
	maxError      float64
	maxIterations int
	// minPerCamera is the number of correspondences a camera needs to provide samples
	minPerCamera int
	confidence   float64
}

type ransacResult struct {
	deviceTWorld spatialmath.Pose
	inliers      []int
	iterations   int
}

// solveRANSAC estimates `device_T_world` from 2D-3D correspondences of one or more rigidly
// mounted cameras. Minimal samples of three correspondences come from one camera at a time,
// alternating between the cameras with enough correspondences. Each P3P hypothesis is moved to
// the device through the rig and scored on the correspondences of every camera. The iteration
// count adapts to the best inlier ratio seen so far. A valid hint pose is scored first.
func solveRANSAC(
	ctx context.Context,
	r rig,
	correspondences []Correspondence,
	hint spatialmath.Pose,
	params ransacParams,
	rng *rand.Rand,
) ransacResult {
	best := ransacResult{deviceTWorld: spatialmath.InvalidPose()}
	if hint.IsValid() {
		best = ransacResult{deviceTWorld: hint, inliers: r.inliers(hint, correspondences, params.maxError)}
	}

	perCamera := make([][]int, len(r.cameras))
	for i, c := range correspondences {
		perCamera[c.Camera] = append(perCamera[c.Camera], i)
	}
	var sampling []int
	largest := 0
	for cam, list := range perCamera {
		if len(list) >= params.minPerCamera && len(list) >= 3 {
			sampling = append(sampling, cam)
		}
		if len(list) > len(perCamera[largest]) {
			largest = cam
		}
	}
	if len(sampling) == 0 && len(perCamera[largest]) >= 3 {
		sampling = []int{largest}
	}
	if len(sampling) == 0 {
		return best
	}

	required := params.maxIterations
	for iter := 0; iter < required && iter < params.maxIterations; iter++ {
		if iter%16 == 0 && ctx.Err() != nil {
			break
		}
		best.iterations = iter + 1
		cam := sampling[iter%len(sampling)]
		sample, ok := drawSample(rng, perCamera[cam], correspondences)
		if !ok {
			continue
		}
		var bearings, points [3]r3.Vector
		for k, idx := range sample {
			c := correspondences[idx]
			bearings[k] = r.cameras[cam].Intrinsics.Unproject(c.Pixel)
			points[k] = c.World
		}
		for _, cameraTWorld := range SolveP3P(bearings, points) {
			deviceTWorld := r.cameras[cam].DeviceTCamera.Compose(cameraTWorld)
			inliers := r.inliers(deviceTWorld, correspondences, params.maxError)
			if len(inliers) <= len(best.inliers) {
				continue
			}
			best.deviceTWorld = deviceTWorld
			best.inliers = inliers
			faulty := 1 - float64(len(inliers))/float64(len(correspondences))
			required = utils.RansacIterations(3, params.confidence, faulty)
		}
	}
	return best
}

// drawSample picks three distinct correspondences of one camera whose landmarks are not
// collinear.
func drawSample(rng *rand.Rand, candidates []int, correspondences []Correspondence) ([3]int, bool) {
	var sample [3]int
	if len(candidates) < 3 {
		return sample, false
	}
	const attempts = 10
	for attempt := 0; attempt < attempts; attempt++ {
		i := rng.Intn(len(candidates))
		j := rng.Intn(len(candidates) - 1)
		if j >= i {
			j++
		}
		k := rng.Intn(len(candidates))
		if k == i || k == j {
			continue
		}
		sample = [3]int{candidates[i], candidates[j], candidates[k]}
		a := correspondences[sample[0]].World
		b := correspondences[sample[1]].World
		c := correspondences[sample[2]].World
		area := b.Sub(a).Cross(c.Sub(a)).Norm()
		scale := math.Max(b.Sub(a).Norm2(), c.Sub(a).Norm2())
		if area > 1e-6*scale && scale > 1e-12 {
			return sample, true
		}
	}
	return sample, false
}
