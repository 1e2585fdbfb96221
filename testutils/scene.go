// Package testutils provides a synthetic world of landmarks and a detector that "sees" it, so
// map building, relocalization and the sync pipeline can be exercised without real images.
package testutils

import (
	"context"
	"image"
	"math"
	"math/rand"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"go.viam.com/mapshare/config"
	"go.viam.com/mapshare/rimage/transform"
	"go.viam.com/mapshare/spatialmath"
	"go.viam.com/mapshare/vision/featuremap"
	"go.viam.com/mapshare/vision/keypoints"
)

// SceneBounds is the box the synthetic landmarks are drawn from, in front of a camera at the
// origin looking along +z.
var SceneBounds = struct{ Min, Max r3.Vector }{
	Min: r3.Vector{X: -3, Y: -2, Z: 4},
	Max: r3.Vector{X: 3, Y: 2, Z: 7},
}

// SceneLandmark is a 3D point with the appearance every camera sees it with.
type SceneLandmark struct {
	ID         uint32
	Position   r3.Vector
	Descriptor keypoints.Descriptor
}

// Scene is a static set of landmarks.
type Scene struct {
	Landmarks []SceneLandmark
}

// NewScene draws n landmarks with random positions and descriptors. The same seed gives the same
// scene.
func NewScene(n int, seed int64) *Scene {
	rng := rand.New(rand.NewSource(seed)) //nolint:gosec
	s := &Scene{Landmarks: make([]SceneLandmark, n)}
	size := SceneBounds.Max.Sub(SceneBounds.Min)
	for i := range s.Landmarks {
		s.Landmarks[i] = SceneLandmark{
			ID: uint32(1000 + i),
			Position: r3.Vector{
				X: SceneBounds.Min.X + rng.Float64()*size.X,
				Y: SceneBounds.Min.Y + rng.Float64()*size.Y,
				Z: SceneBounds.Min.Z + rng.Float64()*size.Z,
			},
			Descriptor: RandomDescriptor(rng),
		}
	}
	return s
}

// RandomDescriptor returns a descriptor with uniformly random bits.
func RandomDescriptor(rng *rand.Rand) keypoints.Descriptor {
	var d keypoints.Descriptor
	for i := range d {
		d[i] = rng.Uint64()
	}
	return d
}

// FlipBits returns d with n distinct random bits inverted.
func FlipBits(d keypoints.Descriptor, n int, rng *rand.Rand) keypoints.Descriptor {
	for _, bit := range rng.Perm(keypoints.DescriptorBits)[:n] {
		d[bit/64] ^= 1 << uint(bit%64)
	}
	return d
}

// FeatureMap builds the exact feature map of the scene.
func (s *Scene) FeatureMap(ctx context.Context, cfg config.FeatureMapConfig) (*featuremap.FeatureMap, error) {
	landmarks := make([]featuremap.Landmark, len(s.Landmarks))
	ids := make([]uint32, len(s.Landmarks))
	descriptors := make(map[uint32][]keypoints.Descriptor, len(s.Landmarks))
	for i, l := range s.Landmarks {
		landmarks[i] = featuremap.Landmark{ID: l.ID, Position: l.Position, Stability: 1}
		ids[i] = l.ID
		descriptors[l.ID] = []keypoints.Descriptor{l.Descriptor}
	}
	return featuremap.Build(ctx, landmarks, ids, descriptors, cfg)
}

// Visible returns the indices of the landmarks that project inside the image of a camera at
// `world_T_camera`.
func (s *Scene) Visible(intrinsics *transform.PinholeCameraIntrinsics, worldTCamera spatialmath.Pose) []int {
	cameraTWorld := worldTCamera.Inverse()
	var out []int
	for i, l := range s.Landmarks {
		pixel, ok := transform.ProjectWorldPoint(intrinsics, cameraTWorld, l.Position)
		if ok && intrinsics.InImage(pixel) {
			out = append(out, i)
		}
	}
	return out
}

// LookAt returns `world_T_camera` of a camera at eye looking at target, with the image y axis
// pointing as close to world +y as possible.
func LookAt(eye, target r3.Vector) spatialmath.Pose {
	z := target.Sub(eye).Normalize()
	x := r3.Vector{Y: 1}.Cross(z).Normalize()
	y := z.Cross(x)
	m := spatialmath.RotationMatrix{
		x.X, y.X, z.X,
		x.Y, y.Y, z.Y,
		x.Z, y.Z, z.Z,
	}
	return spatialmath.NewPose(spatialmath.QuatFromRotationMatrix(m), eye)
}

// Trajectory returns n camera poses on an arc of the given radius around the origin, every one
// looking at the scene center.
func Trajectory(n int, radius, arc float64) []spatialmath.Pose {
	center := SceneBounds.Min.Add(SceneBounds.Max).Mul(0.5)
	poses := make([]spatialmath.Pose, n)
	for i := range poses {
		angle := -arc / 2
		if n > 1 {
			angle += arc * float64(i) / float64(n-1)
		}
		eye := r3.Vector{X: radius * math.Sin(angle), Y: 0.1 * math.Sin(3*angle), Z: radius * (1 - math.Cos(angle))}
		poses[i] = LookAt(eye, center)
	}
	return poses
}

// SceneImage is the frame a camera at WorldTCamera takes of a Scene. It is a real, small gray
// image so that it can flow through code expecting images; SceneDetector reads the pose.
type SceneImage struct {
	*image.Gray
	WorldTCamera spatialmath.Pose
}

// NewSceneImage returns the image of a camera at `world_T_camera`.
func NewSceneImage(worldTCamera spatialmath.Pose) *SceneImage {
	return &SceneImage{Gray: image.NewGray(image.Rect(0, 0, 8, 8)), WorldTCamera: worldTCamera}
}

// ErrNotSceneImage is returned when a SceneDetector is given an image it did not produce.
var ErrNotSceneImage = errors.New("image is not a scene image")

// SceneDetector "detects" the landmarks of a scene visible in a SceneImage: their exact
// projections, perturbed by PixelNoise (standard deviation in pixels), with FlippedBits bits of
// every descriptor changed. A fraction OutlierFraction of the features gets the descriptor of a
// random other landmark instead, which makes them wrong matches. Features come in landmark order.
type SceneDetector struct {
	Scene           *Scene
	PixelNoise      float64
	FlippedBits     int
	OutlierFraction float64
	Seed            int64
}

// Detect implements keypoints.Detector.
func (d *SceneDetector) Detect(
	ctx context.Context,
	img image.Image,
	intrinsics *transform.PinholeCameraIntrinsics,
	maxFeatures int,
) (keypoints.Features, error) {
	sceneImage, ok := img.(*SceneImage)
	if !ok {
		return keypoints.Features{}, ErrNotSceneImage
	}
	if err := ctx.Err(); err != nil {
		return keypoints.Features{}, err
	}
	rng := rand.New(rand.NewSource(d.Seed)) //nolint:gosec
	cameraTWorld := sceneImage.WorldTCamera.Inverse()
	var features keypoints.Features
	for _, i := range d.Scene.Visible(intrinsics, sceneImage.WorldTCamera) {
		if maxFeatures > 0 && features.Len() >= maxFeatures {
			break
		}
		l := d.Scene.Landmarks[i]
		pixel, _ := transform.ProjectWorldPoint(intrinsics, cameraTWorld, l.Position)
		if d.PixelNoise > 0 {
			pixel = pixel.Add(r2.Point{X: rng.NormFloat64() * d.PixelNoise, Y: rng.NormFloat64() * d.PixelNoise})
		}
		descriptor := l.Descriptor
		if d.FlippedBits > 0 {
			descriptor = FlipBits(descriptor, d.FlippedBits, rng)
		}
		if d.OutlierFraction > 0 && rng.Float64() < d.OutlierFraction {
			descriptor = d.Scene.Landmarks[rng.Intn(len(d.Scene.Landmarks))].Descriptor
		}
		features.Points = append(features.Points, pixel)
		features.Descriptors = append(features.Descriptors, descriptor)
	}
	return features, nil
}
