// Package relocalizer recovers the pose of a mono or stereo camera rig in the frame of a feature
// map from the images it currently sees.
package relocalizer

import (
	"context"
	"image"
	"math/rand"
	"sync"
	"time"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"go.viam.com/mapshare/config"
	"go.viam.com/mapshare/logging"
	"go.viam.com/mapshare/rimage/transform"
	"go.viam.com/mapshare/spatialmath"
	"go.viam.com/mapshare/vision/featuremap"
	"go.viam.com/mapshare/vision/keypoints"
)

const ransacConfidence = 0.99

var (
	// ErrNoDetector is returned when a relocalizer is constructed without a feature detector.
	ErrNoDetector = errors.New("relocalizer needs a feature detector")
	// ErrNoFeatureMap is returned when relocalizing before a feature map was set.
	ErrNoFeatureMap = errors.New("no feature map loaded")
	// ErrNilImage is returned when one of the images to relocalize is nil.
	ErrNilImage = errors.New("image is nil")
	// ErrUnsupportedCameraCount is returned for anything but one or two cameras.
	ErrUnsupportedCameraCount = errors.New("relocalization supports one or two cameras")
)

// Parameters are the acceptance thresholds of one relocalization.
type Parameters struct {
	MinCorrespondences int
	MaxProjectionError float64
	InlierRate         float64
}

// MonoParameters returns the thresholds for a single camera.
func MonoParameters(cfg config.RelocalizerConfig) Parameters {
	return Parameters{
		MinCorrespondences: cfg.MinCorrespondences,
		MaxProjectionError: cfg.MaxProjectionError,
		InlierRate:         cfg.InlierRate,
	}
}

// StereoParameters returns the thresholds for a stereo pair.
func StereoParameters(cfg config.RelocalizerConfig) Parameters {
	return Parameters{
		MinCorrespondences: cfg.StereoMinCorrespondences,
		MaxProjectionError: cfg.StereoMaxProjectionError,
		InlierRate:         cfg.StereoInlierRate,
	}
}

// Result of a relocalization. Pose is `world_T_device` in the feature map frame and is invalid
// when the attempt failed. The point slices describe the inlier correspondences and are
// parallel.
type Result struct {
	Pose            spatialmath.Pose
	Correspondences int
	ImagePoints     []r2.Point
	ObjectPoints    []r3.Vector
	CameraIndices   []int
	LandmarkIDs     []uint32
}

// A Relocalizer matches camera images against the current feature map.
type Relocalizer struct {
	detector keypoints.Detector
	cfg      config.RelocalizerConfig
	logger   logging.Logger

	mu         sync.Mutex
	featureMap *featuremap.FeatureMap
}

// New returns a relocalizer without a feature map.
func New(detector keypoints.Detector, cfg config.RelocalizerConfig, logger logging.Logger) (*Relocalizer, error) {
	if detector == nil {
		return nil, ErrNoDetector
	}
	if err := cfg.Validate("relocalizer"); err != nil {
		return nil, err
	}
	return &Relocalizer{detector: detector, cfg: cfg, logger: logger}, nil
}

// SetFeatureMap replaces the map relocalizations run against. Attempts already running keep the
// map they started with.
func (r *Relocalizer) SetFeatureMap(fm *featuremap.FeatureMap) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.featureMap = fm
}

// FeatureMap returns the current feature map, nil if none was set.
func (r *Relocalizer) FeatureMap() *featuremap.FeatureMap {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.featureMap
}

// Relocalize estimates `world_T_device` of a rig of one or two cameras from their images. A valid
// roughPrior (`world_T_device`) lets matching start guided by the projected map. Not finding a
// pose is not an error: the result pose is invalid then.
func (r *Relocalizer) Relocalize(
	ctx context.Context,
	cameras []transform.Camera,
	images []image.Image,
	params Parameters,
	roughPrior spatialmath.Pose,
) (Result, error) {
	fail := Result{Pose: spatialmath.InvalidPose()}
	if len(cameras) < 1 || len(cameras) > 2 || len(images) != len(cameras) {
		return fail, errors.Wrapf(ErrUnsupportedCameraCount, "got %d cameras and %d images", len(cameras), len(images))
	}
	for i := range cameras {
		if images[i] == nil {
			return fail, errors.Wrapf(ErrNilImage, "camera %d", i)
		}
		if err := cameras[i].CheckValid(); err != nil {
			return fail, errors.Wrapf(err, "camera %d", i)
		}
	}
	fm := r.FeatureMap()
	if fm == nil {
		return fail, ErrNoFeatureMap
	}

	start := time.Now()
	setup := setupLabel(len(cameras))
	relocalizationAttempts.WithLabelValues(setup).Inc()
	defer func() { relocalizationDuration.Observe(time.Since(start).Seconds()) }()

	maxDistance := keypoints.MaxDistanceFromFraction(r.cfg.MaxDescriptorDistanceFraction)
	features := make([]keypoints.Features, len(cameras))
	unguided := make([][]Correspondence, len(cameras))
	g, gctx := errgroup.WithContext(ctx)
	for i := range cameras {
		i := i
		g.Go(func() error {
			f, err := r.detector.Detect(gctx, images[i], cameras[i].Intrinsics, r.cfg.MaxFeaturesPerFrame)
			if err != nil {
				return errors.Wrapf(err, "detecting features of camera %d", i)
			}
			features[i] = f
			unguided[i], err = matchUnguided(gctx, fm, i, f, maxDistance)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return fail, err
	}
	total := 0
	for _, f := range features {
		total += f.Len()
	}
	if total == 0 {
		r.logger.Debug("no features detected")
		relocalizationCorrespondences.Set(0)
		return fail, nil
	}

	rig := newRig(cameras)
	rng := rand.New(rand.NewSource(r.cfg.RansacSeed)) //nolint:gosec

	if roughPrior.IsValid() {
		deviceTWorld := roughPrior.Inverse()
		guided := matchGuided(fm, cameras, features, deviceTWorld, nil, r.cfg.GuidedSearchRadius, maxDistance)
		pose, inliers := r.solve(ctx, rig, guided, deviceTWorld, params, r.cfg.GuidedIterations, rng)
		if accepted(len(inliers), len(guided), params) {
			r.logger.Debugw("relocalized from prior", "inliers", len(inliers), "correspondences", len(guided))
			return r.succeed(setup, rig, pose, guided, inliers), nil
		}
		r.logger.Debugw("prior guided matching failed", "inliers", len(inliers), "correspondences", len(guided))
	}

	var correspondences []Correspondence
	for _, list := range unguided {
		correspondences = append(correspondences, list...)
	}
	pose, inliers := r.solve(ctx, rig, correspondences, spatialmath.InvalidPose(), params, r.cfg.MaxRansacIterations, rng)
	if !pose.IsValid() {
		r.logger.Debugw("no pose hypothesis", "correspondences", len(correspondences))
		relocalizationCorrespondences.Set(float64(len(inliers)))
		return Result{Pose: spatialmath.InvalidPose(), Correspondences: len(inliers)}, nil
	}

	// the inlier rate is judged on the unguided matches only
	if !accepted(len(inliers), len(correspondences), params) {
		r.logger.Debugw("relocalization rejected",
			"inliers", len(inliers), "correspondences", len(correspondences),
			"min", params.MinCorrespondences, "inlier_rate", params.InlierRate)
		relocalizationCorrespondences.Set(float64(len(inliers)))
		return Result{Pose: spatialmath.InvalidPose(), Correspondences: len(inliers)}, nil
	}

	kept := make([]Correspondence, 0, len(inliers))
	for _, i := range inliers {
		kept = append(kept, correspondences[i])
	}
	added := matchGuided(fm, cameras, features, pose, kept, r.cfg.GuidedSearchRadius, maxDistance)
	enlarged := append(kept, added...)
	guidedPose, guidedInliers := r.solve(ctx, rig, enlarged, pose, params, r.cfg.GuidedIterations, rng)
	if guidedPose.IsValid() && len(guidedInliers) >= len(inliers) {
		pose, inliers, correspondences = guidedPose, guidedInliers, enlarged
	}
	return r.succeed(setup, rig, pose, correspondences, inliers), nil
}

// solve runs RANSAC and refines the winning hypothesis on its inliers. The returned pose is
// `device_T_world`.
func (r *Relocalizer) solve(
	ctx context.Context,
	rig rig,
	correspondences []Correspondence,
	hint spatialmath.Pose,
	params Parameters,
	maxIterations int,
	rng *rand.Rand,
) (spatialmath.Pose, []int) {
	if len(correspondences) < 3 {
		return spatialmath.InvalidPose(), nil
	}
	best := solveRANSAC(ctx, rig, correspondences, hint, ransacParams{
		maxError:      params.MaxProjectionError,
		maxIterations: maxIterations,
		minPerCamera:  params.MinCorrespondences,
		confidence:    ransacConfidence,
	}, rng)
	if !best.deviceTWorld.IsValid() || len(best.inliers) < 3 {
		return spatialmath.InvalidPose(), best.inliers
	}
	refined := refinePose(rig, best.deviceTWorld, correspondences, best.inliers, r.cfg.RefineIterations)
	inliers := rig.inliers(refined, correspondences, params.MaxProjectionError)
	if len(inliers) < len(best.inliers) {
		return best.deviceTWorld, best.inliers
	}
	return refined, inliers
}

func accepted(inliers, correspondences int, params Parameters) bool {
	if correspondences == 0 || inliers < params.MinCorrespondences {
		return false
	}
	return float64(inliers)/float64(correspondences) >= params.InlierRate
}

func (r *Relocalizer) succeed(
	setup string,
	rig rig,
	deviceTWorld spatialmath.Pose,
	correspondences []Correspondence,
	inliers []int,
) Result {
	res := Result{
		Pose:            deviceTWorld.Inverse(),
		Correspondences: len(inliers),
		ImagePoints:     make([]r2.Point, 0, len(inliers)),
		ObjectPoints:    make([]r3.Vector, 0, len(inliers)),
		CameraIndices:   make([]int, 0, len(inliers)),
		LandmarkIDs:     make([]uint32, 0, len(inliers)),
	}
	errs := make([]float64, 0, len(inliers))
	for _, i := range inliers {
		c := correspondences[i]
		res.ImagePoints = append(res.ImagePoints, c.Pixel)
		res.ObjectPoints = append(res.ObjectPoints, c.World)
		res.CameraIndices = append(res.CameraIndices, c.Camera)
		res.LandmarkIDs = append(res.LandmarkIDs, c.LandmarkID)
		if e, ok := rig.squaredReprojectionError(deviceTWorld, c); ok {
			errs = append(errs, e)
		}
	}
	relocalizationSuccesses.WithLabelValues(setup).Inc()
	relocalizationCorrespondences.Set(float64(len(inliers)))
	if median, err := stats.Median(errs); err == nil {
		r.logger.Debugw("relocalized", "inliers", len(inliers), "median_sq_error", median, "pose", res.Pose)
	}
	return res
}
