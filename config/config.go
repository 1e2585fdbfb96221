// Package config defines the configuration of every map sharing component, its defaults, and how
// it is loaded from JSON files or attribute maps.
package config

import (
	"fmt"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/utils"

	"go.viam.com/mapshare/logging"
)

// Compression names accepted by SyncConfig.
const (
	CompressionNone = "none"
	CompressionGzip = "gzip"
	CompressionZstd = "zstd"
	CompressionLZ4  = "lz4"
)

// RelocalizerConfig configures matching and the robust pose solve.
type RelocalizerConfig struct {
	MinCorrespondences       int     `json:"min_correspondences"`
	MaxProjectionError       float64 `json:"max_projection_error"`
	InlierRate               float64 `json:"inlier_rate"`
	StereoMinCorrespondences int     `json:"stereo_min_correspondences"`
	StereoMaxProjectionError float64 `json:"stereo_max_projection_error"`
	StereoInlierRate         float64 `json:"stereo_inlier_rate"`

	GuidedSearchRadius            float64 `json:"guided_search_radius"`
	MaxDescriptorDistanceFraction float64 `json:"max_descriptor_distance_fraction"`
	PriorValiditySec              float64 `json:"prior_validity_sec"`
	MinStereoBaselineM            float64 `json:"min_stereo_baseline_m"`
	RansacSeed                    int64   `json:"ransac_seed"`
	GuidedIterations              int     `json:"guided_iterations"`
	MaxRansacIterations           int     `json:"max_ransac_iterations"`
	RefineIterations              int     `json:"refine_iterations"`
	MaxFeaturesPerFrame           int     `json:"max_features_per_frame"`
}

// MapBuilderConfig configures landmark tracking and extraction.
type MapBuilderConfig struct {
	MaxFeaturesPerFrame          int     `json:"max_features_per_frame"`
	NewFeaturesIntervalSec       float64 `json:"new_features_interval_sec"`
	MinObservations              int     `json:"min_observations"`
	MinBoxDiagonalM              float64 `json:"min_box_diagonal_m"`
	InitialExtractionIntervalSec float64 `json:"initial_extraction_interval_sec"`
	ExtractionBackoff            float64 `json:"extraction_backoff"`
	MaxExtractionIntervalSec     float64 `json:"max_extraction_interval_sec"`
	KeepUnlocated                bool    `json:"keep_unlocated"`

	AssociationRadiusPx           float64 `json:"association_radius_px"`
	MaxDescriptorDistanceFraction float64 `json:"max_descriptor_distance_fraction"`
	CandidateTimeoutSec           float64 `json:"candidate_timeout_sec"`
	MaxReprojectionErrorPx        float64 `json:"max_reprojection_error_px"`
	MultiViewAngleDeg             float64 `json:"multi_view_angle_deg"`
	MaxDescriptorsPerLandmark     int     `json:"max_descriptors_per_landmark"`
}

// AlignerConfig configures the frame aligner and its smoothing.
type AlignerConfig struct {
	MaxPosePairs         int     `json:"max_pose_pairs"`
	MinPosePairs         int     `json:"min_pose_pairs"`
	OutlierFraction      float64 `json:"outlier_fraction"`
	MinScale             float64 `json:"min_scale"`
	MaxScale             float64 `json:"max_scale"`
	SmoothingIntervalSec float64 `json:"smoothing_interval_sec"`
}

// SyncConfig configures the wire protocol.
type SyncConfig struct {
	Compression        string  `json:"compression"`
	MapChannel         string  `json:"map_channel"`
	PoseChannel        string  `json:"pose_channel"`
	RoomObjectsChannel string  `json:"room_objects_channel"`
	MaxPublishHz       float64 `json:"max_publish_hz"`
}

// FeatureMapConfig configures the vocabulary forest.
type FeatureMapConfig struct {
	ClusteringSeed   int64 `json:"clustering_seed"`
	Trees            int   `json:"trees"`
	ClustersPerNode  int   `json:"clusters_per_node"`
	MaxLeafSize      int   `json:"max_leaf_size"`
	ClusteringRounds int   `json:"clustering_rounds"`
}

// Config aggregates the configuration of all components.
type Config struct {
	Relocalizer RelocalizerConfig              `json:"relocalizer"`
	MapBuilder  MapBuilderConfig               `json:"map_builder"`
	Aligner     AlignerConfig                  `json:"aligner"`
	Sync        SyncConfig                     `json:"sync"`
	FeatureMap  FeatureMapConfig               `json:"feature_map"`
	LogConfig   []logging.LoggerPatternConfig `json:"log"`
}

// DefaultRelocalizerConfig returns the relocalizer defaults.
func DefaultRelocalizerConfig() RelocalizerConfig {
	return RelocalizerConfig{
		MinCorrespondences:            65,
		MaxProjectionError:            3.5,
		InlierRate:                    0.15,
		StereoMinCorrespondences:      160,
		StereoMaxProjectionError:      4.0,
		StereoInlierRate:              0.15,
		GuidedSearchRadius:            20,
		MaxDescriptorDistanceFraction: 0.25,
		PriorValiditySec:              2.0,
		MinStereoBaselineM:            0.04,
		RansacSeed:                    1,
		GuidedIterations:              40,
		MaxRansacIterations:           500,
		RefineIterations:              20,
		MaxFeaturesPerFrame:           1000,
	}
}

// DefaultMapBuilderConfig returns the map builder defaults.
func DefaultMapBuilderConfig() MapBuilderConfig {
	return MapBuilderConfig{
		MaxFeaturesPerFrame:           400,
		NewFeaturesIntervalSec:        0.1,
		MinObservations:               15,
		MinBoxDiagonalM:               0.05,
		InitialExtractionIntervalSec:  1.0,
		ExtractionBackoff:             1.05,
		MaxExtractionIntervalSec:      2.5,
		AssociationRadiusPx:           20,
		MaxDescriptorDistanceFraction: 0.25,
		CandidateTimeoutSec:           1.0,
		MaxReprojectionErrorPx:        2.0,
		MultiViewAngleDeg:             10,
		MaxDescriptorsPerLandmark:     8,
	}
}

// DefaultAlignerConfig returns the aligner defaults.
func DefaultAlignerConfig() AlignerConfig {
	return AlignerConfig{
		MaxPosePairs:         200,
		MinPosePairs:         3,
		OutlierFraction:      0.5,
		MinScale:             0.9,
		MaxScale:             1.1,
		SmoothingIntervalSec: 1.0,
	}
}

// DefaultSyncConfig returns the sync defaults.
func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		Compression:        CompressionZstd,
		MapChannel:         "map",
		PoseChannel:        "pose",
		RoomObjectsChannel: "room_objects",
		MaxPublishHz:       2,
	}
}

// DefaultFeatureMapConfig returns the vocabulary forest defaults.
func DefaultFeatureMapConfig() FeatureMapConfig {
	return FeatureMapConfig{
		ClusteringSeed:   42,
		Trees:            2,
		ClustersPerNode:  10,
		MaxLeafSize:      40,
		ClusteringRounds: 8,
	}
}

// Default returns a configuration where every component uses its defaults.
func Default() *Config {
	return &Config{
		Relocalizer: DefaultRelocalizerConfig(),
		MapBuilder:  DefaultMapBuilderConfig(),
		Aligner:     DefaultAlignerConfig(),
		Sync:        DefaultSyncConfig(),
		FeatureMap:  DefaultFeatureMapConfig(),
	}
}

// Validate ensures all parts of the config are valid.
func (c *Config) Validate(path string) error {
	err := multierr.Combine(
		c.Relocalizer.Validate(path+".relocalizer"),
		c.MapBuilder.Validate(path+".map_builder"),
		c.Aligner.Validate(path+".aligner"),
		c.Sync.Validate(path+".sync"),
		c.FeatureMap.Validate(path+".feature_map"),
	)
	for i, pattern := range c.LogConfig {
		if patternErr := pattern.Validate(); patternErr != nil {
			err = multierr.Append(err, utils.NewConfigValidationError(fmt.Sprintf("%s.log.%d", path, i), patternErr))
		}
	}
	return err
}

func positive(path, field string, v float64) error {
	if v <= 0 {
		return utils.NewConfigValidationError(path, errors.Errorf("%s should be > 0, got %v", field, v))
	}
	return nil
}

func fraction(path, field string, v float64) error {
	if v < 0 || v > 1 {
		return utils.NewConfigValidationError(path, errors.Errorf("%s should be in [0, 1], got %v", field, v))
	}
	return nil
}

// Validate ensures all parts of the config are valid.
func (c *RelocalizerConfig) Validate(path string) error {
	if c.MinCorrespondences < 3 || c.StereoMinCorrespondences < 3 {
		return utils.NewConfigValidationError(path, errors.New("min correspondences should be >= 3"))
	}
	return multierr.Combine(
		positive(path, "max_projection_error", c.MaxProjectionError),
		positive(path, "stereo_max_projection_error", c.StereoMaxProjectionError),
		fraction(path, "inlier_rate", c.InlierRate),
		fraction(path, "stereo_inlier_rate", c.StereoInlierRate),
		positive(path, "guided_search_radius", c.GuidedSearchRadius),
		fraction(path, "max_descriptor_distance_fraction", c.MaxDescriptorDistanceFraction),
		positive(path, "prior_validity_sec", c.PriorValiditySec),
		positive(path, "guided_iterations", float64(c.GuidedIterations)),
		positive(path, "max_ransac_iterations", float64(c.MaxRansacIterations)),
		positive(path, "max_features_per_frame", float64(c.MaxFeaturesPerFrame)),
	)
}

// Validate ensures all parts of the config are valid.
func (c *MapBuilderConfig) Validate(path string) error {
	if c.MinObservations < 2 {
		return utils.NewConfigValidationError(path, errors.New("min_observations should be >= 2"))
	}
	if c.ExtractionBackoff < 1 {
		return utils.NewConfigValidationError(path, errors.New("extraction_backoff should be >= 1"))
	}
	if c.MaxExtractionIntervalSec < c.InitialExtractionIntervalSec {
		return utils.NewConfigValidationError(path,
			errors.New("max_extraction_interval_sec should be >= initial_extraction_interval_sec"))
	}
	if c.MaxDescriptorsPerLandmark < 1 {
		return utils.NewConfigValidationFieldRequiredError(path, "max_descriptors_per_landmark")
	}
	return multierr.Combine(
		positive(path, "max_features_per_frame", float64(c.MaxFeaturesPerFrame)),
		positive(path, "initial_extraction_interval_sec", c.InitialExtractionIntervalSec),
		positive(path, "association_radius_px", c.AssociationRadiusPx),
		fraction(path, "max_descriptor_distance_fraction", c.MaxDescriptorDistanceFraction),
		positive(path, "candidate_timeout_sec", c.CandidateTimeoutSec),
		positive(path, "max_reprojection_error_px", c.MaxReprojectionErrorPx),
	)
}

// Validate ensures all parts of the config are valid.
func (c *AlignerConfig) Validate(path string) error {
	if c.MinPosePairs < 2 || c.MaxPosePairs < c.MinPosePairs {
		return utils.NewConfigValidationError(path, errors.New("need 2 <= min_pose_pairs <= max_pose_pairs"))
	}
	if c.OutlierFraction < 0 || c.OutlierFraction >= 1 {
		return utils.NewConfigValidationError(path, errors.New("outlier_fraction should be in [0, 1)"))
	}
	if c.MinScale <= 0 || c.MaxScale < c.MinScale {
		return utils.NewConfigValidationError(path, errors.New("need 0 < min_scale <= max_scale"))
	}
	if c.SmoothingIntervalSec < 0 {
		return utils.NewConfigValidationError(path, errors.New("smoothing_interval_sec should be >= 0"))
	}
	return nil
}

// Validate ensures all parts of the config are valid.
func (c *SyncConfig) Validate(path string) error {
	switch c.Compression {
	case CompressionNone, CompressionGzip, CompressionZstd, CompressionLZ4:
	default:
		return utils.NewConfigValidationError(path, errors.Errorf("unknown compression %q", c.Compression))
	}
	if c.MapChannel == "" {
		return utils.NewConfigValidationFieldRequiredError(path, "map_channel")
	}
	if c.PoseChannel == "" {
		return utils.NewConfigValidationFieldRequiredError(path, "pose_channel")
	}
	if c.MapChannel == c.PoseChannel {
		return utils.NewConfigValidationError(path, errors.New("map and pose channels must differ"))
	}
	return positive(path, "max_publish_hz", c.MaxPublishHz)
}

// Validate ensures all parts of the config are valid.
func (c *FeatureMapConfig) Validate(path string) error {
	if c.Trees < 1 {
		return utils.NewConfigValidationError(path, errors.New("trees should be >= 1"))
	}
	if c.ClustersPerNode < 2 {
		return utils.NewConfigValidationError(path, errors.New("clusters_per_node should be >= 2"))
	}
	if c.MaxLeafSize < 1 {
		return utils.NewConfigValidationError(path, errors.New("max_leaf_size should be >= 1"))
	}
	if c.ClusteringRounds < 1 {
		return utils.NewConfigValidationError(path, errors.New("clustering_rounds should be >= 1"))
	}
	return nil
}
