package keypoints

import (
	"context"
	"encoding/json"
	"image"
	"image/draw"
	"math"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"go.viam.com/utils"

	"go.viam.com/mapshare/rimage/transform"
)

// ORBConfig contains the parameters / configs needed to compute ORB features.
type ORBConfig struct {
	BlurSigma float64      `json:"blur_sigma"`
	FastConf  *FASTConfig  `json:"fast"`
	BRIEFConf *BRIEFConfig `json:"brief"`
}

// DefaultORBConfig returns the configuration used when none is given.
func DefaultORBConfig() *ORBConfig {
	return &ORBConfig{
		BlurSigma: 1.5,
		FastConf:  &FASTConfig{Threshold: 20, NMatchesCircle: 9, NMSWinSize: 7},
		BRIEFConf: &BRIEFConfig{N: DescriptorBits, UseOrientation: true, PatchSize: 31, Seed: 0x0b5e55ed},
	}
}

// LoadORBConfiguration loads a ORBConfig from a json file.
func LoadORBConfiguration(file string) (*ORBConfig, error) {
	var config ORBConfig
	//nolint:gosec
	configFile, err := os.Open(filepath.Clean(file))
	if err != nil {
		return nil, err
	}
	defer utils.UncheckedErrorFunc(configFile.Close)
	if err := json.NewDecoder(configFile).Decode(&config); err != nil {
		return nil, err
	}
	if err := config.Validate(file); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate ensures all parts of the ORBConfig are valid.
func (config *ORBConfig) Validate(path string) error {
	if config.BlurSigma < 0 {
		return utils.NewConfigValidationError(path, errors.New("blur_sigma should be >= 0"))
	}
	if config.FastConf == nil {
		return utils.NewConfigValidationFieldRequiredError(path, "fast")
	}
	if config.FastConf.NMatchesCircle < 1 || config.FastConf.NMatchesCircle > len(CircleIdx) {
		return utils.NewConfigValidationError(path, errors.New("fast.n_matches should be in [1, 16]"))
	}
	if config.BRIEFConf == nil {
		return utils.NewConfigValidationFieldRequiredError(path, "brief")
	}
	if config.BRIEFConf.N != DescriptorBits {
		return utils.NewConfigValidationError(path, errors.Errorf("brief.n should be %d", DescriptorBits))
	}
	if config.BRIEFConf.PatchSize < 5 || config.BRIEFConf.PatchSize > 2*orientationPatchRadius+1 {
		return utils.NewConfigValidationError(path, errors.New("brief.patch_size should be in [5, 31]"))
	}
	return nil
}

// ORBDetector detects FAST corners and describes them with steered BRIEF descriptors.
type ORBDetector struct {
	cfg    *ORBConfig
	pairs  *SamplePairs
	border int
}

// NewORBDetector returns a detector for the given configuration.
func NewORBDetector(cfg *ORBConfig) (*ORBDetector, error) {
	if cfg == nil {
		cfg = DefaultORBConfig()
	}
	if err := cfg.Validate("orb"); err != nil {
		return nil, err
	}
	// rotated samples reach half the patch diagonal
	border := int(math.Ceil(float64(cfg.BRIEFConf.PatchSize/2)*math.Sqrt2)) + 1
	border = max(border, orientationPatchRadius+1)
	return &ORBDetector{
		cfg:    cfg,
		pairs:  GenerateSamplePairs(cfg.BRIEFConf.N, cfg.BRIEFConf.PatchSize, cfg.BRIEFConf.Seed),
		border: border,
	}, nil
}

// Detect implements Detector. The intrinsics are not needed by ORB.
func (d *ORBDetector) Detect(
	ctx context.Context,
	img image.Image,
	intrinsics *transform.PinholeCameraIntrinsics,
	maxFeatures int,
) (Features, error) {
	if img == nil {
		return Features{}, errors.New("input image is nil")
	}
	gray := ToGray(img)
	kps := DetectFAST(gray, d.cfg.FastConf, d.border)
	kps.KeepStrongest(maxFeatures)
	if err := ctx.Err(); err != nil {
		return Features{}, err
	}
	kps.Orientations = ComputeKeypointsOrientations(gray, kps.Points)

	smoothed := gray
	if d.cfg.BlurSigma > 0 {
		smoothed = ToGray(imaging.Blur(gray, d.cfg.BlurSigma))
	}
	descs := ComputeBRIEFDescriptors(smoothed, d.pairs, kps, d.cfg.BRIEFConf)

	features := Features{Points: make([]r2.Point, len(kps.Points)), Descriptors: descs}
	for i, p := range kps.Points {
		features.Points[i] = r2.Point{X: float64(p.X), Y: float64(p.Y)}
	}
	return features, nil
}

// ToGray returns img as a gray image with its origin at (0, 0).
func ToGray(img image.Image) *image.Gray {
	if gray, ok := img.(*image.Gray); ok && gray.Rect.Min == (image.Point{}) {
		return gray
	}
	bounds := img.Bounds()
	gray := image.NewGray(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(gray, gray.Bounds(), img, bounds.Min, draw.Src)
	return gray
}
