package keypoints

import (
	"image"
	"math"
	"math/rand"
)

// BRIEFConfig stores the parameters.
type BRIEFConfig struct {
	N              int   `json:"n"` // number of samples taken
	UseOrientation bool  `json:"use_orientation"`
	PatchSize      int   `json:"patch_size"`
	Seed           int64 `json:"seed"`
}

// SamplePairs are N pairs of points used to create the BRIEF Descriptors of a patch.
type SamplePairs struct {
	P0 []image.Point
	P1 []image.Point
	N  int
}

// GenerateSamplePairs draws n uniform pairs of offsets within a patch. The same seed always gives
// the same pairs, so descriptors from different runs are comparable.
func GenerateSamplePairs(n, patchSize int, seed int64) *SamplePairs {
	rng := rand.New(rand.NewSource(seed))
	half := (patchSize - 1) / 2
	sample := func() image.Point {
		return image.Point{X: rng.Intn(2*half+1) - half, Y: rng.Intn(2*half+1) - half}
	}
	sp := &SamplePairs{P0: make([]image.Point, n), P1: make([]image.Point, n), N: n}
	for i := 0; i < n; i++ {
		sp.P0[i] = sample()
		sp.P1[i] = sample()
		for sp.P1[i] == sp.P0[i] {
			sp.P1[i] = sample()
		}
	}
	return sp
}

// ComputeBRIEFDescriptors computes BRIEF descriptors on the smoothed image at keypoints kps,
// steering the sample pattern by the keypoint orientation when configured. Keypoints must be at
// least PatchSize/2*sqrt(2) pixels away from the border.
func ComputeBRIEFDescriptors(smoothed *image.Gray, sp *SamplePairs, kps *FASTKeypoints, cfg *BRIEFConfig) []Descriptor {
	descs := make([]Descriptor, len(kps.Points))
	for k, kp := range kps.Points {
		cosTheta, sinTheta := 1.0, 0.0
		if cfg.UseOrientation && kps.Orientations != nil {
			cosTheta = math.Cos(kps.Orientations[k])
			sinTheta = math.Sin(kps.Orientations[k])
		}
		var descriptor Descriptor
		for i := 0; i < sp.N; i++ {
			x0, y0 := float64(sp.P0[i].X), float64(sp.P0[i].Y)
			x1, y1 := float64(sp.P1[i].X), float64(sp.P1[i].Y)
			outx0 := int(math.Round(cosTheta*x0 - sinTheta*y0))
			outy0 := int(math.Round(sinTheta*x0 + cosTheta*y0))
			outx1 := int(math.Round(cosTheta*x1 - sinTheta*y1))
			outy1 := int(math.Round(sinTheta*x1 + cosTheta*y1))
			p0Val := smoothed.GrayAt(kp.X+outx0, kp.Y+outy0).Y
			p1Val := smoothed.GrayAt(kp.X+outx1, kp.Y+outy1).Y
			if p0Val > p1Val {
				descriptor.SetBit(i)
			}
		}
		descs[k] = descriptor
	}
	return descs
}
