package keypoints

import (
	"context"
	"image"
	"image/color"
	"image/draw"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/golang/geo/r2"
	"go.viam.com/test"
)

// blockTexture paints random gray 4x4 blocks.
func blockTexture(w, h int, seed int64) *image.Gray {
	rng := rand.New(rand.NewSource(seed))
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y += 4 {
		for x := 0; x < w; x += 4 {
			draw.Draw(img, image.Rect(x, y, x+4, y+4), &image.Uniform{color.Gray{uint8(rng.Intn(256))}}, image.Point{}, draw.Src)
		}
	}
	return img
}

func crop(img *image.Gray, r image.Rectangle) *image.Gray {
	out := image.NewGray(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Draw(out, out.Bounds(), img, r.Min, draw.Src)
	return out
}

func TestCornerScore(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 40, 40))
	draw.Draw(img, image.Rect(20, 20, 40, 40), &image.Uniform{color.Gray{255}}, image.Point{}, draw.Src)
	cfg := DefaultORBConfig().FastConf

	// the corner pixel of a bright square sees a long dark arc
	test.That(t, cornerScore(img, image.Point{20, 20}, cfg), test.ShouldBeGreaterThan, 0)
	// flat regions and straight edges are not corners
	test.That(t, cornerScore(img, image.Point{10, 10}, cfg), test.ShouldEqual, 0)
	test.That(t, cornerScore(img, image.Point{30, 20}, cfg), test.ShouldEqual, 0)

	vals := GetPointValuesInNeighborhood(img, image.Point{20, 20}, CircleIdx[:])
	test.That(t, vals, test.ShouldHaveLength, 16)
	test.That(t, vals[0], test.ShouldEqual, 0)
	test.That(t, vals[6], test.ShouldEqual, 255)
}

func TestORBShiftInvariance(t *testing.T) {
	detector, err := NewORBDetector(nil)
	test.That(t, err, test.ShouldBeNil)

	texture := blockTexture(320, 220, 7)
	// img1(x, y) == img2(x+10, y+5)
	img1 := crop(texture, image.Rect(10, 5, 310, 205))
	img2 := crop(texture, image.Rect(0, 0, 300, 200))

	f1, err := detector.Detect(context.Background(), img1, nil, 0)
	test.That(t, err, test.ShouldBeNil)
	f2, err := detector.Detect(context.Background(), img2, nil, 0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, f1.Len(), test.ShouldBeGreaterThan, 30)
	test.That(t, f1.Descriptors, test.ShouldHaveLength, f1.Len())

	matches := MatchDescriptors(f1.Descriptors, f2.Descriptors, &MatchingConfig{DoCrossCheck: true, MaxDist: 1})
	test.That(t, len(matches), test.ShouldBeGreaterThan, 20)
	p1, p2, err := GetMatchingKeyPoints(matches, f1.Points, f2.Points)
	test.That(t, err, test.ShouldBeNil)
	consistent := 0
	for i := range p1 {
		if p2[i].Sub(p1[i]) == (r2.Point{X: 10, Y: 5}) {
			consistent++
		}
	}
	test.That(t, float64(consistent), test.ShouldBeGreaterThanOrEqualTo, 0.9*float64(len(matches)))

	// the strongest features are a subset
	limited, err := detector.Detect(context.Background(), img1, nil, 10)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, limited.Len(), test.ShouldEqual, 10)

	out := filepath.Join(t.TempDir(), "kps.png")
	test.That(t, PlotKeypoints(img1, limited.Points, out), test.ShouldBeNil)
}

func TestORBConfigValidate(t *testing.T) {
	cfg := DefaultORBConfig()
	test.That(t, cfg.Validate("orb"), test.ShouldBeNil)

	cfg.BRIEFConf.N = 128
	test.That(t, cfg.Validate("orb"), test.ShouldNotBeNil)

	cfg = DefaultORBConfig()
	cfg.FastConf = nil
	test.That(t, cfg.Validate("orb"), test.ShouldNotBeNil)

	_, err := NewORBDetector(&ORBConfig{})
	test.That(t, err, test.ShouldNotBeNil)

	_, err = (&ORBDetector{}).Detect(context.Background(), nil, nil, 0)
	test.That(t, err, test.ShouldNotBeNil)
}
