// Package keypoints contains the implementation of keypoints in an image: FAST corners, steered
// BRIEF descriptors combined in an ORB detector, and binary descriptor matching.
package keypoints

import (
	"image"
	"math"

	"github.com/fogleman/gg"
	"github.com/golang/geo/r2"
)

// orientationPatchRadius is the radius of the disc used by the intensity centroid.
const orientationPatchRadius = 15

// circleHalfWidths[|dy|] is the half width of the orientation disc at row offset dy.
var circleHalfWidths = [orientationPatchRadius + 1]int{15, 15, 15, 15, 14, 14, 14, 13, 13, 12, 11, 10, 9, 8, 6, 3}

// ComputeKeypointsOrientations computes the orientation of each keypoint as the angle of the
// intensity centroid of the disc around it. Keypoints must be at least orientationPatchRadius
// pixels away from the border.
func ComputeKeypointsOrientations(img *image.Gray, kps []image.Point) []float64 {
	orientations := make([]float64, len(kps))
	for i, kp := range kps {
		m01, m10 := 0, 0
		for dy := -orientationPatchRadius; dy <= orientationPatchRadius; dy++ {
			halfWidth := circleHalfWidths[absInt(dy)]
			rowSum := 0
			for dx := -halfWidth; dx <= halfWidth; dx++ {
				pixVal := int(img.GrayAt(kp.X+dx, kp.Y+dy).Y)
				m10 += pixVal * dx
				rowSum += pixVal
			}
			m01 += rowSum * dy
		}
		orientations[i] = math.Atan2(float64(m01), float64(m10))
	}
	return orientations
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// PlotKeypoints plots keypoints on image.
func PlotKeypoints(img image.Image, kps []r2.Point, outName string) error {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()

	dc := gg.NewContext(w, h)
	dc.DrawImage(img, 0, 0)

	// draw keypoints on image
	dc.SetRGBA(0, 0, 1, 0.5)
	for _, p := range kps {
		dc.DrawCircle(p.X, p.Y, 3.0)
		dc.Fill()
	}
	return dc.SavePNG(outName)
}

// PlotCorrespondences draws detected points in blue and, for each pair, a red line from the
// detected point to where the matched landmark projects.
func PlotCorrespondences(img image.Image, detected, projected []r2.Point, outName string) error {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	dc := gg.NewContext(w, h)
	dc.DrawImage(img, 0, 0)
	dc.SetLineWidth(1)
	for i := range detected {
		dc.SetRGBA(0, 0, 1, 0.6)
		dc.DrawCircle(detected[i].X, detected[i].Y, 3.0)
		dc.Fill()
		if i < len(projected) {
			dc.SetRGBA(1, 0, 0, 0.8)
			dc.DrawLine(detected[i].X, detected[i].Y, projected[i].X, projected[i].Y)
			dc.Stroke()
		}
	}
	return dc.SavePNG(outName)
}
