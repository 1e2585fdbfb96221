package keypoints

import (
	"context"
	"image"

	"github.com/golang/geo/r2"

	"go.viam.com/mapshare/rimage/transform"
)

// Features are the keypoints detected in one image with their descriptors. Points[i] is
// described by Descriptors[i].
type Features struct {
	Points      []r2.Point
	Descriptors []Descriptor
}

// Len returns the number of features.
func (f Features) Len() int {
	return len(f.Points)
}

// Subset returns the features at the given indices.
func (f Features) Subset(indices []int) Features {
	out := Features{
		Points:      make([]r2.Point, 0, len(indices)),
		Descriptors: make([]Descriptor, 0, len(indices)),
	}
	for _, i := range indices {
		out.Points = append(out.Points, f.Points[i])
		out.Descriptors = append(out.Descriptors, f.Descriptors[i])
	}
	return out
}

// A Detector finds keypoints in an image and describes them with binary descriptors. At most
// maxFeatures are returned, a non positive value means no limit.
type Detector interface {
	Detect(ctx context.Context, img image.Image, intrinsics *transform.PinholeCameraIntrinsics, maxFeatures int) (Features, error)
}
