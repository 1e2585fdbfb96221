package relocalizer

import (
	"context"
	"math"
	"sort"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/golang/geo/r2"

	"go.viam.com/mapshare/rimage/transform"
	"go.viam.com/mapshare/spatialmath"
	"go.viam.com/mapshare/utils"
	"go.viam.com/mapshare/vision/featuremap"
	"go.viam.com/mapshare/vision/keypoints"
)

// matchUnguided matches every feature of one camera against the feature map and keeps, for every
// landmark, only the closest feature. Ties go to the lower feature index.
func matchUnguided(
	ctx context.Context,
	fm *featuremap.FeatureMap,
	camera int,
	features keypoints.Features,
	maxDistance int,
) ([]Correspondence, error) {
	type match struct {
		neighbor featuremap.Neighbor
		ok       bool
	}
	matches := make([]match, features.Len())
	if err := utils.ParallelForEach(ctx, features.Len(), func(i int) {
		n, ok := fm.MatchDescriptor(features.Descriptors[i], maxDistance)
		matches[i] = match{neighbor: n, ok: ok}
	}); err != nil {
		return nil, err
	}

	bestFeature := make(map[uint32]int)
	for i, m := range matches {
		if !m.ok {
			continue
		}
		prev, seen := bestFeature[m.neighbor.ID]
		if !seen || m.neighbor.Distance < matches[prev].neighbor.Distance {
			bestFeature[m.neighbor.ID] = i
		}
	}
	out := make([]Correspondence, 0, len(bestFeature))
	for i, m := range matches {
		if !m.ok || bestFeature[m.neighbor.ID] != i {
			continue
		}
		landmark, _ := fm.Landmark(m.neighbor.ID)
		out = append(out, Correspondence{
			Camera:     camera,
			Feature:    i,
			Pixel:      features.Points[i],
			LandmarkID: m.neighbor.ID,
			World:      landmark.Position,
		})
	}
	return out, nil
}

// featureGrid buckets the features of one image in square cells whose side is the search radius,
// so a radius query only visits the 3x3 cells around the query.
type featureGrid struct {
	cell  float64
	cells map[[2]int][]int
}

func newFeatureGrid(points []r2.Point, cell float64) featureGrid {
	g := featureGrid{cell: cell, cells: make(map[[2]int][]int)}
	for i, p := range points {
		key := g.key(p)
		g.cells[key] = append(g.cells[key], i)
	}
	return g
}

func (g featureGrid) key(p r2.Point) [2]int {
	return [2]int{int(math.Floor(p.X / g.cell)), int(math.Floor(p.Y / g.cell))}
}

func (g featureGrid) within(points []r2.Point, center r2.Point, radius float64, visit func(i int)) {
	k := g.key(center)
	r2max := radius * radius
	for dx := -1; dx <= 1; dx++ {
		for dy := -1; dy <= 1; dy++ {
			for _, i := range g.cells[[2]int{k[0] + dx, k[1] + dy}] {
				if utils.SquaredDistance2D(points[i], center) <= r2max {
					visit(i)
				}
			}
		}
	}
}

type guidedProposal struct {
	landmark int
	feature  int
	distance int
}

// matchGuided projects the landmarks into each camera under `device_T_world` and looks for unused
// features within radius pixels of the projection whose descriptor is close to any of the
// landmark's descriptors. Landmarks already matched in a camera are skipped for that camera, as
// are features already in use. Conflicting proposals are resolved by descriptor distance.
func matchGuided(
	fm *featuremap.FeatureMap,
	cameras []transform.Camera,
	features []keypoints.Features,
	deviceTWorld spatialmath.Pose,
	existing []Correspondence,
	radius float64,
	maxDistance int,
) []Correspondence {
	matchedLandmarks := make([]*roaring.Bitmap, len(cameras))
	usedFeatures := make([]*roaring.Bitmap, len(cameras))
	for cam := range cameras {
		matchedLandmarks[cam] = roaring.New()
		usedFeatures[cam] = roaring.New()
	}
	for _, c := range existing {
		matchedLandmarks[c.Camera].Add(c.LandmarkID)
		usedFeatures[c.Camera].Add(uint32(c.Feature))
	}

	landmarks := fm.Landmarks()
	var added []Correspondence
	for cam, camera := range cameras {
		if features[cam].Len() == 0 {
			continue
		}
		cameraTWorld := camera.DeviceTCamera.Inverse().Compose(deviceTWorld)
		grid := newFeatureGrid(features[cam].Points, radius)

		var proposals []guidedProposal
		for li, landmark := range landmarks {
			if matchedLandmarks[cam].Contains(landmark.ID) {
				continue
			}
			pixel, ok := transform.ProjectWorldPoint(camera.Intrinsics, cameraTWorld, landmark.Position)
			if !ok || !camera.Intrinsics.InImage(pixel) {
				continue
			}
			best := guidedProposal{landmark: li, feature: -1, distance: maxDistance + 1}
			grid.within(features[cam].Points, pixel, radius, func(fi int) {
				if usedFeatures[cam].Contains(uint32(fi)) {
					return
				}
				d := fm.DescriptorDistance(landmark.ID, features[cam].Descriptors[fi])
				if d < best.distance || (d == best.distance && fi < best.feature) {
					best.feature, best.distance = fi, d
				}
			})
			if best.feature >= 0 {
				proposals = append(proposals, best)
			}
		}

		sort.Slice(proposals, func(a, b int) bool {
			if proposals[a].distance != proposals[b].distance {
				return proposals[a].distance < proposals[b].distance
			}
			return proposals[a].landmark < proposals[b].landmark
		})
		for _, p := range proposals {
			if !usedFeatures[cam].CheckedAdd(uint32(p.feature)) {
				continue
			}
			landmark := landmarks[p.landmark]
			matchedLandmarks[cam].Add(landmark.ID)
			added = append(added, Correspondence{
				Camera:     cam,
				Feature:    p.feature,
				Pixel:      features[cam].Points[p.feature],
				LandmarkID: landmark.ID,
				World:      landmark.Position,
			})
		}
	}
	return added
}
