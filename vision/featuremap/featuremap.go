// Package featuremap holds immutable landmark maps and the vocabulary forest used to look
// landmarks up by descriptor.
package featuremap

import (
	"context"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"go.viam.com/mapshare/config"
	"go.viam.com/mapshare/vision/keypoints"
)

// ErrInsufficientData is returned when a map cannot be built from the given data.
var ErrInsufficientData = errors.New("insufficient data to build feature map")

// Landmark is a 3D point of a map with a stable identifier.
type Landmark struct {
	ID       uint32
	Position r3.Vector
	// Stability is in [0, 1], the share of consistent observations of the landmark.
	Stability float64
}

// Neighbor is a landmark returned by a descriptor query.
type Neighbor struct {
	ID       uint32
	Index    int
	Distance int
}

// FeatureMap is a built, read-only snapshot of landmarks and their multi-view descriptors. It is
// safe for concurrent use and is replaced as a whole, never modified.
type FeatureMap struct {
	landmarks   []Landmark
	ids         []uint32
	indexByID   map[uint32]int
	descriptors map[uint32][]keypoints.Descriptor
	forest      *Forest
}

// Build validates the landmark set and builds its vocabulary forest. ids must be parallel to
// landmarks, unique, and every landmark needs at least one descriptor. Identical inputs and
// configuration always give identical query results.
func Build(
	ctx context.Context,
	landmarks []Landmark,
	ids []uint32,
	descriptors map[uint32][]keypoints.Descriptor,
	cfg config.FeatureMapConfig,
) (*FeatureMap, error) {
	if len(landmarks) == 0 {
		return nil, errors.Wrap(ErrInsufficientData, "no landmarks")
	}
	if len(ids) != len(landmarks) {
		return nil, errors.Wrapf(ErrInsufficientData, "%d ids for %d landmarks", len(ids), len(landmarks))
	}
	if err := cfg.Validate("feature_map"); err != nil {
		return nil, err
	}

	seen := roaring.New()
	entries := make([]indexedDescriptor, 0, 2*len(landmarks))
	ownDescriptors := make(map[uint32][]keypoints.Descriptor, len(landmarks))
	indexByID := make(map[uint32]int, len(landmarks))
	for i, lm := range landmarks {
		id := ids[i]
		if lm.ID != id {
			return nil, errors.Wrapf(ErrInsufficientData, "landmark %d has id %d but ids[%d] is %d", i, lm.ID, i, id)
		}
		if !seen.CheckedAdd(id) {
			return nil, errors.Wrapf(ErrInsufficientData, "duplicate landmark id %d", id)
		}
		descs := descriptors[id]
		if len(descs) == 0 {
			return nil, errors.Wrapf(ErrInsufficientData, "landmark %d has no descriptors", id)
		}
		ownDescriptors[id] = append([]keypoints.Descriptor(nil), descs...)
		indexByID[id] = i

		vocabulary := keypoints.MajorityDescriptor(descs)
		entries = append(entries, indexedDescriptor{descriptor: vocabulary, landmark: i})
		for _, d := range descs {
			if d != vocabulary {
				entries = append(entries, indexedDescriptor{descriptor: d, landmark: i})
			}
		}
	}

	forest, err := buildForest(ctx, entries, cfg)
	if err != nil {
		return nil, err
	}
	return &FeatureMap{
		landmarks:   append([]Landmark(nil), landmarks...),
		ids:         append([]uint32(nil), ids...),
		indexByID:   indexByID,
		descriptors: ownDescriptors,
		forest:      forest,
	}, nil
}

// Landmarks returns the landmarks of the map. The slice must not be modified.
func (fm *FeatureMap) Landmarks() []Landmark {
	return fm.landmarks
}

// IDs returns the landmark identifiers, parallel to Landmarks. The slice must not be modified.
func (fm *FeatureMap) IDs() []uint32 {
	return fm.ids
}

// Size returns the number of landmarks.
func (fm *FeatureMap) Size() int {
	return len(fm.landmarks)
}

// Landmark returns the landmark with the given identifier.
func (fm *FeatureMap) Landmark(id uint32) (Landmark, bool) {
	i, ok := fm.indexByID[id]
	if !ok {
		return Landmark{}, false
	}
	return fm.landmarks[i], true
}

// DescriptorsOf returns the multi-view descriptors of a landmark. The slice must not be modified.
func (fm *FeatureMap) DescriptorsOf(id uint32) ([]keypoints.Descriptor, bool) {
	descs, ok := fm.descriptors[id]
	return descs, ok
}

// Forest returns the vocabulary forest of the map.
func (fm *FeatureMap) Forest() *Forest {
	return fm.forest
}

// DescriptorDistance returns the smallest distance between d and the descriptors of a landmark.
func (fm *FeatureMap) DescriptorDistance(id uint32, d keypoints.Descriptor) int {
	best := keypoints.DescriptorBits + 1
	for _, own := range fm.descriptors[id] {
		best = min(best, keypoints.Distance(d, own))
	}
	return best
}

// ApproximateNeighbors returns up to k distinct landmarks close to d in descriptor space, nearest
// first, ties broken by landmark order. Only the best leaf of every vocabulary tree is searched,
// so true neighbors can be missed.
func (fm *FeatureMap) ApproximateNeighbors(d keypoints.Descriptor, k int) []Neighbor {
	if k <= 0 {
		return nil
	}
	candidates := fm.forest.search(d)
	if len(candidates) > k {
		candidates = candidates[:k]
	}
	out := make([]Neighbor, len(candidates))
	for i, c := range candidates {
		out[i] = Neighbor{ID: fm.ids[c.landmark], Index: c.landmark, Distance: c.distance}
	}
	return out
}

// candidatesPerMatch is how many coarse neighbors are confirmed by exact distance.
const candidatesPerMatch = 4

// MatchDescriptor returns the landmark matching d: the coarse neighbors from the forest are
// confirmed against all multi-view descriptors of their landmark and the closest one within
// maxDistance wins.
func (fm *FeatureMap) MatchDescriptor(d keypoints.Descriptor, maxDistance int) (Neighbor, bool) {
	best := Neighbor{Distance: maxDistance + 1}
	found := false
	for _, n := range fm.ApproximateNeighbors(d, candidatesPerMatch) {
		dist := fm.DescriptorDistance(n.ID, d)
		if dist <= maxDistance && dist < best.Distance {
			best = Neighbor{ID: n.ID, Index: n.Index, Distance: dist}
			found = true
		}
	}
	return best, found
}
