package mapbuilder

import (
	"context"

	"go.viam.com/mapshare/config"
	"go.viam.com/mapshare/vision/featuremap"
	"go.viam.com/mapshare/vision/keypoints"
)

// Snapshot is the set of mature landmarks at one instant, ready to be turned into a feature map
// or sent to other devices.
type Snapshot struct {
	Landmarks   []featuremap.Landmark
	IDs         []uint32
	Descriptors map[uint32][]keypoints.Descriptor
	Timestamp   float64
}

// Build indexes the snapshot into a feature map.
func (s Snapshot) Build(ctx context.Context, cfg config.FeatureMapConfig) (*featuremap.FeatureMap, error) {
	return featuremap.Build(ctx, s.Landmarks, s.IDs, s.Descriptors, cfg)
}

// snapshot collects the located landmarks with enough observations. Unless unlocated landmarks
// are kept, a landmark also needs to have been seen from cameras spread over at least the
// minimum box diagonal.
func (b *MapBuilder) snapshot(timestamp float64) Snapshot {
	s := Snapshot{Descriptors: make(map[uint32][]keypoints.Descriptor), Timestamp: timestamp}
	for _, id := range b.order {
		if !b.located.Contains(id) {
			continue
		}
		t := b.tracks[id]
		if t.observed < b.cfg.MinObservations {
			continue
		}
		if !b.cfg.KeepUnlocated && t.cameraSpread() < b.cfg.MinBoxDiagonalM {
			continue
		}
		s.Landmarks = append(s.Landmarks, featuremap.Landmark{ID: id, Position: t.position, Stability: t.stability})
		s.IDs = append(s.IDs, id)
		s.Descriptors[id] = append([]keypoints.Descriptor(nil), t.descriptors...)
	}
	return s
}
