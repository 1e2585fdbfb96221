package referenceframe

import (
	"sync"

	"go.viam.com/mapshare/spatialmath"
	"go.viam.com/mapshare/utils"
)

// SmoothedTransform exposes a transformation that changes over time without jumping. When a new
// transformation is set, the value shown at that moment becomes the "old" transformation and
// queries blend from it to the new one over the smoothing interval.
type SmoothedTransform struct {
	interval float64

	mu           sync.Mutex
	oldTransform spatialmath.Similarity
	newTransform spatialmath.Similarity
	oldTimestamp float64
	newTimestamp float64
	hasOld       bool
	hasNew       bool
}

// NewSmoothedTransform returns an empty transform blending over interval seconds.
func NewSmoothedTransform(interval float64) *SmoothedTransform {
	return &SmoothedTransform{interval: max(interval, 0)}
}

// Interval returns the smoothing interval in seconds.
func (s *SmoothedTransform) Interval() float64 {
	return s.interval
}

// SetTransformation makes transform, computed at timestamp, the target. The transformation shown
// at timestamp so far becomes the starting point of the blend. The first transformation ever set
// is shown right away.
func (s *SmoothedTransform) SetTransformation(transform spatialmath.Similarity, timestamp float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.transformation(timestamp)
	if !ok {
		current = transform
	}
	s.oldTransform, s.oldTimestamp, s.hasOld = current, timestamp, true
	s.newTransform = transform
	s.newTimestamp = timestamp
	s.hasNew = true
}

// Transformation returns the transformation to show at timestamp: the old one up to the time the
// new one was set, the new one from the end of the smoothing interval on, and a blend in between.
// ok is false until a transformation was set.
func (s *SmoothedTransform) Transformation(timestamp float64) (spatialmath.Similarity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transformation(timestamp)
}

func (s *SmoothedTransform) transformation(timestamp float64) (spatialmath.Similarity, bool) {
	if !s.hasNew {
		return spatialmath.Similarity{}, false
	}
	if timestamp >= s.newTimestamp+s.interval {
		return s.newTransform, true
	}
	if timestamp <= s.newTimestamp {
		return s.oldTransform, s.hasOld
	}
	t := utils.Clamp((timestamp-s.newTimestamp)/s.interval, 0, 1)
	return spatialmath.InterpolateSimilarity(s.oldTransform, s.newTransform, t), true
}

// Timestamp returns when the newest transformation was set.
func (s *SmoothedTransform) Timestamp() (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.newTimestamp, s.hasNew
}

// Reset forgets both transformations and their timestamps. The interval is kept.
func (s *SmoothedTransform) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.oldTransform, s.newTransform = spatialmath.Similarity{}, spatialmath.Similarity{}
	s.oldTimestamp, s.newTimestamp = 0, 0
	s.hasOld, s.hasNew = false, false
}
