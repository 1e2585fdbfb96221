// Package referenceframe relates the local tracking frame of a device to the shared map frame and
// smooths changes of that relation over time.
package referenceframe

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"go.viam.com/mapshare/config"
	"go.viam.com/mapshare/logging"
	"go.viam.com/mapshare/spatialmath"
)

var alignmentUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "mapshare",
	Name:      "alignment_updates_total",
	Help:      "Frame alignment solves by result",
}, []string{"result"})

// CorrespondencePair is the pose of a device at one instant in its local tracking frame
// (`local_T_device`) and in the shared map frame (`map_T_device`).
type CorrespondencePair struct {
	Local     spatialmath.Pose
	Map       spatialmath.Pose
	Timestamp float64
}

// FrameAligner estimates `map_T_local`, the similarity between a device's local tracking frame
// and the shared map frame, from the most recent correspondence pairs.
type FrameAligner struct {
	cfg    config.AlignerConfig
	logger logging.Logger

	mu       sync.Mutex
	pairs    []CorrespondencePair
	head     int
	latest   spatialmath.Similarity
	latestTS float64
	accepted bool
	smoothed *SmoothedTransform
}

// NewFrameAligner returns an aligner without pairs.
func NewFrameAligner(cfg config.AlignerConfig, logger logging.Logger) (*FrameAligner, error) {
	if err := cfg.Validate("aligner"); err != nil {
		return nil, err
	}
	return &FrameAligner{
		cfg:      cfg,
		logger:   logger,
		pairs:    make([]CorrespondencePair, 0, cfg.MaxPosePairs),
		smoothed: NewSmoothedTransform(cfg.SmoothingIntervalSec),
	}, nil
}

// Observe adds a pair and solves for the alignment over all buffered pairs, the oldest pair
// being evicted once the buffer is full. It reports whether the solve was accepted, i.e. its
// scale lies within the configured band. Accepted alignments are blended in through the
// smoothed transform.
func (a *FrameAligner) Observe(localTDevice, mapTDevice spatialmath.Pose, timestamp float64) bool {
	if !localTDevice.IsValid() || !mapTDevice.IsValid() {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	pair := CorrespondencePair{Local: localTDevice, Map: mapTDevice, Timestamp: timestamp}
	if len(a.pairs) < a.cfg.MaxPosePairs {
		a.pairs = append(a.pairs, pair)
	} else {
		a.pairs[a.head] = pair
		a.head = (a.head + 1) % len(a.pairs)
	}
	if len(a.pairs) < a.cfg.MinPosePairs {
		return false
	}

	locals := make([]spatialmath.Pose, len(a.pairs))
	maps := make([]spatialmath.Pose, len(a.pairs))
	for i, p := range a.pairs {
		locals[i], maps[i] = p.Local, p.Map
	}
	mapTLocal, used, err := spatialmath.AbsoluteTransformationWithOutliers(
		locals, maps, a.cfg.OutlierFraction, spatialmath.ScaleSymmetric)
	if err != nil {
		a.logger.Debugw("alignment solve failed", "pairs", len(a.pairs), "error", err)
		alignmentUpdates.WithLabelValues("failed").Inc()
		return false
	}
	if mapTLocal.Scale < a.cfg.MinScale || mapTLocal.Scale > a.cfg.MaxScale {
		a.logger.Debugw("alignment rejected", "scale", mapTLocal.Scale, "pairs", len(a.pairs))
		alignmentUpdates.WithLabelValues("rejected_scale").Inc()
		return false
	}
	alignmentUpdates.WithLabelValues("accepted").Inc()
	a.latest, a.latestTS, a.accepted = mapTLocal, timestamp, true
	a.smoothed.SetTransformation(mapTLocal, timestamp)
	a.logger.Debugw("alignment accepted", "scale", mapTLocal.Scale, "pairs", len(a.pairs), "inliers", len(used))
	return true
}

// CurrentAlignment returns the smoothed `map_T_local` to use at timestamp.
func (a *FrameAligner) CurrentAlignment(timestamp float64) (spatialmath.Similarity, bool) {
	return a.smoothed.Transformation(timestamp)
}

// LatestAlignment returns the last accepted `map_T_local`, unsmoothed, and when it was accepted.
func (a *FrameAligner) LatestAlignment() (spatialmath.Similarity, float64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.latest, a.latestTS, a.accepted
}

// LatestTimestamp returns when the last alignment was accepted.
func (a *FrameAligner) LatestTimestamp() (float64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.latestTS, a.accepted
}

// PairCount returns the number of buffered pairs.
func (a *FrameAligner) PairCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pairs)
}

// Reset drops all pairs and alignments.
func (a *FrameAligner) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pairs = a.pairs[:0]
	a.head = 0
	a.latest, a.latestTS, a.accepted = spatialmath.Similarity{}, 0, false
	a.smoothed.Reset()
}
