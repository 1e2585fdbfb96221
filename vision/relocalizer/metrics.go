package relocalizer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	relocalizationAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mapshare",
		Name:      "relocalization_attempts_total",
		Help:      "Relocalization attempts by camera setup",
	}, []string{"setup"})

	relocalizationSuccesses = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mapshare",
		Name:      "relocalization_successes_total",
		Help:      "Relocalization attempts that produced a pose, by camera setup",
	}, []string{"setup"})

	relocalizationCorrespondences = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "mapshare",
		Name:      "relocalization_correspondences",
		Help:      "Inlier correspondences of the latest relocalization attempt",
	})
)

func setupLabel(cameras int) string {
	if cameras == 2 {
		return "stereo"
	}
	return "mono"
}

var relocalizationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "mapshare",
	Name:      "relocalization_duration_seconds",
	Help:      "Time spent in one relocalization attempt",
	Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
})
