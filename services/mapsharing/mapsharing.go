// Package mapsharing runs the map sharing pipeline on a device. A Creator scans the environment
// into landmark maps and publishes them; a Follower receives maps, relocalizes its camera against
// them and keeps the alignment between its own tracking frame and the shared map frame.
//
// Every stage runs in its own worker goroutine. Stages hand values to each other through
// latest-wins slots, so a slow stage skips intermediate values instead of falling behind.
package mapsharing

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"go.viam.com/mapshare/logging"
	"go.viam.com/mapshare/mapsync"
	"go.viam.com/mapshare/utils"
)

// pollInterval is how long an idle worker sleeps before looking at its input slot again.
const pollInterval = 2 * time.Millisecond

var (
	// ErrAlreadyStarted is returned by Start on a running service.
	ErrAlreadyStarted = errors.New("service already started")
	// ErrNotStarted is returned by Stop on a service that is not running.
	ErrNotStarted = errors.New("service not started")
)

var (
	framesSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mapshare",
		Name:      "frames_submitted_total",
		Help:      "Frames handed to the pipeline, by role",
	}, []string{"role"})

	mapsPublished = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mapshare",
		Name:      "maps_published_total",
		Help:      "Feature maps sent by a creator",
	})

	mapLandmarks = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "mapshare",
		Name:      "follower_map_landmarks",
		Help:      "Landmarks in the feature map a follower relocalizes against",
	})
)

// lifecycle starts and stops the workers of a service.
type lifecycle struct {
	mu      sync.Mutex
	workers utils.StoppableWorkers
}

func (l *lifecycle) start(funcs ...func(context.Context)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.workers != nil {
		return ErrAlreadyStarted
	}
	l.workers = utils.NewStoppableWorkers(funcs...)
	return nil
}

func (l *lifecycle) stop() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.workers == nil {
		return ErrNotStarted
	}
	l.workers.Stop()
	l.workers = nil
	return nil
}

func (l *lifecycle) running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.workers != nil
}

// publish compresses an encoded message and sends it on channel.
func publish(
	ctx context.Context,
	sender *mapsync.Sender,
	compression, channel string,
	encoded []byte,
	logger logging.Logger,
) (uint64, error) {
	payload, err := mapsync.Compress(compression, encoded)
	if err != nil {
		return 0, err
	}
	version, err := sender.Send(ctx, channel, payload)
	if err != nil {
		return version, err
	}
	logger.Debugw("published", "channel", channel, "version", version, "bytes", len(payload), "raw_bytes", len(encoded))
	return version, nil
}

func newClock(clk clock.Clock) clock.Clock {
	if clk == nil {
		return clock.New()
	}
	return clk
}
