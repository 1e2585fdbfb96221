package mapsync

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"go.viam.com/mapshare/logging"
)

var droppedContainers = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "mapshare",
	Name:      "sync_dropped_containers_total",
	Help:      "Containers discarded by a receiver, by channel and reason",
}, []string{"channel", "reason"})

// ErrTransportClosed is returned by a transport after Close.
var ErrTransportClosed = errors.New("transport closed")

// Container is what travels over a transport: one payload on a named channel, stamped with the
// channel version at the sender and the sender's identity.
type Container struct {
	Channel string
	Version uint64
	Sender  uuid.UUID
	Payload []byte
}

// Transport hands containers between devices. It gives no ordering guarantee.
type Transport interface {
	Send(ctx context.Context, c Container) error
	Receive(ctx context.Context) (Container, error)
}

// Sender stamps outgoing payloads with a per-channel version that starts at 1 and increases by
// one with every send on that channel.
type Sender struct {
	id        uuid.UUID
	transport Transport

	mu       sync.Mutex
	versions map[string]uint64
}

// NewSender returns a sender with a fresh identity.
func NewSender(transport Transport) *Sender {
	return &Sender{id: uuid.New(), transport: transport, versions: make(map[string]uint64)}
}

// ID returns the identity stamped into every container.
func (s *Sender) ID() uuid.UUID {
	return s.id
}

// Version returns the version of the last send on channel, 0 if there was none.
func (s *Sender) Version(channel string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.versions[channel]
}

// Send stamps payload with the next version of channel and hands it to the transport. The version
// is consumed even when the transport fails, so a retry is always newer.
func (s *Sender) Send(ctx context.Context, channel string, payload []byte) (uint64, error) {
	s.mu.Lock()
	s.versions[channel]++
	version := s.versions[channel]
	s.mu.Unlock()

	c := Container{Channel: channel, Version: version, Sender: s.id, Payload: payload}
	if err := s.transport.Send(ctx, c); err != nil {
		return version, errors.Wrapf(err, "send %s v%d", channel, version)
	}
	return version, nil
}

// Receiver filters incoming containers so that from every sender only strictly increasing
// versions are accepted on each channel. Senders count versions independently, so they are
// tracked apart.
type Receiver struct {
	logger logging.Logger

	mu       sync.Mutex
	accepted map[stream]uint64
	dropped  uint64
}

type stream struct {
	sender  uuid.UUID
	channel string
}

// NewReceiver returns a receiver that has accepted nothing yet.
func NewReceiver(logger logging.Logger) *Receiver {
	return &Receiver{logger: logger, accepted: make(map[stream]uint64)}
}

// Accept reports whether c is newer than the last container its sender had accepted on its
// channel and, if so, records its version.
func (r *Receiver) Accept(c Container) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := stream{sender: c.Sender, channel: c.Channel}
	last, seen := r.accepted[key]
	if seen && c.Version <= last {
		r.dropped++
		droppedContainers.WithLabelValues(c.Channel, "stale").Inc()
		r.logger.Debugw("dropping stale container",
			"channel", c.Channel, "sender", c.Sender, "version", c.Version, "accepted", last)
		return false
	}
	r.accepted[key] = c.Version
	return true
}

// Reject counts a container that was accepted by version but could not be used, e.g. because its
// payload failed to decode.
func (r *Receiver) Reject(c Container, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropped++
	droppedContainers.WithLabelValues(c.Channel, "invalid").Inc()
	r.logger.Debugw("dropping invalid container", "channel", c.Channel, "version", c.Version, "error", err)
}

// LastAccepted returns the last version accepted from sender on channel.
func (r *Receiver) LastAccepted(sender uuid.UUID, channel string) (uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.accepted[stream{sender: sender, channel: channel}]
	return v, ok
}

// Dropped returns how many containers were discarded.
func (r *Receiver) Dropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// MemoryTransport is an in-process loopback transport with a bounded buffer. Sends that find the
// buffer full are dropped, like a lossy network would.
type MemoryTransport struct {
	queue  chan Container
	closed chan struct{}
	once   sync.Once

	mu      sync.Mutex
	dropped uint64
}

// NewMemoryTransport returns a loopback transport holding up to capacity containers.
func NewMemoryTransport(capacity int) *MemoryTransport {
	if capacity < 1 {
		capacity = 1
	}
	return &MemoryTransport{queue: make(chan Container, capacity), closed: make(chan struct{})}
}

// Send enqueues c, or drops it if the buffer is full.
func (t *MemoryTransport) Send(ctx context.Context, c Container) error {
	select {
	case <-t.closed:
		return ErrTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	c.Payload = append([]byte(nil), c.Payload...)
	select {
	case t.queue <- c:
	default:
		t.mu.Lock()
		t.dropped++
		t.mu.Unlock()
	}
	return nil
}

// Receive blocks until a container is available, the context is done or the transport is closed.
func (t *MemoryTransport) Receive(ctx context.Context) (Container, error) {
	select {
	case c := <-t.queue:
		return c, nil
	case <-t.closed:
		return Container{}, ErrTransportClosed
	case <-ctx.Done():
		return Container{}, ctx.Err()
	}
}

// Dropped returns how many sends found the buffer full.
func (t *MemoryTransport) Dropped() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dropped
}

// Close wakes up pending receivers. Further sends fail.
func (t *MemoryTransport) Close() error {
	t.once.Do(func() { close(t.closed) })
	return nil
}
