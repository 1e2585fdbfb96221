package mapsync_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"go.viam.com/mapshare/logging"
	"go.viam.com/mapshare/mapsync"
)

func TestSenderVersionsPerChannel(t *testing.T) {
	ctx := context.Background()
	transport := mapsync.NewMemoryTransport(16)
	sender := mapsync.NewSender(transport)

	for i := 1; i <= 3; i++ {
		v, err := sender.Send(ctx, "map", []byte{byte(i)})
		test.That(t, err, test.ShouldBeNil)
		test.That(t, v, test.ShouldEqual, uint64(i))
	}
	v, err := sender.Send(ctx, "pose", nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, v, test.ShouldEqual, uint64(1))
	test.That(t, sender.Version("map"), test.ShouldEqual, uint64(3))
	test.That(t, sender.Version("room_objects"), test.ShouldEqual, uint64(0))

	// another sender keeps its own counters
	other := mapsync.NewSender(transport)
	v, err = other.Send(ctx, "map", nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, v, test.ShouldEqual, uint64(1))
	test.That(t, other.ID(), test.ShouldNotEqual, sender.ID())

	c, err := transport.Receive(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, c.Channel, test.ShouldEqual, "map")
	test.That(t, c.Version, test.ShouldEqual, uint64(1))
	test.That(t, c.Sender, test.ShouldEqual, sender.ID())
	test.That(t, c.Payload, test.ShouldResemble, []byte{1})
}

func TestReceiverDropsStaleVersions(t *testing.T) {
	receiver := mapsync.NewReceiver(logging.NewTestLogger(t))

	test.That(t, receiver.Accept(mapsync.Container{Channel: "map", Version: 3}), test.ShouldBeTrue)
	test.That(t, receiver.Accept(mapsync.Container{Channel: "map", Version: 2}), test.ShouldBeFalse)
	test.That(t, receiver.Accept(mapsync.Container{Channel: "map", Version: 3}), test.ShouldBeFalse)
	last, ok := receiver.LastAccepted(uuid.Nil, "map")
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, last, test.ShouldEqual, uint64(3))

	// channels are independent
	test.That(t, receiver.Accept(mapsync.Container{Channel: "pose", Version: 1}), test.ShouldBeTrue)
	test.That(t, receiver.Accept(mapsync.Container{Channel: "map", Version: 4}), test.ShouldBeTrue)
	test.That(t, receiver.Dropped(), test.ShouldEqual, uint64(2))

	receiver.Reject(mapsync.Container{Channel: "map", Version: 4}, errors.New("bad payload"))
	test.That(t, receiver.Dropped(), test.ShouldEqual, uint64(3))

	_, ok = receiver.LastAccepted(uuid.Nil, "room_objects")
	test.That(t, ok, test.ShouldBeFalse)
}

func TestReceiverTracksSendersApart(t *testing.T) {
	receiver := mapsync.NewReceiver(logging.NewTestLogger(t))
	first, second := uuid.New(), uuid.New()

	test.That(t, receiver.Accept(mapsync.Container{Channel: "pose", Version: 7, Sender: first}), test.ShouldBeTrue)
	// a second device starts counting from 1 on the same channel
	test.That(t, receiver.Accept(mapsync.Container{Channel: "pose", Version: 1, Sender: second}), test.ShouldBeTrue)
	test.That(t, receiver.Accept(mapsync.Container{Channel: "pose", Version: 2, Sender: second}), test.ShouldBeTrue)
	test.That(t, receiver.Accept(mapsync.Container{Channel: "pose", Version: 8, Sender: first}), test.ShouldBeTrue)
	test.That(t, receiver.Accept(mapsync.Container{Channel: "pose", Version: 2, Sender: second}), test.ShouldBeFalse)
	test.That(t, receiver.Dropped(), test.ShouldEqual, uint64(1))

	last, ok := receiver.LastAccepted(first, "pose")
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, last, test.ShouldEqual, uint64(8))
	last, ok = receiver.LastAccepted(second, "pose")
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, last, test.ShouldEqual, uint64(2))
}

func TestAcceptedVersionsStrictlyIncrease(t *testing.T) {
	receiver := mapsync.NewReceiver(logging.NewTestLogger(t))
	var accepted []uint64
	for _, v := range []uint64{1, 5, 2, 5, 6, 3, 9, 8, 10} {
		if receiver.Accept(mapsync.Container{Channel: "map", Version: v}) {
			accepted = append(accepted, v)
		}
	}
	test.That(t, accepted, test.ShouldResemble, []uint64{1, 5, 6, 9, 10})
}

func TestMemoryTransport(t *testing.T) {
	ctx := context.Background()
	transport := mapsync.NewMemoryTransport(2)

	payload := []byte{1, 2, 3}
	for i := 0; i < 3; i++ {
		test.That(t, transport.Send(ctx, mapsync.Container{Channel: "map", Version: uint64(i + 1), Payload: payload}), test.ShouldBeNil)
	}
	test.That(t, transport.Dropped(), test.ShouldEqual, uint64(1))
	payload[0] = 42

	c, err := transport.Receive(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, c.Version, test.ShouldEqual, uint64(1))
	test.That(t, c.Payload[0], test.ShouldEqual, byte(1))

	timeoutCtx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	_, err = transport.Receive(timeoutCtx)
	test.That(t, err, test.ShouldBeNil)
	_, err = transport.Receive(timeoutCtx)
	test.That(t, errors.Is(err, context.DeadlineExceeded), test.ShouldBeTrue)

	test.That(t, transport.Close(), test.ShouldBeNil)
	_, err = transport.Receive(ctx)
	test.That(t, errors.Is(err, mapsync.ErrTransportClosed), test.ShouldBeTrue)
	err = transport.Send(ctx, mapsync.Container{})
	test.That(t, errors.Is(err, mapsync.ErrTransportClosed), test.ShouldBeTrue)
}
