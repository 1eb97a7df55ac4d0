// Package socketcan adapts github.com/brutella/can's SocketCAN binding to
// the can.Transport interface. Directly grounded on the teacher's
// pkg/can/socketcan backend, which wraps the same library; the difference is
// that brutella/can is push-based (Subscribe/Handle) while can.Transport
// needs a pull-based Recv(timeout), so received frames are buffered into a
// channel that Recv drains.
package socketcan

import (
	"context"
	"fmt"
	"time"

	sockcan "github.com/brutella/can"
	"github.com/samsamfire/cmlgo/pkg/can"
	"golang.org/x/sys/unix"
)

func init() {
	can.RegisterTransport("socketcan", New)
}

const rxQueueDepth = 256

type Transport struct {
	channel string
	bus     *sockcan.Bus
	rx      chan can.Frame
	cancel  context.CancelFunc
	open    bool
}

func New(channel string) (can.Transport, error) {
	return &Transport{channel: channel}, nil
}

// handler adapts a channel send to brutella/can's Handle(Frame) callback
// interface (named "rxSink" here; the teacher calls the same shape
// "FrameListener").
type rxSink struct {
	ctx context.Context
	out chan<- can.Frame
}

func (s rxSink) Handle(frame sockcan.Frame) {
	select {
	case s.out <- fromBrutella(frame):
	case <-s.ctx.Done():
	default:
		// Queue full: drop, mirroring the teacher's read-thread behavior of
		// ignoring overruns rather than blocking the bus.
	}
}

func (t *Transport) Open() error {
	bus, err := sockcan.NewBusForInterfaceWithName(t.channel)
	if err != nil {
		return fmt.Errorf("%w: %v", can.ErrDriver, err)
	}
	t.bus = bus
	t.rx = make(chan can.Frame, rxQueueDepth)
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	bus.Subscribe(rxSink{ctx: ctx, out: t.rx})
	go func() { _ = bus.ConnectAndPublish() }()
	t.open = true
	return nil
}

func (t *Transport) Close() error {
	if !t.open {
		return can.ErrNotOpen
	}
	t.cancel()
	t.open = false
	return t.bus.Disconnect()
}

func (t *Transport) Send(frame can.Frame) error {
	if !t.open {
		return can.ErrNotOpen
	}
	return t.bus.Publish(toBrutella(frame))
}

func (t *Transport) Recv(timeout time.Duration) (can.Frame, error) {
	if !t.open {
		return can.Frame{}, can.ErrNotOpen
	}
	if timeout < 0 {
		return <-t.rx, nil
	}
	select {
	case f := <-t.rx:
		return f, nil
	case <-time.After(timeout):
		return can.Frame{}, can.ErrTimeout
	}
}

// SetBaud requires the port to be closed; SocketCAN interfaces have their
// bitrate configured at the OS level (ip link), so this validates against
// the canonical set and defers to the platform the same way the teacher
// treats bitrate as an external concern of Network.Connect's "bitrate" arg.
func (t *Transport) SetBaud(bps int) error {
	if t.open {
		return fmt.Errorf("%w: cannot change baud while open", can.ErrBadParam)
	}
	if !can.ValidBaud(bps) {
		return can.ErrBadParam
	}
	return nil
}

func fromBrutella(f sockcan.Frame) can.Frame {
	out := can.Frame{
		ID:        f.ID,
		DLC:       f.Length,
		Flags:     can.FlagData,
		Data:      f.Data,
		Timestamp: time.Now(),
	}
	if f.ID&unix.CAN_RTR_FLAG != 0 {
		out.Flags = can.FlagRemote
	}
	return out
}

func toBrutella(f can.Frame) sockcan.Frame {
	id := f.ID
	if f.Flags == can.FlagRemote {
		id |= unix.CAN_RTR_FLAG
	}
	return sockcan.Frame{ID: id, Length: f.DLC, Data: f.Data}
}
