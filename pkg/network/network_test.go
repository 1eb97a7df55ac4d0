package network

import (
	"testing"
	"time"

	"github.com/samsamfire/cmlgo/pkg/can"
	"github.com/samsamfire/cmlgo/pkg/can/virtual"
	"github.com/samsamfire/cmlgo/pkg/nmt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestNetwork(t *testing.T, channel string) *Network {
	t.Helper()
	transport, err := virtual.New(channel)
	require.NoError(t, err)
	net, err := OpenCAN(transport, DefaultNetworkSettings(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = net.Close() })
	return net
}

func TestNetworkAttachAndDetach(t *testing.T) {
	net := openTestNetwork(t, t.Name())

	n, err := net.Attach(5)
	require.NoError(t, err)
	assert.EqualValues(t, 5, n.ID())

	_, err = net.Attach(5)
	assert.ErrorIs(t, err, ErrNodeIdUsed)

	require.NoError(t, net.Detach(5))
	_, err = net.Node(5)
	assert.ErrorIs(t, err, ErrNodeNotFound)
}

func TestNetworkStartSendsNmtCommand(t *testing.T) {
	netA := openTestNetwork(t, t.Name())
	_, err := netA.Attach(9)
	require.NoError(t, err)

	// Separate bus handle observing what netA transmits, since the virtual
	// backend does not deliver a transport's own sends back to itself.
	observer, err := virtual.New(t.Name())
	require.NoError(t, err)
	require.NoError(t, observer.Open())
	defer observer.Close()

	n, err := netA.Node(9)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- n.Start(50 * time.Millisecond) }()

	frame, err := observer.Recv(200 * time.Millisecond)
	require.NoError(t, err)
	assert.EqualValues(t, nmt.ServiceId, frame.ID)
	assert.Equal(t, byte(nmt.CommandEnterOperational), frame.Data[0])
	assert.Equal(t, byte(9), frame.Data[1])

	<-done
}

func TestNetworkEnableDisableReceiver(t *testing.T) {
	netA := openTestNetwork(t, t.Name())
	netB, err := virtual.New(t.Name())
	require.NoError(t, err)
	require.NoError(t, netB.Open())
	defer netB.Close()

	received := make(chan can.Frame, 1)
	require.NoError(t, netA.EnableReceiver(0x123, func(f can.Frame) { received <- f }))

	require.NoError(t, netB.Send(can.NewFrame(0x123, 0, 1)))
	select {
	case <-received:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("receiver callback never fired")
	}

	require.NoError(t, netA.DisableReceiver(0x123))
}

func TestNetworkAttachEtherCATOnCANNetworkFails(t *testing.T) {
	net := openTestNetwork(t, t.Name())
	_, err := net.AttachEtherCAT(1, 0, 0, 0, 0)
	assert.ErrorIs(t, err, ErrUnsupported)
}
