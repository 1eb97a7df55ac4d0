package canfabric

import (
	"testing"
	"time"

	"github.com/samsamfire/cmlgo/pkg/can"
	"github.com/samsamfire/cmlgo/pkg/can/virtual"
	"github.com/stretchr/testify/require"
)

func TestDispatchDefaultForwardsEmergencyToNode(t *testing.T) {
	transport, err := virtual.New(t.Name())
	require.NoError(t, err)
	fabric := New(transport, nil)
	require.NoError(t, fabric.Open())
	defer fabric.Close()

	fabric.AttachNode(9, nil)

	received := make(chan can.Frame, 1)
	fabric.SetEmergencyHandler(9, func(f can.Frame) { received <- f })

	peer, err := virtual.New(t.Name())
	require.NoError(t, err)
	require.NoError(t, peer.Open())
	defer peer.Close()

	frame := can.NewFrame(FuncEmergency+9, 0, 8)
	frame.Data[0] = 0x10
	require.NoError(t, peer.Send(frame))

	select {
	case got := <-received:
		require.EqualValues(t, FuncEmergency+9, got.ID)
	case <-time.After(200 * time.Millisecond):
		t.Fatal("emergency frame never reached the registered handler")
	}
}

func TestDispatchDefaultEmergencyWithoutHandlerDoesNotPanic(t *testing.T) {
	transport, err := virtual.New(t.Name())
	require.NoError(t, err)
	fabric := New(transport, nil)
	require.NoError(t, fabric.Open())
	defer fabric.Close()

	fabric.AttachNode(9, nil)

	peer, err := virtual.New(t.Name())
	require.NoError(t, err)
	require.NoError(t, peer.Open())
	defer peer.Close()

	require.NoError(t, peer.Send(can.NewFrame(FuncEmergency+9, 0, 8)))
	time.Sleep(20 * time.Millisecond)
}
