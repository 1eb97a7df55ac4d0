package virtual

import (
	"testing"
	"time"

	"github.com/samsamfire/cmlgo/pkg/can"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func open(t *testing.T, channel string) can.Transport {
	t.Helper()
	tr, err := can.NewTransport("virtual", channel)
	require.NoError(t, err)
	require.NoError(t, tr.Open())
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func TestSendAndRecv(t *testing.T) {
	channel := t.Name()
	a := open(t, channel)
	b := open(t, channel)

	frame := can.NewFrame(0x111, can.FlagData, 8)
	frame.Data = [8]byte{0, 1, 2, 3, 4, 5, 6, 7}
	for i := 0; i < 10; i++ {
		frame.Data[0] = byte(i)
		require.NoError(t, a.Send(frame))
		got, err := b.Recv(time.Second)
		require.NoError(t, err)
		assert.EqualValues(t, 0x111, got.ID)
		assert.EqualValues(t, byte(i), got.Data[0])
	}
}

func TestDoesNotReceiveOwnSend(t *testing.T) {
	channel := t.Name()
	a := open(t, channel)

	require.NoError(t, a.Send(can.NewFrame(0x111, can.FlagData, 0)))
	_, err := a.Recv(20 * time.Millisecond)
	assert.ErrorIs(t, err, can.ErrTimeout)
}

func TestChannelsAreIsolated(t *testing.T) {
	a := open(t, t.Name()+"-a")
	b := open(t, t.Name()+"-b")

	require.NoError(t, a.Send(can.NewFrame(0x222, can.FlagData, 0)))
	_, err := b.Recv(20 * time.Millisecond)
	assert.ErrorIs(t, err, can.ErrTimeout)
}

func TestSetBaudRejectsUnknownRate(t *testing.T) {
	tr := open(t, t.Name())
	assert.ErrorIs(t, tr.SetBaud(123), can.ErrBadParam)
	assert.NoError(t, tr.SetBaud(500_000))
}

func TestRecvAfterCloseReturnsErrNotOpen(t *testing.T) {
	tr, err := can.NewTransport("virtual", t.Name())
	require.NoError(t, err)
	require.NoError(t, tr.Open())
	require.NoError(t, tr.Close())

	_, err = tr.Recv(time.Millisecond)
	assert.ErrorIs(t, err, can.ErrNotOpen)
}
