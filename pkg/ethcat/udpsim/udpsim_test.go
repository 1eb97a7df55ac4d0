package udpsim

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/samsamfire/cmlgo/pkg/ethcat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer l.Close()
	return l.LocalAddr().(*net.UDPAddr).Port
}

func TestSendRecvRoundTrip(t *testing.T) {
	pa, pb := freePort(t), freePort(t)
	addrA := fmt.Sprintf("127.0.0.1:%d", pa)
	addrB := fmt.Sprintf("127.0.0.1:%d", pb)

	a, err := ethcat.NewTransport("udpsim", addrA+","+addrB)
	require.NoError(t, err)
	require.NoError(t, a.Open())
	defer a.Close()

	b, err := ethcat.NewTransport("udpsim", addrB+","+addrA)
	require.NoError(t, err)
	require.NoError(t, b.Open())
	defer b.Close()

	require.NoError(t, a.SendRaw([]byte{1, 2, 3, 4}))
	got, err := b.RecvRaw(time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, got)
}

func TestRecvTimesOut(t *testing.T) {
	p := freePort(t)
	addr := fmt.Sprintf("127.0.0.1:%d", p)
	tr, err := ethcat.NewTransport("udpsim", addr+",127.0.0.1:1")
	require.NoError(t, err)
	require.NoError(t, tr.Open())
	defer tr.Close()

	_, err = tr.RecvRaw(20 * time.Millisecond)
	assert.ErrorIs(t, err, ethcat.ErrTimeout)
}

func TestOpenRejectsMalformedSpec(t *testing.T) {
	_, err := ethcat.NewTransport("udpsim", "no-comma-here")
	assert.Error(t, err)
}
