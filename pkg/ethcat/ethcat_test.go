package ethcat

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var dstMAC = [6]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
var srcMAC = [6]byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	f := Frame{Datagrams: []Datagram{
		{Cmd: CmdAPWR, Idx: 3, ADP: 0, ADO: 0x0910, Data: []byte{1, 2, 3, 4}},
		{Cmd: CmdFPRD, Idx: 4, ADP: 0x1001, ADO: RegALStatus, Data: []byte{0, 0}},
	}}

	raw, err := f.Encode(dstMAC, srcMAC)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(raw), minEthernetFrame, "short frames must be padded to the Ethernet minimum")

	got, err := Decode(raw)
	require.NoError(t, err)
	require.Len(t, got.Datagrams, 2)

	assert.Equal(t, CmdAPWR, got.Datagrams[0].Cmd)
	assert.EqualValues(t, 3, got.Datagrams[0].Idx)
	assert.Equal(t, []byte{1, 2, 3, 4}, got.Datagrams[0].Data)
	assert.True(t, got.Datagrams[0].More, "all but the last datagram must carry the more-follows flag")

	assert.Equal(t, CmdFPRD, got.Datagrams[1].Cmd)
	assert.EqualValues(t, 0x1001, got.Datagrams[1].ADP)
	assert.False(t, got.Datagrams[1].More)
}

func TestEncodeRejectsOversizePayload(t *testing.T) {
	f := Frame{Datagrams: []Datagram{
		{Cmd: CmdBWR, Data: make([]byte, MaxPayload)},
	}}
	_, err := f.Encode(dstMAC, srcMAC)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestEncodeRejectsEmptyFrame(t *testing.T) {
	_, err := Frame{}.Encode(dstMAC, srcMAC)
	assert.ErrorIs(t, err, ErrNoDatagrams)
}

func TestDecodeRejectsWrongEtherType(t *testing.T) {
	raw := make([]byte, minEthernetFrame)
	raw[12] = 0x08
	raw[13] = 0x00
	_, err := Decode(raw)
	assert.ErrorIs(t, err, ErrBadEtherType)
}

func TestDecodeRejectsShortFrame(t *testing.T) {
	_, err := Decode([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrShortFrame)
}

func TestDecodeRejectsTruncatedDatagram(t *testing.T) {
	f := Frame{Datagrams: []Datagram{{Cmd: CmdNOP, Data: []byte{1, 2, 3, 4}}}}
	raw, err := f.Encode(dstMAC, srcMAC)
	require.NoError(t, err)

	// Cut the frame inside the datagram header and make the EtherCAT header
	// declare exactly the 5 bytes left, so the frame itself is consistent
	// and only the datagram is short.
	truncated := raw[:MacHeaderLen+ethercatHeaderLen+5]
	truncated[14], truncated[15] = 5, 0x10
	_, err = Decode(truncated)
	assert.ErrorIs(t, err, ErrShortDatagram)
}

func TestUnregisteredTransportNameErrors(t *testing.T) {
	_, err := NewTransport("does-not-exist", "eth0")
	assert.Error(t, err)
}
