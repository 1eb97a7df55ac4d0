package node

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/samsamfire/cmlgo/pkg/can"
	"github.com/samsamfire/cmlgo/pkg/nmt"
	"github.com/samsamfire/cmlgo/pkg/sdo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeUploadLink answers every upload with an expedited 4-byte reply drawn
// from a (index,sub) -> value table; downloads are not used by these
// tests. Grounded in the sdo package's own fakeServerLink.
type fakeUploadLink struct {
	values  map[[3]byte]uint32
	lastReq [8]byte
}

func newFakeUploadLink() *fakeUploadLink {
	return &fakeUploadLink{values: make(map[[3]byte]uint32)}
}

func (f *fakeUploadLink) set(index uint16, sub uint8, v uint32) {
	f.values[key(index, sub)] = v
}

func key(index uint16, sub uint8) [3]byte {
	return [3]byte{byte(index), byte(index >> 8), sub}
}

func (f *fakeUploadLink) SupportsBlock() bool { return false }

func (f *fakeUploadLink) Send(req [8]byte) error {
	f.lastReq = req
	return nil
}

func (f *fakeUploadLink) Recv(timeout time.Duration) ([8]byte, error) {
	index := binary.LittleEndian.Uint16(f.lastReq[1:3])
	sub := f.lastReq[3]
	v, ok := f.values[key(index, sub)]
	if !ok {
		var resp [8]byte
		resp[0] = 0x80
		binary.LittleEndian.PutUint32(resp[4:], uint32(sdo.AbortBadObject))
		return resp, nil
	}
	var resp [8]byte
	resp[0] = 0x43
	resp[1], resp[2], resp[3] = f.lastReq[1], f.lastReq[2], sub
	binary.LittleEndian.PutUint32(resp[4:], v)
	return resp, nil
}

func newCANTestNode(link sdo.Link) *Node {
	return &Node{
		kind:   KindCAN,
		id:     5,
		engine: sdo.NewEngine(5, link, nil),
	}
}

func TestNodeIdentityCAN(t *testing.T) {
	link := newFakeUploadLink()
	link.set(0x1018, 1, 0xAAAA)
	link.set(0x1018, 2, 0xBBBB)
	link.set(0x1018, 3, 1)
	link.set(0x1018, 4, 0xCAFE)

	n := newCANTestNode(link)
	id, err := n.Identity()
	require.NoError(t, err)
	assert.Equal(t, Identity{Vendor: 0xAAAA, Product: 0xBBBB, Revision: 1, Serial: 0xCAFE}, id)
}

func TestNodeIdentityEtherCATCached(t *testing.T) {
	n := &Node{kind: KindEtherCAT, identity: Identity{Vendor: 1, Product: 2, Revision: 3, Serial: 4}}
	id, err := n.Identity()
	require.NoError(t, err)
	assert.Equal(t, Identity{Vendor: 1, Product: 2, Revision: 3, Serial: 4}, id)
}

func TestNodeErrorHistoryCAN(t *testing.T) {
	link := newFakeUploadLink()
	link.set(0x1003, 0, 3)
	link.set(0x1003, 1, 0x1000)
	link.set(0x1003, 2, 0x2000)
	link.set(0x1003, 3, 0x3000)

	n := newCANTestNode(link)

	history, err := n.ErrorHistory(0)
	require.NoError(t, err)
	assert.Equal(t, []uint32{0x1000, 0x2000, 0x3000}, history)
}

func TestNodeErrorHistoryCANRespectsLimit(t *testing.T) {
	link := newFakeUploadLink()
	link.set(0x1003, 0, 3)
	link.set(0x1003, 1, 0x1000)
	link.set(0x1003, 2, 0x2000)
	link.set(0x1003, 3, 0x3000)

	n := newCANTestNode(link)

	history, err := n.ErrorHistory(2)
	require.NoError(t, err)
	assert.Equal(t, []uint32{0x1000, 0x2000}, history)
}

func TestNodeLifecycleCANSendsCorrectCommand(t *testing.T) {
	sender := &fakeFrameSender{}
	n := &Node{kind: KindCAN, id: 5, nmtTrack: nmt.NewNMT(sender, 5, nil)}

	n.nmtTrack.HandleHeartbeat(byte(nmt.StateOperational))
	require.NoError(t, n.Start(time.Second))
	require.Len(t, sender.sent, 1)
	assert.Equal(t, byte(nmt.CommandEnterOperational), sender.sent[0].Data[0])

	n.nmtTrack.HandleHeartbeat(byte(nmt.StateStopped))
	require.NoError(t, n.Stop(time.Second))
	assert.Equal(t, byte(nmt.CommandEnterStopped), sender.sent[1].Data[0])

	n.nmtTrack.HandleHeartbeat(byte(nmt.StatePreOperational))
	require.NoError(t, n.PreOp(time.Second))
	assert.Equal(t, byte(nmt.CommandEnterPreOperational), sender.sent[2].Data[0])

	n.nmtTrack.HandleHeartbeat(byte(nmt.StateInitializing))
	require.NoError(t, n.Reset(time.Second))
	assert.Equal(t, byte(nmt.CommandResetNode), sender.sent[3].Data[0])
}

func TestNodeSetNodeGuardUnsupportedOnEtherCAT(t *testing.T) {
	n := &Node{kind: KindEtherCAT}
	err := n.SetNodeGuard(0, time.Second, 2)
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestNodeStartStreamerWithoutStreamerFails(t *testing.T) {
	n := &Node{kind: KindCAN}
	err := n.StartStreamer()
	assert.ErrorIs(t, err, ErrNoStreamer)
}

type fakeFrameSender struct {
	sent []can.Frame
}

func (f *fakeFrameSender) Send(frame can.Frame) error {
	f.sent = append(f.sent, frame)
	return nil
}
