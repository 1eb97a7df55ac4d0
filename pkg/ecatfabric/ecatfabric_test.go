package ecatfabric

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/samsamfire/cmlgo/pkg/ethcat"
	"github.com/sirupsen/logrus"
)

// loopNode emulates a single attached node for frame-ring tests: every
// SendRaw is decoded, the sentinel's ADP is decremented (as a real node
// would when processing an auto-increment datagram), every datagram's WKC
// is set to 1, and the re-encoded frame is delivered back on the next
// RecvRaw call.
type loopNode struct {
	localMAC [6]byte
	pending  chan []byte
	regs     map[uint16][]byte
}

func newLoopNode() *loopNode {
	return &loopNode{pending: make(chan []byte, 8), regs: make(map[uint16][]byte)}
}

func (n *loopNode) Open() error  { return nil }
func (n *loopNode) Close() error { return nil }
func (n *loopNode) LocalMAC() [6]byte { return n.localMAC }

func (n *loopNode) SendRaw(raw []byte) error {
	frame, err := ethcat.Decode(raw)
	if err != nil {
		return nil // malformed padding frames are simply dropped, like a real segment
	}
	for i := range frame.Datagrams {
		d := &frame.Datagrams[i]
		if d.Cmd == ethcat.CmdAPWR && d.ADP == 1 {
			d.ADP-- // wraps to 0: any value != 1 signals "processed"
			continue
		}
		switch d.Cmd {
		case ethcat.CmdFPRD:
			if reg, ok := n.regs[d.ADO]; ok {
				copy(d.Data, reg)
			}
			d.WKC = 1
		case ethcat.CmdFPWR:
			buf := make([]byte, len(d.Data))
			copy(buf, d.Data)
			n.regs[d.ADO] = buf
			d.WKC = 1
		case ethcat.CmdBRD, ethcat.CmdBWR:
			d.WKC = 1
		}
	}
	out, err := frame.Encode(ethcat.BroadcastMAC, n.localMAC)
	if err != nil {
		return err
	}
	n.pending <- out
	return nil
}

func (n *loopNode) RecvRaw(timeout time.Duration) ([]byte, error) {
	select {
	case raw := <-n.pending:
		return raw, nil
	case <-time.After(timeout):
		return nil, ethcat.ErrTimeout
	}
}

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

func TestSendFrameMatchesSentinel(t *testing.T) {
	transport := newLoopNode()
	f := New(transport, testLogger())
	if err := f.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()

	dg := ethcat.Datagram{Cmd: ethcat.CmdFPWR, ADP: 5, ADO: 0x1000, Data: []byte{0x01, 0x02}}
	resp, err := f.SendFrame([]ethcat.Datagram{dg}, time.Second, 0)
	if err != nil {
		t.Fatalf("SendFrame: %v", err)
	}
	if len(resp.Datagrams) != 2 {
		t.Fatalf("expected sentinel + 1 datagram, got %d", len(resp.Datagrams))
	}
	if resp.Datagrams[1].WKC == 0 {
		t.Fatal("expected non-zero WKC from the responding node")
	}
}

func TestNodeReadWriteRoundTrip(t *testing.T) {
	transport := newLoopNode()
	f := New(transport, testLogger())
	if err := f.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()

	want := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	if err := f.NodeWrite(3, 0x2000, want); err != nil {
		t.Fatalf("NodeWrite: %v", err)
	}
	got, err := f.NodeRead(3, 0x2000, len(want))
	if err != nil {
		t.Fatalf("NodeRead: %v", err)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("NodeRead = %v, want %v", got, want)
		}
	}
}

func TestSendFrameTimesOutWithNoTransportReply(t *testing.T) {
	transport := &silentTransport{}
	f := New(transport, testLogger())
	if err := f.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()

	dg := ethcat.Datagram{Cmd: ethcat.CmdFPRD, ADP: 1, ADO: 0, Data: make([]byte, 2)}
	_, err := f.SendFrame([]ethcat.Datagram{dg}, 20*time.Millisecond, 0)
	if err != ErrTimeout {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
}

type silentTransport struct{}

func (silentTransport) Open() error               { return nil }
func (silentTransport) Close() error               { return nil }
func (silentTransport) LocalMAC() [6]byte          { return [6]byte{} }
func (silentTransport) SendRaw(raw []byte) error   { return nil }
func (silentTransport) RecvRaw(timeout time.Duration) ([]byte, error) {
	time.Sleep(timeout)
	return nil, ethcat.ErrTimeout
}

// TestRingEvictsOldestOnOverflow exercises the pending-frame ring's
// overflow path: with MaxPendingFrames concurrent unmatched sends, the
// next acquireSlot must evict rather than block, reusing the oldest slot
// first (spec §5).
func TestRingEvictsOldestOnOverflow(t *testing.T) {
	f := &Fabric{nodes: make(map[uint16]*Node)}
	var chans []chan frameResult
	for i := 0; i < MaxPendingFrames+5; i++ {
		_, ch := f.acquireSlot(uint32(i + 1))
		chans = append(chans, ch)
	}
	// The ring has MaxPendingFrames usable slots (index 0 is unused, 1-based
	// per spec); acquiring 5 more than that must have reused slots rather
	// than panicking or growing unbounded.
	occupied := 0
	for i := 1; i < len(f.ring); i++ {
		if f.ring[i].inUse {
			occupied++
		}
	}
	if occupied > MaxPendingFrames {
		t.Fatalf("ring holds %d in-use slots, want <= %d", occupied, MaxPendingFrames)
	}
	// Slot 1 held the oldest send (id 1), so the first overflow reused it.
	if f.ring[1].id != uint32(MaxPendingFrames+1) {
		t.Fatalf("slot 1 id = %d, want %d (oldest evicted first)", f.ring[1].id, MaxPendingFrames+1)
	}
}

// --- distributed clock ---

// TestInitNodeBranchDetection hand-verifies initNode's branch/delay
// decoding against a constructed dlStat pattern with two open ports (ports 0
// and 1, forming the 0x0500 case, one downstream branch): delay[0] must be
// t1-t0.
func TestInitNodeBranchDetection(t *testing.T) {
	dlStat := uint16(0xFFFF &^ 0x0500) // clear bits 0x0100,0x0400 -> ports 0,1 open
	times := [4]uint32{1000, 1250, 0, 0}
	n, err := initNode(dlStat, times, 5000)
	if err != nil {
		t.Fatalf("initNode: %v", err)
	}
	if n.branches != 1 {
		t.Fatalf("branches = %d, want 1", n.branches)
	}
	if n.delay[0] != 250 {
		t.Fatalf("delay[0] = %d, want 250", n.delay[0])
	}
}

// TestComputeDelaysLinearChain hand-verifies the two-pass recursion on a
// 3-node straight line (each non-leaf node has exactly one open downstream
// branch of 500ns). Traced by hand against findDelay/sumDelay:
//   - leaf (node 2): propDelay = inDelay/2 = 500/2 = 250
//   - node 1: propDelay = (500-500)/2, plus tDiff/2 (20) since it is
//     reached as the first (i==0) branch of its parent -> 20
//   - root (node 0): propDelay = (0-500)/2 = -250, clamped to 0
//   - msgDelay accumulates forward: root 0, node1 0+20=20, leaf 20+250=270
func TestComputeDelaysLinearChain(t *testing.T) {
	nodes := []dcNode{
		{branches: 1, delay: [3]int32{500, 0, 0}},
		{branches: 1, delay: [3]int32{500, 0, 0}},
		{branches: 0},
	}
	computeDelays(nodes)

	if nodes[2].propDelay != 250 {
		t.Fatalf("leaf propDelay = %d, want 250", nodes[2].propDelay)
	}
	if nodes[1].propDelay != 20 {
		t.Fatalf("nodes[1].propDelay = %d, want 20", nodes[1].propDelay)
	}
	if nodes[0].propDelay != 0 {
		t.Fatalf("root propDelay = %d, want 0 (clamped)", nodes[0].propDelay)
	}

	if nodes[0].msgDelay != 0 {
		t.Fatalf("root msgDelay = %d, want 0", nodes[0].msgDelay)
	}
	if nodes[1].msgDelay != 20 {
		t.Fatalf("nodes[1].msgDelay = %d, want 20", nodes[1].msgDelay)
	}
	if nodes[2].msgDelay != 270 {
		t.Fatalf("leaf msgDelay = %d, want 270", nodes[2].msgDelay)
	}
}

// --- mailbox ---

func TestMailboxEncodeDecodeRoundTrip(t *testing.T) {
	payload := []byte{0x40, 0x10, 0x60, 0x00, 0x00, 0x00, 0x00, 0x00}
	raw := encodeMbox(3, mboxTypeCoE, payload)

	counter, mboxType, got, err := decodeMbox(raw)
	if err != nil {
		t.Fatalf("decodeMbox: %v", err)
	}
	if counter != 3 {
		t.Fatalf("counter = %d, want 3", counter)
	}
	if mboxType != mboxTypeCoE {
		t.Fatalf("mboxType = %d, want CoE", mboxType)
	}
	if len(got) != len(payload) {
		t.Fatalf("payload length = %d, want %d", len(got), len(payload))
	}
}

func TestMailboxCounterRotatesAndSkipsZero(t *testing.T) {
	c := uint8(7)
	c = nextCounter(c)
	if c != 1 {
		t.Fatalf("nextCounter wraps to %d, want 1 (0 is reserved for invalid frames)", c)
	}
}

func TestDecodeMboxRejectsZeroCounter(t *testing.T) {
	raw := make([]byte, mboxHeaderLen)
	binary.LittleEndian.PutUint16(raw[0:2], 0)
	raw[5] = 0x03 // counter nibble 0, type CoE
	if _, _, _, err := decodeMbox(raw); err != ErrMboxCounter {
		t.Fatalf("err = %v, want ErrMboxCounter", err)
	}
}
