// Distributed-clock bring-up, spec §4.4/§6.2 and grounded directly in
// _examples/original_source/lib/CML/c/ecatdc.cpp's DcNodeInfo recursion:
// FindDelay computes each node's propagation delay from latched port
// receive times, SumDelay accumulates total path delay forward.
package ecatfabric

import (
	"encoding/binary"
	"time"

	"github.com/samsamfire/cmlgo/pkg/ethcat"
)

// tDiff is the processing/forwarding delay difference from the ESC
// datasheet, constant across ESC types, spec §4.4.
const tDiff = 40 // ns

// dcNode is one node's port-timing data during bring-up, ported from the
// original's DcNodeInfo.
type dcNode struct {
	branches  int
	ecTime    int64
	delay     [3]int32
	propDelay int32
	msgDelay  int32
}

// ErrWiring is logged (not returned as a hard failure) when port wiring
// can't be resolved into a delay tree, spec §4.4 point 6: "log but fall
// back to zero propagation delays."
var ErrWiring = errWiring{}

type errWiring struct{}

func (errWiring) Error() string { return "ecatfabric: network wiring error" }

// initNode derives branch count and per-branch delays from a node's data
// link status and four latched port receive times, per DcNodeInfo::Init.
// Ports reported closed in dlStat are zeroed before computing deltas.
func initNode(dlStat uint16, t [4]uint32, ecTime int64) (dcNode, error) {
	n := dcNode{ecTime: ecTime}

	mask := uint16(0x100)
	for i := 0; i < 4; i, mask = i+1, mask<<2 {
		if mask&dlStat != 0 {
			t[i] = 0
		}
	}

	switch (^dlStat) & 0x5500 {
	case 0x0100, 0x0400, 0x1000, 0x4000:
		n.branches = 0
	case 0x0500:
		n.branches = 1
		n.delay[0] = int32(t[1]) - int32(t[0])
	case 0x1100:
		n.branches = 1
		n.delay[0] = int32(t[2]) - int32(t[0])
	case 0x4100:
		n.branches = 1
		n.delay[0] = int32(t[3]) - int32(t[0])
	case 0x1500:
		n.branches = 2
		n.delay[0] = int32(t[1]) - int32(t[0])
		n.delay[1] = int32(t[2]) - int32(t[1])
	case 0x4500:
		n.branches = 2
		n.delay[0] = int32(t[3]) - int32(t[0])
		n.delay[1] = int32(t[1]) - int32(t[3])
	case 0x5100:
		n.branches = 2
		n.delay[0] = int32(t[3]) - int32(t[0])
		n.delay[1] = int32(t[2]) - int32(t[3])
	case 0x5500:
		n.branches = 3
		n.delay[0] = int32(t[3]) - int32(t[0])
		n.delay[1] = int32(t[1]) - int32(t[3])
		n.delay[1] = int32(t[2]) - int32(t[1]) // matches the original's own overwrite of delay[1]
	default:
		return n, ErrWiring
	}

	for i := 0; i < n.branches; i++ {
		if n.delay[i] < 0 {
			return n, ErrWiring
		}
	}
	return n, nil
}

// findDelay ports DcNodeInfo::FindDelay: nodes is the flat depth-first
// array of chain nodes, cursor/remain are threaded by pointer exactly as
// the C version threads a `next` pointer and `remain` reference through
// the recursion.
func findDelay(nodes []dcNode, at int, inDelay int32, inProc bool, cursor *int, remain *int) {
	n := &nodes[at]
	if n.branches < 1 || *remain < 1 {
		n.propDelay = inDelay / 2
		return
	}

	var tn int32
	for i := 0; i < n.branches; i++ {
		tn += n.delay[i]
		*remain--
		child := *cursor
		*cursor++
		findDelay(nodes, child, n.delay[i], i == 0, cursor, remain)
	}

	propDelay := (inDelay - tn) / 2
	if inProc {
		propDelay += tDiff / 2
	}
	if propDelay < 0 {
		propDelay = 0
	}
	n.propDelay = propDelay
}

// sumDelay ports DcNodeInfo::SumDelay, accumulating total path delay
// forward through the chain.
func sumDelay(nodes []dcNode, at int, inDelay *int32, cursor *int, remain *int) {
	n := &nodes[at]
	*inDelay += n.propDelay
	n.msgDelay = *inDelay

	for i := 0; i < n.branches; i++ {
		*remain--
		child := *cursor
		*cursor++
		sumDelay(nodes, child, inDelay, cursor, remain)
		*inDelay += n.propDelay
	}
}

// computeDelays runs the two-pass recursion over a depth-first-ordered
// node list and fills in, in place, each node's propagation delay
// (propDelay) and its total forward path delay (msgDelay, written to the
// node's "system time delay" register by the caller).
func computeDelays(nodes []dcNode) {
	if len(nodes) == 0 {
		return
	}
	remain := len(nodes) - 1
	cursor := 1
	findDelay(nodes, 0, 0, false, &cursor, &remain)

	remain = len(nodes) - 1
	cursor = 1
	var total int32
	sumDelay(nodes, 0, &total, &cursor, &remain)
}

// refEpoch is 2000-01-01T00:00:00Z, the EtherCAT distributed-clock epoch.
var refEpoch = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

// InitDistClock performs distributed-clock bring-up across the attached
// nodes in chain order, per spec §4.4 steps 1-6:
//  1. broadcast-latch port receive times
//  2. per node, read data-link status, port times, local system time
//  3. offset each node's clock to host time
//  4. compute branch/propagation delays
//  5. write total-path delay to each node
//  6. on wiring errors, log and fall back to zero delays
func (f *Fabric) InitDistClock(chain []uint16) error {
	if len(chain) == 0 {
		return nil
	}

	bwr := ethcat.Datagram{Cmd: ethcat.CmdBWR, ADP: 0, ADO: ethcat.RegPortRecvTimes, Data: make([]byte, 1)}
	if _, err := f.SendFrame([]ethcat.Datagram{bwr}, 500*time.Millisecond, 1); err != nil {
		return err
	}

	nodes := make([]dcNode, len(chain))
	now := time.Since(refEpoch).Nanoseconds()
	wiringOK := true

	for i, id := range chain {
		dlRaw, err := f.NodeRead(id, ethcat.RegDLStatus, 2)
		if err != nil {
			return err
		}
		var t [4]uint32
		for p := 0; p < 4; p++ {
			raw, err := f.NodeRead(id, uint16(ethcat.RegPortRecvTimes+4*p), 4)
			if err != nil {
				return err
			}
			t[p] = binary.LittleEndian.Uint32(raw)
		}
		ecRaw, err := f.NodeRead(id, ethcat.RegECTime, 8)
		if err != nil {
			return err
		}
		_ = f.NodeWrite(id, ethcat.RegPropDelay, make([]byte, 4))

		dlStat := binary.LittleEndian.Uint16(dlRaw)
		ecTime := int64(binary.LittleEndian.Uint64(ecRaw))

		n, err := initNode(dlStat, t, ecTime)
		if err != nil {
			f.logger.WithField("node", id).Warn("distributed clock: wiring error, falling back to zero propagation delay")
			wiringOK = false
		}
		nodes[i] = n

		diff := now - n.ecTime
		if diff < 0 {
			diff = 0
		}
		var offBuf [8]byte
		binary.LittleEndian.PutUint64(offBuf[:], uint64(diff))
		if err := f.NodeWrite(id, ethcat.RegSystemTimeDelta, offBuf[:]); err != nil {
			return err
		}
	}

	if !wiringOK {
		return nil
	}

	computeDelays(nodes)

	for i, id := range chain {
		var delayBuf [4]byte
		binary.LittleEndian.PutUint32(delayBuf[:], uint32(nodes[i].msgDelay))
		if err := f.NodeWrite(id, ethcat.RegPropDelay, delayBuf[:]); err != nil {
			return err
		}
	}
	return nil
}
