// Package node implements Node (spec §6.6): the per-device facade that
// binds an Sdo engine, PDO bindings, a liveness guard, and a trajectory
// streamer to one attached device on either fabric. Adapted from the
// teacher's pkg/node (BaseNode/LocalNode/RemoteNode), generalized from a
// CANopen device's own stack to a host-side handle onto a remote device.
package node

import (
	"errors"
	"sync"
	"time"

	"github.com/samsamfire/cmlgo/pkg/alstate"
	"github.com/samsamfire/cmlgo/pkg/canfabric"
	"github.com/samsamfire/cmlgo/pkg/ecatfabric"
	"github.com/samsamfire/cmlgo/pkg/nmt"
	"github.com/samsamfire/cmlgo/pkg/nodeguard"
	"github.com/samsamfire/cmlgo/pkg/sdo"
	"github.com/samsamfire/cmlgo/pkg/trajectory"
	"github.com/sirupsen/logrus"
)

// Kind distinguishes which fabric a Node is attached to: the two share
// this type and most of its API, but lifecycle and liveness are
// transport-specific (CAN has NMT/NodeGuard, EtherCAT has the AL state
// machine and no node-guard, spec §4.8/§4.9).
type Kind uint8

const (
	KindCAN Kind = iota
	KindEtherCAT
)

// ErrUnsupported is returned by a method that only makes sense on the
// other Kind (e.g. SetNodeGuard on an EtherCAT node).
var ErrUnsupported = errors.New("node: operation not supported on this fabric kind")

// ErrNoStreamer is returned by StartStreamer when NewStreamer hasn't been
// called yet.
var ErrNoStreamer = errors.New("node: no trajectory streamer configured")

// errorHistoryIndex is CiA-301's pre-defined error field object, 0x1003:
// sub0 is the number of logged errors, sub1..N are the errors themselves,
// most recent first.
const (
	errorHistoryIndex = 0x1003
	errorHistoryMax   = 254
)

// Identity is a device's vendor/product/revision/serial, spec §6.6's
// identity() result.
type Identity struct {
	Vendor   uint32
	Product  uint32
	Revision uint32
	Serial   uint32
}

// Node is one attached device: an Sdo engine plus whichever lifecycle,
// liveness, and PDO machinery its Kind uses.
type Node struct {
	mu     sync.Mutex
	kind   Kind
	id     uint16
	logger *logrus.Entry

	engine *sdo.Engine

	// CAN-only.
	canFabric *canfabric.Fabric
	nmtTrack  *nmt.NMT
	guard     *nodeguard.Guard
	rpdos     map[int]*canRPDOBinding
	tpdos     map[int]*canTPDOBinding

	// EtherCAT-only.
	ecatFabric *ecatfabric.Fabric
	al         *alstate.AlState
	identity   Identity

	streamer            *trajectory.Streamer
	streamerStatusIndex uint16
}

// ID returns the node's CAN node-id or EtherCAT station address.
func (n *Node) ID() uint16 { return n.id }

// Kind reports which fabric this node is attached to.
func (n *Node) Kind() Kind { return n.kind }

// Engine returns the node's Sdo engine, spec §6.6's Sdo surface
// (upld/dnld, block transfer toggles, timeout/retry).
func (n *Node) Engine() *sdo.Engine { return n.engine }

// alPollInterval is how often SetState polls AL status while stepping
// through intermediate states, spec §4.9.
const alPollInterval = 2 * time.Millisecond

// Start brings the node to its fully operational state: NMT "start" on
// CAN, AL state Op on EtherCAT, spec §4.9's host-requested transitions.
func (n *Node) Start(timeout time.Duration) error {
	switch n.kind {
	case KindCAN:
		return n.nmtTrack.SendCommand(nmt.CommandEnterOperational, timeout)
	case KindEtherCAT:
		return n.al.SetState(alstate.StateOp, alPollInterval, timeout)
	default:
		return ErrUnsupported
	}
}

// Stop brings the node to its safest non-operational state: NMT "stop" on
// CAN, AL state SafeOp on EtherCAT (EtherCAT has no direct "stopped"
// equivalent to CAN's NMT Stopped; SafeOp is the nearest state that halts
// process-data consumption while keeping the node responsive).
func (n *Node) Stop(timeout time.Duration) error {
	switch n.kind {
	case KindCAN:
		return n.nmtTrack.SendCommand(nmt.CommandEnterStopped, timeout)
	case KindEtherCAT:
		return n.al.SetState(alstate.StateSafeOp, alPollInterval, timeout)
	default:
		return ErrUnsupported
	}
}

// PreOp brings the node to pre-operational: config objects are reachable
// but process data is not yet flowing.
func (n *Node) PreOp(timeout time.Duration) error {
	switch n.kind {
	case KindCAN:
		return n.nmtTrack.SendCommand(nmt.CommandEnterPreOperational, timeout)
	case KindEtherCAT:
		return n.al.SetState(alstate.StatePreOp, alPollInterval, timeout)
	default:
		return ErrUnsupported
	}
}

// Reset brings the node back to its boot/init state.
func (n *Node) Reset(timeout time.Duration) error {
	switch n.kind {
	case KindCAN:
		return n.nmtTrack.SendCommand(nmt.CommandResetNode, timeout)
	case KindEtherCAT:
		return n.al.SetState(alstate.StateInit, alPollInterval, timeout)
	default:
		return ErrUnsupported
	}
}

// AwaitState blocks until the node reports state, spec §4.9's
// await_state(target, timeout). On CAN it only waits. On EtherCAT it calls
// SetState, which also requests each AL transition on the way to state.
func (n *Node) AwaitState(state uint8, timeout time.Duration) error {
	switch n.kind {
	case KindCAN:
		return n.nmtTrack.AwaitState(state, timeout)
	case KindEtherCAT:
		return n.al.SetState(state, alPollInterval, timeout)
	default:
		return ErrUnsupported
	}
}

// State reports the node's last-observed lifecycle state: an nmt.State*
// constant on CAN, an alstate.State* constant on EtherCAT.
func (n *Node) State() uint8 {
	switch n.kind {
	case KindCAN:
		return n.nmtTrack.State()
	case KindEtherCAT:
		return n.al.State()
	default:
		return 0
	}
}

// SetNodeGuard configures CAN liveness supervision, spec §4.8/§6.6's
// set_node_guard(node, mode, timeout?, life?). EtherCAT has no node-guard
// protocol (liveness there is the AL-status poll plus cyclic WKC check);
// calling this on an EtherCAT node is ErrUnsupported.
func (n *Node) SetNodeGuard(mode nodeguard.Mode, timeout time.Duration, lifeFactor uint8) error {
	if n.kind != KindCAN {
		return ErrUnsupported
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	switch mode {
	case nodeguard.ModeHeartbeat:
		n.guard.ConfigureHeartbeat(timeout)
	case nodeguard.ModeNodeGuard:
		n.guard.ConfigureNodeGuard(timeout, lifeFactor)
	default:
		return nil
	}
	n.guard.Start()
	return nil
}

// Guard returns the node's liveness supervisor, or nil on EtherCAT.
func (n *Node) Guard() *nodeguard.Guard { return n.guard }

// Detach removes the node from its fabric's dispatch tables and stops any
// liveness supervision, spec §6.3's detach(node).
func (n *Node) Detach() {
	switch n.kind {
	case KindCAN:
		n.detachCAN()
	case KindEtherCAT:
		n.detachEtherCAT()
	}
}

// Identity returns the device's vendor/product/revision/serial, spec
// §6.6. On EtherCAT this is read from EEPROM at attach time and cached;
// on CAN it is read fresh from the standard identity object 0x1018.
func (n *Node) Identity() (Identity, error) {
	if n.kind == KindEtherCAT {
		return n.identity, nil
	}
	var id Identity
	vendor, err := n.engine.ReadUint32(0x1018, 1)
	if err != nil {
		return id, err
	}
	product, err := n.engine.ReadUint32(0x1018, 2)
	if err != nil {
		return id, err
	}
	revision, err := n.engine.ReadUint32(0x1018, 3)
	if err != nil {
		return id, err
	}
	serial, err := n.engine.ReadUint32(0x1018, 4)
	if err != nil {
		return id, err
	}
	id.Vendor, id.Product, id.Revision, id.Serial = vendor, product, revision, serial
	return id, nil
}

// ErrorHistory reads up to limit entries of the node's logged error
// history (CiA-301 object 0x1003 sub1..N, most recent first), spec §6.6's
// error_history(limit) -> [u32]. On EtherCAT it instead returns the
// single last AL status error code, since EtherCAT keeps no deeper
// history register.
func (n *Node) ErrorHistory(limit int) ([]uint32, error) {
	if n.kind == KindEtherCAT {
		code, err := n.ecatFabric.NodeRead(n.id, 0x0134, 2)
		if err != nil {
			return nil, err
		}
		return []uint32{uint32(code[0]) | uint32(code[1])<<8}, nil
	}

	count, err := n.engine.ReadUint8(errorHistoryIndex, 0)
	if err != nil {
		return nil, err
	}
	if int(count) < limit || limit <= 0 {
		limit = int(count)
	}
	if limit > errorHistoryMax {
		limit = errorHistoryMax
	}
	history := make([]uint32, 0, limit)
	for i := 1; i <= limit; i++ {
		code, err := n.engine.ReadUint32(errorHistoryIndex, uint8(i))
		if err != nil {
			return history, err
		}
		history = append(history, code)
	}
	return history, nil
}
