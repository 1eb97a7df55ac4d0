// Package network implements Network (spec §6.6): the top-level handle a
// host application opens once per transport, attaching Nodes to it and
// routing lifecycle, guard, and raw-frame operations down to whichever
// fabric backs it. Adapted from the teacher's pkg/network (itself a thin
// wrapper around BusManager/SDOClient/NodeProcessor); generalized here to
// own a canfabric.Fabric or an ecatfabric.Fabric directly, since Node now
// binds to the fabric instead of to an object dictionary.
package network

import (
	"errors"
	"time"

	"github.com/samsamfire/cmlgo/pkg/can"
	"github.com/samsamfire/cmlgo/pkg/canfabric"
	"github.com/samsamfire/cmlgo/pkg/ecatfabric"
	"github.com/samsamfire/cmlgo/pkg/ethcat"
	"github.com/samsamfire/cmlgo/pkg/node"
	"github.com/samsamfire/cmlgo/pkg/nodeguard"
	"github.com/sirupsen/logrus"
)

var (
	// ErrNodeIdUsed is spec §7's NetworkError.NodeIdUsed.
	ErrNodeIdUsed = errors.New("network: node id already attached")
	// ErrNodeNotFound is returned by any operation naming an unattached node.
	ErrNodeNotFound = errors.New("network: node not attached")
	// ErrUnsupported is returned by an operation that only applies to the
	// other Kind of network (e.g. EnableReceiver on an EtherCAT network).
	ErrUnsupported = node.ErrUnsupported
)

// Network is the host-side handle onto either a CAN or an EtherCAT fabric,
// spec §6.6's open/close/attach/detach/... surface.
type Network struct {
	kind   node.Kind
	logger *logrus.Entry

	canFabric  *canfabric.Fabric
	canSettings NetworkSettings

	ecatFabric   *ecatfabric.Fabric
	ecatSettings EcatSettings

	nodes map[uint16]*node.Node

	receivers map[uint32]func()
}

// Kind reports which fabric this network wraps.
func (net *Network) Kind() node.Kind { return net.kind }

// OpenCAN opens a CAN Network over transport, spec §6.6's
// open(transport, settings). If settings.TimingReference is set, the
// network emits a high-resolution timestamp PDO on settings.TimeID after
// every 10th SYNC it receives. It does not transmit SYNC itself: the SYNC
// producer is configured with no period, so StartSync sends nothing.
func OpenCAN(transport can.Transport, settings NetworkSettings, logger *logrus.Entry) (*Network, error) {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	logger = logger.WithField("component", "network.Network")
	if settings.ReadThreadPriority != 0 {
		logger.WithField("priority", settings.ReadThreadPriority).
			Warn("network: read-thread priority is not applied on this platform")
	}

	fabric := canfabric.New(transport, logger)
	if err := fabric.Open(); err != nil {
		return nil, err
	}

	net := &Network{
		kind:        node.KindCAN,
		logger:      logger,
		canFabric:   fabric,
		canSettings: settings,
		nodes:       make(map[uint16]*node.Node),
		receivers:   make(map[uint32]func()),
	}

	if settings.TimingReference {
		fabric.ConfigureSyncProducer(settings.SyncID, 0)
		fabric.ConfigureTimeProducer(settings.TimeID, 10)
		fabric.StartSync()
	}
	return net, nil
}

// OpenEtherCAT opens an EtherCAT Network over transport, spec §6.6's
// open(transport, settings). The distributed-clock bring-up and the cycle
// goroutine are started separately via InitDistClock/StartCycle once every
// node on the segment has been attached.
func OpenEtherCAT(transport ethcat.Transport, settings EcatSettings, logger *logrus.Entry) (*Network, error) {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	logger = logger.WithField("component", "network.Network")
	if settings.CycleThreadPriority != 0 {
		logger.WithField("priority", settings.CycleThreadPriority).
			Warn("network: cycle-thread priority is not applied on this platform")
	}

	fabric := ecatfabric.New(transport, logger)
	if err := fabric.Open(); err != nil {
		return nil, err
	}

	return &Network{
		kind:         node.KindEtherCAT,
		logger:       logger,
		ecatFabric:   fabric,
		ecatSettings: settings,
		nodes:        make(map[uint16]*node.Node),
	}, nil
}

// InitDistClock runs distributed-clock bring-up across chain (in ring
// order) and starts the cycle goroutine at the configured period, spec
// §4.4. EtherCAT-only; call once every node has been attached.
func (net *Network) InitDistClock(chain []uint16, hasRefClock bool) error {
	if net.kind != node.KindEtherCAT {
		return ErrUnsupported
	}
	if err := net.ecatFabric.InitDistClock(chain); err != nil {
		return err
	}
	net.ecatFabric.StartCycle(net.ecatSettings.CyclePeriod, hasRefClock)
	return nil
}

// Close stops every attached node's liveness supervision and closes the
// underlying fabric, spec §6.6's close().
func (net *Network) Close() error {
	for _, n := range net.nodes {
		n.Detach()
	}
	net.nodes = make(map[uint16]*node.Node)
	switch net.kind {
	case node.KindCAN:
		return net.canFabric.Close()
	case node.KindEtherCAT:
		return net.ecatFabric.Close()
	default:
		return nil
	}
}

// Attach binds a new CAN node at nodeId to the network, spec §6.6's
// attach(node). CAN-only; see AttachEtherCAT for the Ethernet side.
func (net *Network) Attach(nodeId uint8) (*node.Node, error) {
	if net.kind != node.KindCAN {
		return nil, ErrUnsupported
	}
	if _, ok := net.nodes[uint16(nodeId)]; ok {
		return nil, ErrNodeIdUsed
	}
	n, err := node.NewCANNode(net.canFabric, nodeId, net.logger)
	if err != nil {
		return nil, err
	}
	net.nodes[uint16(nodeId)] = n
	return n, nil
}

// AttachEtherCAT binds a new EtherCAT node at station address nodeId to the
// network, reading its EEPROM identity and wiring its CoE mailbox, spec
// §6.6's attach(node) generalized to Ethernet. rxAddr/rxLen/txAddr/txLen
// are the node's mailbox descriptor, normally read from EEPROM by the
// caller beforehand (see ecatfabric.ReadNodeEeprom).
func (net *Network) AttachEtherCAT(nodeId, rxAddr, rxLen, txAddr, txLen uint16) (*node.Node, error) {
	if net.kind != node.KindEtherCAT {
		return nil, ErrUnsupported
	}
	if _, ok := net.nodes[nodeId]; ok {
		return nil, ErrNodeIdUsed
	}
	n, err := node.NewEtherCATNode(net.ecatFabric, nodeId, rxAddr, rxLen, txAddr, txLen, net.logger)
	if err != nil {
		return nil, err
	}
	net.nodes[nodeId] = n
	return n, nil
}

// Node returns the attached node at id, or ErrNodeNotFound.
func (net *Network) Node(id uint16) (*node.Node, error) {
	n, ok := net.nodes[id]
	if !ok {
		return nil, ErrNodeNotFound
	}
	return n, nil
}

// Detach removes the node at id from the network, spec §6.6's detach(node).
func (net *Network) Detach(id uint16) error {
	n, ok := net.nodes[id]
	if !ok {
		return ErrNodeNotFound
	}
	n.Detach()
	delete(net.nodes, id)
	return nil
}

// Start brings the node at id to its fully operational state, spec §6.6's
// start(node).
func (net *Network) Start(id uint16, timeout time.Duration) error {
	n, err := net.Node(id)
	if err != nil {
		return err
	}
	return n.Start(timeout)
}

// Stop brings the node at id to its safest non-operational state, spec
// §6.6's stop(node).
func (net *Network) Stop(id uint16, timeout time.Duration) error {
	n, err := net.Node(id)
	if err != nil {
		return err
	}
	return n.Stop(timeout)
}

// PreOp brings the node at id to pre-operational, spec §6.6's pre_op(node).
func (net *Network) PreOp(id uint16, timeout time.Duration) error {
	n, err := net.Node(id)
	if err != nil {
		return err
	}
	return n.PreOp(timeout)
}

// Reset brings the node at id back to its boot/init state, spec §6.6's
// reset(node).
func (net *Network) Reset(id uint16, timeout time.Duration) error {
	n, err := net.Node(id)
	if err != nil {
		return err
	}
	return n.Reset(timeout)
}

// SetNodeGuard configures liveness supervision for the node at id, spec
// §6.6's set_node_guard(node, mode, timeout?, life?). CAN-only.
func (net *Network) SetNodeGuard(id uint16, mode nodeguard.Mode, timeout time.Duration, lifeFactor uint8) error {
	n, err := net.Node(id)
	if err != nil {
		return err
	}
	return n.SetNodeGuard(mode, timeout, lifeFactor)
}

// Xmit sends frame on the CAN bus, spec §6.6's xmit(frame, timeout?).
// timeout is accepted for API parity with the blocking transports spec §5
// describes; canfabric.Fabric.Send does not itself block awaiting a
// confirmation, so it is unused here.
func (net *Network) Xmit(frame can.Frame, timeout time.Duration) error {
	if net.kind != node.KindCAN {
		return ErrUnsupported
	}
	return net.canFabric.Send(frame)
}

// EnableReceiver registers cb to run for every frame with the given CAN
// arbitration id, spec §6.6's enable_receiver(id, cb). CAN-only; the
// receiver is removed again with DisableReceiver(id).
func (net *Network) EnableReceiver(id uint32, cb func(can.Frame)) error {
	if net.kind != node.KindCAN {
		return ErrUnsupported
	}
	cancel, err := net.canFabric.SubscribeFunc(id, cb)
	if err != nil {
		return err
	}
	net.receivers[id] = cancel
	return nil
}

// DisableReceiver removes a receiver registered with EnableReceiver, spec
// §6.6's disable_receiver(id).
func (net *Network) DisableReceiver(id uint32) error {
	if net.kind != node.KindCAN {
		return ErrUnsupported
	}
	cancel, ok := net.receivers[id]
	if !ok {
		return nil
	}
	cancel()
	delete(net.receivers, id)
	return nil
}

// CanFabric exposes the underlying CAN fabric for callers that need direct
// access (SYNC tuning, raw subscribe), or nil on an EtherCAT network.
func (net *Network) CanFabric() *canfabric.Fabric { return net.canFabric }

// EcatFabric exposes the underlying EtherCAT fabric, or nil on a CAN
// network.
func (net *Network) EcatFabric() *ecatfabric.Fabric { return net.ecatFabric }
