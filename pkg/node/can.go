package node

import (
	"github.com/samsamfire/cmlgo/pkg/can"
	"github.com/samsamfire/cmlgo/pkg/canfabric"
	"github.com/samsamfire/cmlgo/pkg/nodeguard"
	"github.com/samsamfire/cmlgo/pkg/pdo"
	"github.com/samsamfire/cmlgo/pkg/sdo"
	"github.com/sirupsen/logrus"
)

// canRPDOBinding pairs an attached RPDO with the fabric subscription that
// feeds it, so it can be torn down again.
type canRPDOBinding struct {
	rpdo   *pdo.RPDO
	cancel func()
}

type canTPDOBinding struct {
	tpdo *pdo.TPDO
}

// NewCANNode attaches a new Node to fabric at nodeId: it builds the node's
// Sdo engine over the fabric's SDO link, its NMT tracker, and (lazily) its
// node-guard, spec §6.3's attach(node).
func NewCANNode(fabric *canfabric.Fabric, nodeId uint8, logger *logrus.Entry) (*Node, error) {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	logger = logger.WithField("component", "node.Node").WithField("node", nodeId)

	link, err := fabric.SdoLink(nodeId)
	if err != nil {
		return nil, err
	}

	n := &Node{
		kind:      KindCAN,
		id:        uint16(nodeId),
		logger:    logger,
		engine:    sdo.NewEngine(nodeId, link, logger),
		canFabric: fabric,
		nmtTrack:  fabric.AttachNode(nodeId, logger),
		guard:     nodeguard.New(fabric, nodeId, logger),
		rpdos:     make(map[int]*canRPDOBinding),
		tpdos:     make(map[int]*canTPDOBinding),
	}
	fabric.AttachGuard(nodeId, n.guard)
	return n, nil
}

// detachCAN removes the node from its fabric's dispatch tables and stops
// its guard, spec §6.3's detach(node).
func (n *Node) detachCAN() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.guard != nil {
		n.guard.Stop()
	}
	for slot, b := range n.rpdos {
		if b.cancel != nil {
			b.cancel()
		}
		delete(n.rpdos, slot)
	}
	n.canFabric.DetachNode(uint8(n.id))
}

// SetRPDO attaches an RPDO at slot (an arbitrary caller-chosen index, e.g.
// 0-3 for CiA-301 PDO1-4), subscribing it to frames with cobId on the
// fabric, spec §6.6's pdo_set(slot, pdo, enable?) scoped to a receive PDO.
func (n *Node) SetRPDO(slot int, cobId uint32, p *pdo.RPDO, enable bool) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if old, ok := n.rpdos[slot]; ok && old.cancel != nil {
		old.cancel()
	}
	cancel, err := n.canFabric.Subscribe(cobId, rpdoReceiver{p})
	if err != nil {
		return err
	}
	n.rpdos[slot] = &canRPDOBinding{rpdo: p, cancel: cancel}
	p.Start(canfabric.SyncSource{Fabric: n.canFabric})
	p.SetOperational(enable)
	return nil
}

// rpdoReceiver adapts an RPDO to canfabric.Receiver.
type rpdoReceiver struct{ rpdo *pdo.RPDO }

func (r rpdoReceiver) Handle(frame can.Frame) {
	_ = r.rpdo.Receive(frame.Data[:frame.DLC])
}

// OnEmergency registers cb to run for every EMCY frame the fabric receives
// from this node, spec §4.3's default-handler table row for 0x080+id.
// CAN-only; passing a nil cb clears any previously registered callback.
func (n *Node) OnEmergency(cb func(can.Frame)) error {
	if n.kind != KindCAN {
		return ErrUnsupported
	}
	n.canFabric.SetEmergencyHandler(uint8(n.id), cb)
	return nil
}

// RPDODisable disables (but does not unbind) the RPDO at slot, spec
// §6.6's rpdo_disable(n).
func (n *Node) RPDODisable(slot int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	b, ok := n.rpdos[slot]
	if !ok {
		return ErrUnsupported
	}
	b.rpdo.Disable()
	return nil
}

// SetTPDO attaches a TPDO at slot, starting its sync/event/inhibit timers
// if enable is set, spec §6.6's pdo_set scoped to a transmit PDO.
func (n *Node) SetTPDO(slot int, p *pdo.TPDO, enable bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.tpdos[slot] = &canTPDOBinding{tpdo: p}
	if enable {
		p.Start(canfabric.SyncSource{Fabric: n.canFabric})
		p.SetOperational(true)
	}
}

// TPDODisable disables the TPDO at slot, spec §6.6's tpdo_disable(n).
func (n *Node) TPDODisable(slot int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	b, ok := n.tpdos[slot]
	if !ok {
		return ErrUnsupported
	}
	b.tpdo.Disable()
	b.tpdo.SetOperational(false)
	return nil
}
