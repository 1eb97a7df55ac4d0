package node

import (
	"github.com/samsamfire/cmlgo/pkg/alstate"
	"github.com/samsamfire/cmlgo/pkg/ecatfabric"
	"github.com/samsamfire/cmlgo/pkg/pdo"
	"github.com/samsamfire/cmlgo/pkg/sdo"
	"github.com/sirupsen/logrus"
)

// NewEtherCATNode attaches a new Node to fabric at station address nodeId,
// reading its EEPROM identity and building its CoE mailbox Sdo engine and
// AL-state tracker, spec §6.3's attach(node) generalized to Ethernet.
func NewEtherCATNode(fabric *ecatfabric.Fabric, nodeId uint16, rxAddr, rxLen, txAddr, txLen uint16, logger *logrus.Entry) (*Node, error) {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	logger = logger.WithField("component", "node.Node").WithField("node", nodeId)

	eeprom, err := fabric.ReadNodeEeprom(nodeId)
	if err != nil {
		return nil, err
	}

	link := fabric.NewMailboxLink(nodeId, rxAddr, rxLen, txAddr, txLen)
	fabric.Attach(nodeId)

	n := &Node{
		kind:       KindEtherCAT,
		id:         nodeId,
		logger:     logger,
		engine:     sdo.NewEngine(uint8(nodeId), link, logger), // truncated to 8 bits: used only for log labeling
		ecatFabric: fabric,
		al:         alstate.New(fabric.RegisterIO(nodeId)),
		identity:   Identity(eeprom.Identity),
	}
	return n, nil
}

// detachEtherCAT removes the node from its fabric.
func (n *Node) detachEtherCAT() {
	n.ecatFabric.Detach(n.id)
}

// InsertRPDO places an EthPDO at slot in outputList (the node's TPDOList,
// master-to-slave), writing the sync-manager descriptor, spec §6.6's
// pdo_set(slot, pdo, enable?) scoped to outputs.
func (n *Node) InsertRPDO(outputList *pdo.TPDOList, smBase uint16, slot int, p *pdo.EthPDO) error {
	return outputList.Insert(n.engine, smBase, slot, p)
}

// InsertTPDO places an EthPDO at slot in inputList (the node's RPDOList,
// slave-to-master), writing the sync-manager descriptor.
func (n *Node) InsertTPDO(inputList *pdo.RPDOList, smBase uint16, slot int, p *pdo.EthPDO) error {
	return inputList.Insert(n.engine, smBase, slot, p)
}

// SyncManagers returns the node's EEPROM-declared sync-manager layout,
// reading the EEPROM again on every call.
func (n *Node) SyncManagers() ([]ecatfabric.SyncManagerDescriptor, error) {
	if n.kind != KindEtherCAT {
		return nil, ErrUnsupported
	}
	eeprom, err := n.ecatFabric.ReadNodeEeprom(n.id)
	if err != nil {
		return nil, err
	}
	return eeprom.SyncManagers, nil
}
