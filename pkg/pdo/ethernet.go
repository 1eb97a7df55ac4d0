package pdo

import (
	"sync"

	"github.com/samsamfire/cmlgo/pkg/sdo"
)

// Sync-manager descriptor addresses, written via SDO per spec §4.6 ("write
// those via SDO to the node's sync-manager objects"). This module models
// sync-manager configuration as three SDO sub-indices per SM number rather
// than the raw ESC register space pkg/ethcat exposes (RegSyncMgrBase):
// EcatFabric's CoE mailbox always fronts configuration with SDO, matching
// the CAN side's mapping-object writes.
const (
	SmDescIndexBase = 0x1C10
	SmBaseSub       = 1
	SmLengthSub     = 2
	SmControlSub    = 3
)

// EthPDO is one PDO's binding set within a concatenated Ethernet PDO list.
// Unlike a CAN TPDO/RPDO it owns no frame id of its own; its wire position
// is an offset inside the list's shared image, assigned by relayout.
type EthPDO struct {
	mapping *Mapping
	offset  int
}

func NewEthPDO(capacityBytes int) *EthPDO {
	return &EthPDO{mapping: NewMapping(capacityBytes)}
}

func (p *EthPDO) Mapping() *Mapping { return p.mapping }
func (p *EthPDO) Offset() int       { return p.offset }

// pdoList is the shared implementation behind TPDOList and RPDOList: an
// ordered slot list, a concatenated byte image, and a sync-manager
// descriptor written via SDO whenever the layout changes.
type pdoList struct {
	mu      sync.Mutex
	smNum   uint8
	control uint8
	slots   []*EthPDO
	buf     []byte
	enabled bool
}

func newPdoList(smNum uint8, control uint8) pdoList {
	return pdoList{smNum: smNum, control: control}
}

// insert places pdo at slot (growing the slot list as needed) and
// recomputes the concatenated layout.
func (l *pdoList) insert(slot int, pdo *EthPDO) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for len(l.slots) <= slot {
		l.slots = append(l.slots, nil)
	}
	l.slots[slot] = pdo
	l.relayoutLocked()
	return nil
}

func (l *pdoList) remove(slot int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if slot < len(l.slots) {
		l.slots[slot] = nil
	}
	l.relayoutLocked()
}

func (l *pdoList) relayoutLocked() {
	offset := 0
	for _, s := range l.slots {
		if s == nil {
			continue
		}
		s.offset = offset
		offset += s.mapping.TotalBytes()
	}
	l.buf = make([]byte, offset)
}

func (l *pdoList) length() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buf)
}

// sync writes the sync-manager descriptor for the current layout via SDO,
// spec §4.6: "recompute the concatenated byte layout and sync-manager
// descriptor, and write those via SDO to the node's sync-manager objects."
func (l *pdoList) sync(engine *sdo.Engine, smBase uint16) error {
	l.mu.Lock()
	length := len(l.buf)
	smNum := l.smNum
	control := l.control
	l.mu.Unlock()

	index := uint16(SmDescIndexBase) + uint16(smNum)
	if err := engine.WriteUint16(index, SmLengthSub, 0); err != nil {
		return err
	}
	if err := engine.WriteUint16(index, SmBaseSub, smBase); err != nil {
		return err
	}
	if err := engine.WriteUint16(index, SmLengthSub, uint16(length)); err != nil {
		return err
	}
	return engine.WriteUint8(index, SmControlSub, control)
}

// TPDOList owns the concatenated output image EcatFabric writes cyclically
// (master-to-slave data), and the sync-manager descriptor for that image.
type TPDOList struct {
	pdoList
}

func NewTPDOList(smNum uint8) *TPDOList {
	l := &TPDOList{pdoList: newPdoList(smNum, 0x64)} // 3-buffer output SM, CiA 301 default
	return l
}

// Insert adds pdo at slot and writes the new layout to the node, spec
// §4.6: "disabled while mutating; re-enabled after re-sync."
func (l *TPDOList) Insert(engine *sdo.Engine, smBase uint16, slot int, pdo *EthPDO) error {
	if err := l.insert(slot, pdo); err != nil {
		return err
	}
	return l.sync(engine, smBase)
}

// Image builds the concatenated output frame payload by reading every
// slot's mapping in order.
func (l *TPDOList) Image() []byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	buf := make([]byte, len(l.buf))
	for _, s := range l.slots {
		if s == nil {
			continue
		}
		off := s.offset
		for _, v := range s.mapping.Vars() {
			off += v.Read(buf[off:])
		}
	}
	return buf
}

// RPDOList owns the concatenated input image the cyclic thread slices into
// each slot's mapping on receipt (slave-to-master data).
type RPDOList struct {
	pdoList
}

func NewRPDOList(smNum uint8) *RPDOList {
	return &RPDOList{pdoList: newPdoList(smNum, 0x20)} // 3-buffer input SM
}

func (l *RPDOList) Insert(engine *sdo.Engine, smBase uint16, slot int, pdo *EthPDO) error {
	if err := l.insert(slot, pdo); err != nil {
		return err
	}
	return l.sync(engine, smBase)
}

// Apply slices a received input image across every slot's mapping, spec
// §4.6's "fabric slices the process image across bindings in order."
func (l *RPDOList) Apply(data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(data) < len(l.buf) {
		return ErrFrameTooShort
	}
	for _, s := range l.slots {
		if s == nil {
			continue
		}
		off := s.offset
		for _, v := range s.mapping.Vars() {
			n := v.Size()
			v.Write(data[off : off+n])
			off += n
		}
	}
	return nil
}
