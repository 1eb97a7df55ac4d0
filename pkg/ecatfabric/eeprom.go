// EEPROM (persistent store) reads and category-record parsing, spec §6.5.
// Read at attach to learn a node's identity and sync-manager layout (where
// its mailbox and PDO buffers live) before any cyclic I/O starts.
package ecatfabric

import (
	"encoding/binary"
	"errors"
	"time"

	"github.com/samsamfire/cmlgo/pkg/ethcat"
)

var (
	ErrEepromBusy    = errors.New("ecatfabric: eeprom controller busy/error")
	ErrEepromTimeout = errors.New("ecatfabric: eeprom read timed out")
)

// eeprom control/status bits, per common ESC EEPROM interface conventions.
const (
	eepromCmdRead  = 0x0100
	eepromBusyBit  = 0x8000
	eepromErrBit   = 0x0800
)

// ReadEeprom reads one 32-bit word from node's persistent store, spec
// §4.4's read_eeprom(node, word_addr) -> u32.
func (f *Fabric) ReadEeprom(nodeID uint16, wordAddr uint16) (uint32, error) {
	var addrBuf [4]byte
	binary.LittleEndian.PutUint32(addrBuf[:], uint32(wordAddr))
	if err := f.NodeWrite(nodeID, ethcat.RegEepromAddress, addrBuf[:]); err != nil {
		return 0, err
	}

	var ctrlBuf [2]byte
	binary.LittleEndian.PutUint16(ctrlBuf[:], eepromCmdRead)
	if err := f.NodeWrite(nodeID, ethcat.RegEepromControl, ctrlBuf[:]); err != nil {
		return 0, err
	}

	deadline := time.Now().Add(100 * time.Millisecond)
	for {
		raw, err := f.NodeRead(nodeID, ethcat.RegEepromControl, 2)
		if err != nil {
			return 0, err
		}
		status := binary.LittleEndian.Uint16(raw)
		if status&eepromErrBit != 0 {
			return 0, ErrEepromBusy
		}
		if status&eepromBusyBit == 0 {
			break
		}
		if time.Now().After(deadline) {
			return 0, ErrEepromTimeout
		}
		time.Sleep(time.Millisecond)
	}

	raw, err := f.NodeRead(nodeID, ethcat.RegEepromData, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(raw), nil
}

// MailboxProtocolCoE is bit 2 of the word-0x1C protocol mask, spec §6.5.
const MailboxProtocolCoE = 1 << 2

// SyncManagerKind identifies what a sync-manager descriptor is used for,
// spec §6.5's category-41 type field.
type SyncManagerKind uint8

const (
	SMKindRxMailbox SyncManagerKind = 1
	SMKindTxMailbox SyncManagerKind = 2
	SMKindRxPDO     SyncManagerKind = 3
	SMKindTxPDO     SyncManagerKind = 4
)

// SyncManagerDescriptor is one category-41 record, spec §6.5:
// (start:16, len:16, ctrl:8, enable:8, type:8).
type SyncManagerDescriptor struct {
	Start  uint16
	Len    uint16
	Ctrl   uint8
	Enable uint8
	Kind   SyncManagerKind
}

// MailboxDescriptor is an (offset, size) pair from words 0x14-0x1B, spec
// §6.5: "boot and standard mailbox descriptors (offset:16, size:16) x 2".
type MailboxDescriptor struct {
	Offset uint16
	Size   uint16
}

// NodeEeprom is the parsed persistent-store data read at attach, spec
// §2's per-node resource list ("cached identity read from persistent
// memory on the node").
type NodeEeprom struct {
	MailboxProtocols uint32
	Identity         Identity
	BootMailbox      [2]MailboxDescriptor
	StandardMailbox  [2]MailboxDescriptor
	SyncManagers     []SyncManagerDescriptor
}

// categorySyncManager is the category id of the sync-manager records; each
// category record starts with category_id:16, length_words:16.
const categorySyncManager = 41

// ReadNodeEeprom reads and parses a node's entire relevant EEPROM layout,
// spec §6.5: identity words 0x08-0x0F, protocol mask word 0x1C, mailbox
// descriptors words 0x14-0x1B, and category records starting at word 0x40.
func (f *Fabric) ReadNodeEeprom(nodeID uint16) (NodeEeprom, error) {
	var out NodeEeprom

	readPair := func(lowWord uint16) (uint32, error) {
		lo, err := f.ReadEeprom(nodeID, lowWord)
		if err != nil {
			return 0, err
		}
		return lo, nil
	}

	var err error
	if out.Identity.Vendor, err = readPair(0x08); err != nil {
		return out, err
	}
	if out.Identity.Product, err = readPair(0x0A); err != nil {
		return out, err
	}
	if out.Identity.Revision, err = readPair(0x0C); err != nil {
		return out, err
	}
	if out.Identity.Serial, err = readPair(0x0E); err != nil {
		return out, err
	}

	protoWord, err := f.ReadEeprom(nodeID, 0x1C)
	if err != nil {
		return out, err
	}
	out.MailboxProtocols = protoWord & 0xFFFF

	mboxWords, err := f.readEepromRange(nodeID, 0x14, 8)
	if err != nil {
		return out, err
	}
	out.BootMailbox[0] = MailboxDescriptor{Offset: mboxWords[0], Size: mboxWords[1]}
	out.BootMailbox[1] = MailboxDescriptor{Offset: mboxWords[2], Size: mboxWords[3]}
	out.StandardMailbox[0] = MailboxDescriptor{Offset: mboxWords[4], Size: mboxWords[5]}
	out.StandardMailbox[1] = MailboxDescriptor{Offset: mboxWords[6], Size: mboxWords[7]}

	cats, err := f.readCategories(nodeID, 0x40)
	if err != nil {
		return out, err
	}
	for catID, words := range cats {
		if catID == categorySyncManager {
			out.SyncManagers = parseSyncManagers(words)
		}
	}
	return out, nil
}

// readEepromRange reads count consecutive 16-bit words starting at word,
// returning each word's low 16 bits (ReadEeprom fetches a 32-bit unit per
// the station's auto-increment, so odd/even words share a read).
func (f *Fabric) readEepromRange(nodeID uint16, word uint16, count int) ([]uint16, error) {
	out := make([]uint16, 0, count)
	for i := 0; i < count; i += 2 {
		v, err := f.ReadEeprom(nodeID, word+uint16(i))
		if err != nil {
			return nil, err
		}
		out = append(out, uint16(v), uint16(v>>16))
	}
	return out[:count], nil
}

// readCategories walks category records starting at startWord until a
// terminating 0xFFFF category id or an empty read, spec §6.5: "category
// records (category_id:16, length_words:16, payload...)".
func (f *Fabric) readCategories(nodeID uint16, startWord uint16) (map[uint16][]uint16, error) {
	out := make(map[uint16][]uint16)
	word := startWord
	for i := 0; i < 256; i++ { // bounded walk: a real EEPROM is at most a few KB
		header, err := f.ReadEeprom(nodeID, word)
		if err != nil {
			return out, err
		}
		catID := uint16(header)
		lengthWords := uint16(header >> 16)
		if catID == 0xFFFF || lengthWords == 0 {
			break
		}
		payload, err := f.readEepromRange(nodeID, word+2, int(lengthWords))
		if err != nil {
			return out, err
		}
		out[catID] = payload
		word += 2 + lengthWords
	}
	return out, nil
}

// parseSyncManagers decodes category 41's fixed-format records, spec §6.5:
// four (start:16, len:16, ctrl:8, enable:8, type:8) descriptors packed as
// 3 words each (the 5th byte, type, shares its word's high byte with
// nothing further and is read as the low byte of the third word).
func parseSyncManagers(words []uint16) []SyncManagerDescriptor {
	var out []SyncManagerDescriptor
	for i := 0; i+3 <= len(words); i += 3 {
		start := words[i]
		length := words[i+1]
		third := words[i+2]
		ctrl := uint8(third)
		enable := uint8(third >> 8)
		// type is packed in the next word's low byte in the real ESC EEPROM
		// layout; when a fourth word is present (the common 4-byte-aligned
		// encoding) use it, otherwise default to RxMailbox for the first slot.
		kind := SMKindRxMailbox
		if i+4 <= len(words) {
			kind = SyncManagerKind(words[i+3] & 0xFF)
		}
		out = append(out, SyncManagerDescriptor{Start: start, Len: length, Ctrl: ctrl, Enable: enable, Kind: kind})
	}
	return out
}

// CfgSyncMgr programs one sync-manager's base/address/length/control
// fields, spec §4.4's cfg_sync_mgr(node, base_reg, addr, len, ctrl).
func (f *Fabric) CfgSyncMgr(nodeID uint16, index int, addr uint16, length uint16, ctrl uint8) error {
	base := uint16(ethcat.RegSyncMgrBase + 8*index)
	var buf [6]byte
	binary.LittleEndian.PutUint16(buf[0:2], addr)
	binary.LittleEndian.PutUint16(buf[2:4], length)
	buf[4] = ctrl
	buf[5] = 1 // enable
	return f.NodeWrite(nodeID, base, buf[:])
}
