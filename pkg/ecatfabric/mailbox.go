// CoE (CANopen-over-EtherCAT) mailbox framing and the sdo.Link adapter that
// lets pkg/sdo.Engine run its SDO state machine over a node's mailbox
// buffers instead of raw CAN frames, spec §6.3. Also the minimal FoE
// (File-over-EtherCAT) transfer state spec §4.4/§6.3 call for.
package ecatfabric

import (
	"encoding/binary"
	"errors"
	"time"

	"github.com/samsamfire/cmlgo/pkg/ethcat"
	"github.com/samsamfire/cmlgo/pkg/sdo"
)

// Mailbox protocol types, spec §6.3.
const (
	mboxTypeCoE = 3
	mboxTypeFoE = 4
)

// mboxHeaderLen is length(2) + address(2) + channel_priority(1) + type_and_counter(1).
const mboxHeaderLen = 6

var (
	ErrMboxCounter = errors.New("ecatfabric: mailbox response has invalid (zero) counter")
	ErrMboxEmpty   = errors.New("ecatfabric: mailbox not available on this node")
	ErrMboxShort   = errors.New("ecatfabric: mailbox frame shorter than header")
)

func encodeMbox(counter uint8, mboxType uint8, payload []byte) []byte {
	buf := make([]byte, mboxHeaderLen+len(payload))
	binary.LittleEndian.PutUint16(buf[0:2], uint16(len(payload)))
	binary.LittleEndian.PutUint16(buf[2:4], 0) // station address, unused by the master side
	buf[4] = 0                                 // channel/priority, unused
	buf[5] = (counter << 4) | (mboxType & 0x0F)
	copy(buf[mboxHeaderLen:], payload)
	return buf
}

func decodeMbox(raw []byte) (counter uint8, mboxType uint8, payload []byte, err error) {
	if len(raw) < mboxHeaderLen {
		return 0, 0, nil, ErrMboxShort
	}
	length := binary.LittleEndian.Uint16(raw[0:2])
	counter = raw[5] >> 4
	mboxType = raw[5] & 0x0F
	if counter == 0 {
		return 0, 0, nil, ErrMboxCounter
	}
	if int(length) > len(raw)-mboxHeaderLen {
		return 0, 0, nil, ErrMboxShort
	}
	payload = raw[mboxHeaderLen : mboxHeaderLen+int(length)]
	return counter, mboxType, payload, nil
}

// nextCounter rotates the mailbox counter through 0x1..0x7, spec §6.3
// ("counter... rotates through 0x10..0x70" — the high nibble of byte 5,
// i.e. counter values 1..7).
func nextCounter(c uint8) uint8 {
	c++
	if c > 7 {
		c = 1
	}
	return c
}

// mailboxLink adapts one node's rx/tx mailbox buffers to sdo.Link, tunneling
// CoE SDO command/response frames over FPWR/FPRD against the sync-manager-
// configured mailbox addresses.
type mailboxLink struct {
	fabric  *Fabric
	nodeID  uint16
	rxAddr  uint16
	rxLen   uint16
	txAddr  uint16
	txLen   uint16
	counter uint8
}

// NewMailboxLink returns an sdo.Link tunneling CoE SDO frames through
// node's rx/tx mailbox buffers, per spec §6.3. rxAddr/rxLen and txAddr/
// txLen come from the node's sync-manager descriptors (category 41, types
// 1/2), read at attach via ReadNodeEeprom.
func (f *Fabric) NewMailboxLink(nodeID, rxAddr, rxLen, txAddr, txLen uint16) sdo.Link {
	return &mailboxLink{fabric: f, nodeID: nodeID, rxAddr: rxAddr, rxLen: rxLen, txAddr: txAddr, txLen: txLen, counter: 1}
}

var _ sdo.Link = (*mailboxLink)(nil)

func (m *mailboxLink) Send(data [8]byte) error {
	m.counter = nextCounter(m.counter)
	frame := encodeMbox(m.counter, mboxTypeCoE, data[:])
	return m.fabric.NodeWrite(m.nodeID, m.rxAddr, frame)
}

func (m *mailboxLink) Recv(timeout time.Duration) ([8]byte, error) {
	var out [8]byte
	deadline := time.Now().Add(timeout)
	for {
		raw, err := m.fabric.NodeRead(m.nodeID, m.txAddr, int(m.txLen))
		if err == nil {
			if _, mboxType, payload, derr := decodeMbox(raw); derr == nil && mboxType == mboxTypeCoE && len(payload) >= 8 {
				copy(out[:], payload[:8])
				return out, nil
			}
		}
		if time.Now().After(deadline) {
			return out, ErrTimeout
		}
		time.Sleep(time.Millisecond)
	}
}

func (m *mailboxLink) SupportsBlock() bool { return false }

// FoE transfer state, spec's resource list: "FoE transfer state (packet
// number, remainder buffer, last error, done flag)".
const (
	foeOpRRQ  = 1
	foeOpWRQ  = 2
	foeOpData = 3
	foeOpAck  = 4
	foeOpErr  = 5
)

// FoETransfer tracks one in-progress file-over-EtherCAT transfer.
type FoETransfer struct {
	nodeID    uint16
	packetNum uint32
	remainder []byte
	lastErr   error
	done      bool
}

var ErrFoEFormat = errors.New("ecatfabric: malformed FoE frame")

func encodeFoE(op uint8, packetOrErr uint32, payload []byte) []byte {
	buf := make([]byte, 6+len(payload))
	buf[0] = op
	buf[1] = 0
	binary.LittleEndian.PutUint32(buf[2:6], packetOrErr)
	copy(buf[6:], payload)
	return buf
}

// StartFoERead begins a read-request (RRQ) file transfer from node, per
// spec §4.4's "file-over-EtherCAT start/continue" operation.
func (f *Fabric) StartFoERead(nodeID uint16, filename string, mbox *mailboxLink) (*FoETransfer, error) {
	body := encodeFoE(foeOpRRQ, 0, append([]byte(filename), 0))
	frame := encodeMbox(1, mboxTypeFoE, body)
	if err := f.NodeWrite(nodeID, mbox.rxAddr, frame); err != nil {
		return nil, err
	}
	return &FoETransfer{nodeID: nodeID}, nil
}

// ContinueFoE polls the node's tx mailbox for the next FoE data/ack/error
// frame and advances transfer's state accordingly.
func (f *Fabric) ContinueFoE(mbox *mailboxLink, transfer *FoETransfer, timeout time.Duration) ([]byte, error) {
	raw, err := f.NodeRead(mbox.nodeID, mbox.txAddr, int(mbox.txLen))
	if err != nil {
		return nil, err
	}
	_, mboxType, payload, err := decodeMbox(raw)
	if err != nil {
		return nil, err
	}
	if mboxType != mboxTypeFoE || len(payload) < 6 {
		return nil, ErrFoEFormat
	}
	op := payload[0]
	switch op {
	case foeOpData:
		transfer.packetNum = binary.LittleEndian.Uint32(payload[2:6])
		data := append([]byte(nil), payload[6:]...)
		transfer.remainder = data
		if len(data) < int(ethcat.MaxPayload) {
			transfer.done = true
		}
		return data, nil
	case foeOpErr:
		transfer.lastErr = ErrFoEFormat
		transfer.done = true
		return nil, transfer.lastErr
	default:
		return nil, nil
	}
}
