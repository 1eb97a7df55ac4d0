// Package pdo implements PDO mapping and cyclic process-data I/O (spec
// §4.6): an ordered list of typed variable bindings per PDO, driven
// event-wise on CAN (sync/inhibit/event timers, adapted from the teacher's
// pkg/pdo/tpdo.go and rpdo.go) or as a fixed-period concatenated image on
// Ethernet (TPDOList/RPDOList, new).
//
// This package has no object-dictionary dependency: a binding addresses a
// remote index:sub on the drive (written during Enable via SDO, CoE-style),
// but the local value it carries is just a fixed-size byte buffer with
// atomic access, not a local OD entry.
package pdo

import (
	"encoding/binary"
	"errors"
	"sync"
)

var (
	// ErrCapacityExceeded is returned by Mapping.AddVar when the total byte
	// count of a mapping would exceed the transport's frame capacity, spec
	// §4.6 ("fails when bit total exceeds transport capacity").
	ErrCapacityExceeded = errors.New("pdo: mapping exceeds transport capacity")
	// ErrFrameTooShort is returned when a received frame is shorter than
	// the mapping it is sliced against.
	ErrFrameTooShort = errors.New("pdo: received frame shorter than mapping")
	// ErrNotValid is returned when a TPDO that has not been enabled (or
	// has been disabled) is asked to send. An RPDO in that state ignores
	// received frames and returns nil.
	ErrNotValid = errors.New("pdo: not enabled")
)

// CAN transmission type codes, CiA-301 Table 73, preserved from the
// teacher's pkg/pdo/common.go.
const (
	TransmissionTypeSyncAcyclic = 0    // synchronous (acyclic)
	TransmissionTypeSync1       = 1    // synchronous (cyclic every sync)
	TransmissionTypeSync240     = 0xF0 // synchronous (cyclic every 240th sync)
	TransmissionTypeSyncEventLo = 0xFE // event-driven, manufacturer specific
	TransmissionTypeSyncEventHi = 0xFF // event-driven, device-profile specific
)

// MaxCanPdoBytes is the largest byte count a single CAN PDO frame carries.
const MaxCanPdoBytes = 8

// VarKind labels a Variable's wire representation; spec §3 restricts
// bindings to "16/32-bit signed/unsigned, raw N-byte".
type VarKind uint8

const (
	KindRaw VarKind = iota
	KindInt16
	KindUint16
	KindInt32
	KindUint32
)

// Variable is one PDO-mapped value: a fixed-size byte buffer with atomic
// read/write, bound to a remote index:sub used only when (re)programming
// the mapping via SDO (Enable). Spec §3: "Bound variables expose atomic
// read/write of their current value."
type Variable struct {
	Index uint16
	Sub   uint8

	mu   sync.Mutex
	kind VarKind
	buf  []byte
}

func NewRawVariable(index uint16, sub uint8, size int) *Variable {
	return &Variable{Index: index, Sub: sub, kind: KindRaw, buf: make([]byte, size)}
}

func NewInt16Variable(index uint16, sub uint8) *Variable {
	return &Variable{Index: index, Sub: sub, kind: KindInt16, buf: make([]byte, 2)}
}

func NewUint16Variable(index uint16, sub uint8) *Variable {
	return &Variable{Index: index, Sub: sub, kind: KindUint16, buf: make([]byte, 2)}
}

func NewInt32Variable(index uint16, sub uint8) *Variable {
	return &Variable{Index: index, Sub: sub, kind: KindInt32, buf: make([]byte, 4)}
}

func NewUint32Variable(index uint16, sub uint8) *Variable {
	return &Variable{Index: index, Sub: sub, kind: KindUint32, buf: make([]byte, 4)}
}

func (v *Variable) Kind() VarKind { return v.kind }

func (v *Variable) Size() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.buf)
}

// Read copies the variable's current raw bytes into dst, returning the
// number of bytes copied.
func (v *Variable) Read(dst []byte) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return copy(dst, v.buf)
}

// Write sets the variable's raw bytes from src, truncating or zero-padding
// to the variable's fixed size.
func (v *Variable) Write(src []byte) {
	v.mu.Lock()
	defer v.mu.Unlock()
	n := copy(v.buf, src)
	for i := n; i < len(v.buf); i++ {
		v.buf[i] = 0
	}
}

func (v *Variable) ReadUint16() uint16 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return binary.LittleEndian.Uint16(v.buf)
}

func (v *Variable) WriteUint16(x uint16) {
	v.mu.Lock()
	defer v.mu.Unlock()
	binary.LittleEndian.PutUint16(v.buf, x)
}

func (v *Variable) ReadInt16() int16   { return int16(v.ReadUint16()) }
func (v *Variable) WriteInt16(x int16) { v.WriteUint16(uint16(x)) }

func (v *Variable) ReadUint32() uint32 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return binary.LittleEndian.Uint32(v.buf)
}

func (v *Variable) WriteUint32(x uint32) {
	v.mu.Lock()
	defer v.mu.Unlock()
	binary.LittleEndian.PutUint32(v.buf, x)
}

func (v *Variable) ReadInt32() int32   { return int32(v.ReadUint32()) }
func (v *Variable) WriteInt32(x int32) { v.WriteUint32(uint32(x)) }

// Mapping is an ordered list of variable bindings bounded to capacityBytes
// total, spec §4.6 ("total bit count ≤ transport capacity... all sizes
// must be byte-multiples in this spec").
type Mapping struct {
	mu            sync.Mutex
	vars          []*Variable
	capacityBytes int
	totalBytes    int
}

func NewMapping(capacityBytes int) *Mapping {
	return &Mapping{capacityBytes: capacityBytes}
}

func (m *Mapping) AddVar(v *Variable) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.totalBytes+v.Size() > m.capacityBytes {
		return ErrCapacityExceeded
	}
	m.vars = append(m.vars, v)
	m.totalBytes += v.Size()
	return nil
}

func (m *Mapping) Vars() []*Variable {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Variable, len(m.vars))
	copy(out, m.vars)
	return out
}

func (m *Mapping) TotalBytes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalBytes
}

// encodeMapEntry builds a CiA-301 PDO mapping-table entry: index<<16 |
// sub<<8 | bitlength, grounded in pkg/pdo/common.go's configureMap (which
// decodes the same layout on read).
func encodeMapEntry(v *Variable) uint32 {
	return uint32(v.Index)<<16 | uint32(v.Sub)<<8 | uint32(v.Size()*8)
}
