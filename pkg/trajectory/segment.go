// Package trajectory implements TrajectoryStreamer: PVT/PT segment wire
// encoding, a resend cache, and the prime/refill state machine that keeps a
// drive's on-board trajectory buffer primed from a host-side generator
// (spec §4.7). Grounded in
// _examples/original_source/lib/CML/c/AmpPVT.cpp (Amp::FormatPvtSeg/
// FormatPtSeg/FormatPosInit/PvtBufferFlush/PvtBufferPop/PvtClearErrors,
// PvtSegCache, Amp::SendTrajectory/PvtStatusUpdate).
package trajectory

import "errors"

// Control-byte encodings, spec §4.7/§6.4 (bit-exact).
const (
	flagLowResVelocity = 0x08
	flagRelativePos    = 0x10
	formatPT           = 5 << 3 // 0x28: 32-bit absolute position, no velocity

	opFlush       = 0x80
	opPop         = 0x81
	opClearErrors = 0x82
	opSetInitPos  = 0x20
)

// pos24Max/pos24Min bound the 24-bit signed position/velocity fields a
// normal segment carries.
const (
	pos24Max = 0x007FFFFF
	pos24Min = -0x007FFFFF
)

var (
	// ErrSegmentPosition is AmpError::pvtSegPos: neither the absolute nor
	// the relative encoding of pos fits in 24 bits.
	ErrSegmentPosition = errors.New("trajectory: position does not fit absolute or relative 24-bit encoding")
	// ErrSegmentVelocity is AmpError::pvtSegVel: vel doesn't fit even after
	// low-resolution (x100) rescaling.
	ErrSegmentVelocity = errors.New("trajectory: velocity does not fit 24-bit encoding")
)

// fits24 reports whether v fits the 24-bit signed range used by segment
// position/velocity fields.
func fits24(v int32) bool {
	return v <= pos24Max && v >= pos24Min
}

// EncodePVT formats a PVT segment carrying (pos, vel, timeMs), choosing
// absolute vs. relative position encoding and low- vs. high-resolution
// velocity exactly as Amp::FormatPvtSeg does. lastPos is the previously
// sent absolute position, used for the relative encoding. Returns the
// encoded segment and the absolute position to remember as lastPos for the
// next call.
func EncodePVT(segID uint16, pos, vel int32, timeMs uint8, lastPos int32) ([8]byte, int32, error) {
	var buf [8]byte
	buf[0] = byte(segID & 7)

	encPos := pos
	if !fits24(pos) {
		encPos = pos - lastPos
		if !fits24(encPos) {
			return buf, lastPos, ErrSegmentPosition
		}
		buf[0] |= flagRelativePos
	}

	// The rescale runs in int64 so that rounding cannot overflow near the
	// int32 limits.
	encVel := vel
	if v := int64(vel); v > pos24Max {
		r := (v + 50) / 100
		buf[0] |= flagLowResVelocity
		if r > pos24Max {
			return buf, lastPos, ErrSegmentVelocity
		}
		encVel = int32(r)
	} else if -v > pos24Max {
		r := (v - 50) / 100
		buf[0] |= flagLowResVelocity
		if -r > pos24Max {
			return buf, lastPos, ErrSegmentVelocity
		}
		encVel = int32(r)
	}

	buf[1] = timeMs
	putInt24(buf[2:5], encPos)
	putInt24(buf[5:8], encVel)
	return buf, pos, nil
}

// EncodePT formats a position-only (no velocity) segment, format selector
// 5<<3, spec §4.7: "bytes 2..5 for PT" (a full 32-bit absolute position,
// never relative).
func EncodePT(segID uint16, pos int32, timeMs uint8) [8]byte {
	var buf [8]byte
	buf[0] = byte(segID&7) | formatPT
	buf[1] = timeMs
	putInt32(buf[2:6], pos)
	return buf
}

// EncodeInitialPosition formats the "set initial 32-bit position" header
// segment emitted before the first segment of a move whose starting
// position doesn't fit a 24-bit relative/absolute encoding.
func EncodeInitialPosition(segID uint16, pos int32) [8]byte {
	var buf [8]byte
	buf[0] = byte(segID&7) | opSetInitPos
	putInt32(buf[1:5], pos)
	return buf
}

// EncodeFlush formats the "flush buffer / abort active profile" command.
func EncodeFlush() [8]byte {
	return [8]byte{opFlush}
}

// EncodePop formats "pop n most recently sent segments".
func EncodePop(n uint16) [8]byte {
	var buf [8]byte
	buf[0] = opPop
	buf[1] = byte(n)
	buf[2] = byte(n >> 8)
	return buf
}

// EncodeClearErrors formats "clear the buffer errors named in mask".
func EncodeClearErrors(mask uint8) [8]byte {
	return [8]byte{opClearErrors, mask}
}

func putInt24(b []byte, v int32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
}

func putInt32(b []byte, v int32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

// Buffer-status error flags, spec §4.7's "error flags (next 7 bits)"; named
// after AmpPVT.cpp's PVTERR_* masks.
const (
	ErrFlagSequence  = 0x01
	ErrFlagOverflow  = 0x02
	ErrFlagUnderflow = 0x04
)

// BufferStatus is the decoded drive-reported buffer status word, spec
// §4.7: "next expected segment id (low 16), free slots (next 8), error
// flags (next 7), and empty (top bit)".
type BufferStatus struct {
	NextExpected uint16
	FreeSlots    uint8
	ErrorFlags   uint8
	Empty        bool
}

// DecodeBufferStatus unpacks a raw 32-bit buffer status word.
func DecodeBufferStatus(word uint32) BufferStatus {
	return BufferStatus{
		NextExpected: uint16(word),
		FreeSlots:    uint8(word >> 16),
		ErrorFlags:   uint8(word>>24) & 0x7F,
		Empty:        word&0x80000000 != 0,
	}
}
