package sdo

import (
	"encoding/binary"
	"fmt"
)

// Typed convenience wrappers over Engine.Download/Upload, mirroring the
// teacher's ReadUint8/16/32/64 family (client.go's high-level helpers) and
// spec §6.6's "upld/dnld {8,16,32,bytes,string}" surface.

func (e *Engine) ReadUint8(index uint16, sub uint8) (uint8, error) {
	b, err := e.Upload(index, sub, false)
	if err != nil {
		return 0, err
	}
	if len(b) < 1 {
		return 0, AbortTooShort
	}
	return b[0], nil
}

func (e *Engine) ReadUint16(index uint16, sub uint8) (uint16, error) {
	b, err := e.Upload(index, sub, false)
	if err != nil {
		return 0, err
	}
	if len(b) < 2 {
		return 0, AbortTooShort
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (e *Engine) ReadUint32(index uint16, sub uint8) (uint32, error) {
	b, err := e.Upload(index, sub, false)
	if err != nil {
		return 0, err
	}
	if len(b) < 4 {
		return 0, AbortTooShort
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (e *Engine) ReadUint64(index uint16, sub uint8) (uint64, error) {
	b, err := e.Upload(index, sub, true)
	if err != nil {
		return 0, err
	}
	if len(b) < 8 {
		return 0, AbortTooShort
	}
	return binary.LittleEndian.Uint64(b), nil
}

// ReadString uploads a null-terminated string, trimming at the first NUL
// byte if one is present (per client.go's string-attribute handling).
func (e *Engine) ReadString(index uint16, sub uint8) (string, error) {
	b, err := e.Upload(index, sub, false)
	if err != nil {
		return "", err
	}
	for i, c := range b {
		if c == 0 {
			return string(b[:i]), nil
		}
	}
	return string(b), nil
}

func (e *Engine) WriteUint8(index uint16, sub uint8, v uint8) error {
	return e.Download(index, sub, []byte{v}, false)
}

func (e *Engine) WriteUint16(index uint16, sub uint8, v uint16) error {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	return e.Download(index, sub, b[:], false)
}

func (e *Engine) WriteUint32(index uint16, sub uint8, v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return e.Download(index, sub, b[:], false)
}

func (e *Engine) WriteUint64(index uint16, sub uint8, v uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return e.Download(index, sub, b[:], true)
}

// WriteString downloads s with a trailing NUL, matching the convention
// ReadString expects on the way back.
func (e *Engine) WriteString(index uint16, sub uint8, s string) error {
	b := append([]byte(s), 0)
	return e.Download(index, sub, b, false)
}

func (e *Engine) ReadRaw(index uint16, sub uint8, useBlock bool) ([]byte, error) {
	return e.Upload(index, sub, useBlock)
}

func (e *Engine) WriteRaw(index uint16, sub uint8, data []byte, useBlock bool) error {
	return e.Download(index, sub, data, useBlock)
}

func (e *Engine) String() string {
	return fmt.Sprintf("sdo.Engine(node=%d)", e.nodeID)
}
