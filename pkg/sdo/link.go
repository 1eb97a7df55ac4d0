package sdo

import (
	"errors"
	"time"
)

// Link carries the 8-byte SDO command/response frames the CiA-301 protocol
// defines, regardless of which fabric moves them: CanFabric puts one on the
// wire as a CAN frame addressed 0x600+id/0x580+id, EcatFabric wraps one in
// a mailbox frame with protocol type 3 ("CoE"). The SDO wire format itself
// is identical either way (CoE literally stands for "CANopen over
// EtherCAT"), so Engine never needs to know which fabric it is running
// over.
type Link interface {
	Send(data [8]byte) error
	Recv(timeout time.Duration) ([8]byte, error)
	// SupportsBlock reports whether block transfer is available. Per spec
	// §4.5, block transfer is CAN-only in this system.
	SupportsBlock() bool
}

var (
	// ErrNoBlkXfers names a block transfer requested over a Link that does
	// not support it (spec §7's SdoError.NoBlkXfers). Engine does not
	// return it: Download and Upload fall back to expedited/segmented
	// transfer instead.
	ErrNoBlkXfers = errors.New("sdo: block transfer not supported by this link")
	// ErrBusy names an attempt to start a transfer while the node's session
	// is occupied. Engine does not return it: sessions are serialized per
	// spec §4.5, so a second transfer waits on the session mutex.
	ErrBusy = errors.New("sdo: session busy")
)
