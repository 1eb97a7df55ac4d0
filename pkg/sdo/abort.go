// Package sdo implements the host-side SDO engine: typed upload/download of
// object dictionary entries over a per-node session, with expedited,
// segmented, and (CAN-only) block transfer variants.
//
// This package has no server/local-transfer half. The teacher repo can act
// as either a CANopen master or a device (pkg/sdo/server.go, download_*.go,
// upload_*.go split by direction), because gocanopen models both ends of
// the bus. This module only ever masters a bus of intelligent drives - it
// never emulates one - so the whole local/server side of the teacher's SDO
// package is dropped (see DESIGN.md) and only the client half is kept, very
// closely following pkg/sdo/client.go's wire encoding.
//
// AbortCode values and bytes are unchanged from CiA-301, since the
// Ethernet path's mailbox type 3 ("CoE") is explicitly defined as CANopen's
// SDO protocol tunneled inside an EtherCAT mailbox - the same abort-code
// taxonomy and segment/toggle/block encoding apply to both fabrics.
package sdo

import "fmt"

// AbortCode is an SDO abort code as carried on the wire (CiA-301 §7.3.3).
// Named per this module's own taxonomy rather than the CANopen-centric
// names the teacher uses, but the numeric values are unchanged so they
// remain wire-compatible with any real drive.
type AbortCode uint32

const (
	AbortToggleBit     AbortCode = 0x05030000
	AbortTimeout       AbortCode = 0x05040000
	AbortBadScs        AbortCode = 0x05040001 // unexpected/unknown command specifier
	AbortBlockSize     AbortCode = 0x05040002
	AbortBlockSeq      AbortCode = 0x05040003
	AbortBlockCRC      AbortCode = 0x05040004
	AbortMemory        AbortCode = 0x05040005
	AbortAccess        AbortCode = 0x06010000
	AbortWriteOnly     AbortCode = 0x06010001
	AbortReadOnly      AbortCode = 0x06010002
	AbortBadObject     AbortCode = 0x06020000
	AbortPdoMap        AbortCode = 0x06040041
	AbortPdoLength     AbortCode = 0x06040042
	AbortParamIncompat AbortCode = 0x06040043 // also used for "object mapping is active" (obj-map-active)
	AbortIncompatible  AbortCode = 0x06040047
	AbortHardware      AbortCode = 0x06060000
	AbortBadLength     AbortCode = 0x06070010
	AbortTooLong       AbortCode = 0x06070012
	AbortTooShort      AbortCode = 0x06070013
	AbortSubindex      AbortCode = 0x06090011
	AbortParamRange    AbortCode = 0x06090030
	AbortParamHigh     AbortCode = 0x06090031
	AbortParamLow      AbortCode = 0x06090032
	AbortMinGreaterMax AbortCode = 0x06090036
	AbortGeneral       AbortCode = 0x08000000
	AbortTransfer      AbortCode = 0x08000020
	AbortTransferLocal AbortCode = 0x08000021
	AbortTransferState AbortCode = 0x08000022
	AbortOdGenFail     AbortCode = 0x08000023
)

var abortDescriptions = map[AbortCode]string{
	AbortToggleBit:     "toggle bit not alternated",
	AbortTimeout:       "SDO protocol timed out",
	AbortBadScs:        "command specifier not valid or unknown",
	AbortBlockSize:     "invalid block size",
	AbortBlockSeq:      "invalid sequence number in block transfer",
	AbortBlockCRC:      "CRC error in block transfer",
	AbortMemory:        "out of memory",
	AbortAccess:        "unsupported access to an object",
	AbortWriteOnly:     "attempt to read a write-only object",
	AbortReadOnly:      "attempt to write a read-only object",
	AbortBadObject:     "object does not exist",
	AbortPdoMap:        "object cannot be mapped to a PDO",
	AbortPdoLength:     "mapped objects exceed PDO length",
	AbortParamIncompat: "general parameter incompatibility",
	AbortIncompatible:  "general internal incompatibility in device",
	AbortHardware:      "access failed due to a hardware error",
	AbortBadLength:     "data type/length mismatch",
	AbortTooLong:       "data type length too high",
	AbortTooShort:      "data type length too low",
	AbortSubindex:      "subindex does not exist",
	AbortParamRange:    "invalid value for parameter",
	AbortParamHigh:     "value written is too high",
	AbortParamLow:      "value written is too low",
	AbortMinGreaterMax: "maximum value is less than minimum",
	AbortGeneral:       "general error",
	AbortTransfer:      "data cannot be transferred or stored",
	AbortTransferLocal: "data cannot be transferred due to local control",
	AbortTransferState: "data cannot be transferred in this device state",
	AbortOdGenFail:     "object dictionary dynamic generation failed",
}

func (a AbortCode) Error() string {
	return fmt.Sprintf("sdo: abort x%08x: %s", uint32(a), a.Description())
}

func (a AbortCode) Description() string {
	if s, ok := abortDescriptions[a]; ok {
		return s
	}
	return abortDescriptions[AbortGeneral]
}
