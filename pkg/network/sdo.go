package network

import (
	"time"

	"github.com/samsamfire/cmlgo/pkg/node"
)

// XmitSdo sends buf as a raw 8-byte CiA-301 SDO request frame to the node
// at id and returns its raw reply, spec §6.6's xmit_sdo(node, buf, len,
// timeout). This bypasses the typed Upload/Download helpers for callers
// that build SDO frames themselves; it still serializes against the
// node's other SDO traffic through its Engine's session mutex.
func (net *Network) XmitSdo(id uint16, buf [8]byte, timeout time.Duration) ([8]byte, error) {
	n, err := net.Node(id)
	if err != nil {
		return [8]byte{}, err
	}
	if n.Engine() == nil {
		return [8]byte{}, node.ErrUnsupported
	}
	return n.Engine().RawRequest(buf, timeout)
}
