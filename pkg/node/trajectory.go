package node

import (
	"github.com/samsamfire/cmlgo/pkg/trajectory"
)

// statusIndex/cmdIndex are the node-side object pair a PVT/PT streamer
// uses to query buffer status and to push segment/control bytes, spec
// §4.7. These are application-specific (not part of CiA-301), so callers
// supply them rather than this package assuming a constant.

// NewStreamer builds a trajectory.Streamer wired to this node: Start/Prime
// traffic and status queries go over Sdo (cmdIndex/statusIndex, sub 0),
// and refill traffic goes over the node's cyclic PDO on CAN or back over
// Sdo on EtherCAT, spec §4.7's "refill... via PDO, or SDO on Ethernet".
// cyclicWrite is nil on EtherCAT (refill always uses Sdo there); on CAN it
// must write the node's outgoing PDO payload.
func (n *Node) NewStreamer(source trajectory.Source, statusIndex, cmdIndex uint16, cyclicWrite func([8]byte) error) *trajectory.Streamer {
	sdoWrite := func(buf [8]byte) error {
		return n.engine.WriteRaw(cmdIndex, 0, buf[:], false)
	}
	refillWrite := sdoWrite
	if n.kind == KindCAN && cyclicWrite != nil {
		refillWrite = cyclicWrite
	}
	s := trajectory.NewStreamer(source, sdoWrite, refillWrite)
	n.streamer = s
	n.streamerStatusIndex = statusIndex
	return s
}

// StartStreamer runs Start on the node's streamer, querying statusIndex
// (as given to NewStreamer) for the drive's buffer status.
func (n *Node) StartStreamer() error {
	if n.streamer == nil {
		return ErrNoStreamer
	}
	return n.streamer.Start(func() (trajectory.BufferStatus, error) {
		raw, err := n.engine.ReadUint32(n.streamerStatusIndex, 0)
		if err != nil {
			return trajectory.BufferStatus{}, err
		}
		return trajectory.DecodeBufferStatus(raw), nil
	})
}

// Streamer returns the node's trajectory streamer, or nil if NewStreamer
// has not been called.
func (n *Node) Streamer() *trajectory.Streamer { return n.streamer }

// AbortTrajectory flushes the drive's on-board buffer and releases the
// trajectory source, spec §4.7's "On abort notification" step.
func (n *Node) AbortTrajectory() error {
	if n.streamer == nil {
		return nil
	}
	return n.streamer.Abort()
}

