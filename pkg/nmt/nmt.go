// Package nmt is the CAN half of NodeFsm (spec §4.9): per-node NMT state
// tracking and command dispatch, adapted from the teacher's device-side
// pkg/nmt down to its host/master role — this module sends commands and
// observes state changes, it never produces its own heartbeat.
package nmt

import (
	"sync"
	"time"

	"github.com/samsamfire/cmlgo/pkg/can"
	"github.com/sirupsen/logrus"
)

// NMT states, CiA-301 Table 99, unchanged from the teacher.
const (
	StateInitializing   uint8 = 0
	StatePreOperational uint8 = 127
	StateOperational    uint8 = 5
	StateStopped        uint8 = 4
	StateUnknown        uint8 = 255
)

var stateMap = map[uint8]string{
	StateInitializing:   "INITIALIZING",
	StatePreOperational: "PRE-OPERATIONAL",
	StateOperational:    "OPERATIONAL",
	StateStopped:        "STOPPED",
	StateUnknown:        "UNKNOWN",
}

// Command is a one-byte NMT opcode broadcast or unicast on CAN id 0x000,
// spec §6.1.
type Command uint8

const (
	CommandEnterOperational    Command = 1
	CommandEnterStopped        Command = 2
	CommandEnterPreOperational Command = 128
	CommandResetNode           Command = 129
	CommandResetCommunication  Command = 130
)

var commandTargetState = map[Command]uint8{
	CommandEnterOperational:    StateOperational,
	CommandEnterStopped:        StateStopped,
	CommandEnterPreOperational: StatePreOperational,
	CommandResetNode:           StateInitializing,
	CommandResetCommunication:  StateInitializing,
}

// FrameSender is the minimal fabric surface NMT needs to broadcast a
// command frame.
type FrameSender interface {
	Send(frame can.Frame) error
}

type waiter struct {
	target uint8
	done   chan struct{}
}

// NMT tracks one CAN node's NMT state, observed from heartbeat/guard frames
// forwarded by the fabric's dispatch table (spec §4.3's 0x700+id handler),
// and sends host-originated lifecycle commands, adapted from the teacher's
// pkg/nmt.NMT generalized from device to master role.
type NMT struct {
	mu     sync.Mutex
	logger *logrus.Entry

	sender FrameSender
	nodeId uint8

	state     uint8
	toggle    bool
	toggleSet bool

	callbacks      map[uint64]func(state uint8)
	callbackNextId uint64
	waiters        []*waiter
}

func NewNMT(sender FrameSender, nodeId uint8, logger *logrus.Entry) *NMT {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &NMT{
		sender:    sender,
		nodeId:    nodeId,
		state:     StateUnknown,
		logger:    logger.WithField("component", "nmt.NMT"),
		callbacks: make(map[uint64]func(state uint8)),
	}
}

// State returns the last observed NMT state.
func (n *NMT) State() uint8 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// HandleHeartbeat is called by the fabric dispatcher for frames in the
// 0x700+id range (spec §4.3): byte 0's low 7 bits are the reported state,
// bit 7 is the node-guard toggle.
func (n *NMT) HandleHeartbeat(b byte) {
	state := b & 0x7F
	toggle := b&0x80 != 0

	n.mu.Lock()
	n.toggle = toggle
	n.toggleSet = true
	changed := state != n.state
	if changed {
		n.state = state
	}
	n.mu.Unlock()

	if changed {
		n.notify(state)
	}
}

// LastToggle returns the most recently observed guard toggle bit, and
// whether one has been observed at all (classical node-guarding consumes
// this; heartbeat producers always send it clear).
func (n *NMT) LastToggle() (toggle bool, ok bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.toggle, n.toggleSet
}

func (n *NMT) notify(state uint8) {
	n.mu.Lock()
	callbacks := make([]func(uint8), 0, len(n.callbacks))
	for _, cb := range n.callbacks {
		callbacks = append(callbacks, cb)
	}
	var woken []*waiter
	remaining := n.waiters[:0]
	for _, w := range n.waiters {
		if w.target == state {
			woken = append(woken, w)
			continue
		}
		remaining = append(remaining, w)
	}
	n.waiters = remaining
	n.mu.Unlock()

	n.logger.WithField("node", n.nodeId).Infof("nmt state changed to %s", stateMap[state])
	for _, cb := range callbacks {
		cb(state)
	}
	for _, w := range woken {
		close(w.done)
	}
}

// AddStateChangeCallback registers a callback invoked on every state
// change. Returns a cancel func removing it.
func (n *NMT) AddStateChangeCallback(callback func(state uint8)) (cancel func()) {
	n.mu.Lock()
	defer n.mu.Unlock()
	id := n.callbackNextId
	n.callbackNextId++
	n.callbacks[id] = callback
	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.callbacks, id)
	}
}

// SendCommand sends an NMT opcode to the network and, per spec §4.9, starts
// a 20ms-cadence retransmit until either the node reaches the expected
// state or timeout elapses.
func (n *NMT) SendCommand(command Command, timeout time.Duration) error {
	target, ok := commandTargetState[command]
	if !ok {
		return n.send(command)
	}
	if err := n.send(command); err != nil {
		return err
	}
	return n.AwaitState(target, timeout, command)
}

func (n *NMT) send(command Command) error {
	frame := can.NewFrame(0, 0, 2)
	frame.Data[0] = byte(command)
	frame.Data[1] = n.nodeId
	return n.sender.Send(frame)
}

// AwaitState blocks until state is observed or timeout elapses, retransmitting
// command (if non-zero) every 20ms per spec §4.9/§6.1.
func (n *NMT) AwaitState(state uint8, timeout time.Duration, retransmit ...Command) error {
	n.mu.Lock()
	if n.state == state {
		n.mu.Unlock()
		return nil
	}
	w := &waiter{target: state, done: make(chan struct{})}
	n.waiters = append(n.waiters, w)
	n.mu.Unlock()

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return nil
		case <-ticker.C:
			if time.Now().After(deadline) {
				n.removeWaiter(w)
				return ErrTimeout
			}
			if len(retransmit) > 0 {
				_ = n.send(retransmit[0])
			}
		}
	}
}

func (n *NMT) removeWaiter(target *waiter) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, w := range n.waiters {
		if w == target {
			n.waiters = append(n.waiters[:i], n.waiters[i+1:]...)
			return
		}
	}
}
