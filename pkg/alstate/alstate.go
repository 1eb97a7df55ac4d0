// Package alstate implements the EtherCAT half of NodeFsm (spec §4.9): the
// AL (application-layer) state machine a node moves through as
// Init/PreOp/SafeOp/Op/Boot, driven by register reads/writes over
// EcatFabric rather than CAN NMT frames.
//
// It mirrors pkg/nmt's shape (a per-node tracker, a blocking call, state-
// change callbacks) so pkg/node can treat the two transports uniformly; the
// blocking call is SetState, and there is no separate AwaitState. But the
// transition mechanics are new: CANopen NMT is a single broadcast command
// that the node applies atomically, while EtherCAT AL-state changes must
// step through the legal intermediate states one at a time and the master
// must poll AL status until the device reflects the request (spec §4.4's
// "9x9 legal-next-state table... poll until the device reflects the
// request"). Grounded in _examples/original_source/lib/CML/c/EtherCAT.cpp's
// state-change handling (SetState stepping through PreOp/SafeOp on the way
// to Op, and rewriting the current state to clear a latched error bit).
package alstate

import (
	"encoding/binary"
	"errors"
	"sync"
	"time"
)

// AL states, ETG.1000 / CoE object 0x1000 style encoding used in the AL
// status/control registers (spec §6.2: 0x0120 AL control, 0x0130 AL
// status).
const (
	StateInit    uint8 = 0x01
	StatePreOp   uint8 = 0x02
	StateBoot    uint8 = 0x03
	StateSafeOp  uint8 = 0x04
	StateOp      uint8 = 0x08
	StateUnknown uint8 = 0x00
	ErrorFlag    uint8 = 0x10
)

// legalNext is the adjacency list of the spec's "9x9 legal-next-state
// table" (errored states fold onto their non-errored counterpart before
// lookup, so 5 real states cover the 9 rows/columns the spec describes
// including error variants).
var legalNext = map[uint8][]uint8{
	StateInit:   {StatePreOp, StateBoot},
	StateBoot:   {StateInit},
	StatePreOp:  {StateInit, StateSafeOp},
	StateSafeOp: {StatePreOp, StateOp, StateInit},
	StateOp:     {StateSafeOp, StateInit},
}

var ErrIllegalState = errors.New("alstate: illegal AL state requested")
var ErrTimeout = errors.New("alstate: timeout waiting for state")

// RegisterIO is the minimal EcatFabric surface AlState needs: synchronous
// configured-address register read/write against one node.
type RegisterIO interface {
	NodeRead(addr uint16, length int) ([]byte, error)
	NodeWrite(addr uint16, data []byte) error
}

type waiter struct {
	target uint8
	done   chan struct{}
}

// AlState tracks and drives one EtherCAT node's AL state.
type AlState struct {
	mu  sync.Mutex
	reg RegisterIO

	state uint8

	callbacks      map[uint64]func(uint8)
	callbackNextID uint64
	waiters        []*waiter
}

func New(reg RegisterIO) *AlState {
	return &AlState{reg: reg, state: StateUnknown, callbacks: make(map[uint64]func(uint8))}
}

func (a *AlState) State() uint8 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state &^ ErrorFlag
}

func (a *AlState) Errored() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state&ErrorFlag != 0
}

// Poll reads AL status (and, if the error bit is set, AL status code too)
// and updates the observed state, notifying callbacks/waiters on change.
// Callers (typically the cycle or read thread) invoke this periodically;
// alstate never owns its own goroutine (EcatFabric owns the polling
// cadence, unlike pkg/nmt which is driven by pushed heartbeat frames).
func (a *AlState) Poll() error {
	raw, err := a.reg.NodeRead(0x0130, 2)
	if err != nil {
		return err
	}
	status := binary.LittleEndian.Uint16(raw)
	state := uint8(status & 0x0F)
	errored := status&0x10 != 0

	a.mu.Lock()
	changed := state != a.state&^ErrorFlag || errored != (a.state&ErrorFlag != 0)
	if changed {
		if errored {
			a.state = state | ErrorFlag
		} else {
			a.state = state
		}
	}
	a.mu.Unlock()

	if changed {
		a.notify(state)
	}
	return nil
}

func (a *AlState) notify(state uint8) {
	a.mu.Lock()
	cbs := make([]func(uint8), 0, len(a.callbacks))
	for _, cb := range a.callbacks {
		cbs = append(cbs, cb)
	}
	var woken []*waiter
	remaining := a.waiters[:0]
	for _, w := range a.waiters {
		if w.target == state {
			woken = append(woken, w)
			continue
		}
		remaining = append(remaining, w)
	}
	a.waiters = remaining
	a.mu.Unlock()

	for _, cb := range cbs {
		cb(state)
	}
	for _, w := range woken {
		close(w.done)
	}
}

func (a *AlState) AddStateChangeCallback(cb func(state uint8)) (cancel func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.callbackNextID
	a.callbackNextID++
	a.callbacks[id] = cb
	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		delete(a.callbacks, id)
	}
}

// nextStep returns the next intermediate state to request on the path from
// cur to target, or target itself if adjacent, per the legal-next-state
// table. Illegal/unknown requests fall back to Init, per spec §4.4.
func nextStep(cur, target uint8) uint8 {
	if cur == target {
		return target
	}
	adj, ok := legalNext[cur]
	if !ok {
		return StateInit
	}
	for _, n := range adj {
		if n == target {
			return target
		}
	}
	// BFS one layer for the classic Init<->PreOp<->SafeOp<->Op chain: walk
	// toward target through the linear ladder.
	order := []uint8{StateInit, StatePreOp, StateSafeOp, StateOp}
	curIdx, targetIdx := -1, -1
	for i, s := range order {
		if s == cur {
			curIdx = i
		}
		if s == target {
			targetIdx = i
		}
	}
	if curIdx < 0 || targetIdx < 0 {
		return StateInit
	}
	if targetIdx > curIdx {
		return order[curIdx+1]
	}
	if targetIdx < curIdx {
		return order[curIdx-1]
	}
	return target
}

// writeControl writes the 2-byte AL control register, setting the
// "acknowledge error" bit alongside the target when clearing a latched
// error, per spec §4.4's "clearing any latched state-error bit by
// rewriting the current state".
func (a *AlState) writeControl(state uint8, ackError bool) error {
	var buf [2]byte
	v := uint16(state)
	if ackError {
		v |= 0x10
	}
	binary.LittleEndian.PutUint16(buf[:], v)
	return a.reg.NodeWrite(0x0120, buf[:])
}

// SetState drives the node from its currently observed state to target,
// stepping through legal intermediates and polling AL status until each
// step is reflected, per spec §4.4/§4.9. pollEvery controls the polling
// cadence; timeout bounds the whole operation.
func (a *AlState) SetState(target uint8, pollEvery, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if err := a.Poll(); err != nil {
			return err
		}
		cur := a.State()
		errored := a.Errored()
		if cur == target && !errored {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrTimeout
		}

		step := nextStep(cur, target)
		if err := a.writeControl(step, errored); err != nil {
			return err
		}

		for {
			time.Sleep(pollEvery)
			if err := a.Poll(); err != nil {
				return err
			}
			if a.State() == step || time.Now().After(deadline) {
				break
			}
		}
		if time.Now().After(deadline) && a.State() != target {
			return ErrTimeout
		}
	}
}
