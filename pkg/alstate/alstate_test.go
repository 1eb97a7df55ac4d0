package alstate

import (
	"encoding/binary"
	"sync"
	"testing"
	"time"
)

// fakeNode emulates a device's AL status register reacting to AL control
// writes after a short device-processing delay, the way a real ESC would.
type fakeNode struct {
	mu    sync.Mutex
	state uint8
	err   bool
}

func (n *fakeNode) NodeWrite(addr uint16, data []byte) error {
	if addr != 0x0120 {
		return nil
	}
	v := binary.LittleEndian.Uint16(data)
	n.mu.Lock()
	defer n.mu.Unlock()
	if v&0x10 != 0 {
		n.err = false
	}
	n.state = uint8(v & 0x0F)
	return nil
}

func (n *fakeNode) NodeRead(addr uint16, length int) ([]byte, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	var buf [2]byte
	v := uint16(n.state)
	if n.err {
		v |= 0x10
	}
	binary.LittleEndian.PutUint16(buf[:], v)
	return buf[:length], nil
}

func TestSetStateStepsThroughIntermediates(t *testing.T) {
	node := &fakeNode{state: StateInit}
	a := New(node)

	if err := a.SetState(StateOp, time.Millisecond, time.Second); err != nil {
		t.Fatalf("SetState: %v", err)
	}
	if a.State() != StateOp {
		t.Fatalf("state = %#x, want Op", a.State())
	}
}

func TestSetStateDownFromOp(t *testing.T) {
	node := &fakeNode{state: StateOp}
	a := New(node)

	if err := a.SetState(StateInit, time.Millisecond, time.Second); err != nil {
		t.Fatalf("SetState: %v", err)
	}
	if a.State() != StateInit {
		t.Fatalf("state = %#x, want Init", a.State())
	}
}

func TestSetStateClearsLatchedError(t *testing.T) {
	node := &fakeNode{state: StateSafeOp, err: true}
	a := New(node)

	if err := a.SetState(StateSafeOp, time.Millisecond, time.Second); err != nil {
		t.Fatalf("SetState: %v", err)
	}
	if a.Errored() {
		t.Fatal("error flag should have been acknowledged and cleared")
	}
}

func TestAwaitCallbackFiresOnChange(t *testing.T) {
	node := &fakeNode{state: StateInit}
	a := New(node)

	seen := make(chan uint8, 4)
	a.AddStateChangeCallback(func(s uint8) { seen <- s })

	go func() {
		_ = a.SetState(StateSafeOp, time.Millisecond, time.Second)
	}()

	deadline := time.After(time.Second)
	for {
		select {
		case s := <-seen:
			if s == StateSafeOp {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for SafeOp callback")
		}
	}
}

func TestIllegalStateFallsBackToInit(t *testing.T) {
	if got := nextStep(0xFF, StateOp); got != StateInit {
		t.Fatalf("nextStep(unknown) = %#x, want Init", got)
	}
}
