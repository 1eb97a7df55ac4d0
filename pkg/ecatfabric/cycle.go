// Cyclic I/O thread and SYNC0 distributed-clock pulse configuration, spec
// §4.4. Grounded in canfabric's SYNC producer (same "own a ticking
// goroutine, toggle an event counter subscribers can await" shape) and
// EtherCAT.cpp's periodic-frame/SYNC0-scheduling sequence.
package ecatfabric

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/samsamfire/cmlgo/internal/worker"
	"github.com/samsamfire/cmlgo/pkg/ethcat"
)

// rpdoAddr pairs a register address with a registered cyclic writer/reader,
// keyed by registration order.
type rpdoAddr struct {
	nodeID uint16
	addr   uint16
}

// RegisterRPDO arms a per-cycle write datagram to nodeID at addr carrying
// the bytes returned by bytesFn (an Ethernet RPDOList's Image, per spec
// terminology inverted from CAN: here "RPDO" means host-to-node), spec
// §4.4's "a configured-address write datagram carrying the freshly-loaded
// RPDO bytes."
func (f *Fabric) RegisterRPDO(nodeID uint16, addr uint16, bytesFn func() []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rpdoWriters = append(f.rpdoWriters, cyclicWrite{nodeID: nodeID, addr: addr, bytes: bytesFn})
}

// RegisterTPDO arms a per-cycle read datagram from nodeID at addr sized to
// length, applying the result via apply (an Ethernet TPDOList's Apply,
// "TPDO" here meaning node-to-host), spec §4.4's "a configured-address read
// datagram sized to the TPDO image."
func (f *Fabric) RegisterTPDO(nodeID uint16, addr uint16, length int, apply func([]byte) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tpdoReaders = append(f.tpdoReaders, cyclicRead{nodeID: nodeID, addr: addr, length: length, apply: apply})
}

// StartCycle launches the cycle thread at period, building one frame per
// tick from the registered RPDO writers and TPDO readers plus (if armed) a
// broadcast DC-time read of the reference clock node, spec §4.4.
func (f *Fabric) StartCycle(period time.Duration, hasRefClock bool) {
	f.mu.Lock()
	f.cyclePeriod = period
	f.cycleEvent = make(chan struct{})
	f.mu.Unlock()

	w := &worker.Worker{}
	w.Start(context.Background(), func(ctx context.Context) error {
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return worker.ErrStopRequested
			case <-ticker.C:
				f.runCycle(hasRefClock)
			}
		}
	})

	f.mu.Lock()
	f.cycleCancel = func() { _ = w.Stop(time.Second) }
	f.mu.Unlock()
}

func (f *Fabric) runCycle(hasRefClock bool) {
	f.mu.Lock()
	writers := append([]cyclicWrite(nil), f.rpdoWriters...)
	readers := append([]cyclicRead(nil), f.tpdoReaders...)
	period := f.cyclePeriod
	f.mu.Unlock()

	var datagrams []ethcat.Datagram
	if hasRefClock {
		datagrams = append(datagrams, ethcat.Datagram{Cmd: ethcat.CmdBRD, ADP: 0, ADO: ethcat.RegSystemTime, Data: make([]byte, 8)})
	}
	for _, w := range writers {
		datagrams = append(datagrams, ethcat.Datagram{Cmd: ethcat.CmdFPWR, ADP: w.nodeID, ADO: w.addr, Data: w.bytes()})
	}
	readerDatagramStart := len(datagrams)
	for _, r := range readers {
		datagrams = append(datagrams, ethcat.Datagram{Cmd: ethcat.CmdFPRD, ADP: r.nodeID, ADO: r.addr, Data: make([]byte, r.length)})
	}

	if len(datagrams) == 0 {
		f.tickCycleEvent()
		return
	}

	resp, err := f.SendFrame(datagrams, period, 0)
	if err != nil {
		f.logger.WithError(err).Debug("cyclic frame failed")
		f.tickCycleEvent()
		return
	}
	for i, r := range readers {
		di := readerDatagramStart + i + 1 // +1 for the sentinel prepended by SendFrame
		if di >= len(resp.Datagrams) {
			continue
		}
		if resp.Datagrams[di].WKC == 0 {
			continue // no one answered this cycle: the image is not applied; no node state is changed
		}
		_ = r.apply(resp.Datagrams[di].Data)
	}
	f.tickCycleEvent()
}

func (f *Fabric) tickCycleEvent() {
	f.mu.Lock()
	ch := f.cycleEvent
	f.cycleEvent = make(chan struct{})
	f.mu.Unlock()
	close(ch)
}

// AwaitCycle blocks until the next full cycle completes or timeout elapses.
func (f *Fabric) AwaitCycle(timeout time.Duration) error {
	f.mu.Lock()
	ch := f.cycleEvent
	f.mu.Unlock()
	if ch == nil {
		return ErrNotOpen
	}
	select {
	case <-ch:
		return nil
	case <-time.After(timeout):
		return ErrTimeout
	}
}

// sync0Retries bounds the scheduling retry loop, spec §4.4: "Retry the
// scheduling up to 20 times with increasing lead time."
const sync0Retries = 20

// SetSync0Period configures a node's SYNC0 pulse generator: disables
// pulses, programs the period, picks a start time ~10ms in the future
// rounded up to a period boundary, and verifies the schedule took by
// checking the node's "next SYNC0 time" advanced, spec §4.4.
func (f *Fabric) SetSync0Period(nodeID uint16, period time.Duration) error {
	if err := f.NodeWrite(nodeID, ethcat.RegSync0Activation, []byte{0}); err != nil {
		return err
	}

	var periodBuf [4]byte
	binary.LittleEndian.PutUint32(periodBuf[:], uint32(period.Nanoseconds()))
	if err := f.NodeWrite(nodeID, ethcat.RegSync0Period, periodBuf[:]); err != nil {
		return err
	}

	leadNs := int64(10 * time.Millisecond)
	for attempt := 0; attempt < sync0Retries; attempt++ {
		sysRaw, err := f.NodeRead(nodeID, ethcat.RegSystemTime, 8)
		if err != nil {
			return err
		}
		sysTime := binary.LittleEndian.Uint64(sysRaw)
		periodNs := uint64(period.Nanoseconds())
		start := sysTime + uint64(leadNs)
		if periodNs > 0 {
			start = ((start + periodNs - 1) / periodNs) * periodNs
		}

		var startBuf [8]byte
		binary.LittleEndian.PutUint64(startBuf[:], start)
		if err := f.NodeWrite(nodeID, ethcat.RegSync0Start, startBuf[:]); err != nil {
			return err
		}
		if err := f.NodeWrite(nodeID, ethcat.RegSync0Activation, []byte{1}); err != nil {
			return err
		}

		time.Sleep(period + 5*time.Millisecond)
		nextRaw, err := f.NodeRead(nodeID, ethcat.RegSync0Start, 8)
		if err != nil {
			return err
		}
		if binary.LittleEndian.Uint64(nextRaw) > start {
			return nil
		}
		leadNs += int64(5 * time.Millisecond)
	}
	return ErrTimeout
}
