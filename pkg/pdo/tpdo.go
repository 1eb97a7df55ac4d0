package pdo

import (
	"sync"
	"time"

	"github.com/samsamfire/cmlgo/pkg/can"
	"github.com/samsamfire/cmlgo/pkg/sdo"
	"github.com/sirupsen/logrus"
)

const (
	SyncCounterReset        = 255
	SyncCounterWaitForStart = 254
)

// FrameSender is the minimal fabric surface a CAN TPDO needs: put one frame
// on the wire. CanFabric satisfies this directly.
type FrameSender interface {
	Send(frame can.Frame) error
}

// SyncSource lets a TPDO subscribe to SYNC counter ticks, matching the
// teacher's tpdo.go sync-driven cyclic send. CanFabric's SYNC producer
// satisfies this.
type SyncSource interface {
	Subscribe() (ch <-chan uint8, cancel func())
}

// TPDO is a CAN transmit PDO: a Mapping plus the CiA-301 cyclic/event/
// inhibit-timer send policy, adapted from pkg/pdo/tpdo.go.
type TPDO struct {
	mu sync.Mutex

	mapping *Mapping
	sender  FrameSender
	logger  *logrus.Entry

	id               uint32
	valid            bool
	transmissionType uint8
	sendRequest      bool
	syncStartValue   uint8
	syncCounter      uint8
	inhibitTimeUs    uint32
	eventTimeUs      uint32
	timerInhibit     *time.Timer
	timerEvent       *time.Timer
	inhibitActive    bool
	operational      bool

	sync       SyncSource
	syncCh     <-chan uint8
	syncCancel func()
}

func NewTPDO(id uint32, capacityBytes int, sender FrameSender, logger *logrus.Entry) *TPDO {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &TPDO{
		mapping:          NewMapping(capacityBytes),
		sender:           sender,
		logger:           logger.WithField("component", "pdo.TPDO"),
		id:               id,
		transmissionType: TransmissionTypeSyncEventLo,
		syncCounter:      SyncCounterReset,
	}
}

func (t *TPDO) Mapping() *Mapping { return t.mapping }

// Enable programs the remote drive's mapping and communication parameter
// objects via SDO, then marks the PDO valid, spec §4.6: "disable (if
// active), write the mapping count 0, write each entry to the mapping
// object, write the count back; then clear bit 31 of the communication-
// parameter id to enable."
func (t *TPDO) Enable(engine *sdo.Engine, commIndex, mapIndex uint16, transmissionType uint8) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	// Disable: set bit 31 of the existing COB-ID.
	if err := engine.WriteUint32(commIndex, 1, t.id|0x80000000); err != nil {
		return err
	}
	if err := engine.WriteUint8(mapIndex, 0, 0); err != nil {
		return err
	}
	vars := t.mapping.Vars()
	for i, v := range vars {
		if err := engine.WriteUint32(mapIndex, uint8(i+1), encodeMapEntry(v)); err != nil {
			return err
		}
	}
	if err := engine.WriteUint8(mapIndex, 0, uint8(len(vars))); err != nil {
		return err
	}
	if err := engine.WriteUint8(commIndex, 2, transmissionType); err != nil {
		return err
	}
	// Enable: rewrite the COB-ID with bit 31 cleared.
	if err := engine.WriteUint32(commIndex, 1, t.id&^uint32(0x80000000)); err != nil {
		return err
	}

	t.transmissionType = transmissionType
	t.sendRequest = true
	t.syncCounter = SyncCounterReset
	t.valid = true
	return nil
}

func (t *TPDO) Disable() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.valid = false
}

func (t *TPDO) send() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.valid {
		return ErrNotValid
	}

	var frame can.Frame
	frame.ID = t.id & 0x7FF
	offset := 0
	for _, v := range t.mapping.Vars() {
		n := v.Read(frame.Data[offset:])
		offset += n
	}
	frame.DLC = uint8(offset)

	t.sendRequest = false
	t.restartEventTimerLocked()
	t.startInhibitTimerLocked()
	return t.sender.Send(frame)
}

func (t *TPDO) checkAndSend() {
	t.mu.Lock()
	if t.inhibitActive {
		t.sendRequest = true
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()
	_ = t.send()
}

// SendAsync requests an immediate (event-driven) transmission.
func (t *TPDO) SendAsync() { t.checkAndSend() }

func (t *TPDO) startInhibitTimerLocked() {
	if t.inhibitTimeUs == 0 {
		return
	}
	t.inhibitActive = true
	d := time.Duration(t.inhibitTimeUs) * time.Microsecond
	if t.timerInhibit == nil {
		t.timerInhibit = time.AfterFunc(d, t.inhibitHandler)
	} else {
		t.timerInhibit.Reset(d)
	}
}

func (t *TPDO) inhibitHandler() {
	t.mu.Lock()
	operational := t.operational
	req := t.sendRequest
	t.inhibitActive = false
	t.mu.Unlock()
	if operational && req {
		_ = t.send()
	}
}

func (t *TPDO) restartEventTimerLocked() {
	if t.eventTimeUs == 0 {
		return
	}
	d := time.Duration(t.eventTimeUs) * time.Microsecond
	if t.timerEvent == nil {
		t.timerEvent = time.AfterFunc(d, t.eventHandler)
	} else {
		t.timerEvent.Reset(d)
	}
}

func (t *TPDO) eventHandler() {
	t.mu.Lock()
	t.sendRequest = true
	inhibit := t.inhibitActive
	operational := t.operational
	t.mu.Unlock()
	if operational && !inhibit {
		_ = t.send()
	}
}

// SetTimers configures the inhibit and event timers, in 100us units and
// milliseconds on the wire respectively (CiA-301 units).
func (t *TPDO) SetTimers(inhibitTime100us uint16, eventTimeMs uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inhibitTimeUs = uint32(inhibitTime100us) * 100
	t.eventTimeUs = uint32(eventTimeMs) * 1000
}

func (t *TPDO) SetSyncStartValue(v uint8) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.syncStartValue = v
}

// SetOperational starts or stops the event/inhibit timers per CiA-301's "no
// cyclic activity while not operational" rule.
func (t *TPDO) SetOperational(operational bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.operational = operational
	if operational {
		t.restartEventTimerLocked()
		return
	}
	if t.timerEvent != nil {
		t.timerEvent.Stop()
	}
	if t.timerInhibit != nil {
		t.timerInhibit.Stop()
	}
	t.inhibitActive = false
}

// Start subscribes to SYNC ticks when the transmission type calls for it.
func (t *TPDO) Start(src SyncSource) {
	t.mu.Lock()
	transmissionType := t.transmissionType
	t.mu.Unlock()
	if transmissionType >= TransmissionTypeSyncEventLo || src == nil {
		return
	}
	ch, cancel := src.Subscribe()
	t.mu.Lock()
	t.sync = src
	t.syncCh = ch
	t.syncCancel = cancel
	t.mu.Unlock()
	go t.syncHandler(ch)
}

func (t *TPDO) Stop() {
	t.mu.Lock()
	cancel := t.syncCancel
	t.syncCancel = nil
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (t *TPDO) syncHandler(ch <-chan uint8) {
	for counter := range ch {
		t.mu.Lock()
		isAcyclic := t.transmissionType == TransmissionTypeSyncAcyclic
		if isAcyclic && t.sendRequest {
			t.mu.Unlock()
			_ = t.send()
			continue
		}

		if t.syncCounter == SyncCounterReset {
			if t.syncStartValue != 0 {
				t.syncCounter = SyncCounterWaitForStart
			} else {
				t.syncCounter = t.transmissionType
			}
		}

		switch t.syncCounter {
		case SyncCounterWaitForStart:
			if counter == t.syncStartValue {
				t.syncCounter = t.transmissionType
				t.mu.Unlock()
				_ = t.send()
				continue
			}
		case 1:
			t.syncCounter = t.transmissionType
			t.mu.Unlock()
			_ = t.send()
			continue
		default:
			t.syncCounter--
		}
		t.mu.Unlock()
	}
}
