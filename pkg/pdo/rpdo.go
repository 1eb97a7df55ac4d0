package pdo

import (
	"sync"
	"time"

	"github.com/samsamfire/cmlgo/pkg/sdo"
	"github.com/sirupsen/logrus"
)

// RPDO is a CAN receive PDO: frames arrive from the fabric's dispatch table
// (keyed by CAN id) and are sliced across the mapping in order, adapted
// from pkg/pdo/rpdo.go.
type RPDO struct {
	mu sync.Mutex

	mapping *Mapping
	logger  *logrus.Entry

	id          uint32
	valid       bool
	synchronous bool
	operational bool

	rxData    []byte
	timeoutRx time.Duration
	timer     *time.Timer
	inTimeout bool

	onReceived func()
	onTimeout  func()

	sync       SyncSource
	syncCancel func()
}

func NewRPDO(id uint32, capacityBytes int, logger *logrus.Entry) *RPDO {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &RPDO{
		mapping: NewMapping(capacityBytes),
		logger:  logger.WithField("component", "pdo.RPDO"),
		id:      id,
	}
}

func (r *RPDO) Mapping() *Mapping { return r.mapping }

// OnReceived registers a hook invoked after a frame has been applied to the
// mapping (spec §4.6's "calls a virtual received() hook").
func (r *RPDO) OnReceived(fn func()) { r.onReceived = fn }

// OnTimeout registers a hook invoked when the event timer expires without a
// new frame arriving.
func (r *RPDO) OnTimeout(fn func()) { r.onTimeout = fn }

// Enable programs the remote drive's mapping/communication objects via SDO,
// mirroring TPDO.Enable's bracket.
func (r *RPDO) Enable(engine *sdo.Engine, commIndex, mapIndex uint16, transmissionType uint8, eventTimeMs uint16) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := engine.WriteUint32(commIndex, 1, r.id|0x80000000); err != nil {
		return err
	}
	if err := engine.WriteUint8(mapIndex, 0, 0); err != nil {
		return err
	}
	vars := r.mapping.Vars()
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
	if err := engine.WriteUint32(commIndex, 1, r.id&^uint32(0x80000000)); err != nil {
		return err
	}

	r.synchronous = transmissionType <= TransmissionTypeSync240
	r.timeoutRx = time.Duration(eventTimeMs) * time.Millisecond
	r.valid = true
	return nil
}

func (r *RPDO) Disable() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.valid = false
}

// Receive is called by the fabric dispatcher when a frame matching this
// RPDO's id arrives.
func (r *RPDO) Receive(data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.valid || !r.operational {
		return nil
	}
	if r.mapping.TotalBytes() > len(data) {
		return ErrFrameTooShort
	}

	r.restartTimeoutTimerLocked()
	r.inTimeout = false

	if !r.synchronous {
		r.applyLocked(data)
		return nil
	}
	r.rxData = append([]byte(nil), data...)
	return nil
}

// deliverSync is called on every SYNC tick (synchronous RPDOs only), moving
// the last-buffered frame into the mapping.
func (r *RPDO) deliverSync() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rxData == nil {
		return
	}
	r.applyLocked(r.rxData)
	r.rxData = nil
}

func (r *RPDO) applyLocked(data []byte) {
	offset := 0
	for _, v := range r.mapping.Vars() {
		n := v.Size()
		v.Write(data[offset : offset+n])
		offset += n
	}
	if r.onReceived != nil {
		r.onReceived()
	}
}

func (r *RPDO) restartTimeoutTimerLocked() {
	if r.timeoutRx == 0 {
		return
	}
	if r.timer == nil {
		r.timer = time.AfterFunc(r.timeoutRx, r.timeoutHandler)
	} else {
		r.timer.Reset(r.timeoutRx)
	}
}

func (r *RPDO) timeoutHandler() {
	r.mu.Lock()
	operational := r.operational
	r.inTimeout = true
	hook := r.onTimeout
	r.mu.Unlock()
	if operational && hook != nil {
		hook()
	}
}

// Start subscribes to SYNC ticks for synchronous RPDOs.
func (r *RPDO) Start(src SyncSource) {
	r.mu.Lock()
	synchronous := r.synchronous
	r.mu.Unlock()
	if !synchronous || src == nil {
		return
	}
	ch, cancel := src.Subscribe()
	r.mu.Lock()
	r.sync = src
	r.syncCancel = cancel
	r.mu.Unlock()
	go func() {
		for range ch {
			r.deliverSync()
		}
	}()
}

func (r *RPDO) Stop() {
	r.mu.Lock()
	cancel := r.syncCancel
	r.syncCancel = nil
	if r.timer != nil {
		r.timer.Stop()
	}
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (r *RPDO) SetOperational(operational bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.operational = operational
	if !operational {
		if r.timer != nil {
			r.timer.Stop()
		}
		r.inTimeout = false
		r.rxData = nil
	}
}
