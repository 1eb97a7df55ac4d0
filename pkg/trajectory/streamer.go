package trajectory

import "errors"

// maxSegXfer bounds how many segments are ever sent in a single prime or
// refill round, AmpPVT.cpp's MAX_SEG_XFER.
const maxSegXfer = 32

// ErrBufferTooSmall is returned by Start when the drive reports fewer than
// two free slots after clearing errors and flushing, spec §4.7: "require
// buf_size >= 2 else fail".
var ErrBufferTooSmall = errors.New("trajectory: drive buffer has fewer than 2 free slots")

// Streamer runs the Start/Prime/Run/Refill-on-status state machine that
// keeps a drive's on-board trajectory buffer primed from a Source, spec
// §4.7. Grounded in AmpPVT.cpp's Amp::SendTrajectory/PvtStatusUpdate.
//
// Segments are always written through sdoWrite during Start/Prime (spec
// §4.7: "send via SDO, not PDO, to simplify error handling on the first
// burst"); Refill writes through refillWrite, which the caller sets to the
// node's cyclic PDO writer on CAN or back to the mailbox SDO link on
// EtherCAT (spec §4.7: "refill... via PDO, or SDO on Ethernet").
type Streamer struct {
	source Source
	cache  *segmentCache

	sdoWrite    func([8]byte) error
	refillWrite func([8]byte) error

	ringCapacity     int
	maxSendPerStatus int

	bufSize      int
	segID        uint16
	useCache     bool
	cacheID      uint16
	done         bool
	lastPos      int32
	firstSegment bool
}

// NewStreamer returns a Streamer pulling segments from source. sdoWrite
// carries Start/Prime traffic and control commands (flush, clear-errors);
// refillWrite carries Refill traffic.
func NewStreamer(source Source, sdoWrite, refillWrite func([8]byte) error) *Streamer {
	return &Streamer{
		source:           source,
		cache:            newSegmentCache(),
		sdoWrite:         sdoWrite,
		refillWrite:      refillWrite,
		ringCapacity:     cacheCapacity,
		maxSendPerStatus: maxSegXfer,
	}
}

// Done reports whether the active move has sent its terminal segment or
// was aborted.
func (s *Streamer) Done() bool { return s.done }

// Start brings the drive's buffer to a known-empty state and records its
// free-slot count as the working buffer size, spec §4.7's Start step.
// queryStatus uploads the current buffer status word (e.g. via an SDO
// upload of the status object).
func (s *Streamer) Start(queryStatus func() (BufferStatus, error)) error {
	status, err := queryStatus()
	if err != nil {
		return err
	}

	if status.ErrorFlags != 0 {
		if err := s.sdoWrite(EncodeClearErrors(status.ErrorFlags)); err != nil {
			return err
		}
		if status, err = queryStatus(); err != nil {
			return err
		}
	}

	if !status.Empty {
		if err := s.sdoWrite(EncodeFlush()); err != nil {
			return err
		}
		if status, err = queryStatus(); err != nil {
			return err
		}
	}

	if status.FreeSlots < 2 {
		return ErrBufferTooSmall
	}

	s.bufSize = int(status.FreeSlots)
	s.segID = status.NextExpected
	s.useCache = false
	s.done = false
	s.firstSegment = true
	s.cache.Clear()
	return s.source.StartNew()
}

// Prime sends the initial burst of segments over SDO, up to the smallest
// of the drive's free slots, the source's requested usage, the local
// cache's capacity, and maxSegXfer, spec §4.7's Prime step.
func (s *Streamer) Prime() error {
	n := s.primeCount()
	useVel := s.source.UseVelocityInfo()
	for i := 0; i < n && !s.done; i++ {
		seg, err := s.source.Next()
		if err == ErrNoneAvailable {
			break
		}
		if err != nil {
			return err
		}
		if err := s.sendSegment(seg, useVel, true); err != nil {
			return err
		}
	}
	return nil
}

func (s *Streamer) primeCount() int {
	n := s.bufSize
	if max := s.source.MaximumBufferPointsToUse(); max > 0 && max < n {
		n = max
	}
	if n > s.ringCapacity {
		n = s.ringCapacity
	}
	if n > maxSegXfer {
		n = maxSegXfer
	}
	return n
}

// sendSegment formats seg, emitting an initial-position header first if
// the very first segment of the move doesn't fit the normal encoding, then
// caches and writes it through sdoWrite (viaSDO) or refillWrite.
func (s *Streamer) sendSegment(seg Segment, useVel, viaSDO bool) error {
	write := s.refillWrite
	if viaSDO {
		write = s.sdoWrite
	}

	if s.firstSegment {
		s.firstSegment = false
		if useVel && !fits24(seg.Pos) {
			if err := write(EncodeInitialPosition(s.segID, seg.Pos)); err != nil {
				return err
			}
			s.lastPos = seg.Pos
			s.segID++
		}
	}

	var buf [8]byte
	var err error
	if useVel {
		buf, _, err = EncodePVT(s.segID, seg.Pos, seg.Vel, seg.TimeMs, s.lastPos)
	} else {
		buf = EncodePT(s.segID, seg.Pos, seg.TimeMs)
	}
	if err != nil {
		return err
	}

	s.cache.Add(s.segID, buf, seg.Pos)
	if err := write(buf); err != nil {
		return err
	}
	s.lastPos = seg.Pos
	s.segID++
	if seg.TimeMs == 0 {
		s.done = true
		s.source.Finish()
	}
	return nil
}

// creditFor computes how many new segments the drive has room for, spec
// §9's Open Question: headID and nextExpected are both taken mod 2^16 and
// the subtraction is explicit uint16 modular arithmetic so it is correct
// across the 0xFFFF -> 0 rollover.
func creditFor(free uint8, headID, nextExpected uint16) int {
	outstanding := uint16(headID - nextExpected)
	credit := int(free) - int(outstanding)
	if credit < 0 {
		credit = 0
	}
	return credit
}

// ActiveSegment returns the id of the segment currently executing on the
// drive, spec §4.7: "active_seg = next_expected - buf_size + free_slots -
// 1", computed in uint16 modular arithmetic.
func (s *Streamer) ActiveSegment(status BufferStatus) uint16 {
	return status.NextExpected - uint16(s.bufSize) + uint16(status.FreeSlots) - 1
}

// Refill reacts to a buffer-status update: it detects underflow (the move
// is over, successfully or not) and sequence errors (a segment was lost,
// switch to resending from the cache), and otherwise tops the buffer back
// up from the cache (if resending) then the source, spec §4.7's Refill
// step.
func (s *Streamer) Refill(status BufferStatus) error {
	if status.ErrorFlags&ErrFlagUnderflow != 0 {
		s.done = true
		s.source.Finish()
		return nil
	}

	if status.ErrorFlags&ErrFlagSequence != 0 {
		if err := s.sdoWrite(EncodeClearErrors(ErrFlagSequence)); err != nil {
			return err
		}
		s.useCache = true
		s.cacheID = status.NextExpected
		return nil
	}

	headID := s.segID
	if s.useCache {
		headID = s.cacheID
	}
	credit := creditFor(status.FreeSlots, headID, status.NextExpected)
	credit = s.clampCredit(credit)

	useVel := s.source.UseVelocityInfo()
	for i := 0; i < credit; i++ {
		if s.useCache {
			if done, err := s.resendOne(); done || err != nil {
				return err
			}
			continue
		}
		if s.done {
			break
		}
		seg, err := s.source.Next()
		if err == ErrNoneAvailable {
			break
		}
		if err != nil {
			return err
		}
		if err := s.sendSegment(seg, useVel, false); err != nil {
			// format failure during refill: flush and release, spec §4.7.
			_ = s.sdoWrite(EncodeFlush())
			s.done = true
			s.source.Finish()
			return err
		}
	}
	return nil
}

func (s *Streamer) clampCredit(credit int) int {
	if max := s.source.MaximumBufferPointsToUse(); max > 0 && max < s.bufSize {
		credit -= s.bufSize - max
		if credit < 0 {
			credit = 0
		}
	}
	if s.maxSendPerStatus > 0 && credit > s.maxSendPerStatus {
		credit = s.maxSendPerStatus
	}
	if credit > s.ringCapacity {
		credit = s.ringCapacity
	}
	if credit > maxSegXfer {
		credit = maxSegXfer
	}
	return credit
}

// resendOne resends the segment cached under cacheID. A cache miss means
// the gap already evicted what we needed: the move can't be recovered, so
// it is flushed and released. Returns done=true after such a flush or a
// failed write; catching up to segID clears useCache and returns
// done=false, so the caller's round goes on with fresh segments.
func (s *Streamer) resendOne() (done bool, err error) {
	buf, ok := s.cache.Get(s.cacheID)
	if !ok {
		if werr := s.sdoWrite(EncodeFlush()); werr != nil {
			return true, werr
		}
		s.done = true
		s.source.Finish()
		return true, nil
	}
	if err := s.refillWrite(buf); err != nil {
		return true, err
	}
	s.cacheID++
	if s.cacheID == s.segID {
		s.useCache = false
	}
	return false, nil
}

// Abort flushes the drive's buffer and releases the source, spec §4.7's
// "On abort notification" step.
func (s *Streamer) Abort() error {
	if err := s.sdoWrite(EncodeFlush()); err != nil {
		return err
	}
	s.done = true
	s.source.Finish()
	return nil
}
