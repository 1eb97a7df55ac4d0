package trajectory

import "testing"

func TestEncodePVTAbsolute(t *testing.T) {
	buf, lastPos, err := EncodePVT(3, 1000, 2000, 10, 0)
	if err != nil {
		t.Fatalf("EncodePVT: %v", err)
	}
	if buf[0]&0x07 != 3 {
		t.Fatalf("seg id nibble = %d, want 3", buf[0]&0x07)
	}
	if buf[0]&flagRelativePos != 0 {
		t.Fatal("absolute position should not set the relative flag")
	}
	if lastPos != 1000 {
		t.Fatalf("lastPos = %d, want 1000", lastPos)
	}
}

func TestEncodePVTRelativeFallback(t *testing.T) {
	big := int32(0x00900000) // just over the 24-bit absolute range
	buf, _, err := EncodePVT(1, big, 0, 10, big-10)
	if err != nil {
		t.Fatalf("EncodePVT: %v", err)
	}
	if buf[0]&flagRelativePos == 0 {
		t.Fatal("expected the relative-position flag to be set")
	}
}

func TestEncodePVTPositionOverflow(t *testing.T) {
	big := int32(0x00900000)
	_, _, err := EncodePVT(1, big, 0, 10, 0)
	if err != ErrSegmentPosition {
		t.Fatalf("err = %v, want ErrSegmentPosition", err)
	}
}

func TestEncodePVTLowResVelocity(t *testing.T) {
	vel := int32(0x00900000) // overflows 24-bit directly, fits after /100
	buf, _, err := EncodePVT(1, 0, vel, 10, 0)
	if err != nil {
		t.Fatalf("EncodePVT: %v", err)
	}
	if buf[0]&flagLowResVelocity == 0 {
		t.Fatal("expected the low-resolution-velocity flag to be set")
	}
}

func TestEncodePVTVelocityOverflow(t *testing.T) {
	vel := int32(0x7FFFFFFF) // overflows even after /100 rescale
	_, _, err := EncodePVT(1, 0, vel, 10, 0)
	if err != ErrSegmentVelocity {
		t.Fatalf("err = %v, want ErrSegmentVelocity", err)
	}
}

func TestEncodePTFormatSelector(t *testing.T) {
	buf := EncodePT(2, 123456, 5)
	if buf[0] != byte(2)|formatPT {
		t.Fatalf("buf[0] = %#x, want %#x", buf[0], byte(2)|formatPT)
	}
	if buf[1] != 5 {
		t.Fatalf("time byte = %d, want 5", buf[1])
	}
}

func TestDecodeBufferStatus(t *testing.T) {
	word := uint32(0x8A_7C_0010) // empty=1, errors=0x0A (masked to 7 bits), free=0x7C, next=0x0010
	status := DecodeBufferStatus(word)
	if status.NextExpected != 0x0010 {
		t.Fatalf("NextExpected = %#x, want 0x0010", status.NextExpected)
	}
	if status.FreeSlots != 0x7C {
		t.Fatalf("FreeSlots = %#x, want 0x7C", status.FreeSlots)
	}
	if status.ErrorFlags != 0x0A {
		t.Fatalf("ErrorFlags = %#x, want 0x0A", status.ErrorFlags)
	}
	if !status.Empty {
		t.Fatal("expected Empty = true")
	}
}

// --- cache ---

func TestCacheRoundTrip(t *testing.T) {
	c := newSegmentCache()
	c.Add(10, [8]byte{1}, 100)
	c.Add(11, [8]byte{2}, 200)
	c.Add(12, [8]byte{3}, 300)

	seg, ok := c.Get(11)
	if !ok || seg[0] != 2 {
		t.Fatalf("Get(11) = %v, %v", seg, ok)
	}
	pos, ok := c.GetPosition(12)
	if !ok || pos != 300 {
		t.Fatalf("GetPosition(12) = %d, %v", pos, ok)
	}
	if _, ok := c.Get(13); ok {
		t.Fatal("Get(13) should miss: never added")
	}
}

func TestCacheGapForcesClear(t *testing.T) {
	c := newSegmentCache()
	c.Add(10, [8]byte{1}, 100)
	c.Add(11, [8]byte{2}, 200)
	c.Add(20, [8]byte{3}, 300) // gap: 20 != 10+2

	if _, ok := c.Get(10); ok {
		t.Fatal("Get(10) should miss: a gap must clear the prior run")
	}
	seg, ok := c.Get(20)
	if !ok || seg[0] != 3 {
		t.Fatalf("Get(20) = %v, %v", seg, ok)
	}
}

func TestCacheEvictsOldestOnOverflow(t *testing.T) {
	c := newSegmentCache()
	for i := 0; i < cacheCapacity+5; i++ {
		c.Add(uint16(i), [8]byte{byte(i)}, int32(i))
	}
	if _, ok := c.Get(0); ok {
		t.Fatal("Get(0) should have been evicted")
	}
	last := uint16(cacheCapacity + 4)
	seg, ok := c.Get(last)
	if !ok || seg[0] != byte(last) {
		t.Fatalf("Get(%d) = %v, %v", last, seg, ok)
	}
	if c.count != cacheCapacity {
		t.Fatalf("count = %d, want %d", c.count, cacheCapacity)
	}
}

// --- credit arithmetic: spec §9's 16-bit modular arithmetic boundary ---

func TestCreditForCrossesUint16Boundary(t *testing.T) {
	// headID has already wrapped past 0xFFFF while nextExpected has not
	// caught up yet; the forward distance is 0x15 (21), not a huge
	// negative number, only if the subtraction wraps as uint16.
	headID := uint16(0x0005)
	nextExpected := uint16(0xFFF0)
	credit := creditFor(32, headID, nextExpected)
	want := 32 - 0x15
	if credit != want {
		t.Fatalf("creditFor = %d, want %d", credit, want)
	}
}

func TestCreditForNoOutstanding(t *testing.T) {
	if got := creditFor(10, 5, 5); got != 10 {
		t.Fatalf("creditFor = %d, want 10", got)
	}
}

func TestCreditForClampsNegative(t *testing.T) {
	if got := creditFor(2, 20, 5); got != 0 {
		t.Fatalf("creditFor = %d, want 0 (clamped)", got)
	}
}

// --- streamer ---

// fakeSource hands out a fixed sequence of segments, recording whether
// Finish was called.
type fakeSource struct {
	segs     []Segment
	i        int
	useVel   bool
	maxPts   int
	finished bool
}

func (s *fakeSource) StartNew() error              { s.i = 0; return nil }
func (s *fakeSource) UseVelocityInfo() bool        { return s.useVel }
func (s *fakeSource) MaximumBufferPointsToUse() int { return s.maxPts }
func (s *fakeSource) Finish()                      { s.finished = true }
func (s *fakeSource) Next() (Segment, error) {
	if s.i >= len(s.segs) {
		return Segment{}, ErrNoneAvailable
	}
	seg := s.segs[s.i]
	s.i++
	return seg, nil
}

func genSegments(n int) []Segment {
	out := make([]Segment, n)
	for k := 0; k < n; k++ {
		timeMs := uint8(10)
		if k == n-1 {
			timeMs = 0
		}
		out[k] = Segment{Pos: int32(1000 * k), Vel: 500, TimeMs: timeMs}
	}
	return out
}

// recordingLink collects every [8]byte written through it, in order.
type recordingLink struct {
	frames [][8]byte
}

func (r *recordingLink) write(b [8]byte) error {
	r.frames = append(r.frames, b)
	return nil
}

// TestStreamerPrimeAndRefill exercises spec §8 scenario 3: a drive
// reporting 32 free slots, a 100-segment move, initial burst capped at 32
// via SDO, then refills via the cyclic link as status reports free slots.
func TestStreamerPrimeAndRefill(t *testing.T) {
	src := &fakeSource{segs: genSegments(100), useVel: true}
	sdo := &recordingLink{}
	cyclic := &recordingLink{}
	s := NewStreamer(src, sdo.write, cyclic.write)

	status := BufferStatus{NextExpected: 0, FreeSlots: 32, Empty: true}
	if err := s.Start(func() (BufferStatus, error) { return status, nil }); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Prime(); err != nil {
		t.Fatalf("Prime: %v", err)
	}
	if len(sdo.frames) != 32 {
		t.Fatalf("primed %d segments via SDO, want 32", len(sdo.frames))
	}
	if len(cyclic.frames) != 0 {
		t.Fatal("Prime must never write through the cyclic link")
	}

	// Drive reports progress: next_expected advances to 10, 30 free slots
	// (headID 32 - nextExpected 10 = 22 outstanding, so credit = 30-22 = 8).
	status = BufferStatus{NextExpected: 10, FreeSlots: 30}
	if err := s.Refill(status); err != nil {
		t.Fatalf("Refill: %v", err)
	}
	if len(cyclic.frames) == 0 {
		t.Fatal("Refill should have written new segments through the cyclic link")
	}
	if s.segID != 32+uint16(len(cyclic.frames)) {
		t.Fatalf("segID = %d, want %d", s.segID, 32+uint16(len(cyclic.frames)))
	}

	// Drain the rest of the move.
	for i := 0; i < 20 && !s.Done(); i++ {
		status.NextExpected = s.segID - 2
		status.FreeSlots = 30
		if err := s.Refill(status); err != nil {
			t.Fatalf("Refill: %v", err)
		}
	}
	if !s.Done() {
		t.Fatal("streamer never reached the terminal segment")
	}
	if !src.finished {
		t.Fatal("source.Finish was never called")
	}
}

// TestStreamerDroppedSegmentRecovery exercises spec §8 scenario 4: after
// segment 50, the drive reports a sequence error with next_expected=48;
// the streamer must clear the error, resend 48 and 49 from its cache, then
// resume generating from 50.
func TestStreamerDroppedSegmentRecovery(t *testing.T) {
	src := &fakeSource{segs: genSegments(100), useVel: true}
	sdo := &recordingLink{}
	cyclic := &recordingLink{}
	s := NewStreamer(src, sdo.write, cyclic.write)

	status := BufferStatus{NextExpected: 0, FreeSlots: 32, Empty: true}
	if err := s.Start(func() (BufferStatus, error) { return status, nil }); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Prime(); err != nil {
		t.Fatalf("Prime: %v", err)
	}

	// Advance segID to 50 with one error-free refill: headID 32 -
	// nextExpected 20 = 12 outstanding, so 30 free slots give a credit of 18
	// (segments 32..49).
	status = BufferStatus{NextExpected: 20, FreeSlots: 30}
	if err := s.Refill(status); err != nil {
		t.Fatalf("Refill: %v", err)
	}
	if s.segID != 50 {
		t.Fatalf("segID = %d, want 50", s.segID)
	}
	want48, _ := s.cache.Get(48)
	want49, _ := s.cache.Get(49)

	sdoCountBefore := len(sdo.frames)
	cyclicCountBefore := len(cyclic.frames)

	// Sequence error: drive wants resend starting at 48.
	status = BufferStatus{NextExpected: 48, FreeSlots: 30, ErrorFlags: ErrFlagSequence}
	if err := s.Refill(status); err != nil {
		t.Fatalf("Refill (sequence error): %v", err)
	}
	if !s.useCache || s.cacheID != 48 {
		t.Fatalf("useCache=%v cacheID=%d, want useCache=true cacheID=48", s.useCache, s.cacheID)
	}
	if len(sdo.frames) != sdoCountBefore+1 {
		t.Fatalf("expected exactly one clear-errors SDO write, got %d new", len(sdo.frames)-sdoCountBefore)
	}
	if sdo.frames[len(sdo.frames)-1][0] != opClearErrors {
		t.Fatal("expected the new SDO write to be a clear-errors command")
	}
	if len(cyclic.frames) != cyclicCountBefore {
		t.Fatal("the sequence-error round must not send any segments yet")
	}

	// Next status: no more errors, drive has room. Resend kicks in.
	segIDAtError := s.segID
	status = BufferStatus{NextExpected: 48, FreeSlots: 30}
	if err := s.Refill(status); err != nil {
		t.Fatalf("Refill (resend): %v", err)
	}
	if s.useCache {
		t.Fatal("cache resend should have caught up to segID and cleared useCache")
	}
	if s.segID <= segIDAtError {
		t.Fatal("expected fresh segments to be generated after the cache resend caught up")
	}
	resent := cyclic.frames[cyclicCountBefore:]
	if len(resent) < 3 || resent[0] != want48 || resent[1] != want49 || resent[2][0]&0x07 != 50&7 {
		t.Fatalf("expected cached 48, 49 then fresh 50, got %v", resent)
	}
}

func TestStreamerStartRequiresTwoFreeSlots(t *testing.T) {
	src := &fakeSource{segs: genSegments(1), useVel: true}
	sdo := &recordingLink{}
	cyclic := &recordingLink{}
	s := NewStreamer(src, sdo.write, cyclic.write)

	status := BufferStatus{NextExpected: 0, FreeSlots: 1, Empty: true}
	err := s.Start(func() (BufferStatus, error) { return status, nil })
	if err != ErrBufferTooSmall {
		t.Fatalf("err = %v, want ErrBufferTooSmall", err)
	}
}

func TestStreamerStartFlushesWhenNotEmpty(t *testing.T) {
	src := &fakeSource{segs: genSegments(1), useVel: true}
	sdo := &recordingLink{}
	cyclic := &recordingLink{}
	s := NewStreamer(src, sdo.write, cyclic.write)

	calls := 0
	err := s.Start(func() (BufferStatus, error) {
		calls++
		if calls == 1 {
			return BufferStatus{FreeSlots: 10, Empty: false}, nil
		}
		return BufferStatus{FreeSlots: 10, Empty: true}, nil
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if len(sdo.frames) != 1 || sdo.frames[0][0] != opFlush {
		t.Fatalf("expected a single flush command, got %v", sdo.frames)
	}
	if len(cyclic.frames) != 0 {
		t.Fatal("Start must never write through the cyclic link")
	}
}

func TestStreamerUnderflowFinishesMove(t *testing.T) {
	src := &fakeSource{segs: genSegments(5), useVel: true}
	sdo := &recordingLink{}
	cyclic := &recordingLink{}
	s := NewStreamer(src, sdo.write, cyclic.write)

	status := BufferStatus{FreeSlots: 32, Empty: true}
	if err := s.Start(func() (BufferStatus, error) { return status, nil }); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Refill(BufferStatus{ErrorFlags: ErrFlagUnderflow}); err != nil {
		t.Fatalf("Refill: %v", err)
	}
	if !s.Done() || !src.finished {
		t.Fatal("underflow must mark the streamer done and release the source")
	}
}
