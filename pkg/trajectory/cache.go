package trajectory

// cacheCapacity is the resend cache's fixed size. Spec §4.7's cache
// contract requires "implementation >= 32"; AmpPVT.cpp's PvtSegCache uses
// PVTCACHESIZE == 32.
const cacheCapacity = 32

// segmentCache is a fixed-size ring of recently-sent segments keyed by
// contiguous segment id, used to resend segments a drive reports lost to a
// sequence error without re-querying the generator. Grounded in
// AmpPVT.cpp's PvtSegCache::AddSegment/GetSegment/GetPosition: oldest id
// plus an index-of-oldest ("top") and a count ("ct"), so the ring can wrap
// without shifting any entries.
type segmentCache struct {
	segs      [cacheCapacity][8]byte
	positions [cacheCapacity]int32
	oldest    uint16
	top       int
	count     int
}

// newSegmentCache returns an empty cache.
func newSegmentCache() *segmentCache {
	return &segmentCache{}
}

// Clear empties the cache. Called whenever a gap breaks id contiguity, or
// whenever the on-board buffer is flushed.
func (c *segmentCache) Clear() {
	c.top = 0
	c.count = 0
}

// Add records seg (whose encoded position is pos) under id. Per spec's
// cache contract, ids must be contiguous: any id that doesn't extend the
// run immediately following oldest forces a clear before caching seg as
// the new run's start.
func (c *segmentCache) Add(id uint16, seg [8]byte, pos int32) {
	if c.count == 0 {
		c.oldest = id
	} else if id != c.oldest+uint16(c.count) {
		c.Clear()
		c.oldest = id
	}

	var slot int
	if c.count < cacheCapacity {
		slot = c.count
		c.count++
	} else {
		// full: the new entry takes the physical slot the evicted oldest
		// entry vacates, then the ring's head advances to the new oldest.
		c.oldest++
		slot = c.top
		c.top++
		if c.top == cacheCapacity {
			c.top = 0
		}
	}
	c.segs[slot] = seg
	c.positions[slot] = pos
}

// slotFor returns the ring index for id and whether id currently falls
// within the cached run.
func (c *segmentCache) slotFor(id uint16) (int, bool) {
	offset := int(int16(id - c.oldest))
	if offset < 0 || offset >= c.count {
		return 0, false
	}
	slot := offset + c.top
	if slot >= cacheCapacity {
		slot -= cacheCapacity
	}
	return slot, true
}

// Get returns the segment cached under id.
func (c *segmentCache) Get(id uint16) ([8]byte, bool) {
	slot, ok := c.slotFor(id)
	if !ok {
		return [8]byte{}, false
	}
	return c.segs[slot], true
}

// GetPosition returns the absolute position the segment cached under id
// encoded (needed to reconstruct the relative-position chain across a
// resend).
func (c *segmentCache) GetPosition(id uint16) (int32, bool) {
	slot, ok := c.slotFor(id)
	if !ok {
		return 0, false
	}
	return c.positions[slot], true
}
