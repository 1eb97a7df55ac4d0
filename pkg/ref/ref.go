// Package ref implements a process-wide (but application-instantiated, see
// [Table]) reference table providing O(1) handle to object resolution, with
// lock/unlock for safe concurrent access to objects that can be torn down
// asynchronously from another goroutine.
//
// This is new relative to the teacher repo, which manages object sharing
// directly via Go's garbage collector and sync.Mutex per object. The spec
// requires explicit handle-based lifetimes (teardown must wait for
// outstanding locks before releasing the owner), so this package gives every
// other component in the module - nodes, PDOs, trajectory segment owners,
// EtherCAT pending-frame slots - one place to get that behavior from,
// following the teacher's logging-and-proceeding shutdown idiom
// (Network.Disconnect stops controllers without a hard failure if one
// doesn't exit cleanly) for the "still locked at shutdown" case.
package ref

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Handle is a 1-based identifier for a heap object owned by a Table. The
// zero Handle is never valid.
type Handle uint32

const recordsPerBlock = 1024
const maxBlocks = 1024

// record is one slot of the table. next is reused as the free-list link when
// the slot is not in use, per the spec's "freed records go on a singly
// linked free list using the record slot itself".
type record struct {
	owner      any
	name       string
	strong     int32
	locks      int32
	autoDelete bool
	next       Handle // free-list link when owner == nil && strong == 0
}

// Table is a reference table. The zero value is not usable; use [NewTable].
// An application may instantiate as many Tables as it needs - there is no
// hidden process-global singleton, matching the spec's Design Notes on
// avoiding global mutable state.
type Table struct {
	mu        sync.Mutex
	blocks    []*[recordsPerBlock]record
	freeHead  Handle
	highWater Handle
	logger    *logrus.Entry
}

// Deleter is implemented by owners that want cleanup invoked when their last
// strong reference is released with autodelete enabled.
type Deleter interface {
	Delete()
}

// NewTable creates an empty reference table.
func NewTable(logger *logrus.Entry) *Table {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Table{logger: logger.WithField("component", "ref.Table")}
}

func (t *Table) slot(h Handle) *record {
	idx := int(h - 1)
	block := idx / recordsPerBlock
	off := idx % recordsPerBlock
	return &t.blocks[block][off]
}

// Acquire allocates a new handle for obj with one strong reference and
// returns it. A zero handle indicates allocation failure (block capacity
// exhausted), which is logged.
func (t *Table) Acquire(obj any, name string) Handle {
	t.mu.Lock()
	defer t.mu.Unlock()

	var h Handle
	if t.freeHead != 0 {
		h = t.freeHead
		rec := t.slot(h)
		t.freeHead = rec.next
	} else {
		if int(t.highWater) >= recordsPerBlock*len(t.blocks) {
			if len(t.blocks) >= maxBlocks {
				t.logger.Error("reference table exhausted, cannot allocate new handle")
				return 0
			}
			var block [recordsPerBlock]record
			t.blocks = append(t.blocks, &block)
		}
		t.highWater++
		h = t.highWater
	}

	rec := t.slot(h)
	*rec = record{owner: obj, name: name, strong: 1}
	return h
}

// Lock returns the object iff handle is live and its owner pointer is
// non-nil, incrementing the lock count on success. Callers must call Unlock
// exactly once for every successful Lock.
func (t *Table) Lock(h Handle) (any, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.isLive(h) {
		return nil, false
	}
	rec := t.slot(h)
	if rec.owner == nil {
		return nil, false
	}
	rec.locks++
	return rec.owner, true
}

// Unlock releases a lock taken by Lock.
func (t *Table) Unlock(h Handle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.isLive(h) {
		return
	}
	rec := t.slot(h)
	if rec.locks > 0 {
		rec.locks--
	}
}

// Retain increments the strong reference count of a live handle.
func (t *Table) Retain(h Handle) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.isLive(h) {
		return false
	}
	t.slot(h).strong++
	return true
}

// Release drops one strong reference. If it reaches zero and autodelete is
// set, the owner's Delete method (if implemented) is invoked, decrement
// first, then delete, per spec ordering, and the handle is returned to the
// free list.
func (t *Table) Release(h Handle) {
	t.mu.Lock()
	rec := t.validSlot(h)
	if rec == nil {
		t.mu.Unlock()
		return
	}
	rec.strong--
	remaining := rec.strong
	autoDelete := rec.autoDelete
	owner := rec.owner
	if remaining <= 0 {
		t.free(h)
	}
	t.mu.Unlock()

	if remaining <= 0 && autoDelete {
		if d, ok := owner.(Deleter); ok {
			d.Delete()
		}
	}
}

// SetAutoDelete configures whether releasing the last strong reference to h
// invokes the owner's Delete method.
func (t *Table) SetAutoDelete(h Handle, enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rec := t.validSlot(h); rec != nil {
		rec.autoDelete = enabled
	}
}

// destroyPollInterval and destroyTimeout bound how long Destroy waits for
// outstanding locks to drain before giving up and logging an Error-level
// record, per spec ~1ms / ~2s.
const destroyPollInterval = time.Millisecond
const destroyTimeout = 2 * time.Second

// Destroy clears the owner pointer immediately (so no new Lock can succeed)
// then busy-waits, bounded by destroyTimeout, for the lock count to reach
// zero. If the bound is exceeded it logs at Error level and proceeds anyway
// - this defends against deadlock at shutdown at the cost of a dangling
// lock, matching CML's own behavior.
func (t *Table) Destroy(h Handle) {
	t.mu.Lock()
	rec := t.validSlot(h)
	if rec == nil {
		t.mu.Unlock()
		return
	}
	rec.owner = nil
	t.mu.Unlock()

	deadline := time.Now().Add(destroyTimeout)
	for {
		t.mu.Lock()
		rec := t.validSlot(h)
		if rec == nil {
			t.mu.Unlock()
			return
		}
		locks := rec.locks
		t.mu.Unlock()
		if locks == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.logger.WithField("handle", h).Error("reference still locked at destroy deadline, proceeding anyway")
			break
		}
		time.Sleep(destroyPollInterval)
	}

	t.mu.Lock()
	if rec := t.validSlot(h); rec != nil && rec.strong <= 0 {
		t.free(h)
	}
	t.mu.Unlock()
}

// Dump returns a snapshot of all live handles and their debug names, for
// diagnostics.
func (t *Table) Dump() map[Handle]string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := map[Handle]string{}
	for h := Handle(1); h <= t.highWater; h++ {
		rec := t.slot(h)
		if rec.strong > 0 {
			name := rec.name
			if name == "" {
				name = fmt.Sprintf("<handle %d>", h)
			}
			out[h] = name
		}
	}
	return out
}

// isLive reports whether h currently addresses an allocated (not on the free
// list) record. Caller must hold t.mu.
func (t *Table) isLive(h Handle) bool {
	return t.validSlot(h) != nil
}

// validSlot returns the record for h, or nil if h is out of range or
// currently on the free list. Caller must hold t.mu.
func (t *Table) validSlot(h Handle) *record {
	if h == 0 || h > t.highWater {
		return nil
	}
	rec := t.slot(h)
	if rec.strong <= 0 && rec.owner == nil {
		// Ambiguous with a freed slot unless we track liveness explicitly;
		// strong <= 0 always means freed since Release frees at that point.
		return nil
	}
	return rec
}

// free pushes h onto the free list. Caller must hold t.mu.
func (t *Table) free(h Handle) {
	rec := t.slot(h)
	rec.owner = nil
	rec.strong = 0
	rec.next = t.freeHead
	t.freeHead = h
}
