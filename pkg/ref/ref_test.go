package ref

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeOwner struct{ deleted bool }

func (f *fakeOwner) Delete() { f.deleted = true }

func TestAcquireLockUnlock(t *testing.T) {
	tbl := NewTable(nil)
	owner := &fakeOwner{}
	h := tbl.Acquire(owner, "node-1")
	require.NotZero(t, h)

	got, ok := tbl.Lock(h)
	require.True(t, ok)
	assert.Same(t, owner, got)
	tbl.Unlock(h)
}

func TestLockAfterReleaseWithAutoDeleteReturnsFalse(t *testing.T) {
	tbl := NewTable(nil)
	owner := &fakeOwner{}
	h := tbl.Acquire(owner, "")
	tbl.SetAutoDelete(h, true)

	tbl.Release(h)

	_, ok := tbl.Lock(h)
	assert.False(t, ok, "locking a handle whose last strong ref was released must fail")
	assert.True(t, owner.deleted, "autodelete must invoke Delete after strong count hits zero")
}

func TestDestroyWaitsForOutstandingLocks(t *testing.T) {
	tbl := NewTable(nil)
	owner := &fakeOwner{}
	h := tbl.Acquire(owner, "")

	_, ok := tbl.Lock(h)
	require.True(t, ok)

	done := make(chan struct{})
	go func() {
		tbl.Destroy(h)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Destroy must not return while a lock is outstanding")
	case <-time.After(50 * time.Millisecond):
	}

	// Once Destroy has run, no further Lock can succeed even though the
	// handle has not yet been released.
	_, ok = tbl.Lock(h)
	assert.False(t, ok)

	tbl.Unlock(h)
	<-done
}

func TestHandlesNotReusedWhileStrongCountPositive(t *testing.T) {
	tbl := NewTable(nil)
	h1 := tbl.Acquire(&fakeOwner{}, "a")
	h2 := tbl.Acquire(&fakeOwner{}, "b")
	assert.NotEqual(t, h1, h2)
}

func TestFreedHandleIsRecycled(t *testing.T) {
	tbl := NewTable(nil)
	h1 := tbl.Acquire(&fakeOwner{}, "a")
	tbl.Release(h1)

	h2 := tbl.Acquire(&fakeOwner{}, "b")
	assert.Equal(t, h1, h2, "a freed slot should be reissued before growing the high-water mark")
}

func TestDumpListsOnlyLiveHandles(t *testing.T) {
	tbl := NewTable(nil)
	h1 := tbl.Acquire(&fakeOwner{}, "alpha")
	h2 := tbl.Acquire(&fakeOwner{}, "beta")
	tbl.Release(h2)

	dump := tbl.Dump()
	assert.Contains(t, dump, h1)
	assert.NotContains(t, dump, h2)
}
