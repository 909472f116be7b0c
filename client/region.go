package client

import (
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/memdedup/uniqued/internal/logger"
	"github.com/memdedup/uniqued/internal/memfd"
	"github.com/memdedup/uniqued/internal/proto"
)

// region is the client-side MappedRegion: the shared, reference-counted
// backing storage behind a ByteView. It is jointly owned by every ByteView
// retaining it plus, in the deferred path, the in-flight completion
// goroutine, exactly the shape of ownership Forget's fire-and-forget
// release needs: the region must outlive the caller's own reference as
// long as an async completion is still pending.
type region struct {
	mu sync.Mutex

	data   []byte
	mapped bool // true: data came from mmap and must be munmapped; false: a private heap copy.
	id     uint32
	refs   int

	bus busObject
}

func newRegion(data []byte, mapped bool, bus busObject) *region {
	return &region{data: data, mapped: mapped, refs: 1, bus: bus}
}

func (r *region) retain() {
	r.mu.Lock()
	r.refs++
	r.mu.Unlock()
}

// release drops one reference. On the last reference it unmaps the
// backing memory (if any) and, if the region was ever registered with the
// daemon, dispatches a fire-and-forget Forget. Failure there is logged,
// never surfaced.
func (r *region) release() {
	r.mu.Lock()
	r.refs--
	done := r.refs == 0
	data, mapped, id, bus := r.data, r.mapped, r.id, r.bus
	r.mu.Unlock()

	if !done {
		return
	}

	if mapped {
		if err := memfd.Unmap(data); err != nil {
			logger.Warnf("region release: munmap: %v", err)
		}
	}

	if id != 0 && bus != nil {
		call := bus.Go(proto.MethodForget, dbus.FlagNoReplyExpected, nil, id)
		if call.Err != nil {
			logger.Debugf("region release: forget(%d): %v", id, call.Err)
		}
	}
}

func (r *region) setHandle(id uint32) {
	r.mu.Lock()
	r.id = id
	r.mu.Unlock()
}

func (r *region) bytes() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.data
}

// addrAndSize returns the mapping's base address and length, for the
// deferred path's MAP_FIXED precondition check.
func (r *region) addrAndSize() (uintptr, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return memfd.Addr(r.data), len(r.data)
}

// ByteView is the opaque, reference-counted byte view handed to callers of
// UniqueSync and UniqueDeferred. Its backing storage is either the shared
// dedup mapping or, on any failure, a private copy; callers cannot tell
// which from the API, only from Handle().
type ByteView struct {
	r *region
}

// Bytes returns the view's content. The returned slice must not be
// retained past a call to Release: in the deferred path its backing pages
// may be replaced (at the same address, with identical content) between
// any two calls.
func (v *ByteView) Bytes() []byte {
	return v.r.bytes()
}

// Handle reports the daemon-assigned handle backing this view, or 0 if it
// is a private copy that was never registered.
func (v *ByteView) Handle() uint32 {
	v.r.mu.Lock()
	defer v.r.mu.Unlock()
	return v.r.id
}

// Retain adds a reference to the view's underlying region and returns a
// second ByteView over the same storage. Both must be released
// independently.
func (v *ByteView) Retain() *ByteView {
	v.r.retain()
	return &ByteView{r: v.r}
}

// Release drops this view's reference. Once every ByteView over a region
// has been released, its mapping is torn down and, if registered, a
// Forget is dispatched.
func (v *ByteView) Release() {
	v.r.release()
}

func fallbackCopy(data []byte) *ByteView {
	cp := make([]byte, len(data))
	copy(cp, data)
	return &ByteView{r: newRegion(cp, false, nil)}
}

func asInts(fds []dbus.UnixFD) []int {
	out := make([]int, len(fds))
	for i, fd := range fds {
		out[i] = int(fd)
	}
	return out
}
