package client

import (
	"fmt"
	"os"

	"github.com/godbus/dbus/v5"
	"golang.org/x/sys/unix"

	"github.com/memdedup/uniqued/internal/logger"
	"github.com/memdedup/uniqued/internal/memfd"
	"github.com/memdedup/uniqued/internal/proto"
)

// UniqueDeferred returns a ByteView immediately, backed by a private
// mapping of a freshly sealed memfd, and dispatches the dedup round trip
// in the background. If the daemon reports a hit, the view's backing
// pages are swapped in place, at the same virtual address, once the
// reply arrives. Callers may dereference the view the moment it is
// returned; its content is correct from the start, deferred or not.
func (c *Client) UniqueDeferred(data []byte) (*ByteView, error) {
	f, err := memfd.Create("uniqueclient-deferred", int64(len(data)))
	if err != nil {
		logger.Debugf("UniqueDeferred: memfd.Create: %v", err)
		return fallbackCopy(data), nil
	}

	if err := memfd.WriteAll(int(f.Fd()), data); err != nil {
		logger.Debugf("UniqueDeferred: write: %v", err)
		f.Close()
		return fallbackCopy(data), nil
	}
	if err := memfd.Seal(f); err != nil {
		logger.Debugf("UniqueDeferred: seal: %v", err)
		f.Close()
		return fallbackCopy(data), nil
	}

	mapped, err := memfd.MapReadOnly(int(f.Fd()), len(data))
	if err != nil {
		logger.Debugf("UniqueDeferred: mmap: %v", err)
		f.Close()
		return fallbackCopy(data), nil
	}

	r := newRegion(mapped, true, c.obj)
	view := &ByteView{r: r}

	done := make(chan *dbus.Call, 1)
	call := c.obj.Go(proto.MethodMakeUnique, 0, done, dbus.UnixFD(f.Fd()))

	// The async completion goroutine holds its own strong reference: the
	// region must survive even if the caller releases its view before the
	// round trip finishes. It also owns closing f: the transport may not
	// serialize the outgoing message until after this function returns, so
	// the fd must stay open until the call has completed.
	r.retain()
	go c.completeDeferred(call, f, r)

	return view, nil
}

// completeDeferred runs in its own goroutine per deferred call, finishing
// the round trip started by UniqueDeferred and releasing the reference
// that call retained on r, regardless of outcome.
func (c *Client) completeDeferred(call *dbus.Call, f *os.File, r *region) {
	defer r.release()

	<-call.Done

	// The message has been serialized (or the call failed) by now; the
	// local memfd can go. The mapping survives the close, and the daemon
	// holds its own reference via fd-passing.
	f.Close()

	if call.Err != nil {
		logger.Debugf("deferred MakeUnique failed: %v", call.Err)
		return
	}

	var ah []dbus.UnixFD
	var handle uint32
	if err := call.Store(&ah, &handle); err != nil {
		logger.Debugf("deferred MakeUnique: unexpected reply shape: %v", err)
		return
	}

	r.setHandle(handle)

	if len(ah) == 0 {
		// Miss: the daemon adopted our fd as canonical. Our mapping is
		// already backed by the right content; nothing to remap.
		return
	}

	fd, err := memfd.TakeOne(asInts(ah), 0)
	if err != nil {
		logger.Warnf("deferred completion: taking canonical fd: %v", err)
		return
	}
	defer unixClose(fd)

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		logger.Warnf("deferred completion: fstat canonical fd: %v", err)
		return
	}

	addr, size := r.addrAndSize()
	if int(st.Size) != size {
		logger.Warnf("deferred completion: canonical blob size %d does not match region size %d; skipping remap", st.Size, size)
		return
	}

	if err := memfd.RemapFixed(addr, size, fd); err != nil {
		// The kernel did not honor MAP_FIXED at our own existing address,
		// a local invariant violation this process cannot recover from.
		panic(fmt.Sprintf("deferred completion: %v", err))
	}
	// RemapFixed replaces the backing pages in place; r's slice header
	// (pointer, length) is unchanged, so no further update to r is needed.
}
