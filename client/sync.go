package client

import (
	"context"

	"github.com/godbus/dbus/v5"

	"github.com/memdedup/uniqued/internal/logger"
	"github.com/memdedup/uniqued/internal/memfd"
	"github.com/memdedup/uniqued/internal/proto"
)

// UniqueSync registers data with the dedup daemon and blocks for up to
// cfg.SyncTimeout waiting for the reply. It never returns an error for
// daemon unavailability, a timeout, or any fd/mmap failure along the way;
// every one of those is a fallback to a private heap copy of data. The
// returned error is always nil.
func (c *Client) UniqueSync(data []byte) (*ByteView, error) {
	f, err := memfd.Create("uniqueclient-sync", int64(len(data)))
	if err != nil {
		logger.Debugf("UniqueSync: memfd.Create: %v", err)
		return fallbackCopy(data), nil
	}
	defer f.Close()

	if err := memfd.WriteAll(int(f.Fd()), data); err != nil {
		logger.Debugf("UniqueSync: write: %v", err)
		return fallbackCopy(data), nil
	}
	if err := memfd.Seal(f); err != nil {
		logger.Debugf("UniqueSync: seal: %v", err)
		return fallbackCopy(data), nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.SyncTimeout)
	defer cancel()

	var ah []dbus.UnixFD
	var handle uint32
	call := c.obj.CallWithContext(ctx, proto.MethodMakeUnique, 0, dbus.UnixFD(f.Fd()))
	if call.Err != nil {
		logger.Debugf("UniqueSync: MakeUnique call: %v", call.Err)
		return fallbackCopy(data), nil
	}
	if err := call.Store(&ah, &handle); err != nil {
		logger.Debugf("UniqueSync: unexpected reply shape: %v", err)
		return fallbackCopy(data), nil
	}

	mapFd := int(f.Fd())
	if len(ah) > 0 {
		taken, err := memfd.TakeOne(asInts(ah), 0)
		if err != nil {
			logger.Debugf("UniqueSync: taking canonical fd: %v", err)
			return fallbackCopy(data), nil
		}
		mapFd = taken
		defer unixClose(mapFd)
	}

	mapped, err := memfd.MapReadOnly(mapFd, len(data))
	if err != nil {
		logger.Debugf("UniqueSync: mmap: %v", err)
		return fallbackCopy(data), nil
	}

	r := newRegion(mapped, true, c.obj)
	r.setHandle(handle)
	return &ByteView{r: r}, nil
}
