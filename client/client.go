// Package client is the dedup daemon's consumer-side library: UniqueSync
// and UniqueDeferred, the two entry points that turn an arbitrary byte
// buffer into a reference-counted ByteView backed, whenever possible, by
// memory shared with every other client holding identical content.
package client

import (
	"context"

	"github.com/godbus/dbus/v5"
	"golang.org/x/sys/unix"

	"github.com/memdedup/uniqued/internal/config"
	"github.com/memdedup/uniqued/internal/dbusutil"
	"github.com/memdedup/uniqued/internal/logger"
)

// busObject is the narrow slice of dbus.BusObject this package actually
// calls. dbus.BusObject satisfies it structurally, so a real *dbus.Object
// passes straight through; tests substitute a small fake instead of
// having to implement the full BusObject interface.
type busObject interface {
	CallWithContext(ctx context.Context, method string, flags dbus.Flags, args ...interface{}) *dbus.Call
	Go(method string, flags dbus.Flags, ch chan *dbus.Call, args ...interface{}) *dbus.Call
}

// Client is a bound connection to the dedup daemon's bus object. Callers
// construct one per process (it is cheap: the underlying bus connection is
// a process-wide singleton via internal/dbusutil) and call UniqueSync /
// UniqueDeferred on it.
type Client struct {
	cfg config.Config
	obj busObject
}

// New dials the session bus (idempotently, see internal/dbusutil.Session)
// and binds a Client to the daemon's well-known object, without yet
// verifying the daemon is actually listening: that is discovered lazily,
// on the first call, via the synchronous or deferred paths' own fallback
// behavior.
func New(cfg config.Config) (*Client, error) {
	conn, err := dbusutil.Session()
	if err != nil {
		return nil, err
	}
	obj := conn.Object(cfg.Bus.Name, dbus.ObjectPath(cfg.Bus.ObjectPath))
	return &Client{cfg: cfg, obj: obj}, nil
}

// unixClose closes fd, logging rather than propagating a failure: every
// call site already has the result it cares about (a successful mmap) by
// the time it closes the fd that produced it.
func unixClose(fd int) {
	if err := unix.Close(fd); err != nil {
		logger.Debugf("close fd %d: %v", fd, err)
	}
}
