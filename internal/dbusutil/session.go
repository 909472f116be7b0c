// Package dbusutil holds the process-wide, lazily-initialized session bus
// connection shared by the daemon and the client library. Both sides need
// exactly one *dbus.Conn per process; Session hands out the same one to
// every caller, establishing it under a sync.Once so concurrent first
// callers observe a single connection attempt.
package dbusutil

import (
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"
)

var (
	once    sync.Once
	conn    *dbus.Conn
	connErr error
)

// Session returns the process-wide session bus connection, establishing it
// on first use. The connection is never closed by this package: it lives
// for the lifetime of the process, same as the daemon's or client's own bus
// identity.
func Session() (*dbus.Conn, error) {
	once.Do(func() {
		conn, connErr = dbus.ConnectSessionBus()
		if connErr != nil {
			connErr = fmt.Errorf("connect session bus: %w", connErr)
			return
		}
		if !conn.SupportsUnixFDs() {
			connErr = fmt.Errorf("session bus transport does not support fd-passing")
		}
	})
	return conn, connErr
}
