// Package proto defines the wire-level constants of the dedup daemon's
// D-Bus interface: the well-known bus name, object path, interface name,
// method names and error names shared by internal/dedupd (the server side)
// and client (the consumer side), so the two never drift independently.
package proto

const (
	// BusName is the well-known session-bus name owned by the singleton
	// dedup daemon.
	BusName = "org.freedesktop.portal.Unique"

	// ObjectPath is the single object the daemon exports.
	ObjectPath = "/org/freedesktop/portal/unique"

	// Interface is the D-Bus interface name under which MakeUnique, Forget
	// and Stats are exported.
	Interface = "org.freedesktop.portal.Unique"
)

// Method names, for use with (dbus.BusObject).Call / .Go.
const (
	MethodMakeUnique = Interface + ".MakeUnique"
	MethodForget     = Interface + ".Forget"
	MethodStats      = Interface + ".Stats"
)

// Error names returned as the Name field of a *dbus.Error.
const (
	// ErrInvalidArgs mirrors org.freedesktop.DBus.Error.InvalidArgs: wrong
	// argument shape, missing fd, or an unsealed fd.
	ErrInvalidArgs = "org.freedesktop.DBus.Error.InvalidArgs"

	// ErrFailed is a generic internal failure (fd manipulation, digest I/O).
	ErrFailed = Interface + ".Error.Failed"
)

// NameOwnerChanged identifies the bus-control signal the daemon subscribes
// to for peer-death reclamation.
const (
	NameOwnerChangedInterface = "org.freedesktop.DBus"
	NameOwnerChangedMember    = "NameOwnerChanged"
)
