package dedupd

import (
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/memdedup/uniqued/internal/config"
	"github.com/memdedup/uniqued/internal/memfd"
)

// newTestDaemon builds a Daemon with no real bus connection. Every method
// exercised below (MakeUnique, Forget, Stats, the NameOwnerChanged
// handlers) only ever touches d.conn through Run's signal subscription, so
// a nil conn is safe for these table-only tests.
func newTestDaemon() *Daemon {
	return New(nil, config.Defaults())
}

// sealedMemfd builds a sealed memfd holding content and returns a duplicate
// fd for MakeUnique to take ownership of, the same way fd-passing hands the
// daemon an independent descriptor.
func sealedMemfd(t *testing.T, content []byte) int {
	t.Helper()
	f, err := memfd.Create("test", int64(len(content)))
	require.NoError(t, err)
	require.NoError(t, memfd.WriteAll(int(f.Fd()), content))
	require.NoError(t, memfd.Seal(f))
	fd, err := unix.Dup(int(f.Fd()))
	require.NoError(t, err)
	f.Close()
	return fd
}

func TestMakeUniqueMissCreatesBlob(t *testing.T) {
	d := newTestDaemon()
	fd := sealedMemfd(t, []byte("hello world"))

	extra, handle, dbusErr := d.MakeUnique(dbus.UnixFD(fd), dbus.Sender(":1.1"))
	require.Nil(t, dbusErr)
	assert.Nil(t, extra)
	assert.NotZero(t, handle)
	assert.Len(t, d.blobs, 1)
	assert.EqualValues(t, len("hello world"), d.realSize)
}

func TestMakeUniqueHitReturnsCanonicalFd(t *testing.T) {
	d := newTestDaemon()
	content := []byte("duplicate me")

	fd1 := sealedMemfd(t, content)
	_, h1, dbusErr := d.MakeUnique(dbus.UnixFD(fd1), dbus.Sender(":1.1"))
	require.Nil(t, dbusErr)

	fd2 := sealedMemfd(t, content)
	extra, h2, dbusErr := d.MakeUnique(dbus.UnixFD(fd2), dbus.Sender(":1.2"))
	require.Nil(t, dbusErr)

	require.Len(t, extra, 1)
	// Handle ids are numbered per peer: each peer's first handle is 1.
	assert.Equal(t, h1, h2)
	assert.Len(t, d.blobs, 1)
	// apparent_size counts both handles even though only one blob exists.
	assert.EqualValues(t, len(content)*2, d.apparentSize)
	assert.EqualValues(t, len(content), d.realSize)
}

func TestMakeUniqueRejectsUnsealedFd(t *testing.T) {
	d := newTestDaemon()
	f, err := memfd.Create("unsealed", 4)
	require.NoError(t, err)
	require.NoError(t, memfd.WriteAll(int(f.Fd()), []byte("data")))
	// Deliberately not sealed.
	fd, err := unix.Dup(int(f.Fd()))
	require.NoError(t, err)
	f.Close()

	_, _, dbusErr := d.MakeUnique(dbus.UnixFD(fd), dbus.Sender(":1.1"))
	require.NotNil(t, dbusErr)
	assert.Empty(t, d.blobs)
}

func TestForgetDestroysBlobOnLastRelease(t *testing.T) {
	d := newTestDaemon()
	fd := sealedMemfd(t, []byte("solo owner"))

	_, handle, dbusErr := d.MakeUnique(dbus.UnixFD(fd), dbus.Sender(":1.1"))
	require.Nil(t, dbusErr)
	require.Len(t, d.blobs, 1)

	dbusErr = d.Forget(handle, dbus.Sender(":1.1"))
	require.Nil(t, dbusErr)
	assert.Empty(t, d.blobs)
	assert.Zero(t, d.realSize)
	assert.Zero(t, d.apparentSize)
}

func TestForgetUnknownPeerIsNoop(t *testing.T) {
	d := newTestDaemon()
	dbusErr := d.Forget(1, dbus.Sender(":1.99"))
	assert.Nil(t, dbusErr)
}

func TestStatsReportsCounters(t *testing.T) {
	d := newTestDaemon()
	fd := sealedMemfd(t, []byte("stat me"))
	_, _, dbusErr := d.MakeUnique(dbus.UnixFD(fd), dbus.Sender(":1.1"))
	require.Nil(t, dbusErr)

	real, apparent, blobs, peers := d.statsForTest()
	assert.EqualValues(t, len("stat me"), real)
	assert.EqualValues(t, len("stat me"), apparent)
	assert.EqualValues(t, 1, blobs)
	assert.EqualValues(t, 1, peers)
}

func (d *Daemon) statsForTest() (uint64, uint64, uint32, uint32) {
	real, apparent, blobs, peers, _ := d.Stats()
	return real, apparent, blobs, peers
}

func TestHandleNameOwnerChangedReclaimsPeer(t *testing.T) {
	d := newTestDaemon()
	fd := sealedMemfd(t, []byte("owned by a dying peer"))
	_, _, dbusErr := d.MakeUnique(dbus.UnixFD(fd), dbus.Sender(":1.1"))
	require.Nil(t, dbusErr)
	require.Len(t, d.blobs, 1)

	sig := &dbus.Signal{
		Name: "org.freedesktop.DBus.NameOwnerChanged",
		Body: []interface{}{":1.1", ":1.1", ""},
	}
	lost := d.handleSignal(sig)
	assert.False(t, lost)
	assert.Empty(t, d.blobs)
	assert.Empty(t, d.peers)
}

func TestHandleNameOwnerChangedIgnoresTransfers(t *testing.T) {
	d := newTestDaemon()
	fd := sealedMemfd(t, []byte("still alive"))
	_, _, dbusErr := d.MakeUnique(dbus.UnixFD(fd), dbus.Sender(":1.1"))
	require.Nil(t, dbusErr)

	// A well-known name changing hands is not a peer disconnecting.
	sig := &dbus.Signal{
		Name: "org.freedesktop.DBus.NameOwnerChanged",
		Body: []interface{}{"org.example.Thing", ":1.50", ":1.51"},
	}
	lost := d.handleSignal(sig)
	assert.False(t, lost)
	assert.Len(t, d.blobs, 1)
}

func TestHandleSignalDetectsOwnNameLost(t *testing.T) {
	d := newTestDaemon()
	sig := &dbus.Signal{
		Name: "org.freedesktop.DBus.NameLost",
		Body: []interface{}{d.cfg.Bus.Name},
	}
	assert.True(t, d.handleSignal(sig))
}
