package client

import (
	"errors"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/memdedup/uniqued/internal/config"
	"github.com/memdedup/uniqued/internal/memfd"
)

// sealedCanonicalFd builds a sealed memfd holding content and returns a
// duplicate fd whose ownership passes to the code under test, the same way
// fd-passing hands every receiver an independent descriptor.
func sealedCanonicalFd(t *testing.T, content []byte) int {
	t.Helper()
	f, err := memfd.Create("canonical", int64(len(content)))
	require.NoError(t, err)
	require.NoError(t, memfd.WriteAll(int(f.Fd()), content))
	require.NoError(t, memfd.Seal(f))
	fd, err := unix.Dup(int(f.Fd()))
	require.NoError(t, err)
	f.Close()
	return fd
}

func testClient(bus busObject) *Client {
	cfg := config.Defaults()
	cfg.SyncTimeout = 2 * time.Second
	return &Client{cfg: cfg, obj: bus}
}

func TestUniqueSyncFallsBackOnCallError(t *testing.T) {
	c := testClient(&fakeBus{callErr: errors.New("no reply")})

	v, err := c.UniqueSync([]byte("hello world"))
	require.NoError(t, err)
	assert.Equal(t, []byte("hello world"), v.Bytes())
	assert.Zero(t, v.Handle())
}

func TestUniqueSyncMissKeepsOwnFd(t *testing.T) {
	bus := &fakeBus{callBody: []interface{}{[]dbus.UnixFD{}, uint32(1)}}
	c := testClient(bus)

	v, err := c.UniqueSync([]byte("miss path"))
	require.NoError(t, err)
	assert.Equal(t, []byte("miss path"), v.Bytes())
	assert.EqualValues(t, 1, v.Handle())
	v.Release()
}

func TestUniqueSyncHitTakesCanonicalFd(t *testing.T) {
	content := []byte("canonical content")
	canonical := sealedCanonicalFd(t, content)

	bus := &fakeBus{callBody: []interface{}{[]dbus.UnixFD{dbus.UnixFD(canonical)}, uint32(9)}}
	c := testClient(bus)

	v, err := c.UniqueSync(content)
	require.NoError(t, err)
	assert.EqualValues(t, 9, v.Handle())
	assert.Len(t, v.Bytes(), len(content))
	v.Release()
}
