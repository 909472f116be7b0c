package client

import (
	"context"
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBus is a minimal busObject double: only the two methods the client
// package actually calls, recording every Go() dispatch so tests can
// assert a Forget was (or was not) fired.
type fakeBus struct {
	callErr  error
	callBody []interface{}

	goCalls []string
}

func (f *fakeBus) CallWithContext(ctx context.Context, method string, flags dbus.Flags, args ...interface{}) *dbus.Call {
	call := &dbus.Call{Err: f.callErr}
	if f.callErr == nil {
		call.Body = f.callBody
	}
	return call
}

func (f *fakeBus) Go(method string, flags dbus.Flags, ch chan *dbus.Call, args ...interface{}) *dbus.Call {
	f.goCalls = append(f.goCalls, method)
	done := make(chan *dbus.Call, 1)
	call := &dbus.Call{Done: done, Err: f.callErr}
	if f.callErr == nil {
		call.Body = f.callBody
	}
	done <- call
	return call
}

func TestRegionReleaseForgetsOnLastRef(t *testing.T) {
	data := make([]byte, 16)
	bus := &fakeBus{}
	r := newRegion(data, false, bus) // mapped=false: nothing real to munmap
	r.setHandle(42)

	r.retain()
	r.release()
	assert.Empty(t, bus.goCalls, "forget must not fire before the last reference is released")

	r.release()
	require.Len(t, bus.goCalls, 1)
	assert.Equal(t, "org.freedesktop.portal.Unique.Forget", bus.goCalls[0])
}

func TestRegionReleaseSkipsForgetWhenNeverRegistered(t *testing.T) {
	bus := &fakeBus{}
	r := newRegion(make([]byte, 4), false, bus)
	r.release()
	assert.Empty(t, bus.goCalls)
}

func TestByteViewRetainIndependentRelease(t *testing.T) {
	bus := &fakeBus{}
	r := newRegion(make([]byte, 4), false, bus)
	r.setHandle(7)
	v1 := &ByteView{r: r}

	v2 := v1.Retain()
	v1.Release()
	assert.Empty(t, bus.goCalls)

	v2.Release()
	assert.Len(t, bus.goCalls, 1)
}

func TestFallbackCopyIsIndependentOfSource(t *testing.T) {
	src := []byte("hello")
	v := fallbackCopy(src)
	src[0] = 'H'
	assert.Equal(t, []byte("hello"), v.Bytes())
	assert.Zero(t, v.Handle())
}

func TestAsInts(t *testing.T) {
	got := asInts([]dbus.UnixFD{3, 7, 11})
	assert.Equal(t, []int{3, 7, 11}, got)
}
