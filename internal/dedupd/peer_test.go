package dedupd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeerAddHandleAssignsIncreasingIDs(t *testing.T) {
	p := newPeer(":1.1")
	b := &blob{digest: "a", size: 10}

	h1 := p.addHandle(b)
	h2 := p.addHandle(b)

	assert.NotEqual(t, h1, h2)
	assert.Equal(t, 2, b.refs)
}

func TestPeerForgetUnknownHandleIsNoop(t *testing.T) {
	p := newPeer(":1.1")
	b, destroyed := p.forget(999)
	assert.Nil(t, b)
	assert.False(t, destroyed)
}

func TestPeerForgetDestroysOnLastRef(t *testing.T) {
	p := newPeer(":1.1")
	b := &blob{digest: "a", size: 10}
	h := p.addHandle(b)

	got, destroyed := p.forget(h)
	require.NotNil(t, got)
	assert.True(t, destroyed)

	// Idempotent: forgetting the same handle twice is a no-op, not a panic.
	got2, destroyed2 := p.forget(h)
	assert.Nil(t, got2)
	assert.False(t, destroyed2)
}

func TestPeerRemoveAllReleasesEveryHandle(t *testing.T) {
	p := newPeer(":1.1")
	shared := &blob{digest: "shared", size: 100}
	solo := &blob{digest: "solo", size: 50}

	// Another peer also holds a handle on the shared blob.
	newPeer(":1.2").addHandle(shared)

	p.addHandle(shared)
	p.addHandle(shared)
	p.addHandle(solo)

	released, destroyed := p.removeAll()
	assert.Equal(t, uint64(250), released)
	assert.Len(t, destroyed, 1)
	assert.Equal(t, "solo", destroyed[0].digest)
	assert.Equal(t, 1, shared.refs)
	assert.Empty(t, p.handles)
}
