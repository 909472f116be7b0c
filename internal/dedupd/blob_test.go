package dedupd

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBlobRefcounting(t *testing.T) {
	b := &blob{digest: "deadbeef", size: 4096}

	b.addRef()
	b.addRef()
	assert.False(t, b.release())
	assert.True(t, b.release())
}

func TestBlobReleaseWithoutRefsPanics(t *testing.T) {
	b := &blob{digest: "deadbeef"}
	assert.Panics(t, func() { b.release() })
}
