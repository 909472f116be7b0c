package dedupd

import (
	"fmt"
	"os"
)

// blob is the canonical entity in the daemon's content-addressed table: one
// sealed memfd per distinct digest, jointly owned by every peer handle that
// refers to it. It carries an explicit reference count rather than relying
// on any intrusive language-level refcounting; the table entry itself is a
// non-owning presence record, added when a blob is created and removed only
// once refs drops to zero (see (*Daemon).destroyBlobLocked), so lookup-or-create
// against the digest map stays atomic under the daemon's own mutex.
type blob struct {
	digest string
	size   int64
	file   *os.File
	refs   int
}

// addRef records one more outstanding handle on b.
func (b *blob) addRef() {
	b.refs++
}

// release drops one reference and reports whether that was the last one.
// The caller (always the Daemon, holding its own mutex) is responsible for
// removing b from the digest table and closing its fd when destroyed is
// true. The blob itself has no way to reach the table it lives in, by
// design: the presence record is the table's responsibility, not the
// blob's.
func (b *blob) release() (destroyed bool) {
	if b.refs <= 0 {
		panic(fmt.Sprintf("blob %s: release called with refs=%d", b.digest, b.refs))
	}
	b.refs--
	return b.refs == 0
}
