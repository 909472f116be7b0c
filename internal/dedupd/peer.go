package dedupd

// peer is one connected bus name. It exclusively owns its handle table;
// every handle in it holds exactly one reference on the blob it names, and
// removing a handle always releases exactly one reference.
type peer struct {
	name       string
	nextHandle uint32
	handles    map[uint32]*blob
}

func newPeer(name string) *peer {
	return &peer{
		name:       name,
		nextHandle: 1,
		handles:    make(map[uint32]*blob),
	}
}

// addHandle allocates a fresh, never-reused handle id for b, adds one
// reference, and returns the id.
func (p *peer) addHandle(b *blob) uint32 {
	h := p.nextHandle
	p.nextHandle++
	p.handles[h] = b
	b.addRef()
	return h
}

// forget removes handle h. It returns the blob the handle referenced (nil
// if h was unknown, making Forget idempotent) and whether releasing that
// reference destroyed the blob.
func (p *peer) forget(h uint32) (b *blob, destroyed bool) {
	b, ok := p.handles[h]
	if !ok {
		return nil, false
	}
	delete(p.handles, h)
	return b, b.release()
}

// removeAll drops every handle this peer holds in one sweep, used on peer
// death. It returns the total size in bytes released across all handles
// (for apparent_size bookkeeping) and the set of blobs whose refcount
// reached zero as a result (for the caller to destroy).
func (p *peer) removeAll() (releasedBytes uint64, destroyed []*blob) {
	for h, b := range p.handles {
		delete(p.handles, h)
		releasedBytes += uint64(b.size)
		if b.release() {
			destroyed = append(destroyed, b)
		}
	}
	return releasedBytes, destroyed
}
