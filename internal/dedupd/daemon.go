// Package dedupd implements the dedup daemon's engine: the global
// content-addressed blob table, the per-peer handle tables, the MakeUnique
// / Forget / Stats D-Bus methods, and peer-death reclamation via
// NameOwnerChanged.
//
// godbus does not guarantee that exported-method dispatch and the signal
// channel consumed by Run execute on one goroutine, so the blob and peer
// tables are guarded by a mutex.
package dedupd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/memdedup/uniqued/internal/config"
	"github.com/memdedup/uniqued/internal/logger"
	"github.com/memdedup/uniqued/internal/memfd"
	"github.com/memdedup/uniqued/internal/proto"
)

// Daemon holds the dedup engine's entire state: the digest-keyed blob
// table, the per-peer handle tables, and the reporting-only accounting
// counters that must track every table mutation exactly.
type Daemon struct {
	conn *dbus.Conn
	cfg  config.Config

	mu           sync.Mutex
	blobs        map[string]*blob
	peers        map[string]*peer
	realSize     uint64
	apparentSize uint64
}

// New constructs a Daemon bound to conn. Export and RequestName must still
// be called before Run.
func New(conn *dbus.Conn, cfg config.Config) *Daemon {
	return &Daemon{
		conn:  conn,
		cfg:   cfg,
		blobs: make(map[string]*blob),
		peers: make(map[string]*peer),
	}
}

// Export registers the daemon's wire methods on its well-known object path
// and interface. A method table keeps the bus surface to exactly the three
// methods of the protocol; exporting the Daemon value itself would also
// expose Run, RequestName and friends.
func (d *Daemon) Export() error {
	methods := map[string]interface{}{
		"MakeUnique": d.MakeUnique,
		"Forget":     d.Forget,
		"Stats":      d.Stats,
	}
	if err := d.conn.ExportMethodTable(methods, dbus.ObjectPath(d.cfg.Bus.ObjectPath), d.cfg.Bus.Interface); err != nil {
		return fmt.Errorf("export %s: %w", d.cfg.Bus.Interface, err)
	}
	return nil
}

// RequestName claims the daemon's well-known bus name, replacing an
// existing owner only if cfg.Replace was set. Any other outcome is
// treated as startup failure: a singleton daemon that cannot become the
// primary owner of its own name has nothing useful to do.
func (d *Daemon) RequestName() error {
	flags := dbus.NameFlagAllowReplacement | dbus.NameFlagDoNotQueue
	if d.cfg.Replace {
		flags |= dbus.NameFlagReplaceExisting
	}

	reply, err := d.conn.RequestName(d.cfg.Bus.Name, flags)
	if err != nil {
		return fmt.Errorf("request name %s: %w", d.cfg.Bus.Name, err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return fmt.Errorf("bus name %s is already owned (reply=%v); rerun with --replace", d.cfg.Bus.Name, reply)
	}
	return nil
}

// Run subscribes to NameOwnerChanged, starts the accounting heartbeat, and
// blocks processing signals until ctx is canceled or the daemon loses its
// bus name, the one failure this function treats as fatal (the caller is
// expected to os.Exit(1) on that return: another instance now owns the
// name).
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.conn.AddMatchSignal(
		dbus.WithMatchInterface(proto.NameOwnerChangedInterface),
		dbus.WithMatchMember(proto.NameOwnerChangedMember),
	); err != nil {
		return fmt.Errorf("subscribe to NameOwnerChanged: %w", err)
	}

	signals := make(chan *dbus.Signal, 16)
	d.conn.Signal(signals)
	defer d.conn.RemoveSignal(signals)

	var heartbeatC <-chan time.Time
	if d.cfg.HeartbeatInterval > 0 {
		ticker := time.NewTicker(d.cfg.HeartbeatInterval)
		defer ticker.Stop()
		heartbeatC = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig, ok := <-signals:
			if !ok {
				return fmt.Errorf("bus signal channel closed")
			}
			if lost := d.handleSignal(sig); lost {
				return fmt.Errorf("lost ownership of bus name %s", d.cfg.Bus.Name)
			}
		case <-heartbeatC:
			d.logHeartbeat()
		}
	}
}

// handleSignal dispatches one bus signal. It returns true exactly when the
// signal reports that this process lost its own well-known name, the
// daemon's one fatal condition.
func (d *Daemon) handleSignal(sig *dbus.Signal) (lostOwnName bool) {
	switch sig.Name {
	case proto.NameOwnerChangedInterface + "." + proto.NameOwnerChangedMember:
		d.handleNameOwnerChanged(sig)
	case proto.NameOwnerChangedInterface + ".NameLost":
		if len(sig.Body) == 1 {
			if name, _ := sig.Body[0].(string); name == d.cfg.Bus.Name {
				return true
			}
		}
	}
	return false
}

// handleNameOwnerChanged reclaims a peer's handles when its unique name
// disappears from the bus. Only disappearance is a death: the name's
// owner going from itself to empty. A transfer (old owner a different
// unique name, or new owner non-empty) is not a peer disconnecting and
// must be ignored, or unrelated name transfers would be misread as client
// crashes.
func (d *Daemon) handleNameOwnerChanged(sig *dbus.Signal) {
	if len(sig.Body) != 3 {
		return
	}
	name, _ := sig.Body[0].(string)
	oldOwner, _ := sig.Body[1].(string)
	newOwner, _ := sig.Body[2].(string)

	if !strings.HasPrefix(name, ":") {
		return // not a unique (connection) name; can't be a peer.
	}
	if newOwner != "" || oldOwner != name {
		return // transfer, not disappearance.
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.removePeerLocked(name)
}

// removePeerLocked drops a peer and every reference its handles held,
// destroying any blob whose refcount reaches zero as a result. Caller must
// hold d.mu.
func (d *Daemon) removePeerLocked(name string) {
	p, ok := d.peers[name]
	if !ok {
		return
	}
	delete(d.peers, name)

	released, destroyed := p.removeAll()
	d.apparentSize -= released
	for _, b := range destroyed {
		d.destroyBlobLocked(b)
	}

	logger.Debugf("peer %s disconnected: released %d bytes, destroyed %d blobs", name, released, len(destroyed))
}

// destroyBlobLocked removes b from the digest table and closes its fd, in
// that order. Caller must hold d.mu and must already know b.refs == 0.
func (d *Daemon) destroyBlobLocked(b *blob) {
	delete(d.blobs, b.digest)
	d.realSize -= uint64(b.size)
	b.file.Close()
}

// peerForLocked returns the Peer for name, lazily creating one on first
// contact (the absent->present transition of the per-peer state machine).
// Caller must hold d.mu.
func (d *Daemon) peerForLocked(name string) *peer {
	p, ok := d.peers[name]
	if !ok {
		p = newPeer(name)
		d.peers[name] = p
	}
	return p
}

func (d *Daemon) logHeartbeat() {
	d.mu.Lock()
	real, apparent, blobs, peers := d.realSize, d.apparentSize, len(d.blobs), len(d.peers)
	d.mu.Unlock()
	logger.Debugf("accounting: real_size=%d apparent_size=%d blobs=%d peers=%d", real, apparent, blobs, peers)
}

// MakeUnique is the daemon's exported dedup entry point. sender is filled
// in by godbus from the message's sender field, not consumed from the wire
// arguments.
func (d *Daemon) MakeUnique(fd dbus.UnixFD, sender dbus.Sender) (ah []dbus.UnixFD, handle uint32, dbusErr *dbus.Error) {
	f := os.NewFile(uintptr(fd), "uniqued-candidate")
	if f == nil {
		return nil, 0, dbus.NewError(proto.ErrInvalidArgs, []interface{}{"no file descriptor attached"})
	}

	sealed, err := memfd.HasAllSeals(f)
	if err != nil {
		f.Close()
		return nil, 0, dbus.NewError(proto.ErrInvalidArgs, []interface{}{fmt.Sprintf("checking seals: %v", err)})
	}
	if !sealed {
		f.Close()
		return nil, 0, dbus.NewError(proto.ErrInvalidArgs, []interface{}{"fd is missing required seals (SEAL|SHRINK|GROW|WRITE)"})
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, dbus.NewError(proto.ErrFailed, []interface{}{fmt.Sprintf("stat candidate fd: %v", err)})
	}
	if info.Mode()&os.ModeType != 0 {
		f.Close()
		return nil, 0, dbus.NewError(proto.ErrInvalidArgs, []interface{}{"fd is not a regular file"})
	}

	digest, digestedSize, err := digestFile(int(f.Fd()))
	if err != nil {
		f.Close()
		return nil, 0, dbus.NewError(proto.ErrFailed, []interface{}{fmt.Sprintf("digest candidate fd: %v", err)})
	}
	if digestedSize != info.Size() {
		f.Close()
		return nil, 0, dbus.NewError(proto.ErrFailed, []interface{}{fmt.Sprintf("size changed under us: stat=%d read=%d", info.Size(), digestedSize)})
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	p := d.peerForLocked(string(sender))

	if existing, hit := d.blobs[digest]; hit {
		// Hit: the caller's fd is a duplicate of content we already have.
		// Drop it and hand back the canonical one instead.
		f.Close()
		h := p.addHandle(existing)
		d.apparentSize += uint64(existing.size)
		return []dbus.UnixFD{dbus.UnixFD(existing.file.Fd())}, h, nil
	}

	// Miss: adopt the caller's fd as the new canonical copy.
	nb := &blob{digest: digest, size: info.Size(), file: f}
	d.blobs[digest] = nb
	d.realSize += uint64(nb.size)
	h := p.addHandle(nb)
	d.apparentSize += uint64(nb.size)
	return nil, h, nil
}

// Forget releases one handle. Unknown handles, and handles belonging to a
// peer that is not (or no longer) present, are silently ignored. Forget
// is idempotent by design.
func (d *Daemon) Forget(handle uint32, sender dbus.Sender) *dbus.Error {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.peers[string(sender)]
	if !ok {
		return nil
	}

	b, destroyed := p.forget(handle)
	if b == nil {
		return nil
	}

	d.apparentSize -= uint64(b.size)
	if destroyed {
		d.destroyBlobLocked(b)
	}
	return nil
}

// Stats reports the accounting counters for operators and tests.
func (d *Daemon) Stats() (realSize, apparentSize uint64, blobCount, peerCount uint32, dbusErr *dbus.Error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.realSize, d.apparentSize, uint32(len(d.blobs)), uint32(len(d.peers)), nil
}
