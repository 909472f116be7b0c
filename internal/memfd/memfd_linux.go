// Package memfd wraps the sealed anonymous-memory-file primitives that both
// the dedup daemon and the client library depend on: creating and sealing a
// memfd, extracting one fd from an inbound fd list while closing the rest,
// and the MAP_FIXED in-place remap used by the deferred client path.
package memfd

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// sealAll is the full seal set a canonical blob fd must carry: content,
// size, and seal set itself can never change again.
const sealAll = unix.F_SEAL_SEAL | unix.F_SEAL_SHRINK | unix.F_SEAL_GROW | unix.F_SEAL_WRITE

// Create returns a new anonymous memory file of the given size, sized and
// ready for writing but not yet sealed. Callers write their content and then
// call Seal.
func Create(name string, size int64) (*os.File, error) {
	fd, err := unix.MemfdCreate(name, unix.MFD_CLOEXEC|unix.MFD_ALLOW_SEALING)
	if err != nil {
		return nil, fmt.Errorf("memfd_create: %w", err)
	}

	f := os.NewFile(uintptr(fd), name)
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, fmt.Errorf("ftruncate: %w", err)
	}

	return f, nil
}

// WriteAll writes data to fd in full, restarting on short writes and on
// EINTR. It fails on any other error.
func WriteAll(fd int, data []byte) error {
	for len(data) > 0 {
		n, err := unix.Write(fd, data)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("write: %w", err)
		}
		data = data[n:]
	}
	return nil
}

// Seal applies the full seal set (SEAL, SHRINK, GROW, WRITE) to f.
func Seal(f *os.File) error {
	if _, err := unix.FcntlInt(f.Fd(), unix.F_ADD_SEALS, sealAll); err != nil {
		return fmt.Errorf("F_ADD_SEALS: %w", err)
	}
	return nil
}

// Seals returns the seal bitmask currently set on f.
func Seals(f *os.File) (int, error) {
	got, err := unix.FcntlInt(f.Fd(), unix.F_GET_SEALS, 0)
	if err != nil {
		return 0, fmt.Errorf("F_GET_SEALS: %w", err)
	}
	return got, nil
}

// HasAllSeals reports whether f carries the full SEAL|SHRINK|GROW|WRITE set
// this system requires of every blob fd it accepts or hands out.
func HasAllSeals(f *os.File) (bool, error) {
	got, err := Seals(f)
	if err != nil {
		return false, err
	}
	return got&sealAll == sealAll, nil
}

// TakeOne extracts fds[index], closing every other fd in the slice. It never
// leaks: on an out-of-range index every fd in the slice is closed before the
// error is returned.
func TakeOne(fds []int, index int) (int, error) {
	if index < 0 || index >= len(fds) {
		for _, fd := range fds {
			unix.Close(fd)
		}
		return -1, fmt.Errorf("fd index %d out of range [0,%d)", index, len(fds))
	}

	taken := fds[index]
	for i, fd := range fds {
		if i != index {
			unix.Close(fd)
		}
	}

	return taken, nil
}

// MapReadOnly maps fd read-only and private for size bytes at a
// kernel-chosen address.
func MapReadOnly(fd int, size int) ([]byte, error) {
	b, err := unix.Mmap(fd, 0, size, unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("mmap: %w", err)
	}
	return b, nil
}

// Unmap releases a mapping obtained from MapReadOnly or RemapFixed.
func Unmap(b []byte) error {
	return unix.Munmap(b)
}

// Addr returns the virtual address backing a live mapping, for use with
// RemapFixed.
func Addr(b []byte) uintptr {
	return uintptr(unsafe.Pointer(&b[0]))
}

// RemapFixed replaces the mapping at addr, in place, with a read-only
// private mapping of fd sized size. The kernel is required to honor the
// fixed address; if it does not, that is a fatal invariant violation at the
// call site, not something this function can repair, so it reports the
// mismatch rather than silently accepting a different address.
//
// The golang.org/x/sys/unix package exposes no portable MAP_FIXED wrapper
// (unix.Mmap never takes a caller-supplied address), so this issues the
// mmap(2) syscall directly.
func RemapFixed(addr uintptr, size int, fd int) error {
	got, _, errno := unix.Syscall6(
		unix.SYS_MMAP,
		addr,
		uintptr(size),
		uintptr(unix.PROT_READ),
		uintptr(unix.MAP_PRIVATE|unix.MAP_FIXED),
		uintptr(fd),
		0,
	)
	if errno != 0 {
		return fmt.Errorf("mmap MAP_FIXED: %w", errno)
	}
	if got != addr {
		return fmt.Errorf("kernel did not honor MAP_FIXED: got %#x, want %#x", got, addr)
	}
	return nil
}
