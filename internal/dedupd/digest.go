package dedupd

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"golang.org/x/sys/unix"
)

// digestChunkSize is the read size used for positional digest reads.
const digestChunkSize = 64 * 1024

// digestFile computes the SHA-256 of the full content behind fd via
// positional reads (pread, not the file's own read offset; the daemon
// never seeks the caller's fd), advancing by the number of bytes actually
// returned and stopping at the first zero-byte read. Short reads are
// tolerated; only an error from pread itself aborts the digest.
func digestFile(fd int) (digest string, size int64, err error) {
	h := sha256.New()
	buf := make([]byte, digestChunkSize)

	var offset int64
	for {
		n, rerr := unix.Pread(fd, buf, offset)
		if rerr != nil {
			if rerr == unix.EINTR {
				continue
			}
			return "", 0, fmt.Errorf("pread at offset %d: %w", offset, rerr)
		}
		if n == 0 {
			break
		}
		h.Write(buf[:n])
		offset += int64(n)
	}

	return hex.EncodeToString(h.Sum(nil)), offset, nil
}
