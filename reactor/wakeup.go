package reactor

import (
	"github.com/rancho0755777/skp-go/internal/gid"

	"golang.org/x/sys/unix"
)

func writeNonBlocking(fd int, b []byte) (int, error) {
	n, err := unix.Write(fd, b)
	if err == unix.EAGAIN {
		// A byte is already pending in the pipe - the wakeup it carries
		// hasn't been consumed yet, so this emit needs no second byte.
		return 0, nil
	}
	return n, err
}

func drainWakePipe(fd int) {
	var buf [64]byte
	for {
		n, err := unix.Read(fd, buf[:])
		if err != nil || n == 0 {
			return
		}
	}
}

func goroutineTag() uint64 {
	return gid.Current()
}
