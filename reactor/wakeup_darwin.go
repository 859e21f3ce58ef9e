//go:build darwin

package reactor

import "golang.org/x/sys/unix"

func newWakePipe() (r, w int, err error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return -1, -1, err
	}
	for _, fd := range fds {
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(fds[0])
			unix.Close(fds[1])
			return -1, -1, err
		}
		unix.CloseOnExec(fd)
	}
	return fds[0], fds[1], nil
}
