//go:build unix

package sockopt

import "golang.org/x/sys/unix"

func setReuseAddr(fd uintptr) error {
	return unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
}

func setNonblock(fd uintptr) error {
	return unix.SetNonblock(int(fd), true)
}
