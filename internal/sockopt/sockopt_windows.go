//go:build windows

package sockopt

import "golang.org/x/sys/windows"

func setReuseAddr(fd uintptr) error {
	return windows.SetsockoptInt(windows.Handle(fd), windows.SOL_SOCKET, windows.SO_REUSEADDR, 1)
}

// Winsock sockets created by the runtime are already overlapped/non-blocking.
func setNonblock(fd uintptr) error { return nil }
