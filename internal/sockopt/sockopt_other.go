//go:build !unix && !windows

package sockopt

func setReuseAddr(fd uintptr) error { return nil }

func setNonblock(fd uintptr) error { return nil }
