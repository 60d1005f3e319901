//go:build windows

package telnet

import "syscall"

// setReuseAddr is the Windows variant of the console rebind option.
func setReuseAddr(fd uintptr) error {
	return syscall.SetsockoptInt(syscall.Handle(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
}
