//go:build unix

package can

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// socketError returns the pending SO_ERROR of conn, if any.
func socketError(conn syscall.Conn) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var soErr int
	ctrlErr := raw.Control(func(fd uintptr) {
		soErr, err = unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_ERROR)
	})
	if ctrlErr != nil {
		return ctrlErr
	}
	if err != nil {
		return err
	}
	if soErr != 0 {
		return syscall.Errno(soErr)
	}
	return nil
}
