//go:build unix

package gotls

import (
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// connFromFD wraps a duplicate of fd in a net.Conn.
func connFromFD(fd uintptr) (net.Conn, error) {
	dup, err := unix.Dup(int(fd))
	if err != nil {
		return nil, os.NewSyscallError("dup", err)
	}
	unix.CloseOnExec(dup)

	f := os.NewFile(uintptr(dup), "tls-accept")
	defer f.Close()
	return net.FileConn(f)
}
