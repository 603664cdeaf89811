//go:build !unix

package gotls

import (
	"errors"
	"net"
)

func connFromFD(uintptr) (net.Conn, error) {
	return nil, errors.New("accepting raw sockets is not supported on this platform")
}
