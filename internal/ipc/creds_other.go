//go:build !linux && !darwin

package ipc

import (
	"errors"
	"net"
)

// GetPeerCredentials is not supported on this platform; the server then
// relies on the socket file permissions alone.
func GetPeerCredentials(conn net.Conn) (*PeerCredentials, error) {
	return nil, errors.ErrUnsupported
}
