//go:build !windows

package ipc

import "golang.org/x/sys/unix"

// errConnRefused is what dialing a stale socket file returns.
var errConnRefused error = unix.ECONNREFUSED
