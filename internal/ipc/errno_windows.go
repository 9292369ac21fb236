//go:build windows

package ipc

import "errors"

var errConnRefused = errors.New("connection refused")
