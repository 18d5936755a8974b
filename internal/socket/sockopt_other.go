//go:build !unix && !windows

package socket

import "syscall"

func controlReuseAddr(network, address string, c syscall.RawConn) error { return nil }

func setBroadcast(c syscall.RawConn, on bool) error { return nil }

func isNoDevice(err error) bool { return false }
