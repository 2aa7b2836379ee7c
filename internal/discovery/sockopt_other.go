//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)
// +build !linux,!darwin,!freebsd,!netbsd,!openbsd,!dragonfly

package discovery

import "syscall"

func ReuseAddrControl(network, address string, c syscall.RawConn) error { return nil }
func BroadcastControl(network, address string, c syscall.RawConn) error { return nil }
