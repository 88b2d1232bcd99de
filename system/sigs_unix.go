//go:build darwin || dragonfly || freebsd || linux || netbsd || openbsd || solaris
// +build darwin dragonfly freebsd linux netbsd openbsd solaris

package system

import "syscall"

// StatsSig invokes fn each time SIGUSR1 arrives, for on-demand state
// dumps without restarting the daemon.
func StatsSig(fn func()) {
	notifyOnSignal(syscall.SIGUSR1, fn)
}
