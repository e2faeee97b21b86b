//go:build unix

package process

import "syscall"

// sysProcAttr puts the child in its own process group so terminal signals
// reach it only through Process.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}
